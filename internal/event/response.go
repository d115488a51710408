package event

import (
	"net/http"
)

// Response is a synthetic terminal response produced inside the pipeline.
type Response struct {
	Type       Type
	StatusCode int
	Headers    http.Header
	Body       []byte
	// IsBase64Encoded marks Body as base64 text of a binary payload.
	IsBase64Encoded bool
}

// NewResponse returns a response with an initialized header map.
func NewResponse(status int) *Response {
	return &Response{Type: TypeCore, StatusCode: status, Headers: http.Header{}}
}

// Redirect returns a bodiless redirect to location.
func Redirect(status int, location string) *Response {
	r := NewResponse(status)
	r.Headers.Set("Location", location)
	return r
}

// IsRedirect reports whether the status is a 3xx with a Location.
func (r *Response) IsRedirect() bool {
	return r.StatusCode >= 300 && r.StatusCode < 400 && r.Headers.Get("Location") != ""
}

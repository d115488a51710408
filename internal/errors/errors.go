package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind classifies where in the routing pipeline an error originated. The
// pipeline degrades differently per kind: cache errors fail open, the rest
// end in a synthetic failure page.
type Kind string

const (
	KindMalformed  Kind = "malformed_input"
	KindCache      Kind = "cache"
	KindMiddleware Kind = "middleware"
	KindProxy      Kind = "proxy"
	KindInternal   Kind = "internal"
)

// RoutingError represents an error that can be returned to clients
type RoutingError struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	Kind       Kind   `json:"-"`
	underlying error
}

func (e *RoutingError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *RoutingError) Unwrap() error {
	return e.underlying
}

// Is reports whether target is a RoutingError of the same kind and code.
// It lets callers write errors.Is(err, errors.ErrMiddlewareFailed).
func (e *RoutingError) Is(target error) bool {
	t, ok := target.(*RoutingError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Code == e.Code
}

// WriteJSON writes the error as JSON to the response.
// For base errors (no details/requestID), uses pre-serialized JSON to avoid allocations.
func (e *RoutingError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Common errors
var (
	ErrNotFound = &RoutingError{
		Code:    http.StatusNotFound,
		Message: "Not Found",
		Kind:    KindMalformed,
	}

	ErrBadRequest = &RoutingError{
		Code:    http.StatusBadRequest,
		Message: "Bad Request",
		Kind:    KindMalformed,
	}

	ErrPayloadTooLarge = &RoutingError{
		Code:    http.StatusRequestEntityTooLarge,
		Message: "Request Entity Too Large",
		Kind:    KindMalformed,
	}

	ErrMiddlewareFailed = &RoutingError{
		Code:    http.StatusInternalServerError,
		Message: "Middleware Failed",
		Kind:    KindMiddleware,
	}

	ErrCacheUnavailable = &RoutingError{
		Code:    http.StatusServiceUnavailable,
		Message: "Cache Unavailable",
		Kind:    KindCache,
	}

	ErrBadGateway = &RoutingError{
		Code:    http.StatusBadGateway,
		Message: "Bad Gateway",
		Kind:    KindProxy,
	}

	ErrServiceUnavailable = &RoutingError{
		Code:    http.StatusServiceUnavailable,
		Message: "Service Unavailable",
		Kind:    KindProxy,
	}

	ErrGatewayTimeout = &RoutingError{
		Code:    http.StatusGatewayTimeout,
		Message: "Gateway Timeout",
		Kind:    KindProxy,
	}

	ErrInternalServer = &RoutingError{
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
		Kind:    KindInternal,
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*RoutingError][]byte

func init() {
	bases := []*RoutingError{
		ErrNotFound, ErrBadRequest, ErrPayloadTooLarge, ErrMiddlewareFailed, ErrCacheUnavailable,
		ErrBadGateway, ErrServiceUnavailable, ErrGatewayTimeout, ErrInternalServer,
	}
	preSerialized = make(map[*RoutingError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new RoutingError
func New(kind Kind, code int, message string) *RoutingError {
	return &RoutingError{
		Code:    code,
		Message: message,
		Kind:    kind,
	}
}

// Wrap wraps err with the code, message and kind of base.
func Wrap(err error, base *RoutingError) *RoutingError {
	return &RoutingError{
		Code:       base.Code,
		Message:    base.Message,
		Kind:       base.Kind,
		underlying: err,
	}
}

// WithDetails adds details to the error
func (e *RoutingError) WithDetails(details string) *RoutingError {
	return &RoutingError{
		Code:       e.Code,
		Message:    e.Message,
		Details:    details,
		RequestID:  e.RequestID,
		Kind:       e.Kind,
		underlying: e.underlying,
	}
}

// WithRequestID adds a request ID to the error
func (e *RoutingError) WithRequestID(requestID string) *RoutingError {
	return &RoutingError{
		Code:       e.Code,
		Message:    e.Message,
		Details:    e.Details,
		RequestID:  requestID,
		Kind:       e.Kind,
		underlying: e.underlying,
	}
}

// As returns the first RoutingError in err's chain.
func As(err error) (*RoutingError, bool) {
	var re *RoutingError
	if stderrors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// KindOf returns the kind of the first RoutingError in err's chain, or
// KindInternal when err carries none.
func KindOf(err error) Kind {
	if re, ok := As(err); ok {
		return re.Kind
	}
	return KindInternal
}

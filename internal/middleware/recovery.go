package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/wudi/edgeroute/internal/errors"
	"github.com/wudi/edgeroute/internal/logging"
)

// Recovery turns a panic in next into a 500 JSON error. Panics after the
// response started are only logged.
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tw := &statusWriter{ResponseWriter: w}
			defer func() {
				p := recover()
				if p == nil {
					return
				}
				if p == http.ErrAbortHandler {
					panic(p)
				}
				logging.FromContext(r.Context()).Error("Panic recovered",
					zap.Any("error", p),
					zap.ByteString("stack", debug.Stack()),
				)
				if tw.wroteHeader {
					return
				}
				rerr := errors.ErrInternalServer.WithDetails(fmt.Sprintf("panic: %v", p))
				if id := RequestIDFromContext(r.Context()); id != "" {
					rerr = rerr.WithRequestID(id)
				}
				rerr.WriteJSON(w)
			}()
			next.ServeHTTP(tw, r)
		})
	}
}

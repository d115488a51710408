package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wudi/edgeroute/internal/logging"
)

func init() {
	// Batch crypto/rand reads into a pool to avoid a syscall per UUID.
	uuid.EnableRandPool()
}

// DefaultRequestIDHeader is used when no header is configured.
const DefaultRequestIDHeader = "X-Request-ID"

// RequestIDConfig configures the request ID middleware
type RequestIDConfig struct {
	Header      string
	Generator   func() string
	TrustHeader bool
}

func defaultIDGenerator() string {
	return uuid.New().String()
}

// RequestID keeps a trusted inbound id or generates one, mirrors it on the
// response, and scopes a logger carrying it to the request context.
func RequestID(cfg RequestIDConfig) Middleware {
	if cfg.Header == "" {
		cfg.Header = DefaultRequestIDHeader
	}
	if cfg.Generator == nil {
		cfg.Generator = defaultIDGenerator
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var id string
			if cfg.TrustHeader {
				id = r.Header.Get(cfg.Header)
			}
			if id == "" {
				id = cfg.Generator()
			}
			r.Header.Set(cfg.Header, id)
			w.Header().Set(cfg.Header, id)

			ctx := context.WithValue(r.Context(), requestIDKey{}, id)
			ctx = logging.WithContext(ctx, logging.FromContext(ctx).With(zap.String("request_id", id)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type requestIDKey struct{}

// RequestIDFromContext returns the id set by RequestID, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

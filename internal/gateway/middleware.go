package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/finsight-ai/finsight/internal/observability"
)

// withRequestID stamps each request with a correlation id and logs its
// outcome.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), observability.RequestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		s.logger.Debug(ctx, "request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

package api

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nganga-moses/overwatch-cloud/internal/observability"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// RequestLogger logs and times every request.
func RequestLogger(logger logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			elapsed := time.Since(start)

			observability.ObserveHTTPRequest(routeLabel(r.URL.Path), rec.status, elapsed)
			entry := logger.WithFields(logrus.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      rec.status,
				"duration_ms": elapsed.Milliseconds(),
			})
			if rec.status >= http.StatusInternalServerError {
				entry.Warn("request served")
				return
			}
			entry.Debug("request served")
		})
	}
}

// routeLabel keeps the metric label set bounded.
func routeLabel(path string) string {
	switch path {
	case "/v1/sync/push", "/v1/sync/pull", "/v1/sync/bootstrap", "/healthz", "/metrics":
		return path
	}
	return "other"
}

package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/paygrid/trustplane/internal/metrics"
)

// statusRecorder captures the response status for the log line.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Logging logs every request with its correlation id and records the latency
// histogram. handler names the router for the metric label.
func Logging(logger *slog.Logger, m *metrics.Metrics, handler string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			elapsed := time.Since(start)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", elapsed.Milliseconds(),
				"request_id", w.Header().Get(RequestIDHeader),
			)
			if m != nil {
				m.RequestDuration.WithLabelValues(handler, r.Method, strconv.Itoa(rec.status)).
					Observe(elapsed.Seconds())
			}
		})
	}
}

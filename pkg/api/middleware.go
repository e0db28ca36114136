package api

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/glacier/pkg/log"
	"github.com/cuemby/glacier/pkg/metrics"
)

// requestIDHeader is the header a caller may set to correlate its own
// logs with this service's; when absent one is generated so every
// access log line still carries a request_id.
const requestIDHeader = "X-Request-Id"

// requestLogger wraps every handler with access logging and the
// registry_api_requests_total / registry_api_request_duration_seconds
// metrics, classifying and instrumenting each request before dispatch.
// The logger parameter is unused: the per-request logger is derived
// from the package-level logger via log.WithRequestID, so it carries
// request_id but not the parameter's component="api" field.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(requestIDHeader)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(requestIDHeader, requestID)
			reqLogger := log.WithRequestID(requestID)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			timer := metrics.NewTimer()

			next.ServeHTTP(rec, r)

			timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method)
			metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
			reqLogger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Dur("duration", timer.Duration()).
				Msg("api request")
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func componentLogger() zerolog.Logger {
	return log.WithComponent("api")
}

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/okian/rota/pkg/metrics"
)

// MetricsMiddleware records request count, latency and error class per route.
func MetricsMiddleware(next http.HandlerFunc, endpoint string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		durationMs := float64(time.Since(start).Milliseconds())
		status := strconv.Itoa(rec.status)
		metrics.RecordHTTPRequest(endpoint, r.Method, status)
		metrics.RecordHTTPRequestDuration(endpoint, r.Method, status, durationMs)
		if rec.status >= http.StatusBadRequest {
			metrics.RecordErrorByEndpoint(endpoint, r.Method, errorClass(rec.status))
		}
	}
}

// errorClass folds a status back into the error vocabulary used by writeFault.
func errorClass(status int) string {
	switch {
	case status == http.StatusGatewayTimeout:
		return "timeout"
	case status >= http.StatusInternalServerError:
		return "server_error"
	case status == http.StatusNotFound:
		return "not_found"
	case status == http.StatusForbidden:
		return "permission_denied"
	case status == http.StatusBadRequest:
		return "validation"
	default:
		return "client_error"
	}
}

// statusRecorder remembers the status written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

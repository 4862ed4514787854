package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/marketplace-sync-engine/internal/obs"
)

type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
)

// RequestIDFromContext returns the id assigned by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyRequestID).(string)
	return v
}

// responseCapture remembers the status and size of a response.
type responseCapture struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *responseCapture) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseCapture) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func (w *responseCapture) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, reqID)))
	})
}

// WithLogging logs and counts every request. It wraps the mux directly, so
// once the handler returns r carries the matched pattern and path values;
// product_id lines the entry up with the product's marketplace request log.
func WithLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rc := &responseCapture{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rc, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		obs.RecordHTTPRequest(route, r.Method, rc.status)
		attrs := []any{
			"method", r.Method,
			"route", route,
			"path", r.URL.Path,
			"status", rc.status,
			"bytes", rc.bytes,
			"latency_ms", float64(time.Since(start).Microseconds()) / 1000.0,
			"request_id", RequestIDFromContext(r.Context()),
		}
		if id := r.PathValue("id"); id != "" {
			attrs = append(attrs, "product_id", id)
		}
		if m := r.PathValue("marketplace"); m != "" {
			attrs = append(attrs, "marketplace", m)
		}
		if rc.status >= http.StatusInternalServerError {
			obs.Logger.Warn("http_request", attrs...)
			return
		}
		obs.Logger.Info("http_request", attrs...)
	})
}

package httpapi

import (
	"expvar"
	"net/http"

	"github.com/fairyhunter13/marketplace-sync-engine/internal/obs"
)

// NewRouter registers HTTP routes and returns the handler with middleware.
func NewRouter(app *App) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /products", app.createProductHandler)
	mux.HandleFunc("GET /products/{id}/sync-status", app.syncStatusHandler)
	mux.HandleFunc("POST /products/{id}/sync-status/refresh", app.refreshHandler)
	mux.HandleFunc("POST /products/{id}/decision", app.decisionHandler)
	mux.HandleFunc("POST /products/{id}/intents", app.intentHandler)
	mux.HandleFunc("GET /products/{id}/requests", app.requestsHandler)
	mux.HandleFunc("GET /products/{id}/records/{marketplace}/history", app.historyHandler)
	mux.HandleFunc("/healthz", app.healthHandler)
	mux.Handle("/metrics", obs.MetricsHandler())
	mux.HandleFunc("/debug/metrics", app.metricsHandler)
	mux.Handle("/debug/vars", expvar.Handler())
	mux.HandleFunc("/openapi.yaml", app.openapiHandler)
	mux.HandleFunc("/docs", app.docsHandler)
	return WithRequestID(WithLogging(mux))
}

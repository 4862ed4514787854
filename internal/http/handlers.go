package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/marketplace-sync-engine/internal/config"
	httpopenapi "github.com/fairyhunter13/marketplace-sync-engine/internal/http/openapi"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/model"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/obs"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/orchestrator"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/queue"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/store"
)

type App struct {
	Cfg      config.Config
	Engine   *orchestrator.Orchestrator
	Requests store.RequestLog
	Manager  *queue.Manager
	closing  atomic.Bool
	started  time.Time
}

func NewApp(cfg config.Config, engine *orchestrator.Orchestrator, requests store.RequestLog, m *queue.Manager) *App {
	return &App{Cfg: cfg, Engine: engine, Requests: requests, Manager: m, started: time.Now()}
}

// StartShutdown rejects new writes; retries already released keep running.
func (a *App) StartShutdown() {
	a.closing.Store(true)
	a.Manager.CloseIntake()
}

type intentRequest struct {
	Kind         string       `json:"kind"`
	Price        *model.Money `json:"price,omitempty"`
	Marketplace  string       `json:"marketplace,omitempty"`
	SalePrice    *model.Money `json:"sale_price,omitempty"`
	Marketplaces []string     `json:"marketplaces,omitempty"`
}

func (req intentRequest) parse() (model.Intent, []model.Marketplace, error) {
	kind, err := model.ParseIntentKind(req.Kind)
	if err != nil {
		return model.Intent{}, nil, err
	}
	in := model.Intent{Kind: kind, Price: withCurrency(req.Price), SalePrice: withCurrency(req.SalePrice)}
	if req.Marketplace != "" {
		if in.Marketplace, err = model.ParseMarketplace(req.Marketplace); err != nil {
			return model.Intent{}, nil, err
		}
	}
	var targets []model.Marketplace
	for _, s := range req.Marketplaces {
		m, err := model.ParseMarketplace(s)
		if err != nil {
			return model.Intent{}, nil, err
		}
		targets = append(targets, m)
	}
	return in, targets, nil
}

func withCurrency(m *model.Money) *model.Money {
	if m != nil && m.Currency == "" {
		m.Currency = "USD"
	}
	return m
}

// decodeBody enforces a JSON body without unknown fields.
func (a *App) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if a.closing.Load() {
		WriteJSONError(w, http.StatusServiceUnavailable, "shutting_down", "")
		return false
	}
	ct := r.Header.Get("Content-Type")
	if !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		WriteJSONError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "expected application/json")
		return false
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		WriteJSONError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) createProductHandler(w http.ResponseWriter, r *http.Request) {
	var in orchestrator.NewProduct
	if !a.decodeBody(w, r, &in) {
		return
	}
	in.Condition = model.Condition(strings.ToUpper(string(in.Condition)))
	if in.Estimate != nil {
		withCurrency(&in.Estimate.Price)
	}
	p, err := a.Engine.CreateProduct(r.Context(), in)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (a *App) decisionHandler(w http.ResponseWriter, r *http.Request) {
	var d orchestrator.Decision
	if !a.decodeBody(w, r, &d) {
		return
	}
	d.Price = withCurrency(d.Price)
	p, err := a.Engine.Decide(r.Context(), r.PathValue("id"), d)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *App) intentHandler(w http.ResponseWriter, r *http.Request) {
	var req intentRequest
	if !a.decodeBody(w, r, &req) {
		return
	}
	in, targets, err := req.parse()
	if err != nil {
		WriteJSONError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	id := r.PathValue("id")
	res, err := a.Engine.ApplyIntent(r.Context(), id, in, targets)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
	obs.Logger.Info("intent_applied",
		"request_id", RequestIDFromContext(r.Context()),
		"product_id", id,
		"intent", in.Kind,
		"lifecycle_state", res.Product.State,
		"discarded", res.Discarded,
	)
}

func (a *App) syncStatusHandler(w http.ResponseWriter, r *http.Request) {
	rep, err := a.Engine.GetSyncStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *App) refreshHandler(w http.ResponseWriter, r *http.Request) {
	if a.closing.Load() {
		WriteJSONError(w, http.StatusServiceUnavailable, "shutting_down", "")
		return
	}
	res, err := a.Engine.RefreshListingStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *App) requestsHandler(w http.ResponseWriter, r *http.Request) {
	entries, err := a.Requests.Requests(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.RequestLogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *App) historyHandler(w http.ResponseWriter, r *http.Request) {
	m, err := model.ParseMarketplace(r.PathValue("marketplace"))
	if err != nil {
		WriteJSONError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	hist, err := a.Engine.History(r.Context(), r.PathValue("id"), m)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if hist == nil {
		hist = []model.MarketplaceRecord{}
	}
	writeJSON(w, http.StatusOK, hist)
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if a.closing.Load() {
		status = "draining"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (a *App) metricsHandler(w http.ResponseWriter, r *http.Request) {
	enq, proc, backlog, depth := a.Manager.QueueMetrics()
	writeJSON(w, http.StatusOK, map[string]any{
		"retries_enqueued":  enq,
		"retries_processed": proc,
		"backlog_size":      backlog,
		"queue_depth":       depth,
		"worker_count":      a.Manager.WorkerCount(),
		"marketplaces":      fmt.Sprint(a.Engine.Marketplaces()),
		"uptime_sec":        time.Since(a.started).Seconds(),
	})
}

func (a *App) openapiHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(httpopenapi.YAML)
}

func (a *App) docsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	html := `<!doctype html>
<html>
  <head>
    <meta charset="utf-8" />
    <title>Marketplace Sync Engine API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
      window.ui = SwaggerUIBundle({
        url: '/openapi.yaml',
        dom_id: '#swagger-ui'
      });
    </script>
  </body>
</html>`
	_, _ = w.Write([]byte(html))
}

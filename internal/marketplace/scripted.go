package marketplace

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/marketplace-sync-engine/internal/model"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/obs"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/store"
)

// ScriptedCall records one operation received by a Scripted adapter.
type ScriptedCall struct {
	Op        model.Operation
	ProductID string
	Price     *model.Money
	RemoteIDs map[string]string
}

// Scripted is an offline adapter that replays queued outcomes and otherwise
// succeeds. It keeps one remote listing per SKU, like the real marketplaces,
// and is used for demo mode and for driving the orchestrator in tests.
type Scripted struct {
	name model.Marketplace
	log  store.RequestLog

	mu       sync.Mutex
	script   []Outcome
	calls    []ScriptedCall
	listings map[string]string
	prices   map[string]model.Money
	created  int
	hook     func(ctx context.Context, op model.Operation)
}

// NewScripted returns a scripted adapter for m. log may be nil.
func NewScripted(m model.Marketplace, log store.RequestLog) *Scripted {
	return &Scripted{name: m, log: log, listings: make(map[string]string), prices: make(map[string]model.Money)}
}

func (s *Scripted) Name() model.Marketplace { return s.name }

// Push queues outcomes returned by the next calls, in order.
func (s *Scripted) Push(outcomes ...Outcome) {
	s.mu.Lock()
	s.script = append(s.script, outcomes...)
	s.mu.Unlock()
}

// SetHook installs fn, run at the start of every call outside the adapter lock.
func (s *Scripted) SetHook(fn func(ctx context.Context, op model.Operation)) {
	s.mu.Lock()
	s.hook = fn
	s.mu.Unlock()
}

// Calls returns the calls received so far.
func (s *Scripted) Calls() []ScriptedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ScriptedCall(nil), s.calls...)
}

// ListingsCreated reports how many distinct remote listings were ever created.
func (s *Scripted) ListingsCreated() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.created
}

func (s *Scripted) CreateOrUpdateListing(ctx context.Context, p model.Product, rec model.MarketplaceRecord, price model.Money) Outcome {
	return s.call(ctx, model.OpList, p.ID, rec, &price)
}

func (s *Scripted) UpdatePrice(ctx context.Context, rec model.MarketplaceRecord, price model.Money) Outcome {
	return s.call(ctx, model.OpReprice, rec.ProductID, rec, &price)
}

func (s *Scripted) Delist(ctx context.Context, rec model.MarketplaceRecord) Outcome {
	return s.call(ctx, model.OpDelist, rec.ProductID, rec, nil)
}

// EndListing removes the remote listing of productID as if it had ended on
// the marketplace itself.
func (s *Scripted) EndListing(productID string) {
	s.mu.Lock()
	delete(s.listings, SKU(productID))
	delete(s.prices, SKU(productID))
	s.mu.Unlock()
}

// SetRemotePrice changes the remote price of productID behind the engine's back.
func (s *Scripted) SetRemotePrice(productID string, price model.Money) {
	s.mu.Lock()
	s.prices[SKU(productID)] = price
	s.mu.Unlock()
}

// ListingStatus reports the scripted remote listing. Queued failures apply
// to reads too.
func (s *Scripted) ListingStatus(ctx context.Context, rec model.MarketplaceRecord) (ListingStatus, Outcome) {
	start := time.Now()
	sku := SKU(rec.ProductID)
	s.mu.Lock()
	out := Success(nil)
	if len(s.script) > 0 {
		out = s.script[0]
		s.script = s.script[1:]
	}
	var st ListingStatus
	if out.OK() {
		st.State = RemoteEnded
		if id, ok := s.listings[sku]; ok {
			st.State = RemoteActive
			st.RemoteIDs = map[string]string{model.RoleSKU: sku, model.RoleListing: id}
			if price, ok := s.prices[sku]; ok {
				st.Price = price.Ptr()
			}
		}
	}
	s.mu.Unlock()

	s.audit(ctx, "listing_status", rec.ProductID, out, time.Since(start))
	return st, out
}

func (s *Scripted) call(ctx context.Context, op model.Operation, productID string, rec model.MarketplaceRecord, price *model.Money) Outcome {
	start := time.Now()
	s.mu.Lock()
	hook := s.hook
	s.calls = append(s.calls, ScriptedCall{Op: op, ProductID: productID, Price: price, RemoteIDs: rec.Clone().RemoteIDs})
	s.mu.Unlock()
	if hook != nil {
		hook(ctx, op)
	}

	s.mu.Lock()
	out := Success(nil)
	if len(s.script) > 0 {
		out = s.script[0]
		s.script = s.script[1:]
	}
	sku := SKU(productID)
	if out.OK() {
		switch op {
		case model.OpList:
			id, ok := s.listings[sku]
			if !ok {
				s.created++
				id = fmt.Sprintf("%s-%d", s.name, s.created)
				s.listings[sku] = id
			}
			s.prices[sku] = *price
			out = out.WithIDs(map[string]string{model.RoleSKU: sku, model.RoleListing: id})
		case model.OpReprice:
			if _, ok := s.listings[sku]; ok {
				s.prices[sku] = *price
			}
		case model.OpDelist:
			delete(s.listings, sku)
			delete(s.prices, sku)
		}
	}
	s.mu.Unlock()

	s.audit(ctx, string(op), productID, out, time.Since(start))
	return out
}

func (s *Scripted) audit(ctx context.Context, name, productID string, o Outcome, latency time.Duration) {
	obs.RecordAdapterCall(string(s.name), name, string(o.Kind), latency)
	if s.log == nil {
		return
	}
	entry := model.RequestLogEntry{
		ID:          uuid.NewString(),
		ProductID:   productID,
		Marketplace: s.name,
		Call:        name,
		Method:      "SCRIPTED",
		URL:         "scripted://" + string(s.name) + "/" + SKU(productID),
		Outcome:     string(o.Kind),
		Latency:     latency,
		At:          time.Now().UTC(),
	}
	if !o.OK() {
		entry.Error = o.Reason.Code + ": " + o.Reason.Message
	}
	if err := s.log.AppendRequest(context.WithoutCancel(ctx), entry); err != nil {
		obs.Logger.Error("request_log_append_failed", "marketplace", s.name, "product_id", productID, "error", err)
	}
}

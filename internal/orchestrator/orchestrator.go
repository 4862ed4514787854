// Package orchestrator drives products through their listing lifecycle by
// fanning intents out to the marketplace adapters and committing the outcomes
// to the ledger.
//
// An intent runs in three steps. The pre-commit validates the intent against
// the current state under the product lock, marks the targeted records
// SYNCING and bumps the product's intent epoch. The fan-out then calls the
// adapters concurrently with no lock held. Finally the outcomes are committed
// under the lock, but only for records whose epoch still matches: results
// overtaken by a newer intent are discarded.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/marketplace-sync-engine/internal/keylock"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/lifecycle"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/marketplace"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/model"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/notify"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/obs"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/store"
)

var (
	ErrInvalidIntent      = errors.New("invalid intent")
	ErrInvalidProduct     = errors.New("invalid product")
	ErrUnknownMarketplace = errors.New("marketplace not configured")
	// ErrStaleCommit marks results discarded because a newer intent took over
	// the record while the remote call was in flight.
	ErrStaleCommit = errors.New("stale commit discarded")
	// ErrInconsistentAggregate is returned when a commit would move the product
	// along an edge the transition table does not allow.
	ErrInconsistentAggregate = errors.New("aggregate state transition not allowed")
)

const maxCommitAttempts = 3

// RetryPolicy decides whether a transient failure gets another attempt and when.
type RetryPolicy interface {
	Next(m model.Marketplace, attempts int, now time.Time) (time.Time, bool)
}

// RetryPolicyFunc adapts a function to RetryPolicy.
type RetryPolicyFunc func(m model.Marketplace, attempts int, now time.Time) (time.Time, bool)

func (f RetryPolicyFunc) Next(m model.Marketplace, attempts int, now time.Time) (time.Time, bool) {
	return f(m, attempts, now)
}

// NoRetry never schedules a retry.
var NoRetry = RetryPolicyFunc(func(model.Marketplace, int, time.Time) (time.Time, bool) { return time.Time{}, false })

// Scheduler is notified of retry tasks after they have been committed.
type Scheduler interface {
	Enqueue(t model.RetryTask) bool
}

// Options wires the orchestrator's collaborators. Ledger and Adapters are
// required; the rest default to in-process implementations.
type Options struct {
	Ledger     store.Ledger
	Adapters   []marketplace.Adapter
	Locker     keylock.Locker
	Publisher  notify.Publisher
	Retry      RetryPolicy
	Scheduler  Scheduler
	Reconciler Reconciler
	Now        func() time.Time
}

// Orchestrator is the sync engine entry point.
type Orchestrator struct {
	ledger     store.Ledger
	adapters   map[model.Marketplace]marketplace.Adapter
	names      []model.Marketplace
	locker     keylock.Locker
	publisher  notify.Publisher
	retry      RetryPolicy
	scheduler  Scheduler
	reconciler Reconciler
	now        func() time.Time
}

// New builds an orchestrator from opts.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		ledger:     opts.Ledger,
		adapters:   make(map[model.Marketplace]marketplace.Adapter, len(opts.Adapters)),
		locker:     opts.Locker,
		publisher:  opts.Publisher,
		retry:      opts.Retry,
		scheduler:  opts.Scheduler,
		reconciler: opts.Reconciler,
		now:        opts.Now,
	}
	for _, a := range opts.Adapters {
		o.adapters[a.Name()] = a
		o.names = append(o.names, a.Name())
	}
	sort.Slice(o.names, func(i, j int) bool { return o.names[i] < o.names[j] })
	if o.locker == nil {
		o.locker = keylock.NewLocal()
	}
	if o.publisher == nil {
		o.publisher = notify.Log{}
	}
	if o.retry == nil {
		o.retry = NoRetry
	}
	if o.reconciler == nil {
		o.reconciler = LogReconciler{}
	}
	if o.now == nil {
		o.now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// SetScheduler installs s after construction; the scheduler and the
// orchestrator reference each other.
func (o *Orchestrator) SetScheduler(s Scheduler) { o.scheduler = s }

// Marketplaces lists the configured marketplaces.
func (o *Orchestrator) Marketplaces() []model.Marketplace {
	return append([]model.Marketplace(nil), o.names...)
}

// Result is the product and its records after an operation.
type Result struct {
	Product model.Product             `json:"product"`
	Records []model.MarketplaceRecord `json:"records"`
	// Discarded is set when the fan-out results were overtaken by a newer
	// intent and dropped.
	Discarded bool `json:"discarded,omitempty"`
}

func resultOf(snap store.Snapshot) Result {
	return Result{Product: snap.Product, Records: snap.RecordList()}
}

// NewProduct is a seller submission together with its price estimate.
type NewProduct struct {
	ID          string               `json:"id,omitempty"`
	Title       string               `json:"title"`
	Description string               `json:"description"`
	Condition   model.Condition      `json:"condition"`
	ImageURLs   []string             `json:"image_urls,omitempty"`
	Estimate    *model.PriceEstimate `json:"estimate,omitempty"`
}

// CreateProduct stores a PENDING product awaiting the operator decision.
func (o *Orchestrator) CreateProduct(ctx context.Context, in NewProduct) (model.Product, error) {
	if strings.TrimSpace(in.Title) == "" {
		return model.Product{}, fmt.Errorf("%w: title is required", ErrInvalidProduct)
	}
	if !in.Condition.Valid() {
		return model.Product{}, fmt.Errorf("%w: unknown condition %q", ErrInvalidProduct, in.Condition)
	}
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := o.now()
	p := model.Product{
		ID:          id,
		Title:       in.Title,
		Description: in.Description,
		Condition:   in.Condition,
		ImageURLs:   in.ImageURLs,
		Estimate:    in.Estimate,
		Decision:    model.StatePending,
		State:       model.StatePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.ledger.CreateProduct(ctx, p); err != nil {
		return model.Product{}, err
	}
	obs.Logger.Info("product_created", "product_id", id)
	return p, nil
}

// Decision is the operator verdict on a PENDING product. An approval without
// a price falls back to the estimate.
type Decision struct {
	Approve bool         `json:"approve"`
	Price   *model.Money `json:"price,omitempty"`
	Reason  string       `json:"reason,omitempty"`
}

// Decide applies the operator decision.
func (o *Orchestrator) Decide(ctx context.Context, productID string, d Decision) (model.Product, error) {
	unlock, err := o.locker.Lock(ctx, productID)
	if err != nil {
		return model.Product{}, err
	}
	defer unlock()

	snap, err := o.ledger.Load(ctx, productID)
	if err != nil {
		return model.Product{}, err
	}
	if err := lifecycle.CheckDecision(snap.Product.State, d.Approve); err != nil {
		return model.Product{}, err
	}
	p := snap.Product.Clone()
	if d.Approve {
		price := d.Price
		if price == nil && p.Estimate != nil {
			price = p.Estimate.Price.Ptr()
		}
		if price == nil || !price.Positive() {
			return model.Product{}, fmt.Errorf("%w: approval requires a positive price", ErrInvalidIntent)
		}
		p.Decision = model.StateApproved
		p.ApprovedPrice = *price
	} else {
		p.Decision = model.StateRejected
		p.RejectReason = d.Reason
	}
	p.State = lifecycle.Aggregate(p.Decision, snap.RecordList())
	p.UpdatedAt = o.now()
	committed, err := o.ledger.Commit(ctx, store.Commit{Product: p, ExpectedVersion: snap.Product.Version})
	if err != nil {
		return model.Product{}, err
	}
	obs.Logger.Info("product_decided", "product_id", productID, "lifecycle_state", committed.State)
	return committed, nil
}

// GetSyncStatus reports the aggregate state and every marketplace record.
func (o *Orchestrator) GetSyncStatus(ctx context.Context, productID string) (model.SyncStatusReport, error) {
	snap, err := o.ledger.Load(ctx, productID)
	if err != nil {
		return model.SyncStatusReport{}, err
	}
	return model.SyncStatusReport{
		ProductID:     snap.Product.ID,
		State:         snap.Product.State,
		ApprovedPrice: snap.Product.ApprovedPrice,
		Version:       snap.Product.Version,
		Records:       snap.RecordList(),
	}, nil
}

// History returns every committed version of one marketplace record.
func (o *Orchestrator) History(ctx context.Context, productID string, m model.Marketplace) ([]model.MarketplaceRecord, error) {
	return o.ledger.RecordHistory(ctx, productID, m)
}

func (o *Orchestrator) resolveTargets(targets []model.Marketplace) ([]model.Marketplace, error) {
	if len(targets) == 0 {
		return o.Marketplaces(), nil
	}
	seen := make(map[model.Marketplace]bool, len(targets))
	out := make([]model.Marketplace, 0, len(targets))
	for _, m := range targets {
		if _, ok := o.adapters[m]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownMarketplace, m)
		}
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

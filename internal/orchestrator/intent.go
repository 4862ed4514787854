package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/marketplace-sync-engine/internal/lifecycle"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/marketplace"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/model"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/obs"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/store"
)

// job is one adapter call of a fan-out.
type job struct {
	m     model.Marketplace
	op    model.Operation
	rec   model.MarketplaceRecord
	price model.Money
}

// callResult is a finished job plus the check deciding whether its outcome
// may still be applied to the record found at commit time.
type callResult struct {
	job
	outcome marketplace.Outcome
	current func(model.MarketplaceRecord) bool
}

type plan struct {
	product    model.Product
	epoch      uint64
	jobs       []job
	events     []model.Event
	doubleSale *doubleSale
}

type doubleSale struct {
	first, second model.Marketplace
}

// ApplyIntent validates in against the product's current state, fans it out
// to the target marketplaces (all configured ones when targets is empty) and
// commits the outcomes. An illegal intent fails with a
// lifecycle.TransitionError before any remote call.
func (o *Orchestrator) ApplyIntent(ctx context.Context, productID string, in model.Intent, targets []model.Marketplace) (Result, error) {
	if err := in.Validate(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidIntent, err)
	}
	if in.Kind == model.IntentMarkSold {
		m, err := model.ParseMarketplace(string(in.Marketplace))
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrInvalidIntent, err)
		}
		in.Marketplace = m
	}
	targets, err := o.resolveTargets(targets)
	if err != nil {
		return Result{}, err
	}
	// in-flight remote calls run to completion even if the caller goes away
	ctx = context.WithoutCancel(ctx)

	pl, res, err := o.precommit(ctx, productID, in, targets)
	if err != nil {
		obs.RecordIntent(string(in.Kind), "rejected")
		return Result{}, err
	}
	o.publish(ctx, pl.events)
	if pl.doubleSale != nil {
		o.reconciler.DoubleSale(ctx, pl.product, pl.doubleSale.first, pl.doubleSale.second)
	}
	if len(pl.jobs) == 0 {
		obs.RecordIntent(string(in.Kind), "committed")
		return res, nil
	}

	results := o.fanOut(ctx, pl)
	res, err = o.commitResults(ctx, productID, results)
	switch {
	case errors.Is(err, ErrStaleCommit):
		obs.RecordIntent(string(in.Kind), "discarded")
		res.Discarded = true
		return res, nil
	case err != nil:
		obs.RecordIntent(string(in.Kind), "error")
		return Result{}, err
	}
	obs.RecordIntent(string(in.Kind), "committed")
	return res, nil
}

func (o *Orchestrator) precommit(ctx context.Context, productID string, in model.Intent, targets []model.Marketplace) (plan, Result, error) {
	unlock, err := o.locker.Lock(ctx, productID)
	if err != nil {
		return plan{}, Result{}, err
	}
	defer unlock()

	snap, err := o.ledger.Load(ctx, productID)
	if err != nil {
		return plan{}, Result{}, err
	}
	if in.Kind == model.IntentMarkSold {
		return o.precommitSale(ctx, snap, in)
	}
	if err := lifecycle.CheckIntent(snap.Product.State, in.Kind); err != nil {
		return plan{}, Result{}, err
	}
	if in.Kind == model.IntentList && delistPending(snap) {
		// a relist racing a delist could converge on DELISTED while LISTING
		return plan{}, Result{}, &lifecycle.TransitionError{From: snap.Product.State, Intent: in.Kind}
	}

	now := o.now()
	p := snap.Product.Clone()
	if in.Kind == model.IntentReprice {
		if cur := p.ApprovedPrice.Currency; cur != "" && in.Price.Currency != cur {
			return plan{}, Result{}, fmt.Errorf("%w: reprice in %s on a product priced in %s", ErrInvalidIntent, in.Price.Currency, cur)
		}
		p.ApprovedPrice = *in.Price
	}
	epoch := p.IntentEpoch + 1
	op := in.Kind.Operation()
	pl := plan{epoch: epoch}
	var (
		touched  []model.MarketplaceRecord
		cancel   []model.Marketplace
		targeted = make(map[model.Marketplace]bool, len(targets))
	)
	for _, m := range targets {
		rec, _ := snap.Record(m)
		if !eligible(in.Kind, rec) {
			continue
		}
		targeted[m] = true
		rec = startOperation(rec, op, p.ApprovedPrice, epoch, now)
		pl.jobs = append(pl.jobs, job{m: m, op: op, rec: rec, price: p.ApprovedPrice})
		touched = append(touched, rec)
		cancel = append(cancel, m)
	}
	if in.Kind == model.IntentReprice {
		// live listings left out of the reprice now show an outdated price
		for _, rec := range snap.RecordList() {
			if targeted[rec.Marketplace] || !repriceable(rec) {
				continue
			}
			rec.Status = model.SyncStale
			rec.NextRetryAt = nil
			rec.Epoch = epoch
			rec.UpdatedAt = now
			touched = append(touched, rec)
			cancel = append(cancel, rec.Marketplace)
		}
	}
	if len(pl.jobs) == 0 && in.Kind != model.IntentReprice {
		obs.Logger.Info("intent_noop", "product_id", productID, "intent", in.Kind)
		return plan{}, resultOf(snap), nil
	}

	p.IntentEpoch = epoch
	p.UpdatedAt = now
	committed, records, err := o.commitRecords(ctx, snap, p, touched, nil, cancel)
	if err != nil {
		return plan{}, Result{}, err
	}
	obs.Logger.Info("intent_accepted", "product_id", productID, "intent", in.Kind, "epoch", epoch,
		"targets", len(pl.jobs), "lifecycle_state", committed.State)
	pl.product = committed
	pl.events = o.events(snap.Product, committed, touched)
	return pl, Result{Product: committed, Records: records}, nil
}

// precommitSale commits the sale immediately and plans a best-effort delist
// of every other marketplace that may still carry the listing.
func (o *Orchestrator) precommitSale(ctx context.Context, snap store.Snapshot, in model.Intent) (plan, Result, error) {
	m := in.Marketplace
	p := snap.Product.Clone()
	if p.State == model.StateSold {
		if p.SoldMarketplace == m {
			return plan{}, resultOf(snap), nil
		}
		if err := checkSaleMarketplace(snap, m); err != nil {
			return plan{}, Result{}, err
		}
		return o.recordDoubleSale(ctx, snap, in)
	}
	if err := lifecycle.CheckIntent(p.State, model.IntentMarkSold); err != nil {
		return plan{}, Result{}, err
	}
	if err := checkSaleMarketplace(snap, m); err != nil {
		return plan{}, Result{}, err
	}

	now := o.now()
	epoch := p.IntentEpoch + 1
	sold, _ := snap.Record(m)
	sold = markSold(sold, epoch, now)
	touched := []model.MarketplaceRecord{sold}
	cancel := []model.Marketplace{m}

	p.SoldMarketplace = m
	p.SoldPrice = p.ApprovedPrice.Ptr()
	if in.SalePrice != nil {
		p.SoldPrice = in.SalePrice.Ptr()
	}
	p.SoldAt = &now
	p.IntentEpoch = epoch
	p.UpdatedAt = now

	pl := plan{epoch: epoch}
	for _, rec := range snap.RecordList() {
		if rec.Marketplace == m {
			continue
		}
		switch rec.Status {
		case model.SyncNotSynced, model.SyncDelisted, model.SyncSold:
			continue
		}
		if _, ok := o.adapters[rec.Marketplace]; !ok {
			obs.Logger.Warn("sale_delist_skipped", "product_id", p.ID, "marketplace", rec.Marketplace, "reason", "adapter not configured")
			continue
		}
		rec = startOperation(rec, model.OpDelist, model.Money{}, epoch, now)
		pl.jobs = append(pl.jobs, job{m: rec.Marketplace, op: model.OpDelist, rec: rec})
		touched = append(touched, rec)
		cancel = append(cancel, rec.Marketplace)
	}

	committed, records, err := o.commitRecords(ctx, snap, p, touched, nil, cancel)
	if err != nil {
		return plan{}, Result{}, err
	}
	obs.Logger.Info("product_sold", "product_id", p.ID, "marketplace", m, "delists", len(pl.jobs))
	pl.product = committed
	pl.events = o.events(snap.Product, committed, touched)
	return pl, Result{Product: committed, Records: records}, nil
}

// checkSaleMarketplace rejects a sale reported by a marketplace the product
// was never sent to.
func checkSaleMarketplace(snap store.Snapshot, m model.Marketplace) error {
	if rec, _ := snap.Record(m); rec.Status == model.SyncNotSynced {
		obs.Logger.Warn("sale_on_unlisted_marketplace", "product_id", snap.Product.ID, "marketplace", m)
		return fmt.Errorf("%w: %s never carried product %s", ErrInvalidIntent, m, snap.Product.ID)
	}
	return nil
}

// recordDoubleSale records a second sale of an already sold product. It is
// not prevented, only made visible for reconciliation.
func (o *Orchestrator) recordDoubleSale(ctx context.Context, snap store.Snapshot, in model.Intent) (plan, Result, error) {
	now := o.now()
	p := snap.Product.Clone()
	epoch := p.IntentEpoch + 1
	rec, _ := snap.Record(in.Marketplace)
	rec = markSold(rec, epoch, now)
	p.IntentEpoch = epoch
	p.UpdatedAt = now
	committed, records, err := o.commitRecords(ctx, snap, p, []model.MarketplaceRecord{rec}, nil, []model.Marketplace{in.Marketplace})
	if err != nil {
		return plan{}, Result{}, err
	}
	ev := o.event(model.EventProductDoubleSold, committed)
	ev.Marketplace = in.Marketplace
	return plan{
		product:    committed,
		events:     []model.Event{ev},
		doubleSale: &doubleSale{first: snap.Product.SoldMarketplace, second: in.Marketplace},
	}, Result{Product: committed, Records: records}, nil
}

// fanOut runs every job concurrently and waits for all of them.
func (o *Orchestrator) fanOut(ctx context.Context, pl plan) []callResult {
	results := make([]callResult, len(pl.jobs))
	var wg sync.WaitGroup
	for i, j := range pl.jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			epoch := pl.epoch
			results[i] = callResult{
				job:     j,
				outcome: o.call(ctx, pl.product, j),
				current: func(r model.MarketplaceRecord) bool {
					return r.Epoch == epoch && r.Status == model.SyncSyncing && r.Operation == j.op
				},
			}
		}()
	}
	wg.Wait()
	return results
}

func (o *Orchestrator) call(ctx context.Context, p model.Product, j job) marketplace.Outcome {
	a, ok := o.adapters[j.m]
	if !ok {
		return marketplace.Permanent("not_configured", fmt.Sprintf("no adapter for %s", j.m))
	}
	switch j.op {
	case model.OpList:
		return a.CreateOrUpdateListing(ctx, p, j.rec, j.price)
	case model.OpReprice:
		return a.UpdatePrice(ctx, j.rec, j.price)
	default:
		return a.Delist(ctx, j.rec)
	}
}

// commitResults applies the still-current outcomes in one ledger commit.
// It returns ErrStaleCommit when every outcome was overtaken.
func (o *Orchestrator) commitResults(ctx context.Context, productID string, results []callResult) (Result, error) {
	for attempt := 1; ; attempt++ {
		res, scheduled, err := o.tryCommitResults(ctx, productID, results)
		if errors.Is(err, store.ErrVersionConflict) && attempt < maxCommitAttempts {
			obs.Logger.Warn("commit_conflict_retry", "product_id", productID, "attempt", attempt)
			continue
		}
		if err != nil {
			return res, err
		}
		for _, t := range scheduled {
			obs.RecordRetry(string(t.Marketplace), "scheduled")
			obs.Logger.Info("retry_scheduled", "product_id", t.ProductID, "marketplace", t.Marketplace,
				"operation", t.Operation, "attempt", t.Attempt, "not_before", t.NotBefore)
			if o.scheduler != nil {
				o.scheduler.Enqueue(t)
			}
		}
		return res, nil
	}
}

func (o *Orchestrator) tryCommitResults(ctx context.Context, productID string, results []callResult) (Result, []model.RetryTask, error) {
	unlock, err := o.locker.Lock(ctx, productID)
	if err != nil {
		return Result{}, nil, err
	}
	snap, err := o.ledger.Load(ctx, productID)
	if err != nil {
		unlock()
		return Result{}, nil, err
	}

	now := o.now()
	var (
		touched  []model.MarketplaceRecord
		schedule []model.RetryTask
		cancel   []model.Marketplace
	)
	for _, r := range results {
		cur, ok := snap.Records[r.m]
		if !ok || !r.current(cur) {
			obs.RecordStaleCommit()
			obs.Logger.Warn("stale_commit_discarded", "product_id", productID, "marketplace", r.m,
				"operation", r.op, "outcome", r.outcome.Kind, "record_epoch", cur.Epoch, "result_epoch", r.rec.Epoch)
			continue
		}
		rec, task := o.applyOutcome(cur, r, now)
		touched = append(touched, rec)
		cancel = append(cancel, r.m)
		if task != nil {
			schedule = append(schedule, *task)
		}
	}
	if len(touched) == 0 {
		unlock()
		return resultOf(snap), nil, ErrStaleCommit
	}

	p := snap.Product.Clone()
	p.UpdatedAt = now
	committed, records, err := o.commitRecords(ctx, snap, p, touched, schedule, cancel)
	unlock()
	if err != nil {
		return Result{}, nil, err
	}
	obs.Logger.Info("intent_committed", "product_id", productID, "lifecycle_state", committed.State,
		"version", committed.Version, "records", len(touched))
	o.publish(ctx, o.events(snap.Product, committed, touched))
	return Result{Product: committed, Records: records}, schedule, nil
}

// commitRecords recomputes the aggregate state of p over the merged records
// and writes everything in one compare-and-swap commit.
func (o *Orchestrator) commitRecords(ctx context.Context, snap store.Snapshot, p model.Product, touched []model.MarketplaceRecord, schedule []model.RetryTask, cancel []model.Marketplace) (model.Product, []model.MarketplaceRecord, error) {
	records := mergeRecords(snap, touched)
	p.State = lifecycle.Aggregate(p.Decision, records)
	if err := lifecycle.CheckTransition(snap.Product.State, p.State); err != nil {
		obs.Logger.Error("aggregate_transition_rejected", "product_id", p.ID, "from", snap.Product.State, "to", p.State)
		return model.Product{}, nil, fmt.Errorf("%w: %v", ErrInconsistentAggregate, err)
	}
	committed, err := o.ledger.Commit(ctx, store.Commit{
		Product:         p,
		ExpectedVersion: snap.Product.Version,
		Records:         touched,
		ScheduleRetries: schedule,
		CancelRetries:   cancel,
	})
	if err != nil {
		return model.Product{}, nil, err
	}
	return committed, records, nil
}

// applyOutcome folds one adapter outcome into the record.
func (o *Orchestrator) applyOutcome(cur model.MarketplaceRecord, r callResult, now time.Time) (model.MarketplaceRecord, *model.RetryTask) {
	rec := cur.Clone()
	rec.AttemptCount++
	for k, v := range r.outcome.RemoteIDs {
		if v != "" {
			rec.RemoteIDs[k] = v
		}
	}
	rec.UpdatedAt = now
	rec.NextRetryAt = nil

	switch r.outcome.Kind {
	case marketplace.KindSuccess:
		rec.LastError = nil
		if r.op == model.OpDelist {
			rec.Status = model.SyncDelisted
		} else {
			rec.Status = model.SyncSynced
			rec.LastConfirmedPrice = r.price.Ptr()
		}
		return rec, nil
	case marketplace.KindTransient:
		rec.Status = model.SyncFailed
		rec.LastError = r.outcome.SyncError(now)
		at, ok := o.retry.Next(rec.Marketplace, rec.AttemptCount, now)
		if !ok {
			obs.RecordRetry(string(rec.Marketplace), "dropped")
			obs.Logger.Warn("retry_exhausted", "product_id", rec.ProductID, "marketplace", rec.Marketplace,
				"operation", r.op, "attempts", rec.AttemptCount, "error", rec.LastError.Message)
			return rec, nil
		}
		rec.NextRetryAt = &at
		return rec, &model.RetryTask{
			ProductID:   rec.ProductID,
			Marketplace: rec.Marketplace,
			Operation:   r.op,
			Attempt:     rec.AttemptCount + 1,
			NotBefore:   at,
			Epoch:       rec.Epoch,
		}
	default:
		rec.Status = model.SyncFailed
		rec.LastError = r.outcome.SyncError(now)
		obs.Logger.Warn("sync_failed_permanently", "product_id", rec.ProductID, "marketplace", rec.Marketplace,
			"operation", r.op, "code", r.outcome.Reason.Code, "error", r.outcome.Reason.Message)
		return rec, nil
	}
}

func eligible(kind model.IntentKind, rec model.MarketplaceRecord) bool {
	switch kind {
	case model.IntentList:
		return rec.Status == model.SyncNotSynced || rec.Dead()
	case model.IntentReprice:
		return repriceable(rec)
	case model.IntentDelist:
		return rec.Live()
	}
	return false
}

func delistPending(snap store.Snapshot) bool {
	for _, r := range snap.Records {
		if r.Operation == model.OpDelist && r.Pending() {
			return true
		}
	}
	return false
}

func repriceable(rec model.MarketplaceRecord) bool {
	return rec.Live() && rec.Operation != model.OpDelist
}

func startOperation(rec model.MarketplaceRecord, op model.Operation, price model.Money, epoch uint64, now time.Time) model.MarketplaceRecord {
	rec.Status = model.SyncSyncing
	rec.Operation = op
	rec.AttemptCount = 0
	rec.NextRetryAt = nil
	rec.LastError = nil
	rec.Epoch = epoch
	rec.UpdatedAt = now
	if op != model.OpDelist {
		rec.LastAttemptedPrice = price.Ptr()
	}
	return rec
}

func markSold(rec model.MarketplaceRecord, epoch uint64, now time.Time) model.MarketplaceRecord {
	rec.Status = model.SyncSold
	rec.NextRetryAt = nil
	rec.LastError = nil
	rec.Epoch = epoch
	rec.UpdatedAt = now
	return rec
}

func mergeRecords(snap store.Snapshot, touched []model.MarketplaceRecord) []model.MarketplaceRecord {
	byM := make(map[model.Marketplace]model.MarketplaceRecord, len(snap.Records)+len(touched))
	for m, r := range snap.Records {
		byM[m] = r
	}
	for _, r := range touched {
		byM[r.Marketplace] = r
	}
	out := make([]model.MarketplaceRecord, 0, len(byM))
	for _, r := range byM {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Marketplace < out[j].Marketplace })
	return out
}

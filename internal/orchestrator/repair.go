package orchestrator

import (
	"context"
	"errors"

	"github.com/fairyhunter13/marketplace-sync-engine/internal/marketplace"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/model"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/obs"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/store"
)

// Repair re-runs one failed marketplace operation for a due retry task. Only
// the task's marketplace is called; records that already converged are not
// touched. A task that no longer matches its record is dropped.
//
// Repair does not mark the record SYNCING first: a crash mid-call leaves the
// record FAILED with its retry task still persisted, so the task is picked up
// again after restart.
func (o *Orchestrator) Repair(ctx context.Context, t model.RetryTask) error {
	ctx = context.WithoutCancel(ctx)
	current := func(r model.MarketplaceRecord) bool {
		return r.Epoch == t.Epoch && r.Status == model.SyncFailed && r.NextRetryAt != nil &&
			r.AttemptCount == t.Attempt-1 && r.Operation == t.Operation
	}

	snap, err := o.ledger.Load(ctx, t.ProductID)
	if errors.Is(err, store.ErrNotFound) {
		return o.dropTask(ctx, t, "product_gone")
	}
	if err != nil {
		return err
	}
	rec, ok := snap.Record(t.Marketplace)
	if !ok || !current(rec) {
		return o.dropTask(ctx, t, "superseded")
	}

	obs.Logger.Info("retry_attempt", "product_id", t.ProductID, "marketplace", t.Marketplace,
		"operation", t.Operation, "attempt", t.Attempt)
	j := job{m: t.Marketplace, op: t.Operation, rec: rec, price: snap.Product.ApprovedPrice}
	if t.Operation == model.OpDelist {
		j.price = model.Money{}
	}
	res := callResult{job: j, outcome: o.call(ctx, snap.Product, j), current: current}

	_, err = o.commitResults(ctx, t.ProductID, []callResult{res})
	if errors.Is(err, ErrStaleCommit) {
		return o.dropTask(ctx, t, "stale_result")
	}
	if err != nil {
		return err
	}
	obs.RecordRetry(string(t.Marketplace), retryEvent(res.outcome))
	return nil
}

func (o *Orchestrator) dropTask(ctx context.Context, t model.RetryTask, reason string) error {
	obs.RecordRetry(string(t.Marketplace), "discarded")
	obs.Logger.Info("retry_task_dropped", "product_id", t.ProductID, "marketplace", t.Marketplace,
		"attempt", t.Attempt, "reason", reason)
	if err := o.ledger.DeleteRetryTask(ctx, t); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

func retryEvent(out marketplace.Outcome) string {
	switch out.Kind {
	case marketplace.KindSuccess:
		return "succeeded"
	case marketplace.KindTransient:
		return "failed_transient"
	default:
		return "failed_permanent"
	}
}

package orchestrator

import (
	"context"

	"github.com/google/uuid"

	"github.com/fairyhunter13/marketplace-sync-engine/internal/model"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/obs"
)

var stateEvents = map[model.LifecycleState]model.EventKind{
	model.StateListed:          model.EventProductListed,
	model.StatePartiallyListed: model.EventProductPartiallyListed,
	model.StateSold:            model.EventProductSold,
	model.StateDelisted:        model.EventProductDelisted,
}

// events derives the notifications for one commit: a state event when the
// aggregate moved, and a ProductSyncFailed per record that gave up.
func (o *Orchestrator) events(before, after model.Product, touched []model.MarketplaceRecord) []model.Event {
	var out []model.Event
	if kind, ok := stateEvents[after.State]; ok && before.State != after.State {
		ev := o.event(kind, after)
		if kind == model.EventProductSold {
			ev.Marketplace = after.SoldMarketplace
		}
		out = append(out, ev)
	}
	for _, r := range touched {
		if r.Status != model.SyncFailed || r.NextRetryAt != nil {
			continue
		}
		ev := o.event(model.EventProductSyncFailed, after)
		ev.Marketplace = r.Marketplace
		if r.LastError != nil {
			e := *r.LastError
			ev.Error = &e
		}
		out = append(out, ev)
	}
	return out
}

func (o *Orchestrator) event(kind model.EventKind, p model.Product) model.Event {
	return model.Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		ProductID: p.ID,
		State:     p.State,
		Version:   p.Version,
		At:        o.now(),
	}
}

// publish delivers events in order. A failed delivery is logged and never
// affects the commit that produced it.
func (o *Orchestrator) publish(ctx context.Context, events []model.Event) {
	for _, ev := range events {
		if err := o.publisher.Publish(ctx, ev); err != nil {
			obs.Logger.Error("event_publish_failed", "event_id", ev.ID, "kind", ev.Kind,
				"product_id", ev.ProductID, "error", err)
		}
	}
}

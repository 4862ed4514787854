package orchestrator

import (
	"context"

	"github.com/fairyhunter13/marketplace-sync-engine/internal/model"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/obs"
)

// Reconciler is told about a product sold on more than one marketplace.
// Nothing in the engine undoes a sale; refunds or cancellations happen outside.
type Reconciler interface {
	DoubleSale(ctx context.Context, p model.Product, first, second model.Marketplace)
}

// LogReconciler leaves double sales to manual reconciliation.
type LogReconciler struct{}

func (LogReconciler) DoubleSale(_ context.Context, p model.Product, first, second model.Marketplace) {
	obs.Logger.Error("double_sale_detected", "product_id", p.ID, "first_marketplace", first,
		"second_marketplace", second, "version", p.Version)
}

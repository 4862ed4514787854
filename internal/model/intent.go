package model

import (
	"fmt"
	"strings"
	"time"
)

// IntentKind is a requested product-level change.
type IntentKind string

const (
	IntentList     IntentKind = "LIST"
	IntentReprice  IntentKind = "REPRICE"
	IntentDelist   IntentKind = "DELIST"
	IntentMarkSold IntentKind = "MARK_SOLD"
)

// ParseIntentKind normalizes s into a known IntentKind.
func ParseIntentKind(s string) (IntentKind, error) {
	switch k := IntentKind(strings.ToUpper(strings.TrimSpace(s))); k {
	case IntentList, IntentReprice, IntentDelist, IntentMarkSold:
		return k, nil
	default:
		return "", fmt.Errorf("unknown intent %q", s)
	}
}

// Intent is a request submitted to the orchestrator.
//
// Price is required for REPRICE. Marketplace is required for MARK_SOLD and
// names the marketplace where the sale happened; SalePrice is optional.
type Intent struct {
	Kind        IntentKind  `json:"kind"`
	Price       *Money      `json:"price,omitempty"`
	Marketplace Marketplace `json:"marketplace,omitempty"`
	SalePrice   *Money      `json:"sale_price,omitempty"`
}

// Validate checks the intent payload.
func (i Intent) Validate() error {
	switch i.Kind {
	case IntentList, IntentDelist:
		return nil
	case IntentReprice:
		if i.Price == nil || !i.Price.Positive() {
			return fmt.Errorf("reprice requires a positive price")
		}
		return nil
	case IntentMarkSold:
		if i.Marketplace == "" {
			return fmt.Errorf("mark_sold requires a marketplace")
		}
		return nil
	default:
		return fmt.Errorf("unknown intent %q", i.Kind)
	}
}

// Operation maps the intent onto the remote operation it fans out.
func (k IntentKind) Operation() Operation {
	switch k {
	case IntentList:
		return OpList
	case IntentReprice:
		return OpReprice
	default:
		return OpDelist
	}
}

// EventKind names a notification emitted after a commit.
type EventKind string

const (
	EventProductListed          EventKind = "ProductListed"
	EventProductPartiallyListed EventKind = "ProductPartiallyListed"
	EventProductSold            EventKind = "ProductSold"
	EventProductSyncFailed      EventKind = "ProductSyncFailed"
	EventProductDelisted        EventKind = "ProductDelisted"
	EventProductDoubleSold      EventKind = "ProductDoubleSold"
)

// Event is a fire-and-forget notification about a committed change.
type Event struct {
	ID          string         `json:"id"`
	Kind        EventKind      `json:"kind"`
	ProductID   string         `json:"product_id"`
	State       LifecycleState `json:"lifecycle_state"`
	Marketplace Marketplace    `json:"marketplace,omitempty"`
	Error       *SyncError     `json:"error,omitempty"`
	Version     uint64         `json:"version"`
	At          time.Time      `json:"at"`
}

// SyncStatusReport answers get_sync_status.
type SyncStatusReport struct {
	ProductID     string              `json:"product_id"`
	State         LifecycleState      `json:"lifecycle_state"`
	ApprovedPrice Money               `json:"approved_price"`
	Version       uint64              `json:"version"`
	Records       []MarketplaceRecord `json:"records"`
}

// Package marketplace defines the adapter contract every marketplace
// integration implements and the outcome taxonomy the orchestrator consumes.
//
// Adapters never return Go errors for remote failures: every call ends in a
// Success, Transient or Permanent Outcome.
package marketplace

import (
	"context"
	"maps"
	"time"

	"github.com/fairyhunter13/marketplace-sync-engine/internal/model"
)

// Adapter translates generic listing intents into one marketplace's API calls.
type Adapter interface {
	Name() model.Marketplace
	// CreateOrUpdateListing creates the remote listing for p at price, or
	// updates it in place when rec already carries remote identifiers.
	CreateOrUpdateListing(ctx context.Context, p model.Product, rec model.MarketplaceRecord, price model.Money) Outcome
	UpdatePrice(ctx context.Context, rec model.MarketplaceRecord, price model.Money) Outcome
	Delist(ctx context.Context, rec model.MarketplaceRecord) Outcome
	// ListingStatus reads the marketplace's own view of the listing behind
	// rec. A listing the marketplace no longer knows is RemoteEnded, not a
	// failure.
	ListingStatus(ctx context.Context, rec model.MarketplaceRecord) (ListingStatus, Outcome)
}

// RemoteState is a listing's state as the marketplace reports it.
type RemoteState string

const (
	RemoteActive RemoteState = "ACTIVE"
	// RemoteInactive listings exist but cannot be bought, e.g. while a
	// submission is still processed.
	RemoteInactive RemoteState = "INACTIVE"
	RemoteEnded    RemoteState = "ENDED"
)

// ListingStatus is the result of a remote status read.
type ListingStatus struct {
	State     RemoteState       `json:"state"`
	Price     *model.Money      `json:"price,omitempty"`
	RemoteIDs map[string]string `json:"remote_ids,omitempty"`
}

// Kind classifies an Outcome.
type Kind string

const (
	KindSuccess   Kind = "SUCCESS"
	KindTransient Kind = "TRANSIENT"
	KindPermanent Kind = "PERMANENT"
)

// Reason describes a failed call.
type Reason struct {
	Kind    model.ErrorKind `json:"kind"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
}

// Outcome is the normalized result of one adapter operation. RemoteIDs may be
// set on failures too, when part of a multi-step operation already succeeded.
type Outcome struct {
	Kind      Kind              `json:"kind"`
	RemoteIDs map[string]string `json:"remote_ids,omitempty"`
	Reason    Reason            `json:"reason,omitempty"`
}

// Success returns a successful outcome carrying ids.
func Success(ids map[string]string) Outcome {
	return Outcome{Kind: KindSuccess, RemoteIDs: ids}
}

// Transient returns a retryable failure.
func Transient(code, msg string) Outcome {
	return Outcome{Kind: KindTransient, Reason: Reason{Kind: model.ErrorTransient, Code: code, Message: msg}}
}

// Permanent returns a non-retryable failure.
func Permanent(code, msg string) Outcome {
	return Outcome{Kind: KindPermanent, Reason: Reason{Kind: model.ErrorPermanent, Code: code, Message: msg}}
}

func (o Outcome) OK() bool { return o.Kind == KindSuccess }

// WithIDs returns o with ids merged into its remote ids.
func (o Outcome) WithIDs(ids map[string]string) Outcome {
	if len(ids) == 0 {
		return o
	}
	merged := maps.Clone(o.RemoteIDs)
	if merged == nil {
		merged = make(map[string]string, len(ids))
	}
	for k, v := range ids {
		if v != "" {
			merged[k] = v
		}
	}
	o.RemoteIDs = merged
	return o
}

// SyncError converts a failed outcome into the ledger error representation.
func (o Outcome) SyncError(at time.Time) *model.SyncError {
	if o.OK() {
		return nil
	}
	return &model.SyncError{Kind: o.Reason.Kind, Code: o.Reason.Code, Message: o.Reason.Message, At: at}
}

// SKU is the deterministic seller SKU used on every marketplace, which makes
// list calls upserts rather than creates.
func SKU(productID string) string { return "AUTO-" + productID }

// Package lifecycle owns the product status state machine.
//
// The aggregate product state is never tracked on its own: Aggregate derives it
// from the operator decision and the product's marketplace records, and the
// transition table only constrains which derived states may follow each other.
package lifecycle

import (
	"errors"
	"fmt"

	"github.com/fairyhunter13/marketplace-sync-engine/internal/model"
)

// ErrIllegalTransition is returned when an intent or decision is not allowed
// from the product's current state.
var ErrIllegalTransition = errors.New("illegal transition")

// TransitionError describes a rejected intent or state change.
type TransitionError struct {
	From   model.LifecycleState
	Intent model.IntentKind
	To     model.LifecycleState
}

func (e *TransitionError) Error() string {
	if e.Intent != "" {
		return fmt.Sprintf("illegal transition: %s not allowed from %s", e.Intent, e.From)
	}
	return fmt.Sprintf("illegal transition: %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

var transitions = map[model.LifecycleState][]model.LifecycleState{
	model.StatePending:         {model.StateApproved, model.StateRejected},
	model.StateApproved:        {model.StateListing},
	model.StateListing:         {model.StateListed, model.StatePartiallyListed, model.StateApproved},
	model.StateListed:          {model.StateSold, model.StateDelisted, model.StatePartiallyListed},
	model.StatePartiallyListed: {model.StateSold, model.StateDelisted, model.StateListed, model.StateListing},
}

// CanTransition reports whether to may follow from. Staying in place is always allowed.
func CanTransition(from, to model.LifecycleState) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition returns a TransitionError if to may not follow from.
func CheckTransition(from, to model.LifecycleState) error {
	if CanTransition(from, to) {
		return nil
	}
	return &TransitionError{From: from, To: to}
}

var intentSources = map[model.IntentKind][]model.LifecycleState{
	model.IntentList:     {model.StateApproved, model.StatePartiallyListed},
	model.IntentReprice:  {model.StateApproved, model.StateListed, model.StatePartiallyListed},
	model.IntentDelist:   {model.StateListed, model.StatePartiallyListed},
	model.IntentMarkSold: {model.StateListed, model.StatePartiallyListed},
}

// CheckIntent validates that kind may be applied to a product in state.
func CheckIntent(state model.LifecycleState, kind model.IntentKind) error {
	for _, s := range intentSources[kind] {
		if s == state {
			return nil
		}
	}
	return &TransitionError{From: state, Intent: kind}
}

// CheckDecision validates an operator approve/reject decision.
func CheckDecision(state model.LifecycleState, approve bool) error {
	to := model.StateRejected
	if approve {
		to = model.StateApproved
	}
	if state != model.StatePending {
		return &TransitionError{From: state, To: to}
	}
	return nil
}

// Terminal reports whether no further intent can move the product.
func Terminal(s model.LifecycleState) bool {
	return s == model.StateRejected || s == model.StateSold || s == model.StateDelisted
}

// Aggregate computes the product state from the operator decision and the
// full set of the product's marketplace records.
func Aggregate(decision model.LifecycleState, records []model.MarketplaceRecord) model.LifecycleState {
	var touched, live, delisted int
	listingPending := false
	for _, r := range records {
		if r.Status == model.SyncSold {
			return model.StateSold
		}
		if r.Status == model.SyncNotSynced {
			continue
		}
		touched++
		if r.Operation == model.OpList && r.Pending() {
			listingPending = true
		}
		if r.Live() {
			live++
		}
		if r.Status == model.SyncDelisted {
			delisted++
		}
	}
	switch {
	case touched == 0:
		return decision
	case listingPending:
		return model.StateListing
	case live > 0 && live == touched:
		return model.StateListed
	case live > 0:
		return model.StatePartiallyListed
	case delisted > 0:
		return model.StateDelisted
	default:
		return model.StateApproved
	}
}

package lifecycle

import (
	"errors"
	"testing"
	"time"

	"github.com/fairyhunter13/marketplace-sync-engine/internal/model"
)

func rec(m model.Marketplace, st model.SyncStatus, op model.Operation, retry bool) model.MarketplaceRecord {
	r := model.NewRecord("p", m, time.Unix(0, 0))
	r.Status = st
	r.Operation = op
	if retry {
		at := time.Unix(60, 0)
		r.NextRetryAt = &at
	}
	return r
}

func TestAggregate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		decision model.LifecycleState
		records  []model.MarketplaceRecord
		want     model.LifecycleState
	}{
		{"no records keeps decision", model.StatePending, nil, model.StatePending},
		{"untouched records keep decision", model.StateApproved, []model.MarketplaceRecord{
			rec(model.EBay, model.SyncNotSynced, "", false),
		}, model.StateApproved},
		{"both synced", model.StateApproved, []model.MarketplaceRecord{
			rec(model.EBay, model.SyncSynced, model.OpList, false),
			rec(model.Amazon, model.SyncSynced, model.OpList, false),
		}, model.StateListed},
		{"fan-out in flight", model.StateApproved, []model.MarketplaceRecord{
			rec(model.EBay, model.SyncSyncing, model.OpList, false),
			rec(model.Amazon, model.SyncSyncing, model.OpList, false),
		}, model.StateListing},
		{"retry pending keeps listing", model.StateApproved, []model.MarketplaceRecord{
			rec(model.EBay, model.SyncSynced, model.OpList, false),
			rec(model.Amazon, model.SyncFailed, model.OpList, true),
		}, model.StateListing},
		{"permanent failure on one", model.StateApproved, []model.MarketplaceRecord{
			rec(model.EBay, model.SyncSynced, model.OpList, false),
			rec(model.Amazon, model.SyncFailed, model.OpList, false),
		}, model.StatePartiallyListed},
		{"all failed rolls back", model.StateApproved, []model.MarketplaceRecord{
			rec(model.EBay, model.SyncFailed, model.OpList, false),
			rec(model.Amazon, model.SyncFailed, model.OpList, false),
		}, model.StateApproved},
		{"failed reprice is still listed", model.StateApproved, []model.MarketplaceRecord{
			rec(model.EBay, model.SyncFailed, model.OpReprice, false),
			rec(model.Amazon, model.SyncStale, model.OpList, false),
		}, model.StateListed},
		{"sold wins", model.StateApproved, []model.MarketplaceRecord{
			rec(model.EBay, model.SyncSold, model.OpList, false),
			rec(model.Amazon, model.SyncFailed, model.OpDelist, false),
		}, model.StateSold},
		{"all delisted", model.StateApproved, []model.MarketplaceRecord{
			rec(model.EBay, model.SyncDelisted, model.OpDelist, false),
			rec(model.Amazon, model.SyncDelisted, model.OpDelist, false),
		}, model.StateDelisted},
		{"delisted plus dead listing", model.StateApproved, []model.MarketplaceRecord{
			rec(model.EBay, model.SyncDelisted, model.OpDelist, false),
			rec(model.Amazon, model.SyncFailed, model.OpList, false),
		}, model.StateDelisted},
		{"partial delist", model.StateApproved, []model.MarketplaceRecord{
			rec(model.EBay, model.SyncDelisted, model.OpDelist, false),
			rec(model.Amazon, model.SyncFailed, model.OpDelist, true),
		}, model.StatePartiallyListed},
	}
	for _, tc := range cases {
		if got := Aggregate(tc.decision, tc.records); got != tc.want {
			t.Fatalf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestCheckIntent(t *testing.T) {
	t.Parallel()
	if err := CheckIntent(model.StateApproved, model.IntentList); err != nil {
		t.Fatalf("list from approved: %v", err)
	}
	if err := CheckIntent(model.StateListed, model.IntentMarkSold); err != nil {
		t.Fatalf("mark sold from listed: %v", err)
	}
	err := CheckIntent(model.StatePending, model.IntentList)
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected illegal transition, got %v", err)
	}
	var te *TransitionError
	if !errors.As(err, &te) || te.From != model.StatePending || te.Intent != model.IntentList {
		t.Fatalf("unexpected error detail: %v", err)
	}
	if err := CheckIntent(model.StateListing, model.IntentDelist); err == nil {
		t.Fatalf("expected delist from listing to be rejected")
	}
	if err := CheckIntent(model.StateSold, model.IntentReprice); err == nil {
		t.Fatalf("expected reprice from sold to be rejected")
	}
}

func TestCheckDecision(t *testing.T) {
	t.Parallel()
	if err := CheckDecision(model.StatePending, true); err != nil {
		t.Fatalf("approve pending: %v", err)
	}
	if err := CheckDecision(model.StateRejected, true); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected rejected to be terminal, got %v", err)
	}
}

func TestTransitionTableCoversAggregateOutcomes(t *testing.T) {
	t.Parallel()
	edges := [][2]model.LifecycleState{
		{model.StateApproved, model.StateListing},
		{model.StateListing, model.StateListed},
		{model.StateListing, model.StatePartiallyListed},
		{model.StateListing, model.StateApproved},
		{model.StateListed, model.StateSold},
		{model.StatePartiallyListed, model.StateSold},
		{model.StateListed, model.StateDelisted},
		{model.StatePartiallyListed, model.StateListing},
	}
	for _, e := range edges {
		if !CanTransition(e[0], e[1]) {
			t.Fatalf("expected %s -> %s to be legal", e[0], e[1])
		}
	}
	if CanTransition(model.StateSold, model.StateListed) {
		t.Fatalf("sold must be terminal")
	}
	if CanTransition(model.StatePending, model.StateListing) {
		t.Fatalf("pending cannot start listing")
	}
}

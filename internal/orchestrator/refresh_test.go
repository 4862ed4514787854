package orchestrator

import (
	"context"
	"testing"

	"github.com/fairyhunter13/marketplace-sync-engine/internal/marketplace"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/model"
)

func checkFor(t *testing.T, res RefreshResult, m model.Marketplace) ListingCheck {
	t.Helper()
	for _, c := range res.Checks {
		if c.Marketplace == m {
			return c
		}
	}
	t.Fatalf("no check for %s in %+v", m, res.Checks)
	return ListingCheck{}
}

func TestRefreshInSyncChangesNothing(t *testing.T) {
	h := newHarness(t, NoRetry)
	p := h.listed(t)
	events := len(h.events.Kinds())

	res, err := h.o.RefreshListingStatus(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(res.Checks) != 2 {
		t.Fatalf("expected two checks, got %+v", res.Checks)
	}
	for _, c := range res.Checks {
		if c.Changed || c.Status != model.SyncSynced || c.Remote == nil || c.Remote.State != marketplace.RemoteActive {
			t.Fatalf("unexpected check %+v", c)
		}
	}
	if res.Product.Version != p.Version || len(h.events.Kinds()) != events {
		t.Fatalf("in-sync refresh must not commit, got version %d", res.Product.Version)
	}
}

func TestRefreshEndedListingIsDelisted(t *testing.T) {
	h := newHarness(t, NoRetry)
	p := h.listed(t)
	h.ebay.EndListing(p.ID)

	res, err := h.o.RefreshListingStatus(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if c := checkFor(t, res, model.EBay); !c.Changed || c.Status != model.SyncDelisted {
		t.Fatalf("unexpected ebay check %+v", c)
	}
	if res.Product.State != model.StatePartiallyListed {
		t.Fatalf("expected PARTIALLY_LISTED, got %s", res.Product.State)
	}
	if rec := record(t, h.st, p.ID, model.EBay); rec.Status != model.SyncDelisted {
		t.Fatalf("ebay record not delisted: %+v", rec)
	}
	kinds := h.events.Kinds()
	if kinds[len(kinds)-1] != model.EventProductPartiallyListed {
		t.Fatalf("unexpected events %v", kinds)
	}

	h.amazon.EndListing(p.ID)
	res, err = h.o.RefreshListingStatus(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if res.Product.State != model.StateDelisted || len(res.Checks) != 1 {
		t.Fatalf("expected DELISTED after one more check, got %s %+v", res.Product.State, res.Checks)
	}
}

func TestRefreshRemotePriceDriftMarksStale(t *testing.T) {
	h := newHarness(t, NoRetry)
	p := h.listed(t)
	drifted := model.MustMoney("95.00", "USD")
	h.amazon.SetRemotePrice(p.ID, drifted)

	res, err := h.o.RefreshListingStatus(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if res.Product.State != model.StateListed {
		t.Fatalf("a price drift keeps the product listed, got %s", res.Product.State)
	}
	rec := record(t, h.st, p.ID, model.Amazon)
	if rec.Status != model.SyncStale || !rec.LastConfirmedPrice.Equal(drifted) {
		t.Fatalf("amazon should be STALE at the remote price, got %+v", rec)
	}

	h.amazon.SetRemotePrice(p.ID, p.ApprovedPrice)
	if _, err := h.o.RefreshListingStatus(context.Background(), p.ID); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	rec = record(t, h.st, p.ID, model.Amazon)
	if rec.Status != model.SyncSynced || !rec.LastConfirmedPrice.Equal(p.ApprovedPrice) {
		t.Fatalf("amazon should be back in sync, got %+v", rec)
	}
}

func TestRefreshReadFailureLeavesRecord(t *testing.T) {
	h := newHarness(t, NoRetry)
	p := h.listed(t)
	h.ebay.Push(marketplace.Transient("http_503", "unavailable"))
	h.amazon.EndListing(p.ID)

	res, err := h.o.RefreshListingStatus(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	c := checkFor(t, res, model.EBay)
	if c.Error == nil || c.Error.Code != "http_503" || c.Changed || c.Remote != nil {
		t.Fatalf("unexpected ebay check %+v", c)
	}
	if rec := record(t, h.st, p.ID, model.EBay); rec.Status != model.SyncSynced || rec.LastError != nil {
		t.Fatalf("failed read must not touch the record: %+v", rec)
	}
	if rec := record(t, h.st, p.ID, model.Amazon); rec.Status != model.SyncDelisted {
		t.Fatalf("amazon read should still apply: %+v", rec)
	}
}

func TestRefreshSkipsUnsettledRecords(t *testing.T) {
	h := newHarness(t, NoRetry)
	p := h.approved(t, "40.00")

	res, err := h.o.RefreshListingStatus(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(res.Checks) != 0 || res.Product.State != model.StateApproved {
		t.Fatalf("nothing to read on an unlisted product, got %+v", res)
	}
	if _, err := h.o.RefreshListingStatus(context.Background(), "missing"); err == nil {
		t.Fatalf("expected an error for an unknown product")
	}
}

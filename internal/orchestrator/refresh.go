package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/fairyhunter13/marketplace-sync-engine/internal/marketplace"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/model"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/obs"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/store"
)

// ListingCheck is the remote read of one marketplace record.
type ListingCheck struct {
	Marketplace model.Marketplace          `json:"marketplace"`
	Remote      *marketplace.ListingStatus `json:"remote,omitempty"`
	Error       *model.SyncError           `json:"error,omitempty"`
	// Changed is set when the read moved the ledger record.
	Changed bool             `json:"changed"`
	Status  model.SyncStatus `json:"sync_status"`
}

// RefreshResult is the product after a remote status refresh.
type RefreshResult struct {
	Result
	Checks []ListingCheck `json:"checks"`
}

type statusRead struct {
	rec    model.MarketplaceRecord
	status marketplace.ListingStatus
	out    marketplace.Outcome
}

// RefreshListingStatus reads every settled listing of the product from its
// marketplace and folds the answer into the ledger: an ended listing becomes
// DELISTED, a listing whose remote price differs from the approved price
// becomes STALE and a STALE one showing the approved price again is SYNCED.
// Records that moved while the reads were in flight are left alone.
func (o *Orchestrator) RefreshListingStatus(ctx context.Context, productID string) (RefreshResult, error) {
	ctx = context.WithoutCancel(ctx)
	snap, err := o.ledger.Load(ctx, productID)
	if err != nil {
		return RefreshResult{}, err
	}
	reads := o.readListings(ctx, snap)
	if len(reads) == 0 {
		return RefreshResult{Result: resultOf(snap), Checks: []ListingCheck{}}, nil
	}

	unlock, err := o.locker.Lock(ctx, productID)
	if err != nil {
		return RefreshResult{}, err
	}
	cur, err := o.ledger.Load(ctx, productID)
	if err != nil {
		unlock()
		return RefreshResult{}, err
	}

	now := o.now()
	var touched []model.MarketplaceRecord
	checks := make([]ListingCheck, 0, len(reads))
	for _, r := range reads {
		c := ListingCheck{Marketplace: r.rec.Marketplace, Status: r.rec.Status}
		if !r.out.OK() {
			c.Error = r.out.SyncError(now)
			checks = append(checks, c)
			continue
		}
		st := r.status
		c.Remote = &st
		rec, ok := cur.Records[r.rec.Marketplace]
		if !ok || rec.Epoch != r.rec.Epoch || rec.Status != r.rec.Status {
			c.Status = rec.Status
			checks = append(checks, c)
			continue
		}
		if next, changed := reconcileListing(rec, st, cur.Product.ApprovedPrice, now); changed {
			if next.Status != rec.Status {
				obs.Logger.Warn("remote_listing_diverged", "product_id", productID, "marketplace", rec.Marketplace,
					"remote_state", st.State, "from", rec.Status, "to", next.Status)
			}
			touched = append(touched, next)
			c.Changed = true
			c.Status = next.Status
		}
		checks = append(checks, c)
	}
	if len(touched) == 0 {
		unlock()
		obs.Logger.Info("listing_status_refreshed", "product_id", productID, "checked", len(reads), "changed", 0)
		return RefreshResult{Result: resultOf(cur), Checks: checks}, nil
	}

	p := cur.Product.Clone()
	p.UpdatedAt = now
	committed, records, err := o.commitRecords(ctx, cur, p, touched, nil, nil)
	unlock()
	if err != nil {
		return RefreshResult{}, err
	}
	obs.Logger.Info("listing_status_refreshed", "product_id", productID, "checked", len(reads),
		"changed", len(touched), "lifecycle_state", committed.State)
	o.publish(ctx, o.events(cur.Product, committed, touched))
	return RefreshResult{Result: Result{Product: committed, Records: records}, Checks: checks}, nil
}

// readListings queries the settled records of snap concurrently.
func (o *Orchestrator) readListings(ctx context.Context, snap store.Snapshot) []statusRead {
	var reads []statusRead
	for _, rec := range snap.RecordList() {
		if rec.Status != model.SyncSynced && rec.Status != model.SyncStale {
			continue
		}
		if _, ok := o.adapters[rec.Marketplace]; !ok {
			continue
		}
		reads = append(reads, statusRead{rec: rec})
	}
	var wg sync.WaitGroup
	for i := range reads {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a := o.adapters[reads[i].rec.Marketplace]
			reads[i].status, reads[i].out = a.ListingStatus(ctx, reads[i].rec)
		}()
	}
	wg.Wait()
	return reads
}

// reconcileListing folds one remote status into rec.
func reconcileListing(rec model.MarketplaceRecord, st marketplace.ListingStatus, approved model.Money, now time.Time) (model.MarketplaceRecord, bool) {
	next := rec.Clone()
	changed := false
	for k, v := range st.RemoteIDs {
		if v != "" && next.RemoteIDs[k] != v {
			next.RemoteIDs[k] = v
			changed = true
		}
	}
	switch st.State {
	case marketplace.RemoteEnded:
		next.Status = model.SyncDelisted
		changed = true
	case marketplace.RemoteActive:
		if st.Price == nil {
			break
		}
		if next.LastConfirmedPrice == nil || !next.LastConfirmedPrice.Equal(*st.Price) {
			next.LastConfirmedPrice = st.Price.Ptr()
			changed = true
		}
		want := model.SyncSynced
		if !st.Price.Equal(approved) {
			want = model.SyncStale
		}
		if next.Status != want {
			next.Status = want
			changed = true
		}
	}
	if changed {
		next.UpdatedAt = now
	}
	return next, changed
}

// Package store implements the consistency ledger: products, their
// per-marketplace records, scheduled retries and the marketplace request log.
package store

import (
	"context"
	"errors"
	"sort"

	"github.com/fairyhunter13/marketplace-sync-engine/internal/model"
)

var (
	ErrNotFound        = errors.New("product not found")
	ErrDuplicate       = errors.New("product already exists")
	ErrVersionConflict = errors.New("ledger version conflict")
)

// Snapshot is a product together with all of its marketplace records.
type Snapshot struct {
	Product model.Product
	Records map[model.Marketplace]model.MarketplaceRecord
}

// RecordList returns the records ordered by marketplace name.
func (s Snapshot) RecordList() []model.MarketplaceRecord {
	out := make([]model.MarketplaceRecord, 0, len(s.Records))
	for _, r := range s.Records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Marketplace < out[j].Marketplace })
	return out
}

// Record returns the record for m, or a fresh NOT_SYNCED record.
func (s Snapshot) Record(m model.Marketplace) (model.MarketplaceRecord, bool) {
	r, ok := s.Records[m]
	if !ok {
		return model.NewRecord(s.Product.ID, m, s.Product.UpdatedAt), false
	}
	return r.Clone(), true
}

// Commit is one atomic ledger write. Product replaces the stored product if
// its stored version still equals ExpectedVersion; Records are upserted and
// appended to the record history; retry tasks are replaced per record key.
type Commit struct {
	Product         model.Product
	ExpectedVersion uint64
	Records         []model.MarketplaceRecord
	ScheduleRetries []model.RetryTask
	CancelRetries   []model.Marketplace
}

// Ledger is the durable source of truth for product and marketplace state.
type Ledger interface {
	CreateProduct(ctx context.Context, p model.Product) error
	Load(ctx context.Context, productID string) (Snapshot, error)
	Commit(ctx context.Context, c Commit) (model.Product, error)
	RecordHistory(ctx context.Context, productID string, m model.Marketplace) ([]model.MarketplaceRecord, error)
	RetryTasks(ctx context.Context) ([]model.RetryTask, error)
	DeleteRetryTask(ctx context.Context, t model.RetryTask) error
}

// RequestLog stores audited marketplace calls.
type RequestLog interface {
	AppendRequest(ctx context.Context, e model.RequestLogEntry) error
	Requests(ctx context.Context, productID string) ([]model.RequestLogEntry, error)
}

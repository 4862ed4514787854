package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/marketplace-sync-engine/internal/model"
)

type productState struct {
	p       model.Product
	records map[model.Marketplace]model.MarketplaceRecord
	history map[model.Marketplace][]model.MarketplaceRecord
}

// Store is the in-memory Ledger and RequestLog.
type Store struct {
	mu       sync.RWMutex
	m        map[string]*productState
	retries  map[string]model.RetryTask
	requests map[string][]model.RequestLogEntry
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		m:        make(map[string]*productState),
		retries:  make(map[string]model.RetryTask),
		requests: make(map[string][]model.RequestLogEntry),
	}
}

func (s *Store) CreateProduct(_ context.Context, p model.Product) error {
	if p.ID == "" {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[p.ID]; ok {
		return ErrDuplicate
	}
	s.m[p.ID] = &productState{
		p:       p.Clone(),
		records: make(map[model.Marketplace]model.MarketplaceRecord),
		history: make(map[model.Marketplace][]model.MarketplaceRecord),
	}
	return nil
}

func (s *Store) Load(_ context.Context, productID string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.m[productID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	snap := Snapshot{Product: st.p.Clone(), Records: make(map[model.Marketplace]model.MarketplaceRecord, len(st.records))}
	for m, r := range st.records {
		snap.Records[m] = r.Clone()
	}
	return snap, nil
}

func (s *Store) Commit(_ context.Context, c Commit) (model.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.m[c.Product.ID]
	if !ok {
		return model.Product{}, ErrNotFound
	}
	if st.p.Version != c.ExpectedVersion {
		return model.Product{}, ErrVersionConflict
	}
	p := c.Product.Clone()
	p.Version = c.ExpectedVersion + 1
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	st.p = p
	for _, r := range c.Records {
		r = r.Clone()
		r.ProductID = p.ID
		st.records[r.Marketplace] = r
		st.history[r.Marketplace] = append(st.history[r.Marketplace], r.Clone())
	}
	for _, m := range c.CancelRetries {
		delete(s.retries, model.RetryTask{ProductID: p.ID, Marketplace: m}.Key())
	}
	for _, t := range c.ScheduleRetries {
		s.retries[t.Key()] = t
	}
	return p.Clone(), nil
}

func (s *Store) RecordHistory(_ context.Context, productID string, m model.Marketplace) ([]model.MarketplaceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.m[productID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]model.MarketplaceRecord, 0, len(st.history[m]))
	for _, r := range st.history[m] {
		out = append(out, r.Clone())
	}
	return out, nil
}

func (s *Store) RetryTasks(_ context.Context) ([]model.RetryTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.RetryTask, 0, len(s.retries))
	for _, t := range s.retries {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NotBefore.Before(out[j].NotBefore) })
	return out, nil
}

// DeleteRetryTask removes t if the stored task for its key is the same attempt.
func (s *Store) DeleteRetryTask(_ context.Context, t model.RetryTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.retries[t.Key()]; ok && cur.Attempt == t.Attempt && cur.Epoch == t.Epoch {
		delete(s.retries, t.Key())
	}
	return nil
}

func (s *Store) AppendRequest(_ context.Context, e model.RequestLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[e.ProductID] = append(s.requests[e.ProductID], e)
	return nil
}

func (s *Store) Requests(_ context.Context, productID string) ([]model.RequestLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.RequestLogEntry(nil), s.requests[productID]...), nil
}

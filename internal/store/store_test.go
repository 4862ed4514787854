package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fairyhunter13/marketplace-sync-engine/internal/model"
)

func newProduct(id string) model.Product {
	now := time.Unix(1700000000, 0).UTC()
	return model.Product{
		ID:        id,
		Title:     "Camera",
		Condition: model.ConditionGood,
		Decision:  model.StateApproved,
		State:     model.StateApproved,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestStoreCreateAndLoad(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.CreateProduct(ctx, newProduct("p1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateProduct(ctx, newProduct("p1")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	snap, err := s.Load(ctx, "p1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap.Product.State != model.StateApproved || len(snap.Records) != 0 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	r, ok := snap.Record(model.EBay)
	if ok || r.Status != model.SyncNotSynced {
		t.Fatalf("expected fresh record, got %+v", r)
	}
	if _, err := s.Load(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStoreCommitCompareAndSwap(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.CreateProduct(ctx, newProduct("p2"))

	p := newProduct("p2")
	p.State = model.StateListing
	r := model.NewRecord("p2", model.EBay, p.UpdatedAt)
	r.Status = model.SyncSyncing
	r.Operation = model.OpList
	got, err := s.Commit(ctx, Commit{Product: p, ExpectedVersion: 0, Records: []model.MarketplaceRecord{r}})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got.Version != 1 {
		t.Fatalf("expected version 1, got %d", got.Version)
	}
	if _, err := s.Commit(ctx, Commit{Product: p, ExpectedVersion: 0}); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	snap, _ := s.Load(ctx, "p2")
	if snap.Product.State != model.StateListing || snap.Records[model.EBay].Status != model.SyncSyncing {
		t.Fatalf("commit not applied: %+v", snap)
	}
}

func TestStoreSnapshotIsolation(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.CreateProduct(ctx, newProduct("p3"))
	r := model.NewRecord("p3", model.Amazon, time.Now())
	r.RemoteIDs[model.RoleSKU] = "AUTO-p3"
	if _, err := s.Commit(ctx, Commit{Product: newProduct("p3"), Records: []model.MarketplaceRecord{r}}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	snap, _ := s.Load(ctx, "p3")
	rec := snap.Records[model.Amazon]
	rec.RemoteIDs[model.RoleSKU] = "mutated"
	again, _ := s.Load(ctx, "p3")
	if again.Records[model.Amazon].RemoteIDs[model.RoleSKU] != "AUTO-p3" {
		t.Fatalf("snapshot leaked into store")
	}
}

func TestStoreRecordHistoryRetained(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.CreateProduct(ctx, newProduct("p4"))
	var version uint64
	for _, st := range []model.SyncStatus{model.SyncSyncing, model.SyncSynced, model.SyncDelisted} {
		r := model.NewRecord("p4", model.EBay, time.Now())
		r.Status = st
		p, err := s.Commit(ctx, Commit{Product: newProduct("p4"), ExpectedVersion: version, Records: []model.MarketplaceRecord{r}})
		if err != nil {
			t.Fatalf("commit %s: %v", st, err)
		}
		version = p.Version
	}
	h, err := s.RecordHistory(ctx, "p4", model.EBay)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(h) != 3 || h[0].Status != model.SyncSyncing || h[2].Status != model.SyncDelisted {
		t.Fatalf("unexpected history: %+v", h)
	}
}

func TestStoreRetryTasks(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.CreateProduct(ctx, newProduct("p5"))
	now := time.Now()
	t1 := model.RetryTask{ProductID: "p5", Marketplace: model.EBay, Operation: model.OpList, Attempt: 1, NotBefore: now.Add(time.Second), Epoch: 1}
	t2 := model.RetryTask{ProductID: "p5", Marketplace: model.Amazon, Operation: model.OpList, Attempt: 1, NotBefore: now, Epoch: 1}
	p, err := s.Commit(ctx, Commit{Product: newProduct("p5"), ScheduleRetries: []model.RetryTask{t1, t2}})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	tasks, _ := s.RetryTasks(ctx)
	if len(tasks) != 2 || tasks[0].Marketplace != model.Amazon {
		t.Fatalf("expected due-ordered tasks, got %+v", tasks)
	}

	// a newer attempt replaces the older one; deleting the old attempt is a no-op
	t1b := t1
	t1b.Attempt = 2
	if _, err := s.Commit(ctx, Commit{Product: newProduct("p5"), ExpectedVersion: p.Version, ScheduleRetries: []model.RetryTask{t1b}, CancelRetries: []model.Marketplace{model.Amazon}}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	_ = s.DeleteRetryTask(ctx, t1)
	tasks, _ = s.RetryTasks(ctx)
	if len(tasks) != 1 || tasks[0].Attempt != 2 {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}
	_ = s.DeleteRetryTask(ctx, t1b)
	if tasks, _ = s.RetryTasks(ctx); len(tasks) != 0 {
		t.Fatalf("expected no tasks, got %+v", tasks)
	}
}

func TestStoreRequestLog(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.AppendRequest(ctx, model.RequestLogEntry{ID: "a", ProductID: "p6", Marketplace: model.EBay, Call: "publish_offer", StatusCode: 200, Outcome: "SUCCESS"})
	_ = s.AppendRequest(ctx, model.RequestLogEntry{ID: "b", ProductID: "p6", Marketplace: model.Amazon, Call: "put_listing", StatusCode: 429, Outcome: "TRANSIENT"})
	_ = s.AppendRequest(ctx, model.RequestLogEntry{ID: "c", ProductID: "other"})
	got, _ := s.Requests(ctx, "p6")
	if len(got) != 2 || got[0].ID != "a" || got[1].StatusCode != 429 {
		t.Fatalf("unexpected request log: %+v", got)
	}
}

func TestStoreConcurrentCommits(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.CreateProduct(ctx, newProduct("p7"))
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Commit(ctx, Commit{Product: newProduct("p7"), ExpectedVersion: 0}); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if succeeded != 1 {
		t.Fatalf("expected exactly one winner, got %d", succeeded)
	}
}

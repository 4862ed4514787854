package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/marketplace-sync-engine/internal/model"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/obs"
)

func setupPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("LEDGER_TEST_DSN")
	if dsn == "" {
		t.Skip("LEDGER_TEST_DSN not set")
	}
	obs.InitLogger()
	db, err := InitDB(context.Background(), dsn)
	if err != nil {
		t.Fatalf("init db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgres(db)
}

func TestPostgresCommitRoundTrip(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	id := uuid.NewString()
	p := newProduct(id)
	p.ApprovedPrice = model.MustMoney("129.99", "USD")
	p.ImageURLs = []string{"https://img.example/1.jpg"}
	if err := s.CreateProduct(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateProduct(ctx, p); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}

	p.State = model.StateListed
	r := model.NewRecord(id, model.EBay, time.Now().UTC())
	r.Status = model.SyncSynced
	r.Operation = model.OpList
	r.RemoteIDs[model.RoleOffer] = "offer-1"
	r.LastConfirmedPrice = p.ApprovedPrice.Ptr()
	task := model.RetryTask{ProductID: id, Marketplace: model.Amazon, Operation: model.OpList, Attempt: 1, NotBefore: time.Now().UTC(), Epoch: 1}
	got, err := s.Commit(ctx, Commit{Product: p, ExpectedVersion: 0, Records: []model.MarketplaceRecord{r}, ScheduleRetries: []model.RetryTask{task}})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got.Version != 1 {
		t.Fatalf("expected version 1, got %d", got.Version)
	}
	if _, err := s.Commit(ctx, Commit{Product: p, ExpectedVersion: 0}); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	snap, err := s.Load(ctx, id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	rec := snap.Records[model.EBay]
	if snap.Product.State != model.StateListed || rec.RemoteIDs[model.RoleOffer] != "offer-1" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if rec.LastConfirmedPrice == nil || !rec.LastConfirmedPrice.Equal(p.ApprovedPrice) {
		t.Fatalf("confirmed price lost: %+v", rec.LastConfirmedPrice)
	}
	h, err := s.RecordHistory(ctx, id, model.EBay)
	if err != nil || len(h) != 1 {
		t.Fatalf("history: %v %+v", err, h)
	}
	if err := s.DeleteRetryTask(ctx, task); err != nil {
		t.Fatalf("delete retry: %v", err)
	}
}

func TestPostgresLoadSeesOneCommit(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	id := uuid.NewString()
	p := newProduct(id)
	if err := s.CreateProduct(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	done := make(chan struct{})
	errs := make(chan error, 1)
	go func() {
		defer close(done)
		version := uint64(0)
		for i := 0; i < 100; i++ {
			state, status := model.StateListed, model.SyncSynced
			if i%2 == 1 {
				state, status = model.StateDelisted, model.SyncDelisted
			}
			p.State = state
			recs := make([]model.MarketplaceRecord, 0, 2)
			for _, m := range []model.Marketplace{model.EBay, model.Amazon} {
				r := model.NewRecord(id, m, time.Now().UTC())
				r.Status = status
				recs = append(recs, r)
			}
			got, err := s.Commit(ctx, Commit{Product: p, ExpectedVersion: version, Records: recs})
			if err != nil {
				errs <- err
				return
			}
			version = got.Version
		}
	}()

	want := map[model.LifecycleState]model.SyncStatus{
		model.StateListed:   model.SyncSynced,
		model.StateDelisted: model.SyncDelisted,
	}
	for {
		select {
		case err := <-errs:
			t.Fatalf("commit: %v", err)
		case <-done:
			select {
			case err := <-errs:
				t.Fatalf("commit: %v", err)
			default:
			}
			return
		default:
		}
		snap, err := s.Load(ctx, id)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		status, ok := want[snap.Product.State]
		if !ok {
			continue
		}
		for m, r := range snap.Records {
			if r.Status != status {
				t.Fatalf("state %s loaded with %s record %s", snap.Product.State, m, r.Status)
			}
		}
	}
}

package marketplace

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/fairyhunter13/marketplace-sync-engine/internal/model"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/store"
)

func TestClassifyStatus(t *testing.T) {
	t.Parallel()
	cases := map[int]Kind{
		200: KindSuccess,
		204: KindSuccess,
		408: KindTransient,
		429: KindTransient,
		500: KindTransient,
		503: KindTransient,
		400: KindPermanent,
		401: KindPermanent,
		403: KindPermanent,
		404: KindPermanent,
		422: KindPermanent,
	}
	for status, want := range cases {
		if got := Classify(status, nil, nil); got.Kind != want {
			t.Fatalf("status %d: got %s, want %s", status, got.Kind, want)
		}
	}
	if o := Classify(401, nil, nil); o.Reason.Code != "auth_rejected" || o.Reason.Kind != model.ErrorPermanent {
		t.Fatalf("unexpected 401 reason: %+v", o.Reason)
	}
}

func TestClassifyErrors(t *testing.T) {
	t.Parallel()
	if o := Classify(0, context.DeadlineExceeded, nil); o.Kind != KindTransient || o.Reason.Code != "timeout" {
		t.Fatalf("deadline: %+v", o)
	}
	if o := Classify(0, errors.New("connection refused"), nil); o.Kind != KindTransient {
		t.Fatalf("network: %+v", o)
	}
	authErr := fmt.Errorf("wrapped: %w", &oauth2.RetrieveError{Response: &http.Response{StatusCode: 400}})
	if o := Classify(0, authErr, nil); o.Kind != KindPermanent || o.Reason.Code != "auth_rejected" {
		t.Fatalf("token refusal: %+v", o)
	}
	downErr := &oauth2.RetrieveError{Response: &http.Response{StatusCode: 503}}
	if o := Classify(0, downErr, nil); o.Kind != KindTransient {
		t.Fatalf("token outage: %+v", o)
	}
}

func TestOutcomeWithIDsMerges(t *testing.T) {
	t.Parallel()
	o := Transient("http_503", "down").WithIDs(map[string]string{model.RoleOffer: "o1", model.RoleListing: ""})
	if o.RemoteIDs[model.RoleOffer] != "o1" || len(o.RemoteIDs) != 1 {
		t.Fatalf("unexpected ids: %v", o.RemoteIDs)
	}
	if o.SyncError(time.Now()).Kind != model.ErrorTransient {
		t.Fatalf("sync error kind")
	}
	if Success(nil).SyncError(time.Now()) != nil {
		t.Fatalf("success has no sync error")
	}
}

func TestClientDoAuditsEveryCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			if r.Header.Get("Content-Type") != "application/json" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(`{"id":"x1"}`))
		case "/gone":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusTooManyRequests)
		}
	}))
	defer srv.Close()

	log := store.New()
	c := &Client{Marketplace: model.EBay, BaseURL: srv.URL, HTTP: srv.Client(), Limiter: NewLimiter(100, 10), Timeout: time.Second, Log: log}
	ctx := context.Background()

	resp, o := c.Do(ctx, Call{ProductID: "p1", Name: "ok", Method: http.MethodPost, Path: "/ok", Body: map[string]string{"a": "b"}})
	if !o.OK() {
		t.Fatalf("expected success, got %+v", o)
	}
	var body struct{ ID string }
	if err := resp.Decode(&body); err != nil || body.ID != "x1" {
		t.Fatalf("decode: %v %+v", err, body)
	}
	if _, o := c.Do(ctx, Call{ProductID: "p1", Name: "throttled", Method: http.MethodGet, Path: "/busy"}); o.Kind != KindTransient {
		t.Fatalf("expected transient, got %+v", o)
	}
	if _, o := c.Do(ctx, Call{ProductID: "p1", Name: "withdraw", Method: http.MethodPost, Path: "/gone", Success: []int{http.StatusNotFound}}); !o.OK() {
		t.Fatalf("expected 404 accepted as success, got %+v", o)
	}

	entries, _ := log.Requests(ctx, "p1")
	if len(entries) != 3 {
		t.Fatalf("expected 3 audited calls, got %d", len(entries))
	}
	if entries[1].StatusCode != 429 || entries[1].Outcome != string(KindTransient) || entries[1].Error == "" {
		t.Fatalf("unexpected audit entry: %+v", entries[1])
	}
}

func TestClientTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	log := store.New()
	c := &Client{Marketplace: model.Amazon, BaseURL: srv.URL, HTTP: srv.Client(), Timeout: 50 * time.Millisecond, Log: log}
	_, o := c.Do(context.Background(), Call{ProductID: "p2", Name: "slow", Method: http.MethodGet, Path: "/"})
	if o.Kind != KindTransient || o.Reason.Code != "timeout" {
		t.Fatalf("expected transient timeout, got %+v", o)
	}
	if entries, _ := log.Requests(context.Background(), "p2"); len(entries) != 1 {
		t.Fatalf("timed-out call must still be audited")
	}
}

func TestClientTimeoutCoversRateLimitWait(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	// one token per hour: the second call can never get one within the timeout
	c := &Client{Marketplace: model.Amazon, BaseURL: srv.URL, HTTP: srv.Client(), Limiter: NewLimiter(1.0/3600, 1), Timeout: 50 * time.Millisecond}
	ctx := context.WithoutCancel(context.Background())
	if _, o := c.Do(ctx, Call{ProductID: "p3", Name: "first", Method: http.MethodGet, Path: "/"}); !o.OK() {
		t.Fatalf("first call: %+v", o)
	}
	start := time.Now()
	_, o := c.Do(ctx, Call{ProductID: "p3", Name: "second", Method: http.MethodGet, Path: "/"})
	if o.Kind != KindTransient || o.Reason.Code != "rate_limited" {
		t.Fatalf("expected transient rate limit, got %+v", o)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("call blocked behind the limiter for %s", elapsed)
	}
}

func TestScriptedKeepsOneListingPerSKU(t *testing.T) {
	log := store.New()
	s := NewScripted(model.EBay, log)
	s.Push(Transient("http_503", "down"))
	ctx := context.Background()
	p := model.Product{ID: "p3"}
	rec := model.NewRecord("p3", model.EBay, time.Now())
	price := model.MustMoney("10", "USD")

	if o := s.CreateOrUpdateListing(ctx, p, rec, price); o.Kind != KindTransient {
		t.Fatalf("expected scripted transient, got %+v", o)
	}
	first := s.CreateOrUpdateListing(ctx, p, rec, price)
	second := s.CreateOrUpdateListing(ctx, p, rec, price)
	if !first.OK() || first.RemoteIDs[model.RoleListing] != second.RemoteIDs[model.RoleListing] {
		t.Fatalf("listing ids diverged: %v vs %v", first.RemoteIDs, second.RemoteIDs)
	}
	if s.ListingsCreated() != 1 || len(s.Calls()) != 3 {
		t.Fatalf("created=%d calls=%d", s.ListingsCreated(), len(s.Calls()))
	}
	if entries, _ := log.Requests(ctx, "p3"); len(entries) != 3 {
		t.Fatalf("scripted calls must be audited, got %d", len(entries))
	}
}

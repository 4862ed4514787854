package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/fairyhunter13/marketplace-sync-engine/internal/model"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/obs"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/store"
)

const maxResponseBody = 1 << 20

// Call is one HTTP request issued by an adapter.
type Call struct {
	ProductID string
	// Name labels the call in the request log and metrics, e.g. "publish_offer".
	Name   string
	Method string
	// Path is appended to the client's BaseURL and may carry a query string.
	Path   string
	Body   any
	Header map[string]string
	// Success lists non-2xx statuses the caller treats as success.
	Success []int
}

// Response is the raw result of a Call that reached the remote side.
type Response struct {
	StatusCode int
	Body       []byte
}

// Decode unmarshals the response body into v. Empty bodies are ignored.
func (r Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, v)
}

// Client is the HTTP plumbing shared by the marketplace adapters: rate
// limiting, per-call timeouts, outcome classification and the request log.
type Client struct {
	Marketplace model.Marketplace
	BaseURL     string
	HTTP        *http.Client
	Limiter     *rate.Limiter
	Timeout     time.Duration
	Log         store.RequestLog
	Now         func() time.Time
}

// NewLimiter builds a token bucket for perSec requests per second. A
// non-positive rate disables limiting.
func NewLimiter(perSec float64, burst int) *rate.Limiter {
	if perSec <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSec), burst)
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now().UTC()
}

// Do performs call and returns the response with its classified outcome.
// Every call that reaches the remote side is appended to the request log
// before Do returns.
func (c *Client) Do(ctx context.Context, call Call) (Response, Outcome) {
	// the timeout covers the wait for a rate-limit token too
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return Response{}, Transient("rate_limited", err.Error())
		}
	}

	var body io.Reader
	if call.Body != nil {
		b, err := json.Marshal(call.Body)
		if err != nil {
			return Response{}, Permanent("encode_failed", err.Error())
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, call.Method, c.BaseURL+call.Path, body)
	if err != nil {
		return Response{}, Permanent("bad_request", err.Error())
	}
	req.Header.Set("Accept", "application/json")
	if call.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range call.Header {
		req.Header.Set(k, v)
	}

	start := time.Now()
	var out Response
	resp, err := c.HTTP.Do(req)
	if err == nil {
		out.StatusCode = resp.StatusCode
		out.Body, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		_ = resp.Body.Close()
	}
	outcome := Classify(out.StatusCode, err, out.Body)
	if err == nil && slices.Contains(call.Success, out.StatusCode) {
		outcome = Success(nil)
	}
	c.audit(ctx, call, req, out, outcome, time.Since(start))
	return out, outcome
}

func (c *Client) audit(ctx context.Context, call Call, req *http.Request, resp Response, o Outcome, latency time.Duration) {
	entry := model.RequestLogEntry{
		ID:          uuid.NewString(),
		ProductID:   call.ProductID,
		Marketplace: c.Marketplace,
		Call:        call.Name,
		Method:      call.Method,
		URL:         req.URL.Redacted(),
		StatusCode:  resp.StatusCode,
		Outcome:     string(o.Kind),
		Latency:     latency,
		At:          c.now(),
	}
	if !o.OK() {
		entry.Error = o.Reason.Code + ": " + o.Reason.Message
	}
	obs.RecordAdapterCall(string(c.Marketplace), call.Name, string(o.Kind), latency)
	obs.Logger.Debug("adapter_call", "marketplace", c.Marketplace, "product_id", call.ProductID,
		"call", call.Name, "status", resp.StatusCode, "outcome", o.Kind, "latency_ms", latency.Milliseconds())
	if c.Log == nil {
		return
	}
	// the caller's deadline may already have fired; the audit write must still land
	if err := c.Log.AppendRequest(context.WithoutCancel(ctx), entry); err != nil {
		obs.Logger.Error("request_log_append_failed", "marketplace", c.Marketplace, "product_id", call.ProductID, "error", err)
	}
}

// Package amazon implements the marketplace adapter for the Selling Partner
// API Listings Items resource. Listings are keyed by seller SKU, so a PUT is
// an idempotent create-or-replace.
package amazon

import (
	"context"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/fairyhunter13/marketplace-sync-engine/internal/marketplace"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/model"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/store"
)

const (
	ProductionAPIBaseURL = "https://sellingpartnerapi-na.amazon.com"
	SandboxAPIBaseURL    = "https://sandbox.sellingpartnerapi-na.amazon.com"
	LWATokenURL          = "https://api.amazon.com/auth/o2/token"

	DefaultMarketplaceID = "ATVPDKIKX0DER"
	listingsPath         = "/listings/2021-08-01/items/"

	statusAccepted = "ACCEPTED"
	statusInvalid  = "INVALID"
)

// Config holds the selling partner credentials and listing defaults.
type Config struct {
	BaseURL       string
	TokenURL      string
	Sandbox       bool
	ClientID      string
	ClientSecret  string
	RefreshToken  string
	SellerID      string
	MarketplaceID string
	ProductType   string

	Timeout    time.Duration
	RatePerSec float64
	Burst      int
}

// Adapter is the Amazon marketplace adapter.
type Adapter struct {
	cfg    Config
	client *marketplace.Client
}

// lwaTransport sends the Login with Amazon access token the way SP-API
// expects it, in the x-amz-access-token header.
type lwaTransport struct {
	src  oauth2.TokenSource
	base http.RoundTripper
}

func (t *lwaTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	tok, err := t.src.Token()
	if err != nil {
		return nil, err
	}
	r := req.Clone(req.Context())
	r.Header.Set("x-amz-access-token", tok.AccessToken)
	return t.base.RoundTrip(r)
}

// New builds an adapter that exchanges cfg.RefreshToken for LWA access tokens
// and audits every call into log.
func New(cfg Config, log store.RequestLog) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = ProductionAPIBaseURL
		if cfg.Sandbox {
			cfg.BaseURL = SandboxAPIBaseURL
		}
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = LWATokenURL
	}
	if cfg.MarketplaceID == "" {
		cfg.MarketplaceID = DefaultMarketplaceID
	}
	if cfg.ProductType == "" {
		cfg.ProductType = "PRODUCT"
	}
	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL, AuthStyle: oauth2.AuthStyleInParams},
	}
	src := oc.TokenSource(context.Background(), &oauth2.Token{RefreshToken: cfg.RefreshToken})
	return &Adapter{
		cfg: cfg,
		client: &marketplace.Client{
			Marketplace: model.Amazon,
			BaseURL:     cfg.BaseURL,
			HTTP:        &http.Client{Transport: &lwaTransport{src: src, base: http.DefaultTransport}},
			Limiter:     marketplace.NewLimiter(cfg.RatePerSec, cfg.Burst),
			Timeout:     cfg.Timeout,
			Log:         log,
		},
	}
}

func (a *Adapter) Name() model.Marketplace { return model.Amazon }

func (a *Adapter) itemPath(sku string) string {
	q := url.Values{"marketplaceIds": {a.cfg.MarketplaceID}}
	return listingsPath + url.PathEscape(a.cfg.SellerID) + "/" + url.PathEscape(sku) + "?" + q.Encode()
}

func skuFor(rec model.MarketplaceRecord) string {
	if sku := rec.RemoteIDs[model.RoleSKU]; sku != "" {
		return sku
	}
	return marketplace.SKU(rec.ProductID)
}

func (a *Adapter) CreateOrUpdateListing(ctx context.Context, p model.Product, rec model.MarketplaceRecord, price model.Money) marketplace.Outcome {
	if a.cfg.SellerID == "" {
		return marketplace.Permanent("missing_seller_id", "AMAZON_SELLER_ID is not configured")
	}
	rec.ProductID = p.ID
	sku := skuFor(rec)
	resp, o := a.client.Do(ctx, marketplace.Call{
		ProductID: p.ID,
		Name:      "put_listings_item",
		Method:    http.MethodPut,
		Path:      a.itemPath(sku),
		Body:      a.newListing(p, price),
	})
	return a.submission(resp, o, sku)
}

func (a *Adapter) UpdatePrice(ctx context.Context, rec model.MarketplaceRecord, price model.Money) marketplace.Outcome {
	if a.cfg.SellerID == "" {
		return marketplace.Permanent("missing_seller_id", "AMAZON_SELLER_ID is not configured")
	}
	sku := skuFor(rec)
	resp, o := a.client.Do(ctx, marketplace.Call{
		ProductID: rec.ProductID,
		Name:      "patch_listings_item",
		Method:    http.MethodPatch,
		Path:      a.itemPath(sku),
		Body: listingPatch{
			ProductType: a.cfg.ProductType,
			Patches: []patch{{
				Op:    "replace",
				Path:  "/attributes/purchasable_offer",
				Value: a.purchasableOffer(price),
			}},
		},
	})
	return a.submission(resp, o, sku)
}

func (a *Adapter) Delist(ctx context.Context, rec model.MarketplaceRecord) marketplace.Outcome {
	if a.cfg.SellerID == "" {
		return marketplace.Permanent("missing_seller_id", "AMAZON_SELLER_ID is not configured")
	}
	sku := skuFor(rec)
	resp, o := a.client.Do(ctx, marketplace.Call{
		ProductID: rec.ProductID,
		Name:      "delete_listings_item",
		Method:    http.MethodDelete,
		Path:      a.itemPath(sku),
		Success:   []int{http.StatusNotFound},
	})
	if o.OK() && resp.StatusCode == http.StatusNotFound {
		return marketplace.Success(map[string]string{model.RoleSKU: sku})
	}
	return a.submission(resp, o, sku)
}

// ListingStatus reads the listings item with its summaries and offers. The
// listing is active once the summary for the configured marketplace is
// BUYABLE; the summary also carries the ASIN Amazon matched the SKU to.
func (a *Adapter) ListingStatus(ctx context.Context, rec model.MarketplaceRecord) (marketplace.ListingStatus, marketplace.Outcome) {
	if a.cfg.SellerID == "" {
		return marketplace.ListingStatus{}, marketplace.Permanent("missing_seller_id", "AMAZON_SELLER_ID is not configured")
	}
	sku := skuFor(rec)
	resp, o := a.client.Do(ctx, marketplace.Call{
		ProductID: rec.ProductID,
		Name:      "get_listings_item",
		Method:    http.MethodGet,
		Path:      a.itemPath(sku) + "&includedData=summaries,offers",
		Success:   []int{http.StatusNotFound},
	})
	if !o.OK() {
		return marketplace.ListingStatus{}, a.submission(resp, o, sku)
	}
	if resp.StatusCode == http.StatusNotFound {
		return marketplace.ListingStatus{State: marketplace.RemoteEnded}, o
	}
	var item listingItem
	if err := resp.Decode(&item); err != nil {
		return marketplace.ListingStatus{}, marketplace.Transient("decode_failed", err.Error())
	}
	st := marketplace.ListingStatus{State: marketplace.RemoteInactive, RemoteIDs: map[string]string{model.RoleSKU: sku}}
	for _, sum := range item.Summaries {
		if sum.MarketplaceID != a.cfg.MarketplaceID {
			continue
		}
		if sum.ASIN != "" {
			st.RemoteIDs[model.RoleASIN] = sum.ASIN
		}
		if slices.Contains(sum.Status, "BUYABLE") {
			st.State = marketplace.RemoteActive
		}
	}
	for _, off := range item.Offers {
		if off.MarketplaceID != a.cfg.MarketplaceID || off.OfferType != "B2C" {
			continue
		}
		if m, err := model.NewMoney(off.Price.Amount.String(), off.Price.CurrencyCode); err == nil {
			st.Price = m.Ptr()
		}
	}
	return st, marketplace.Success(st.RemoteIDs)
}

// submission interprets a Listings Items submission response. A 200 with
// status INVALID is a permanent rejection of the payload.
func (a *Adapter) submission(resp marketplace.Response, o marketplace.Outcome, sku string) marketplace.Outcome {
	ids := map[string]string{model.RoleSKU: sku}
	if !o.OK() {
		var body errorBody
		if resp.Decode(&body) == nil && len(body.Errors) > 0 {
			o.Reason.Code = "amazon_" + body.Errors[0].Code
			o.Reason.Message = body.Errors[0].Message
		}
		return o.WithIDs(ids)
	}
	var sub submissionResponse
	if err := resp.Decode(&sub); err != nil {
		return marketplace.Transient("decode_failed", err.Error()).WithIDs(ids)
	}
	ids[model.RoleSubmission] = sub.SubmissionID
	if sub.Status == statusInvalid {
		var msgs []string
		for _, is := range sub.Issues {
			if is.Severity == "ERROR" {
				msgs = append(msgs, is.Code+": "+is.Message)
			}
		}
		return marketplace.Permanent("amazon_invalid", strings.Join(msgs, "; ")).WithIDs(ids)
	}
	return marketplace.Success(ids)
}

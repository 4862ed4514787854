// Package ebay implements the marketplace adapter for the eBay Sell Inventory API.
//
// A listing is three calls: upsert the inventory item keyed by SKU, create or
// update the offer for that SKU, then publish the offer. Identifiers obtained
// by earlier steps are returned even when a later step fails, so a retry
// continues from the existing offer instead of creating a second one.
package ebay

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/fairyhunter13/marketplace-sync-engine/internal/marketplace"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/model"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/store"
)

const (
	ProductionAPIBaseURL = "https://api.ebay.com"
	ProductionTokenURL   = "https://api.ebay.com/identity/v1/oauth2/token"
	SandboxAPIBaseURL    = "https://api.sandbox.ebay.com"
	SandboxTokenURL      = "https://api.sandbox.ebay.com/identity/v1/oauth2/token"

	inventoryScope = "https://api.ebay.com/oauth/api_scope/sell.inventory"
	marketplaceID  = "EBAY_US"
	inventoryPath  = "/sell/inventory/v1"

	errOfferExists = 25002
	maxTitleLen    = 80
)

// Config holds the credentials and business policies of one eBay seller account.
type Config struct {
	BaseURL      string
	TokenURL     string
	Sandbox      bool
	ClientID     string
	ClientSecret string
	RefreshToken string

	FulfillmentPolicyID string
	PaymentPolicyID     string
	ReturnPolicyID      string
	MerchantLocationKey string
	CategoryID          string

	Timeout    time.Duration
	RatePerSec float64
	Burst      int
}

// Adapter is the eBay marketplace adapter.
type Adapter struct {
	cfg    Config
	client *marketplace.Client
}

// New builds an adapter that refreshes its user access token from
// cfg.RefreshToken and audits every call into log.
func New(cfg Config, log store.RequestLog) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = ProductionAPIBaseURL
		if cfg.Sandbox {
			cfg.BaseURL = SandboxAPIBaseURL
		}
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = ProductionTokenURL
		if cfg.Sandbox {
			cfg.TokenURL = SandboxTokenURL
		}
	}
	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       []string{inventoryScope},
		Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL, AuthStyle: oauth2.AuthStyleInHeader},
	}
	ts := oc.TokenSource(context.Background(), &oauth2.Token{RefreshToken: cfg.RefreshToken})
	return &Adapter{
		cfg: cfg,
		client: &marketplace.Client{
			Marketplace: model.EBay,
			BaseURL:     cfg.BaseURL,
			HTTP:        oauth2.NewClient(context.Background(), ts),
			Limiter:     marketplace.NewLimiter(cfg.RatePerSec, cfg.Burst),
			Timeout:     cfg.Timeout,
			Log:         log,
		},
	}
}

func (a *Adapter) Name() model.Marketplace { return model.EBay }

func (a *Adapter) CreateOrUpdateListing(ctx context.Context, p model.Product, rec model.MarketplaceRecord, price model.Money) marketplace.Outcome {
	sku := rec.RemoteIDs[model.RoleSKU]
	if sku == "" {
		sku = marketplace.SKU(p.ID)
	}
	ids := map[string]string{model.RoleSKU: sku}

	resp, o := a.client.Do(ctx, marketplace.Call{
		ProductID: p.ID,
		Name:      "put_inventory_item",
		Method:    http.MethodPut,
		Path:      inventoryPath + "/inventory_item/" + url.PathEscape(sku),
		Body:      newInventoryItem(p),
		Header:    map[string]string{"Content-Language": "en-US"},
	})
	if !o.OK() {
		return refine(resp, o).WithIDs(ids)
	}
	ids[model.RoleInventoryItem] = sku

	offerID, o := a.upsertOffer(ctx, p, sku, rec.RemoteIDs[model.RoleOffer], price)
	ids[model.RoleOffer] = offerID
	if !o.OK() {
		return o.WithIDs(ids)
	}

	resp, o = a.client.Do(ctx, marketplace.Call{
		ProductID: p.ID,
		Name:      "publish_offer",
		Method:    http.MethodPost,
		Path:      inventoryPath + "/offer/" + url.PathEscape(offerID) + "/publish",
	})
	if !o.OK() {
		return refine(resp, o).WithIDs(ids)
	}
	var published struct {
		ListingID string `json:"listingId"`
	}
	if err := resp.Decode(&published); err != nil {
		return marketplace.Transient("decode_failed", err.Error()).WithIDs(ids)
	}
	ids[model.RoleListing] = published.ListingID
	return marketplace.Success(ids)
}

// upsertOffer returns the offer id for sku, updating an existing offer in
// place and creating one only when none is known to exist.
func (a *Adapter) upsertOffer(ctx context.Context, p model.Product, sku, offerID string, price model.Money) (string, marketplace.Outcome) {
	body := a.newOffer(p, sku, price)
	if offerID != "" {
		resp, o := a.updateOffer(ctx, p.ID, offerID, body)
		if o.OK() || o.Reason.Code != "not_found" {
			return offerID, refine(resp, o)
		}
		offerID = ""
	}

	resp, o := a.client.Do(ctx, marketplace.Call{
		ProductID: p.ID,
		Name:      "create_offer",
		Method:    http.MethodPost,
		Path:      inventoryPath + "/offer",
		Body:      body,
		Header:    map[string]string{"Content-Language": "en-US"},
	})
	if o.OK() {
		var created struct {
			OfferID string `json:"offerId"`
		}
		if err := resp.Decode(&created); err != nil || created.OfferID == "" {
			return "", marketplace.Transient("decode_failed", "create_offer returned no offerId")
		}
		return created.OfferID, o
	}

	e, exists := parseErrors(resp.Body).find(errOfferExists)
	if !exists {
		return "", refine(resp, o)
	}
	offerID = e.param("offerId")
	if offerID == "" {
		var lo marketplace.Outcome
		offerID, lo = a.lookupOffer(ctx, p.ID, sku)
		if !lo.OK() {
			return "", lo
		}
	}
	resp, o = a.updateOffer(ctx, p.ID, offerID, body)
	return offerID, refine(resp, o)
}

func (a *Adapter) updateOffer(ctx context.Context, productID, offerID string, body offer) (marketplace.Response, marketplace.Outcome) {
	return a.client.Do(ctx, marketplace.Call{
		ProductID: productID,
		Name:      "update_offer",
		Method:    http.MethodPut,
		Path:      inventoryPath + "/offer/" + url.PathEscape(offerID),
		Body:      body,
		Header:    map[string]string{"Content-Language": "en-US"},
	})
}

func (a *Adapter) lookupOffer(ctx context.Context, productID, sku string) (string, marketplace.Outcome) {
	q := url.Values{"sku": {sku}, "marketplace_id": {marketplaceID}}
	resp, o := a.client.Do(ctx, marketplace.Call{
		ProductID: productID,
		Name:      "get_offers",
		Method:    http.MethodGet,
		Path:      inventoryPath + "/offer?" + q.Encode(),
	})
	if !o.OK() {
		return "", refine(resp, o)
	}
	var list struct {
		Offers []struct {
			OfferID string `json:"offerId"`
		} `json:"offers"`
	}
	if err := resp.Decode(&list); err != nil || len(list.Offers) == 0 {
		return "", marketplace.Transient("offer_lookup_failed", "existing offer not returned for "+sku)
	}
	return list.Offers[0].OfferID, o
}

func (a *Adapter) UpdatePrice(ctx context.Context, rec model.MarketplaceRecord, price model.Money) marketplace.Outcome {
	offerID := rec.RemoteIDs[model.RoleOffer]
	if offerID == "" {
		return marketplace.Permanent("missing_offer", "record has no eBay offer id")
	}
	sku := rec.RemoteIDs[model.RoleSKU]
	if sku == "" {
		sku = marketplace.SKU(rec.ProductID)
	}
	body := bulkPriceRequest{Requests: []priceQuantity{{
		SKU:    sku,
		Offers: []offerPrice{{OfferID: offerID, AvailableQuantity: 1, Price: newAmount(price)}},
	}}}
	resp, o := a.client.Do(ctx, marketplace.Call{
		ProductID: rec.ProductID,
		Name:      "bulk_update_price_quantity",
		Method:    http.MethodPost,
		Path:      inventoryPath + "/bulk_update_price_quantity",
		Body:      body,
	})
	if !o.OK() {
		return refine(resp, o)
	}
	var result struct {
		Responses []struct {
			OfferID    string     `json:"offerId"`
			StatusCode int        `json:"statusCode"`
			Errors     []apiError `json:"errors"`
		} `json:"responses"`
	}
	if err := resp.Decode(&result); err != nil {
		return marketplace.Transient("decode_failed", err.Error())
	}
	for _, r := range result.Responses {
		if r.OfferID != offerID || r.StatusCode/100 == 2 {
			continue
		}
		item := marketplace.Classify(r.StatusCode, nil, nil)
		if len(r.Errors) > 0 {
			item.Reason.Code = "ebay_" + strconv.Itoa(r.Errors[0].ErrorID)
			item.Reason.Message = r.Errors[0].Message
		}
		return item
	}
	return marketplace.Success(map[string]string{model.RoleOffer: offerID})
}

func (a *Adapter) Delist(ctx context.Context, rec model.MarketplaceRecord) marketplace.Outcome {
	offerID := rec.RemoteIDs[model.RoleOffer]
	if offerID == "" {
		// nothing was ever published
		return marketplace.Success(nil)
	}
	resp, o := a.client.Do(ctx, marketplace.Call{
		ProductID: rec.ProductID,
		Name:      "withdraw_offer",
		Method:    http.MethodPost,
		Path:      inventoryPath + "/offer/" + url.PathEscape(offerID) + "/withdraw",
		Success:   []int{http.StatusNotFound},
	})
	return refine(resp, o)
}

// ListingStatus reads the offer behind rec. A withdrawn offer or one eBay no
// longer knows counts as ended.
func (a *Adapter) ListingStatus(ctx context.Context, rec model.MarketplaceRecord) (marketplace.ListingStatus, marketplace.Outcome) {
	offerID := rec.RemoteIDs[model.RoleOffer]
	if offerID == "" {
		return marketplace.ListingStatus{}, marketplace.Permanent("missing_offer", "record has no eBay offer id")
	}
	resp, o := a.client.Do(ctx, marketplace.Call{
		ProductID: rec.ProductID,
		Name:      "get_offer",
		Method:    http.MethodGet,
		Path:      inventoryPath + "/offer/" + url.PathEscape(offerID),
		Success:   []int{http.StatusNotFound},
	})
	if !o.OK() {
		return marketplace.ListingStatus{}, refine(resp, o)
	}
	if resp.StatusCode == http.StatusNotFound {
		return marketplace.ListingStatus{State: marketplace.RemoteEnded}, o
	}
	var got offerStatus
	if err := resp.Decode(&got); err != nil {
		return marketplace.ListingStatus{}, marketplace.Transient("decode_failed", err.Error())
	}
	st := marketplace.ListingStatus{
		State:     got.remoteState(),
		RemoteIDs: map[string]string{model.RoleOffer: offerID},
	}
	if got.SKU != "" {
		st.RemoteIDs[model.RoleSKU] = got.SKU
	}
	if got.Listing.ListingID != "" {
		st.RemoteIDs[model.RoleListing] = got.Listing.ListingID
	}
	if p := got.PricingSummary.Price; p.Value != "" {
		if m, err := model.NewMoney(p.Value, p.Currency); err == nil {
			st.Price = m.Ptr()
		}
	}
	return st, marketplace.Success(st.RemoteIDs)
}

// refine replaces the generic reason of a failed outcome with the first eBay
// error in the response body, keeping the classification.
func refine(resp marketplace.Response, o marketplace.Outcome) marketplace.Outcome {
	if o.OK() {
		return o
	}
	errs := parseErrors(resp.Body)
	if len(errs.Errors) == 0 {
		return o
	}
	e := errs.Errors[0]
	o.Reason.Code = "ebay_" + strconv.Itoa(e.ErrorID)
	o.Reason.Message = e.Message
	if e.LongMessage != "" {
		o.Reason.Message = fmt.Sprintf("%s: %s", e.Message, e.LongMessage)
	}
	return o
}

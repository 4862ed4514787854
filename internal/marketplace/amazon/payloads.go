package amazon

import (
	"encoding/json"

	"github.com/fairyhunter13/marketplace-sync-engine/internal/model"
)

var conditions = map[model.Condition]string{
	model.ConditionNew:       "new_new",
	model.ConditionLikeNew:   "used_like_new",
	model.ConditionExcellent: "used_like_new",
	model.ConditionGood:      "used_good",
	model.ConditionFair:      "used_acceptable",
	model.ConditionPoor:      "used_acceptable",
}

// ConditionFor maps a product condition onto the SP-API condition_type value.
func ConditionFor(c model.Condition) string {
	if v, ok := conditions[c]; ok {
		return v
	}
	return "new_new"
}

type attrValue struct {
	Value         any    `json:"value"`
	MarketplaceID string `json:"marketplace_id,omitempty"`
	LanguageTag   string `json:"language_tag,omitempty"`
}

type priceSchedule struct {
	ValueWithTax string `json:"value_with_tax"`
}

type scheduledPrice struct {
	Schedule []priceSchedule `json:"schedule"`
}

type offerAttr struct {
	Currency      string           `json:"currency"`
	OurPrice      []scheduledPrice `json:"our_price"`
	MarketplaceID string           `json:"marketplace_id"`
}

type availabilityAttr struct {
	FulfillmentChannelCode string `json:"fulfillment_channel_code"`
	Quantity               int    `json:"quantity"`
}

type listing struct {
	ProductType  string         `json:"productType"`
	Requirements string         `json:"requirements"`
	Attributes   map[string]any `json:"attributes"`
}

func (a *Adapter) purchasableOffer(price model.Money) []offerAttr {
	sp := scheduledPrice{Schedule: []priceSchedule{{ValueWithTax: price.StringFixed()}}}
	return []offerAttr{{Currency: price.Currency, OurPrice: []scheduledPrice{sp}, MarketplaceID: a.cfg.MarketplaceID}}
}

func (a *Adapter) newListing(p model.Product, price model.Money) listing {
	mid := a.cfg.MarketplaceID
	attrs := map[string]any{
		"condition_type":           []attrValue{{Value: ConditionFor(p.Condition), MarketplaceID: mid}},
		"item_name":                []attrValue{{Value: p.Title, MarketplaceID: mid, LanguageTag: "en_US"}},
		"purchasable_offer":        a.purchasableOffer(price),
		"fulfillment_availability": []availabilityAttr{{FulfillmentChannelCode: "DEFAULT", Quantity: 1}},
	}
	if p.Description != "" {
		attrs["product_description"] = []attrValue{{Value: p.Description, MarketplaceID: mid, LanguageTag: "en_US"}}
	}
	return listing{ProductType: a.cfg.ProductType, Requirements: "LISTING_OFFER_ONLY", Attributes: attrs}
}

type patch struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value"`
}

type listingPatch struct {
	ProductType string  `json:"productType"`
	Patches     []patch `json:"patches"`
}

type issue struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

type submissionResponse struct {
	SKU          string  `json:"sku"`
	Status       string  `json:"status"`
	SubmissionID string  `json:"submissionId"`
	Issues       []issue `json:"issues"`
}

type errorBody struct {
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// listingItem is the getListingsItem response with summaries and offers.
type listingItem struct {
	SKU       string `json:"sku"`
	Summaries []struct {
		MarketplaceID string   `json:"marketplaceId"`
		ASIN          string   `json:"asin"`
		Status        []string `json:"status"`
	} `json:"summaries"`
	Offers []struct {
		MarketplaceID string `json:"marketplaceId"`
		OfferType     string `json:"offerType"`
		Price         struct {
			CurrencyCode string      `json:"currencyCode"`
			Amount       json.Number `json:"amount"`
		} `json:"price"`
	} `json:"offers"`
}

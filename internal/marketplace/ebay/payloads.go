package ebay

import (
	"encoding/json"

	"github.com/fairyhunter13/marketplace-sync-engine/internal/marketplace"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/model"
)

var conditions = map[model.Condition]string{
	model.ConditionNew:       "NEW",
	model.ConditionLikeNew:   "NEW",
	model.ConditionExcellent: "USED_EXCELLENT",
	model.ConditionGood:      "USED_GOOD",
	model.ConditionFair:      "USED_ACCEPTABLE",
	model.ConditionPoor:      "FOR_PARTS_OR_NOT_WORKING",
}

// ConditionFor maps a product condition onto the eBay condition enum.
func ConditionFor(c model.Condition) string {
	if v, ok := conditions[c]; ok {
		return v
	}
	return "USED_EXCELLENT"
}

type amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

func newAmount(m model.Money) amount {
	return amount{Value: m.StringFixed(), Currency: m.Currency}
}

type inventoryItem struct {
	Availability struct {
		ShipToLocationAvailability struct {
			Quantity int `json:"quantity"`
		} `json:"shipToLocationAvailability"`
	} `json:"availability"`
	Condition string `json:"condition"`
	Product   struct {
		Title       string   `json:"title"`
		Description string   `json:"description,omitempty"`
		ImageURLs   []string `json:"imageUrls,omitempty"`
	} `json:"product"`
}

func newInventoryItem(p model.Product) inventoryItem {
	var it inventoryItem
	it.Availability.ShipToLocationAvailability.Quantity = 1
	it.Condition = ConditionFor(p.Condition)
	it.Product.Title = p.Title
	if r := []rune(p.Title); len(r) > maxTitleLen {
		it.Product.Title = string(r[:maxTitleLen])
	}
	it.Product.Description = p.Description
	it.Product.ImageURLs = p.ImageURLs
	return it
}

type listingPolicies struct {
	FulfillmentPolicyID string `json:"fulfillmentPolicyId,omitempty"`
	PaymentPolicyID     string `json:"paymentPolicyId,omitempty"`
	ReturnPolicyID      string `json:"returnPolicyId,omitempty"`
}

type offer struct {
	SKU                 string          `json:"sku"`
	MarketplaceID       string          `json:"marketplaceId"`
	Format              string          `json:"format"`
	AvailableQuantity   int             `json:"availableQuantity"`
	CategoryID          string          `json:"categoryId,omitempty"`
	ListingDescription  string          `json:"listingDescription,omitempty"`
	ListingDuration     string          `json:"listingDuration"`
	ListingPolicies     listingPolicies `json:"listingPolicies"`
	MerchantLocationKey string          `json:"merchantLocationKey,omitempty"`
	PricingSummary      struct {
		Price amount `json:"price"`
	} `json:"pricingSummary"`
}

func (a *Adapter) newOffer(p model.Product, sku string, price model.Money) offer {
	o := offer{
		SKU:                 sku,
		MarketplaceID:       marketplaceID,
		Format:              "FIXED_PRICE",
		AvailableQuantity:   1,
		CategoryID:          a.cfg.CategoryID,
		ListingDescription:  p.Description,
		ListingDuration:     "GTC",
		MerchantLocationKey: a.cfg.MerchantLocationKey,
		ListingPolicies: listingPolicies{
			FulfillmentPolicyID: a.cfg.FulfillmentPolicyID,
			PaymentPolicyID:     a.cfg.PaymentPolicyID,
			ReturnPolicyID:      a.cfg.ReturnPolicyID,
		},
	}
	o.PricingSummary.Price = newAmount(price)
	return o
}

type offerPrice struct {
	OfferID           string `json:"offerId"`
	AvailableQuantity int    `json:"availableQuantity"`
	Price             amount `json:"price"`
}

type priceQuantity struct {
	SKU    string       `json:"sku"`
	Offers []offerPrice `json:"offers"`
}

type bulkPriceRequest struct {
	Requests []priceQuantity `json:"requests"`
}

// offerStatus is the subset of a getOffer response the status read uses.
type offerStatus struct {
	OfferID string `json:"offerId"`
	SKU     string `json:"sku"`
	Status  string `json:"status"`
	Listing struct {
		ListingID     string `json:"listingId"`
		ListingStatus string `json:"listingStatus"`
	} `json:"listing"`
	PricingSummary struct {
		Price amount `json:"price"`
	} `json:"pricingSummary"`
}

func (o offerStatus) remoteState() marketplace.RemoteState {
	if o.Status != "PUBLISHED" {
		return marketplace.RemoteEnded
	}
	switch o.Listing.ListingStatus {
	case "ENDED":
		return marketplace.RemoteEnded
	case "OUT_OF_STOCK", "INACTIVE", "ON_HOLD":
		return marketplace.RemoteInactive
	default:
		return marketplace.RemoteActive
	}
}

type apiError struct {
	ErrorID     int    `json:"errorId"`
	Domain      string `json:"domain"`
	Category    string `json:"category"`
	Message     string `json:"message"`
	LongMessage string `json:"longMessage"`
	Parameters  []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"parameters"`
}

func (e apiError) param(name string) string {
	for _, p := range e.Parameters {
		if p.Name == name {
			return p.Value
		}
	}
	return ""
}

type errorBody struct {
	Errors []apiError `json:"errors"`
}

func parseErrors(b []byte) errorBody {
	var body errorBody
	_ = json.Unmarshal(b, &body)
	return body
}

func (b errorBody) find(id int) (apiError, bool) {
	for _, e := range b.Errors {
		if e.ErrorID == id {
			return e, true
		}
	}
	return apiError{}, false
}

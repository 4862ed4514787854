// Package model defines domain types used by the service.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Marketplace identifies an external marketplace.
type Marketplace string

const (
	EBay   Marketplace = "EBAY"
	Amazon Marketplace = "AMAZON"
)

// ParseMarketplace normalizes s into a known Marketplace.
func ParseMarketplace(s string) (Marketplace, error) {
	switch m := Marketplace(strings.ToUpper(strings.TrimSpace(s))); m {
	case EBay, Amazon:
		return m, nil
	default:
		return "", fmt.Errorf("unknown marketplace %q", s)
	}
}

// LifecycleState is the product-level aggregate state.
type LifecycleState string

const (
	StatePending         LifecycleState = "PENDING"
	StateApproved        LifecycleState = "APPROVED"
	StateRejected        LifecycleState = "REJECTED"
	StateListing         LifecycleState = "LISTING"
	StateListed          LifecycleState = "LISTED"
	StatePartiallyListed LifecycleState = "PARTIALLY_LISTED"
	StateSold            LifecycleState = "SOLD"
	StateDelisted        LifecycleState = "DELISTED"
)

// Condition is the seller-declared item condition.
type Condition string

const (
	ConditionNew       Condition = "NEW"
	ConditionLikeNew   Condition = "LIKE_NEW"
	ConditionExcellent Condition = "EXCELLENT"
	ConditionGood      Condition = "GOOD"
	ConditionFair      Condition = "FAIR"
	ConditionPoor      Condition = "POOR"
)

// Valid reports whether c is a known condition.
func (c Condition) Valid() bool {
	switch c {
	case ConditionNew, ConditionLikeNew, ConditionExcellent, ConditionGood, ConditionFair, ConditionPoor:
		return true
	}
	return false
}

// PriceEstimate is the opaque output of the pricing service, recorded at submission.
type PriceEstimate struct {
	Price      Money  `json:"price"`
	Confidence string `json:"confidence"`
	Min        Money  `json:"min"`
	Max        Money  `json:"max"`
}

// Product is a seller submission and its listing lifecycle.
//
// Decision holds the operator verdict (PENDING, APPROVED or REJECTED). State is
// the aggregate computed from Decision and the product's marketplace records;
// it is written in the same commit as the records it was derived from.
type Product struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Condition   Condition      `json:"condition"`
	ImageURLs   []string       `json:"image_urls,omitempty"`
	Estimate    *PriceEstimate `json:"estimate,omitempty"`

	Decision      LifecycleState `json:"decision"`
	State         LifecycleState `json:"lifecycle_state"`
	ApprovedPrice Money          `json:"approved_price"`
	RejectReason  string         `json:"reject_reason,omitempty"`

	SoldMarketplace Marketplace `json:"sold_marketplace,omitempty"`
	SoldPrice       *Money      `json:"sold_price,omitempty"`
	SoldAt          *time.Time  `json:"sold_at,omitempty"`

	// IntentEpoch increases with every accepted intent and is used to detect
	// fan-out results that were overtaken by a newer intent.
	IntentEpoch uint64 `json:"intent_epoch"`
	// Version increases with every ledger commit.
	Version uint64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of p.
func (p Product) Clone() Product {
	c := p
	if p.ImageURLs != nil {
		c.ImageURLs = append([]string(nil), p.ImageURLs...)
	}
	if p.Estimate != nil {
		e := *p.Estimate
		c.Estimate = &e
	}
	if p.SoldPrice != nil {
		sp := *p.SoldPrice
		c.SoldPrice = &sp
	}
	if p.SoldAt != nil {
		at := *p.SoldAt
		c.SoldAt = &at
	}
	return c
}

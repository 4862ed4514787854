package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Money is a currency-tagged decimal amount.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// NewMoney parses amount into a Money value.
func NewMoney(amount, currency string) (Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if currency == "" {
		currency = "USD"
	}
	return Money{Amount: d, Currency: currency}, nil
}

// MustMoney is NewMoney for constants; it panics on malformed input.
func MustMoney(amount, currency string) Money {
	m, err := NewMoney(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// IsZero reports whether m was never set.
func (m Money) IsZero() bool { return m.Currency == "" && m.Amount.IsZero() }

// Equal compares amount and currency; 10 and 10.00 are equal.
func (m Money) Equal(o Money) bool {
	return m.Currency == o.Currency && m.Amount.Equal(o.Amount)
}

// Positive reports whether the amount is strictly greater than zero.
func (m Money) Positive() bool { return m.Amount.IsPositive() }

// StringFixed formats the amount with two decimals, as marketplaces expect.
func (m Money) StringFixed() string { return m.Amount.StringFixed(2) }

func (m Money) String() string { return m.StringFixed() + " " + m.Currency }

// Ptr returns a pointer to a copy of m.
func (m Money) Ptr() *Money { return &m }

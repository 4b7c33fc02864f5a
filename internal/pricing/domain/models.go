// Package domain defines the pricing calculator contract. Pricing is a
// pure computation over configuration: identical inputs always produce
// identical quotes, which is what makes cost previews reproducible.
package domain

import (
	"errors"

	"github.com/shopspring/decimal"
)

type PriceRequest struct {
	Service string `json:"service"`
	Model   string `json:"model"`
	Units   int64  `json:"units"`
	Tier    string `json:"tier"`
}

// Quote is the structured cost breakdown for one consumption event.
type Quote struct {
	ProviderCost decimal.Decimal `json:"provider_cost"`
	MarkupRate   decimal.Decimal `json:"markup_rate"`
	MarkupAmount decimal.Decimal `json:"markup_amount"`
	TotalCost    decimal.Decimal `json:"total_cost"`
	IsFree       bool            `json:"is_free"`
}

type Service interface {
	Price(req PriceRequest) (Quote, error)
	IsFreeModel(model string) bool
	MonthlyAllocation(tier string) (decimal.Decimal, bool)
}

var (
	ErrUnknownModel = errors.New("unknown_model")
	ErrInvalidUnits = errors.New("invalid_units")
)

package service

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/creditrail/creditrail/internal/config"
	pricingdomain "github.com/creditrail/creditrail/internal/pricing/domain"
)

func newPricingService(t *testing.T, cfg config.PricingConfig) pricingdomain.Service {
	t.Helper()
	holder, err := config.NewStaticPricingHolder(cfg)
	require.NoError(t, err)
	return New(Params{Log: zap.NewNop(), Pricing: holder})
}

func defaultPricingService(t *testing.T) pricingdomain.Service {
	return newPricingService(t, config.DefaultPricingConfig())
}

func TestPriceFreeModelIsZero(t *testing.T) {
	svc := defaultPricingService(t)

	quote, err := svc.Price(pricingdomain.PriceRequest{
		Service: "llm",
		Model:   "llama-3.1-70b:free",
		Units:   5_000_000,
	})
	require.NoError(t, err)
	assert.True(t, quote.IsFree)
	assert.True(t, quote.TotalCost.IsZero())
	assert.True(t, quote.ProviderCost.IsZero())
}

func TestPriceFreeModelMatchIsExact(t *testing.T) {
	svc := defaultPricingService(t)

	// "llama-3.1-70b" is not free; only the ":free" variant is.
	_, err := svc.Price(pricingdomain.PriceRequest{
		Service: "llm",
		Model:   "llama-3.1-70b",
		Units:   100,
	})
	assert.ErrorIs(t, err, pricingdomain.ErrUnknownModel)

	assert.True(t, svc.IsFreeModel("LLAMA-3.1-70B:FREE"))
	assert.False(t, svc.IsFreeModel("llama-3.1-70b"))
}

func TestPriceBandedMarkup(t *testing.T) {
	svc := defaultPricingService(t)

	cases := []struct {
		name    string
		service string
		model   string
		units   int64
		total   string
		rate    string
	}{
		// 0.60/M is in the lowest band: 10% markup.
		{"cheap model low band", "llm", "gpt-4o-mini", 1_000_000, "0.66", "0.1"},
		// 6.0/hour-block falls in the middle band: 18% markup.
		{"mid band", "stt", "standard", 3600, "7.08", "0.18"},
		// 30/M is past every ceiling: catch-all 30% markup.
		{"expensive catch-all", "llm", "gpt-4", 1000, "0.039", "0.3"},
		{"claude catch-all", "llm", "claude-sonnet", 2_000_000, "39", "0.3"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			quote, err := svc.Price(pricingdomain.PriceRequest{
				Service: tc.service,
				Model:   tc.model,
				Units:   tc.units,
			})
			require.NoError(t, err)
			assert.False(t, quote.IsFree)
			assert.True(t, quote.TotalCost.Equal(decimal.RequireFromString(tc.total)),
				"total %s, want %s", quote.TotalCost, tc.total)
			assert.True(t, quote.MarkupRate.Equal(decimal.RequireFromString(tc.rate)),
				"rate %s, want %s", quote.MarkupRate, tc.rate)
			assert.True(t, quote.ProviderCost.Add(quote.MarkupAmount).Equal(quote.TotalCost),
				"breakdown must sum to total")
		})
	}
}

func TestPriceBandBoundaryIsExclusive(t *testing.T) {
	ceiling := 1.0
	svc := newPricingService(t, config.PricingConfig{
		MarkupBands: []config.MarkupBand{
			{MaxUnitCost: &ceiling, Rate: 0.10},
			{Rate: 0.30},
		},
		ProviderRates: []config.ProviderRate{
			{Service: "llm", Model: "edge", UnitCost: 1.0, BlockSize: 1000},
		},
	})

	// A unit cost exactly at the ceiling belongs to the next band.
	quote, err := svc.Price(pricingdomain.PriceRequest{Service: "llm", Model: "edge", Units: 1000})
	require.NoError(t, err)
	assert.True(t, quote.MarkupRate.Equal(decimal.RequireFromString("0.3")))
}

func TestPriceDeterministic(t *testing.T) {
	svc := defaultPricingService(t)
	req := pricingdomain.PriceRequest{Service: "llm", Model: "gpt-4", Units: 123_457}

	first, err := svc.Price(req)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := svc.Price(req)
		require.NoError(t, err)
		assert.True(t, first.TotalCost.Equal(again.TotalCost))
		assert.True(t, first.ProviderCost.Equal(again.ProviderCost))
	}
}

func TestPriceZeroUnits(t *testing.T) {
	svc := defaultPricingService(t)

	quote, err := svc.Price(pricingdomain.PriceRequest{Service: "llm", Model: "gpt-4", Units: 0})
	require.NoError(t, err)
	assert.False(t, quote.IsFree)
	assert.True(t, quote.TotalCost.IsZero())
}

func TestPriceValidation(t *testing.T) {
	svc := defaultPricingService(t)

	_, err := svc.Price(pricingdomain.PriceRequest{Service: "llm", Model: "gpt-4", Units: -1})
	assert.ErrorIs(t, err, pricingdomain.ErrInvalidUnits)

	_, err = svc.Price(pricingdomain.PriceRequest{Service: "llm", Model: "nonexistent", Units: 10})
	assert.ErrorIs(t, err, pricingdomain.ErrUnknownModel)
}

func TestMonthlyAllocation(t *testing.T) {
	svc := defaultPricingService(t)

	allocation, ok := svc.MonthlyAllocation("Pro")
	require.True(t, ok)
	assert.True(t, allocation.Equal(decimal.NewFromInt(100)))

	_, ok = svc.MonthlyAllocation("enterprise")
	assert.False(t, ok)
}

package service

import (
	"strings"

	"github.com/creditrail/creditrail/internal/config"
	creditdomain "github.com/creditrail/creditrail/internal/credit/domain"
	pricingdomain "github.com/creditrail/creditrail/internal/pricing/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log     *zap.Logger
	Pricing *config.PricingConfigHolder
}

type Service struct {
	log     *zap.Logger
	pricing *config.PricingConfigHolder
}

func New(p Params) pricingdomain.Service {
	return &Service{
		log:     p.Log.Named("pricing.service"),
		pricing: p.Pricing,
	}
}

// Price computes the charge for a consumption event. Free-tier models quote
// zero regardless of units. Paid models take the provider cost plus a
// banded markup; the result is rounded half-up to ledger precision once,
// at the end.
func (s *Service) Price(req pricingdomain.PriceRequest) (pricingdomain.Quote, error) {
	if req.Units < 0 {
		return pricingdomain.Quote{}, pricingdomain.ErrInvalidUnits
	}

	model := normalizeModel(req.Model)
	cfg := s.pricing.Get()

	if containsModel(cfg.FreeModels, model) {
		return pricingdomain.Quote{
			ProviderCost: decimal.Zero,
			MarkupRate:   decimal.Zero,
			MarkupAmount: decimal.Zero,
			TotalCost:    decimal.Zero,
			IsFree:       true,
		}, nil
	}

	rate, ok := lookupRate(cfg.ProviderRates, req.Service, model)
	if !ok {
		return pricingdomain.Quote{}, pricingdomain.ErrUnknownModel
	}

	unitCost := decimal.NewFromFloat(rate.UnitCost)
	providerCost := unitCost.
		Mul(decimal.NewFromInt(req.Units)).
		Div(decimal.NewFromInt(rate.BlockSize))

	markupRate := bandRate(cfg.MarkupBands, rate.UnitCost)
	markupAmount := providerCost.Mul(markupRate)
	total := creditdomain.Round(providerCost.Add(markupAmount))
	providerCost = creditdomain.Round(providerCost)

	return pricingdomain.Quote{
		ProviderCost: providerCost,
		MarkupRate:   markupRate,
		MarkupAmount: total.Sub(providerCost),
		TotalCost:    total,
		IsFree:       false,
	}, nil
}

func (s *Service) IsFreeModel(model string) bool {
	return containsModel(s.pricing.Get().FreeModels, normalizeModel(model))
}

func (s *Service) MonthlyAllocation(tier string) (decimal.Decimal, bool) {
	allocation, ok := s.pricing.Get().TierAllocations[strings.ToLower(strings.TrimSpace(tier))]
	if !ok {
		return decimal.Zero, false
	}
	return creditdomain.Round(decimal.NewFromFloat(allocation)), true
}

// bandRate picks the markup rate for a provider unit cost from the ordered
// band table. The final catch-all band always matches.
func bandRate(bands []config.MarkupBand, unitCost float64) decimal.Decimal {
	for _, band := range bands {
		if band.MaxUnitCost == nil || unitCost < *band.MaxUnitCost {
			return decimal.NewFromFloat(band.Rate)
		}
	}
	return decimal.Zero
}

func lookupRate(rates []config.ProviderRate, service, model string) (config.ProviderRate, bool) {
	service = strings.ToLower(strings.TrimSpace(service))
	for _, rate := range rates {
		if strings.ToLower(strings.TrimSpace(rate.Service)) == service &&
			normalizeModel(rate.Model) == model {
			return rate, true
		}
	}
	return config.ProviderRate{}, false
}

// containsModel is an exact membership test on normalized identifiers,
// never a substring match.
func containsModel(models []string, model string) bool {
	for _, candidate := range models {
		if normalizeModel(candidate) == model {
			return true
		}
	}
	return false
}

func normalizeModel(model string) string {
	return strings.ToLower(strings.TrimSpace(model))
}

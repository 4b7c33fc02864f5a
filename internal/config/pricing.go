package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// MarkupBand maps a provider unit-cost ceiling to a markup rate. A band
// without a ceiling is the catch-all and must come last.
type MarkupBand struct {
	MaxUnitCost *float64 `mapstructure:"maxUnitCost"`
	Rate        float64  `mapstructure:"rate"`
}

// ProviderRate is the provider's cost for one unit block of a model.
type ProviderRate struct {
	Service   string  `mapstructure:"service"`
	Model     string  `mapstructure:"model"`
	UnitCost  float64 `mapstructure:"unitCost"`
	BlockSize int64   `mapstructure:"blockSize"`
}

// PricingConfig is the tunable pricing surface: free-model membership,
// markup bands, provider rates, and per-tier monthly allocations. External
// provider balance syncs feed this config asynchronously; nothing here is
// consulted inside the deduction transaction itself.
type PricingConfig struct {
	FreeModels      []string           `mapstructure:"freeModels"`
	MarkupBands     []MarkupBand       `mapstructure:"markupBands"`
	ProviderRates   []ProviderRate     `mapstructure:"providerRates"`
	TierAllocations map[string]float64 `mapstructure:"tierAllocations"`
}

func DefaultPricingConfig() PricingConfig {
	return PricingConfig{
		FreeModels: []string{
			"llama-3.1-70b:free",
			"llama-3.1-8b:free",
			"mistral-7b:free",
		},
		MarkupBands: []MarkupBand{
			{MaxUnitCost: floatPtr(1.0), Rate: 0.10},
			{MaxUnitCost: floatPtr(10.0), Rate: 0.18},
			{Rate: 0.30},
		},
		ProviderRates: []ProviderRate{
			{Service: "llm", Model: "gpt-4", UnitCost: 30.0, BlockSize: 1_000_000},
			{Service: "llm", Model: "gpt-4o-mini", UnitCost: 0.60, BlockSize: 1_000_000},
			{Service: "llm", Model: "claude-sonnet", UnitCost: 15.0, BlockSize: 1_000_000},
			{Service: "tts", Model: "standard", UnitCost: 4.0, BlockSize: 1_000_000},
			{Service: "stt", Model: "standard", UnitCost: 6.0, BlockSize: 3600},
			{Service: "search", Model: "web", UnitCost: 5.0, BlockSize: 1000},
			{Service: "rerank", Model: "standard", UnitCost: 2.0, BlockSize: 1000},
		},
		TierAllocations: map[string]float64{
			"free":    5,
			"starter": 25,
			"pro":     100,
			"scale":   500,
		},
	}
}

func floatPtr(v float64) *float64 { return &v }

// PricingConfigHolder serves the current pricing config and hot-reloads it
// when the backing file changes.
type PricingConfigHolder struct {
	current atomic.Value // holds PricingConfig
}

func NewPricingConfigHolder() (*PricingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("pricing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/creditrail/config")
	v.AddConfigPath("/etc/creditrail")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CREDITRAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := DefaultPricingConfig()
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	} else {
		if err := v.UnmarshalKey("pricing", &cfg); err != nil {
			return nil, err
		}
	}
	if err := validatePricingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &PricingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated := DefaultPricingConfig()
		if err := v.UnmarshalKey("pricing", &updated); err != nil {
			log.Printf("[pricing-config] reload failed: %v", err)
			return
		}
		if err := validatePricingConfig(updated); err != nil {
			log.Printf("[pricing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[pricing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticPricingHolder wraps a fixed config, for tests and embedding.
func NewStaticPricingHolder(cfg PricingConfig) (*PricingConfigHolder, error) {
	if err := validatePricingConfig(cfg); err != nil {
		return nil, err
	}
	holder := &PricingConfigHolder{}
	holder.current.Store(cfg)
	return holder, nil
}

func (h *PricingConfigHolder) Get() PricingConfig {
	return h.current.Load().(PricingConfig)
}

func validatePricingConfig(cfg PricingConfig) error {
	if len(cfg.MarkupBands) == 0 {
		return errors.New("pricing.markupBands cannot be empty")
	}
	last := cfg.MarkupBands[len(cfg.MarkupBands)-1]
	if last.MaxUnitCost != nil {
		return errors.New("pricing.markupBands must end with a catch-all band")
	}
	var prev float64
	for i, band := range cfg.MarkupBands {
		if band.Rate < 0 {
			return errors.New("pricing.markupBands rate cannot be negative")
		}
		if band.MaxUnitCost == nil {
			continue
		}
		if *band.MaxUnitCost <= prev && i > 0 {
			return errors.New("pricing.markupBands must be ordered by ascending maxUnitCost")
		}
		prev = *band.MaxUnitCost
	}
	for _, rate := range cfg.ProviderRates {
		if strings.TrimSpace(rate.Service) == "" || strings.TrimSpace(rate.Model) == "" {
			return errors.New("pricing.providerRates entries need service and model")
		}
		if rate.UnitCost < 0 || rate.BlockSize <= 0 {
			return errors.New("pricing.providerRates entries need non-negative unitCost and positive blockSize")
		}
	}
	return nil
}

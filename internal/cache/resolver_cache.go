package cache

import (
	"strings"
	"time"

	creditdomain "github.com/creditrail/creditrail/internal/credit/domain"
)

const (
	defaultBYOKTTL    = 2 * time.Minute
	defaultBalanceTTL = 5 * time.Second
)

// ResolverCache stores hot-path lookups for usage tracking. Cached
// balances serve read endpoints only; a deduction always re-reads inside
// its own transaction.
type ResolverCache interface {
	GetBYOK(userID, provider string) (bool, bool)
	SetBYOK(userID, provider string, enabled bool)
	InvalidateBYOK(userID, provider string)
	GetBalance(userID string) (*creditdomain.Balance, bool)
	SetBalance(userID string, balance *creditdomain.Balance)
	InvalidateBalance(userID string)
}

type resolverCache struct {
	byok       Cache[string, bool]
	balances   Cache[string, *creditdomain.Balance]
	byokTTL    time.Duration
	balanceTTL time.Duration
}

// NewResolverCache returns an in-memory cache tuned for usage tracking.
func NewResolverCache() ResolverCache {
	return &resolverCache{
		byok:       NewTTLCache[string, bool](),
		balances:   NewTTLCache[string, *creditdomain.Balance](),
		byokTTL:    defaultBYOKTTL,
		balanceTTL: defaultBalanceTTL,
	}
}

func (c *resolverCache) GetBYOK(userID, provider string) (bool, bool) {
	return c.byok.Get(cacheKey(userID, provider))
}

func (c *resolverCache) SetBYOK(userID, provider string, enabled bool) {
	c.byok.Set(cacheKey(userID, provider), enabled, c.byokTTL)
}

func (c *resolverCache) InvalidateBYOK(userID, provider string) {
	c.byok.Delete(cacheKey(userID, provider))
}

func (c *resolverCache) GetBalance(userID string) (*creditdomain.Balance, bool) {
	return c.balances.Get(strings.TrimSpace(userID))
}

func (c *resolverCache) SetBalance(userID string, balance *creditdomain.Balance) {
	if balance == nil {
		return
	}
	c.balances.Set(strings.TrimSpace(userID), balance, c.balanceTTL)
}

func (c *resolverCache) InvalidateBalance(userID string) {
	c.balances.Delete(strings.TrimSpace(userID))
}

func cacheKey(parts ...string) string {
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		normalized = append(normalized, strings.ToLower(strings.TrimSpace(part)))
	}
	return strings.Join(normalized, "|")
}

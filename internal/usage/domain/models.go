// Package domain contains persistence models for metered consumption.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// UsageEvent stores a single unit of metered activity with its priced cost
// breakdown. The table is append-only and deliberately decoupled from the
// credit ledger: an event survives even when the paired deduction fails.
type UsageEvent struct {
	ID             snowflake.ID      `json:"id" gorm:"primaryKey"`
	UserID         string            `json:"user_id" gorm:"type:text;not null;index:idx_usage_user_created,priority:1"`
	Service        string            `json:"service" gorm:"type:text;not null;index"`
	Model          string            `json:"model" gorm:"type:text;not null;index"`
	UnitsConsumed  int64             `json:"units_consumed" gorm:"not null"`
	ProviderCost   decimal.Decimal   `json:"provider_cost" gorm:"type:decimal(20,8);not null"`
	PlatformMarkup decimal.Decimal   `json:"platform_markup" gorm:"type:decimal(20,8);not null"`
	TotalCost      decimal.Decimal   `json:"total_cost" gorm:"type:decimal(20,8);not null"`
	IsFreeTier     bool              `json:"is_free_tier" gorm:"not null;default:false"`
	BYOK           bool              `json:"byok" gorm:"column:byok;not null;default:false"`
	IdempotencyKey *string           `json:"idempotency_key,omitempty" gorm:"type:text;uniqueIndex:ux_usage_events_idempotency"`
	Metadata       datatypes.JSONMap `json:"metadata,omitempty" gorm:"type:jsonb"`
	CreatedAt      time.Time         `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP;index:idx_usage_user_created,priority:2"`
}

// TableName sets the database table name.
func (UsageEvent) TableName() string { return "usage_events" }

// Package domain contains the credit ledger entities: one balance row per
// user plus an append-only transaction log. The two are only ever written
// together inside a single database transaction.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// TransactionKind tags a ledger mutation for audit and filtering.
type TransactionKind string

const (
	KindAllocation TransactionKind = "allocation"
	KindUsage      TransactionKind = "usage"
	KindBonus      TransactionKind = "bonus"
	KindRefund     TransactionKind = "refund"
	KindCoupon     TransactionKind = "coupon"
)

// ValidKind reports whether the kind is one the ledger accepts.
func ValidKind(kind TransactionKind) bool {
	switch kind {
	case KindAllocation, KindUsage, KindBonus, KindRefund, KindCoupon:
		return true
	}
	return false
}

// Balance is the current credit snapshot for a user. Rows are created
// lazily on first allocation and never hard-deleted.
type Balance struct {
	ID               snowflake.ID    `json:"id" gorm:"primaryKey"`
	UserID           string          `json:"user_id" gorm:"type:text;not null;uniqueIndex:ux_balances_user"`
	Tier             string          `json:"tier" gorm:"type:text;not null;default:''"`
	Balance          decimal.Decimal `json:"balance" gorm:"type:decimal(20,8);not null"`
	AllocatedMonthly decimal.Decimal `json:"allocated_monthly" gorm:"type:decimal(20,8);not null"`
	BonusCredits     decimal.Decimal `json:"bonus_credits" gorm:"type:decimal(20,8);not null"`
	FreeTierConsumed int64           `json:"free_tier_consumed" gorm:"not null;default:0"`
	ResetDate        time.Time       `json:"reset_date" gorm:"not null"`
	LastUpdated      time.Time       `json:"last_updated" gorm:"not null"`
	CreatedAt        time.Time       `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Balance) TableName() string { return "credit_balances" }

// Transaction is one immutable ledger row. Delta is signed; BalanceAfter
// is a denormalized snapshot so history reads never replay the log.
type Transaction struct {
	ID             snowflake.ID      `json:"id" gorm:"primaryKey"`
	UserID         string            `json:"user_id" gorm:"type:text;not null;index:idx_credit_transactions_user_created,priority:1"`
	Kind           TransactionKind   `json:"kind" gorm:"type:text;not null;index"`
	Delta          decimal.Decimal   `json:"delta" gorm:"type:decimal(20,8);not null"`
	BalanceAfter   decimal.Decimal   `json:"balance_after" gorm:"type:decimal(20,8);not null"`
	Service        string            `json:"service,omitempty" gorm:"type:text"`
	Model          string            `json:"model,omitempty" gorm:"type:text"`
	ProviderCost   decimal.Decimal   `json:"provider_cost" gorm:"type:decimal(20,8);not null"`
	MarkupAmount   decimal.Decimal   `json:"markup_amount" gorm:"type:decimal(20,8);not null"`
	TotalCost      decimal.Decimal   `json:"total_cost" gorm:"type:decimal(20,8);not null"`
	IdempotencyKey *string           `json:"idempotency_key,omitempty" gorm:"type:text;uniqueIndex:ux_credit_transactions_idem"`
	Metadata       datatypes.JSONMap `json:"metadata,omitempty" gorm:"type:jsonb"`
	CreatedAt      time.Time         `json:"created_at" gorm:"not null;index:idx_credit_transactions_user_created,priority:2"`
}

// TableName sets the database table name.
func (Transaction) TableName() string { return "credit_transactions" }

// CostBreakdown is the fixed structured record attached to a usage
// deduction. Free-form extensions go into Transaction.Metadata instead.
type CostBreakdown struct {
	ProviderCost decimal.Decimal `json:"provider_cost"`
	MarkupAmount decimal.Decimal `json:"markup_amount"`
	TotalCost    decimal.Decimal `json:"total_cost"`
}

// Package domain models promotional coupons and their redemptions.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// CouponType decides what redeeming the coupon grants.
type CouponType string

const (
	// TypeCreditBonus adds Value credits to the redeemer's bonus balance.
	TypeCreditBonus CouponType = "credit_bonus"
	// TypePercentageDiscount marks future charges down by Value percent.
	TypePercentageDiscount CouponType = "percentage_discount"
	// TypeFixedDiscount takes a fixed Value off a future charge.
	TypeFixedDiscount CouponType = "fixed_discount"
	// TypeFreePeriod grants Value days of free usage.
	TypeFreePeriod CouponType = "free_period"
)

func ValidType(t CouponType) bool {
	switch t {
	case TypeCreditBonus, TypePercentageDiscount, TypeFixedDiscount, TypeFreePeriod:
		return true
	}
	return false
}

// Redemption refusal reasons. A reason is a terminal answer for this
// (coupon, user) pair except not_yet_redeemable conditions like exhausted,
// which may not apply to a different user later.
const (
	ReasonNotFound        = "not_found"
	ReasonInactive        = "inactive"
	ReasonExpired         = "expired"
	ReasonExhausted       = "exhausted"
	ReasonAlreadyRedeemed = "already_redeemed"
)

// Coupon is a redeemable promotion. used_count only ever moves up, and only
// through the guarded increment in the repository.
type Coupon struct {
	ID        snowflake.ID      `json:"id" gorm:"primaryKey"`
	Code      string            `json:"code" gorm:"type:text;not null;uniqueIndex:ux_coupons_code"`
	Type      CouponType        `json:"type" gorm:"type:text;not null"`
	Value     decimal.Decimal   `json:"value" gorm:"type:decimal(20,8);not null"`
	MaxUses   int64             `json:"max_uses" gorm:"not null"`
	UsedCount int64             `json:"used_count" gorm:"not null;default:0"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
	IsActive  bool              `json:"is_active" gorm:"not null;default:true"`
	Metadata  datatypes.JSONMap `json:"metadata,omitempty" gorm:"type:jsonb"`
	CreatedAt time.Time         `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time         `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Coupon) TableName() string { return "coupons" }

// Redemption records one user's redemption of one coupon. The composite
// unique index on (coupon_code, user_id) is the source of truth for
// once-per-user; the service relies on the insert failing, not on a
// read-then-write check.
type Redemption struct {
	ID             snowflake.ID    `json:"id" gorm:"primaryKey"`
	CouponCode     string          `json:"coupon_code" gorm:"type:text;not null;uniqueIndex:ux_redemptions_coupon_user,priority:1"`
	UserID         string          `json:"user_id" gorm:"type:text;not null;uniqueIndex:ux_redemptions_coupon_user,priority:2"`
	CreditsAwarded decimal.Decimal `json:"credits_awarded" gorm:"type:decimal(20,8);not null"`
	RedeemedAt     time.Time       `json:"redeemed_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Redemption) TableName() string { return "coupon_redemptions" }

// Status derives the coupon's lifecycle state at a point in time. The
// machine only moves forward: active coupons end up expired, exhausted, or
// deactivated, and none of those go back to active.
func (c *Coupon) Status(now time.Time) string {
	switch {
	case !c.IsActive:
		return "deactivated"
	case c.ExpiresAt != nil && !now.Before(*c.ExpiresAt):
		return "expired"
	case c.MaxUses > 0 && c.UsedCount >= c.MaxUses:
		return "exhausted"
	}
	return "active"
}

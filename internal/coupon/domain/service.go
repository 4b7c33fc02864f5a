package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/creditrail/creditrail/pkg/db/pagination"
)

type CreateRequest struct {
	Code      string          `json:"code"`
	Type      CouponType      `json:"type"`
	Value     decimal.Decimal `json:"value"`
	MaxUses   int64           `json:"max_uses"`
	ExpiresAt *time.Time      `json:"expires_at"`
	Metadata  map[string]any  `json:"metadata"`
}

type RedeemRequest struct {
	Code   string `json:"code"`
	UserID string `json:"user_id"`
}

// ValidationResult answers "could this user redeem this code right now".
// It is advisory only: Redeem re-checks everything inside the transaction.
type ValidationResult struct {
	Valid  bool    `json:"valid"`
	Reason string  `json:"reason,omitempty"`
	Coupon *Coupon `json:"coupon,omitempty"`
}

type ListRequest struct {
	pagination.Pagination
	ActiveOnly bool   `json:"active_only"`
	Code       string `json:"code"`
}

type ListResponse struct {
	pagination.PageInfo
	Coupons []Coupon `json:"coupons"`
}

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Coupon, error)
	Validate(ctx context.Context, req RedeemRequest) (*ValidationResult, error)
	Redeem(ctx context.Context, req RedeemRequest) (*Redemption, error)
	Deactivate(ctx context.Context, code string) (*Coupon, error)
	List(ctx context.Context, req ListRequest) (ListResponse, error)
}

var (
	ErrInvalidCode    = errors.New("invalid_code")
	ErrInvalidType    = errors.New("invalid_type")
	ErrInvalidValue   = errors.New("invalid_value")
	ErrInvalidMaxUses = errors.New("invalid_max_uses")
	ErrInvalidUser    = errors.New("invalid_user")
	ErrDuplicateCode  = errors.New("duplicate_code")
)

// InvalidCouponError carries the refusal reason so the transport layer can
// distinguish not_found from expired from already_redeemed.
type InvalidCouponError struct {
	Code   string
	Reason string
}

func (e *InvalidCouponError) Error() string {
	return fmt.Sprintf("invalid_coupon: %s (%s)", e.Code, e.Reason)
}

// IsInvalidCoupon reports whether err is a coupon refusal and returns the
// reason when it is.
func IsInvalidCoupon(err error) (string, bool) {
	var target *InvalidCouponError
	if errors.As(err, &target) {
		return target.Reason, true
	}
	return "", false
}

package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/creditrail/creditrail/pkg/db/pagination"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Precision is the ledger's fixed-point scale. Every amount is rounded
// half-up to this many fractional digits exactly once, at the boundary
// where it enters the ledger.
const Precision = 8

// Round normalizes an amount to ledger precision, round-half-up.
func Round(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(Precision)
}

type AllocateRequest struct {
	UserID   string          `json:"user_id"`
	Amount   decimal.Decimal `json:"amount"`
	Tier     string          `json:"tier"`
	Source   string          `json:"source"`
	Metadata map[string]any  `json:"metadata"`
}

type DeductRequest struct {
	UserID         string          `json:"user_id"`
	Amount         decimal.Decimal `json:"amount"`
	Service        string          `json:"service"`
	Model          string          `json:"model"`
	Breakdown      CostBreakdown   `json:"breakdown"`
	IdempotencyKey string          `json:"idempotency_key"`
	Metadata       map[string]any  `json:"metadata"`
}

type AdjustRequest struct {
	UserID   string          `json:"user_id"`
	Amount   decimal.Decimal `json:"amount"`
	Reason   string          `json:"reason"`
	Metadata map[string]any  `json:"metadata"`
}

type ResetMonthlyRequest struct {
	UserID        string          `json:"user_id"`
	NewAllocation decimal.Decimal `json:"new_allocation"`
}

type ListTransactionsRequest struct {
	pagination.Pagination
	UserID string
	Kind   TransactionKind
}

type ListTransactionsResponse struct {
	pagination.PageInfo
	Transactions []Transaction `json:"transactions"`
}

// Service owns every balance mutation. All operations are all-or-nothing:
// a balance change and its transaction row commit together or not at all.
type Service interface {
	GetBalance(ctx context.Context, userID string) (*Balance, error)
	Allocate(ctx context.Context, req AllocateRequest) (*Balance, error)
	Deduct(ctx context.Context, req DeductRequest) (*Balance, error)
	AddBonus(ctx context.Context, req AdjustRequest) (*Balance, error)
	Refund(ctx context.Context, req AdjustRequest) (*Balance, error)
	ResetMonthly(ctx context.Context, req ResetMonthlyRequest) (*Balance, error)
	ListTransactions(ctx context.Context, req ListTransactionsRequest) (ListTransactionsResponse, error)

	// RecordFreeTierUsage bumps the free-tier consumption counter on the
	// balance. The counter is informational and is zeroed by the monthly
	// reset; it never moves credits.
	RecordFreeTierUsage(ctx context.Context, userID string, events int64) error

	// AllocateTx runs an allocation against the supplied transaction handle
	// so callers (the coupon engine) can bind the credit grant to their own
	// atomic unit.
	AllocateTx(ctx context.Context, tx *gorm.DB, req AllocateRequest, kind TransactionKind) (*Balance, error)
}

var (
	ErrInvalidUser      = errors.New("invalid_user")
	ErrInvalidAmount    = errors.New("invalid_amount")
	ErrInvalidKind      = errors.New("invalid_kind")
	ErrInvalidPageToken = errors.New("invalid_page_token")
	ErrStoreUnavailable = errors.New("store_unavailable")
)

// InsufficientCreditsError is a business outcome, not a fault: the balance
// cannot cover the requested amount. Callers must not retry it.
type InsufficientCreditsError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient_credits: required %s, available %s",
		e.Required.String(), e.Available.String())
}

// IsInsufficientCredits reports whether err is an insufficient-credits
// outcome anywhere in its chain.
func IsInsufficientCredits(err error) bool {
	var target *InsufficientCreditsError
	return errors.As(err, &target)
}

// NextResetDate advances a reset instant by one calendar month.
func NextResetDate(from time.Time) time.Time {
	return from.UTC().AddDate(0, 1, 0)
}

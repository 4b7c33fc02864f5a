package domain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/creditrail/creditrail/pkg/db/pagination"
)

type TrackRequest struct {
	UserID         string         `json:"user_id"`
	Service        string         `json:"service"`
	Model          string         `json:"model"`
	Units          int64          `json:"units"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
}

type SummaryRequest struct {
	UserID string    `json:"user_id"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
}

// Summary aggregates a user's consumption over a date range.
type Summary struct {
	TotalEvents  int64           `json:"total_events"`
	TotalUnits   int64           `json:"total_units"`
	ProviderCost decimal.Decimal `json:"provider_cost"`
	MarkupAmount decimal.Decimal `json:"markup_amount"`
	TotalCost    decimal.Decimal `json:"total_cost"`
	FreeEvents   int64           `json:"free_events"`
	BYOKEvents   int64           `json:"byok_events"`
}

type ModelUsage struct {
	Model     string          `json:"model"`
	Events    int64           `json:"events"`
	Units     int64           `json:"units"`
	TotalCost decimal.Decimal `json:"total_cost"`
}

type ServiceUsage struct {
	Service   string          `json:"service"`
	Events    int64           `json:"events"`
	Units     int64           `json:"units"`
	TotalCost decimal.Decimal `json:"total_cost"`
}

type FreeTierSummary struct {
	Events int64 `json:"events"`
	Units  int64 `json:"units"`
}

type ListUsageRequest struct {
	pagination.Pagination
	UserID  string `json:"user_id"`
	Service string `json:"service"`
	Model   string `json:"model"`
}

type ListUsageResponse struct {
	pagination.PageInfo
	Events []UsageEvent `json:"events"`
}

// Service is the metering pipeline. Track prices an event, records it, and
// settles the cost against the credit ledger; the read projections serve
// reporting and are safe to point at a replica.
type Service interface {
	Track(ctx context.Context, req TrackRequest) (*UsageEvent, error)
	Summary(ctx context.Context, req SummaryRequest) (*Summary, error)
	ByModel(ctx context.Context, req SummaryRequest) ([]ModelUsage, error)
	ByService(ctx context.Context, req SummaryRequest) ([]ServiceUsage, error)
	FreeTierUsage(ctx context.Context, req SummaryRequest) (*FreeTierSummary, error)
	List(ctx context.Context, req ListUsageRequest) (ListUsageResponse, error)
}

var (
	ErrInvalidUser    = errors.New("invalid_user")
	ErrInvalidService = errors.New("invalid_service")
	ErrInvalidModel   = errors.New("invalid_model")
	ErrInvalidUnits   = errors.New("invalid_units")
	ErrInvalidRange   = errors.New("invalid_date_range")
)

package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	byokdomain "github.com/creditrail/creditrail/internal/byok/domain"
	creditdomain "github.com/creditrail/creditrail/internal/credit/domain"
	obsmetrics "github.com/creditrail/creditrail/internal/observability/metrics"
	pricingdomain "github.com/creditrail/creditrail/internal/pricing/domain"
	usagedomain "github.com/creditrail/creditrail/internal/usage/domain"
	"github.com/creditrail/creditrail/internal/usage/repository"
	"github.com/creditrail/creditrail/pkg/db/option"
	"github.com/creditrail/creditrail/pkg/db/pagination"
	pkgrepository "github.com/creditrail/creditrail/pkg/repository"
)

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	PricingSvc pricingdomain.Service
	CreditSvc  creditdomain.Service
	BYOKSvc    byokdomain.Service
	Repo       repository.Repository
	Metrics    *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID      *snowflake.Node
	pricingSvc pricingdomain.Service
	creditSvc  creditdomain.Service
	byokSvc    byokdomain.Service
	repo       repository.Repository
	eventRepo  pkgrepository.Repository[usagedomain.UsageEvent]
	metrics    *obsmetrics.Metrics
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("usage.service"),

		genID:      p.GenID,
		pricingSvc: p.PricingSvc,
		creditSvc:  p.CreditSvc,
		byokSvc:    p.BYOKSvc,
		repo:       p.Repo,
		eventRepo:  pkgrepository.ProvideStore[usagedomain.UsageEvent](p.DB),
		metrics:    p.Metrics,
	}
}

// Track prices one consumption event, records it, and settles the cost
// against the credit ledger. The event row is written before the deduction
// is attempted and is kept even when the deduction is refused, so billing
// reports always see the full consumption history. A non-nil event can
// therefore come back together with an insufficient-credits error.
func (s *Service) Track(ctx context.Context, req usagedomain.TrackRequest) (*usagedomain.UsageEvent, error) {
	if err := validateTrack(&req); err != nil {
		return nil, err
	}

	// A replay returns the original event, but the settlement is re-issued
	// in case the first attempt never committed. The deduction carries its
	// own idempotency key, so re-issuing is a no-op once it has landed.
	idempotencyKey := strings.TrimSpace(req.IdempotencyKey)
	if idempotencyKey != "" {
		existing, err := s.findByIdempotencyKey(ctx, idempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if err := s.settle(ctx, existing, idempotencyKey); err != nil {
				return existing, err
			}
			return existing, nil
		}
	}

	byok, err := s.byokSvc.HasBYOK(ctx, req.UserID, req.Service)
	if err != nil {
		s.log.Warn("byok lookup failed, assuming platform key",
			zap.String("user_id", req.UserID),
			zap.String("service", req.Service),
			zap.Error(err),
		)
		byok = false
	}

	quote := pricingdomain.Quote{IsFree: true}
	if !byok {
		quote, err = s.pricingSvc.Price(pricingdomain.PriceRequest{
			Service: req.Service,
			Model:   req.Model,
			Units:   req.Units,
		})
		if err != nil {
			return nil, err
		}
	}

	event := &usagedomain.UsageEvent{
		ID:             s.genID.Generate(),
		UserID:         req.UserID,
		Service:        req.Service,
		Model:          req.Model,
		UnitsConsumed:  req.Units,
		ProviderCost:   quote.ProviderCost,
		PlatformMarkup: quote.MarkupAmount,
		TotalCost:      quote.TotalCost,
		IsFreeTier:     !byok && quote.IsFree,
		BYOK:           byok,
		CreatedAt:      time.Now().UTC(),
	}
	if idempotencyKey != "" {
		event.IdempotencyKey = &idempotencyKey
	}
	if req.Metadata != nil {
		event.Metadata = datatypes.JSONMap(req.Metadata)
	}

	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordUsageIngest(ctx, req.Service, req.Model)
	}

	if event.IsFreeTier {
		// The counter is informational; a fault here must not fail a
		// consumption event that already committed.
		if err := s.creditSvc.RecordFreeTierUsage(ctx, event.UserID, 1); err != nil {
			s.log.Warn("free tier counter update failed",
				zap.String("user_id", event.UserID),
				zap.Error(err),
			)
		}
	}

	if err := s.settle(ctx, event, idempotencyKey); err != nil {
		// The event already committed. Insufficient credits is a
		// business outcome the caller must see; anything else is a fault.
		return event, err
	}

	return event, nil
}

// settle charges the event's total cost against the credit ledger. The
// deduction key is derived from the event, so calling settle again for the
// same event replays the original deduction instead of charging twice.
func (s *Service) settle(ctx context.Context, event *usagedomain.UsageEvent, idempotencyKey string) error {
	if !event.TotalCost.IsPositive() {
		return nil
	}
	_, err := s.creditSvc.Deduct(ctx, creditdomain.DeductRequest{
		UserID:  event.UserID,
		Amount:  event.TotalCost,
		Service: event.Service,
		Model:   event.Model,
		Breakdown: creditdomain.CostBreakdown{
			ProviderCost: event.ProviderCost,
			MarkupAmount: event.PlatformMarkup,
			TotalCost:    event.TotalCost,
		},
		IdempotencyKey: deductionKey(event, idempotencyKey),
		Metadata:       map[string]any{"usage_event_id": event.ID.String()},
	})
	return err
}

func (s *Service) Summary(ctx context.Context, req usagedomain.SummaryRequest) (*usagedomain.Summary, error) {
	if err := validateRange(&req); err != nil {
		return nil, err
	}
	return s.repo.Summarize(ctx, s.db, req.UserID, req.Start, req.End)
}

func (s *Service) ByModel(ctx context.Context, req usagedomain.SummaryRequest) ([]usagedomain.ModelUsage, error) {
	if err := validateRange(&req); err != nil {
		return nil, err
	}
	return s.repo.GroupByModel(ctx, s.db, req.UserID, req.Start, req.End)
}

func (s *Service) ByService(ctx context.Context, req usagedomain.SummaryRequest) ([]usagedomain.ServiceUsage, error) {
	if err := validateRange(&req); err != nil {
		return nil, err
	}
	return s.repo.GroupByService(ctx, s.db, req.UserID, req.Start, req.End)
}

func (s *Service) FreeTierUsage(ctx context.Context, req usagedomain.SummaryRequest) (*usagedomain.FreeTierSummary, error) {
	if err := validateRange(&req); err != nil {
		return nil, err
	}
	return s.repo.FreeTier(ctx, s.db, req.UserID, req.Start, req.End)
}

func (s *Service) List(ctx context.Context, req usagedomain.ListUsageRequest) (usagedomain.ListUsageResponse, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return usagedomain.ListUsageResponse{}, usagedomain.ErrInvalidUser
	}

	filter := &usagedomain.UsageEvent{
		UserID:  userID,
		Service: strings.TrimSpace(req.Service),
		Model:   strings.TrimSpace(req.Model),
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	items, err := s.eventRepo.Find(ctx, filter,
		option.ApplyPagination(pagination.Pagination{
			PageToken: req.PageToken,
			PageSize:  pageSize,
		}),
		option.WithSortBy(option.QuerySortBy{Allow: map[string]bool{"created_at": true}}),
	)
	if err != nil {
		return usagedomain.ListUsageResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, int32(pageSize), func(record *usagedomain.UsageEvent) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        record.ID.String(),
			CreatedAt: record.CreatedAt.Format(time.RFC3339),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > int(pageSize) {
		items = items[:pageSize]
	}

	events := make([]usagedomain.UsageEvent, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		events = append(events, *item)
	}

	resp := usagedomain.ListUsageResponse{Events: events}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func (s *Service) findByIdempotencyKey(ctx context.Context, key string) (*usagedomain.UsageEvent, error) {
	var event usagedomain.UsageEvent
	err := s.db.WithContext(ctx).
		Where("idempotency_key = ?", key).
		First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

// deductionKey gives every deduction a stable idempotency key so a retried
// Track call cannot charge the same event twice.
func deductionKey(event *usagedomain.UsageEvent, idempotencyKey string) string {
	if idempotencyKey != "" {
		return "usage:" + idempotencyKey
	}
	return "usage:" + event.ID.String()
}

func validateTrack(req *usagedomain.TrackRequest) error {
	req.UserID = strings.TrimSpace(req.UserID)
	req.Service = strings.ToLower(strings.TrimSpace(req.Service))
	req.Model = strings.TrimSpace(req.Model)

	if req.UserID == "" {
		return usagedomain.ErrInvalidUser
	}
	if req.Service == "" {
		return usagedomain.ErrInvalidService
	}
	if req.Model == "" {
		return usagedomain.ErrInvalidModel
	}
	if req.Units <= 0 {
		return usagedomain.ErrInvalidUnits
	}
	return nil
}

func validateRange(req *usagedomain.SummaryRequest) error {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return usagedomain.ErrInvalidUser
	}
	if req.Start.IsZero() || req.End.IsZero() || !req.End.After(req.Start) {
		return usagedomain.ErrInvalidRange
	}
	return nil
}

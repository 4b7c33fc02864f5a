package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	auditdomain "github.com/creditrail/creditrail/internal/audit/domain"
	coupondomain "github.com/creditrail/creditrail/internal/coupon/domain"
	"github.com/creditrail/creditrail/internal/coupon/repository"
	creditdomain "github.com/creditrail/creditrail/internal/credit/domain"
	obsmetrics "github.com/creditrail/creditrail/internal/observability/metrics"
	"github.com/creditrail/creditrail/pkg/db"
	"github.com/creditrail/creditrail/pkg/db/option"
	"github.com/creditrail/creditrail/pkg/db/pagination"
	pkgrepository "github.com/creditrail/creditrail/pkg/repository"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Repo      repository.Repository
	CreditSvc creditdomain.Service
	AuditSvc  auditdomain.Service
	Metrics   *obsmetrics.Metrics `optional:"true"`
}

type couponService struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       repository.Repository
	creditSvc  creditdomain.Service
	auditSvc   auditdomain.Service
	couponRepo pkgrepository.Repository[coupondomain.Coupon]
	metrics    *obsmetrics.Metrics
}

func NewService(p Params) coupondomain.Service {
	return &couponService{
		db:         p.DB,
		log:        p.Log.Named("coupon.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		creditSvc:  p.CreditSvc,
		auditSvc:   p.AuditSvc,
		couponRepo: pkgrepository.ProvideStore[coupondomain.Coupon](p.DB),
		metrics:    p.Metrics,
	}
}

func (s *couponService) Create(ctx context.Context, req coupondomain.CreateRequest) (*coupondomain.Coupon, error) {
	code := normalizeCode(req.Code)
	if code == "" {
		return nil, coupondomain.ErrInvalidCode
	}
	if !coupondomain.ValidType(req.Type) {
		return nil, coupondomain.ErrInvalidType
	}
	if !req.Value.IsPositive() {
		return nil, coupondomain.ErrInvalidValue
	}
	if req.MaxUses < 0 {
		return nil, coupondomain.ErrInvalidMaxUses
	}

	now := time.Now().UTC()
	coupon := &coupondomain.Coupon{
		ID:        s.genID.Generate(),
		Code:      code,
		Type:      req.Type,
		Value:     creditdomain.Round(req.Value),
		MaxUses:   req.MaxUses,
		ExpiresAt: req.ExpiresAt,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Metadata != nil {
		coupon.Metadata = datatypes.JSONMap(req.Metadata)
	}

	if err := s.repo.InsertCoupon(ctx, s.db, coupon); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, coupondomain.ErrDuplicateCode
		}
		return nil, err
	}

	s.log.Info("coupon created",
		zap.String("code", code),
		zap.String("type", string(req.Type)),
		zap.Int64("max_uses", req.MaxUses),
	)
	return coupon, nil
}

// Validate is the cheap advisory check used by checkout previews. It takes
// no locks, so the answer can be stale by the time Redeem runs; Redeem
// re-validates everything inside its transaction.
func (s *couponService) Validate(ctx context.Context, req coupondomain.RedeemRequest) (*coupondomain.ValidationResult, error) {
	code := normalizeCode(req.Code)
	userID := strings.TrimSpace(req.UserID)
	if code == "" {
		return nil, coupondomain.ErrInvalidCode
	}
	if userID == "" {
		return nil, coupondomain.ErrInvalidUser
	}

	coupon, err := s.repo.FindByCode(ctx, s.db, code)
	if err != nil {
		return nil, err
	}
	if coupon == nil {
		return &coupondomain.ValidationResult{Reason: coupondomain.ReasonNotFound}, nil
	}

	if reason := refusalReason(coupon, time.Now().UTC()); reason != "" {
		return &coupondomain.ValidationResult{Reason: reason, Coupon: coupon}, nil
	}

	redemption, err := s.repo.FindRedemption(ctx, s.db, code, userID)
	if err != nil {
		return nil, err
	}
	if redemption != nil {
		return &coupondomain.ValidationResult{Reason: coupondomain.ReasonAlreadyRedeemed, Coupon: coupon}, nil
	}

	return &coupondomain.ValidationResult{Valid: true, Coupon: coupon}, nil
}

// Redeem burns one use of the coupon for the user. The lock, the guarded
// used_count increment, the redemption insert, and the credit grant share
// one transaction, so a crash or refusal at any step leaves nothing behind.
// Two concurrent redemptions by the same user race on the composite unique
// index; the loser's duplicate-key error comes back as already_redeemed.
func (s *couponService) Redeem(ctx context.Context, req coupondomain.RedeemRequest) (*coupondomain.Redemption, error) {
	code := normalizeCode(req.Code)
	userID := strings.TrimSpace(req.UserID)
	if code == "" {
		return nil, coupondomain.ErrInvalidCode
	}
	if userID == "" {
		return nil, coupondomain.ErrInvalidUser
	}

	var (
		redemption *coupondomain.Redemption
		couponType coupondomain.CouponType
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		coupon, err := s.repo.FindByCodeForUpdate(ctx, tx, code)
		if err != nil {
			return err
		}
		if coupon == nil {
			return &coupondomain.InvalidCouponError{Code: code, Reason: coupondomain.ReasonNotFound}
		}
		now := time.Now().UTC()
		if reason := refusalReason(coupon, now); reason != "" {
			return &coupondomain.InvalidCouponError{Code: code, Reason: reason}
		}

		ok, err := s.repo.IncrementUsedCount(ctx, tx, code)
		if err != nil {
			return err
		}
		if !ok {
			return &coupondomain.InvalidCouponError{Code: code, Reason: coupondomain.ReasonExhausted}
		}

		entry := &coupondomain.Redemption{
			ID:         s.genID.Generate(),
			CouponCode: code,
			UserID:     userID,
			RedeemedAt: now,
		}
		if coupon.Type == coupondomain.TypeCreditBonus {
			entry.CreditsAwarded = coupon.Value
		}

		if err := s.repo.InsertRedemption(ctx, tx, entry); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return &coupondomain.InvalidCouponError{Code: code, Reason: coupondomain.ReasonAlreadyRedeemed}
			}
			return err
		}

		if coupon.Type == coupondomain.TypeCreditBonus {
			if _, err := s.creditSvc.AllocateTx(ctx, tx, creditdomain.AllocateRequest{
				UserID: userID,
				Amount: coupon.Value,
				Source: "coupon:" + code,
				Metadata: map[string]any{
					"coupon_code":   code,
					"redemption_id": entry.ID.String(),
				},
			}, creditdomain.KindCoupon); err != nil {
				return err
			}
		}

		redemption = entry
		couponType = coupon.Type
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordCouponRedemption(ctx, string(couponType))
	}
	if s.auditSvc != nil {
		_ = s.auditSvc.AuditLog(ctx, "user", "coupon.redeem", "coupon", code, map[string]any{
			"user_id":         userID,
			"coupon_type":     string(couponType),
			"credits_awarded": redemption.CreditsAwarded.String(),
		})
	}
	s.log.Info("coupon redeemed",
		zap.String("code", code),
		zap.String("user_id", userID),
		zap.String("type", string(couponType)),
	)
	return redemption, nil
}

func (s *couponService) Deactivate(ctx context.Context, code string) (*coupondomain.Coupon, error) {
	code = normalizeCode(code)
	if code == "" {
		return nil, coupondomain.ErrInvalidCode
	}

	ok, err := s.repo.Deactivate(ctx, s.db, code)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Either unknown or already inactive; tell them apart for the caller.
		coupon, err := s.repo.FindByCode(ctx, s.db, code)
		if err != nil {
			return nil, err
		}
		if coupon == nil {
			return nil, &coupondomain.InvalidCouponError{Code: code, Reason: coupondomain.ReasonNotFound}
		}
		return coupon, nil
	}

	if s.auditSvc != nil {
		_ = s.auditSvc.AuditLog(ctx, "admin", "coupon.deactivate", "coupon", code, nil)
	}
	return s.repo.FindByCode(ctx, s.db, code)
}

func (s *couponService) List(ctx context.Context, req coupondomain.ListRequest) (coupondomain.ListResponse, error) {
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	filter := &coupondomain.Coupon{}
	if req.ActiveOnly {
		filter.IsActive = true
	}
	if code := normalizeCode(req.Code); code != "" {
		filter.Code = code
	}

	items, err := s.couponRepo.Find(ctx, filter,
		option.ApplyPagination(pagination.Pagination{
			PageToken: req.PageToken,
			PageSize:  pageSize,
		}),
		option.WithSortBy(option.QuerySortBy{Allow: map[string]bool{"created_at": true}}),
	)
	if err != nil {
		return coupondomain.ListResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, int32(pageSize), func(coupon *coupondomain.Coupon) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        coupon.ID.String(),
			CreatedAt: coupon.CreatedAt.Format(time.RFC3339),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > int(pageSize) {
		items = items[:pageSize]
	}

	coupons := make([]coupondomain.Coupon, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		coupons = append(coupons, *item)
	}

	resp := coupondomain.ListResponse{Coupons: coupons}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func refusalReason(coupon *coupondomain.Coupon, now time.Time) string {
	switch coupon.Status(now) {
	case "deactivated":
		return coupondomain.ReasonInactive
	case "expired":
		return coupondomain.ReasonExpired
	case "exhausted":
		return coupondomain.ReasonExhausted
	}
	return ""
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

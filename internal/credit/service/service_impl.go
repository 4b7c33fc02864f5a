package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/creditrail/creditrail/internal/audit/domain"
	"github.com/creditrail/creditrail/internal/cache"
	creditdomain "github.com/creditrail/creditrail/internal/credit/domain"
	creditrepo "github.com/creditrail/creditrail/internal/credit/repository"
	obsmetrics "github.com/creditrail/creditrail/internal/observability/metrics"
	"github.com/creditrail/creditrail/pkg/db/option"
	"github.com/creditrail/creditrail/pkg/db/pagination"
	"github.com/creditrail/creditrail/pkg/repository"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Repo     creditrepo.Repository
	AuditSvc auditdomain.Service

	Metrics       *obsmetrics.Metrics `optional:"true"`
	ResolverCache cache.ResolverCache `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	repo          creditrepo.Repository
	txnRepo       repository.Repository[creditdomain.Transaction]
	auditSvc      auditdomain.Service
	metrics       *obsmetrics.Metrics
	resolverCache cache.ResolverCache
}

func NewService(p Params) creditdomain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("credit.service"),
		genID:         p.GenID,
		repo:          p.Repo,
		txnRepo:       repository.ProvideStore[creditdomain.Transaction](p.DB),
		auditSvc:      p.AuditSvc,
		metrics:       p.Metrics,
		resolverCache: p.ResolverCache,
	}
}

// GetBalance is read-only. A user without a ledger row gets a synthesized
// zero balance; the row itself is created by the first allocation.
func (s *Service) GetBalance(ctx context.Context, userID string) (*creditdomain.Balance, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, creditdomain.ErrInvalidUser
	}

	if s.resolverCache != nil {
		if cached, ok := s.resolverCache.GetBalance(userID); ok {
			return cached, nil
		}
	}

	balance, err := s.repo.FindBalance(ctx, s.db, userID)
	if err != nil {
		return nil, storeErr(err)
	}
	if balance == nil {
		balance = &creditdomain.Balance{
			UserID:           userID,
			Balance:          decimal.Zero,
			AllocatedMonthly: decimal.Zero,
			BonusCredits:     decimal.Zero,
		}
		return balance, nil
	}

	if s.resolverCache != nil {
		s.resolverCache.SetBalance(userID, balance)
	}
	return balance, nil
}

func (s *Service) Allocate(ctx context.Context, req creditdomain.AllocateRequest) (*creditdomain.Balance, error) {
	var result *creditdomain.Balance
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		balance, txErr := s.AllocateTx(ctx, tx, req, creditdomain.KindAllocation)
		if txErr != nil {
			return txErr
		}
		result = balance
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(req.UserID)
	return result, nil
}

// AllocateTx credits a balance inside a caller-owned transaction. It backs
// Allocate, AddBonus, Refund and the coupon engine's atomic grant.
func (s *Service) AllocateTx(ctx context.Context, tx *gorm.DB, req creditdomain.AllocateRequest, kind creditdomain.TransactionKind) (*creditdomain.Balance, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, creditdomain.ErrInvalidUser
	}
	if !req.Amount.IsPositive() {
		return nil, creditdomain.ErrInvalidAmount
	}
	if !creditdomain.ValidKind(kind) {
		return nil, creditdomain.ErrInvalidKind
	}
	amount := creditdomain.Round(req.Amount)
	now := time.Now().UTC()

	balance, err := s.repo.FindBalanceForUpdate(ctx, tx, userID)
	if err != nil {
		return nil, storeErr(err)
	}

	before := decimal.Zero
	if balance == nil {
		balance = &creditdomain.Balance{
			ID:               s.genID.Generate(),
			UserID:           userID,
			Tier:             strings.TrimSpace(req.Tier),
			Balance:          amount,
			AllocatedMonthly: decimal.Zero,
			BonusCredits:     decimal.Zero,
			ResetDate:        creditdomain.NextResetDate(now),
			LastUpdated:      now,
			CreatedAt:        now,
		}
		if kind == creditdomain.KindAllocation {
			balance.AllocatedMonthly = amount
		}
		if kind == creditdomain.KindBonus || kind == creditdomain.KindCoupon {
			balance.BonusCredits = amount
		}
		if err := s.repo.InsertBalance(ctx, tx, balance); err != nil {
			return nil, storeErr(err)
		}
	} else {
		before = balance.Balance
		balance.Balance = balance.Balance.Add(amount)
		if kind == creditdomain.KindAllocation {
			balance.AllocatedMonthly = balance.AllocatedMonthly.Add(amount)
		}
		if kind == creditdomain.KindBonus || kind == creditdomain.KindCoupon {
			balance.BonusCredits = balance.BonusCredits.Add(amount)
		}
		if tier := strings.TrimSpace(req.Tier); tier != "" {
			balance.Tier = tier
		}
		balance.LastUpdated = now
		if err := s.repo.UpdateBalance(ctx, tx, balance); err != nil {
			return nil, storeErr(err)
		}
	}

	metadata := mergeMetadata(req.Metadata, map[string]any{"source": req.Source})
	txn := &creditdomain.Transaction{
		ID:           s.genID.Generate(),
		UserID:       userID,
		Kind:         kind,
		Delta:        amount,
		BalanceAfter: balance.Balance,
		Metadata:     metadata,
		CreatedAt:    now,
	}
	if err := s.repo.InsertTransaction(ctx, tx, txn); err != nil {
		return nil, storeErr(err)
	}

	s.audit(ctx, userID, "credit."+string(kind), before, balance.Balance, "ok", req.Metadata)
	return balance, nil
}

// Deduct is the correctness-critical path: the compare and the decrement
// execute as one guarded statement inside a single store transaction, so
// two concurrent deductions for the same user cannot both win the last
// credits. An idempotency-key replay returns the balance unchanged.
func (s *Service) Deduct(ctx context.Context, req creditdomain.DeductRequest) (*creditdomain.Balance, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, creditdomain.ErrInvalidUser
	}
	if !req.Amount.IsPositive() {
		return nil, creditdomain.ErrInvalidAmount
	}
	amount := creditdomain.Round(req.Amount)
	idempotencyKey := strings.TrimSpace(req.IdempotencyKey)

	var result *creditdomain.Balance
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if idempotencyKey != "" {
			prior, lookupErr := s.repo.FindTransactionByIdempotencyKey(ctx, tx, idempotencyKey)
			if lookupErr != nil {
				return storeErr(lookupErr)
			}
			if prior != nil {
				balance, balErr := s.repo.FindBalance(ctx, tx, userID)
				if balErr != nil {
					return storeErr(balErr)
				}
				result = balance
				return nil
			}
		}

		now := time.Now().UTC()
		debited, debitErr := s.repo.DebitBalanceIfSufficient(ctx, tx, userID, amount, now)
		if debitErr != nil {
			return storeErr(debitErr)
		}
		if !debited {
			available := decimal.Zero
			if current, readErr := s.repo.FindBalance(ctx, tx, userID); readErr == nil && current != nil {
				available = current.Balance
			}
			return &creditdomain.InsufficientCreditsError{Required: amount, Available: available}
		}

		balance, readErr := s.repo.FindBalance(ctx, tx, userID)
		if readErr != nil {
			return storeErr(readErr)
		}
		if balance == nil {
			return creditdomain.ErrStoreUnavailable
		}

		txn := &creditdomain.Transaction{
			ID:           s.genID.Generate(),
			UserID:       userID,
			Kind:         creditdomain.KindUsage,
			Delta:        amount.Neg(),
			BalanceAfter: balance.Balance,
			Service:      strings.TrimSpace(req.Service),
			Model:        strings.TrimSpace(req.Model),
			ProviderCost: req.Breakdown.ProviderCost,
			MarkupAmount: req.Breakdown.MarkupAmount,
			TotalCost:    req.Breakdown.TotalCost,
			CreatedAt:    now,
		}
		if idempotencyKey != "" {
			txn.IdempotencyKey = &idempotencyKey
		}
		if req.Metadata != nil {
			txn.Metadata = datatypes.JSONMap(req.Metadata)
		}
		if err := s.repo.InsertTransaction(ctx, tx, txn); err != nil {
			return storeErr(err)
		}
		result = balance
		return nil
	})
	if err != nil {
		var insufficient *creditdomain.InsufficientCreditsError
		if errors.As(err, &insufficient) {
			if s.metrics != nil {
				s.metrics.RecordInsufficientCredits(ctx, req.Service, req.Model)
			}
			s.audit(ctx, userID, "credit.deduct", insufficient.Available, insufficient.Available, "insufficient_credits", req.Metadata)
		}
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordDeduction(ctx, req.Service, req.Model)
	}
	s.audit(ctx, userID, "credit.deduct", result.Balance.Add(amount), result.Balance, "ok", req.Metadata)
	s.invalidate(userID)
	return result, nil
}

func (s *Service) AddBonus(ctx context.Context, req creditdomain.AdjustRequest) (*creditdomain.Balance, error) {
	return s.adjust(ctx, req, creditdomain.KindBonus)
}

func (s *Service) Refund(ctx context.Context, req creditdomain.AdjustRequest) (*creditdomain.Balance, error) {
	return s.adjust(ctx, req, creditdomain.KindRefund)
}

func (s *Service) adjust(ctx context.Context, req creditdomain.AdjustRequest, kind creditdomain.TransactionKind) (*creditdomain.Balance, error) {
	var result *creditdomain.Balance
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		balance, txErr := s.AllocateTx(ctx, tx, creditdomain.AllocateRequest{
			UserID:   req.UserID,
			Amount:   req.Amount,
			Source:   req.Reason,
			Metadata: req.Metadata,
		}, kind)
		if txErr != nil {
			return txErr
		}
		result = balance
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(req.UserID)
	return result, nil
}

// ResetMonthly reconciles a balance at its reset instant: unspent monthly
// credits are forfeited, bonus and purchased credits carry over, and the
// new tier allocation is granted. Invoked by the scheduler, never by
// request handlers.
func (s *Service) ResetMonthly(ctx context.Context, req creditdomain.ResetMonthlyRequest) (*creditdomain.Balance, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, creditdomain.ErrInvalidUser
	}
	if req.NewAllocation.IsNegative() {
		return nil, creditdomain.ErrInvalidAmount
	}
	newAllocation := creditdomain.Round(req.NewAllocation)

	var result *creditdomain.Balance
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		balance, findErr := s.repo.FindBalanceForUpdate(ctx, tx, userID)
		if findErr != nil {
			return storeErr(findErr)
		}
		if balance == nil {
			return creditdomain.ErrInvalidUser
		}

		now := time.Now().UTC()
		before := balance.Balance

		carryOver := balance.Balance.Sub(balance.AllocatedMonthly)
		if carryOver.IsNegative() {
			carryOver = decimal.Zero
		}
		balance.Balance = carryOver.Add(newAllocation)
		balance.AllocatedMonthly = newAllocation
		balance.FreeTierConsumed = 0
		balance.ResetDate = creditdomain.NextResetDate(balance.ResetDate)
		if !balance.ResetDate.After(now) {
			balance.ResetDate = creditdomain.NextResetDate(now)
		}
		balance.LastUpdated = now
		if err := s.repo.UpdateBalance(ctx, tx, balance); err != nil {
			return storeErr(err)
		}

		delta := balance.Balance.Sub(before)
		if !delta.IsZero() {
			txn := &creditdomain.Transaction{
				ID:           s.genID.Generate(),
				UserID:       userID,
				Kind:         creditdomain.KindAllocation,
				Delta:        delta,
				BalanceAfter: balance.Balance,
				Metadata:     datatypes.JSONMap{"source": "monthly_reset"},
				CreatedAt:    now,
			}
			if err := s.repo.InsertTransaction(ctx, tx, txn); err != nil {
				return storeErr(err)
			}
		}

		s.audit(ctx, userID, "credit.reset_monthly", before, balance.Balance, "ok", nil)
		result = balance
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(userID)
	return result, nil
}

func (s *Service) ListTransactions(ctx context.Context, req creditdomain.ListTransactionsRequest) (creditdomain.ListTransactionsResponse, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return creditdomain.ListTransactionsResponse{}, creditdomain.ErrInvalidUser
	}
	if req.Kind != "" && !creditdomain.ValidKind(req.Kind) {
		return creditdomain.ListTransactionsResponse{}, creditdomain.ErrInvalidKind
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	filter := &creditdomain.Transaction{UserID: userID, Kind: req.Kind}
	items, err := s.txnRepo.Find(ctx, filter,
		option.ApplyPagination(pagination.Pagination{
			PageToken: req.PageToken,
			PageSize:  pageSize,
		}),
		option.WithSortBy(option.QuerySortBy{Allow: map[string]bool{"created_at": true}}),
	)
	if err != nil {
		return creditdomain.ListTransactionsResponse{}, storeErr(err)
	}

	pageInfo := pagination.BuildCursorPageInfo(items, int32(pageSize), func(txn *creditdomain.Transaction) string {
		token, encodeErr := pagination.EncodeCursor(pagination.Cursor{
			ID:        txn.ID.String(),
			CreatedAt: txn.CreatedAt.Format(time.RFC3339),
		})
		if encodeErr != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > pageSize {
		items = items[:pageSize]
	}

	transactions := make([]creditdomain.Transaction, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		transactions = append(transactions, *item)
	}

	resp := creditdomain.ListTransactionsResponse{Transactions: transactions}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

// RecordFreeTierUsage counts free-tier consumption against the balance row.
// A user without a balance row has nothing to count against yet; that case
// is a no-op rather than an error.
func (s *Service) RecordFreeTierUsage(ctx context.Context, userID string, events int64) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return creditdomain.ErrInvalidUser
	}
	if events <= 0 {
		return creditdomain.ErrInvalidAmount
	}

	updated, err := s.repo.IncrementFreeTierConsumed(ctx, s.db, userID, events, time.Now().UTC())
	if err != nil {
		return storeErr(err)
	}
	if updated {
		s.invalidate(userID)
	}
	return nil
}

func (s *Service) invalidate(userID string) {
	if s.resolverCache != nil {
		s.resolverCache.InvalidateBalance(strings.TrimSpace(userID))
	}
}

func (s *Service) audit(ctx context.Context, userID, action string, before, after decimal.Decimal, outcome string, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	payload := mergeMetadata(metadata, map[string]any{
		"balance_before": before.String(),
		"balance_after":  after.String(),
		"outcome":        outcome,
	})
	if err := s.auditSvc.AuditLog(ctx, "user", action, "credit_balance", userID, payload); err != nil {
		s.log.Warn("audit write failed", zap.String("action", action), zap.Error(err))
	}
}

func mergeMetadata(base map[string]any, extra map[string]any) datatypes.JSONMap {
	merged := datatypes.JSONMap{}
	for key, value := range base {
		if key == "" {
			continue
		}
		merged[key] = value
	}
	for key, value := range extra {
		if str, ok := value.(string); ok && strings.TrimSpace(str) == "" {
			continue
		}
		merged[key] = value
	}
	return merged
}

func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return creditdomain.ErrStoreUnavailable
	}
	return err
}

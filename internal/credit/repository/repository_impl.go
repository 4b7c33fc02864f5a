package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	creditdomain "github.com/creditrail/creditrail/internal/credit/domain"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository performs the row-level ledger operations. Every method takes
// an explicit db handle so callers control the transaction boundary.
type Repository interface {
	FindBalance(ctx context.Context, db *gorm.DB, userID string) (*creditdomain.Balance, error)
	FindBalanceForUpdate(ctx context.Context, db *gorm.DB, userID string) (*creditdomain.Balance, error)
	InsertBalance(ctx context.Context, db *gorm.DB, balance *creditdomain.Balance) error
	CreditBalance(ctx context.Context, db *gorm.DB, userID string, amount decimal.Decimal, now time.Time) error
	DebitBalanceIfSufficient(ctx context.Context, db *gorm.DB, userID string, amount decimal.Decimal, now time.Time) (bool, error)
	UpdateBalance(ctx context.Context, db *gorm.DB, balance *creditdomain.Balance) error
	IncrementFreeTierConsumed(ctx context.Context, db *gorm.DB, userID string, events int64, now time.Time) (bool, error)
	InsertTransaction(ctx context.Context, db *gorm.DB, txn *creditdomain.Transaction) error
	FindTransactionByIdempotencyKey(ctx context.Context, db *gorm.DB, key string) (*creditdomain.Transaction, error)
	ListDueResets(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]creditdomain.Balance, error)
}

type repository struct{}

func Provide() Repository { return &repository{} }

func (r *repository) FindBalance(ctx context.Context, db *gorm.DB, userID string) (*creditdomain.Balance, error) {
	var balance creditdomain.Balance
	err := db.WithContext(ctx).
		Where("user_id = ?", strings.TrimSpace(userID)).
		First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &balance, nil
}

// FindBalanceForUpdate takes a row lock on dialects that support it so two
// concurrent mutations for the same user serialize on the store.
func (r *repository) FindBalanceForUpdate(ctx context.Context, db *gorm.DB, userID string) (*creditdomain.Balance, error) {
	stmt := db.WithContext(ctx)
	if !strings.EqualFold(db.Dialector.Name(), "sqlite") {
		stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var balance creditdomain.Balance
	err := stmt.Where("user_id = ?", strings.TrimSpace(userID)).First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &balance, nil
}

func (r *repository) InsertBalance(ctx context.Context, db *gorm.DB, balance *creditdomain.Balance) error {
	return db.WithContext(ctx).Create(balance).Error
}

func (r *repository) CreditBalance(ctx context.Context, db *gorm.DB, userID string, amount decimal.Decimal, now time.Time) error {
	result := db.WithContext(ctx).
		Model(&creditdomain.Balance{}).
		Where("user_id = ?", strings.TrimSpace(userID)).
		Updates(map[string]any{
			"balance":      gorm.Expr("balance + ?", amount),
			"last_updated": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// DebitBalanceIfSufficient is the conditional decrement backing Deduct.
// The `balance - amount >= 0` guard is evaluated by the store inside the
// same statement as the decrement, so a stale in-process read can never
// authorize a spend. The arithmetic form keeps the comparison numeric on
// every supported dialect.
func (r *repository) DebitBalanceIfSufficient(ctx context.Context, db *gorm.DB, userID string, amount decimal.Decimal, now time.Time) (bool, error) {
	result := db.WithContext(ctx).
		Model(&creditdomain.Balance{}).
		Where("user_id = ? AND balance - ? >= 0", strings.TrimSpace(userID), amount).
		Updates(map[string]any{
			"balance":      gorm.Expr("balance - ?", amount),
			"last_updated": now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repository) UpdateBalance(ctx context.Context, db *gorm.DB, balance *creditdomain.Balance) error {
	return db.WithContext(ctx).Save(balance).Error
}

// IncrementFreeTierConsumed bumps the free-tier counter in the store with
// the same in-statement arithmetic as the balance mutations. Returns false
// when the user has no balance row.
func (r *repository) IncrementFreeTierConsumed(ctx context.Context, db *gorm.DB, userID string, events int64, now time.Time) (bool, error) {
	result := db.WithContext(ctx).
		Model(&creditdomain.Balance{}).
		Where("user_id = ?", strings.TrimSpace(userID)).
		Updates(map[string]any{
			"free_tier_consumed": gorm.Expr("free_tier_consumed + ?", events),
			"last_updated":       now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repository) InsertTransaction(ctx context.Context, db *gorm.DB, txn *creditdomain.Transaction) error {
	return db.WithContext(ctx).Create(txn).Error
}

func (r *repository) FindTransactionByIdempotencyKey(ctx context.Context, db *gorm.DB, key string) (*creditdomain.Transaction, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}
	var txn creditdomain.Transaction
	err := db.WithContext(ctx).
		Where("idempotency_key = ?", key).
		First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &txn, nil
}

func (r *repository) ListDueResets(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]creditdomain.Balance, error) {
	if limit <= 0 {
		limit = 50
	}
	var due []creditdomain.Balance
	err := db.WithContext(ctx).
		Where("reset_date <= ?", before).
		Order("reset_date ASC").
		Limit(limit).
		Find(&due).Error
	return due, err
}

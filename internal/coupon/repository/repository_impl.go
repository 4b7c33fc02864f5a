package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	coupondomain "github.com/creditrail/creditrail/internal/coupon/domain"
)

// Repository methods take an explicit handle so the service can run them
// inside its own transaction.
type Repository interface {
	FindByCode(ctx context.Context, db *gorm.DB, code string) (*coupondomain.Coupon, error)
	FindByCodeForUpdate(ctx context.Context, db *gorm.DB, code string) (*coupondomain.Coupon, error)
	InsertCoupon(ctx context.Context, db *gorm.DB, coupon *coupondomain.Coupon) error
	// IncrementUsedCount bumps used_count by one only while capacity
	// remains. Returns false when the coupon is already exhausted.
	IncrementUsedCount(ctx context.Context, db *gorm.DB, code string) (bool, error)
	Deactivate(ctx context.Context, db *gorm.DB, code string) (bool, error)
	InsertRedemption(ctx context.Context, db *gorm.DB, redemption *coupondomain.Redemption) error
	FindRedemption(ctx context.Context, db *gorm.DB, code, userID string) (*coupondomain.Redemption, error)
}

type repo struct{}

func Provide() Repository {
	return &repo{}
}

func (r *repo) FindByCode(ctx context.Context, db *gorm.DB, code string) (*coupondomain.Coupon, error) {
	var coupon coupondomain.Coupon
	err := db.WithContext(ctx).Where("code = ?", code).First(&coupon).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &coupon, nil
}

func (r *repo) FindByCodeForUpdate(ctx context.Context, db *gorm.DB, code string) (*coupondomain.Coupon, error) {
	query := db.WithContext(ctx)
	// sqlite serializes writers already and rejects FOR UPDATE.
	if !strings.EqualFold(db.Dialector.Name(), "sqlite") {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var coupon coupondomain.Coupon
	err := query.Where("code = ?", code).First(&coupon).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &coupon, nil
}

func (r *repo) InsertCoupon(ctx context.Context, db *gorm.DB, coupon *coupondomain.Coupon) error {
	return db.WithContext(ctx).Create(coupon).Error
}

func (r *repo) IncrementUsedCount(ctx context.Context, db *gorm.DB, code string) (bool, error) {
	result := db.WithContext(ctx).
		Model(&coupondomain.Coupon{}).
		Where("code = ? AND (max_uses = 0 OR used_count < max_uses)", code).
		Updates(map[string]interface{}{
			"used_count": gorm.Expr("used_count + 1"),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) Deactivate(ctx context.Context, db *gorm.DB, code string) (bool, error) {
	result := db.WithContext(ctx).
		Model(&coupondomain.Coupon{}).
		Where("code = ? AND is_active", code).
		Updates(map[string]interface{}{
			"is_active":  false,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) InsertRedemption(ctx context.Context, db *gorm.DB, redemption *coupondomain.Redemption) error {
	return db.WithContext(ctx).Create(redemption).Error
}

func (r *repo) FindRedemption(ctx context.Context, db *gorm.DB, code, userID string) (*coupondomain.Redemption, error) {
	var redemption coupondomain.Redemption
	err := db.WithContext(ctx).
		Where("coupon_code = ? AND user_id = ?", code, userID).
		First(&redemption).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &redemption, nil
}

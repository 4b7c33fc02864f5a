package repository

import (
	"context"

	"github.com/creditrail/creditrail/pkg/db/option"
	"gorm.io/gorm"
)

// Repository is a thin generic persistence facade over gorm. Services use it
// for simple filtered reads and writes; anything transactional goes through
// a dedicated repository with an explicit db handle.
type Repository[T any] interface {
	WithTrx(tx *gorm.DB) Repository[T]
	Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error)
	FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error)
	Create(ctx context.Context, resource *T) error
	Update(ctx context.Context, resourceID string, resource any) error
	Delete(ctx context.Context, resourceID string) error
	Count(ctx context.Context, query *T) (int64, error)
	BatchCreate(ctx context.Context, resources []*T) error
	BatchUpdate(ctx context.Context, resources []*T) error
}

package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	usagedomain "github.com/creditrail/creditrail/internal/usage/domain"
)

// Repository holds the aggregate read queries. Row-level access goes through
// the generic store; only the GROUP BY projections need hand-written SQL.
type Repository interface {
	Summarize(ctx context.Context, db *gorm.DB, userID string, start, end time.Time) (*usagedomain.Summary, error)
	GroupByModel(ctx context.Context, db *gorm.DB, userID string, start, end time.Time) ([]usagedomain.ModelUsage, error)
	GroupByService(ctx context.Context, db *gorm.DB, userID string, start, end time.Time) ([]usagedomain.ServiceUsage, error)
	FreeTier(ctx context.Context, db *gorm.DB, userID string, start, end time.Time) (*usagedomain.FreeTierSummary, error)
}

type repo struct{}

func Provide() Repository {
	return &repo{}
}

func (r *repo) Summarize(ctx context.Context, db *gorm.DB, userID string, start, end time.Time) (*usagedomain.Summary, error) {
	var out usagedomain.Summary
	err := db.WithContext(ctx).Raw(
		`SELECT
			COUNT(*) AS total_events,
			COALESCE(SUM(units_consumed), 0) AS total_units,
			COALESCE(SUM(provider_cost), 0) AS provider_cost,
			COALESCE(SUM(platform_markup), 0) AS markup_amount,
			COALESCE(SUM(total_cost), 0) AS total_cost,
			COALESCE(SUM(CASE WHEN is_free_tier THEN 1 ELSE 0 END), 0) AS free_events,
			COALESCE(SUM(CASE WHEN byok THEN 1 ELSE 0 END), 0) AS byok_events
		 FROM usage_events
		 WHERE user_id = ? AND created_at >= ? AND created_at < ?`,
		userID, start, end,
	).Scan(&out).Error
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *repo) GroupByModel(ctx context.Context, db *gorm.DB, userID string, start, end time.Time) ([]usagedomain.ModelUsage, error) {
	var rows []usagedomain.ModelUsage
	err := db.WithContext(ctx).Raw(
		`SELECT
			model,
			COUNT(*) AS events,
			COALESCE(SUM(units_consumed), 0) AS units,
			COALESCE(SUM(total_cost), 0) AS total_cost
		 FROM usage_events
		 WHERE user_id = ? AND created_at >= ? AND created_at < ?
		 GROUP BY model
		 ORDER BY total_cost DESC`,
		userID, start, end,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) GroupByService(ctx context.Context, db *gorm.DB, userID string, start, end time.Time) ([]usagedomain.ServiceUsage, error) {
	var rows []usagedomain.ServiceUsage
	err := db.WithContext(ctx).Raw(
		`SELECT
			service,
			COUNT(*) AS events,
			COALESCE(SUM(units_consumed), 0) AS units,
			COALESCE(SUM(total_cost), 0) AS total_cost
		 FROM usage_events
		 WHERE user_id = ? AND created_at >= ? AND created_at < ?
		 GROUP BY service
		 ORDER BY total_cost DESC`,
		userID, start, end,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) FreeTier(ctx context.Context, db *gorm.DB, userID string, start, end time.Time) (*usagedomain.FreeTierSummary, error) {
	var out usagedomain.FreeTierSummary
	err := db.WithContext(ctx).Raw(
		`SELECT
			COUNT(*) AS events,
			COALESCE(SUM(units_consumed), 0) AS units
		 FROM usage_events
		 WHERE user_id = ? AND is_free_tier AND created_at >= ? AND created_at < ?`,
		userID, start, end,
	).Scan(&out).Error
	if err != nil {
		return nil, err
	}
	return &out, nil
}

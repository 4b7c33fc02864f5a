package option

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/creditrail/creditrail/pkg/db/pagination"
)

// QueryOption mutates a gorm query before execution.
type QueryOption interface {
	Apply(db *gorm.DB) *gorm.DB
}

type queryOptionFunc func(db *gorm.DB) *gorm.DB

func (f queryOptionFunc) Apply(db *gorm.DB) *gorm.DB { return f(db) }

// ApplyPagination applies cursor pagination. The query fetches one extra row
// so callers can detect whether another page exists.
func ApplyPagination(p pagination.Pagination) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		pageSize := p.PageSize
		if pageSize <= 0 {
			pageSize = 10
		}
		if pageSize > 250 {
			pageSize = 250
		}

		token := strings.TrimSpace(p.PageToken)
		if token != "" {
			cursor, err := pagination.DecodeCursor(token)
			if err == nil && cursor != nil && cursor.CreatedAt != "" {
				if ts, parseErr := time.Parse(time.RFC3339, cursor.CreatedAt); parseErr == nil {
					// The id breaks ties between rows sharing the boundary
					// timestamp; without it those rows vanish between pages.
					if id, idErr := snowflake.ParseString(strings.TrimSpace(cursor.ID)); idErr == nil && id != 0 {
						db = db.Where("(created_at < ?) OR (created_at = ? AND id < ?)", ts, ts, id)
					} else {
						db = db.Where("created_at < ?", ts)
					}
				}
			}
		}

		return db.Limit(pageSize + 1)
	})
}

// QuerySortBy restricts sortable columns to an allow-list.
type QuerySortBy struct {
	Allow map[string]bool
	Field string
	Desc  bool
}

// WithSortBy orders the query by an allowed column, newest first by default.
func WithSortBy(sort QuerySortBy) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		field := strings.TrimSpace(sort.Field)
		if field == "" || (sort.Allow != nil && !sort.Allow[field]) {
			field = "created_at"
		}
		direction := "DESC"
		if !sort.Desc && field != "created_at" {
			direction = "ASC"
		}
		if field == "created_at" {
			// Match the pagination cursor: ties on created_at are ordered
			// by id so every page boundary is deterministic.
			return db.Order(field + " " + direction + ", id " + direction)
		}
		return db.Order(field + " " + direction)
	})
}

// WithDateRange bounds the query on created_at. Zero bounds are ignored.
func WithDateRange(start, end time.Time) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		if !start.IsZero() {
			db = db.Where("created_at >= ?", start)
		}
		if !end.IsZero() {
			db = db.Where("created_at < ?", end)
		}
		return db
	})
}

// WithLimit caps the result set.
func WithLimit(limit int) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		if limit > 0 {
			db = db.Limit(limit)
		}
		return db
	})
}

package option

import (
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/creditrail/creditrail/pkg/db/pagination"
)

type ledgerRow struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	CreatedAt time.Time
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	require.NoError(t, db.AutoMigrate(&ledgerRow{}))
	return db
}

// Rows created in the same instant must still come back exactly once when
// paging across them.
func TestApplyPaginationSameTimestampRows(t *testing.T) {
	db := newTestDB(t)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	createdAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var seeded []snowflake.ID
	for i := 0; i < 5; i++ {
		row := &ledgerRow{ID: node.Generate(), CreatedAt: createdAt}
		require.NoError(t, db.Create(row).Error)
		seeded = append(seeded, row.ID)
	}

	seen := map[snowflake.ID]int{}
	token := ""
	pages := 0
	for {
		pages++
		require.LessOrEqual(t, pages, 5, "paging must terminate")

		var rows []*ledgerRow
		stmt := db.Model(&ledgerRow{})
		stmt = ApplyPagination(pagination.Pagination{PageToken: token, PageSize: 2}).Apply(stmt)
		stmt = WithSortBy(QuerySortBy{Allow: map[string]bool{"created_at": true}}).Apply(stmt)
		require.NoError(t, stmt.Find(&rows).Error)

		info := pagination.BuildCursorPageInfo(rows, 2, func(r *ledgerRow) string {
			tok, encodeErr := pagination.EncodeCursor(pagination.Cursor{
				ID:        r.ID.String(),
				CreatedAt: r.CreatedAt.Format(time.RFC3339),
			})
			require.NoError(t, encodeErr)
			return tok
		})
		if len(rows) > 2 {
			rows = rows[:2]
		}
		for _, r := range rows {
			seen[r.ID]++
		}
		if info == nil || !info.HasMore {
			break
		}
		token = info.NextPageToken
	}

	require.Len(t, seen, len(seeded), "every row appears across the pages")
	for _, id := range seeded {
		assert.Equal(t, 1, seen[id], "row %s served exactly once", id)
	}
}

func TestApplyPaginationIgnoresBadToken(t *testing.T) {
	db := newTestDB(t)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	require.NoError(t, db.Create(&ledgerRow{ID: node.Generate(), CreatedAt: time.Now().UTC()}).Error)

	var rows []*ledgerRow
	stmt := ApplyPagination(pagination.Pagination{PageToken: "%%garbage%%", PageSize: 10}).
		Apply(db.Model(&ledgerRow{}))
	require.NoError(t, stmt.Find(&rows).Error)
	assert.Len(t, rows, 1)
}

package pagination

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct {
	ID int
}

func TestBuildCursorPageInfoTrimsOverfetch(t *testing.T) {
	rows := []*row{{ID: 1}, {ID: 2}, {ID: 3}}

	info := BuildCursorPageInfo(rows, 2, func(r *row) string {
		return fmt.Sprintf("cursor-%d", r.ID)
	})
	require.NotNil(t, info)
	assert.True(t, info.HasMore)
	// The extra row only signals a further page; the cursor points at the
	// last row of the page actually served.
	assert.Equal(t, "cursor-2", info.NextPageToken)

	info = BuildCursorPageInfo(rows[:2], 2, func(r *row) string {
		return fmt.Sprintf("cursor-%d", r.ID)
	})
	require.NotNil(t, info)
	assert.False(t, info.HasMore)
	assert.Equal(t, "cursor-2", info.NextPageToken)

	info = BuildCursorPageInfo(nil, 2, func(r *row) string { return "" })
	require.NotNil(t, info)
	assert.False(t, info.HasMore)
	assert.Empty(t, info.NextPageToken)
}

func TestPageInfoWireKeys(t *testing.T) {
	b, err := json.Marshal(PageInfo{
		NextPageToken:     "n",
		PreviousPageToken: "p",
		HasMore:           true,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"next_page_token":"n","previous_page_token":"p","has_more":true}`, string(b))
}

func TestCursorTokenRoundTrip(t *testing.T) {
	token, err := EncodeCursor(Cursor{ID: "42", CreatedAt: "2026-01-02T03:04:05Z"})
	require.NoError(t, err)

	cursor, err := DecodeCursor(token)
	require.NoError(t, err)
	assert.Equal(t, "42", cursor.ID)
	assert.Equal(t, "2026-01-02T03:04:05Z", cursor.CreatedAt)

	_, err = DecodeCursor("%%not-base64%%")
	assert.Error(t, err)
}

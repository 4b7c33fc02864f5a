package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/creditrail/creditrail/internal/byok/domain"
	"github.com/creditrail/creditrail/internal/cache"
)

func newBYOKService(t *testing.T) domain.Service {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	require.NoError(t, db.AutoMigrate(&domain.Credential{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return New(Params{
		DB:            db,
		Log:           zap.NewNop(),
		GenID:         node,
		ResolverCache: cache.NewResolverCache(),
	})
}

func TestHasBYOKDefaultsToFalse(t *testing.T) {
	svc := newBYOKService(t)

	enabled, err := svc.HasBYOK(context.Background(), "user-1", "llm")
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestUpsertEnableDisable(t *testing.T) {
	svc := newBYOKService(t)
	ctx := context.Background()

	cred, err := svc.Upsert(ctx, domain.UpsertRequest{
		UserID:   "user-1",
		Provider: "LLM",
		Enabled:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, "llm", cred.Provider)
	assert.True(t, cred.Enabled)

	enabled, err := svc.HasBYOK(ctx, "user-1", "llm")
	require.NoError(t, err)
	assert.True(t, enabled)

	// Upserting the same pair flips the flag in place, including the cache.
	cred, err = svc.Upsert(ctx, domain.UpsertRequest{
		UserID:   "user-1",
		Provider: "llm",
		Enabled:  false,
	})
	require.NoError(t, err)
	assert.False(t, cred.Enabled)

	enabled, err = svc.HasBYOK(ctx, "user-1", "llm")
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestHasBYOKIsPerProvider(t *testing.T) {
	svc := newBYOKService(t)
	ctx := context.Background()

	_, err := svc.Upsert(ctx, domain.UpsertRequest{UserID: "user-1", Provider: "llm", Enabled: true})
	require.NoError(t, err)

	enabled, err := svc.HasBYOK(ctx, "user-1", "tts")
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestByokValidation(t *testing.T) {
	svc := newBYOKService(t)
	ctx := context.Background()

	_, err := svc.HasBYOK(ctx, "", "llm")
	assert.ErrorIs(t, err, domain.ErrInvalidUser)

	_, err = svc.Upsert(ctx, domain.UpsertRequest{UserID: "user-1", Provider: " "})
	assert.ErrorIs(t, err, domain.ErrInvalidProvider)
}

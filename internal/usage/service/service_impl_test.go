package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	auditdomain "github.com/creditrail/creditrail/internal/audit/domain"
	byokdomain "github.com/creditrail/creditrail/internal/byok/domain"
	byokservice "github.com/creditrail/creditrail/internal/byok/service"
	"github.com/creditrail/creditrail/internal/config"
	creditdomain "github.com/creditrail/creditrail/internal/credit/domain"
	creditrepo "github.com/creditrail/creditrail/internal/credit/repository"
	creditservice "github.com/creditrail/creditrail/internal/credit/service"
	pricingservice "github.com/creditrail/creditrail/internal/pricing/service"
	usagedomain "github.com/creditrail/creditrail/internal/usage/domain"
	usagerepo "github.com/creditrail/creditrail/internal/usage/repository"
)

type auditStub struct{}

func (auditStub) AuditLog(context.Context, string, string, string, string, map[string]any) error {
	return nil
}

func (auditStub) List(context.Context, auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	return auditdomain.ListAuditLogResponse{}, nil
}

type fixture struct {
	db        *gorm.DB
	usageSvc  usagedomain.Service
	creditSvc creditdomain.Service
	byokSvc   byokdomain.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	require.NoError(t, db.AutoMigrate(
		&creditdomain.Balance{},
		&creditdomain.Transaction{},
		&usagedomain.UsageEvent{},
		&byokdomain.Credential{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	log := zap.NewNop()

	creditSvc := creditservice.NewService(creditservice.Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Repo:     creditrepo.Provide(),
		AuditSvc: auditStub{},
	})

	holder, err := config.NewStaticPricingHolder(config.DefaultPricingConfig())
	require.NoError(t, err)
	pricingSvc := pricingservice.New(pricingservice.Params{Log: log, Pricing: holder})

	byokSvc := byokservice.New(byokservice.Params{DB: db, Log: log, GenID: node})

	usageSvc := NewService(ServiceParam{
		DB:         db,
		Log:        log,
		GenID:      node,
		PricingSvc: pricingSvc,
		CreditSvc:  creditSvc,
		BYOKSvc:    byokSvc,
		Repo:       usagerepo.Provide(),
	})

	return &fixture{db: db, usageSvc: usageSvc, creditSvc: creditSvc, byokSvc: byokSvc}
}

// assertDecimalClose compares to within a hair of float noise: sqlite does
// the in-database balance arithmetic in floating point, unlike postgres
// numeric which is exact.
func assertDecimalClose(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	diff := got.Sub(decimal.RequireFromString(want)).Abs()
	assert.True(t, diff.LessThan(decimal.RequireFromString("0.000001")),
		"got %s, want %s", got, want)
}

func (f *fixture) allocate(t *testing.T, userID string, amount int64) {
	t.Helper()
	_, err := f.creditSvc.Allocate(context.Background(), creditdomain.AllocateRequest{
		UserID: userID,
		Amount: decimal.NewFromInt(amount),
	})
	require.NoError(t, err)
}

func TestTrackSettlesAgainstLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.allocate(t, "user-1", 100)

	event, err := f.usageSvc.Track(ctx, usagedomain.TrackRequest{
		UserID:  "user-1",
		Service: "llm",
		Model:   "gpt-4o-mini",
		Units:   1_000_000,
	})
	require.NoError(t, err)
	assert.True(t, event.TotalCost.Equal(decimal.RequireFromString("0.66")), "got %s", event.TotalCost)
	assert.False(t, event.BYOK)
	assert.False(t, event.IsFreeTier)

	balance, err := f.creditSvc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assertDecimalClose(t, "99.34", balance.Balance)
}

func TestTrackFreeModelCostsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.allocate(t, "user-1", 100)

	event, err := f.usageSvc.Track(ctx, usagedomain.TrackRequest{
		UserID:  "user-1",
		Service: "llm",
		Model:   "mistral-7b:free",
		Units:   500_000,
	})
	require.NoError(t, err)
	assert.True(t, event.IsFreeTier)
	assert.True(t, event.TotalCost.IsZero())

	balance, err := f.creditSvc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, balance.Balance.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, int64(1), balance.FreeTierConsumed)
}

func TestTrackFreeTierReplayCountsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.allocate(t, "user-1", 100)

	req := usagedomain.TrackRequest{
		UserID:         "user-1",
		Service:        "llm",
		Model:          "mistral-7b:free",
		Units:          100_000,
		IdempotencyKey: "evt-free",
	}
	first, err := f.usageSvc.Track(ctx, req)
	require.NoError(t, err)
	require.True(t, first.IsFreeTier)

	replay, err := f.usageSvc.Track(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, replay.ID)

	balance, err := f.creditSvc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), balance.FreeTierConsumed, "a replayed event counts once")
}

func TestTrackBYOKBypassesPricing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.allocate(t, "user-1", 100)

	_, err := f.byokSvc.Upsert(ctx, byokdomain.UpsertRequest{
		UserID:   "user-1",
		Provider: "llm",
		Enabled:  true,
	})
	require.NoError(t, err)

	// gpt-4 would normally cost; with the user's own key it records at zero.
	event, err := f.usageSvc.Track(ctx, usagedomain.TrackRequest{
		UserID:  "user-1",
		Service: "llm",
		Model:   "gpt-4",
		Units:   1_000_000,
	})
	require.NoError(t, err)
	assert.True(t, event.BYOK)
	assert.False(t, event.IsFreeTier)
	assert.True(t, event.TotalCost.IsZero())

	balance, err := f.creditSvc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, balance.Balance.Equal(decimal.NewFromInt(100)))
}

func TestTrackKeepsEventWhenCreditsRunOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.allocate(t, "user-1", 1)

	// 2M units of claude-sonnet cost 39, far beyond the balance of 1.
	event, err := f.usageSvc.Track(ctx, usagedomain.TrackRequest{
		UserID:  "user-1",
		Service: "llm",
		Model:   "claude-sonnet",
		Units:   2_000_000,
	})
	require.Error(t, err)
	assert.True(t, creditdomain.IsInsufficientCredits(err))
	require.NotNil(t, event, "the consumption record must survive the refusal")

	var count int64
	require.NoError(t, f.db.Model(&usagedomain.UsageEvent{}).
		Where("user_id = ?", "user-1").Count(&count).Error)
	assert.Equal(t, int64(1), count)

	balance, err := f.creditSvc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, balance.Balance.Equal(decimal.NewFromInt(1)), "balance untouched")
}

func TestTrackIdempotencyReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.allocate(t, "user-1", 100)

	req := usagedomain.TrackRequest{
		UserID:         "user-1",
		Service:        "llm",
		Model:          "gpt-4o-mini",
		Units:          1_000_000,
		IdempotencyKey: "evt-123",
	}
	first, err := f.usageSvc.Track(ctx, req)
	require.NoError(t, err)

	replay, err := f.usageSvc.Track(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, replay.ID)

	// One event, one deduction.
	var count int64
	require.NoError(t, f.db.Model(&usagedomain.UsageEvent{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	balance, err := f.creditSvc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assertDecimalClose(t, "99.34", balance.Balance)
}

func TestTrackReplaySettlesAfterRefusal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.allocate(t, "user-1", 1)

	// First attempt records the event but the ledger refuses the charge.
	req := usagedomain.TrackRequest{
		UserID:         "user-1",
		Service:        "llm",
		Model:          "claude-sonnet",
		Units:          2_000_000,
		IdempotencyKey: "evt-retry",
	}
	first, err := f.usageSvc.Track(ctx, req)
	require.Error(t, err)
	assert.True(t, creditdomain.IsInsufficientCredits(err))
	require.NotNil(t, first)

	// Once the account is funded, retrying the same key must collect the
	// outstanding charge rather than report a clean replay.
	f.allocate(t, "user-1", 100)

	replay, err := f.usageSvc.Track(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, replay.ID)

	var count int64
	require.NoError(t, f.db.Model(&usagedomain.UsageEvent{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	// 101 funded minus the 39 charge.
	balance, err := f.creditSvc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assertDecimalClose(t, "62", balance.Balance)

	// A further replay after the charge has landed must not charge again.
	_, err = f.usageSvc.Track(ctx, req)
	require.NoError(t, err)
	balance, err = f.creditSvc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assertDecimalClose(t, "62", balance.Balance)
}

func TestTrackValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.usageSvc.Track(ctx, usagedomain.TrackRequest{Service: "llm", Model: "gpt-4", Units: 1})
	assert.ErrorIs(t, err, usagedomain.ErrInvalidUser)

	_, err = f.usageSvc.Track(ctx, usagedomain.TrackRequest{UserID: "u", Model: "gpt-4", Units: 1})
	assert.ErrorIs(t, err, usagedomain.ErrInvalidService)

	_, err = f.usageSvc.Track(ctx, usagedomain.TrackRequest{UserID: "u", Service: "llm", Units: 1})
	assert.ErrorIs(t, err, usagedomain.ErrInvalidModel)

	_, err = f.usageSvc.Track(ctx, usagedomain.TrackRequest{UserID: "u", Service: "llm", Model: "gpt-4", Units: 0})
	assert.ErrorIs(t, err, usagedomain.ErrInvalidUnits)
}

func TestSummaryAndGroupings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.allocate(t, "user-1", 1000)

	for _, seed := range []struct {
		service string
		model   string
		units   int64
	}{
		{"llm", "gpt-4o-mini", 1_000_000},
		{"llm", "gpt-4o-mini", 1_000_000},
		{"llm", "mistral-7b:free", 250_000},
		{"stt", "standard", 3600},
	} {
		_, err := f.usageSvc.Track(ctx, usagedomain.TrackRequest{
			UserID:  "user-1",
			Service: seed.service,
			Model:   seed.model,
			Units:   seed.units,
		})
		require.NoError(t, err)
	}

	window := usagedomain.SummaryRequest{
		UserID: "user-1",
		Start:  time.Now().UTC().Add(-time.Hour),
		End:    time.Now().UTC().Add(time.Hour),
	}

	summary, err := f.usageSvc.Summary(ctx, window)
	require.NoError(t, err)
	assert.Equal(t, int64(4), summary.TotalEvents)
	assert.Equal(t, int64(1), summary.FreeEvents)
	// 0.66 + 0.66 + 0 + 7.08
	assertDecimalClose(t, "8.4", summary.TotalCost)

	byModel, err := f.usageSvc.ByModel(ctx, window)
	require.NoError(t, err)
	require.Len(t, byModel, 3)

	byService, err := f.usageSvc.ByService(ctx, window)
	require.NoError(t, err)
	require.Len(t, byService, 2)

	freeTier, err := f.usageSvc.FreeTierUsage(ctx, window)
	require.NoError(t, err)
	assert.Equal(t, int64(1), freeTier.Events)
	assert.Equal(t, int64(250_000), freeTier.Units)
}

func TestSummaryWindowExcludesOutside(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.allocate(t, "user-1", 100)

	_, err := f.usageSvc.Track(ctx, usagedomain.TrackRequest{
		UserID:  "user-1",
		Service: "llm",
		Model:   "gpt-4o-mini",
		Units:   1000,
	})
	require.NoError(t, err)

	past := usagedomain.SummaryRequest{
		UserID: "user-1",
		Start:  time.Now().UTC().Add(-2 * time.Hour),
		End:    time.Now().UTC().Add(-time.Hour),
	}
	summary, err := f.usageSvc.Summary(ctx, past)
	require.NoError(t, err)
	assert.Equal(t, int64(0), summary.TotalEvents)
	assert.True(t, summary.TotalCost.IsZero())
}

func TestListUsageEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.allocate(t, "user-1", 100)

	for i := 0; i < 3; i++ {
		_, err := f.usageSvc.Track(ctx, usagedomain.TrackRequest{
			UserID:  "user-1",
			Service: "llm",
			Model:   "gpt-4o-mini",
			Units:   1000,
		})
		require.NoError(t, err)
	}

	resp, err := f.usageSvc.List(ctx, usagedomain.ListUsageRequest{UserID: "user-1"})
	require.NoError(t, err)
	assert.Len(t, resp.Events, 3)
}

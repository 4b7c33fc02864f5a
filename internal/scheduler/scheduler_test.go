package scheduler

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
	"github.com/creditrail/creditrail/internal/clock"
	"github.com/creditrail/creditrail/internal/config"
	creditdomain "github.com/creditrail/creditrail/internal/credit/domain"
	creditrepo "github.com/creditrail/creditrail/internal/credit/repository"
	creditservice "github.com/creditrail/creditrail/internal/credit/service"
	pricingservice "github.com/creditrail/creditrail/internal/pricing/service"
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
	clock     *clock.FakeClock
	sched     *Scheduler
	creditSvc creditdomain.Service
}

func newFixture(t *testing.T, cfg Config) *fixture {
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
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	log := zap.NewNop()
	fake := clock.NewFakeClock(time.Now().UTC())

	repo := creditrepo.Provide()
	creditSvc := creditservice.NewService(creditservice.Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Repo:     repo,
		AuditSvc: auditStub{},
	})

	holder, err := config.NewStaticPricingHolder(config.DefaultPricingConfig())
	require.NoError(t, err)
	pricingSvc := pricingservice.New(pricingservice.Params{Log: log, Pricing: holder})

	sched, err := New(Params{
		DB:         db,
		Log:        log,
		Clock:      fake,
		CreditSvc:  creditSvc,
		CreditRepo: repo,
		PricingSvc: pricingSvc,
		Config:     cfg,
	})
	require.NoError(t, err)

	return &fixture{db: db, clock: fake, sched: sched, creditSvc: creditSvc}
}

// seedDueBalance creates a balance whose reset date is already in the past.
func (f *fixture) seedDueBalance(t *testing.T, userID, tier string, amount int64) {
	t.Helper()
	ctx := context.Background()

	_, err := f.creditSvc.Allocate(ctx, creditdomain.AllocateRequest{
		UserID: userID,
		Amount: decimal.NewFromInt(amount),
		Tier:   tier,
	})
	require.NoError(t, err)

	due := f.clock.Now().Add(-time.Hour)
	require.NoError(t, f.db.Model(&creditdomain.Balance{}).
		Where("user_id = ?", userID).
		Update("reset_date", due).Error)
}

func TestSweepResetsDueBalances(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.seedDueBalance(t, "user-1", "pro", 40)

	processed, err := f.sched.SweepDueResets(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	balance, err := f.creditSvc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	// The pro tier allocates 100; the unspent 40 monthly credits are gone.
	assert.True(t, balance.Balance.Equal(decimal.NewFromInt(100)), "got %s", balance.Balance)
	assert.True(t, balance.AllocatedMonthly.Equal(decimal.NewFromInt(100)))
	assert.True(t, balance.ResetDate.After(f.clock.Now()), "reset date must advance")
}

func TestSweepIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.seedDueBalance(t, "user-1", "starter", 10)

	processed, err := f.sched.SweepDueResets(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	// The reset date advanced, so an immediately following sweep is a no-op.
	processed, err = f.sched.SweepDueResets(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, processed)
}

func TestSweepSkipsBalancesNotYetDue(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.creditSvc.Allocate(ctx, creditdomain.AllocateRequest{
		UserID: "user-1",
		Amount: decimal.NewFromInt(25),
		Tier:   "starter",
	})
	require.NoError(t, err)

	processed, err := f.sched.SweepDueResets(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, processed)

	balance, err := f.creditSvc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, balance.Balance.Equal(decimal.NewFromInt(25)))
}

func TestSweepUnknownTierKeepsAllocation(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.seedDueBalance(t, "user-1", "legacy-gold", 30)

	processed, err := f.sched.SweepDueResets(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	balance, err := f.creditSvc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	// No tier mapping: the previous monthly allocation is replayed.
	assert.True(t, balance.Balance.Equal(decimal.NewFromInt(30)), "got %s", balance.Balance)
	assert.True(t, balance.AllocatedMonthly.Equal(decimal.NewFromInt(30)))
}

func TestSweepDrainsInBatches(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 2})
	ctx := context.Background()

	users := []string{"u1", "u2", "u3", "u4", "u5"}
	for _, user := range users {
		f.seedDueBalance(t, user, "free", 1)
	}

	processed, err := f.sched.SweepDueResets(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(users), processed)

	for _, user := range users {
		balance, err := f.creditSvc.GetBalance(ctx, user)
		require.NoError(t, err)
		assert.True(t, balance.Balance.Equal(decimal.NewFromInt(5)), "user %s got %s", user, balance.Balance)
	}
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	_, err := New(Params{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

package service

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	auditdomain "github.com/creditrail/creditrail/internal/audit/domain"
	creditdomain "github.com/creditrail/creditrail/internal/credit/domain"
	creditrepo "github.com/creditrail/creditrail/internal/credit/repository"
)

type auditStub struct {
	entries []string
}

func (a *auditStub) AuditLog(_ context.Context, _ string, action string, _ string, _ string, _ map[string]any) error {
	a.entries = append(a.entries, action)
	return nil
}

func (a *auditStub) List(context.Context, auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	return auditdomain.ListAuditLogResponse{}, nil
}

func newCreditService(t *testing.T) (creditdomain.Service, *gorm.DB) {
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

	svc := NewService(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Repo:     creditrepo.Provide(),
		AuditSvc: &auditStub{},
	})
	return svc, db
}

func TestAllocateThenDeduct(t *testing.T) {
	svc, _ := newCreditService(t)
	ctx := context.Background()

	balance, err := svc.Allocate(ctx, creditdomain.AllocateRequest{
		UserID: "user-1",
		Amount: decimal.NewFromInt(1000),
		Tier:   "pro",
		Source: "subscription",
	})
	require.NoError(t, err)
	assert.True(t, balance.Balance.Equal(decimal.NewFromInt(1000)))
	assert.True(t, balance.AllocatedMonthly.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, "pro", balance.Tier)

	balance, err = svc.Deduct(ctx, creditdomain.DeductRequest{
		UserID:  "user-1",
		Amount:  decimal.RequireFromString("2.5"),
		Service: "code_review",
		Model:   "claude-3-5-sonnet",
	})
	require.NoError(t, err)
	assert.True(t, balance.Balance.Equal(decimal.RequireFromString("997.5")),
		"got %s", balance.Balance)
}

func TestDeductInsufficientCredits(t *testing.T) {
	svc, _ := newCreditService(t)
	ctx := context.Background()

	_, err := svc.Allocate(ctx, creditdomain.AllocateRequest{
		UserID: "user-1",
		Amount: decimal.NewFromInt(5),
	})
	require.NoError(t, err)

	_, err = svc.Deduct(ctx, creditdomain.DeductRequest{
		UserID: "user-1",
		Amount: decimal.NewFromInt(10),
	})
	require.Error(t, err)
	assert.True(t, creditdomain.IsInsufficientCredits(err))

	var insufficient *creditdomain.InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Required.Equal(decimal.NewFromInt(10)))
	assert.True(t, insufficient.Available.Equal(decimal.NewFromInt(5)))

	// The refused deduction must not have touched the balance.
	balance, err := svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, balance.Balance.Equal(decimal.NewFromInt(5)))
}

func TestDeductExactBalanceOnceOnly(t *testing.T) {
	svc, _ := newCreditService(t)
	ctx := context.Background()

	_, err := svc.Allocate(ctx, creditdomain.AllocateRequest{
		UserID: "user-1",
		Amount: decimal.NewFromInt(10),
	})
	require.NoError(t, err)

	// First deduction of the full balance succeeds, landing on exactly zero.
	balance, err := svc.Deduct(ctx, creditdomain.DeductRequest{
		UserID: "user-1",
		Amount: decimal.NewFromInt(10),
	})
	require.NoError(t, err)
	assert.True(t, balance.Balance.IsZero())

	// The second identical deduction finds nothing left.
	_, err = svc.Deduct(ctx, creditdomain.DeductRequest{
		UserID: "user-1",
		Amount: decimal.NewFromInt(10),
	})
	assert.True(t, creditdomain.IsInsufficientCredits(err))
}

func TestConcurrentDeductSingleWinner(t *testing.T) {
	svc, _ := newCreditService(t)
	ctx := context.Background()

	_, err := svc.Allocate(ctx, creditdomain.AllocateRequest{
		UserID: "user-1",
		Amount: decimal.NewFromInt(10),
	})
	require.NoError(t, err)

	const attempts = 8
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			_, errs[slot] = svc.Deduct(ctx, creditdomain.DeductRequest{
				UserID: "user-1",
				Amount: decimal.NewFromInt(10),
			})
		}(i)
	}
	wg.Wait()

	wins, refusals := 0, 0
	for _, deductErr := range errs {
		switch {
		case deductErr == nil:
			wins++
		case creditdomain.IsInsufficientCredits(deductErr):
			refusals++
		default:
			t.Fatalf("unexpected error: %v", deductErr)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, attempts-1, refusals)

	balance, err := svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, balance.Balance.IsZero())
}

func TestDeductIdempotencyReplay(t *testing.T) {
	svc, _ := newCreditService(t)
	ctx := context.Background()

	_, err := svc.Allocate(ctx, creditdomain.AllocateRequest{
		UserID: "user-1",
		Amount: decimal.NewFromInt(100),
	})
	require.NoError(t, err)

	first, err := svc.Deduct(ctx, creditdomain.DeductRequest{
		UserID:         "user-1",
		Amount:         decimal.NewFromInt(30),
		IdempotencyKey: "req-abc",
	})
	require.NoError(t, err)
	assert.True(t, first.Balance.Equal(decimal.NewFromInt(70)))

	// Same key again: no second debit, same balance back.
	replay, err := svc.Deduct(ctx, creditdomain.DeductRequest{
		UserID:         "user-1",
		Amount:         decimal.NewFromInt(30),
		IdempotencyKey: "req-abc",
	})
	require.NoError(t, err)
	assert.True(t, replay.Balance.Equal(decimal.NewFromInt(70)))
}

func TestBonusAndRefundCarrySeparately(t *testing.T) {
	svc, _ := newCreditService(t)
	ctx := context.Background()

	_, err := svc.Allocate(ctx, creditdomain.AllocateRequest{
		UserID: "user-1",
		Amount: decimal.NewFromInt(100),
	})
	require.NoError(t, err)

	balance, err := svc.AddBonus(ctx, creditdomain.AdjustRequest{
		UserID: "user-1",
		Amount: decimal.NewFromInt(25),
		Reason: "goodwill",
	})
	require.NoError(t, err)
	assert.True(t, balance.Balance.Equal(decimal.NewFromInt(125)))
	assert.True(t, balance.BonusCredits.Equal(decimal.NewFromInt(25)))
	assert.True(t, balance.AllocatedMonthly.Equal(decimal.NewFromInt(100)))

	balance, err = svc.Refund(ctx, creditdomain.AdjustRequest{
		UserID: "user-1",
		Amount: decimal.NewFromInt(10),
		Reason: "billing_error",
	})
	require.NoError(t, err)
	assert.True(t, balance.Balance.Equal(decimal.NewFromInt(135)))
}

func TestResetMonthlyForfeitsUnspentAllocation(t *testing.T) {
	svc, _ := newCreditService(t)
	ctx := context.Background()

	_, err := svc.Allocate(ctx, creditdomain.AllocateRequest{
		UserID: "user-1",
		Amount: decimal.NewFromInt(1000),
		Tier:   "pro",
	})
	require.NoError(t, err)
	_, err = svc.AddBonus(ctx, creditdomain.AdjustRequest{
		UserID: "user-1",
		Amount: decimal.NewFromInt(50),
	})
	require.NoError(t, err)
	_, err = svc.Deduct(ctx, creditdomain.DeductRequest{
		UserID: "user-1",
		Amount: decimal.NewFromInt(400),
	})
	require.NoError(t, err)

	// Balance 650 of which 1000 was monthly: 650-1000 < 0, nothing carries
	// beyond the bonus remainder. carry = max(650-1000, 0) = 0.
	balance, err := svc.ResetMonthly(ctx, creditdomain.ResetMonthlyRequest{
		UserID:        "user-1",
		NewAllocation: decimal.NewFromInt(1000),
	})
	require.NoError(t, err)
	assert.True(t, balance.Balance.Equal(decimal.NewFromInt(1000)), "got %s", balance.Balance)
	assert.True(t, balance.AllocatedMonthly.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, int64(0), balance.FreeTierConsumed)
}

func TestResetMonthlyCarriesSurplus(t *testing.T) {
	svc, _ := newCreditService(t)
	ctx := context.Background()

	_, err := svc.Allocate(ctx, creditdomain.AllocateRequest{
		UserID: "user-1",
		Amount: decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	_, err = svc.AddBonus(ctx, creditdomain.AdjustRequest{
		UserID: "user-1",
		Amount: decimal.NewFromInt(40),
	})
	require.NoError(t, err)

	// Balance 140 with 100 monthly: 40 carries over the new allocation.
	balance, err := svc.ResetMonthly(ctx, creditdomain.ResetMonthlyRequest{
		UserID:        "user-1",
		NewAllocation: decimal.NewFromInt(200),
	})
	require.NoError(t, err)
	assert.True(t, balance.Balance.Equal(decimal.NewFromInt(240)), "got %s", balance.Balance)
}

func TestRecordFreeTierUsage(t *testing.T) {
	svc, _ := newCreditService(t)
	ctx := context.Background()

	// Nothing to count against before the balance row exists.
	require.NoError(t, svc.RecordFreeTierUsage(ctx, "user-1", 1))

	_, err := svc.Allocate(ctx, creditdomain.AllocateRequest{
		UserID: "user-1",
		Amount: decimal.NewFromInt(100),
	})
	require.NoError(t, err)

	require.NoError(t, svc.RecordFreeTierUsage(ctx, "user-1", 1))
	require.NoError(t, svc.RecordFreeTierUsage(ctx, "user-1", 2))

	balance, err := svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), balance.FreeTierConsumed)
	assert.True(t, balance.Balance.Equal(decimal.NewFromInt(100)), "counting free usage moves no credits")

	// The counter starts over with the month.
	reset, err := svc.ResetMonthly(ctx, creditdomain.ResetMonthlyRequest{
		UserID:        "user-1",
		NewAllocation: decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), reset.FreeTierConsumed)

	require.ErrorIs(t, svc.RecordFreeTierUsage(ctx, "", 1), creditdomain.ErrInvalidUser)
	require.ErrorIs(t, svc.RecordFreeTierUsage(ctx, "user-1", 0), creditdomain.ErrInvalidAmount)
}

func TestGetBalanceUnknownUserIsZero(t *testing.T) {
	svc, _ := newCreditService(t)

	balance, err := svc.GetBalance(context.Background(), "nobody")
	require.NoError(t, err)
	assert.True(t, balance.Balance.IsZero())
	assert.True(t, balance.AllocatedMonthly.IsZero())
}

func TestLedgerReconstructsBalance(t *testing.T) {
	svc, db := newCreditService(t)
	ctx := context.Background()

	_, err := svc.Allocate(ctx, creditdomain.AllocateRequest{
		UserID: "user-1",
		Amount: decimal.NewFromInt(500),
	})
	require.NoError(t, err)
	_, err = svc.Deduct(ctx, creditdomain.DeductRequest{
		UserID: "user-1",
		Amount: decimal.RequireFromString("12.5"),
	})
	require.NoError(t, err)
	_, err = svc.AddBonus(ctx, creditdomain.AdjustRequest{
		UserID: "user-1",
		Amount: decimal.NewFromInt(7),
	})
	require.NoError(t, err)

	var txns []creditdomain.Transaction
	require.NoError(t, db.Where("user_id = ?", "user-1").Find(&txns).Error)
	require.Len(t, txns, 3)

	sum := decimal.Zero
	for _, txn := range txns {
		sum = sum.Add(txn.Delta)
	}
	balance, err := svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, sum.Equal(balance.Balance), "ledger sum %s vs balance %s", sum, balance.Balance)
}

func TestListTransactionsFiltersByKind(t *testing.T) {
	svc, _ := newCreditService(t)
	ctx := context.Background()

	_, err := svc.Allocate(ctx, creditdomain.AllocateRequest{
		UserID: "user-1",
		Amount: decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	_, err = svc.Deduct(ctx, creditdomain.DeductRequest{
		UserID: "user-1",
		Amount: decimal.NewFromInt(5),
	})
	require.NoError(t, err)

	resp, err := svc.ListTransactions(ctx, creditdomain.ListTransactionsRequest{
		UserID: "user-1",
		Kind:   creditdomain.KindUsage,
	})
	require.NoError(t, err)
	require.Len(t, resp.Transactions, 1)
	assert.Equal(t, creditdomain.KindUsage, resp.Transactions[0].Kind)
	assert.True(t, resp.Transactions[0].Delta.Equal(decimal.NewFromInt(-5)))
}

func TestAllocateValidation(t *testing.T) {
	svc, _ := newCreditService(t)
	ctx := context.Background()

	_, err := svc.Allocate(ctx, creditdomain.AllocateRequest{UserID: "", Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, creditdomain.ErrInvalidUser)

	_, err = svc.Allocate(ctx, creditdomain.AllocateRequest{UserID: "user-1", Amount: decimal.Zero})
	assert.ErrorIs(t, err, creditdomain.ErrInvalidAmount)

	_, err = svc.Allocate(ctx, creditdomain.AllocateRequest{UserID: "user-1", Amount: decimal.NewFromInt(-3)})
	assert.ErrorIs(t, err, creditdomain.ErrInvalidAmount)
}

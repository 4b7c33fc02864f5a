// Package scheduler runs the monthly reset sweep: it finds balances whose
// reset_date has passed and replays their tier allocation through the
// credit service.
package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	auditdomain "github.com/creditrail/creditrail/internal/audit/domain"
	"github.com/creditrail/creditrail/internal/auditcontext"
	"github.com/creditrail/creditrail/internal/clock"
	creditdomain "github.com/creditrail/creditrail/internal/credit/domain"
	creditrepository "github.com/creditrail/creditrail/internal/credit/repository"
	obsmetrics "github.com/creditrail/creditrail/internal/observability/metrics"
	pricingdomain "github.com/creditrail/creditrail/internal/pricing/domain"
	"github.com/creditrail/creditrail/internal/ratelimit"
)

const resetSweepLockKey = "credit:reset:sweep"

var ErrInvalidConfig = errors.New("scheduler: invalid configuration")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	CreditSvc  creditdomain.Service
	CreditRepo creditrepository.Repository
	PricingSvc pricingdomain.Service
	Locker     *ratelimit.Locker `optional:"true"`
	Config     Config            `optional:"true"`
}

type Scheduler struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        Config
	clock      clock.Clock
	creditSvc  creditdomain.Service
	creditRepo creditrepository.Repository
	pricingSvc pricingdomain.Service
	locker     *ratelimit.Locker
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.CreditSvc == nil || p.CreditRepo == nil || p.PricingSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:         p.DB,
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		clock:      p.Clock,
		creditSvc:  p.CreditSvc,
		creditRepo: p.CreditRepo,
		pricingSvc: p.PricingSvc,
		locker:     p.Locker,
	}, nil
}

// SweepDueResets resets every balance whose reset_date is in the past and
// returns how many it processed. A redis lock keeps concurrent replicas
// from double-sweeping; without redis the per-row reset_date advance still
// makes the sweep idempotent, the lock just avoids wasted work.
func (s *Scheduler) SweepDueResets(parent context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(parent, s.cfg.SweepTimeout)
	defer cancel()

	ctx = auditcontext.WithActor(ctx, string(auditdomain.ActorTypeSystem), "scheduler")

	sweepMetrics := obsmetrics.Sweep()
	sweepMetrics.IncSweepRun()
	start := s.clock.Now()
	defer func() {
		sweepMetrics.ObserveSweepDuration(s.clock.Now().Sub(start))
	}()

	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, resetSweepLockKey, s.cfg.LockTTL)
		if err != nil {
			s.log.Warn("sweep lock unavailable, proceeding unlocked", zap.Error(err))
		} else if !ok {
			sweepMetrics.IncLockContention()
			return 0, nil
		} else {
			defer func() {
				releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer releaseCancel()
				_ = s.locker.Release(releaseCtx, resetSweepLockKey, token)
			}()
		}
	}

	total := 0
	for {
		fetched, applied, err := s.sweepBatch(ctx)
		total += applied
		if err != nil {
			sweepMetrics.IncSweepError()
			return total, err
		}
		// Rows that fail to reset stay due, so a batch that applied
		// nothing would only refetch the same rows.
		if fetched < s.cfg.BatchSize || applied == 0 {
			return total, nil
		}
	}
}

func (s *Scheduler) sweepBatch(ctx context.Context) (int, int, error) {
	now := s.clock.Now()
	due, err := s.creditRepo.ListDueResets(ctx, s.db, now, s.cfg.BatchSize)
	if err != nil {
		return 0, 0, err
	}

	processed := 0
	for _, balance := range due {
		allocation, ok := s.pricingSvc.MonthlyAllocation(balance.Tier)
		if !ok {
			s.log.Warn("unknown tier at reset, keeping previous allocation",
				zap.String("user_id", balance.UserID),
				zap.String("tier", balance.Tier),
			)
			allocation = balance.AllocatedMonthly
		}

		if _, err := s.creditSvc.ResetMonthly(ctx, creditdomain.ResetMonthlyRequest{
			UserID:        balance.UserID,
			NewAllocation: allocation,
		}); err != nil {
			s.log.Error("monthly reset failed",
				zap.String("user_id", balance.UserID),
				zap.Error(err),
			)
			continue
		}
		processed++
	}

	sweepMetrics := obsmetrics.Sweep()
	sweepMetrics.AddResetsApplied(processed)
	sweepMetrics.AddResetsFailed(len(due) - processed)

	s.log.Info("reset sweep batch complete",
		zap.Int("due", len(due)),
		zap.Int("processed", processed),
	)
	return len(due), processed, nil
}

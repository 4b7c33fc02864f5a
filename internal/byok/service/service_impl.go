package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/creditrail/creditrail/internal/byok/domain"
	"github.com/creditrail/creditrail/internal/cache"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	ResolverCache cache.ResolverCache `optional:"true"`
}

type byokService struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	cache cache.ResolverCache
}

func New(p Params) domain.Service {
	return &byokService{
		db:    p.DB,
		log:   p.Log.Named("byok.service"),
		genID: p.GenID,
		cache: p.ResolverCache,
	}
}

// HasBYOK reports whether the user has an enabled credential for the
// provider. Lookups are cached briefly so the metering hot path does not hit
// the database on every event.
func (s *byokService) HasBYOK(ctx context.Context, userID, provider string) (bool, error) {
	userID = strings.TrimSpace(userID)
	provider = strings.ToLower(strings.TrimSpace(provider))
	if userID == "" {
		return false, domain.ErrInvalidUser
	}
	if provider == "" {
		return false, domain.ErrInvalidProvider
	}

	if s.cache != nil {
		if enabled, ok := s.cache.GetBYOK(userID, provider); ok {
			return enabled, nil
		}
	}

	var cred domain.Credential
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		First(&cred).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if s.cache != nil {
			s.cache.SetBYOK(userID, provider, false)
		}
		return false, nil
	case err != nil:
		return false, err
	}

	if s.cache != nil {
		s.cache.SetBYOK(userID, provider, cred.Enabled)
	}
	return cred.Enabled, nil
}

func (s *byokService) Upsert(ctx context.Context, req domain.UpsertRequest) (*domain.Credential, error) {
	userID := strings.TrimSpace(req.UserID)
	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	if userID == "" {
		return nil, domain.ErrInvalidUser
	}
	if provider == "" {
		return nil, domain.ErrInvalidProvider
	}

	now := time.Now().UTC()
	cred := domain.Credential{
		ID:        s.genID.Generate(),
		UserID:    userID,
		Provider:  provider,
		Enabled:   req.Enabled,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "provider"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"enabled": req.Enabled, "updated_at": now}),
		}).
		Create(&cred).Error
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.InvalidateBYOK(userID, provider)
	}

	s.log.Info("byok credential upserted",
		zap.String("user_id", userID),
		zap.String("provider", provider),
		zap.Bool("enabled", req.Enabled),
	)

	var out domain.Credential
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		First(&out).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

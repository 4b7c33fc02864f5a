// Package domain models bring-your-own-key provider flags. When a user
// supplies their own provider credential the platform tracks usage but
// charges nothing for it.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Credential marks a (user, provider) pair as BYOK. The key material itself
// lives in the external credential store; this engine only needs the flag.
type Credential struct {
	ID        snowflake.ID `json:"id" gorm:"primaryKey"`
	UserID    string       `json:"user_id" gorm:"type:text;not null;uniqueIndex:ux_byok_user_provider,priority:1"`
	Provider  string       `json:"provider" gorm:"type:text;not null;uniqueIndex:ux_byok_user_provider,priority:2"`
	Enabled   bool         `json:"enabled" gorm:"not null;default:true"`
	CreatedAt time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time    `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Credential) TableName() string { return "byok_credentials" }

type UpsertRequest struct {
	UserID   string `json:"user_id"`
	Provider string `json:"provider"`
	Enabled  bool   `json:"enabled"`
}

type Service interface {
	HasBYOK(ctx context.Context, userID, provider string) (bool, error)
	Upsert(ctx context.Context, req UpsertRequest) (*Credential, error)
}

var (
	ErrInvalidUser     = errors.New("invalid_user")
	ErrInvalidProvider = errors.New("invalid_provider")
)

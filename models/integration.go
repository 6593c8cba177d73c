package models

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap/zapcore"
)

var (
	// ErrIntegrationNotFound is returned by the store when no active integration exists for an owner.
	ErrIntegrationNotFound = errors.New("integration not found")

	// ErrNoIntegration means the owner never authorized, or the integration was deactivated.
	// It is the token manager's view of ErrIntegrationNotFound and is not a network failure.
	ErrNoIntegration = errors.New("no active onedrive integration for owner")

	// ErrStoreUnavailable wraps database connectivity failures.
	ErrStoreUnavailable = errors.New("integration store unavailable")
)

// Integration is the OAuth relationship between the worker and OneDrive for one owner.
// It carries metadata only; token ciphertext never leaves the store through this type.
type Integration struct {
	ID                   int64      `json:"id"`
	OwnerID              int64      `json:"owner_id"`
	UserID               int64      `json:"user_id"`
	AccessTokenExpiresAt *time.Time `json:"access_token_expires_at,omitempty"`
	IsActive             bool       `json:"is_active"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// AccessToken is a decrypted, unexpired access token. It lives only for one operation.
type AccessToken struct {
	Token     string
	ExpiresAt time.Time
}

func (t AccessToken) String() string {
	return "AccessToken{Token:[redacted], ExpiresAt:" + t.ExpiresAt.UTC().Format(time.RFC3339) + "}"
}

func (t AccessToken) GoString() string {
	return t.String()
}

func (t AccessToken) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddTime("expires_at", t.ExpiresAt)
	return nil
}

// IntegrationRepository is the tenant-scoped, encrypted token store.
// Every operation acts on the active record for the owner unless stated otherwise.
type IntegrationRepository interface {
	// GetIntegration returns metadata for the active record without touching token ciphertext.
	GetIntegration(ctx context.Context, ownerID int64) (*Integration, error)
	// GetRefreshToken returns the decrypted refresh token.
	GetRefreshToken(ctx context.Context, ownerID int64) (string, error)
	// GetAccessToken returns nil, nil when there is no usable cached access token.
	GetAccessToken(ctx context.Context, ownerID int64) (*AccessToken, error)
	// SaveRefreshToken upserts on owner id and reactivates the record. It is the only creating operation.
	SaveRefreshToken(ctx context.Context, ownerID, userID int64, refreshToken string) (*Integration, error)
	// SaveAccessToken fails with ErrIntegrationNotFound when no active record exists.
	SaveAccessToken(ctx context.Context, ownerID int64, accessToken string, expiresAt time.Time) (*Integration, error)
	// DeactivateIntegration reports whether a row changed; a second call returns false.
	DeactivateIntegration(ctx context.Context, ownerID int64) (bool, error)
}

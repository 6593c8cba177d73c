// Package onedrive keeps a usable OneDrive access token for every authorized owner.
//
// Access tokens are cached in the integration store and refreshed through the Microsoft identity
// platform when they expire. Rotated refresh tokens are written back to the store.
package onedrive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Vector/ferris-file-sync/metrics"
	"github.com/Vector/ferris-file-sync/models"
)

// ExpirySafetyMargin is taken off the provider's lifetime so a token read as valid is still valid when used.
const ExpirySafetyMargin = 5 * time.Minute

// ErrRefreshLocked means another worker held the owner's refresh lock for too long.
var ErrRefreshLocked = errors.New("token refresh in progress elsewhere")

// Refresher is implemented by *Client.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error)
}

// RefreshLocker serialises refreshes for one owner across processes.
type RefreshLocker interface {
	Lock(ctx context.Context, ownerID int64) (unlock func(context.Context) error, err error)
}

// TokenManager hands out access tokens, refreshing them on demand.
type TokenManager struct {
	repo    models.IntegrationRepository
	client  Refresher
	locker  RefreshLocker
	metrics metrics.Recorder
	logger  *zap.Logger
	now     func() time.Time
}

type Option func(*TokenManager)

// WithLocker makes concurrent refreshes for the same owner wait for each other.
func WithLocker(locker RefreshLocker) Option {
	return func(m *TokenManager) {
		m.locker = locker
	}
}

func WithMetrics(recorder metrics.Recorder) Option {
	return func(m *TokenManager) {
		m.metrics = recorder
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *TokenManager) {
		m.logger = logger.Named("onedrive")
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *TokenManager) {
		m.now = now
	}
}

func NewTokenManager(repo models.IntegrationRepository, client Refresher, opts ...Option) *TokenManager {
	m := &TokenManager{
		repo:    repo,
		client:  client,
		metrics: metrics.NewNoopMetrics(),
		logger:  zap.NewNop(),
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// AccessToken returns a plaintext access token for the owner, valid for at least a few minutes.
// It fails with models.ErrNoIntegration, without contacting the provider, when the owner has no
// active integration.
func (m *TokenManager) AccessToken(ctx context.Context, ownerID int64) (string, error) {
	if token, ok, err := m.cached(ctx, ownerID); err != nil || ok {
		return token, err
	}

	if m.locker != nil {
		unlock, err := m.locker.Lock(ctx, ownerID)
		if err != nil {
			return "", fmt.Errorf("owner %d: %w: %w", ownerID, ErrRefreshLocked, err)
		}

		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				m.logger.Warn("failed to release refresh lock", zap.Int64("owner_id", ownerID), zap.Error(err))
			}
		}()

		// the previous holder has probably refreshed already
		if token, ok, err := m.cached(ctx, ownerID); err != nil || ok {
			return token, err
		}
	}

	return m.refresh(ctx, ownerID)
}

func (m *TokenManager) cached(ctx context.Context, ownerID int64) (string, bool, error) {
	cached, err := m.repo.GetAccessToken(ctx, ownerID)
	if err != nil {
		return "", false, fmt.Errorf("failed to read cached access token: %w", err)
	}

	if cached == nil {
		return "", false, nil
	}

	m.logger.Debug("using cached access token",
		zap.Int64("owner_id", ownerID),
		zap.Time("expires_at", cached.ExpiresAt),
	)
	m.metrics.RecordTokenServed("cache")

	return cached.Token, true, nil
}

func (m *TokenManager) refresh(ctx context.Context, ownerID int64) (string, error) {
	refreshToken, err := m.repo.GetRefreshToken(ctx, ownerID)
	if err != nil {
		return "", noIntegration(ownerID, err)
	}

	start := time.Now()
	resp, err := m.client.Refresh(ctx, refreshToken)
	m.metrics.RecordTokenRefresh(err == nil, time.Since(start))

	if err != nil {
		var refreshErr *RefreshError
		if errors.As(err, &refreshErr) {
			m.logger.Error("provider rejected refresh",
				zap.Int64("owner_id", ownerID),
				zap.Int("status", refreshErr.StatusCode),
				zap.String("body", refreshErr.Body),
			)
		}

		return "", fmt.Errorf("owner %d: %w", ownerID, err)
	}

	expiresAt := m.now().Add(resp.ExpiresIn - ExpirySafetyMargin).UTC()

	if _, err := m.repo.SaveAccessToken(ctx, ownerID, resp.AccessToken, expiresAt); err != nil {
		return "", noIntegration(ownerID, err)
	}

	if resp.RefreshToken != "" {
		m.rotate(ctx, ownerID, resp.RefreshToken)
	}

	m.logger.Info("refreshed access token",
		zap.Int64("owner_id", ownerID),
		zap.Time("expires_at", expiresAt),
		zap.Bool("rotated", resp.RefreshToken != ""),
	)
	m.metrics.RecordTokenServed("refresh")

	return resp.AccessToken, nil
}

// rotate stores a rotated refresh token. Failures are logged only: the access token just obtained
// is valid on its own.
func (m *TokenManager) rotate(ctx context.Context, ownerID int64, refreshToken string) {
	err := func() error {
		integration, err := m.repo.GetIntegration(ctx, ownerID)
		if err != nil {
			return noIntegration(ownerID, err)
		}

		_, err = m.repo.SaveRefreshToken(ctx, ownerID, integration.UserID, refreshToken)

		return err
	}()

	m.metrics.RecordTokenRotation(err == nil)

	if err != nil {
		m.logger.Warn("failed to persist rotated refresh token", zap.Int64("owner_id", ownerID), zap.Error(err))
	}
}

func noIntegration(ownerID int64, err error) error {
	if errors.Is(err, models.ErrIntegrationNotFound) {
		return fmt.Errorf("owner %d: %w: %w", ownerID, models.ErrNoIntegration, err)
	}

	return fmt.Errorf("owner %d: %w", ownerID, err)
}

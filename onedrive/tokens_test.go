package onedrive

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Vector/ferris-file-sync/internal/testutils"
	"github.com/Vector/ferris-file-sync/models"
)

type fixture struct {
	repo    *testutils.MemoryRepository
	server  *testutils.TokenServer
	manager *TokenManager
	now     time.Time
	logs    *observer.ObservedLogs
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		repo:   testutils.NewMemoryRepository(),
		server: testutils.NewTokenServer(t),
		now:    time.Date(2025, 3, 24, 12, 0, 0, 0, time.UTC),
	}
	f.repo.Now = func() time.Time { return f.now }

	core, logs := observer.New(zapcore.DebugLevel)
	f.logs = logs

	opts = append([]Option{WithClock(func() time.Time { return f.now }), WithLogger(zap.New(core))}, opts...)
	f.manager = NewTokenManager(f.repo, NewClient("id", "secret", WithTokenURL(f.server.URL)), opts...)

	return f
}

func TestAccessToken(t *testing.T) {
	ctx := context.Background()

	t.Run("cached token skips the provider", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.repo.SaveRefreshToken(ctx, 1, 10, "RT")
		require.NoError(t, err)
		_, err = f.repo.SaveAccessToken(ctx, 1, "AT-cached", f.now.Add(time.Hour))
		require.NoError(t, err)

		token, err := f.manager.AccessToken(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "AT-cached", token)
		assert.Zero(t, f.server.Calls())
		assert.Zero(t, f.repo.CallCount("GetRefreshToken"))
	})

	t.Run("expired token is refreshed with a safety margin", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.repo.SaveRefreshToken(ctx, 1, 10, "RT")
		require.NoError(t, err)
		_, err = f.repo.SaveAccessToken(ctx, 1, "AT-old", f.now.Add(-time.Second))
		require.NoError(t, err)

		f.server.Succeed("AT-new", 3600, "")

		token, err := f.manager.AccessToken(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "AT-new", token)
		assert.Equal(t, 1, f.server.Calls())
		assert.Equal(t, "RT", f.server.LastRequest().Get("refresh_token"))

		i, err := f.repo.GetIntegration(ctx, 1)
		require.NoError(t, err)
		require.NotNil(t, i.AccessTokenExpiresAt)
		assert.Equal(t, f.now.Add(55*time.Minute), *i.AccessTokenExpiresAt)

		// the fresh token is now served from the store
		token, err = f.manager.AccessToken(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "AT-new", token)
		assert.Equal(t, 1, f.server.Calls())
	})

	t.Run("refresh when a cached token has reached its expiry", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.repo.SaveRefreshToken(ctx, 1, 10, "RT")
		require.NoError(t, err)
		_, err = f.repo.SaveAccessToken(ctx, 1, "AT-old", f.now)
		require.NoError(t, err)

		_, err = f.manager.AccessToken(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 1, f.server.Calls())
	})

	t.Run("never authorized owner does not reach the provider", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.manager.AccessToken(ctx, 123)
		assert.ErrorIs(t, err, models.ErrNoIntegration)
		assert.Zero(t, f.server.Calls())
	})

	t.Run("deactivated owner does not reach the provider", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.repo.SaveRefreshToken(ctx, 1, 10, "RT")
		require.NoError(t, err)
		_, err = f.repo.DeactivateIntegration(ctx, 1)
		require.NoError(t, err)

		_, err = f.manager.AccessToken(ctx, 1)
		assert.ErrorIs(t, err, models.ErrNoIntegration)
		assert.Zero(t, f.server.Calls())
	})

	t.Run("rotated refresh token replaces the stored one", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.repo.SaveRefreshToken(ctx, 1, 10, "RT1")
		require.NoError(t, err)

		f.server.Succeed("AT", 3600, "RT2")

		token, err := f.manager.AccessToken(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "AT", token)

		stored, err := f.repo.GetRefreshToken(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "RT2", stored)

		i, err := f.repo.GetIntegration(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(10), i.UserID)
	})

	t.Run("failed rotation still returns the access token", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.repo.SaveRefreshToken(ctx, 1, 10, "RT1")
		require.NoError(t, err)

		f.server.Succeed("AT", 3600, "RT2")

		core, logs := observer.New(zapcore.WarnLevel)
		repo := &failingRotation{MemoryRepository: f.repo}
		manager := NewTokenManager(repo, NewClient("id", "secret", WithTokenURL(f.server.URL)),
			WithClock(func() time.Time { return f.now }), WithLogger(zap.New(core)))

		token, err := manager.AccessToken(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "AT", token)

		stored, _ := f.repo.RefreshToken(1)
		assert.Equal(t, "RT1", stored)

		entries := logs.FilterMessage("failed to persist rotated refresh token").All()
		require.Len(t, entries, 1)
		assert.Contains(t, entries[0].ContextMap()["error"], models.ErrNoIntegration.Error())
	})

	t.Run("provider rejection", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.repo.SaveRefreshToken(ctx, 1, 10, "RT")
		require.NoError(t, err)

		f.server.Respond(http.StatusUnauthorized, `{"error":"invalid_grant"}`)

		_, err = f.manager.AccessToken(ctx, 1)
		require.Error(t, err)

		var refreshErr *RefreshError
		require.True(t, errors.As(err, &refreshErr))
		assert.Equal(t, http.StatusUnauthorized, refreshErr.StatusCode)
		assert.Contains(t, refreshErr.Body, "invalid_grant")
		assert.Zero(t, f.repo.CallCount("SaveAccessToken"))
	})

	t.Run("unparseable provider response", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.repo.SaveRefreshToken(ctx, 1, 10, "RT")
		require.NoError(t, err)

		f.server.Respond(http.StatusOK, `{"token_type":"Bearer"}`)

		_, err = f.manager.AccessToken(ctx, 1)
		assert.ErrorIs(t, err, ErrResponseParse)
		assert.Zero(t, f.repo.CallCount("SaveAccessToken"))
	})

	t.Run("store failure propagates", func(t *testing.T) {
		f := newFixture(t)
		f.repo.Err = models.ErrStoreUnavailable

		_, err := f.manager.AccessToken(ctx, 1)
		assert.ErrorIs(t, err, models.ErrStoreUnavailable)
		assert.Zero(t, f.server.Calls())
	})

	t.Run("tokens never reach the logs", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.repo.SaveRefreshToken(ctx, 1, 10, "RT-secret")
		require.NoError(t, err)

		f.server.Succeed("AT-secret", 3600, "RT-rotated-secret")

		_, err = f.manager.AccessToken(ctx, 1)
		require.NoError(t, err)
		_, err = f.manager.AccessToken(ctx, 1)
		require.NoError(t, err)

		require.NotZero(t, f.logs.Len())

		for _, entry := range f.logs.All() {
			assert.NotContains(t, entry.Message, "secret")

			for k, v := range entry.ContextMap() {
				assert.NotContains(t, k, "token")
				if s, ok := v.(string); ok {
					assert.NotContains(t, s, "secret")
				}
			}
		}
	})
}

func TestAccessTokenWithLocker(t *testing.T) {
	ctx := context.Background()

	t.Run("second waiter sees the refreshed cache", func(t *testing.T) {
		locker := newMemoryLocker()
		f := newFixture(t, WithLocker(locker))
		_, err := f.repo.SaveRefreshToken(ctx, 1, 10, "RT")
		require.NoError(t, err)

		var wg sync.WaitGroup

		tokens := make([]string, 5)
		errs := make([]error, 5)

		for i := range tokens {
			wg.Add(1)

			go func(i int) {
				defer wg.Done()
				tokens[i], errs[i] = f.manager.AccessToken(ctx, 1)
			}(i)
		}

		wg.Wait()

		for i := range tokens {
			require.NoError(t, errs[i])
			assert.Equal(t, "AT-new", tokens[i])
		}

		assert.Equal(t, 1, f.server.Calls())
	})

	t.Run("lock failure", func(t *testing.T) {
		locker := newMemoryLocker()
		locker.err = errors.New("timed out")
		f := newFixture(t, WithLocker(locker))
		_, err := f.repo.SaveRefreshToken(ctx, 1, 10, "RT")
		require.NoError(t, err)

		_, err = f.manager.AccessToken(ctx, 1)
		assert.ErrorIs(t, err, ErrRefreshLocked)
		assert.Zero(t, f.server.Calls())
	})

	t.Run("cached token needs no lock", func(t *testing.T) {
		locker := newMemoryLocker()
		locker.err = errors.New("must not be called")
		f := newFixture(t, WithLocker(locker))
		_, err := f.repo.SaveRefreshToken(ctx, 1, 10, "RT")
		require.NoError(t, err)
		_, err = f.repo.SaveAccessToken(ctx, 1, "AT", f.now.Add(time.Hour))
		require.NoError(t, err)

		token, err := f.manager.AccessToken(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "AT", token)
	})
}

func TestTokenSource(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.repo.SaveRefreshToken(ctx, 7, 70, "RT")
	require.NoError(t, err)

	tok, err := TokenSource(ctx, f.manager, 7).Token()
	require.NoError(t, err)
	assert.Equal(t, "AT-new", tok.AccessToken)
	assert.Equal(t, "Bearer", tok.TokenType)

	_, err = TokenSource(ctx, f.manager, 8).Token()
	assert.ErrorIs(t, err, models.ErrNoIntegration)
}

// failingRotation loses the integration between the refresh and the rotation.
type failingRotation struct {
	*testutils.MemoryRepository
}

func (r *failingRotation) GetIntegration(context.Context, int64) (*models.Integration, error) {
	return nil, models.ErrIntegrationNotFound
}

type memoryLocker struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
	err   error
}

func newMemoryLocker() *memoryLocker {
	return &memoryLocker{locks: make(map[int64]*sync.Mutex)}
}

func (l *memoryLocker) Lock(_ context.Context, ownerID int64) (func(context.Context) error, error) {
	l.mu.Lock()
	if l.err != nil {
		l.mu.Unlock()
		return nil, l.err
	}

	m, ok := l.locks[ownerID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[ownerID] = m
	}
	l.mu.Unlock()

	m.Lock()

	return func(context.Context) error {
		m.Unlock()
		return nil
	}, nil
}

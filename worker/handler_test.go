package worker

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vector/ferris-file-sync/internal/testutils"
	"github.com/Vector/ferris-file-sync/messages"
	"github.com/Vector/ferris-file-sync/models"
	"github.com/Vector/ferris-file-sync/onedrive"
)

type recordingTransferer struct {
	tokens   []string
	requests []messages.SyncRequestEvent
	err      error
}

func (r *recordingTransferer) Transfer(_ context.Context, accessToken string, req messages.SyncRequestEvent) error {
	r.tokens = append(r.tokens, accessToken)
	r.requests = append(r.requests, req)

	return r.err
}

type harness struct {
	repo       *testutils.MemoryRepository
	server     *testutils.TokenServer
	transferer *recordingTransferer
	handler    *Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		repo:       testutils.NewMemoryRepository(),
		server:     testutils.NewTokenServer(t),
		transferer: &recordingTransferer{},
	}

	tokens := onedrive.NewTokenManager(h.repo, onedrive.NewClient("id", "secret", onedrive.WithTokenURL(h.server.URL)))
	h.handler = NewHandler(h.repo, tokens, h.transferer)

	return h
}

const authorization = `{
	"event_type": "onedrive_authorization",
	"payload": {"refresh_token": "RT1", "owner_id": 123, "user_id": 456, "timestamp": "2025-03-24T13:05:23Z"}
}`

const reauthorization = `{
	"event_type": "onedrive_authorization",
	"payload": {"refresh_token": "RT-2", "owner_id": 123, "user_id": 456, "timestamp": "2025-03-25T09:00:00Z"}
}`

const syncRequest = `{
	"event_type": "file_sync",
	"payload": {"bucket": "b", "key": "k.txt", "destination": "/Documents/", "owner_id": 123, "user_id": null, "timestamp": "2025-03-24T13:10:23Z"}
}`

const deauthorization = `{
	"event_type": "onedrive_deauthorization",
	"payload": {"owner_id": 123, "timestamp": "2025-03-24T14:00:00Z"}
}`

func TestAuthorization(t *testing.T) {
	ctx := context.Background()

	t.Run("stores and validates the refresh token", func(t *testing.T) {
		h := newHarness(t)

		require.NoError(t, h.handler.Process(ctx, authorization))

		token, err := h.repo.GetRefreshToken(ctx, 123)
		require.NoError(t, err)
		assert.Equal(t, "RT1", token)
		assert.Equal(t, 1, h.repo.Count(123))

		// eager validation cached an access token
		assert.Equal(t, 1, h.server.Calls())
		cached, err := h.repo.GetAccessToken(ctx, 123)
		require.NoError(t, err)
		require.NotNil(t, cached)
		assert.Equal(t, "AT-new", cached.Token)
	})

	t.Run("redelivery keeps a single record", func(t *testing.T) {
		h := newHarness(t)

		require.NoError(t, h.handler.Process(ctx, authorization))
		require.NoError(t, h.handler.Process(ctx, authorization))

		assert.Equal(t, 1, h.repo.Count(123))
	})

	t.Run("rejected token fails the message", func(t *testing.T) {
		h := newHarness(t)
		h.server.Respond(http.StatusBadRequest, `{"error":"invalid_grant"}`)

		err := h.handler.Process(ctx, authorization)
		assert.ErrorIs(t, err, onedrive.ErrRefreshFailed)

		// stored anyway; the retry overwrites it
		assert.Equal(t, 1, h.repo.Count(123))
	})

	t.Run("store failure", func(t *testing.T) {
		h := newHarness(t)
		h.repo.Err = models.ErrStoreUnavailable

		err := h.handler.Process(ctx, authorization)
		assert.ErrorIs(t, err, models.ErrStoreUnavailable)
		assert.Zero(t, h.server.Calls())
	})
}

func TestSyncRequest(t *testing.T) {
	ctx := context.Background()

	t.Run("without authorization", func(t *testing.T) {
		h := newHarness(t)

		err := h.handler.Process(ctx, syncRequest)
		assert.ErrorIs(t, err, models.ErrNoIntegration)
		assert.Zero(t, h.server.Calls())
		assert.Empty(t, h.transferer.requests)
	})

	t.Run("after authorization", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.handler.Process(ctx, authorization))

		require.NoError(t, h.handler.Process(ctx, syncRequest))

		require.Len(t, h.transferer.requests, 1)
		assert.Equal(t, "AT-new", h.transferer.tokens[0])
		assert.Equal(t, "k.txt", h.transferer.requests[0].Key)
		assert.Nil(t, h.transferer.requests[0].UserID)

		// served from the cache filled by the authorization
		assert.Equal(t, 1, h.server.Calls())
	})

	t.Run("transfer failure is returned", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.handler.Process(ctx, authorization))
		h.transferer.err = assert.AnError

		err := h.handler.Process(ctx, syncRequest)
		assert.ErrorIs(t, err, assert.AnError)
	})
}

func TestDeauthorization(t *testing.T) {
	ctx := context.Background()

	t.Run("revokes and reactivates", func(t *testing.T) {
		h := newHarness(t)

		require.NoError(t, h.handler.Process(ctx, authorization))
		require.NoError(t, h.handler.Process(ctx, deauthorization))
		require.NoError(t, h.handler.Process(ctx, deauthorization))

		err := h.handler.Process(ctx, syncRequest)
		assert.ErrorIs(t, err, models.ErrNoIntegration)

		// re-authorizing reactivates the same record
		require.NoError(t, h.handler.Process(ctx, authorization))
		assert.Equal(t, 1, h.repo.Count(123))
		require.NoError(t, h.handler.Process(ctx, syncRequest))
	})

	t.Run("re-authorization exchanges the new refresh token", func(t *testing.T) {
		h := newHarness(t)

		require.NoError(t, h.handler.Process(ctx, authorization))
		require.NoError(t, h.handler.Process(ctx, deauthorization))

		h.server.Respond(http.StatusBadRequest, `{"error":"invalid_grant"}`)

		err := h.handler.Process(ctx, reauthorization)
		assert.ErrorIs(t, err, onedrive.ErrRefreshFailed)

		assert.Equal(t, 2, h.server.Calls())
		assert.Equal(t, "RT-2", h.server.LastRequest().Get("refresh_token"))

		cached, err := h.repo.GetAccessToken(ctx, 123)
		require.NoError(t, err)
		assert.Nil(t, cached)
	})
}

func TestMalformed(t *testing.T) {
	h := newHarness(t)

	err := h.handler.Process(context.Background(), `{"event_type": "unknown_kind", "payload": {}}`)
	assert.ErrorIs(t, err, messages.ErrMalformedEvent)
	assert.ErrorIs(t, err, messages.ErrUnknownEventType)

	assert.ErrorIs(t, h.handler.Handle(context.Background(), nil), messages.ErrUnknownEventType)
}

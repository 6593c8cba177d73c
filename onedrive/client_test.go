package onedrive

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vector/ferris-file-sync/internal/testutils"
)

func TestClientRefresh(t *testing.T) {
	ctx := context.Background()

	t.Run("posts the refresh form", func(t *testing.T) {
		server := testutils.NewTokenServer(t)
		server.Succeed("AT", 3600, "RT-rotated")

		client := NewClient("client-id", "client-secret", WithTokenURL(server.URL))

		resp, err := client.Refresh(ctx, "RT")
		require.NoError(t, err)
		assert.Equal(t, "AT", resp.AccessToken)
		assert.Equal(t, time.Hour, resp.ExpiresIn)
		assert.Equal(t, "RT-rotated", resp.RefreshToken)

		form := server.LastRequest()
		assert.Equal(t, "client-id", form.Get("client_id"))
		assert.Equal(t, "client-secret", form.Get("client_secret"))
		assert.Equal(t, "RT", form.Get("refresh_token"))
		assert.Equal(t, "refresh_token", form.Get("grant_type"))
		assert.Equal(t, "Files.ReadWrite offline_access", form.Get("scope"))
	})

	t.Run("no rotation", func(t *testing.T) {
		server := testutils.NewTokenServer(t)
		server.Succeed("AT", 60, "")

		resp, err := NewClient("id", "secret", WithTokenURL(server.URL)).Refresh(ctx, "RT")
		require.NoError(t, err)
		assert.Empty(t, resp.RefreshToken)
	})

	t.Run("custom scope", func(t *testing.T) {
		server := testutils.NewTokenServer(t)

		_, err := NewClient("id", "secret", WithTokenURL(server.URL), WithScope("Files.Read")).Refresh(ctx, "RT")
		require.NoError(t, err)
		assert.Equal(t, "Files.Read", server.LastRequest().Get("scope"))
	})

	t.Run("request timeout comes from the http client", func(t *testing.T) {
		release := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer server.Close()
		defer close(release)

		client := NewClient("id", "secret",
			WithTokenURL(server.URL),
			WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}),
		)

		start := time.Now()
		_, err := client.Refresh(ctx, "RT")
		assert.ErrorIs(t, err, ErrRefreshFailed)
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("non-2xx carries status and body", func(t *testing.T) {
		server := testutils.NewTokenServer(t)
		server.Respond(http.StatusBadRequest, `{"error":"invalid_grant"}`)

		_, err := NewClient("id", "secret", WithTokenURL(server.URL)).Refresh(ctx, "RT")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrRefreshFailed)

		var refreshErr *RefreshError
		require.True(t, errors.As(err, &refreshErr))
		assert.Equal(t, http.StatusBadRequest, refreshErr.StatusCode)
		assert.Equal(t, `{"error":"invalid_grant"}`, refreshErr.Body)
	})

	parseCases := map[string]string{
		"not json":             `<html>`,
		"missing access token": `{"expires_in": 3600}`,
		"empty access token":   `{"access_token": "", "expires_in": 3600}`,
		"missing expiry":       `{"access_token": "AT"}`,
		"expiry of wrong type": `{"access_token": "AT", "expires_in": "3600"}`,
	}

	for name, body := range parseCases {
		t.Run(name, func(t *testing.T) {
			server := testutils.NewTokenServer(t)
			server.Respond(http.StatusOK, body)

			_, err := NewClient("id", "secret", WithTokenURL(server.URL)).Refresh(ctx, "RT")
			assert.ErrorIs(t, err, ErrResponseParse)
			assert.NotErrorIs(t, err, ErrRefreshFailed)
		})
	}

	t.Run("unreachable endpoint", func(t *testing.T) {
		server := testutils.NewTokenServer(t)
		server.Close()

		_, err := NewClient("id", "secret", WithTokenURL(server.URL)).Refresh(ctx, "RT")
		assert.ErrorIs(t, err, ErrRefreshFailed)
	})

	t.Run("default endpoint", func(t *testing.T) {
		client := NewClient("id", "secret", WithTokenURL(""))
		assert.Equal(t, "https://login.microsoftonline.com/common/oauth2/v2.0/token", client.tokenURL)
	})
}

package testutils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
)

// TokenServer is a stub of the provider token endpoint. It answers every request with the
// configured response and remembers the forms it received.
type TokenServer struct {
	*httptest.Server

	mu       sync.Mutex
	requests []url.Values

	status int
	body   string
}

// NewTokenServer starts a token endpoint that succeeds with an access token valid for an hour.
// The server is closed when the test ends.
func NewTokenServer(t *testing.T) *TokenServer {
	t.Helper()

	ts := &TokenServer{status: http.StatusOK}
	ts.Succeed("AT-new", 3600, "")

	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		ts.mu.Lock()
		ts.requests = append(ts.requests, r.PostForm)
		status, body := ts.status, ts.body
		ts.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(ts.Close)

	return ts
}

// Succeed makes the server return a token. An empty refreshToken omits the rotated token.
func (ts *TokenServer) Succeed(accessToken string, expiresIn int64, refreshToken string) {
	payload := map[string]any{
		"token_type":   "Bearer",
		"access_token": accessToken,
		"expires_in":   expiresIn,
	}

	if refreshToken != "" {
		payload["refresh_token"] = refreshToken
	}

	body, _ := json.Marshal(payload)
	ts.Respond(http.StatusOK, string(body))
}

// Respond makes the server return the given status and raw body.
func (ts *TokenServer) Respond(status int, body string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.status = status
	ts.body = body
}

// Calls returns how many requests the server has received.
func (ts *TokenServer) Calls() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	return len(ts.requests)
}

// LastRequest returns the form of the most recent request, or nil.
func (ts *TokenServer) LastRequest() url.Values {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if len(ts.requests) == 0 {
		return nil
	}

	return ts.requests[len(ts.requests)-1]
}

package onedrive

import (
	"context"

	"golang.org/x/oauth2"
)

// AccessTokenProvider is implemented by *TokenManager.
type AccessTokenProvider interface {
	AccessToken(ctx context.Context, ownerID int64) (string, error)
}

type tokenSource struct {
	ctx      context.Context
	provider AccessTokenProvider
	ownerID  int64
}

// TokenSource adapts the manager to oauth2.TokenSource for one owner, so Graph API clients can
// authenticate with it. Every call goes through the manager, which caches.
func TokenSource(ctx context.Context, provider AccessTokenProvider, ownerID int64) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, provider: provider, ownerID: ownerID}
}

func (s *tokenSource) Token() (*oauth2.Token, error) {
	accessToken, err := s.provider.AccessToken(s.ctx, s.ownerID)
	if err != nil {
		return nil, err
	}

	return &oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}, nil
}

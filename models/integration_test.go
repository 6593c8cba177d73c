package models

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestAccessTokenRedaction(t *testing.T) {
	token := AccessToken{
		Token:     "eyJ0eXAiOiJKV1QiLCJub25jZSI6",
		ExpiresAt: time.Date(2025, 3, 24, 14, 0, 0, 0, time.UTC),
	}

	assert.NotContains(t, token.String(), token.Token)
	assert.NotContains(t, fmt.Sprintf("%v %+v %#v", token, token, token), token.Token)

	core, logs := observer.New(zap.DebugLevel)
	zap.New(core).Info("cached", zap.Object("access_token", token))

	entry := logs.All()[0]
	assert.NotContains(t, fmt.Sprint(entry.ContextMap()), token.Token)
	assert.Contains(t, entry.ContextMap(), "access_token")
}

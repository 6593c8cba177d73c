// Package worker turns decoded queue events into token store and OneDrive operations.
package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Vector/ferris-file-sync/messages"
	"github.com/Vector/ferris-file-sync/metrics"
	"github.com/Vector/ferris-file-sync/models"
)

// TokenProvider is implemented by *onedrive.TokenManager.
type TokenProvider interface {
	AccessToken(ctx context.Context, ownerID int64) (string, error)
}

// Transferer copies a source object to the owner's OneDrive.
type Transferer interface {
	Transfer(ctx context.Context, accessToken string, req messages.SyncRequestEvent) error
}

// Handler implements queue.Processor.
type Handler struct {
	repo       models.IntegrationRepository
	tokens     TokenProvider
	transferer Transferer
	logger     *zap.Logger
	metrics    metrics.Recorder
}

type Option func(*Handler)

func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) {
		h.logger = logger.Named("handler")
	}
}

func WithMetrics(recorder metrics.Recorder) Option {
	return func(h *Handler) {
		h.metrics = recorder
	}
}

func NewHandler(repo models.IntegrationRepository, tokens TokenProvider, transferer Transferer, opts ...Option) *Handler {
	h := &Handler{
		repo:       repo,
		tokens:     tokens,
		transferer: transferer,
		logger:     zap.NewNop(),
		metrics:    metrics.NewNoopMetrics(),
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Process decodes a queue message body and handles the event.
func (h *Handler) Process(ctx context.Context, body string) error {
	start := time.Now()

	event, err := messages.Parse(body)
	if err != nil {
		h.metrics.RecordMessage("malformed", "failed", time.Since(start))
		return err
	}

	err = h.Handle(ctx, event)

	res := "ok"
	if err != nil {
		res = "failed"
	}

	h.metrics.RecordMessage(event.EventType(), res, time.Since(start))

	return err
}

// Handle dispatches on the event variant. Every handler is safe to run again for a redelivered message.
func (h *Handler) Handle(ctx context.Context, event messages.Event) error {
	switch e := event.(type) {
	case messages.AuthorizationEvent:
		return h.authorize(ctx, e)
	case messages.SyncRequestEvent:
		return h.sync(ctx, e)
	case messages.DeauthorizationEvent:
		return h.deauthorize(ctx, e)
	default:
		return fmt.Errorf("%w: no handler for %T", messages.ErrUnknownEventType, event)
	}
}

// authorize stores the new refresh token and immediately exchanges it, so a bad token fails here
// rather than on the first sync.
func (h *Handler) authorize(ctx context.Context, e messages.AuthorizationEvent) error {
	log := h.logger.With(zap.Int64("owner_id", e.OwnerID), zap.Int64("user_id", e.UserID))

	integration, err := h.repo.SaveRefreshToken(ctx, e.OwnerID, e.UserID, e.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}

	if _, err := h.tokens.AccessToken(ctx, e.OwnerID); err != nil {
		return fmt.Errorf("failed to validate refresh token: %w", err)
	}

	log.Info("onedrive authorized", zap.Int64("integration_id", integration.ID))

	return nil
}

func (h *Handler) sync(ctx context.Context, e messages.SyncRequestEvent) error {
	accessToken, err := h.tokens.AccessToken(ctx, e.OwnerID)
	if err != nil {
		return fmt.Errorf("failed to get access token: %w", err)
	}

	if err := h.transferer.Transfer(ctx, accessToken, e); err != nil {
		return fmt.Errorf("failed to transfer s3://%s/%s: %w", e.Bucket, e.Key, err)
	}

	return nil
}

func (h *Handler) deauthorize(ctx context.Context, e messages.DeauthorizationEvent) error {
	changed, err := h.repo.DeactivateIntegration(ctx, e.OwnerID)
	if err != nil {
		return fmt.Errorf("failed to deactivate integration: %w", err)
	}

	h.logger.Info("onedrive deauthorized", zap.Int64("owner_id", e.OwnerID), zap.Bool("changed", changed))

	return nil
}

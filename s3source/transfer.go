package s3source

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/Vector/ferris-file-sync/messages"
)

// Transferer handles sync requests. It checks that the source object exists and logs what would
// be copied; the upload itself is not implemented.
type Transferer struct {
	source *Source
	logger *zap.Logger
}

func NewTransferer(source *Source, logger *zap.Logger) *Transferer {
	return &Transferer{source: source, logger: logger.Named("transfer")}
}

// Transfer returns nil for a missing source object: there is nothing to copy and redelivery
// would not change that.
func (t *Transferer) Transfer(ctx context.Context, _ string, req messages.SyncRequestEvent) error {
	log := t.logger.With(
		zap.Int64("owner_id", req.OwnerID),
		zap.String("bucket", req.Bucket),
		zap.String("key", req.Key),
		zap.String("destination", req.Destination),
	)

	obj, err := t.source.Stat(ctx, req.Bucket, req.Key)
	if errors.Is(err, ErrObjectNotFound) {
		log.Warn("source object missing, skipping sync")
		return nil
	}

	if err != nil {
		return err
	}

	// TODO: upload through Graph PUT /me/drive/root:{destination}/{key}:/content (upload session above 4 MiB).
	log.Info("sync requested",
		zap.Int64("size", obj.Size),
		zap.String("content_type", obj.ContentType),
	)

	return nil
}

// Package lambdaaws runs the event handler as an AWS Lambda function with an SQS trigger.
//
// The function must be configured with ReportBatchItemFailures so that only the failed records of a
// batch are returned to the queue.
package lambdaaws

import (
	"context"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/Vector/ferris-file-sync/queue"
	"github.com/Vector/ferris-file-sync/runner"
)

var _ runner.Runner = (*lambdaAwsRunner)(nil)

type lambdaAwsRunner struct {
	deps    *runner.Deps
	handler *BatchHandler
}

func New(ctx context.Context, cfg *runner.Config, logger *zap.Logger) (runner.Runner, error) {
	if cfg.RunMode != runner.RunModeAwsLambda {
		return nil, fmt.Errorf("%w: %d", runner.ErrInvalidRunMode, cfg.RunMode)
	}

	deps, err := runner.NewDeps(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	ans := lambdaAwsRunner{
		deps:    deps,
		handler: NewBatchHandler(deps.Handler, logger),
	}

	return &ans, nil
}

func (l *lambdaAwsRunner) Run(context.Context) error {
	lambda.Start(l.handler.Handle)

	return nil
}

func (l *lambdaAwsRunner) Close(context.Context) error {
	return l.deps.Close()
}

// BatchHandler processes one SQS batch per invocation.
type BatchHandler struct {
	processor queue.Processor
	logger    *zap.Logger
}

func NewBatchHandler(processor queue.Processor, logger *zap.Logger) *BatchHandler {
	return &BatchHandler{
		processor: processor,
		logger:    logger.Named("lambda"),
	}
}

// Handle processes the records in order. Every failed record is reported back; the invocation itself
// only fails when ctx is done.
//
//nolint:gocritic // lambda passes the event by value
func (h *BatchHandler) Handle(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse

	for i := range event.Records {
		record := &event.Records[i]

		if err := ctx.Err(); err != nil {
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{
				ItemIdentifier: record.MessageId,
			})

			continue
		}

		if err := h.processor.Process(ctx, record.Body); err != nil {
			h.logger.Error("failed to process message",
				zap.String("message_id", record.MessageId),
				zap.Error(err),
			)

			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{
				ItemIdentifier: record.MessageId,
			})
		}
	}

	return resp, nil
}

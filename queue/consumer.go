// Package queue long-polls an SQS queue and hands every message body to a Processor.
//
// Delivery is at-least-once: a message is deleted only after it was processed successfully, so
// anything that fails, or is in flight when the process dies, is delivered again once its
// visibility timeout expires.
package queue

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Vector/ferris-file-sync/messages"
	"github.com/Vector/ferris-file-sync/metrics"
)

const (
	DefaultWaitTimeSeconds = 20
	DefaultMaxMessages     = 10
	DefaultEmptyBackoff    = time.Second
)

// SQSAPI is the part of *sqs.Client the consumer uses.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Processor handles one message body. A nil error acknowledges the message.
type Processor interface {
	Process(ctx context.Context, body string) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, body string) error

func (f ProcessorFunc) Process(ctx context.Context, body string) error {
	return f(ctx, body)
}

// NewSQSClient builds the SQS client. A non-empty endpoint overrides the regional one (LocalStack).
func NewSQSClient(cfg aws.Config, endpoint string) *sqs.Client {
	return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

type Consumer struct {
	client    SQSAPI
	queueURL  string
	processor Processor
	logger    *zap.Logger
	metrics   metrics.Recorder

	waitTimeSeconds int32
	maxMessages     int32
	emptyBackoff    time.Duration
	concurrency     int

	deadLetterURL string
	maxReceives   int
}

type Option func(*Consumer)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Consumer) {
		c.logger = logger.Named("consumer")
	}
}

func WithMetrics(recorder metrics.Recorder) Option {
	return func(c *Consumer) {
		c.metrics = recorder
	}
}

// WithWaitTime sets the long-poll duration in seconds, 0 to 20.
func WithWaitTime(seconds int32) Option {
	return func(c *Consumer) {
		if seconds >= 0 && seconds <= 20 {
			c.waitTimeSeconds = seconds
		}
	}
}

// WithMaxMessages sets the batch size, 1 to 10.
func WithMaxMessages(n int32) Option {
	return func(c *Consumer) {
		if n >= 1 && n <= 10 {
			c.maxMessages = n
		}
	}
}

// WithEmptyBackoff sets the pause after an empty or failed receive.
func WithEmptyBackoff(d time.Duration) Option {
	return func(c *Consumer) {
		if d > 0 {
			c.emptyBackoff = d
		}
	}
}

// WithConcurrency processes up to n messages of a batch at once.
func WithConcurrency(n int) Option {
	return func(c *Consumer) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithDeadLetter moves a message that is still malformed after maxReceives deliveries to the
// queue at url. Other failures are always left for redelivery.
func WithDeadLetter(url string, maxReceives int) Option {
	return func(c *Consumer) {
		c.deadLetterURL = url
		c.maxReceives = maxReceives
	}
}

func New(client SQSAPI, queueURL string, processor Processor, opts ...Option) *Consumer {
	c := &Consumer{
		client:          client,
		queueURL:        queueURL,
		processor:       processor,
		logger:          zap.NewNop(),
		metrics:         metrics.NewNoopMetrics(),
		waitTimeSeconds: DefaultWaitTimeSeconds,
		maxMessages:     DefaultMaxMessages,
		emptyBackoff:    DefaultEmptyBackoff,
		concurrency:     1,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Run polls until ctx is cancelled. Errors from a single receive or message are logged and never
// stop the loop.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consuming",
		zap.String("queue_url", c.queueURL),
		zap.Int("concurrency", c.concurrency),
	)

	for {
		if ctx.Err() != nil {
			c.logger.Info("consumer stopped")
			return nil
		}

		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queueURL),
			MaxNumberOfMessages: c.maxMessages,
			WaitTimeSeconds:     c.waitTimeSeconds,
			MessageSystemAttributeNames: []types.MessageSystemAttributeName{
				types.MessageSystemAttributeNameApproximateReceiveCount,
			},
		})
		if err != nil {
			if ctx.Err() != nil {
				continue
			}

			c.metrics.RecordReceiveError()
			c.logger.Error("failed to receive messages", zap.Error(err))
			sleep(ctx, c.emptyBackoff)

			continue
		}

		if len(out.Messages) == 0 {
			sleep(ctx, c.emptyBackoff)
			continue
		}

		c.handleBatch(ctx, out.Messages)
	}
}

func (c *Consumer) handleBatch(ctx context.Context, batch []types.Message) {
	if c.concurrency <= 1 {
		for i := range batch {
			c.handle(ctx, batch[i])
		}

		return
	}

	var g errgroup.Group
	g.SetLimit(c.concurrency)

	for i := range batch {
		msg := batch[i]

		g.Go(func() error {
			c.handle(ctx, msg)
			return nil
		})
	}

	_ = g.Wait()
}

func (c *Consumer) handle(ctx context.Context, msg types.Message) {
	receiveCount := approximateReceiveCount(msg)
	log := c.logger.With(
		zap.String("message_id", aws.ToString(msg.MessageId)),
		zap.Int("receive_count", receiveCount),
	)

	err := c.processor.Process(ctx, aws.ToString(msg.Body))
	if err != nil {
		if c.shouldDeadLetter(err, receiveCount) {
			c.deadLetter(ctx, log, msg, err)
			return
		}

		// left in the queue, it comes back after the visibility timeout
		log.Error("failed to process message", zap.Error(err))

		return
	}

	if err := c.delete(ctx, msg); err != nil {
		log.Error("failed to delete processed message", zap.Error(err))
		return
	}

	log.Debug("message processed")
}

func (c *Consumer) shouldDeadLetter(err error, receiveCount int) bool {
	return c.deadLetterURL != "" &&
		errors.Is(err, messages.ErrMalformedEvent) &&
		receiveCount >= c.maxReceives
}

func (c *Consumer) deadLetter(ctx context.Context, log *zap.Logger, msg types.Message, cause error) {
	_, err := c.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(c.deadLetterURL),
		MessageBody: msg.Body,
		MessageAttributes: map[string]types.MessageAttributeValue{
			"error": {DataType: aws.String("String"), StringValue: aws.String(cause.Error())},
		},
	})
	if err != nil {
		log.Error("failed to dead-letter malformed message", zap.NamedError("cause", cause), zap.Error(err))
		return
	}

	if err := c.delete(ctx, msg); err != nil {
		log.Error("failed to delete dead-lettered message", zap.Error(err))
		return
	}

	c.metrics.RecordDeadLetter()
	log.Warn("moved malformed message to dead-letter queue", zap.Error(cause))
}

func (c *Consumer) delete(ctx context.Context, msg types.Message) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})

	return err
}

func approximateReceiveCount(msg types.Message) int {
	n, err := strconv.Atoi(msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
	if err != nil {
		return 0
	}

	return n
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Package s3source reads the objects that sync requests point at.
package s3source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

var ErrObjectNotFound = errors.New("source object not found")

// HeadObjectAPI is the part of *s3.Client the source uses.
type HeadObjectAPI interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

type Source struct {
	client HeadObjectAPI
}

// Object describes a source object without its body.
type Object struct {
	Bucket       string
	Key          string
	Size         int64
	ContentType  string
	ETag         string
	LastModified time.Time
}

func New(client HeadObjectAPI) *Source {
	return &Source{client: client}
}

// NewFromConfig builds the S3 client. A non-empty endpoint (LocalStack, MinIO) switches to path-style addressing.
func NewFromConfig(cfg aws.Config, endpoint string) *Source {
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return New(client)
}

// Stat returns the object's metadata, or ErrObjectNotFound.
func (s *Source) Stat(ctx context.Context, bucket, key string) (*Object, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("s3://%s/%s: %w", bucket, key, ErrObjectNotFound)
		}

		return nil, fmt.Errorf("failed to stat s3://%s/%s: %w", bucket, key, err)
	}

	return &Object{
		Bucket:       bucket,
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ContentType:  aws.ToString(out.ContentType),
		ETag:         aws.ToString(out.ETag),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

// Package objectstore wraps the S3-compatible backend behind the small
// capability surface the lifecycle engine needs. Callers treat any returned
// StorageError as fatal for the surrounding operation and decide rollback.
package objectstore

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/datahaven-io/datahaven/pkg/config"
)

// Gateway is the capability interface handed to the engines. The production
// implementation is S3; tests substitute an in-memory fake.
type Gateway interface {
	CreateBucket(ctx context.Context, bucket string) error
	RemoveAll(ctx context.Context, bucket string) error
	RemovePrefix(ctx context.Context, bucket, prefix string) error
	RemoveOne(ctx context.Context, bucket, key string) error
}

// StorageError carries the failing bucket and operation along with the
// transport error text.
type StorageError struct {
	Op     string
	Bucket string
	Err    error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("object storage %s on bucket %q: %v", e.Op, e.Bucket, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

type S3 struct {
	client *s3.Client
}

// NewS3 builds a client against the configured S3-compatible endpoint
// (MinIO, Safespring, AWS).
func NewS3(ctx context.Context) (*S3, error) {
	cfg := config.GetConfig()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.S3.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.S3.AccessKey,
			cfg.S3.SecretKey,
			"",
		)))
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.S3.Endpoint)
		o.UsePathStyle = true
	})
	return &S3{client: client}, nil
}

func (g *S3) CreateBucket(ctx context.Context, bucket string) error {
	_, err := g.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		return &StorageError{Op: "create", Bucket: bucket, Err: err}
	}
	return nil
}

// RemoveAll deletes every object in the bucket. A partial failure surfaces
// as an error after the loop so the caller knows the bucket may hold
// stragglers needing manual reconciliation.
func (g *S3) RemoveAll(ctx context.Context, bucket string) error {
	return g.removeByPrefix(ctx, bucket, "")
}

func (g *S3) RemovePrefix(ctx context.Context, bucket, prefix string) error {
	return g.removeByPrefix(ctx, bucket, prefix)
}

func (g *S3) RemoveOne(ctx context.Context, bucket, key string) error {
	_, err := g.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return &StorageError{Op: "delete", Bucket: bucket, Err: err}
	}
	return nil
}

func (g *S3) removeByPrefix(ctx context.Context, bucket, prefix string) error {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(bucket)}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	var failed int
	paginator := s3.NewListObjectsV2Paginator(g.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return &StorageError{Op: "list", Bucket: bucket, Err: err}
		}
		if len(page.Contents) == 0 {
			continue
		}

		identifiers := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			identifiers = append(identifiers, types.ObjectIdentifier{Key: obj.Key})
		}
		out, err := g.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &types.Delete{Objects: identifiers, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return &StorageError{Op: "delete", Bucket: bucket, Err: err}
		}
		failed += len(out.Errors)
	}

	if failed > 0 {
		return &StorageError{
			Op:     "delete",
			Bucket: bucket,
			Err:    fmt.Errorf("%d objects could not be removed", failed),
		}
	}
	return nil
}

// Package s3 provides an artifact store backed by Amazon S3 or an S3-compatible endpoint.
package s3

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/JakeFAU/article-batch-orchestrator/internal/orchestrator"
)

// Config captures the bucket and addressing options.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	// PublicBaseURL, when set, replaces the https://<bucket>.s3.amazonaws.com prefix of returned locations.
	PublicBaseURL string `mapstructure:"public_base_url"`
	// UsePathStyle is required by most S3-compatible servers such as MinIO or LocalStack.
	UsePathStyle bool `mapstructure:"use_path_style"`
}

// API is the subset of the S3 client the store relies on.
type API interface {
	PutObject(ctx context.Context, in *awss3.PutObjectInput, opts ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
	DeleteObjects(ctx context.Context, in *awss3.DeleteObjectsInput, opts ...func(*awss3.Options)) (*awss3.DeleteObjectsOutput, error)
	awss3.ListObjectsV2APIClient
}

// BlobStore writes artifacts to an S3 bucket.
type BlobStore struct {
	client  API
	bucket  string
	baseURL string
}

// NewFromConfig builds a store from an aws.Config.
func NewFromConfig(awsCfg aws.Config, cfg Config, optFns ...func(*awss3.Options)) (*BlobStore, error) {
	opts := append([]func(*awss3.Options){func(o *awss3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
	}}, optFns...)
	return New(awss3.NewFromConfig(awsCfg, opts...), cfg)
}

// New wraps an existing client.
func New(client API, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("s3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	base := strings.TrimRight(cfg.PublicBaseURL, "/")
	if base == "" {
		base = "https://" + cfg.Bucket + ".s3.amazonaws.com"
	}
	return &BlobStore{client: client, bucket: cfg.Bucket, baseURL: base}, nil
}

// Publish uploads the artifact and returns its location.
func (s *BlobStore) Publish(ctx context.Context, key, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("key is required")
	}
	in := &awss3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   r,
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return s.baseURL + "/" + key, nil
}

// Delete removes every object under prefix, one page at a time.
func (s *BlobStore) Delete(ctx context.Context, prefix string) (int, error) {
	pager := awss3.NewListObjectsV2Paginator(s.client, &awss3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	n := 0
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return n, fmt.Errorf("list objects: %w", err)
		}
		if len(page.Contents) == 0 {
			continue
		}
		ids := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
		}
		out, err := s.client.DeleteObjects(ctx, &awss3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return n, fmt.Errorf("delete objects: %w", err)
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return n + len(ids) - len(out.Errors), fmt.Errorf("delete %s: %s", aws.ToString(first.Key), aws.ToString(first.Message))
		}
		n += len(ids)
	}
	return n, nil
}

// List reports every object under prefix.
func (s *BlobStore) List(ctx context.Context, prefix string) ([]orchestrator.ObjectInfo, error) {
	pager := awss3.NewListObjectsV2Paginator(s.client, &awss3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	var out []orchestrator.ObjectInfo
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, obj := range page.Contents {
			out = append(out, orchestrator.ObjectInfo{
				Key:          aws.ToString(obj.Key),
				LastModified: aws.ToTime(obj.LastModified).UTC(),
				Size:         aws.ToInt64(obj.Size),
			})
		}
	}
	return out, nil
}

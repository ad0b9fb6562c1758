// Package gcs provides an artifact store backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	"github.com/JakeFAU/article-batch-orchestrator/internal/orchestrator"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	// PublicBaseURL overrides the https://storage.googleapis.com/<bucket> prefix of returned locations.
	PublicBaseURL string `mapstructure:"public_base_url"`
}

// ClientFactory creates storage clients; tests substitute one wired to a fake transport.
type ClientFactory interface {
	NewClient(ctx context.Context) (*storage.Client, error)
}

// DefaultClientFactory uses Application Default Credentials.
type DefaultClientFactory struct{}

// NewClient creates a client using ambient credentials.
func (DefaultClientFactory) NewClient(ctx context.Context) (*storage.Client, error) {
	return storage.NewClient(ctx)
}

// BlobStore writes artifacts to a configured GCS bucket.
type BlobStore struct {
	client  *storage.Client
	bucket  string
	baseURL string
}

// Open creates a client from factory and verifies the bucket is reachable.
func Open(ctx context.Context, cfg Config, factory ClientFactory, logger *zap.Logger) (*BlobStore, error) {
	if factory == nil {
		factory = DefaultClientFactory{}
	}
	client, err := factory.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	if _, err := client.Bucket(cfg.Bucket).Attrs(ctx); err != nil {
		if closeErr := client.Close(); closeErr != nil && logger != nil {
			logger.Warn("failed to close GCS client after bucket check", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("failed to get GCS bucket %q attributes: %w", cfg.Bucket, err)
	}
	return New(client, cfg)
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	base := strings.TrimRight(cfg.PublicBaseURL, "/")
	if base == "" {
		base = "https://storage.googleapis.com/" + cfg.Bucket
	}
	return &BlobStore{client: client, bucket: cfg.Bucket, baseURL: base}, nil
}

// Publish uploads data to the configured bucket and returns its public URL.
func (s *BlobStore) Publish(ctx context.Context, key, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("key is required")
	}
	writer := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return s.baseURL + "/" + escapeKey(key), nil
}

// Delete removes every object under prefix.
func (s *BlobStore) Delete(ctx context.Context, prefix string) (int, error) {
	bkt := s.client.Bucket(s.bucket)
	it := bkt.Objects(ctx, &storage.Query{Prefix: prefix})
	n := 0
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("list objects: %w", err)
		}
		if err := bkt.Object(attrs.Name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return n, fmt.Errorf("delete %s: %w", attrs.Name, err)
		}
		n++
	}
}

// List reports every object under prefix.
func (s *BlobStore) List(ctx context.Context, prefix string) ([]orchestrator.ObjectInfo, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var out []orchestrator.ObjectInfo
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		out = append(out, orchestrator.ObjectInfo{Key: attrs.Name, LastModified: attrs.Updated.UTC(), Size: attrs.Size})
	}
}

// Close releases the underlying client.
func (s *BlobStore) Close() error {
	return s.client.Close()
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

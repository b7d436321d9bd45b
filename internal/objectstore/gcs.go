package objectstore

import (
	"context"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// Signer issues upload URLs for storage targets.
type Signer interface {
	SignedUploadURL(ctx context.Context, object, contentType string) (string, error)
}

// Fetcher reads stored documents.
type Fetcher interface {
	Fetch(ctx context.Context, object string) ([]byte, error)
}

// GCS is a Signer and Fetcher over one Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	bucket string
	ttl    time.Duration
}

var (
	_ Signer  = (*GCS)(nil)
	_ Fetcher = (*GCS)(nil)
)

// NewGCS creates a client for bucket. Credentials come from Application
// Default Credentials unless opts say otherwise.
func NewGCS(ctx context.Context, bucket string, signedURLTTL time.Duration, opts ...option.ClientOption) (*GCS, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("NewGCS: create storage client: %w", err)
	}
	if signedURLTTL <= 0 {
		signedURLTTL = 15 * time.Minute
	}
	return &GCS{client: client, bucket: bucket, ttl: signedURLTTL}, nil
}

// Bucket returns the configured bucket name.
func (g *GCS) Bucket() string {
	return g.bucket
}

// SignedUploadURL returns a V4 signed PUT URL for object.
func (g *GCS) SignedUploadURL(ctx context.Context, object, contentType string) (string, error) {
	opts := &storage.SignedURLOptions{
		Method:      "PUT",
		Expires:     time.Now().Add(g.ttl),
		ContentType: contentType,
		Scheme:      storage.SigningSchemeV4,
	}
	url, err := g.client.Bucket(g.bucket).SignedURL(object, opts)
	if err != nil {
		return "", fmt.Errorf("SignedUploadURL: %w", err)
	}
	return url, nil
}

// Fetch downloads an object from the bucket.
func (g *GCS) Fetch(ctx context.Context, object string) ([]byte, error) {
	r, err := g.client.Bucket(g.bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("Fetch: open object %s/%s: %w", g.bucket, object, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("Fetch: read object: %w", err)
	}
	return data, nil
}

// Close releases the storage client.
func (g *GCS) Close() error {
	return g.client.Close()
}

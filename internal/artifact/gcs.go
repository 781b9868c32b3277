package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/zinspection/riskengine/internal/apperr"
)

// GCS stores artifacts as objects in a Google Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCS connects to bucket. An empty credentialsFile uses application default credentials.
func NewGCS(ctx context.Context, bucket, prefix, credentialsFile string) (*GCS, error) {
	if bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); err != nil {
			return nil, fmt.Errorf("service account key %s: %w", credentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS storage client: %w", err)
	}
	return &GCS{client: client, bucket: bucket, prefix: prefix}, nil
}

// Close releases the underlying client.
func (g *GCS) Close() error {
	return g.client.Close()
}

func (g *GCS) object(key string) *storage.ObjectHandle {
	return g.client.Bucket(g.bucket).Object(g.prefix + key)
}

// Put uploads r as key. The object only becomes visible once the writer closes cleanly.
func (g *GCS) Put(ctx context.Context, key, contentType string, r io.Reader) (int64, error) {
	w := g.object(key).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "private, no-cache"

	n, err := io.Copy(w, r)
	if err != nil {
		w.Close()
		return 0, fmt.Errorf("copy to gs://%s/%s: %w", g.bucket, g.prefix+key, err)
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("close GCS writer for %s: %w", key, err)
	}
	return n, nil
}

// Open streams key.
func (g *GCS) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	rd, err := g.object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, 0, fmt.Errorf("gs://%s/%s: %w", g.bucket, g.prefix+key, apperr.ErrFileMissing)
	}
	if err != nil {
		return nil, 0, err
	}
	return rd, rd.Attrs.Size, nil
}

// Stat returns the object size.
func (g *GCS) Stat(ctx context.Context, key string) (int64, error) {
	attrs, err := g.object(key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return 0, fmt.Errorf("gs://%s/%s: %w", g.bucket, g.prefix+key, apperr.ErrFileMissing)
	}
	if err != nil {
		return 0, err
	}
	return attrs.Size, nil
}

// Delete removes key. Missing objects are not an error.
func (g *GCS) Delete(ctx context.Context, key string) error {
	err := g.object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return err
	}
	return nil
}

package blobstore

import (
	"context"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/countyops/assessorsync/pkg/errors"
)

// GCSStore reads and writes gs://bucket/key URIs.
type GCSStore struct {
	client *storage.Client
}

// NewGCSStore creates a client from credentialsFile, or the application
// default credentials when it is empty.
func NewGCSStore(ctx context.Context, credentialsFile string) (*GCSStore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindAuthError, "failed to create GCS client")
	}
	return &GCSStore{client: client}, nil
}

// Get implements Store.
func (g *GCSStore) Get(ctx context.Context, uri string, dst io.Writer) error {
	loc, err := Parse(uri)
	if err != nil {
		return err
	}
	r, err := g.client.Bucket(loc.Bucket).Object(loc.Key).NewReader(ctx)
	if err != nil {
		return errors.Wrap(err, errors.KindSourceUnavailable, "failed to open GCS object").WithDetail("uri", uri)
	}
	defer r.Close()

	if _, err := io.Copy(dst, r); err != nil {
		return errors.Wrap(err, errors.KindSourceUnavailable, "failed to read GCS object").WithDetail("uri", uri)
	}
	return nil
}

// Put implements Store.
func (g *GCSStore) Put(ctx context.Context, uri string, src io.Reader, contentType string) error {
	loc, err := Parse(uri)
	if err != nil {
		return err
	}
	w := g.client.Bucket(loc.Bucket).Object(loc.Key).NewWriter(ctx)
	w.ContentType = contentType

	if _, err := io.Copy(w, src); err != nil {
		_ = w.Close()
		return errors.Wrap(err, errors.KindExportWriteFailed, "failed to write GCS object").WithDetail("uri", uri)
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, errors.KindExportWriteFailed, "failed to close GCS writer").WithDetail("uri", uri)
	}
	return nil
}

// Close releases the client.
func (g *GCSStore) Close() error {
	return g.client.Close()
}

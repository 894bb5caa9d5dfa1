package blobstore

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/countyops/assessorsync/pkg/errors"
)

// LocalStore reads and writes file:// URIs and bare paths.
type LocalStore struct{}

// NewLocalStore creates a LocalStore.
func NewLocalStore() *LocalStore { return &LocalStore{} }

// Get implements Store.
func (s *LocalStore) Get(ctx context.Context, uri string, dst io.Writer) error {
	loc, err := Parse(uri)
	if err != nil {
		return err
	}
	f, err := os.Open(loc.Key)
	if err != nil {
		return errors.Wrap(err, errors.KindSourceUnavailable, "failed to open file").WithDetail("path", loc.Key)
	}
	defer f.Close()
	if _, err := io.Copy(dst, f); err != nil {
		return errors.Wrap(err, errors.KindSourceUnavailable, "failed to read file").WithDetail("path", loc.Key)
	}
	return ctx.Err()
}

// Put implements Store. The file is written under a temporary name and
// renamed into place.
func (s *LocalStore) Put(ctx context.Context, uri string, src io.Reader, _ string) error {
	loc, err := Parse(uri)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(loc.Key), 0o755); err != nil {
		return errors.Wrap(err, errors.KindExportWriteFailed, "failed to create directory")
	}
	tmp, err := os.CreateTemp(filepath.Dir(loc.Key), ".upload-*")
	if err != nil {
		return errors.Wrap(err, errors.KindExportWriteFailed, "failed to create temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return errors.Wrap(err, errors.KindExportWriteFailed, "failed to write file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, errors.KindExportWriteFailed, "failed to sync file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, errors.KindExportWriteFailed, "failed to close file")
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.KindCancelled, "upload cancelled")
	}
	if err := os.Rename(tmp.Name(), loc.Key); err != nil {
		return errors.Wrap(err, errors.KindExportWriteFailed, "failed to rename file")
	}
	return nil
}

// Package remote fetches remote dumps (s3, gs, http(s), file URLs) into a
// local temp directory, decompressing by file suffix, so the file adapters
// can read them.
package remote

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/countyops/assessorsync/pkg/blobstore"
	"github.com/countyops/assessorsync/pkg/compression"
	"github.com/countyops/assessorsync/pkg/connector/core"
	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/logger"
)

// Fetched is a local copy of a remote dump.
type Fetched struct {
	Path        string
	// Compression is the codec the dump was stored with.
	Compression compression.Algorithm
	dir         string
}

// Cleanup removes the local copy.
func (f *Fetched) Cleanup() error {
	if f == nil || f.dir == "" {
		return nil
	}
	return os.RemoveAll(f.dir)
}

// Fetch downloads location through env.Blob and returns the local file.
func Fetch(ctx context.Context, location string, env core.Env) (*Fetched, error) {
	if env.Blob == nil {
		return nil, errors.New(errors.KindConfig, "remote dump source needs a blob store")
	}
	loc, err := blobstore.Parse(location)
	if err != nil {
		return nil, err
	}
	log := logger.OrGlobal(env.Logger).With(zap.String("component", "remote_fetch"))

	alg, name := compression.FromPath(loc.Base())
	if name == "" {
		name = "dump"
	}

	dir, err := os.MkdirTemp(env.TempDir, "assessorsync-remote-*")
	if err != nil {
		return nil, errors.Wrap(err, errors.KindSourceUnavailable, "failed to create temp dir")
	}
	out := &Fetched{Path: filepath.Join(dir, name), Compression: alg, dir: dir}

	if err := download(ctx, env.Blob, location, out); err != nil {
		_ = out.Cleanup()
		return nil, err
	}
	log.Info("fetched remote dump",
		zap.String("location", location),
		zap.String("path", out.Path),
		zap.String("compression", string(alg)))
	return out, nil
}

func download(ctx context.Context, store blobstore.Store, location string, out *Fetched) error {
	if out.Compression == compression.None {
		return writeFile(out.Path, func(w io.Writer) error {
			return store.Get(ctx, location, w)
		})
	}

	raw := out.Path + out.Compression.Extension()
	if err := writeFile(raw, func(w io.Writer) error {
		return store.Get(ctx, location, w)
	}); err != nil {
		return err
	}
	defer os.Remove(raw)

	codec, err := compression.NewCompressor(&compression.Config{Algorithm: out.Compression})
	if err != nil {
		return err
	}
	src, err := os.Open(raw)
	if err != nil {
		return errors.Wrap(err, errors.KindSourceUnavailable, "failed to reopen dump")
	}
	defer src.Close()

	return writeFile(out.Path, func(w io.Writer) error {
		if err := codec.DecompressStream(w, src); err != nil {
			return errors.Wrap(err, errors.KindMalformedInput, "failed to decompress dump")
		}
		return nil
	})
}

func writeFile(path string, fill func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, errors.KindSourceUnavailable, "failed to create local copy")
	}
	if err := fill(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, errors.KindSourceUnavailable, "failed to write local copy")
	}
	return nil
}

package export

import (
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/countyops/assessorsync/pkg/compression"
	"github.com/countyops/assessorsync/pkg/errors"
)

// artifact is a file written under a temporary name and renamed into place
// on Commit, so readers never observe a partial artifact.
type artifact struct {
	final string
	tmp   string
	file  *os.File

	// pipe feeds the compressor goroutine when the artifact is compressed.
	pipe *io.PipeWriter
	done chan error
}

func tempPath(final string) string {
	return filepath.Join(filepath.Dir(final), "."+filepath.Base(final)+".tmp-"+uuid.NewString())
}

func createArtifact(final string, comp compression.Compressor) (*artifact, error) {
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return nil, errors.Wrap(err, errors.KindExportWriteFailed, "failed to create export directory")
	}
	a := &artifact{final: final, tmp: tempPath(final)}
	f, err := os.OpenFile(a.tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindExportWriteFailed, "failed to create artifact").
			WithDetail("path", final)
	}
	a.file = f

	if comp != nil && comp.Algorithm() != compression.None {
		pr, pw := io.Pipe()
		a.pipe = pw
		a.done = make(chan error, 1)
		go func() {
			err := comp.CompressStream(f, pr)
			pr.CloseWithError(err)
			a.done <- err
		}()
	}
	return a, nil
}

// Write implements io.Writer.
func (a *artifact) Write(p []byte) (int, error) {
	if a.pipe != nil {
		return a.pipe.Write(p)
	}
	return a.file.Write(p)
}

// Commit flushes, fsyncs and renames the artifact into place.
func (a *artifact) Commit() error {
	if pipe := a.pipe; pipe != nil {
		a.pipe = nil
		_ = pipe.Close()
		if err := <-a.done; err != nil {
			a.Abort()
			return errors.Wrap(err, errors.KindExportWriteFailed, "failed to compress artifact").
				WithDetail("path", a.final)
		}
	}
	return commitFile(a.file, a.tmp, a.final)
}

// Abort removes the temporary file.
func (a *artifact) Abort() {
	if a.pipe != nil {
		_ = a.pipe.CloseWithError(errors.New(errors.KindCancelled, "artifact aborted"))
		<-a.done
		a.pipe = nil
	}
	_ = a.file.Close()
	_ = os.Remove(a.tmp)
}

// commitFile syncs f, closes it and renames tmp to final.
func commitFile(f *os.File, tmp, final string) error {
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return errors.Wrap(err, errors.KindExportWriteFailed, "failed to sync artifact").WithDetail("path", final)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, errors.KindExportWriteFailed, "failed to close artifact").WithDetail("path", final)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, errors.KindExportWriteFailed, "failed to rename artifact").WithDetail("path", final)
	}
	if dir, err := os.Open(filepath.Dir(final)); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}

// openExisting opens a committed artifact for merging, decompressing it when
// needed. It returns nil when there is no artifact yet.
func openExisting(path string, comp compression.Compressor) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindExportWriteFailed, "failed to open existing artifact").WithDetail("path", path)
	}
	if comp == nil || comp.Algorithm() == compression.None {
		return f, nil
	}
	r, err := comp.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, errors.KindExportWriteFailed, "failed to decompress existing artifact").WithDetail("path", path)
	}
	return readCloser{Reader: r, closers: []io.Closer{r, f}}, nil
}

type readCloser struct {
	io.Reader
	closers []io.Closer
}

func (r readCloser) Close() error {
	var first error
	for _, c := range r.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Package export writes canonical tables to file artifacts: CSV, JSON,
// an embedded SQLite database and GeoJSON. Artifacts are written under a
// temporary name and renamed into place. A delta export can be merged into
// the existing artifacts by natural key.
package export

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/countyops/assessorsync/pkg/blobstore"
	"github.com/countyops/assessorsync/pkg/compression"
	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/loader"
	"github.com/countyops/assessorsync/pkg/logger"
	"github.com/countyops/assessorsync/pkg/metrics"
	"github.com/countyops/assessorsync/pkg/models"
	"github.com/countyops/assessorsync/pkg/schema"
)

// Scope selects the rows exported.
type Scope string

const (
	ScopeFull  Scope = "full"
	ScopeDelta Scope = "delta"
)

// Options configures an Exporter.
type Options struct {
	Dir          string
	// Compression applies to the text formats. SQLite artifacts are always
	// written as plain database files.
	Compression  compression.Algorithm
	// UploadPrefix, when set, receives a copy of every artifact.
	UploadPrefix string
}

// Request describes one export.
type Request struct {
	Table   string
	Entity  *schema.Entity
	Formats []Format
	Scope   Scope
	// Since bounds a delta export: rows updated after it.
	Since   *time.Time
	// Merge folds a delta into the table's existing artifacts instead of
	// writing separate delta artifacts.
	Merge   bool
}

// Artifact is one written file.
type Artifact struct {
	Format  Format `json:"format"`
	Path    string `json:"path"`
	URL     string `json:"url,omitempty"`
	Rows    int64  `json:"rows"`
	// Skipped counts rows the format cannot carry.
	Skipped int64  `json:"skipped,omitempty"`
}

// Location is the upload URL when there is one, else the local path.
func (a Artifact) Location() string {
	if a.URL != "" {
		return a.URL
	}
	return a.Path
}

// Result lists the artifacts of an export.
type Result struct {
	Artifacts []Artifact
}

// Locations maps each format to its artifact location.
func (r *Result) Locations() map[Format]string {
	out := make(map[Format]string, len(r.Artifacts))
	for _, a := range r.Artifacts {
		out[a.Format] = a.Location()
	}
	return out
}

// Exporter reads tables through a Loader and writes artifacts.
type Exporter struct {
	loader *loader.Loader
	opts   Options
	comp   compression.Compressor
	blobs  *blobstore.Router
	logger *zap.Logger
	now    func() time.Time
}

// New creates an Exporter. blobs may be nil when nothing is uploaded.
func New(l *loader.Loader, opts Options, blobs *blobstore.Router, lg *zap.Logger) (*Exporter, error) {
	if opts.Dir == "" {
		return nil, errors.New(errors.KindConfig, "export directory is not set")
	}
	comp, err := compression.NewCompressor(&compression.Config{Algorithm: opts.Compression})
	if err != nil {
		return nil, err
	}
	if opts.UploadPrefix != "" && blobs == nil {
		return nil, errors.New(errors.KindConfig, "upload prefix set without a blob store")
	}
	return &Exporter{
		loader: l,
		opts:   opts,
		comp:   comp,
		blobs:  blobs,
		logger: logger.OrGlobal(lg).With(zap.String("component", "exporter")),
		now:    time.Now,
	}, nil
}

// sink is one artifact being written.
type sink interface {
	write(ctx context.Context, row models.Row, updatedAt time.Time) error
	commit() (Artifact, error)
	abort()
}

// Export writes req.Table in every requested format.
func (x *Exporter) Export(ctx context.Context, req Request) (*Result, error) {
	if req.Entity == nil {
		return nil, errors.New(errors.KindConfig, "export request has no entity")
	}
	if req.Table == "" {
		req.Table = req.Entity.Name
	}
	if req.Scope == "" {
		req.Scope = ScopeFull
	}
	if req.Scope == ScopeDelta && req.Since == nil {
		return nil, errors.New(errors.KindConfig, "delta export needs a starting point")
	}
	if err := os.MkdirAll(x.opts.Dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.KindExportWriteFailed, "failed to create export directory")
	}
	log := x.logger.With(zap.String("table", req.Table), zap.String("scope", string(req.Scope)))

	formats := make([]Format, 0, len(req.Formats))
	seen := make(map[Format]bool)
	for _, f := range req.Formats {
		if seen[f] {
			continue
		}
		seen[f] = true
		if f == FormatGeoJSON && !req.Entity.HasGeometry() {
			log.Warn("skipping geojson export of a table without coordinates")
			continue
		}
		formats = append(formats, f)
	}
	if len(formats) == 0 {
		return &Result{}, nil
	}

	var since *time.Time
	if req.Scope == ScopeDelta {
		since = req.Since
	}
	merge := req.Merge && req.Scope == ScopeDelta

	var delta []loader.StoredRow
	if merge {
		if err := x.loader.Scan(ctx, req.Table, req.Entity, since, func(r loader.StoredRow) error {
			delta = append(delta, r)
			return nil
		}); err != nil {
			return nil, err
		}
	}

	sinks := make([]sink, 0, len(formats))
	abortAll := func() {
		for _, s := range sinks {
			s.abort()
		}
	}
	for _, f := range formats {
		s, err := x.open(ctx, req, f, merge, delta)
		if err != nil {
			abortAll()
			return nil, err
		}
		sinks = append(sinks, s)
	}

	if !merge {
		err := x.loader.Scan(ctx, req.Table, req.Entity, since, func(r loader.StoredRow) error {
			if err := ctx.Err(); err != nil {
				return errors.Wrap(err, errors.KindCancelled, "export cancelled")
			}
			for _, s := range sinks {
				if err := s.write(ctx, r.Values, r.UpdatedAt); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			abortAll()
			return nil, err
		}
	}

	res := &Result{}
	for i, s := range sinks {
		a, err := s.commit()
		if err != nil {
			for _, rest := range sinks[i+1:] {
				rest.abort()
			}
			return nil, err
		}
		metrics.ExportArtifacts.WithLabelValues(string(a.Format)).Inc()
		if x.opts.UploadPrefix != "" {
			url, err := x.upload(ctx, a)
			if err != nil {
				for _, rest := range sinks[i+1:] {
					rest.abort()
				}
				return nil, err
			}
			a.URL = url
		}
		log.Info("artifact written",
			zap.String("format", string(a.Format)),
			zap.String("path", a.Path),
			zap.Int64("rows", a.Rows))
		res.Artifacts = append(res.Artifacts, a)
	}
	return res, nil
}

// ArtifactPath is where an export of table in format f is written.
func (x *Exporter) ArtifactPath(table string, f Format, delta bool, at time.Time) string {
	name := table
	if delta {
		name += ".delta-" + at.UTC().Format("20060102T150405Z")
	}
	name += f.Extension()
	if f != FormatSQLite {
		name += x.comp.Algorithm().Extension()
	}
	return filepath.Join(x.opts.Dir, name)
}

func (x *Exporter) open(ctx context.Context, req Request, f Format, merge bool, delta []loader.StoredRow) (sink, error) {
	separate := req.Scope == ScopeDelta && !merge
	path := x.ArtifactPath(req.Table, f, separate, x.now())

	if f == FormatSQLite {
		a, err := createSQLite(ctx, path, req.Table, req.Entity, merge)
		if err != nil {
			return nil, err
		}
		s := &sqliteSink{art: a, format: f}
		if merge {
			for _, r := range delta {
				if err := s.write(ctx, r.Values, r.UpdatedAt); err != nil {
					s.abort()
					return nil, err
				}
			}
		}
		return s, nil
	}

	codec := codecFor(f)
	if codec == nil {
		return nil, errors.Newf(errors.KindConfig, "unknown export format %q", f)
	}
	art, err := createArtifact(path, x.comp)
	if err != nil {
		return nil, err
	}
	w, err := codec.newWriter(art, req.Entity)
	if err != nil {
		art.Abort()
		return nil, errors.Wrap(err, errors.KindExportWriteFailed, "failed to start artifact").WithDetail("path", path)
	}
	s := &textSink{art: art, w: w, format: f}
	if merge {
		if err := s.merge(codec, req.Entity, path, x.comp, delta); err != nil {
			s.abort()
			return nil, err
		}
	}
	return s, nil
}

func (x *Exporter) upload(ctx context.Context, a Artifact) (string, error) {
	f, err := os.Open(a.Path)
	if err != nil {
		return "", errors.Wrap(err, errors.KindExportWriteFailed, "failed to open artifact for upload")
	}
	defer f.Close()

	url := blobstore.Join(x.opts.UploadPrefix, filepath.Base(a.Path))
	contentType := a.Format.contentType()
	if a.Format != FormatSQLite && x.comp.Algorithm() != compression.None {
		contentType = "application/octet-stream"
	}
	if err := x.blobs.Put(ctx, url, f, contentType); err != nil {
		return "", errors.Wrap(err, errors.KindExportWriteFailed, "failed to upload artifact").WithDetail("url", url)
	}
	return url, nil
}

type textSink struct {
	art     *artifact
	w       recordWriter
	format  Format
	rows    int64
	skipped int64
}

func (s *textSink) write(_ context.Context, row models.Row, _ time.Time) error {
	ok, err := s.w.WriteRow(row)
	if err != nil {
		return errors.Wrap(err, errors.KindExportWriteFailed, "failed to write artifact row").WithDetail("path", s.art.final)
	}
	if ok {
		s.rows++
	} else {
		s.skipped++
	}
	return nil
}

// merge rewrites the existing artifact at path with delta applied: records
// whose key is in delta are replaced in place, new keys are appended.
func (s *textSink) merge(codec textCodec, e *schema.Entity, path string, comp compression.Compressor, delta []loader.StoredRow) error {
	byKey := make(map[string]int, len(delta))
	for i, r := range delta {
		byKey[keyOf(e, r.Values)] = i
	}
	used := make([]bool, len(delta))

	existing, err := openExisting(path, comp)
	if err != nil {
		return err
	}
	if existing != nil {
		err = codec.readExisting(existing, e, func(key string, raw interface{}) error {
			if i, ok := byKey[key]; ok {
				used[i] = true
				return s.write(context.Background(), delta[i].Values, delta[i].UpdatedAt)
			}
			s.rows++
			return s.w.WriteRaw(raw)
		})
		_ = existing.Close()
		if err != nil {
			return errors.Wrap(err, errors.KindExportWriteFailed, "failed to merge existing artifact").WithDetail("path", path)
		}
	}
	for i, r := range delta {
		if used[i] {
			continue
		}
		if err := s.write(context.Background(), r.Values, r.UpdatedAt); err != nil {
			return err
		}
	}
	return nil
}

func (s *textSink) commit() (Artifact, error) {
	if err := s.w.Close(); err != nil {
		s.art.Abort()
		return Artifact{}, errors.Wrap(err, errors.KindExportWriteFailed, "failed to finish artifact").WithDetail("path", s.art.final)
	}
	if err := s.art.Commit(); err != nil {
		return Artifact{}, err
	}
	return Artifact{Format: s.format, Path: s.art.final, Rows: s.rows, Skipped: s.skipped}, nil
}

func (s *textSink) abort() { s.art.Abort() }

type sqliteSink struct {
	art    *sqliteArtifact
	format Format
	rows   int64
}

func (s *sqliteSink) write(ctx context.Context, row models.Row, updatedAt time.Time) error {
	if err := s.art.Write(ctx, row, updatedAt); err != nil {
		return err
	}
	s.rows++
	return nil
}

func (s *sqliteSink) commit() (Artifact, error) {
	if err := s.art.Commit(); err != nil {
		return Artifact{}, err
	}
	return Artifact{Format: s.format, Path: s.art.final, Rows: s.rows}, nil
}

func (s *sqliteSink) abort() { s.art.Abort() }

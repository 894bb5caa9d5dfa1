package connector

import (
	"context"
	"io"
	"os"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/countyops/assessorsync/pkg/connector/core"
	"github.com/countyops/assessorsync/pkg/connector/detect"
	"github.com/countyops/assessorsync/pkg/connector/registry"
	"github.com/countyops/assessorsync/pkg/connector/sources/remote"
	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/logger"
	"github.com/countyops/assessorsync/pkg/models"

	// Register every source adapter.
	_ "github.com/countyops/assessorsync/pkg/connector/sources"
)

// Open opens the source described by desc. File locations may be globs;
// matches are read in lexical order as one stream with cumulative offsets.
func Open(ctx context.Context, desc core.Descriptor, env core.Env) (core.BatchIterator, error) {
	log := logger.OrGlobal(env.Logger).With(zap.String("component", "connector"))
	env.Logger = log

	switch desc.Kind {
	case core.KindDB:
		return registry.Open(ctx, core.FormatSQL, desc, env)

	case core.KindRemoteDump:
		fetched, err := remote.Fetch(ctx, desc.Location, env)
		if err != nil {
			return nil, err
		}
		local := desc
		local.Kind = core.KindFile
		local.Location = fetched.Path
		it, err := newChain(ctx, local, env, []string{fetched.Path})
		if err != nil {
			_ = fetched.Cleanup()
			return nil, err
		}
		it.location = desc.Location
		it.cleanup = fetched.Cleanup
		return it, nil

	case core.KindFile, "":
		files, err := Expand(desc.Location)
		if err != nil {
			return nil, err
		}
		log.Debug("resolved source files", zap.String("location", desc.Location), zap.Strings("files", files))
		return newChain(ctx, desc, env, files)

	default:
		return nil, errors.Newf(errors.KindConfig, "unknown source kind %q", desc.Kind)
	}
}

// Expand resolves a file location. Plain paths must exist; glob patterns
// (doublestar syntax, "**" included) must match at least one file.
func Expand(location string) ([]string, error) {
	if location == "" {
		return nil, errors.New(errors.KindConfig, "source location is empty")
	}
	if _, err := os.Stat(location); err == nil {
		return []string{location}, nil
	}

	matches, err := doublestar.FilepathGlob(location, doublestar.WithFilesOnly())
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "invalid source glob")
	}
	if len(matches) == 0 {
		return nil, errors.Newf(errors.KindSourceUnavailable, "no files match %s", location)
	}
	sort.Strings(matches)
	return matches, nil
}

// FormatOf returns the explicit format of desc or detects it from path.
func FormatOf(desc core.Descriptor, path string) (core.Format, error) {
	if desc.Format != "" {
		return desc.Format, nil
	}
	return detect.DetectFile(path)
}

type chain struct {
	ctx      context.Context
	desc     core.Descriptor
	env      core.Env
	files    []string
	location string
	cleanup  func() error

	idx      int
	cur      core.BatchIterator
	curFmt   core.Format
	base     int64
	consumed int64
	last     core.Description
}

func newChain(ctx context.Context, desc core.Descriptor, env core.Env, files []string) (*chain, error) {
	c := &chain{ctx: ctx, desc: desc, env: env, files: files, location: desc.Location}
	// Open the first file eagerly so format and access errors surface from
	// Open rather than the first NextBatch.
	if err := c.openNext(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *chain) openNext() error {
	path := c.files[c.idx]
	format, err := FormatOf(c.desc, path)
	if err != nil {
		return err
	}
	d := c.desc
	d.Location = path
	if format == core.FormatSQL && d.Option(core.OptDriver, "") == "" {
		opts := make(map[string]string, len(d.Options)+1)
		for k, v := range d.Options {
			opts[k] = v
		}
		opts[core.OptDriver] = "sqlite"
		d.Options = opts
	}
	it, err := registry.Open(c.ctx, format, d, c.env)
	if err != nil {
		return err
	}
	c.cur, c.curFmt = it, format
	return nil
}

func (c *chain) NextBatch(ctx context.Context) (*models.Batch, error) {
	for {
		if c.cur == nil {
			if c.idx+1 >= len(c.files) {
				return nil, io.EOF
			}
			c.idx++
			c.base += c.consumed
			c.consumed = 0
			if err := c.openNext(); err != nil {
				return nil, err
			}
		}

		b, err := c.cur.NextBatch(ctx)
		if err == io.EOF {
			c.last = c.cur.Describe()
			if cerr := c.cur.Close(); cerr != nil {
				return nil, errors.Wrap(cerr, errors.KindSourceUnavailable, "failed to close source file")
			}
			c.cur = nil
			continue
		}
		if err != nil {
			return nil, err
		}

		for i := range b.Rows {
			b.Rows[i].Offset += c.base
		}
		c.consumed = b.Meta.SourceOffset + int64(len(b.Rows))
		b.Meta.SourceOffset += c.base
		b.Meta.File = c.files[c.idx]
		b.Meta.IsLast = b.Meta.IsLast && c.idx == len(c.files)-1
		c.last = c.cur.Describe()
		return b, nil
	}
}

func (c *chain) Close() error {
	var err error
	if c.cur != nil {
		err = c.cur.Close()
		c.cur = nil
	}
	if c.cleanup != nil {
		if cerr := c.cleanup(); cerr != nil && err == nil {
			err = cerr
		}
		c.cleanup = nil
	}
	return err
}

func (c *chain) Describe() core.Description {
	d := c.last
	if c.cur != nil {
		d = c.cur.Describe()
	}
	d.Format = c.curFmt
	d.Location = c.location
	d.Files = append([]string(nil), c.files...)
	return d
}

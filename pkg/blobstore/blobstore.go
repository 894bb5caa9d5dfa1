// Package blobstore moves whole objects between the local filesystem and
// remote stores: S3, GCS and plain HTTP(S) downloads. Remote dumps are
// fetched through it and export artifacts are uploaded through it.
package blobstore

import (
	"context"
	"io"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/countyops/assessorsync/pkg/config"
	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/logger"
)

// Store reads and writes whole objects addressed by URI.
type Store interface {
	// Get streams the object at uri into dst.
	Get(ctx context.Context, uri string, dst io.Writer) error
	// Put uploads src to uri.
	Put(ctx context.Context, uri string, src io.Reader, contentType string) error
}

// Location is a parsed object address.
type Location struct {
	Scheme string
	Bucket string
	Key    string
	Raw    string
}

// Base returns the last path element of the key.
func (l Location) Base() string {
	k := strings.TrimSuffix(l.Key, "/")
	if i := strings.LastIndex(k, "/"); i >= 0 {
		return k[i+1:]
	}
	return k
}

// Parse splits uri into scheme, bucket and key. Bare paths are file URIs.
func Parse(uri string) (Location, error) {
	if !strings.Contains(uri, "://") {
		return Location{Scheme: "file", Key: uri, Raw: uri}, nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return Location{}, errors.Wrap(err, errors.KindConfig, "invalid object URI").WithDetail("uri", uri)
	}
	loc := Location{Scheme: strings.ToLower(u.Scheme), Raw: uri}
	switch loc.Scheme {
	case "s3", "gs":
		loc.Bucket = u.Host
		loc.Key = strings.TrimPrefix(u.Path, "/")
	case "file":
		loc.Key = u.Path
		if u.Host != "" {
			loc.Key = u.Host + u.Path
		}
	case "http", "https":
		loc.Key = u.Path
	default:
		return Location{}, errors.Newf(errors.KindUnsupportedFormat, "unsupported object scheme %q", u.Scheme)
	}
	return loc, nil
}

// Join appends name to a prefix URI.
func Join(prefix, name string) string {
	return strings.TrimSuffix(prefix, "/") + "/" + strings.TrimPrefix(name, "/")
}

// Router dispatches to a backend by URI scheme. Remote clients are created
// on first use.
type Router struct {
	cfg    config.BlobConfig
	logger *zap.Logger

	local *LocalStore
	http  *HTTPStore

	mu  sync.Mutex
	s3  *S3Store
	gcs *GCSStore
}

// NewRouter creates a Router.
func NewRouter(cfg config.BlobConfig, l *zap.Logger) *Router {
	l = logger.OrGlobal(l).With(zap.String("component", "blobstore"))
	return &Router{
		cfg:    cfg,
		logger: l,
		local:  NewLocalStore(),
		http:   NewHTTPStore(nil),
	}
}

func (r *Router) backend(ctx context.Context, loc Location) (Store, error) {
	switch loc.Scheme {
	case "file":
		return r.local, nil
	case "http", "https":
		return r.http, nil
	case "s3":
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.s3 == nil {
			s, err := NewS3Store(ctx, r.cfg.S3Region, r.cfg.S3Endpoint)
			if err != nil {
				return nil, err
			}
			r.s3 = s
		}
		return r.s3, nil
	case "gs":
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.gcs == nil {
			g, err := NewGCSStore(ctx, r.cfg.GCSCredentialsFile)
			if err != nil {
				return nil, err
			}
			r.gcs = g
		}
		return r.gcs, nil
	}
	return nil, errors.Newf(errors.KindUnsupportedFormat, "unsupported object scheme %q", loc.Scheme)
}

// Get implements Store.
func (r *Router) Get(ctx context.Context, uri string, dst io.Writer) error {
	loc, err := Parse(uri)
	if err != nil {
		return err
	}
	b, err := r.backend(ctx, loc)
	if err != nil {
		return err
	}
	r.logger.Debug("fetching object", zap.String("uri", uri))
	return b.Get(ctx, uri, dst)
}

// Put implements Store.
func (r *Router) Put(ctx context.Context, uri string, src io.Reader, contentType string) error {
	loc, err := Parse(uri)
	if err != nil {
		return err
	}
	b, err := r.backend(ctx, loc)
	if err != nil {
		return err
	}
	r.logger.Debug("uploading object", zap.String("uri", uri))
	return b.Put(ctx, uri, src, contentType)
}

// Close releases remote clients.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gcs != nil {
		return r.gcs.Close()
	}
	return nil
}

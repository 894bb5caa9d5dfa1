package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/countyops/assessorsync/pkg/config"
	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/logger"
)

// DefaultDebounce is how long a dropped file must stay unchanged before its
// job runs.
const DefaultDebounce = 2 * time.Second

// WatchOptions configure a DropWatcher.
type WatchOptions struct {
	// Dir is the drop directory.
	Dir      string
	// Pattern filters file names (doublestar syntax); empty accepts all.
	Pattern  string
	Debounce time.Duration
	// DoneDir receives files after their job ran. Empty leaves them in place.
	DoneDir  string
}

// DropWatcher runs a job spec for every file that lands in a directory,
// with the file as the source location. Files are handled one at a time.
type DropWatcher struct {
	spec   *config.JobSpec
	jobs   JobRunner
	opts   WatchOptions
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	ready   chan string
}

// NewDropWatcher creates a watcher that runs spec through jobs.
func NewDropWatcher(spec *config.JobSpec, jobs JobRunner, opts WatchOptions, l *zap.Logger) (*DropWatcher, error) {
	if opts.Dir == "" {
		return nil, errors.New(errors.KindConfig, "drop directory is not set")
	}
	if opts.Pattern != "" && !doublestar.ValidatePattern(opts.Pattern) {
		return nil, errors.Newf(errors.KindConfig, "invalid drop pattern %q", opts.Pattern)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &DropWatcher{
		spec:    spec,
		jobs:    jobs,
		opts:    opts,
		logger:  logger.OrGlobal(l).With(zap.String("component", "drop_watcher"), zap.String("dir", opts.Dir)),
		pending: make(map[string]*time.Timer),
		ready:   make(chan string, 64),
	}, nil
}

// Run watches until ctx ends.
func (w *DropWatcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.opts.Dir, 0o755); err != nil {
		return errors.Wrap(err, errors.KindConfig, "failed to create drop directory")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to start file watcher")
	}
	defer fsw.Close()
	if err := fsw.Add(w.opts.Dir); err != nil {
		return errors.Wrap(err, errors.KindConfig, "failed to watch drop directory")
	}
	w.logger.Info("watching drop directory", zap.String("pattern", w.opts.Pattern), zap.Duration("debounce", w.opts.Debounce))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.process(ctx)
	}()
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			w.stopTimers()
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 && w.accepts(ev.Name) {
				w.touch(ctx, ev.Name)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}

func (w *DropWatcher) accepts(path string) bool {
	if w.opts.Pattern == "" {
		return true
	}
	ok, err := doublestar.Match(w.opts.Pattern, filepath.Base(path))
	return err == nil && ok
}

// touch restarts the quiet period of path.
func (w *DropWatcher) touch(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(w.opts.Debounce)
		return
	}
	w.pending[path] = time.AfterFunc(w.opts.Debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		select {
		case w.ready <- path:
		case <-ctx.Done():
		}
	})
}

func (w *DropWatcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
}

func (w *DropWatcher) process(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case path := <-w.ready:
			w.handle(ctx, path)
		}
	}
}

func (w *DropWatcher) handle(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	spec := *w.spec
	spec.Source.Location = path
	log := w.logger.With(zap.String("file", path))

	log.Info("dropped file detected", zap.Int64("bytes", info.Size()))
	res, err := w.jobs.Run(ctx, &spec)
	if err != nil {
		log.Error("job not started for dropped file", zap.Error(err))
		return
	}
	log.Info("dropped file processed", zap.String("job_id", res.JobID), zap.String("status", string(res.Status)))

	if w.opts.DoneDir == "" {
		return
	}
	if err := os.MkdirAll(w.opts.DoneDir, 0o755); err != nil {
		log.Warn("failed to create done directory", zap.Error(err))
		return
	}
	if err := os.Rename(path, filepath.Join(w.opts.DoneDir, filepath.Base(path))); err != nil {
		log.Warn("failed to move processed file", zap.Error(err))
	}
}

package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/countyops/assessorsync/internal/pipeline"
	"github.com/countyops/assessorsync/pkg/blobstore"
	"github.com/countyops/assessorsync/pkg/compression"
	"github.com/countyops/assessorsync/pkg/config"
	"github.com/countyops/assessorsync/pkg/export"
	"github.com/countyops/assessorsync/pkg/loader"
	"github.com/countyops/assessorsync/pkg/logger"
	"github.com/countyops/assessorsync/pkg/mapping"
	"github.com/countyops/assessorsync/pkg/notify"
	"github.com/countyops/assessorsync/pkg/observability"
	"github.com/countyops/assessorsync/pkg/quality"
	"github.com/countyops/assessorsync/pkg/store"
	"github.com/countyops/assessorsync/pkg/watermark"
)

// app holds the wired collaborators of one CLI invocation.
type app struct {
	cfg    *config.Config
	log    *zap.Logger
	store  *store.Store
	blobs  *blobstore.Router
	notify *notify.Dispatcher

	marks    *watermark.Store
	loader   *loader.Loader
	mappings *mapping.Registry
	exporter *export.Exporter
	quality  *quality.Engine
	orch     *pipeline.Orchestrator

	shutdownTracing func(context.Context) error
}

// setup loads the configuration, initializes logging and tracing, opens the
// store and wires every component.
func setup(ctx context.Context, v *viper.Viper, configPath string) (*app, error) {
	cfg, err := config.LoadWith(v, configPath)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(logger.Config{
		Level:       cfg.LogLevel,
		Encoding:    cfg.LogEncoding,
		Development: cfg.LogDevelopment,
		OutputPaths: []string{"stderr"},
	}); err != nil {
		return nil, err
	}
	log := logger.Get().With(zap.String("component", "assessorsync-cli"))

	shutdown, err := observability.Init(cfg.Tracing, observability.Options{Version: version, Writer: os.Stderr})
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log, shutdownTracing: shutdown}
	if err := a.open(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) open(ctx context.Context) error {
	cfg := a.cfg
	s, err := store.Open(ctx, cfg.Database, a.log)
	if err != nil {
		return err
	}
	a.store = s
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}

	a.blobs = blobstore.NewRouter(cfg.Blob, a.log)
	if a.notify, err = notify.FromConfig(s, cfg, a.log); err != nil {
		return err
	}

	a.marks = watermark.New(s, a.log)
	a.loader = loader.New(s, a.marks, a.log)
	a.mappings = mapping.NewRegistry(s, a.log)

	exportDir, err := filepath.Abs(cfg.ExportDir)
	if err != nil {
		return err
	}
	if a.exporter, err = export.New(a.loader, export.Options{
		Dir:          exportDir,
		Compression:  compression.Algorithm(cfg.ExportCompression),
		UploadPrefix: cfg.Blob.UploadPrefix,
	}, a.blobs, a.log); err != nil {
		return err
	}

	a.quality = quality.New(a.loader, a.notify, cfg.QualityGateScore, a.log)
	if cfg.QualityRulesFile != "" {
		if _, err := a.quality.Rules().SyncFile(ctx, cfg.QualityRulesFile); err != nil {
			return err
		}
	}

	a.orch, err = pipeline.New(cfg, pipeline.Deps{
		Store:    s,
		Mappings: a.mappings,
		Marks:    a.marks,
		Loader:   a.loader,
		Exporter: a.exporter,
		Quality:  a.quality,
		Blobs:    a.blobs,
	}, pipeline.Options{TempDir: os.TempDir()}, a.log)
	return err
}

func (a *app) close() {
	if a.notify != nil {
		if err := a.notify.Close(); err != nil {
			a.log.Warn("failed to close notification channels", zap.Error(err))
		}
	}
	if a.blobs != nil {
		if err := a.blobs.Close(); err != nil {
			a.log.Warn("failed to close blob store", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("failed to close store", zap.Error(err))
		}
	}
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(context.Background()); err != nil {
			a.log.Warn("failed to flush traces", zap.Error(err))
		}
	}
	_ = logger.Sync()
}

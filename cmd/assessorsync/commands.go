package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/countyops/assessorsync/internal/api"
	"github.com/countyops/assessorsync/internal/pipeline"
	"github.com/countyops/assessorsync/internal/scheduler"
	"github.com/countyops/assessorsync/pkg/config"
	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/export"
	"github.com/countyops/assessorsync/pkg/mapping"
	"github.com/countyops/assessorsync/pkg/schema"
)

type opener func(cmd *cobra.Command) (*app, error)

func newRunCmd(open opener) *cobra.Command {
	var location string
	var incremental, backfill bool
	var actor string

	cmd := &cobra.Command{
		Use:   "run JOB_SPEC",
		Short: "Run an ingest job",
		Long: `Run the job described by a YAML job spec and print its result.

Example:
  assessorsync run jobs/levy.yaml --location /drop/levy_2024.txt`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := config.LoadJobSpec(args[0])
			if err != nil {
				return err
			}
			if location != "" {
				spec.Source.Location = location
			}
			if cmd.Flags().Changed("incremental") {
				spec.Incremental = incremental
			}
			if backfill {
				spec.Backfill, spec.Actor = true, actor
			}

			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.orch.Run(cmd.Context(), spec)
			if err != nil {
				return err
			}
			if err := printJSON(res); err != nil {
				return err
			}
			if code := res.ExitCode(); code != pipeline.ExitOK {
				return &exitError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&location, "location", "", "Override the source location of the job spec")
	cmd.Flags().BoolVar(&incremental, "incremental", false, "Only load rows past the stored watermark")
	cmd.Flags().BoolVar(&backfill, "backfill", false, "Run as a backfill on behalf of --actor")
	cmd.Flags().StringVar(&actor, "actor", "", "Operator a backfill runs for")
	return cmd
}

func newExportCmd(open opener) *cobra.Command {
	var formats []string
	var dataType, scope, since string
	var merge bool

	cmd := &cobra.Command{
		Use:   "export TABLE",
		Short: "Export a canonical table to snapshot files",
		Long: `Export a canonical table to SQLite, CSV, JSON or GeoJSON artifacts in the
configured export directory.

Example:
  assessorsync export property --format sqlite,csv,json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table := args[0]
			if dataType == "" {
				dataType = table
			}
			e, err := schema.Lookup(dataType)
			if err != nil {
				return err
			}
			req := export.Request{Table: table, Entity: e, Scope: export.Scope(scope), Merge: merge}
			for _, f := range formats {
				ff, err := export.ParseFormat(f)
				if err != nil {
					return err
				}
				req.Formats = append(req.Formats, ff)
			}
			if since != "" {
				t, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return errors.Wrap(err, errors.KindConfig, "--since must be RFC 3339")
				}
				req.Since = &t
			}

			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.exporter.Export(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().StringSliceVarP(&formats, "format", "f", []string{"csv"}, "Artifact formats (sqlite, csv, json, geojson)")
	cmd.Flags().StringVar(&dataType, "data-type", "", "Canonical entity of the table (defaults to the table name)")
	cmd.Flags().StringVar(&scope, "scope", string(export.ScopeFull), "full or delta")
	cmd.Flags().StringVar(&since, "since", "", "Delta start (RFC 3339)")
	cmd.Flags().BoolVar(&merge, "merge", false, "Merge a delta into the existing artifacts")
	return cmd
}

func newQualityCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quality",
		Short: "Evaluate data-quality rules and inspect reports",
	}

	var rulesFile string
	run := &cobra.Command{
		Use:   "run",
		Short: "Evaluate the stored rules and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			if rulesFile != "" {
				if _, err := a.quality.Rules().SyncFile(cmd.Context(), rulesFile); err != nil {
					return err
				}
			}
			rep, err := a.quality.EvaluateStored(cmd.Context(), "cli")
			if err != nil {
				return err
			}
			if err := printJSON(rep); err != nil {
				return err
			}
			if !rep.GatePassed {
				return &exitError{code: pipeline.ExitDataError}
			}
			return nil
		},
	}
	run.Flags().StringVar(&rulesFile, "rules", "", "Rule file to sync before evaluating")

	report := &cobra.Command{
		Use:   "report [REPORT_ID]",
		Short: "Print a stored report, the latest by default",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			if len(args) == 1 {
				rep, err := a.quality.Report(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if rep == nil {
					return errors.Newf(errors.KindConfig, "no quality report %s", args[0])
				}
				return printJSON(rep)
			}
			rep, err := a.quality.LatestReport(cmd.Context())
			if err != nil {
				return err
			}
			if rep == nil {
				return errors.New(errors.KindConfig, "no quality report has been generated")
			}
			return printJSON(rep)
		},
	}

	var status string
	anomalies := &cobra.Command{
		Use:   "anomalies",
		Short: "List anomalies",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			list, err := a.quality.Anomalies(cmd.Context(), status)
			if err != nil {
				return err
			}
			return printJSON(list)
		},
	}
	anomalies.Flags().StringVar(&status, "status", "", "Filter by status (open, acknowledged, resolved)")

	resolve := &cobra.Command{
		Use:   "set-status ANOMALY_ID STATUS",
		Short: "Acknowledge or resolve an anomaly",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			return a.quality.SetAnomalyStatus(cmd.Context(), args[0], args[1])
		},
	}

	cmd.AddCommand(run, report, anomalies, resolve)
	return cmd
}

func newMappingCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mapping",
		Short: "Manage field mappings",
	}

	importCmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Create or update mappings from YAML files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			for _, path := range args {
				m, err := mapping.LoadFile(path)
				if err != nil {
					return err
				}
				if err := a.mappings.Save(cmd.Context(), m); err != nil {
					return err
				}
				fmt.Printf("%s version %d\n", m.ID(), m.Version)
			}
			return nil
		},
	}

	var dataType string
	list := &cobra.Command{
		Use:   "list",
		Short: "List mappings",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			ms, err := a.mappings.List(cmd.Context(), dataType)
			if err != nil {
				return err
			}
			return printJSON(ms)
		},
	}
	list.Flags().StringVar(&dataType, "data-type", "", "Only mappings of this data type")

	show := &cobra.Command{
		Use:   "show DATA_TYPE NAME",
		Short: "Print one mapping",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			m, err := a.mappings.Require(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(m)
		},
	}

	del := &cobra.Command{
		Use:   "delete DATA_TYPE NAME",
		Short: "Delete a mapping",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			return a.mappings.Delete(cmd.Context(), args[0], args[1])
		},
	}

	cmd.AddCommand(importCmd, list, show, del)
	return cmd
}

// loadSpecs loads job specs; requireSchedule rejects specs without one.
func loadSpecs(paths []string, requireSchedule bool) ([]*config.JobSpec, error) {
	specs := make([]*config.JobSpec, 0, len(paths))
	for _, p := range paths {
		spec, err := config.LoadJobSpec(p)
		if err != nil {
			return nil, err
		}
		if requireSchedule && spec.Schedule == "" {
			return nil, errors.Newf(errors.KindConfig, "job spec %s has no schedule", p)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// startScheduler registers specs and the quality schedule. It returns nil
// when there is nothing to schedule.
func startScheduler(ctx context.Context, a *app, specs []*config.JobSpec, qualityCron string) (*scheduler.Scheduler, error) {
	if len(specs) == 0 && qualityCron == "" {
		return nil, nil
	}
	s := scheduler.New(a.orch, a.quality, a.log)
	for _, spec := range specs {
		if err := s.AddJob(spec); err != nil {
			return nil, err
		}
	}
	if qualityCron != "" {
		if err := s.AddQuality(qualityCron); err != nil {
			return nil, err
		}
	}
	s.Start(ctx)
	return s, nil
}

func stopScheduler(a *app, s *scheduler.Scheduler) {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		a.log.Warn("scheduler did not stop cleanly", zap.Error(err))
	}
}

func newServeCmd(open opener) *cobra.Command {
	var addr, qualityCron string

	cmd := &cobra.Command{
		Use:   "serve [JOB_SPEC...]",
		Short: "Serve the status API, running any scheduled job specs",
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := loadSpecs(args, true)
			if err != nil {
				return err
			}
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			s, err := startScheduler(ctx, a, specs, qualityCron)
			if err != nil {
				return err
			}
			defer stopScheduler(a, s)

			if addr == "" {
				addr = a.cfg.API.Addr
			}
			if addr == "" {
				addr = ":8080"
			}
			return api.New(a.orch.Registry(), a.store.DB(), a.log).ListenAndServe(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (defaults to api.addr)")
	cmd.Flags().StringVar(&qualityCron, "quality-schedule", "", "Cron expression for stored quality rules")
	return cmd
}

func newScheduleCmd(open opener) *cobra.Command {
	var qualityCron string

	cmd := &cobra.Command{
		Use:   "schedule [JOB_SPEC...]",
		Short: "Run job specs and quality rules on their cron schedules",
		Long: `Run every job spec on its schedule expression until interrupted.

Example:
  assessorsync schedule jobs/*.yaml --quality-schedule "0 6 * * *"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := loadSpecs(args, true)
			if err != nil {
				return err
			}
			if len(specs) == 0 && qualityCron == "" {
				return errors.New(errors.KindConfig, "nothing to schedule")
			}
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			s, err := startScheduler(ctx, a, specs, qualityCron)
			if err != nil {
				return err
			}
			<-ctx.Done()
			stopScheduler(a, s)
			return nil
		},
	}
	cmd.Flags().StringVar(&qualityCron, "quality-schedule", "", "Cron expression for stored quality rules")
	return cmd
}

func newWatchCmd(open opener) *cobra.Command {
	var opts scheduler.WatchOptions

	cmd := &cobra.Command{
		Use:   "watch JOB_SPEC",
		Short: "Run a job spec for every file dropped into a directory",
		Long: `Watch a drop directory and run the job spec for each new file, using the
file as the source location.

Example:
  assessorsync watch jobs/levy.yaml --dir /drop/levy --pattern "*.txt" --done-dir /drop/levy/done`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := config.LoadJobSpec(args[0])
			if err != nil {
				return err
			}
			if opts.Dir == "" {
				return errors.New(errors.KindConfig, "--dir is required")
			}
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			w, err := scheduler.NewDropWatcher(spec, a.orch, opts, a.log)
			if err != nil {
				return err
			}
			return w.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&opts.Dir, "dir", "", "Drop directory")
	cmd.Flags().StringVar(&opts.Pattern, "pattern", "", "File name pattern, e.g. \"*.csv\"")
	cmd.Flags().DurationVar(&opts.Debounce, "debounce", scheduler.DefaultDebounce, "Quiet period before a file is processed")
	cmd.Flags().StringVar(&opts.DoneDir, "done-dir", "", "Move processed files here")
	return cmd
}

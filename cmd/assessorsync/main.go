package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/countyops/assessorsync/internal/pipeline"
	"github.com/countyops/assessorsync/pkg/json"
)

var version = "0.1.0"

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	err := root.ExecuteContext(ctx)
	if ee, ok := err.(*exitError); ok {
		stop()
		os.Exit(ee.code)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(pipeline.ExitFatal)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var configPath string

	root := &cobra.Command{
		Use:   "assessorsync",
		Short: "Incremental ETL and data-quality core for county assessor data",
		Long: `assessorsync ingests assessor, levy and cost-matrix files into a canonical
relational store, exports snapshots and evaluates data-quality rules.

Exit codes: 0 completed, 1 completed with rejected rows or cancelled after
progress, 2 failed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file (YAML)")
	root.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().String("database-dsn", "", "Database DSN, overriding the configuration")
	_ = v.BindPFlag("log_level", root.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("database.dsn", root.PersistentFlags().Lookup("database-dsn"))

	open := func(cmd *cobra.Command) (*app, error) {
		return setup(cmd.Context(), v, configPath)
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Show version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("assessorsync v%s\n", version)
				fmt.Printf("Go version: %s\n", runtime.Version())
				fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
			},
		},
		newRunCmd(open),
		newExportCmd(open),
		newQualityCmd(open),
		newMappingCmd(open),
		newServeCmd(open),
		newScheduleCmd(open),
		newWatchCmd(open),
	)
	return root
}

// printJSON writes v to stdout, indented.
func printJSON(v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(b))
	return err
}

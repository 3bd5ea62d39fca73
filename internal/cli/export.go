package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/raphaelgruber/cvat-export/internal/client"
	"github.com/raphaelgruber/cvat-export/internal/config"
	"github.com/raphaelgruber/cvat-export/internal/metrics"
	"github.com/raphaelgruber/cvat-export/internal/parser"
	"github.com/raphaelgruber/cvat-export/internal/service"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export and download task datasets",
	Long: `Trigger a dataset export for every task id, wait for the export job to
finish and download the archive to <outdir>/task_<id>.zip.

Task ids may be separated by commas, whitespace or both.

Examples:
  cvat-export export --server https://cvat.example.com --username alice --password secret \
      --outdir ./exports --task-ids "597,599 602"
  cvat-export export --auth token --token $KEY --outdir ./exports --task-ids 597 --save-images
  cvat-export export ... --workers 4 --report run.yaml --fail-on-error`,
	Args: cobra.NoArgs,
	RunE: runExport,
}

func init() {
	f := exportCmd.Flags()
	f.String(config.KeyFormat, service.DefaultFormat, "export format name")
	f.String(config.KeyOutDir, "", "directory to save downloaded archives")
	f.String(config.KeyTaskIDs, "", `task ids like "597,599,602" or "597 599 602"`)
	f.Bool(config.KeySaveImages, false, "include media in the export (default: annotations only)")
	f.Float64(config.KeyPollSeconds, service.DefaultPollInterval.Seconds(), "seconds between status queries")
	f.Int(config.KeyTimeoutSeconds, int(service.DefaultPollTimeout.Seconds()), "seconds to wait for each export job")
	f.Bool(config.KeyOverwrite, false, "overwrite existing output files")
	f.Int(config.KeyWorkers, 1, "number of tasks processed in parallel")
	f.String(config.KeyReport, "", "write a YAML run report to this path")
	f.Bool(config.KeyFailOnError, false, "exit with status 1 if any task failed")
	f.Bool(config.KeyNoProgress, false, "print plain log lines even on a terminal")

	bindFlags(f,
		config.KeyFormat, config.KeyOutDir, config.KeyTaskIDs, config.KeySaveImages,
		config.KeyPollSeconds, config.KeyTimeoutSeconds, config.KeyOverwrite, config.KeyWorkers,
		config.KeyReport, config.KeyFailOnError, config.KeyNoProgress,
	)
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Parse before any network call.
	taskIDs, err := parser.ParseTaskIDs(cfg.TaskIDs)
	if err != nil {
		return fmt.Errorf("parse --%s: %w", config.KeyTaskIDs, err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := client.Dial(ctx, cfg.ClientConfig())
	if err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.Server, err)
	}

	collector := metrics.NewCollector()
	opts := cfg.RunOptions()

	newRunner := func(sink service.Sink) *service.Runner {
		if verbose {
			sink = service.MultiSink{sink, service.LogSink{Logger: logger}}
		}
		return service.NewRunner(c, c,
			service.WithSink(sink),
			service.WithMetrics(collector),
			service.WithLogger(logger),
		)
	}

	var summary *service.Summary
	if !cfg.NoProgress && term.IsTerminal(int(os.Stdout.Fd())) {
		summary, err = runWithProgress(ctx, taskIDs, opts, newRunner)
	} else {
		summary, err = newRunner(newConsoleSink(cmd.OutOrStdout(), cmd.ErrOrStderr())).Run(ctx, taskIDs, opts)
	}

	if summary != nil && cfg.Report != "" {
		if reportErr := service.WriteReport(cfg.Report, opts, summary); reportErr != nil {
			logger.Error("failed to write report", "path", cfg.Report, "error", reportErr)
		} else {
			fmt.Fprintf(cmd.ErrOrStderr(), "Report written to %s\n", cfg.Report)
		}
	}

	if verbose {
		printStats(cmd, collector.Snapshot())
	}

	if err != nil {
		return err
	}
	if cfg.FailOnError && summary.HasFailures() {
		return fmt.Errorf("%d of %d tasks failed", summary.Failed, len(taskIDs))
	}
	return nil
}

func printStats(cmd *cobra.Command, snap metrics.Snapshot) {
	data, err := yaml.Marshal(snap)
	if err != nil {
		return
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "\nStage metrics:\n%s", data)
}

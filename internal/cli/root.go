// Package cli provides the command-line interface for cvat-export.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/raphaelgruber/cvat-export/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	cfgFile string
	verbose bool

	// v collects flags, environment and config file values.
	v = config.New()

	logger     *slog.Logger
	logCleanup = func() error { return nil }
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "cvat-export",
	Short: "Batch export of annotation datasets",
	Long: `cvat-export asks an annotation platform to export the datasets of a list of
tasks, waits for each export job to finish and downloads the archives.

Every archive is written to <outdir>/task_<id>.zip. Existing archives are
skipped unless --overwrite is set. A failing task never stops the batch.

Configuration is read from flags, CVAT_EXPORT_* environment variables and
an optional YAML file (--config, or $HOME/.cvat-export/config.yaml).`,
	Version:      Version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initConfig(); err != nil {
			return err
		}

		level := config.ParseLogLevel(v.GetString(config.KeyLogLevel))
		if verbose {
			level = slog.LevelDebug
		}
		logger, logCleanup = config.SetupLogger(v.GetString(config.KeyLogFile), level)
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if err := logCleanup(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default $HOME/.cvat-export/config.yaml)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	// Connection flags, shared by every command that talks to the platform
	pf.String(config.KeyServer, "", "platform base URL, e.g. https://cvat.example.com")
	pf.String(config.KeyUsername, "", "username")
	pf.String(config.KeyPassword, "", "password")
	pf.String(config.KeyToken, "", "API token (for --auth token)")
	pf.String(config.KeyAuth, "basic", "API auth strategy: basic, token, session or none")
	pf.String(config.KeyDownloadAuth, "", "auth strategy for archive downloads (default: same as --auth)")
	bindFlags(pf, config.KeyServer, config.KeyUsername, config.KeyPassword, config.KeyToken, config.KeyAuth, config.KeyDownloadAuth)

	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

// bindFlags binds the named flags of fs to viper keys of the same name.
func bindFlags(fs *pflag.FlagSet, keys ...string) {
	for _, key := range keys {
		if err := v.BindPFlag(key, fs.Lookup(key)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", key, err))
		}
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath("$HOME/.cvat-export")
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && cfgFile == "" {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	if verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", v.ConfigFileUsed())
	}
	return nil
}

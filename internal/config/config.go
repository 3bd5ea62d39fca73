// Package config loads exporter settings from flags, environment and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/raphaelgruber/cvat-export/internal/client"
	"github.com/raphaelgruber/cvat-export/internal/service"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. CVAT_EXPORT_SERVER.
const EnvPrefix = "CVAT_EXPORT"

// Keys shared by flags, environment and config file.
const (
	KeyServer         = "server"
	KeyUsername       = "username"
	KeyPassword       = "password"
	KeyToken          = "token"
	KeyAuth           = "auth"
	KeyDownloadAuth   = "download-auth"
	KeyFormat         = "format"
	KeyOutDir         = "outdir"
	KeyTaskIDs        = "task-ids"
	KeySaveImages     = "save-images"
	KeyPollSeconds    = "poll-seconds"
	KeyTimeoutSeconds = "timeout-seconds"
	KeyOverwrite      = "overwrite"
	KeyWorkers        = "workers"
	KeyReport         = "report"
	KeyFailOnError    = "fail-on-error"
	KeyNoProgress     = "no-progress"
	KeyLogFile        = "log-file"
	KeyLogLevel       = "log-level"
	KeyListen         = "listen"
)

// DefaultListen is the web UI address. Loopback only.
const DefaultListen = "127.0.0.1:8485"

// Config holds all configuration values.
type Config struct {
	// Platform connection
	Server       string
	Username     string
	Password     string
	Token        string
	Auth         client.Scheme
	DownloadAuth client.Scheme

	// Export
	Format         string
	OutDir         string
	TaskIDs        string
	SaveImages     bool
	PollSeconds    float64
	TimeoutSeconds int
	Overwrite      bool
	Workers        int

	// Output
	Report      string
	FailOnError bool
	NoProgress  bool

	// Logging
	LogFile  string
	LogLevel slog.Level

	// Web UI
	Listen string
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyAuth, string(client.SchemeBasic))
	v.SetDefault(KeyFormat, service.DefaultFormat)
	v.SetDefault(KeyPollSeconds, service.DefaultPollInterval.Seconds())
	v.SetDefault(KeyTimeoutSeconds, int(service.DefaultPollTimeout.Seconds()))
	v.SetDefault(KeyWorkers, 1)
	v.SetDefault(KeyLogLevel, "INFO")
	v.SetDefault(KeyListen, DefaultListen)
}

// Load builds a Config from v. Auth scheme names are validated here;
// required fields are checked by Validate.
func Load(v *viper.Viper) (Config, error) {
	auth, err := client.ParseScheme(v.GetString(KeyAuth))
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", KeyAuth, err)
	}

	downloadAuth := auth
	if raw := v.GetString(KeyDownloadAuth); raw != "" {
		downloadAuth, err = client.ParseScheme(raw)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", KeyDownloadAuth, err)
		}
	}

	return Config{
		Server:       v.GetString(KeyServer),
		Username:     v.GetString(KeyUsername),
		Password:     v.GetString(KeyPassword),
		Token:        v.GetString(KeyToken),
		Auth:         auth,
		DownloadAuth: downloadAuth,

		Format:         v.GetString(KeyFormat),
		OutDir:         v.GetString(KeyOutDir),
		TaskIDs:        v.GetString(KeyTaskIDs),
		SaveImages:     v.GetBool(KeySaveImages),
		PollSeconds:    v.GetFloat64(KeyPollSeconds),
		TimeoutSeconds: v.GetInt(KeyTimeoutSeconds),
		Overwrite:      v.GetBool(KeyOverwrite),
		Workers:        v.GetInt(KeyWorkers),

		Report:      v.GetString(KeyReport),
		FailOnError: v.GetBool(KeyFailOnError),
		NoProgress:  v.GetBool(KeyNoProgress),

		LogFile:  v.GetString(KeyLogFile),
		LogLevel: ParseLogLevel(v.GetString(KeyLogLevel)),

		Listen: v.GetString(KeyListen),
	}, nil
}

// Validate checks the settings an export run needs.
func (c Config) Validate() error {
	var errs []error

	if c.Server == "" {
		errs = append(errs, fmt.Errorf("--%s is required", KeyServer))
	} else if err := client.CheckBaseURL(c.Server); err != nil {
		errs = append(errs, fmt.Errorf("--%s %w", KeyServer, err))
	}
	if c.OutDir == "" {
		errs = append(errs, fmt.Errorf("--%s is required", KeyOutDir))
	}
	if strings.TrimSpace(c.TaskIDs) == "" {
		errs = append(errs, fmt.Errorf("--%s is required", KeyTaskIDs))
	}
	if c.PollSeconds <= 0 {
		errs = append(errs, fmt.Errorf("--%s must be positive", KeyPollSeconds))
	}
	if c.TimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("--%s must be positive", KeyTimeoutSeconds))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("--%s must be at least 1", KeyWorkers))
	}

	return errors.Join(errs...)
}

// ClientConfig returns the connection settings for client.Dial.
func (c Config) ClientConfig() client.Config {
	return client.Config{
		BaseURL:      c.Server,
		Auth:         c.Auth,
		DownloadAuth: c.DownloadAuth,
		Credentials: client.Credentials{
			Username: c.Username,
			Password: c.Password,
			Token:    c.Token,
		},
	}
}

// RunOptions returns the runner options for this configuration.
func (c Config) RunOptions() service.Options {
	return service.Options{
		Server:       c.Server,
		Format:       c.Format,
		OutDir:       c.OutDir,
		IncludeMedia: c.SaveImages,
		Overwrite:    c.Overwrite,
		PollInterval: time.Duration(c.PollSeconds * float64(time.Second)),
		PollTimeout:  time.Duration(c.TimeoutSeconds) * time.Second,
		Workers:      c.Workers,
	}
}

// ParseLogLevel maps a level name to slog.Level. Unknown names mean INFO.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

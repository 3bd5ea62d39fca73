package service

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Report is the on-disk record of a finished run.
type Report struct {
	Server      string    `yaml:"server"`
	Format      string    `yaml:"format"`
	OutDir      string    `yaml:"outdir"`
	GeneratedAt time.Time `yaml:"generated_at"`
	Summary     *Summary  `yaml:"summary"`
}

// WriteReport writes the run summary as YAML to path.
func WriteReport(path string, opts Options, summary *Summary) error {
	report := Report{
		Server:      opts.Server,
		Format:      withDefaults(opts).Format,
		OutDir:      opts.OutDir,
		GeneratedAt: time.Now().UTC(),
		Summary:     summary,
	}

	data, err := yaml.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

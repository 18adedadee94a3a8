package pipeline

import (
	"flag"
	"time"

	"github.com/pkg/errors"
)

// Config for the pipeline orchestrator.
type Config struct {
	// LogType selects the parser and destination table for ingested objects.
	LogType string `yaml:"log_type"`
	// ParserName overrides the registry lookup; defaults to LogType.
	ParserName     string `yaml:"parser"`
	Classification string `yaml:"classification"`

	CycleInterval time.Duration `yaml:"cycle_interval"`
	CycleTimeout  time.Duration `yaml:"cycle_timeout"`
	WatermarkPath string        `yaml:"watermark_path"`
}

// RegisterFlagsAndApplyDefaults registers flags and sets defaults.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.CycleInterval = time.Minute
	cfg.CycleTimeout = 10 * time.Minute

	f.StringVar(&cfg.LogType, prefix+".log-type", "", "Log type ingested by this pipeline.")
	f.StringVar(&cfg.WatermarkPath, prefix+".watermark-path", "", "Path of the last-processed-time cursor file. Empty disables persistence.")
}

func (cfg *Config) Validate() error {
	if cfg.LogType == "" {
		return errors.New("pipeline log type is required")
	}
	if cfg.CycleInterval <= 0 {
		return errors.New("cycle interval must be positive")
	}
	return nil
}

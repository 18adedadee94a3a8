package ingestor

import (
	"flag"
	"runtime"
	"time"

	"github.com/grafana/dskit/flagext"

	"github.com/sentrypipe/sentrypipe/pkg/breaker"
	"github.com/sentrypipe/sentrypipe/pkg/retry"
)

// Config for the S3 ingestor.
type Config struct {
	Bucket             string         `yaml:"bucket"`
	Prefix             string         `yaml:"prefix"`
	Region             string         `yaml:"region"`
	Endpoint           string         `yaml:"endpoint"`
	AccessKey          string         `yaml:"access_key"`
	SecretKey          flagext.Secret `yaml:"secret_key"`
	SessionToken       flagext.Secret `yaml:"session_token"`
	Insecure           bool           `yaml:"insecure"`
	InsecureSkipVerify bool           `yaml:"insecure_skip_verify"`
	ForcePathStyle     bool           `yaml:"force_path_style"`

	BatchSize       int      `yaml:"batch_size"`
	RateLimitPerSec float64  `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int      `yaml:"rate_limit_burst"`
	ListPageSize    int      `yaml:"list_page_size"`
	FileExtensions  []string `yaml:"file_extensions"`
	AllowedGlobs    []string `yaml:"allowed_globs"`
	WorkerPoolSize  int      `yaml:"worker_pool_size"`

	DownloadTimeout time.Duration  `yaml:"download_timeout"`
	Retry           retry.Policy   `yaml:"retry"`
	Breaker         breaker.Config `yaml:"circuit_breaker"`
}

// RegisterFlagsAndApplyDefaults registers flags and sets defaults.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Endpoint = "s3.amazonaws.com"
	cfg.BatchSize = 100
	cfg.RateLimitPerSec = 10
	cfg.RateLimitBurst = 10
	cfg.ListPageSize = 1000
	cfg.FileExtensions = []string{".json", ".log", ".gz"}
	cfg.WorkerPoolSize = 10
	cfg.DownloadTimeout = 30 * time.Second
	cfg.Retry = retry.DefaultPolicy()
	cfg.Breaker.RegisterFlagsAndApplyDefaults(prefix+".circuit-breaker", f)

	f.StringVar(&cfg.Bucket, prefix+".bucket", "", "S3 bucket to ingest from.")
	f.StringVar(&cfg.Prefix, prefix+".prefix", "", "Key prefix to ingest.")
	f.StringVar(&cfg.Region, prefix+".region", "", "S3 region.")
}

// PoolSize bounds worker concurrency by the configured size and twice the
// available CPUs.
func (cfg *Config) PoolSize() int {
	n := cfg.WorkerPoolSize
	if n <= 0 {
		n = 10
	}
	if cpus := 2 * runtime.GOMAXPROCS(0); cpus < n {
		n = cpus
	}
	if n < 1 {
		n = 1
	}
	return n
}

package router

import (
	"flag"
	"time"

	"github.com/pkg/errors"

	"github.com/sentrypipe/sentrypipe/pkg/breaker"
	"github.com/sentrypipe/sentrypipe/pkg/model"
	"github.com/sentrypipe/sentrypipe/pkg/retry"
)

// TableConfig is the immutable descriptor for one logical destination table.
// Loaded once at startup, never mutated.
type TableConfig struct {
	Name   string `yaml:"name"`
	Stream string `yaml:"stream"`
	// Schema declares per-field type tags for coercion.
	Schema         map[string]model.FieldType `yaml:"schema"`
	RequiredFields []string                   `yaml:"required_fields"`
	MaxBatchItems  int                        `yaml:"max_batch_items"`
	MaxBatchBytes  int                        `yaml:"max_batch_bytes"`
	RetentionDays  int                        `yaml:"retention_days"`
	// TransformMap renames source fields to canonical ones.
	TransformMap   map[string]string `yaml:"transform_map"`
	TimestampField string            `yaml:"timestamp_field"`
	// RedactionAllowList names the fields persisted in clear text when a
	// batch is diverted. Empty disables redaction.
	RedactionAllowList []string `yaml:"redaction_allow_list"`
}

func (t *TableConfig) applyDefaults() {
	if t.Stream == "" {
		t.Stream = "Custom-" + t.Name
	}
	if t.MaxBatchItems <= 0 {
		t.MaxBatchItems = 500
	}
	if t.MaxBatchBytes <= 0 {
		t.MaxBatchBytes = 1 << 20 // Sentinel's 1 MiB per-call cap
	}
	if t.TimestampField == "" {
		t.TimestampField = model.TimestampField
	}
}

func (t *TableConfig) validate() error {
	if t.Name == "" {
		return errors.New("table name is required")
	}
	for field, fieldType := range t.Schema {
		if !fieldType.Valid() {
			return errors.Errorf("table %s: field %s has unknown type %q", t.Name, field, fieldType)
		}
	}
	return nil
}

// Config for the Sentinel router.
type Config struct {
	Tables []TableConfig `yaml:"table_configs"`

	DCEEndpoint           string        `yaml:"dce_endpoint"`
	DCRImmutableID        string        `yaml:"dcr_immutable_id"`
	TokenSecretName       string        `yaml:"token_secret_name"`
	MaxConcurrentBatches  int           `yaml:"max_concurrent_batches"`
	BatchTimeout          time.Duration `yaml:"batch_timeout"`
	UploadTimeout         time.Duration `yaml:"upload_timeout"`
	DefaultClassification string        `yaml:"default_classification"`
	CompressUploads       bool          `yaml:"compress_uploads"`
	RateLimitPerSec       float64       `yaml:"rate_limit_per_sec"`
	RateLimitBurst        int           `yaml:"rate_limit_burst"`

	// MaxRetries bounds upload retries after the first attempt, so a batch
	// sees MaxRetries+1 attempts before diverting.
	MaxRetries int            `yaml:"max_retries"`
	Retry      retry.Policy   `yaml:"retry"`
	Breaker    breaker.Config `yaml:"circuit_breaker"`
}

// RegisterFlagsAndApplyDefaults registers flags and sets defaults.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.MaxConcurrentBatches = 4
	cfg.BatchTimeout = 30 * time.Second
	cfg.UploadTimeout = 30 * time.Second
	cfg.DefaultClassification = "standard"
	cfg.CompressUploads = true
	cfg.RateLimitPerSec = 10
	cfg.RateLimitBurst = 10
	cfg.TokenSecretName = "sentinel-ingestion-token"
	cfg.MaxRetries = 3
	cfg.Retry = retry.DefaultPolicy()
	cfg.Breaker.RegisterFlagsAndApplyDefaults(prefix+".circuit-breaker", f)

	f.StringVar(&cfg.DCEEndpoint, prefix+".dce-endpoint", "", "Data collection endpoint base URL.")
	f.StringVar(&cfg.DCRImmutableID, prefix+".dcr-immutable-id", "", "Immutable id of the data collection rule.")
}

func (cfg *Config) Validate() error {
	if len(cfg.Tables) == 0 {
		return errors.New("at least one table config is required")
	}
	seen := make(map[string]struct{}, len(cfg.Tables))
	for i := range cfg.Tables {
		cfg.Tables[i].applyDefaults()
		if err := cfg.Tables[i].validate(); err != nil {
			return err
		}
		if _, dup := seen[cfg.Tables[i].Name]; dup {
			return errors.Errorf("duplicate table config %q", cfg.Tables[i].Name)
		}
		seen[cfg.Tables[i].Name] = struct{}{}
	}
	return nil
}

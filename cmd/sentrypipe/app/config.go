package app

import (
	"flag"
	"fmt"
	"strings"

	dslog "github.com/grafana/dskit/log"

	"github.com/sentrypipe/sentrypipe/modules/ingestor"
	"github.com/sentrypipe/sentrypipe/modules/pipeline"
	"github.com/sentrypipe/sentrypipe/modules/router"
	"github.com/sentrypipe/sentrypipe/pkg/parser"
	"github.com/sentrypipe/sentrypipe/pkg/secrets"
)

const (
	// failed-batch sink backends
	FailedBatchLocal = "local"
	FailedBatchS3    = "s3"
)

// Config is the root configuration.
type Config struct {
	LogLevel          dslog.Level `yaml:"log_level"`
	LogFormat         string      `yaml:"log_format"`
	HTTPListenAddress string      `yaml:"http_listen_address"`

	Ingestor      ingestor.Config   `yaml:"ingestor"`
	Router        router.Config     `yaml:"router"`
	Secrets       secrets.Config    `yaml:"secret_broker"`
	Pipeline      pipeline.Config   `yaml:"pipeline"`
	FailedBatches FailedBatchConfig `yaml:"failed_batches"`
	Parsers       ParsersConfig     `yaml:"parsers"`
}

// FailedBatchConfig selects and configures the failed-batch sink backend.
type FailedBatchConfig struct {
	Backend string `yaml:"backend"`
	// Dir is the destination directory for the local backend.
	Dir string `yaml:"dir"`
	// Bucket and Prefix locate envelopes for the s3 backend. The bucket is
	// reached with the ingestor's S3 credentials.
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

// ParsersConfig declares the parsers registered at startup. The firewall
// parser is always registered; JSON parsers are registered per log type.
type ParsersConfig struct {
	Firewall FirewallParserConfig        `yaml:"firewall"`
	JSON     map[string]JSONParserConfig `yaml:"json"`
}

type FirewallParserConfig struct {
	parser.FirewallConfig `yaml:",inline"`
}

type JSONParserConfig struct {
	Schema         parser.JSONSchema `yaml:",inline"`
	TimestampField string            `yaml:"timestamp_field"`
}

// RegisterFlagsAndApplyDefaults registers flags and sets defaults.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	c.LogFormat = "logfmt"
	c.LogLevel.RegisterFlags(f)
	c.HTTPListenAddress = ":3200"

	c.FailedBatches.Backend = FailedBatchLocal
	c.FailedBatches.Dir = "/var/lib/sentrypipe/failed-batches"
	c.FailedBatches.Prefix = "failed-batches"

	c.Ingestor.RegisterFlagsAndApplyDefaults(prependPrefix(prefix, "ingestor"), f)
	c.Router.RegisterFlagsAndApplyDefaults(prependPrefix(prefix, "router"), f)
	c.Secrets.RegisterFlagsAndApplyDefaults(prependPrefix(prefix, "secret-broker"), f)
	c.Pipeline.RegisterFlagsAndApplyDefaults(prependPrefix(prefix, "pipeline"), f)
	c.Parsers.Firewall.RegisterFlagsAndApplyDefaults(prependPrefix(prefix, "parsers.firewall"), f)
}

func prependPrefix(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

func (c *Config) Validate() error {
	switch c.FailedBatches.Backend {
	case FailedBatchLocal:
		if c.FailedBatches.Dir == "" {
			return fmt.Errorf("failed_batches: local backend requires a dir")
		}
	case FailedBatchS3:
		if c.FailedBatches.Bucket == "" {
			return fmt.Errorf("failed_batches: s3 backend requires a bucket")
		}
	default:
		return fmt.Errorf("failed_batches: unknown backend %q", c.FailedBatches.Backend)
	}

	if c.Ingestor.Bucket == "" {
		return fmt.Errorf("ingestor: bucket is required")
	}
	if c.Secrets.Store.Endpoint == "" {
		return fmt.Errorf("secret_broker: endpoint is required")
	}
	if c.Router.DCEEndpoint == "" {
		return fmt.Errorf("router: dce_endpoint is required")
	}
	if c.Router.DCRImmutableID == "" {
		return fmt.Errorf("router: dcr_immutable_id is required")
	}
	if err := c.Router.Validate(); err != nil {
		return fmt.Errorf("router: %w", err)
	}
	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	return nil
}

// ConfigWarning bundles a warning message with an explanation.
type ConfigWarning struct {
	Message string
	Explain string
}

// CheckConfig returns warnings for suspect but legal configurations.
func (c *Config) CheckConfig() []ConfigWarning {
	var warnings []ConfigWarning

	if c.Pipeline.WatermarkPath == "" {
		warnings = append(warnings, ConfigWarning{
			Message: "pipeline.watermark_path is unset",
			Explain: "every cycle will re-list the full prefix and reprocess already-ingested objects",
		})
	}
	if !c.Secrets.EncryptionEnabled {
		warnings = append(warnings, ConfigWarning{
			Message: "secret_broker.encryption_enabled is false",
			Explain: "cached credentials will be held in process memory as plaintext",
		})
	}
	if strings.HasPrefix(c.Router.DCEEndpoint, "http://") {
		warnings = append(warnings, ConfigWarning{
			Message: "router.dce_endpoint uses plain http",
			Explain: "ingestion tokens will be sent unencrypted",
		})
	}
	if c.Router.MaxRetries > 10 {
		warnings = append(warnings, ConfigWarning{
			Message: "router.max_retries is very high",
			Explain: "a failing batch can stall its upload slot for a long time before diverting",
		})
	}

	return warnings
}

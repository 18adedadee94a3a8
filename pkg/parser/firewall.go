package parser

import (
	"bytes"
	"flag"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sentrypipe/sentrypipe/pkg/model"
)

// FirewallConfig describes a pipe-delimited positional firewall log format.
type FirewallConfig struct {
	// Fields maps positions to canonical field names.
	Fields []string `yaml:"fields"`
	// Types declares per-field coercion; unlisted fields stay strings.
	Types map[string]model.FieldType `yaml:"types"`
	// TimestampFormats is tried in order; the first match wins.
	TimestampFormats []string `yaml:"timestamp_formats"`
	TimestampField   string   `yaml:"timestamp_field"`
	RequiredFields   []string `yaml:"required_fields"`
	ActionField      string   `yaml:"action_field"`
	Actions          []string `yaml:"actions"`
	IPFields         []string `yaml:"ip_fields"`
}

// RegisterFlagsAndApplyDefaults sets the defaults for the common firewall
// export layout.
func (cfg *FirewallConfig) RegisterFlagsAndApplyDefaults(_ string, _ *flag.FlagSet) {
	cfg.Fields = []string{"Timestamp", "SourceIP", "DestinationIP", "SourcePort", "DestinationPort", "Protocol", "Action", "Bytes"}
	cfg.Types = map[string]model.FieldType{
		"SourcePort":      model.FieldInt,
		"DestinationPort": model.FieldInt,
		"Bytes":           model.FieldLong,
	}
	cfg.TimestampFormats = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "Jan _2 15:04:05"}
	cfg.TimestampField = "Timestamp"
	cfg.RequiredFields = []string{"Timestamp", "SourceIP", "DestinationIP", "Action"}
	cfg.ActionField = "Action"
	cfg.Actions = []string{"ALLOW", "DENY", "DROP", "REJECT"}
	cfg.IPFields = []string{"SourceIP", "DestinationIP"}
}

// FirewallParser parses pipe-delimited positional firewall logs, one record
// per line.
type FirewallParser struct {
	cfg      FirewallConfig
	actions  map[string]struct{}
	required map[string]struct{}
	ipFields map[string]struct{}
}

var _ Parser = (*FirewallParser)(nil)

func NewFirewall(cfg FirewallConfig) (*FirewallParser, error) {
	if len(cfg.Fields) == 0 {
		return nil, fmt.Errorf("firewall parser requires a positional field map")
	}
	if len(cfg.TimestampFormats) == 0 {
		cfg.TimestampFormats = []string{time.RFC3339}
	}
	if cfg.TimestampField == "" {
		cfg.TimestampField = "Timestamp"
	}

	p := &FirewallParser{
		cfg:      cfg,
		actions:  toSet(cfg.Actions),
		required: toSet(cfg.RequiredFields),
		ipFields: toSet(cfg.IPFields),
	}
	return p, nil
}

func (p *FirewallParser) Parse(data []byte) ([]model.Record, []error) {
	var (
		records []model.Record
		errs    []error
	)

	for lineNum, line := range bytes.Split(data, []byte("\n")) {
		trimmed := strings.TrimSpace(string(line))
		if trimmed == "" {
			continue
		}

		rec, err := p.parseLine(trimmed)
		if err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", lineNum+1, err))
			continue
		}
		if !p.Validate(rec) {
			errs = append(errs, fmt.Errorf("line %d: failed validation", lineNum+1))
			continue
		}
		records = append(records, rec)
	}

	return records, errs
}

func (p *FirewallParser) parseLine(line string) (model.Record, error) {
	parts := strings.Split(line, "|")
	if len(parts) < len(p.cfg.Fields) {
		return nil, fmt.Errorf("expected %d fields, got %d", len(p.cfg.Fields), len(parts))
	}

	rec := make(model.Record, len(p.cfg.Fields)+1)
	for i, name := range p.cfg.Fields {
		value := strings.TrimSpace(parts[i])
		if value == "" {
			continue
		}

		if name == p.cfg.TimestampField {
			ts, err := p.parseTimestamp(value)
			if err != nil {
				return nil, err
			}
			rec[model.TimestampField] = ts.UTC()
			continue
		}

		if t, ok := p.cfg.Types[name]; ok {
			coerced, err := model.Coerce(value, t)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", name, err)
			}
			rec[name] = coerced
			continue
		}
		rec[name] = value
	}

	return rec, nil
}

func (p *FirewallParser) parseTimestamp(value string) (time.Time, error) {
	for _, format := range p.cfg.TimestampFormats {
		if ts, err := time.Parse(format, value); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("timestamp %q matched no configured format", value)
}

// Validate checks required fields, IP syntax and action enum membership.
func (p *FirewallParser) Validate(rec model.Record) bool {
	for name := range p.required {
		key := name
		if name == p.cfg.TimestampField {
			key = model.TimestampField
		}
		if _, ok := rec[key]; !ok {
			return false
		}
	}

	for name := range p.ipFields {
		v, ok := rec[name]
		if !ok {
			continue
		}
		s, isString := v.(string)
		if !isString || net.ParseIP(s) == nil {
			return false
		}
	}

	if len(p.actions) > 0 {
		if v, ok := rec[p.cfg.ActionField]; ok {
			s, isString := v.(string)
			if !isString {
				return false
			}
			if _, member := p.actions[strings.ToUpper(s)]; !member {
				return false
			}
		}
	}

	return true
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

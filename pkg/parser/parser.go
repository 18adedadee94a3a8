// Package parser turns raw log object bodies into canonical records. Parsers
// are pure: they hold only their compiled configuration and are safe for
// concurrent use.
package parser

import (
	"github.com/pkg/errors"

	"github.com/sentrypipe/sentrypipe/pkg/model"
)

// ErrUnsupportedLogType is returned by the registry for unknown log types.
var ErrUnsupportedLogType = errors.New("unsupported log type")

// Parser decodes a log body into canonical records. Per-line failures are
// returned alongside whatever parsed cleanly; they never abort the body.
type Parser interface {
	// Parse decodes the body. The error slice holds one entry per
	// undecodable line or record.
	Parse(data []byte) ([]model.Record, []error)
	// Validate reports whether a parsed record satisfies the parser's
	// required-field and domain rules.
	Validate(rec model.Record) bool
}

// Registry dispatches parsers by log-type string. It is populated once at
// startup and read-only afterwards.
type Registry struct {
	parsers map[string]Parser
}

func NewRegistry() *Registry {
	return &Registry{parsers: make(map[string]Parser)}
}

// Register binds a parser to a log type. Later registrations for the same
// type win; call only during startup wiring.
func (r *Registry) Register(logType string, p Parser) {
	r.parsers[logType] = p
}

// Get returns the parser for logType.
func (r *Registry) Get(logType string) (Parser, error) {
	p, ok := r.parsers[logType]
	if !ok {
		return nil, errors.Wrapf(ErrUnsupportedLogType, "%q", logType)
	}
	return p, nil
}

// Types returns the registered log types.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.parsers))
	for t := range r.parsers {
		types = append(types, t)
	}
	return types
}

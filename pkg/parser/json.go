package parser

import (
	"bytes"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/sentrypipe/sentrypipe/pkg/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONSchema optionally rewrites and prunes decoded objects. An empty Fields
// map passes objects through untouched.
type JSONSchema struct {
	Fields   map[string]model.FieldType `yaml:"fields"`
	Required []string                   `yaml:"required"`
}

// JSONParser decodes JSON log bodies: a single object, an array of objects,
// or newline-delimited objects.
type JSONParser struct {
	schema   JSONSchema
	required map[string]struct{}
	// TimestampField names the source field promoted to the canonical
	// timestamp. Empty leaves promotion to the router.
	TimestampField string
}

var _ Parser = (*JSONParser)(nil)

func NewJSON(schema JSONSchema, timestampField string) *JSONParser {
	return &JSONParser{
		schema:         schema,
		required:       toSet(schema.Required),
		TimestampField: timestampField,
	}
}

func (p *JSONParser) Parse(data []byte) ([]model.Record, []error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, []error{fmt.Errorf("empty body")}
	}

	if trimmed[0] == '[' {
		return p.parseArray(trimmed)
	}
	return p.parseLines(trimmed)
}

func (p *JSONParser) parseArray(data []byte) ([]model.Record, []error) {
	var raw []map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, []error{fmt.Errorf("malformed JSON array: %w", err)}
	}

	var (
		records []model.Record
		errs    []error
	)
	for i, obj := range raw {
		rec, err := p.apply(obj)
		if err != nil {
			errs = append(errs, fmt.Errorf("element %d: %w", i, err))
			continue
		}
		records = append(records, rec)
	}
	return records, errs
}

func (p *JSONParser) parseLines(data []byte) ([]model.Record, []error) {
	var (
		records []model.Record
		errs    []error
	)
	for lineNum, line := range bytes.Split(data, []byte("\n")) {
		text := strings.TrimSpace(string(line))
		if text == "" {
			continue
		}

		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(text), &obj); err != nil {
			errs = append(errs, fmt.Errorf("line %d: malformed JSON: %w", lineNum+1, err))
			continue
		}
		rec, err := p.apply(obj)
		if err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", lineNum+1, err))
			continue
		}
		records = append(records, rec)
	}
	return records, errs
}

// apply enforces the declared schema on one decoded object.
func (p *JSONParser) apply(obj map[string]interface{}) (model.Record, error) {
	for _, name := range p.schema.Required {
		if _, ok := obj[name]; !ok {
			return nil, fmt.Errorf("required field %q absent", name)
		}
	}

	rec := make(model.Record, len(obj))
	if len(p.schema.Fields) == 0 {
		for k, v := range obj {
			rec[k] = v
		}
	} else {
		// Schema application prunes undeclared fields.
		for name, fieldType := range p.schema.Fields {
			v, ok := obj[name]
			if !ok {
				continue
			}
			coerced, err := model.Coerce(v, fieldType)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", name, err)
			}
			rec[name] = coerced
		}
	}

	if p.TimestampField != "" {
		if v, ok := rec[p.TimestampField]; ok {
			if ts, err := model.Coerce(v, model.FieldDatetime); err == nil {
				delete(rec, p.TimestampField)
				rec[model.TimestampField] = ts
			}
		}
	}

	return rec, nil
}

func (p *JSONParser) Validate(rec model.Record) bool {
	for name := range p.required {
		key := name
		if name == p.TimestampField {
			key = model.TimestampField
		}
		if _, ok := rec[key]; !ok {
			return false
		}
	}
	return true
}

package router

import (
	"time"

	"github.com/sentrypipe/sentrypipe/pkg/model"
)

// dropReason labels why a record was excluded from routing.
type dropReason string

const (
	dropNone            dropReason = ""
	dropCoercion        dropReason = "coercion"
	dropRequiredField   dropReason = "required-field"
	dropPayloadTooLarge dropReason = "payload-too-large"
)

// prepare normalises one record against a table: apply the transform map,
// coerce declared types, guarantee a canonical timestamp, and check required
// fields. prepare is idempotent; records pass by value so the caller's copy
// is never touched.
func prepare(in model.Record, t *TableConfig, now func() time.Time) (model.Record, dropReason) {
	rec := in.Copy()

	// Transform map: source -> canonical names. Already-transformed records
	// no longer carry the source fields, so reapplication is a no-op.
	for src, dst := range t.TransformMap {
		if src == dst {
			continue
		}
		if v, ok := rec[src]; ok {
			rec[dst] = v
			delete(rec, src)
		}
	}

	for field, fieldType := range t.Schema {
		v, ok := rec[field]
		if !ok {
			continue
		}
		coerced, err := model.Coerce(v, fieldType)
		if err != nil {
			return nil, dropCoercion
		}
		rec[field] = coerced
	}

	if _, ok := rec[model.TimestampField]; !ok {
		if v, hasSource := rec[t.TimestampField]; hasSource && t.TimestampField != model.TimestampField {
			if ts, err := model.Coerce(v, model.FieldDatetime); err == nil {
				delete(rec, t.TimestampField)
				rec[model.TimestampField] = ts
			}
		}
	}
	if _, ok := rec[model.TimestampField]; !ok {
		rec[model.TimestampField] = now().UTC()
		rec[model.InjectedTimestampField] = true
	}

	for _, field := range t.RequiredFields {
		key := field
		if field == t.TimestampField {
			key = model.TimestampField
		}
		if _, ok := rec[key]; !ok {
			return nil, dropRequiredField
		}
	}

	return rec, dropNone
}

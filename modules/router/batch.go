package router

import (
	"bytes"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/sentrypipe/sentrypipe/pkg/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Batch is a sealed, immutable group of records bound to one table. The
// payload is the exact JSON array shipped on the wire; byte and item caps are
// enforced against it at packing time.
type Batch struct {
	ID            string
	Table         string
	Seq           uint64
	CorrelationID string
	Records       []model.Record
	Payload       []byte
	SealedAt      time.Time
}

// Size returns the number of records in the batch.
func (b *Batch) Size() int {
	return len(b.Records)
}

// pack splits prepared records into sealed batches honouring the table's item
// and byte caps. Packing is greedy in arrival order. Records whose serialized
// form alone exceeds the byte cap are returned in the dropped count.
func pack(t *TableConfig, records []model.Record, correlationID string, nextSeq func() uint64, now func() time.Time) (batches []*Batch, dropped int) {
	var (
		current      []model.Record
		payload      bytes.Buffer
		currentBytes int
	)

	seal := func() {
		if len(current) == 0 {
			return
		}
		payload.WriteByte(']')
		b := &Batch{
			ID:            uuid.New().String(),
			Table:         t.Name,
			Seq:           nextSeq(),
			CorrelationID: correlationID,
			Records:       current,
			Payload:       append([]byte(nil), payload.Bytes()...),
			SealedAt:      now().UTC(),
		}
		batches = append(batches, b)
		current = nil
		payload.Reset()
		currentBytes = 0
	}

	for _, rec := range records {
		encoded, err := json.Marshal(rec)
		if err != nil {
			dropped++
			continue
		}

		// Account for the enclosing brackets and separating commas.
		if len(encoded)+2 > t.MaxBatchBytes {
			dropped++
			continue
		}

		next := currentBytes + len(encoded) + 2 // brackets
		if len(current) > 0 {
			next += len(current) // commas
		}
		if len(current) >= t.MaxBatchItems || next > t.MaxBatchBytes {
			seal()
		}

		if len(current) == 0 {
			payload.WriteByte('[')
		} else {
			payload.WriteByte(',')
		}
		payload.Write(encoded)
		current = append(current, rec)
		currentBytes += len(encoded)
	}
	seal()

	return batches, dropped
}

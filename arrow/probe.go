package arrow

import (
	"errors"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Probe is one latency sample.
type Probe struct {
	Seq    int64
	SentAt time.Time
	Body   []byte
}

// ProbeSchema returns the schema of probe batches.
func ProbeSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "seq", Type: arrow.PrimitiveTypes.Int64},
		{Name: "sent_at", Type: arrow.FixedWidthTypes.Timestamp_ns},
		{Name: "body", Type: arrow.BinaryTypes.Binary, Nullable: true},
	}, nil)
}

// BuildProbes builds a probe batch. The caller releases the record.
func BuildProbes(mem memory.Allocator, probes []Probe) (arrow.Record, error) {
	if len(probes) == 0 {
		return nil, ErrNoRecords
	}
	if mem == nil {
		mem = memory.DefaultAllocator
	}

	builder := array.NewRecordBuilder(mem, ProbeSchema())
	defer builder.Release()

	seqBuilder := builder.Field(0).(*array.Int64Builder)
	sentBuilder := builder.Field(1).(*array.TimestampBuilder)
	bodyBuilder := builder.Field(2).(*array.BinaryBuilder)

	for _, p := range probes {
		seqBuilder.Append(p.Seq)
		sentBuilder.Append(arrow.Timestamp(p.SentAt.UnixNano()))
		if p.Body != nil {
			bodyBuilder.Append(p.Body)
		} else {
			bodyBuilder.AppendNull()
		}
	}

	return builder.NewRecord(), nil
}

// ReadProbes extracts probes from a batch built by BuildProbes.
func ReadProbes(record arrow.Record) ([]Probe, error) {
	if record == nil {
		return nil, errors.New("nil record")
	}
	if !record.Schema().Equal(ProbeSchema()) {
		return nil, fmt.Errorf("%w: not a probe batch", ErrSchemaMismatch)
	}

	seqCol := record.Column(0).(*array.Int64)
	sentCol := record.Column(1).(*array.Timestamp)
	bodyCol := record.Column(2).(*array.Binary)

	probes := make([]Probe, record.NumRows())
	for i := range probes {
		probes[i] = Probe{
			Seq:    seqCol.Value(i),
			SentAt: time.Unix(0, int64(sentCol.Value(i))),
		}
		if bodyCol.IsValid(i) {
			probes[i].Body = append([]byte(nil), bodyCol.Value(i)...)
		}
	}
	return probes, nil
}

package arrow

import (
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/VanDung-dev/zsock/mq"
)

func testProbes(n int) []Probe {
	base := time.Unix(1700000000, 0)
	probes := make([]Probe, n)
	for i := range probes {
		probes[i] = Probe{Seq: int64(i), SentAt: base.Add(time.Duration(i) * time.Millisecond)}
		if i%2 == 0 {
			probes[i].Body = []byte{byte(i)}
		}
	}
	return probes
}

func buildTestRecord(t *testing.T, mem memory.Allocator, n int) arrow.Record {
	t.Helper()
	record, err := BuildProbes(mem, testProbes(n))
	require.NoError(t, err)
	return record
}

func TestCodecEncodeDecode(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	codec := NewCodec(WithAllocator(mem))
	first := buildTestRecord(t, mem, 3)
	defer first.Release()
	second := buildTestRecord(t, mem, 2)
	defer second.Release()

	m, err := codec.Encode(first, second)
	require.NoError(t, err)
	require.Equal(t, 1, m.NumFrames())

	records, err := codec.Decode(m)
	require.NoError(t, err)
	require.Len(t, records, 2)
	defer func() {
		for _, r := range records {
			r.Release()
		}
	}()

	require.True(t, array.RecordEqual(first, records[0]))
	require.True(t, array.RecordEqual(second, records[1]))
}

func TestCodecTopic(t *testing.T) {
	record := buildTestRecord(t, nil, 1)
	defer record.Release()

	m, err := NewCodec(WithTopic("probes")).Encode(record)
	require.NoError(t, err)
	require.Equal(t, []byte("probes"), m.Frame(0))

	_, err = NewCodec(WithTopic("other")).Decode(m)
	require.ErrorIs(t, err, ErrTopic)

	_, err = NewCodec().Decode(m)
	require.Error(t, err)

	records, err := NewCodec(WithTopic("probes")).Decode(m)
	require.NoError(t, err)
	for _, r := range records {
		r.Release()
	}
}

func TestCodecErrors(t *testing.T) {
	codec := NewCodec()

	_, err := codec.Encode()
	require.ErrorIs(t, err, ErrNoRecords)

	_, err = codec.Decode(mq.NewMessage([]byte("not arrow")))
	require.Error(t, err)

	probe := buildTestRecord(t, nil, 1)
	defer probe.Release()
	other := otherRecord(t)
	defer other.Release()
	_, err = codec.Encode(probe, other)
	require.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestCodecOverSockets(t *testing.T) {
	ctx, err := mq.NewContext(1,
		mq.WithLogger(zaptest.NewLogger(t)),
		mq.WithMetrics(mq.NewMetrics("test", prometheus.NewRegistry())))
	require.NoError(t, err)
	defer func() { _ = ctx.Terminate(time.Second) }()

	pull, err := ctx.Socket(mq.Pull)
	require.NoError(t, err)
	defer pull.Close()
	push, err := ctx.Socket(mq.Push)
	require.NoError(t, err)
	defer push.Close()

	require.NoError(t, pull.Bind("inproc://arrow-codec"))
	require.NoError(t, push.Connect("inproc://arrow-codec"))
	require.NoError(t, pull.SetOption(mq.OptRecvTimeoutMS, 5000))

	codec := NewCodec()
	record := buildTestRecord(t, nil, 4)
	defer record.Release()
	require.NoError(t, codec.Send(push, 0, record))

	records, err := codec.Recv(pull, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	defer records[0].Release()

	probes, err := ReadProbes(records[0])
	require.NoError(t, err)
	want := testProbes(4)
	require.Len(t, probes, len(want))
	for i := range want {
		require.Equal(t, want[i].Seq, probes[i].Seq)
		require.True(t, want[i].SentAt.Equal(probes[i].SentAt))
		require.Equal(t, want[i].Body, probes[i].Body)
	}
}

func TestProbesRoundTrip(t *testing.T) {
	record := buildTestRecord(t, nil, 5)
	defer record.Release()
	require.EqualValues(t, 5, record.NumRows())

	probes, err := ReadProbes(record)
	require.NoError(t, err)
	require.Len(t, probes, 5)
	for i, p := range probes {
		require.EqualValues(t, i, p.Seq)
		require.True(t, testProbes(5)[i].SentAt.Equal(p.SentAt))
	}
	require.Nil(t, probes[1].Body)

	_, err = BuildProbes(nil, nil)
	require.ErrorIs(t, err, ErrNoRecords)

	other := otherRecord(t)
	defer other.Release()
	_, err = ReadProbes(other)
	require.ErrorIs(t, err, ErrSchemaMismatch)
}

func otherRecord(t *testing.T) arrow.Record {
	t.Helper()
	schema := arrow.NewSchema([]arrow.Field{{Name: "name", Type: arrow.BinaryTypes.String}}, nil)
	builder := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer builder.Release()
	builder.Field(0).(*array.StringBuilder).Append("x")
	return builder.NewRecord()
}

func BenchmarkCodecEncode(b *testing.B) {
	probes := make([]Probe, 1024)
	for i := range probes {
		probes[i] = Probe{Seq: int64(i), SentAt: time.Now(), Body: make([]byte, 64)}
	}
	record, err := BuildProbes(nil, probes)
	if err != nil {
		b.Fatal(err)
	}
	defer record.Release()

	codec := NewCodec()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := codec.Encode(record); err != nil {
			b.Fatal(err)
		}
	}
}

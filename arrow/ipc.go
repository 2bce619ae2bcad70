// Package arrow provides Arrow IPC serialization for message payloads.
package arrow

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/VanDung-dev/zsock/mq"
)

var (
	// ErrNoRecords is returned when encoding nothing or decoding an empty stream.
	ErrNoRecords = errors.New("arrow: no records")
	// ErrSchemaMismatch is returned when records in one batch differ in schema.
	ErrSchemaMismatch = errors.New("arrow: schema mismatch")
	// ErrTopic is returned when a message does not carry the expected topic frame.
	ErrTopic = errors.New("arrow: unexpected topic")
)

// Codec turns Arrow records into messages and back. A message holds an
// optional topic frame followed by one frame with the IPC stream.
type Codec struct {
	allocator memory.Allocator
	topic     []byte
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithAllocator sets the allocator used when decoding.
func WithAllocator(mem memory.Allocator) CodecOption {
	return func(c *Codec) {
		if mem != nil {
			c.allocator = mem
		}
	}
}

// WithTopic prefixes every encoded message with a topic frame and requires
// it on decode.
func WithTopic(topic string) CodecOption {
	return func(c *Codec) { c.topic = []byte(topic) }
}

// NewCodec creates a Codec with the default allocator and no topic.
func NewCodec(opts ...CodecOption) *Codec {
	c := &Codec{allocator: memory.DefaultAllocator}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Encode serializes records, which must share one schema, into a message.
func (c *Codec) Encode(records ...arrow.Record) (*mq.Message, error) {
	payload, err := serialize(records)
	if err != nil {
		return nil, err
	}
	if c.topic != nil {
		return mq.NewMessage(bytes.Clone(c.topic), payload), nil
	}
	return mq.NewMessage(payload), nil
}

// Decode reads every record from m. The caller releases them.
func (c *Codec) Decode(m *mq.Message) ([]arrow.Record, error) {
	frames := m.Frames()
	if c.topic != nil {
		if len(frames) != 2 || !bytes.Equal(frames[0], c.topic) {
			return nil, fmt.Errorf("%w: want %q", ErrTopic, c.topic)
		}
		frames = frames[1:]
	}
	if len(frames) != 1 {
		return nil, fmt.Errorf("arrow: want one payload frame, got %d", len(frames))
	}
	return c.deserialize(frames[0])
}

// Send encodes records and sends them on s.
func (c *Codec) Send(s *mq.Socket, flags mq.Flag, records ...arrow.Record) error {
	m, err := c.Encode(records...)
	if err != nil {
		return err
	}
	return s.Send(m, flags)
}

// Recv receives one message from s and decodes it.
func (c *Codec) Recv(s *mq.Socket, flags mq.Flag) ([]arrow.Record, error) {
	m, err := s.Recv(flags)
	if err != nil {
		return nil, err
	}
	return c.Decode(m)
}

func serialize(records []arrow.Record) ([]byte, error) {
	if len(records) == 0 {
		return nil, ErrNoRecords
	}

	schema := records[0].Schema()
	var buf bytes.Buffer
	writer := ipc.NewWriter(&buf, ipc.WithSchema(schema))
	defer writer.Close()

	for i, record := range records {
		if !record.Schema().Equal(schema) {
			return nil, fmt.Errorf("%w: record %d", ErrSchemaMismatch, i)
		}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write record %d: %w", i, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close writer: %w", err)
	}

	return buf.Bytes(), nil
}

func (c *Codec) deserialize(data []byte) ([]arrow.Record, error) {
	reader, err := ipc.NewReader(bytes.NewReader(data), ipc.WithAllocator(c.allocator))
	if err != nil {
		return nil, fmt.Errorf("failed to create reader: %w", err)
	}
	defer reader.Release()

	var records []arrow.Record
	for reader.Next() {
		record := reader.Record()
		record.Retain()
		records = append(records, record)
	}

	if reader.Err() != nil {
		// Release any records we've already retained
		for _, r := range records {
			r.Release()
		}
		return nil, reader.Err()
	}
	if len(records) == 0 {
		return nil, ErrNoRecords
	}

	return records, nil
}

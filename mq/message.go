package mq

import (
	"bytes"
	"strconv"
	"sync"
)

// Message is a multipart byte buffer. Buffers passed to NewMessage are owned
// by the Message from then on; a successful Send moves them to the socket
// and leaves the Message empty.
type Message struct {
	mu          sync.Mutex
	frames      [][]byte
	copied      bool
	transferred bool
}

// NewMessage wraps frames without copying them.
func NewMessage(frames ...[]byte) *Message {
	return &Message{frames: frames}
}

// CopyMessage builds a Message from copies of frames.
func CopyMessage(frames ...[]byte) *Message {
	return &Message{frames: copyFrames(frames), copied: true}
}

// NewStringMessage builds a Message with one frame per part.
func NewStringMessage(parts ...string) *Message {
	frames := make([][]byte, len(parts))
	for i, p := range parts {
		frames[i] = []byte(p)
	}
	return &Message{frames: frames}
}

func copyFrames(frames [][]byte) [][]byte {
	out := make([][]byte, len(frames))
	for i, f := range frames {
		out[i] = bytes.Clone(f)
		if out[i] == nil {
			out[i] = []byte{}
		}
	}
	return out
}

// Bytes returns the payload. A single-frame message returns its frame as is;
// multipart messages are concatenated.
func (m *Message) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch len(m.frames) {
	case 0:
		return nil
	case 1:
		return m.frames[0]
	}
	return bytes.Join(m.frames, nil)
}

// Frame returns frame i, or nil when out of range.
func (m *Message) Frame(i int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.frames) {
		return nil
	}
	return m.frames[i]
}

// Frames returns the frame slice. The slice header is a copy; the buffers
// are shared.
func (m *Message) Frames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.frames...)
}

// NumFrames returns the number of frames.
func (m *Message) NumFrames() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.frames)
}

// Len returns the total payload size in bytes.
func (m *Message) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, f := range m.frames {
		n += len(f)
	}
	return n
}

// Copied reports whether the buffers were copied on construction.
func (m *Message) Copied() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copied
}

// Transferred reports whether the buffers were handed to a socket.
func (m *Message) Transferred() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transferred
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &Message{frames: copyFrames(m.frames), copied: true}
}

func (m *Message) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transferred {
		return "Message{transferred}"
	}
	var b bytes.Buffer
	b.WriteString("Message{")
	for i, f := range m.frames {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(strconv.Quote(string(f)))
	}
	b.WriteByte('}')
	return b.String()
}

// take detaches the frames for sending. With dup set the caller keeps its
// buffers and the socket gets copies.
func (m *Message) take(dup bool) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transferred {
		return nil, opErrf("send", ErrState, "message already transferred")
	}
	if dup {
		return copyFrames(m.frames), nil
	}
	return m.frames, nil
}

// commit marks the frames as handed over after a successful enqueue.
func (m *Message) commit(dup bool) {
	if dup {
		return
	}
	m.mu.Lock()
	m.frames = nil
	m.transferred = true
	m.mu.Unlock()
}

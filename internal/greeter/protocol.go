// Package greeter implements the daemon side of the greeter protocol:
// the login UI runs as a separate process and talks to the daemon over
// a private pipe pair using length-prefixed binary messages.
package greeter

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MessageID identifies a protocol message. Greeter-to-daemon ids start
// at 1, daemon-to-greeter ids at 101.
type MessageID uint32

const (
	// Greeter to daemon.
	MsgConnect                MessageID = 1
	MsgStartAuthentication    MessageID = 2
	MsgContinueAuthentication MessageID = 3
	MsgLogin                  MessageID = 4
	MsgCancelAuthentication   MessageID = 5
	MsgGetUserDefaults        MessageID = 6
	MsgLoginAsGuest           MessageID = 7

	// Daemon to greeter.
	MsgConnected            MessageID = 101
	MsgQuit                 MessageID = 102
	MsgPromptAuthentication MessageID = 103
	MsgEndAuthentication    MessageID = 104
	MsgUserDefaults         MessageID = 106
	MsgSelectUser           MessageID = 107
	MsgSelectGuest          MessageID = 108
)

// headerLen is the fixed message header: uint32 id plus uint32 payload
// length, both big-endian.
const headerLen = 8

// maxPayload bounds a single message so a corrupt length prefix cannot
// make the reader buffer unbounded data.
const maxPayload = 1 << 20

// Builder assembles one outgoing message.
type Builder struct {
	id      MessageID
	payload []byte
}

// NewMessage starts a message with the given id.
func NewMessage(id MessageID) *Builder {
	return &Builder{id: id}
}

// AddInt appends a uint32 field.
func (b *Builder) AddInt(v uint32) *Builder {
	b.payload = binary.BigEndian.AppendUint32(b.payload, v)
	return b
}

// AddString appends a length-prefixed UTF-8 string field with no
// terminator.
func (b *Builder) AddString(s string) *Builder {
	b.payload = binary.BigEndian.AppendUint32(b.payload, uint32(len(s)))
	b.payload = append(b.payload, s...)
	return b
}

// WriteTo writes the framed message.
func (b *Builder) WriteTo(w io.Writer) error {
	frame := make([]byte, 0, headerLen+len(b.payload))
	frame = binary.BigEndian.AppendUint32(frame, uint32(b.id))
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(b.payload)))
	frame = append(frame, b.payload...)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("writing message %d: %w", b.id, err)
	}
	return nil
}

// Message is one received, fully framed message. Field accessors
// consume the payload in order.
type Message struct {
	ID      MessageID
	payload []byte
	off     int
}

// Int consumes a uint32 field.
func (m *Message) Int() (uint32, error) {
	if m.off+4 > len(m.payload) {
		return 0, fmt.Errorf("message %d: truncated integer field", m.ID)
	}
	v := binary.BigEndian.Uint32(m.payload[m.off:])
	m.off += 4
	return v, nil
}

// String consumes a length-prefixed string field.
func (m *Message) String() (string, error) {
	n, err := m.Int()
	if err != nil {
		return "", err
	}
	if m.off+int(n) > len(m.payload) {
		return "", fmt.Errorf("message %d: truncated string field", m.ID)
	}
	s := string(m.payload[m.off : m.off+int(n)])
	m.off += int(n)
	return s, nil
}

// Reader reassembles messages from a pipe. Pipes deliver arbitrary
// chunks, so partial frames are buffered until complete.
type Reader struct {
	buf []byte
}

// Feed appends data and returns every complete message it closes over.
func (r *Reader) Feed(data []byte) ([]*Message, error) {
	r.buf = append(r.buf, data...)
	var out []*Message
	for len(r.buf) >= headerLen {
		id := MessageID(binary.BigEndian.Uint32(r.buf))
		n := binary.BigEndian.Uint32(r.buf[4:])
		if n > maxPayload {
			return out, fmt.Errorf("message %d: payload length %d exceeds limit", id, n)
		}
		if len(r.buf) < headerLen+int(n) {
			break
		}
		payload := make([]byte, n)
		copy(payload, r.buf[headerLen:headerLen+int(n)])
		r.buf = r.buf[headerLen+int(n):]
		out = append(out, &Message{ID: id, payload: payload})
	}
	return out, nil
}

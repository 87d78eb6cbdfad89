package message

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

var (
	ErrTruncated        = errors.New("truncated message record")
	ErrChecksumMismatch = errors.New("message checksum mismatch")
)

// fixed part: offset, timestamp, id, checksum, key len, header count, payload len
const headerSize = 8 + 8 + 16 + 8 + 2 + 2 + 4

// Message represents a single message stored in a partition
type Message struct {
	ID        uuid.UUID         `json:"id"`
	Offset    uint64            `json:"offset"`
	Timestamp time.Time         `json:"timestamp"`
	Checksum  uint64            `json:"checksum"`
	Key       []byte            `json:"key,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Payload   []byte            `json:"payload"`
}

// New creates a message with a generated ID. Offset and timestamp are
// assigned by the partition on append.
func New(key, payload []byte, headers map[string]string) *Message {
	return &Message{
		ID:      uuid.New(),
		Key:     key,
		Headers: headers,
		Payload: payload,
	}
}

// ToJSON converts message to JSON bytes
func (m *Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ComputeChecksum hashes a stored payload.
func ComputeChecksum(payload []byte) uint64 {
	return xxhash.Sum64(payload)
}

// Verify checks the payload against the recorded checksum.
func (m *Message) Verify() error {
	if ComputeChecksum(m.Payload) != m.Checksum {
		return fmt.Errorf("%w at offset %d", ErrChecksumMismatch, m.Offset)
	}
	return nil
}

// Size returns the encoded size of the message in bytes.
func (m *Message) Size() int {
	size := headerSize + len(m.Key) + len(m.Payload)
	for k, v := range m.Headers {
		size += 4 + len(k) + len(v)
	}
	return size
}

// AppendBinary appends the encoded record to dst.
func (m *Message) AppendBinary(dst []byte) ([]byte, error) {
	if len(m.Key) > 0xFFFF {
		return nil, fmt.Errorf("message key too long: %d bytes", len(m.Key))
	}
	if len(m.Headers) > 0xFFFF {
		return nil, fmt.Errorf("too many message headers: %d", len(m.Headers))
	}
	dst = binary.BigEndian.AppendUint64(dst, m.Offset)
	dst = binary.BigEndian.AppendUint64(dst, uint64(m.Timestamp.UnixMicro()))
	dst = append(dst, m.ID[:]...)
	dst = binary.BigEndian.AppendUint64(dst, m.Checksum)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(m.Key)))
	dst = append(dst, m.Key...)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(m.Headers)))
	for k, v := range m.Headers {
		if len(k) > 0xFFFF || len(v) > 0xFFFF {
			return nil, fmt.Errorf("message header %q too long", k)
		}
		dst = binary.BigEndian.AppendUint16(dst, uint16(len(k)))
		dst = append(dst, k...)
		dst = binary.BigEndian.AppendUint16(dst, uint16(len(v)))
		dst = append(dst, v...)
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(m.Payload)))
	dst = append(dst, m.Payload...)
	return dst, nil
}

// Serialize encodes the message into a new buffer.
func (m *Message) Serialize() ([]byte, error) {
	return m.AppendBinary(make([]byte, 0, m.Size()))
}

// Deserialize decodes a record produced by Serialize.
func Deserialize(data []byte) (*Message, error) {
	r := reader{buf: data}
	m := &Message{}
	m.Offset = r.u64()
	m.Timestamp = time.UnixMicro(int64(r.u64())).UTC()
	copy(m.ID[:], r.bytes(16))
	m.Checksum = r.u64()
	if n := int(r.u16()); n > 0 {
		m.Key = r.bytes(n)
	}
	if n := int(r.u16()); n > 0 {
		m.Headers = make(map[string]string, n)
		for i := 0; i < n; i++ {
			k := string(r.bytes(int(r.u16())))
			v := string(r.bytes(int(r.u16())))
			m.Headers[k] = v
		}
	}
	m.Payload = r.bytes(int(r.u32()))
	if r.err {
		return nil, ErrTruncated
	}
	return m, nil
}

type reader struct {
	buf []byte
	err bool
}

func (r *reader) bytes(n int) []byte {
	if r.err || len(r.buf) < n {
		r.err = true
		return nil
	}
	out := make([]byte, n)
	copy(out, r.buf[:n])
	r.buf = r.buf[n:]
	return out
}

func (r *reader) u16() uint16 {
	b := r.bytes(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.bytes(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

package buffer

import (
	"bytes"
	"encoding/binary"

	"github.com/pgfront/pgfront/pkg/types"
)

// headerSize is the size of a backend frame header: one type byte followed by
// the self-inclusive 4 byte message length.
const headerSize = 5

// Raw represents a single undecoded backend frame. The payload excludes the
// type byte and the length field.
type Raw struct {
	Type    types.BackendMessage
	Payload []byte
}

// Stream assembles backend frames out of arbitrarily fragmented chunks read
// from the wire. Chunks are copied into the accumulation buffer once;
// completed payloads are sliced out of it without further copying.
type Stream struct {
	buf []byte
	off int
}

// Write appends the given chunk to the accumulation buffer.
func (s *Stream) Write(chunk []byte) {
	s.buf = append(s.buf, chunk...)
}

// HasMessage reports whether at least one complete frame is buffered.
func (s *Stream) HasMessage() bool {
	remaining := len(s.buf) - s.off
	if remaining < headerSize {
		return false
	}

	size := int(binary.BigEndian.Uint32(s.buf[s.off+1 : s.off+headerSize]))
	return size >= 4 && remaining >= 1+size
}

// Read drains all currently complete frames. Partial trailing bytes remain
// buffered for a later Write to complete. An error is returned when a frame
// header declares a length smaller than the length field itself.
func (s *Stream) Read() ([]Raw, error) {
	var msgs []Raw
	for {
		remaining := len(s.buf) - s.off
		if remaining < headerSize {
			break
		}

		size := int(binary.BigEndian.Uint32(s.buf[s.off+1 : s.off+headerSize]))
		if size < 4 {
			return msgs, NewCorruptedFrame(size)
		}
		if remaining < 1+size {
			break
		}

		msgs = append(msgs, Raw{
			Type:    types.BackendMessage(s.buf[s.off]),
			Payload: s.buf[s.off+headerSize : s.off+1+size],
		})
		s.off += 1 + size
	}

	if s.off > 0 {
		// Reslice rather than compact. The returned payloads alias the
		// region before the offset which must not be overwritten.
		s.buf = s.buf[s.off:]
		s.off = 0
	}
	return msgs, nil
}

// Reader provides a convenient way to decode the payload of a single backend
// frame. The cursor advances through the payload as fields are consumed.
type Reader struct {
	Msg []byte
}

// NewReader constructs a payload decode cursor over the given frame payload.
func NewReader(payload []byte) *Reader {
	return &Reader{Msg: payload}
}

// Remaining returns the number of unconsumed payload bytes.
func (reader *Reader) Remaining() int {
	return len(reader.Msg)
}

// GetString reads a null-terminated string.
func (reader *Reader) GetString() (string, error) {
	pos := bytes.IndexByte(reader.Msg, 0)
	if pos == -1 {
		return "", NewMissingNulTerminator()
	}

	s := string(reader.Msg[:pos])
	reader.Msg = reader.Msg[pos+1:]
	return s, nil
}

// GetByte returns the next payload byte.
func (reader *Reader) GetByte() (byte, error) {
	if len(reader.Msg) < 1 {
		return 0, NewInsufficientData(len(reader.Msg))
	}

	v := reader.Msg[0]
	reader.Msg = reader.Msg[1:]
	return v, nil
}

// GetBytes returns the next n payload bytes. A length of -1 denotes a SQL
// NULL value and yields a nil slice distinct from an empty one.
func (reader *Reader) GetBytes(n int) ([]byte, error) {
	if n == -1 {
		return nil, nil
	}
	if n < 0 || len(reader.Msg) < n {
		return nil, NewInsufficientData(len(reader.Msg))
	}

	v := reader.Msg[:n]
	reader.Msg = reader.Msg[n:]
	return v, nil
}

// GetUint16 returns the buffer's contents as a uint16.
func (reader *Reader) GetUint16() (uint16, error) {
	if len(reader.Msg) < 2 {
		return 0, NewInsufficientData(len(reader.Msg))
	}

	v := binary.BigEndian.Uint16(reader.Msg[:2])
	reader.Msg = reader.Msg[2:]
	return v, nil
}

// GetInt16 returns the buffer's contents as an int16.
func (reader *Reader) GetInt16() (int16, error) {
	v, err := reader.GetUint16()
	return int16(v), err
}

// GetUint32 returns the buffer's contents as a uint32.
func (reader *Reader) GetUint32() (uint32, error) {
	if len(reader.Msg) < 4 {
		return 0, NewInsufficientData(len(reader.Msg))
	}

	v := binary.BigEndian.Uint32(reader.Msg[:4])
	reader.Msg = reader.Msg[4:]
	return v, nil
}

// GetInt32 returns the buffer's contents as an int32.
func (reader *Reader) GetInt32() (int32, error) {
	v, err := reader.GetUint32()
	return int32(v), err
}

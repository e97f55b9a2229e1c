package buffer

import (
	"bytes"
	"encoding/binary"

	"github.com/pgfront/pgfront/pkg/types"
)

// Writer provides a convenient way to serialize pgwire protocol messages.
// Each frame is started with the message type, built up field by field and
// sealed with End which patches the self-inclusive length. Sealed frames
// accumulate into a single contiguous blob ready to hand to the socket.
type Writer struct {
	out    bytes.Buffer
	frame  bytes.Buffer
	typed  bool
	putbuf [8]byte
	err    error
}

// Start resets the frame buffer and starts a new message with the given
// message type. The message type (byte) and reserved message length bytes
// (int32) are written to the underlaying bytes buffer.
func (writer *Writer) Start(t types.FrontendMessage) {
	writer.frame.Reset()
	writer.typed = true
	writer.putbuf[0] = byte(t)
	writer.frame.Write(writer.putbuf[:5]) // message type + message length
}

// StartUntyped starts a new frame without a leading type byte. Startup,
// CancelRequest and SSLRequest packets are framed this way.
func (writer *Writer) StartUntyped() {
	writer.frame.Reset()
	writer.typed = false
	writer.frame.Write(writer.putbuf[:4]) // message length only
}

// AddByte writes the given byte to the active frame. Errors thrown while
// writing to the frame could be read by calling writer.Error()
func (writer *Writer) AddByte(b byte) {
	if writer.err != nil {
		return
	}

	writer.err = writer.frame.WriteByte(b)
}

// AddInt16 writes the given int16 to the active frame.
func (writer *Writer) AddInt16(i int16) {
	if writer.err != nil {
		return
	}

	binary.BigEndian.PutUint16(writer.putbuf[:2], uint16(i))
	_, writer.err = writer.frame.Write(writer.putbuf[:2])
}

// AddInt32 writes the given int32 to the active frame.
func (writer *Writer) AddInt32(i int32) {
	if writer.err != nil {
		return
	}

	binary.BigEndian.PutUint32(writer.putbuf[:4], uint32(i))
	_, writer.err = writer.frame.Write(writer.putbuf[:4])
}

// AddUint32 writes the given uint32 to the active frame.
func (writer *Writer) AddUint32(i uint32) {
	writer.AddInt32(int32(i))
}

// AddBytes writes the given bytes to the active frame.
func (writer *Writer) AddBytes(b []byte) {
	if writer.err != nil {
		return
	}

	_, writer.err = writer.frame.Write(b)
}

// AddString writes the given string to the active frame. The string is not
// null terminated; call AddNullTerminate when framing a cstring.
func (writer *Writer) AddString(s string) {
	if writer.err != nil {
		return
	}

	_, writer.err = writer.frame.WriteString(s)
}

// AddNullTerminate writes a null terminate symbol to the end of the active frame.
func (writer *Writer) AddNullTerminate() {
	if writer.err != nil {
		return
	}

	writer.err = writer.frame.WriteByte(0)
}

func (writer *Writer) Error() error {
	return writer.err
}

// End seals the active frame. The self-inclusive message length is patched
// after the type byte and the frame is appended to the output blob.
func (writer *Writer) End() error {
	if writer.err != nil {
		return writer.err
	}

	frame := writer.frame.Bytes()
	if writer.typed {
		binary.BigEndian.PutUint32(frame[1:5], uint32(len(frame)-1))
	} else {
		binary.BigEndian.PutUint32(frame[0:4], uint32(len(frame)))
	}

	_, writer.err = writer.out.Write(frame)
	writer.frame.Reset()
	return writer.err
}

// Bytes returns the accumulated output blob of all sealed frames.
func (writer *Writer) Bytes() []byte {
	return writer.out.Bytes()
}

// Reset resets the output blob and the active frame to be empty.
func (writer *Writer) Reset() {
	writer.out.Reset()
	writer.frame.Reset()
	writer.err = nil
}

// Package mock provides a scripted PostgreSQL backend used to exercise the
// frontend protocol core inside tests: a frame builder producing backend
// messages and an in-memory socket factory running a server script over a
// synchronous pipe.
package mock

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pgfront/pgfront/pkg/buffer"
	"github.com/pgfront/pgfront/pkg/types"
)

// Backend builds backend message frames the way a PostgreSQL server would
// emit them. The accumulated blob can be fed to a stream buffer, split into
// raw frames, or written onto a socket.
type Backend struct {
	t      *testing.T
	writer buffer.Writer
}

// NewBackend constructs a scripted backend frame builder.
func NewBackend(t *testing.T) *Backend {
	t.Helper()
	return &Backend{t: t}
}

// start opens a backend frame. The buffer writer frames frontend messages;
// both tag sets are plain bytes so the type converts over.
func (b *Backend) start(t types.BackendMessage) {
	b.writer.Start(types.FrontendMessage(t))
}

func (b *Backend) end() {
	b.t.Helper()
	require.NoError(b.t, b.writer.End())
}

// Bytes returns the accumulated wire blob.
func (b *Backend) Bytes() []byte {
	return b.writer.Bytes()
}

// Frames splits the accumulated blob into raw frames.
func (b *Backend) Frames() []buffer.Raw {
	b.t.Helper()

	var stream buffer.Stream
	stream.Write(b.writer.Bytes())
	msgs, err := stream.Read()
	require.NoError(b.t, err)
	return msgs
}

// AuthOK announces a successfully authenticated connection.
func (b *Backend) AuthOK() *Backend {
	b.start(types.BackendAuth)
	b.writer.AddInt32(int32(types.AuthRequestOK))
	b.end()
	return b
}

// AuthCleartext requests a cleartext password.
func (b *Backend) AuthCleartext() *Backend {
	b.start(types.BackendAuth)
	b.writer.AddInt32(int32(types.AuthRequestCleartext))
	b.end()
	return b
}

// AuthMD5 requests an MD5 hashed password using the given 4 byte salt.
func (b *Backend) AuthMD5(salt []byte) *Backend {
	b.start(types.BackendAuth)
	b.writer.AddInt32(int32(types.AuthRequestMD5))
	b.writer.AddBytes(salt)
	b.end()
	return b
}

// AuthCrypt requests a crypt(3) hashed password using the given 2 byte salt.
func (b *Backend) AuthCrypt(salt []byte) *Backend {
	b.start(types.BackendAuth)
	b.writer.AddInt32(int32(types.AuthRequestCrypt))
	b.writer.AddBytes(salt)
	b.end()
	return b
}

// Auth requests an arbitrary authentication exchange.
func (b *Backend) Auth(request types.AuthRequest) *Backend {
	b.start(types.BackendAuth)
	b.writer.AddInt32(int32(request))
	b.end()
	return b
}

// KeyData announces the backend process ID and cancellation key.
func (b *Backend) KeyData(pid, key uint32) *Backend {
	b.start(types.BackendKeyData)
	b.writer.AddUint32(pid)
	b.writer.AddUint32(key)
	b.end()
	return b
}

// Ready announces the backend returning to a clean state with the given
// transaction status.
func (b *Backend) Ready(status types.TransactionStatus) *Backend {
	b.start(types.BackendReady)
	b.writer.AddByte(byte(status))
	b.end()
	return b
}

// Error emits an error response carrying the given severity, code and
// message.
func (b *Backend) Error(severity, code, message string) *Backend {
	b.start(types.BackendErrorResponse)
	b.fields(severity, code, message)
	b.end()
	return b
}

// Notice emits a notice response carrying the given severity, code and
// message.
func (b *Backend) Notice(severity, code, message string) *Backend {
	b.start(types.BackendNoticeResponse)
	b.fields(severity, code, message)
	b.end()
	return b
}

func (b *Backend) fields(severity, code, message string) {
	b.writer.AddByte('S')
	b.writer.AddString(severity)
	b.writer.AddNullTerminate()
	b.writer.AddByte('C')
	b.writer.AddString(code)
	b.writer.AddNullTerminate()
	b.writer.AddByte('M')
	b.writer.AddString(message)
	b.writer.AddNullTerminate()
	b.writer.AddNullTerminate()
}

// Notify emits a notification for the given channel.
func (b *Backend) Notify(pid uint32, channel, payload string) *Backend {
	b.start(types.BackendNotification)
	b.writer.AddUint32(pid)
	b.writer.AddString(channel)
	b.writer.AddNullTerminate()
	b.writer.AddString(payload)
	b.writer.AddNullTerminate()
	b.end()
	return b
}

// ParameterStatus reports a server setting.
func (b *Backend) ParameterStatus(key, value string) *Backend {
	b.start(types.BackendParameterStatus)
	b.writer.AddString(key)
	b.writer.AddNullTerminate()
	b.writer.AddString(value)
	b.writer.AddNullTerminate()
	b.end()
	return b
}

// ParseComplete acknowledges a parse command.
func (b *Backend) ParseComplete() *Backend {
	b.start(types.BackendParseComplete)
	b.end()
	return b
}

// BindComplete acknowledges a bind command.
func (b *Backend) BindComplete() *Backend {
	b.start(types.BackendBindComplete)
	b.end()
	return b
}

// CloseComplete acknowledges a close command.
func (b *Backend) CloseComplete() *Backend {
	b.start(types.BackendCloseComplete)
	b.end()
	return b
}

// CommandComplete finishes a command with the given completion tag.
func (b *Backend) CommandComplete(tag string) *Backend {
	b.start(types.BackendCommandComplete)
	b.writer.AddString(tag)
	b.writer.AddNullTerminate()
	b.end()
	return b
}

// EmptyQuery substitutes for a completion tag of an empty query string.
func (b *Backend) EmptyQuery() *Backend {
	b.start(types.BackendEmptyQuery)
	b.end()
	return b
}

// NoData reports a description without result rows.
func (b *Backend) NoData() *Backend {
	b.start(types.BackendNoData)
	b.end()
	return b
}

// PortalSuspended reports a row-limited execute stopping early.
func (b *Backend) PortalSuspended() *Backend {
	b.start(types.BackendPortalSuspended)
	b.end()
	return b
}

// DataRow emits a result row. A nil field denotes SQL NULL.
func (b *Backend) DataRow(fields ...[]byte) *Backend {
	b.start(types.BackendDataRow)
	b.writer.AddInt16(int16(len(fields)))
	for _, field := range fields {
		if field == nil {
			b.writer.AddInt32(-1)
			continue
		}
		b.writer.AddInt32(int32(len(field)))
		b.writer.AddBytes(field)
	}
	b.end()
	return b
}

// RowDescription describes result columns with the given names and type
// oids, using the text format.
func (b *Backend) RowDescription(names []string, oids []uint32) *Backend {
	b.start(types.BackendRowDescription)
	b.writer.AddInt16(int16(len(names)))
	for i, name := range names {
		b.writer.AddString(name)
		b.writer.AddNullTerminate()
		b.writer.AddInt32(0)  // table oid
		b.writer.AddInt16(0)  // attribute number
		b.writer.AddUint32(oids[i])
		b.writer.AddInt16(-1) // type size
		b.writer.AddInt32(-1) // type modifier
		b.writer.AddInt16(0)  // text format
	}
	b.end()
	return b
}

// ParameterDescription lists the parameter type oids of a described
// statement.
func (b *Backend) ParameterDescription(oids ...uint32) *Backend {
	b.start(types.BackendParameterDescription)
	b.writer.AddInt16(int16(len(oids)))
	for _, o := range oids {
		b.writer.AddUint32(o)
	}
	b.end()
	return b
}

// CopyInResponse announces the backend sinking a copy stream over the given
// number of text columns.
func (b *Backend) CopyInResponse(columns int) *Backend {
	return b.copyResponse(types.BackendCopyInResponse, columns)
}

// CopyOutResponse announces the backend emitting a copy stream over the
// given number of text columns.
func (b *Backend) CopyOutResponse(columns int) *Backend {
	return b.copyResponse(types.BackendCopyOutResponse, columns)
}

func (b *Backend) copyResponse(t types.BackendMessage, columns int) *Backend {
	b.start(t)
	b.writer.AddByte(0)
	b.writer.AddInt16(int16(columns))
	for i := 0; i < columns; i++ {
		b.writer.AddInt16(0)
	}
	b.end()
	return b
}

// CopyData emits one chunk of copy data.
func (b *Backend) CopyData(data []byte) *Backend {
	b.start(types.BackendCopyData)
	b.writer.AddBytes(data)
	b.end()
	return b
}

// CopyDone finishes a copy stream.
func (b *Backend) CopyDone() *Backend {
	b.start(types.BackendCopyDone)
	b.end()
	return b
}

// FunctionResult carries the result of a fast-path function call.
func (b *Backend) FunctionResult(result []byte) *Backend {
	b.start(types.BackendFunctionResult)
	if result == nil {
		b.writer.AddInt32(-1)
	} else {
		b.writer.AddInt32(int32(len(result)))
		b.writer.AddBytes(result)
	}
	b.end()
	return b
}

package message

import (
	"github.com/lib/pq/oid"

	"github.com/pgfront/pgfront/pkg/buffer"
	"github.com/pgfront/pgfront/pkg/types"
)

// Parameter is a single key/value pair inside the startup packet. Parameters
// are ordered so that the serialized packet is deterministic.
type Parameter struct {
	Key   string
	Value string
}

// Startup is the first packet sent on a fresh connection. It carries the
// requested protocol version and the connection parameters. The packet is
// untyped: it is framed as `len || body` without a leading type byte.
type Startup struct {
	Version    types.Version
	Parameters []Parameter
}

// NewStartup constructs a version 3.0 startup packet for the given user. The
// database parameter is included when non-empty, followed by any additional
// settings in the given order.
func NewStartup(user, database string, options ...Parameter) *Startup {
	params := []Parameter{{Key: "user", Value: user}}
	if database != "" {
		params = append(params, Parameter{Key: "database", Value: database})
	}
	params = append(params, options...)

	return &Startup{
		Version:    types.Version30,
		Parameters: params,
	}
}

// User returns the value of the startup "user" parameter.
func (m *Startup) User() string {
	for _, p := range m.Parameters {
		if p.Key == "user" {
			return p.Value
		}
	}

	return ""
}

func (m *Startup) Type() types.FrontendMessage { return 0 }

func (m *Startup) Encode(writer *buffer.Writer) error {
	writer.StartUntyped()
	writer.AddUint32(uint32(m.Version))
	for _, p := range m.Parameters {
		writer.AddString(p.Key)
		writer.AddNullTerminate()
		writer.AddString(p.Value)
		writer.AddNullTerminate()
	}
	writer.AddNullTerminate()
	return writer.End()
}

// CancelRequest is sent on a dedicated connection to abort the query
// currently running on the backend identified by the given key data.
type CancelRequest struct {
	PID uint32
	Key uint32
}

func (m *CancelRequest) Type() types.FrontendMessage { return 0 }

func (m *CancelRequest) Encode(writer *buffer.Writer) error {
	writer.StartUntyped()
	writer.AddUint32(uint32(types.VersionCancel))
	writer.AddUint32(m.PID)
	writer.AddUint32(m.Key)
	return writer.End()
}

// SSLRequest asks the backend to upgrade the stream to TLS. The backend
// answers with a single byte, 'S' or 'N', outside of the regular framing.
type SSLRequest struct{}

func (m SSLRequest) Type() types.FrontendMessage { return 0 }

func (m SSLRequest) Encode(writer *buffer.Writer) error {
	writer.StartUntyped()
	writer.AddUint32(uint32(types.VersionSSLRequest))
	return writer.End()
}

// Password carries the authentication response. Depending on the requested
// exchange the data holds the cleartext password, the crypt(3) digest or the
// salted MD5 digest.
type Password struct {
	Data []byte
}

func (m *Password) Type() types.FrontendMessage { return types.FrontendPassword }

func (m *Password) Encode(writer *buffer.Writer) error {
	writer.Start(types.FrontendPassword)
	writer.AddBytes(m.Data)
	writer.AddNullTerminate()
	return writer.End()
}

// Query executes a statement through the simple query protocol.
type Query struct {
	Statement string
}

func (m *Query) Type() types.FrontendMessage { return types.FrontendSimpleQuery }

func (m *Query) Encode(writer *buffer.Writer) error {
	writer.Start(types.FrontendSimpleQuery)
	writer.AddString(m.Statement)
	writer.AddNullTerminate()
	return writer.End()
}

// Parse prepares a statement under the given name through the extended query
// protocol. Parameter type oids may be left empty to let the backend infer
// them.
type Parse struct {
	Name           string
	Statement      string
	ParameterTypes []oid.Oid
}

func (m *Parse) Type() types.FrontendMessage { return types.FrontendParse }

func (m *Parse) Encode(writer *buffer.Writer) error {
	writer.Start(types.FrontendParse)
	writer.AddString(m.Name)
	writer.AddNullTerminate()
	writer.AddString(m.Statement)
	writer.AddNullTerminate()
	writer.AddInt16(int16(len(m.ParameterTypes)))
	for _, t := range m.ParameterTypes {
		writer.AddUint32(uint32(t))
	}
	return writer.End()
}

// Bind creates a portal out of a prepared statement and a set of parameter
// values. A nil parameter value denotes SQL NULL and is framed with length
// -1, distinct from an empty value.
type Bind struct {
	Portal           string
	Statement        string
	ParameterFormats []int16
	Parameters       [][]byte
	ResultFormats    []int16
}

func (m *Bind) Type() types.FrontendMessage { return types.FrontendBind }

func (m *Bind) Encode(writer *buffer.Writer) error {
	writer.Start(types.FrontendBind)
	writer.AddString(m.Portal)
	writer.AddNullTerminate()
	writer.AddString(m.Statement)
	writer.AddNullTerminate()
	writer.AddInt16(int16(len(m.ParameterFormats)))
	for _, f := range m.ParameterFormats {
		writer.AddInt16(f)
	}
	writer.AddInt16(int16(len(m.Parameters)))
	for _, p := range m.Parameters {
		if p == nil {
			writer.AddInt32(-1)
			continue
		}
		writer.AddInt32(int32(len(p)))
		writer.AddBytes(p)
	}
	writer.AddInt16(int16(len(m.ResultFormats)))
	for _, f := range m.ResultFormats {
		writer.AddInt16(f)
	}
	return writer.End()
}

// Describe requests the description of a portal or a prepared statement.
type Describe struct {
	Target types.DescribeTarget
	Name   string
}

func (m *Describe) Type() types.FrontendMessage { return types.FrontendDescribe }

func (m *Describe) Encode(writer *buffer.Writer) error {
	writer.Start(types.FrontendDescribe)
	writer.AddByte(byte(m.Target))
	writer.AddString(m.Name)
	writer.AddNullTerminate()
	return writer.End()
}

// Execute runs the given portal. Max limits the number of rows returned in
// one run; zero denotes no limit. A limited portal that is not drained
// replies with PortalSuspended instead of CommandComplete.
type Execute struct {
	Portal string
	Max    int32
}

func (m *Execute) Type() types.FrontendMessage { return types.FrontendExecute }

func (m *Execute) Encode(writer *buffer.Writer) error {
	writer.Start(types.FrontendExecute)
	writer.AddString(m.Portal)
	writer.AddNullTerminate()
	writer.AddInt32(m.Max)
	return writer.End()
}

// Close releases the backend resources held by a portal or a prepared
// statement.
type Close struct {
	Target types.CloseTarget
	Name   string
}

func (m *Close) Type() types.FrontendMessage { return types.FrontendClose }

func (m *Close) Encode(writer *buffer.Writer) error {
	writer.Start(types.FrontendClose)
	writer.AddByte(byte(m.Target))
	writer.AddString(m.Name)
	writer.AddNullTerminate()
	return writer.End()
}

// FunctionCall invokes a backend function through the fast-path interface.
type FunctionCall struct {
	OID             oid.Oid
	ArgumentFormats []int16
	Arguments       [][]byte
	ResultFormat    int16
}

func (m *FunctionCall) Type() types.FrontendMessage { return types.FrontendFunction }

func (m *FunctionCall) Encode(writer *buffer.Writer) error {
	writer.Start(types.FrontendFunction)
	writer.AddUint32(uint32(m.OID))
	writer.AddInt16(int16(len(m.ArgumentFormats)))
	for _, f := range m.ArgumentFormats {
		writer.AddInt16(f)
	}
	writer.AddInt16(int16(len(m.Arguments)))
	for _, a := range m.Arguments {
		if a == nil {
			writer.AddInt32(-1)
			continue
		}
		writer.AddInt32(int32(len(a)))
		writer.AddBytes(a)
	}
	writer.AddInt16(m.ResultFormat)
	return writer.End()
}

// CopyFail aborts a COPY FROM STDIN operation with the given reason.
type CopyFail struct {
	Message string
}

func (m *CopyFail) Type() types.FrontendMessage { return types.FrontendCopyFail }

func (m *CopyFail) Encode(writer *buffer.Writer) error {
	writer.Start(types.FrontendCopyFail)
	writer.AddString(m.Message)
	writer.AddNullTerminate()
	return writer.End()
}

// Sync marks the end of an extended query pipeline. The backend replies with
// ReadyForQuery once it has processed, or skipped past, the pipeline.
type Sync struct{}

func (m Sync) Type() types.FrontendMessage { return types.FrontendSync }

func (m Sync) Encode(writer *buffer.Writer) error {
	writer.Start(types.FrontendSync)
	return writer.End()
}

// Flush asks the backend to deliver any pending responses without ending the
// pipeline. It elicits no reply on its own.
type Flush struct{}

func (m Flush) Type() types.FrontendMessage { return types.FrontendFlush }

func (m Flush) Encode(writer *buffer.Writer) error {
	writer.Start(types.FrontendFlush)
	return writer.End()
}

// Terminate announces an orderly shutdown of the connection.
type Terminate struct{}

func (m Terminate) Type() types.FrontendMessage { return types.FrontendTerminate }

func (m Terminate) Encode(writer *buffer.Writer) error {
	writer.Start(types.FrontendTerminate)
	return writer.End()
}

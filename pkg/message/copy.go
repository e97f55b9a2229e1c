package message

import (
	"github.com/pgfront/pgfront/pkg/buffer"
	"github.com/pgfront/pgfront/pkg/types"
)

// CopyData carries one chunk of COPY payload. The message travels in both
// directions: the frontend streams chunks during COPY FROM STDIN and the
// backend streams them during COPY TO STDOUT. The chunk boundaries carry no
// meaning; rows may span chunks.
type CopyData struct {
	Data []byte
}

func (m *CopyData) Type() types.FrontendMessage { return types.FrontendCopyData }

// BackendType implements the Backend interface for copy-out streams.
func (m *CopyData) BackendType() types.BackendMessage { return types.BackendCopyData }

func (m *CopyData) Encode(writer *buffer.Writer) error {
	writer.Start(types.FrontendCopyData)
	writer.AddBytes(m.Data)
	return writer.End()
}

// CopyDone marks the end of a COPY data stream in either direction.
type CopyDone struct{}

func (m CopyDone) Type() types.FrontendMessage { return types.FrontendCopyDone }

// BackendType implements the Backend interface for copy-out streams.
func (m CopyDone) BackendType() types.BackendMessage { return types.BackendCopyDone }

func (m CopyDone) Encode(writer *buffer.Writer) error {
	writer.Start(types.FrontendCopyDone)
	return writer.End()
}

// CopyFormat describes the framing of an announced COPY stream: the overall
// format byte and the per-column format codes.
type CopyFormat struct {
	Format        byte
	ColumnFormats []int16
}

func parseCopyFormat(reader *buffer.Reader) (f CopyFormat, err error) {
	f.Format, err = reader.GetByte()
	if err != nil {
		return f, err
	}

	columns, err := reader.GetUint16()
	if err != nil {
		return f, err
	}

	f.ColumnFormats = make([]int16, columns)
	for i := range f.ColumnFormats {
		f.ColumnFormats[i], err = reader.GetInt16()
		if err != nil {
			return f, err
		}
	}
	return f, nil
}

// CopyInResponse announces that the backend is ready to sink a COPY FROM
// STDIN stream.
type CopyInResponse struct {
	CopyFormat
}

func (m *CopyInResponse) BackendType() types.BackendMessage { return types.BackendCopyInResponse }

// CopyOutResponse announces that the backend is about to emit a COPY TO
// STDOUT stream.
type CopyOutResponse struct {
	CopyFormat
}

func (m *CopyOutResponse) BackendType() types.BackendMessage { return types.BackendCopyOutResponse }

// CopyBothResponse announces a bidirectional copy stream as used by
// streaming replication.
type CopyBothResponse struct {
	CopyFormat
}

func (m *CopyBothResponse) BackendType() types.BackendMessage { return types.BackendCopyBothResponse }

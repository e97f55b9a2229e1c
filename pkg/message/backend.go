package message

import (
	"fmt"

	"github.com/lib/pq/oid"

	"github.com/pgfront/pgfront/codes"
	pgerr "github.com/pgfront/pgfront/errors"
	"github.com/pgfront/pgfront/pkg/buffer"
	"github.com/pgfront/pgfront/pkg/types"
)

// Authentication is the discriminated authentication request sent by the
// backend during negotiation. Salt carries the 4 byte MD5 salt or the 2 byte
// crypt(3) salt depending on the requested exchange; Data holds the
// remaining payload of exchanges the core refuses.
type Authentication struct {
	Request types.AuthRequest
	Salt    []byte
	Data    []byte
}

func (m *Authentication) BackendType() types.BackendMessage { return types.BackendAuth }

func parseAuthentication(reader *buffer.Reader) (*Authentication, error) {
	request, err := reader.GetInt32()
	if err != nil {
		return nil, err
	}

	msg := &Authentication{Request: types.AuthRequest(request)}
	switch msg.Request {
	case types.AuthRequestMD5:
		msg.Salt, err = reader.GetBytes(4)
	case types.AuthRequestCrypt:
		msg.Salt, err = reader.GetBytes(2)
	default:
		msg.Data, err = reader.GetBytes(reader.Remaining())
	}
	return msg, err
}

// BackendKeyData carries the process ID and the secret key of the backend,
// the pair a CancelRequest needs to abort a running query out-of-band.
type BackendKeyData struct {
	PID uint32
	Key uint32
}

func (m *BackendKeyData) BackendType() types.BackendMessage { return types.BackendKeyData }

func parseBackendKeyData(reader *buffer.Reader) (msg *BackendKeyData, err error) {
	msg = &BackendKeyData{}
	msg.PID, err = reader.GetUint32()
	if err != nil {
		return nil, err
	}
	msg.Key, err = reader.GetUint32()
	return msg, err
}

// ReadyForQuery reports that the backend returned to a clean state and is
// ready for the next command cycle.
type ReadyForQuery struct {
	Status types.TransactionStatus
}

func (m *ReadyForQuery) BackendType() types.BackendMessage { return types.BackendReady }

func parseReadyForQuery(reader *buffer.Reader) (*ReadyForQuery, error) {
	status, err := reader.GetByte()
	if err != nil {
		return nil, err
	}

	return &ReadyForQuery{Status: types.TransactionStatus(status)}, nil
}

// errFieldType represents the error and notice response fields.
type errFieldType byte

// http://www.postgresql.org/docs/current/static/protocol-error-fields.html
const (
	errFieldSeverity         errFieldType = 'S'
	errFieldSQLState         errFieldType = 'C'
	errFieldMsgPrimary       errFieldType = 'M'
	errFieldDetail           errFieldType = 'D'
	errFieldHint             errFieldType = 'H'
	errFieldPosition         errFieldType = 'P'
	errFieldInternalPosition errFieldType = 'p'
	errFieldInternalQuery    errFieldType = 'q'
	errFieldWhere            errFieldType = 'W'
	errFieldSchema           errFieldType = 's'
	errFieldTable            errFieldType = 't'
	errFieldColumn           errFieldType = 'c'
	errFieldDataType         errFieldType = 'd'
	errFieldConstraint       errFieldType = 'n'
	errFieldSrcFile          errFieldType = 'F'
	errFieldSrcLine          errFieldType = 'L'
	errFieldSrcFunction      errFieldType = 'R'
)

// parseErrorFields decodes the `(field code, cstring)*` body shared by the
// error and notice responses.
func parseErrorFields(reader *buffer.Reader) (*pgerr.Error, error) {
	diag := &pgerr.Error{}
	for {
		code, err := reader.GetByte()
		if err != nil {
			return nil, err
		}
		if code == 0 {
			return diag, nil
		}

		value, err := reader.GetString()
		if err != nil {
			return nil, err
		}

		switch errFieldType(code) {
		case errFieldSeverity:
			diag.Severity = pgerr.Severity(value)
		case errFieldSQLState:
			diag.Code = codes.Code(value)
		case errFieldMsgPrimary:
			diag.Message = value
		case errFieldDetail:
			diag.Detail = value
		case errFieldHint:
			diag.Hint = value
		case errFieldPosition:
			diag.Position = value
		case errFieldInternalPosition:
			diag.InternalPosition = value
		case errFieldInternalQuery:
			diag.InternalQuery = value
		case errFieldWhere:
			diag.Where = value
		case errFieldSchema:
			diag.Schema = value
		case errFieldTable:
			diag.Table = value
		case errFieldColumn:
			diag.Column = value
		case errFieldDataType:
			diag.DataTypeName = value
		case errFieldConstraint:
			diag.Constraint = value
		case errFieldSrcFile:
			diag.File = value
		case errFieldSrcLine:
			diag.Line = value
		case errFieldSrcFunction:
			diag.Routine = value
		default:
			// Unknown fields are ignored for forward compatibility.
		}
	}
}

// ErrorResponse reports a backend error. Severity FATAL and PANIC mark the
// connection unrecoverable.
type ErrorResponse struct {
	Diag *pgerr.Error
}

func (m *ErrorResponse) BackendType() types.BackendMessage { return types.BackendErrorResponse }

func parseErrorResponse(reader *buffer.Reader) (*ErrorResponse, error) {
	diag, err := parseErrorFields(reader)
	if err != nil {
		return nil, err
	}

	return &ErrorResponse{Diag: diag}, nil
}

// NoticeResponse carries an asynchronous warning or informational report. It
// shares the field layout of ErrorResponse.
type NoticeResponse struct {
	Diag *pgerr.Error
}

func (m *NoticeResponse) BackendType() types.BackendMessage { return types.BackendNoticeResponse }

func parseNoticeResponse(reader *buffer.Reader) (*NoticeResponse, error) {
	diag, err := parseErrorFields(reader)
	if err != nil {
		return nil, err
	}

	return &NoticeResponse{Diag: diag}, nil
}

// Notification delivers a NOTIFY event raised on a channel this session
// subscribed to with LISTEN.
type Notification struct {
	PID     uint32
	Channel string
	Payload string
}

func (m *Notification) BackendType() types.BackendMessage { return types.BackendNotification }

func parseNotification(reader *buffer.Reader) (msg *Notification, err error) {
	msg = &Notification{}
	msg.PID, err = reader.GetUint32()
	if err != nil {
		return nil, err
	}
	msg.Channel, err = reader.GetString()
	if err != nil {
		return nil, err
	}
	msg.Payload, err = reader.GetString()
	return msg, err
}

// ParameterStatus reports a server setting, either during negotiation or
// asynchronously when the setting changes mid-session.
type ParameterStatus struct {
	Key   string
	Value string
}

func (m *ParameterStatus) BackendType() types.BackendMessage { return types.BackendParameterStatus }

func parseParameterStatus(reader *buffer.Reader) (msg *ParameterStatus, err error) {
	msg = &ParameterStatus{}
	msg.Key, err = reader.GetString()
	if err != nil {
		return nil, err
	}
	msg.Value, err = reader.GetString()
	return msg, err
}

// CommandComplete reports the completion tag of a finished command.
type CommandComplete struct {
	Tag string
}

func (m *CommandComplete) BackendType() types.BackendMessage { return types.BackendCommandComplete }

func parseCommandComplete(reader *buffer.Reader) (*CommandComplete, error) {
	tag, err := reader.GetString()
	if err != nil {
		return nil, err
	}

	return &CommandComplete{Tag: tag}, nil
}

// DataRow carries one result row. A nil field denotes SQL NULL, framed with
// length -1, distinct from an empty byte string. Field bytes are delivered
// raw; decoding them is up to the type codec layer above the core.
type DataRow struct {
	Fields [][]byte
}

func (m *DataRow) BackendType() types.BackendMessage { return types.BackendDataRow }

func parseDataRow(reader *buffer.Reader) (*DataRow, error) {
	count, err := reader.GetUint16()
	if err != nil {
		return nil, err
	}

	msg := &DataRow{Fields: make([][]byte, count)}
	for i := range msg.Fields {
		length, err := reader.GetInt32()
		if err != nil {
			return nil, err
		}

		msg.Fields[i], err = reader.GetBytes(int(length))
		if err != nil {
			return nil, err
		}
		if length == 0 {
			// Distinguish an empty value from the nil returned for -1.
			msg.Fields[i] = []byte{}
		}
	}
	return msg, nil
}

// Column describes a single result column inside a RowDescription.
type Column struct {
	Name         string
	TableOID     uint32
	AttrNumber   int16
	TypeOID      oid.Oid
	TypeSize     int16
	TypeModifier int32
	Format       int16
}

// RowDescription describes the result columns of the rows that follow.
type RowDescription struct {
	Columns []Column
}

func (m *RowDescription) BackendType() types.BackendMessage { return types.BackendRowDescription }

func parseRowDescription(reader *buffer.Reader) (*RowDescription, error) {
	count, err := reader.GetUint16()
	if err != nil {
		return nil, err
	}

	msg := &RowDescription{Columns: make([]Column, count)}
	for i := range msg.Columns {
		col := &msg.Columns[i]
		if col.Name, err = reader.GetString(); err != nil {
			return nil, err
		}
		if col.TableOID, err = reader.GetUint32(); err != nil {
			return nil, err
		}
		if col.AttrNumber, err = reader.GetInt16(); err != nil {
			return nil, err
		}
		var typ uint32
		if typ, err = reader.GetUint32(); err != nil {
			return nil, err
		}
		col.TypeOID = oid.Oid(typ)
		if col.TypeSize, err = reader.GetInt16(); err != nil {
			return nil, err
		}
		if col.TypeModifier, err = reader.GetInt32(); err != nil {
			return nil, err
		}
		if col.Format, err = reader.GetInt16(); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

// ParameterDescription lists the parameter type oids of a described
// prepared statement.
type ParameterDescription struct {
	Types []oid.Oid
}

func (m *ParameterDescription) BackendType() types.BackendMessage {
	return types.BackendParameterDescription
}

func parseParameterDescription(reader *buffer.Reader) (*ParameterDescription, error) {
	count, err := reader.GetUint16()
	if err != nil {
		return nil, err
	}

	msg := &ParameterDescription{Types: make([]oid.Oid, count)}
	for i := range msg.Types {
		typ, err := reader.GetUint32()
		if err != nil {
			return nil, err
		}
		msg.Types[i] = oid.Oid(typ)
	}
	return msg, nil
}

// FunctionCallResponse carries the result value of a fast-path function
// call. A nil result denotes SQL NULL.
type FunctionCallResponse struct {
	Result []byte
}

func (m *FunctionCallResponse) BackendType() types.BackendMessage {
	return types.BackendFunctionResult
}

func parseFunctionCallResponse(reader *buffer.Reader) (*FunctionCallResponse, error) {
	length, err := reader.GetInt32()
	if err != nil {
		return nil, err
	}

	result, err := reader.GetBytes(int(length))
	if err != nil {
		return nil, err
	}
	if length == 0 {
		result = []byte{}
	}
	return &FunctionCallResponse{Result: result}, nil
}

// EmptyQueryResponse substitutes for CommandComplete when a query string was
// empty.
type EmptyQueryResponse struct{}

func (m EmptyQueryResponse) BackendType() types.BackendMessage { return types.BackendEmptyQuery }

// NoData reports that a described statement or portal returns no rows.
type NoData struct{}

func (m NoData) BackendType() types.BackendMessage { return types.BackendNoData }

// PortalSuspended reports that a row-limited Execute stopped before draining
// the portal.
type PortalSuspended struct{}

func (m PortalSuspended) BackendType() types.BackendMessage { return types.BackendPortalSuspended }

// ParseComplete acknowledges a Parse command.
type ParseComplete struct{}

func (m ParseComplete) BackendType() types.BackendMessage { return types.BackendParseComplete }

// BindComplete acknowledges a Bind command.
type BindComplete struct{}

func (m BindComplete) BackendType() types.BackendMessage { return types.BackendBindComplete }

// CloseComplete acknowledges a Close command.
type CloseComplete struct{}

func (m CloseComplete) BackendType() types.BackendMessage { return types.BackendCloseComplete }

// Decode parses the given raw frame into its typed representation.
func Decode(raw buffer.Raw) (Backend, error) {
	reader := buffer.NewReader(raw.Payload)

	switch raw.Type {
	case types.BackendAuth:
		return parseAuthentication(reader)
	case types.BackendKeyData:
		return parseBackendKeyData(reader)
	case types.BackendReady:
		return parseReadyForQuery(reader)
	case types.BackendErrorResponse:
		return parseErrorResponse(reader)
	case types.BackendNoticeResponse:
		return parseNoticeResponse(reader)
	case types.BackendNotification:
		return parseNotification(reader)
	case types.BackendParameterStatus:
		return parseParameterStatus(reader)
	case types.BackendCommandComplete:
		return parseCommandComplete(reader)
	case types.BackendDataRow:
		return parseDataRow(reader)
	case types.BackendRowDescription:
		return parseRowDescription(reader)
	case types.BackendParameterDescription:
		return parseParameterDescription(reader)
	case types.BackendFunctionResult:
		return parseFunctionCallResponse(reader)
	case types.BackendCopyData:
		return &CopyData{Data: raw.Payload}, nil
	case types.BackendCopyDone:
		return CopyDone{}, nil
	case types.BackendCopyInResponse:
		f, err := parseCopyFormat(reader)
		return &CopyInResponse{CopyFormat: f}, err
	case types.BackendCopyOutResponse:
		f, err := parseCopyFormat(reader)
		return &CopyOutResponse{CopyFormat: f}, err
	case types.BackendCopyBothResponse:
		f, err := parseCopyFormat(reader)
		return &CopyBothResponse{CopyFormat: f}, err
	case types.BackendEmptyQuery:
		return EmptyQueryResponse{}, nil
	case types.BackendNoData:
		return NoData{}, nil
	case types.BackendPortalSuspended:
		return PortalSuspended{}, nil
	case types.BackendParseComplete:
		return ParseComplete{}, nil
	case types.BackendBindComplete:
		return BindComplete{}, nil
	case types.BackendCloseComplete:
		return CloseComplete{}, nil
	default:
		err := fmt.Errorf("unknown backend message type: %q", byte(raw.Type))
		return nil, pgerr.WithSeverity(pgerr.WithCode(err, codes.ProtocolViolation), pgerr.LevelFatal)
	}
}

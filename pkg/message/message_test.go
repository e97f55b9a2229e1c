package message

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgfront/pgfront/codes"
	pgerr "github.com/pgfront/pgfront/errors"
	"github.com/pgfront/pgfront/pkg/buffer"
	"github.com/pgfront/pgfront/pkg/types"
)

// encode serializes a single message.
func encode(t *testing.T, msg Frontend) []byte {
	t.Helper()
	blob, err := Join([]Frontend{msg})
	require.NoError(t, err)
	return blob
}

func TestStartupPacket(t *testing.T) {
	t.Parallel()

	blob := encode(t, NewStartup("alice", "store"))

	assert.Equal(t, uint32(len(blob)), binary.BigEndian.Uint32(blob[0:4]))
	assert.Equal(t, uint32(types.Version30), binary.BigEndian.Uint32(blob[4:8]))
	assert.Equal(t, []byte("user\x00alice\x00database\x00store\x00\x00"), blob[8:])
}

func TestStartupPacketOptions(t *testing.T) {
	t.Parallel()

	startup := NewStartup("bob", "", Parameter{Key: "application_name", Value: "core"})
	blob := encode(t, startup)

	assert.Equal(t, "bob", startup.User())
	assert.Equal(t, []byte("user\x00bob\x00application_name\x00core\x00\x00"), blob[8:])
}

func TestCancelRequestPacket(t *testing.T) {
	t.Parallel()

	blob := encode(t, &CancelRequest{PID: 123, Key: 456})

	require.Len(t, blob, 16)
	assert.Equal(t, uint32(16), binary.BigEndian.Uint32(blob[0:4]))
	assert.Equal(t, uint32(0x04d2162e), binary.BigEndian.Uint32(blob[4:8]))
	assert.Equal(t, uint32(123), binary.BigEndian.Uint32(blob[8:12]))
	assert.Equal(t, uint32(456), binary.BigEndian.Uint32(blob[12:16]))
}

func TestSSLRequestPacket(t *testing.T) {
	t.Parallel()

	blob := encode(t, SSLRequest{})

	require.Len(t, blob, 8)
	assert.Equal(t, uint32(8), binary.BigEndian.Uint32(blob[0:4]))
	assert.Equal(t, uint32(0x04d2162f), binary.BigEndian.Uint32(blob[4:8]))
}

func TestJoinWrapsCopyData(t *testing.T) {
	t.Parallel()

	blob, err := Join([]Frontend{&CopyData{Data: []byte("1\t2\n")}, CopyDone{}})
	require.NoError(t, err)

	assert.Equal(t, byte('d'), blob[0])
	assert.Equal(t, uint32(8), binary.BigEndian.Uint32(blob[1:5]))
	assert.Equal(t, []byte("1\t2\n"), blob[5:9])
	assert.Equal(t, byte('c'), blob[9])
}

func TestQueryEncode(t *testing.T) {
	t.Parallel()

	blob := encode(t, &Query{Statement: "SELECT 1"})
	assert.Equal(t, byte('Q'), blob[0])
	assert.Equal(t, []byte("SELECT 1\x00"), blob[5:])
}

func TestBindEncodeNullDistinct(t *testing.T) {
	t.Parallel()

	bind := &Bind{
		Portal:     "",
		Statement:  "stmt",
		Parameters: [][]byte{nil, {}},
	}
	blob := encode(t, bind)

	// portal cstring + statement cstring + zero formats.
	body := blob[5:]
	require.Equal(t, byte(0), body[0])
	require.Equal(t, []byte("stmt\x00"), body[1:6])
	require.Equal(t, uint16(0), binary.BigEndian.Uint16(body[6:8]))
	require.Equal(t, uint16(2), binary.BigEndian.Uint16(body[8:10]))
	// NULL frames as length -1, the empty value as length 0.
	assert.Equal(t, uint32(0xffffffff), binary.BigEndian.Uint32(body[10:14]))
	assert.Equal(t, uint32(0), binary.BigEndian.Uint32(body[14:18]))
}

// decodeOne runs a single frame through the stream and decoder.
func decodeOne(t *testing.T, blob []byte) Backend {
	t.Helper()

	var stream buffer.Stream
	stream.Write(blob)
	msgs, err := stream.Read()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	parsed, err := Decode(msgs[0])
	require.NoError(t, err)
	return parsed
}

func backendFrame(t types.BackendMessage, payload []byte) []byte {
	out := make([]byte, 5+len(payload))
	out[0] = byte(t)
	binary.BigEndian.PutUint32(out[1:5], uint32(len(payload)+4))
	copy(out[5:], payload)
	return out
}

func TestDecodeDataRowNullDistinct(t *testing.T) {
	t.Parallel()

	payload := []byte{
		0x00, 0x03,
		0xff, 0xff, 0xff, 0xff, // NULL
		0x00, 0x00, 0x00, 0x00, // empty
		0x00, 0x00, 0x00, 0x01, '1',
	}
	parsed := decodeOne(t, backendFrame(types.BackendDataRow, payload))

	row, ok := parsed.(*DataRow)
	require.True(t, ok)
	require.Len(t, row.Fields, 3)
	assert.Nil(t, row.Fields[0])
	require.NotNil(t, row.Fields[1])
	assert.Len(t, row.Fields[1], 0)
	assert.Equal(t, []byte("1"), row.Fields[2])
}

func TestDecodeErrorResponseFields(t *testing.T) {
	t.Parallel()

	payload := []byte("SFATAL\x00C28P01\x00Mpassword authentication failed\x00" +
		"Hcheck the password\x00Fauth.c\x00L42\x00Rauth_failed\x00\x00")
	parsed := decodeOne(t, backendFrame(types.BackendErrorResponse, payload))

	resp, ok := parsed.(*ErrorResponse)
	require.True(t, ok)
	assert.Equal(t, pgerr.LevelFatal, resp.Diag.Severity)
	assert.Equal(t, codes.Code("28P01"), resp.Diag.Code)
	assert.Equal(t, "password authentication failed", resp.Diag.Message)
	assert.Equal(t, "check the password", resp.Diag.Hint)
	assert.Equal(t, "auth.c", resp.Diag.File)
	assert.Equal(t, "42", resp.Diag.Line)
	assert.Equal(t, "auth_failed", resp.Diag.Routine)
	assert.True(t, resp.Diag.Fatal())
	assert.False(t, resp.Diag.Client)
}

func TestDecodeAuthenticationVariants(t *testing.T) {
	t.Parallel()

	ok := decodeOne(t, backendFrame(types.BackendAuth, []byte{0, 0, 0, 0}))
	auth, valid := ok.(*Authentication)
	require.True(t, valid)
	assert.Equal(t, types.AuthRequestOK, auth.Request)

	md5 := decodeOne(t, backendFrame(types.BackendAuth, []byte{0, 0, 0, 5, 1, 2, 3, 4}))
	auth = md5.(*Authentication)
	assert.Equal(t, types.AuthRequestMD5, auth.Request)
	assert.Equal(t, []byte{1, 2, 3, 4}, auth.Salt)

	crypt := decodeOne(t, backendFrame(types.BackendAuth, []byte{0, 0, 0, 4, 'a', 'b'}))
	auth = crypt.(*Authentication)
	assert.Equal(t, types.AuthRequestCrypt, auth.Request)
	assert.Equal(t, []byte("ab"), auth.Salt)

	sasl := decodeOne(t, backendFrame(types.BackendAuth, append([]byte{0, 0, 0, 10}, "SCRAM-SHA-256\x00\x00"...)))
	auth = sasl.(*Authentication)
	assert.Equal(t, types.AuthRequestSASL, auth.Request)
}

func TestDecodeReadyForQuery(t *testing.T) {
	t.Parallel()

	parsed := decodeOne(t, backendFrame(types.BackendReady, []byte{'E'}))
	ready := parsed.(*ReadyForQuery)
	assert.Equal(t, types.TransactionFailed, ready.Status)
}

func TestDecodeBackendKeyData(t *testing.T) {
	t.Parallel()

	parsed := decodeOne(t, backendFrame(types.BackendKeyData, []byte{0, 0, 0, 123, 0, 0, 1, 200}))
	key := parsed.(*BackendKeyData)
	assert.Equal(t, uint32(123), key.PID)
	assert.Equal(t, uint32(456), key.Key)
}

func TestDecodeRowDescription(t *testing.T) {
	t.Parallel()

	var writer buffer.Writer
	writer.Start(types.FrontendMessage(types.BackendRowDescription))
	writer.AddInt16(1)
	writer.AddString("id")
	writer.AddNullTerminate()
	writer.AddInt32(0)
	writer.AddInt16(0)
	writer.AddUint32(23)
	writer.AddInt16(4)
	writer.AddInt32(-1)
	writer.AddInt16(0)
	require.NoError(t, writer.End())

	parsed := decodeOne(t, writer.Bytes())
	desc := parsed.(*RowDescription)
	require.Len(t, desc.Columns, 1)
	assert.Equal(t, "id", desc.Columns[0].Name)
	assert.EqualValues(t, 23, desc.Columns[0].TypeOID)
}

func TestDecodeNotification(t *testing.T) {
	t.Parallel()

	var writer buffer.Writer
	writer.Start(types.FrontendMessage(types.BackendNotification))
	writer.AddUint32(99)
	writer.AddString("jobs")
	writer.AddNullTerminate()
	writer.AddString("wake up")
	writer.AddNullTerminate()
	require.NoError(t, writer.End())

	parsed := decodeOne(t, writer.Bytes())
	notify := parsed.(*Notification)
	assert.Equal(t, uint32(99), notify.PID)
	assert.Equal(t, "jobs", notify.Channel)
	assert.Equal(t, "wake up", notify.Payload)
}

func TestDecodeUnknownType(t *testing.T) {
	t.Parallel()

	_, err := Decode(buffer.Raw{Type: types.BackendMessage('~'), Payload: nil})
	require.Error(t, err)
}

// TestRoundTripSequence serializes a command pipeline and feeds it back
// through the stream, expecting the identical frame sequence.
func TestRoundTripSequence(t *testing.T) {
	t.Parallel()

	cmds := []Frontend{
		&Parse{Name: "s1", Statement: "SELECT $1"},
		&Bind{Statement: "s1", Parameters: [][]byte{[]byte("7")}},
		&Describe{Target: types.DescribePortal},
		&Execute{},
		Sync{},
	}

	blob, err := Join(cmds)
	require.NoError(t, err)

	var stream buffer.Stream
	stream.Write(blob)
	msgs, err := stream.Read()
	require.NoError(t, err)
	require.Len(t, msgs, len(cmds))
	for i, cmd := range cmds {
		assert.Equal(t, byte(cmd.Type()), byte(msgs[i].Type))
	}
}

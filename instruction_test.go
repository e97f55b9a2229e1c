package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgfront/pgfront/codes"
	"github.com/pgfront/pgfront/pkg/message"
	"github.com/pgfront/pgfront/pkg/mock"
	"github.com/pgfront/pgfront/pkg/types"
)

func newTestInstruction(t *testing.T, commands []message.Frontend, opts ...InstructionOption) *Instruction {
	t.Helper()

	x, err := NewInstruction(commands, opts...)
	require.NoError(t, err)
	require.Equal(t, Sending, x.State())
	x.Sent()
	require.Equal(t, Receiving, x.State())
	return x
}

func TestInstructionRejectsUnknownCommand(t *testing.T) {
	t.Parallel()

	_, err := NewInstruction([]message.Frontend{&message.Password{Data: []byte("nope")}})
	require.Error(t, err)
}

// TestInstructionSimpleQueryRow covers a simple query returning one row:
// descriptor, tuple, completion tag and ready must all be recorded.
func TestInstructionSimpleQueryRow(t *testing.T) {
	t.Parallel()

	x := newTestInstruction(t, []message.Frontend{&message.Query{Statement: "SELECT 1"}})

	backend := mock.NewBackend(t).
		RowDescription([]string{"?column?"}, []uint32{23}).
		DataRow([]byte("1")).
		CommandComplete("SELECT 1").
		Ready(types.TransactionIdle)

	consumed, err := x.Put(&Group{Messages: backend.Frames()})
	require.NoError(t, err)
	assert.Equal(t, 4, consumed)

	require.Equal(t, Done, x.State())
	assert.False(t, x.Fatal())
	assert.Nil(t, x.Diagnostic())

	received := x.Received()
	require.Len(t, received, 4)

	desc, ok := received[0].(*message.RowDescription)
	require.True(t, ok)
	require.Len(t, desc.Columns, 1)
	assert.EqualValues(t, 23, desc.Columns[0].TypeOID)

	row, ok := received[1].(*message.DataRow)
	require.True(t, ok)
	require.Len(t, row.Fields, 1)
	assert.Equal(t, []byte("1"), row.Fields[0])

	complete, ok := received[2].(*message.CommandComplete)
	require.True(t, ok)
	assert.Equal(t, "SELECT 1", complete.Tag)

	ready, ok := received[3].(*message.ReadyForQuery)
	require.True(t, ok)
	assert.Equal(t, types.TransactionIdle, ready.Status)

	status, ok := x.LastReady()
	require.True(t, ok)
	assert.Equal(t, types.TransactionIdle, status)
}

func TestInstructionExtendedPipeline(t *testing.T) {
	t.Parallel()

	x := newTestInstruction(t, []message.Frontend{
		&message.Parse{Name: "s", Statement: "SELECT $1"},
		&message.Bind{Statement: "s", Parameters: [][]byte{[]byte("1")}},
		&message.Execute{},
		message.Sync{},
	})

	backend := mock.NewBackend(t).
		ParseComplete().
		BindComplete().
		DataRow([]byte("1")).
		CommandComplete("SELECT 1").
		Ready(types.TransactionIdle)

	_, err := x.Put(&Group{Messages: backend.Frames()})
	require.NoError(t, err)

	require.Equal(t, Done, x.State())
	assert.False(t, x.Fatal())
	require.Len(t, x.Received(), 5)
}

func TestInstructionUnexpectedMessage(t *testing.T) {
	t.Parallel()

	x := newTestInstruction(t, []message.Frontend{
		&message.Parse{Name: "s", Statement: "SELECT 1"},
		message.Sync{},
	})

	backend := mock.NewBackend(t).BindComplete()
	_, err := x.Put(&Group{Messages: backend.Frames()})
	require.NoError(t, err)

	require.Equal(t, Done, x.State())
	assert.True(t, x.Fatal())
	require.NotNil(t, x.Diagnostic())
	assert.Equal(t, codes.ProtocolViolation, x.Diagnostic().Code)
}

// TestInstructionResyncAfterError injects a recoverable error before the
// first sync of a two batch pipeline: everything up to the first ready is
// consumed and the second half executes normally.
func TestInstructionResyncAfterError(t *testing.T) {
	t.Parallel()

	x := newTestInstruction(t, []message.Frontend{
		&message.Parse{Name: "a", Statement: "bad"},
		&message.Bind{Statement: "a"},
		&message.Execute{},
		message.Sync{},
		&message.Parse{Name: "b", Statement: "SELECT 1"},
		&message.Bind{Statement: "b"},
		&message.Execute{},
		message.Sync{},
	})

	backend := mock.NewBackend(t).
		Error("ERROR", "42601", `syntax error at or near "bad"`).
		Ready(types.TransactionIdle).
		ParseComplete().
		BindComplete().
		DataRow([]byte("1")).
		CommandComplete("SELECT 1").
		Ready(types.TransactionIdle)

	_, err := x.Put(&Group{Messages: backend.Frames()})
	require.NoError(t, err)

	require.Equal(t, Done, x.State())
	assert.False(t, x.Fatal())
	require.NotNil(t, x.Diagnostic())
	assert.Equal(t, codes.Code("42601"), x.Diagnostic().Code)

	received := x.Received()
	require.Len(t, received, 6)
	_, ok := received[1].(message.ParseComplete)
	assert.True(t, ok)
	_, ok = received[2].(message.BindComplete)
	assert.True(t, ok)
}

func TestInstructionMinimalResyncScenario(t *testing.T) {
	t.Parallel()

	x := newTestInstruction(t, []message.Frontend{
		&message.Parse{Name: "a", Statement: "bad"},
		message.Sync{},
		&message.Parse{Name: "b", Statement: "SELECT 1"},
		message.Sync{},
	})

	backend := mock.NewBackend(t).
		Error("ERROR", "42601", "syntax error").
		Ready(types.TransactionIdle).
		ParseComplete().
		Ready(types.TransactionIdle)

	_, err := x.Put(&Group{Messages: backend.Frames()})
	require.NoError(t, err)

	require.Equal(t, Done, x.State())
	assert.False(t, x.Fatal())
	assert.Equal(t, codes.Code("42601"), x.Diagnostic().Code)

	received := x.Received()
	require.Len(t, received, 3)
	_, ok := received[1].(message.ParseComplete)
	assert.True(t, ok)
}

func TestInstructionErrorWithoutLaterSync(t *testing.T) {
	t.Parallel()

	x := newTestInstruction(t, []message.Frontend{
		&message.Parse{Name: "a", Statement: "bad"},
	})

	backend := mock.NewBackend(t).Error("ERROR", "42601", "syntax error")
	_, err := x.Put(&Group{Messages: backend.Frames()})
	require.NoError(t, err)

	require.Equal(t, Done, x.State())
	assert.False(t, x.Fatal())
	assert.Equal(t, codes.Code("42601"), x.Diagnostic().Code)
}

func TestInstructionFatalError(t *testing.T) {
	t.Parallel()

	x := newTestInstruction(t, []message.Frontend{
		&message.Query{Statement: "SELECT pg_sleep(60)"},
	})

	backend := mock.NewBackend(t).Error("FATAL", "57P01", "terminating connection")
	_, err := x.Put(&Group{Messages: backend.Frames()})
	require.NoError(t, err)

	require.Equal(t, Done, x.State())
	assert.True(t, x.Fatal())
	assert.Equal(t, codes.AdminShutdown, x.Diagnostic().Code)
}

// TestInstructionQueryErrorWaitsForReady covers the implicit sync of the
// simple query protocol: the error flow consumes up to the ready the query
// emits itself.
func TestInstructionQueryErrorWaitsForReady(t *testing.T) {
	t.Parallel()

	x := newTestInstruction(t, []message.Frontend{
		&message.Query{Statement: "bad"},
		&message.Query{Statement: "SELECT 1"},
	})

	backend := mock.NewBackend(t).
		Error("ERROR", "42601", "syntax error").
		Ready(types.TransactionIdle).
		RowDescription([]string{"?column?"}, []uint32{23}).
		DataRow([]byte("1")).
		CommandComplete("SELECT 1").
		Ready(types.TransactionIdle)

	_, err := x.Put(&Group{Messages: backend.Frames()})
	require.NoError(t, err)

	require.Equal(t, Done, x.State())
	assert.False(t, x.Fatal())
	assert.Equal(t, codes.Code("42601"), x.Diagnostic().Code)
	require.Len(t, x.Received(), 5)
}

func TestInstructionFunctionErrorWaitsForReady(t *testing.T) {
	t.Parallel()

	x := newTestInstruction(t, []message.Frontend{
		&message.FunctionCall{OID: 1, Arguments: [][]byte{}},
	})

	backend := mock.NewBackend(t).
		Error("ERROR", "22012", "division by zero").
		Ready(types.TransactionIdle)

	_, err := x.Put(&Group{Messages: backend.Frames()})
	require.NoError(t, err)

	require.Equal(t, Done, x.State())
	assert.False(t, x.Fatal())
	assert.Equal(t, codes.Code("22012"), x.Diagnostic().Code)
}

func TestInstructionFunctionCall(t *testing.T) {
	t.Parallel()

	x := newTestInstruction(t, []message.Frontend{
		&message.FunctionCall{OID: 1, Arguments: [][]byte{[]byte("4")}},
	})

	backend := mock.NewBackend(t).
		FunctionResult([]byte("16")).
		Ready(types.TransactionIdle)

	_, err := x.Put(&Group{Messages: backend.Frames()})
	require.NoError(t, err)

	require.Equal(t, Done, x.State())
	result, ok := x.Received()[0].(*message.FunctionCallResponse)
	require.True(t, ok)
	assert.Equal(t, []byte("16"), result.Result)
}

// TestInstructionIdempotentPut re-delivers the same group object and
// expects identical completed output.
func TestInstructionIdempotentPut(t *testing.T) {
	t.Parallel()

	hooked := 0
	x := newTestInstruction(t, []message.Frontend{
		&message.Parse{Name: "s", Statement: "SELECT 1"},
		message.Sync{},
	}, WithAsyncHook(func(message.Backend) { hooked++ }))

	backend := mock.NewBackend(t).
		Notice("NOTICE", "00000", "heads up").
		ParseComplete().
		Ready(types.TransactionIdle)
	group := &Group{Messages: backend.Frames()}

	_, err := x.Put(group)
	require.NoError(t, err)
	first := x.Received()

	_, err = x.Put(group)
	require.NoError(t, err)

	assert.Equal(t, first, x.Received())
	require.Len(t, x.Completed(), 1)
	assert.Equal(t, 1, hooked, "async hook must not fire twice for a re-presented group")
}

// TestInstructionAsyncIsolation interleaves asynchronous messages with an
// instruction and expects them forwarded to the hook exactly once without
// altering the completed groups.
func TestInstructionAsyncIsolation(t *testing.T) {
	t.Parallel()

	var asyncs []message.Backend
	x := newTestInstruction(t, []message.Frontend{
		&message.Query{Statement: "SELECT 1"},
	}, WithAsyncHook(func(msg message.Backend) { asyncs = append(asyncs, msg) }))

	backend := mock.NewBackend(t).
		Notice("NOTICE", "00000", "before").
		RowDescription([]string{"?column?"}, []uint32{23}).
		Notify(42, "jobs", "payload").
		DataRow([]byte("1")).
		ParameterStatus("TimeZone", "UTC").
		CommandComplete("SELECT 1").
		Ready(types.TransactionIdle)

	_, err := x.Put(&Group{Messages: backend.Frames()})
	require.NoError(t, err)

	require.Equal(t, Done, x.State())
	require.Len(t, x.Received(), 4, "async messages must not enter the completed groups")

	require.Len(t, asyncs, 3)
	_, ok := asyncs[0].(*message.NoticeResponse)
	assert.True(t, ok)
	notify, ok := asyncs[1].(*message.Notification)
	require.True(t, ok)
	assert.Equal(t, "jobs", notify.Channel)
	status, ok := asyncs[2].(*message.ParameterStatus)
	require.True(t, ok)
	assert.Equal(t, "TimeZone", status.Key)
}

func TestInstructionAsyncHookPanicIsContained(t *testing.T) {
	t.Parallel()

	var reported any
	prev := UncaughtHandler
	UncaughtHandler = func(recovered any) { reported = recovered }
	defer func() { UncaughtHandler = prev }()

	x := newTestInstruction(t, []message.Frontend{
		&message.Parse{Name: "s", Statement: "SELECT 1"},
		message.Sync{},
	}, WithAsyncHook(func(message.Backend) { panic("boom") }))

	backend := mock.NewBackend(t).
		Notice("NOTICE", "00000", "hello").
		ParseComplete().
		Ready(types.TransactionIdle)

	_, err := x.Put(&Group{Messages: backend.Frames()})
	require.NoError(t, err)

	require.Equal(t, Done, x.State())
	assert.False(t, x.Fatal())
	assert.Equal(t, "boom", reported)
}

// TestInstructionTupleFastPath streams rows across groups: a homogeneous
// row group takes the fast path, the mixed tail group reverts to the
// standard path with identical results.
func TestInstructionTupleFastPath(t *testing.T) {
	t.Parallel()

	x := newTestInstruction(t, []message.Frontend{
		&message.Bind{Statement: "s"},
		&message.Execute{},
		message.Sync{},
	})

	head := mock.NewBackend(t).BindComplete().DataRow([]byte("1"))
	_, err := x.Put(&Group{Messages: head.Frames()})
	require.NoError(t, err)
	require.Equal(t, Receiving, x.State())

	rows := mock.NewBackend(t).DataRow([]byte("2")).DataRow([]byte("3")).DataRow([]byte("4"))
	consumed, err := x.Put(&Group{Messages: rows.Frames()})
	require.NoError(t, err)
	assert.Equal(t, 3, consumed)

	tail := mock.NewBackend(t).
		DataRow([]byte("5")).
		CommandComplete("SELECT 5").
		Ready(types.TransactionIdle)
	_, err = x.Put(&Group{Messages: tail.Frames()})
	require.NoError(t, err)

	require.Equal(t, Done, x.State())
	received := x.Received()
	require.Len(t, received, 8)

	var values []string
	for _, msg := range received {
		if row, ok := msg.(*message.DataRow); ok {
			values = append(values, string(row.Fields[0]))
		}
	}
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, values)
}

// TestInstructionCopyOutFastPath validates that a run of copy data messages
// is processed by the fast path iff the group is homogeneous.
func TestInstructionCopyOutFastPath(t *testing.T) {
	t.Parallel()

	x := newTestInstruction(t, []message.Frontend{
		&message.Query{Statement: "COPY t TO STDOUT"},
	})

	begin := mock.NewBackend(t).CopyOutResponse(1)
	_, err := x.Put(&Group{Messages: begin.Frames()})
	require.NoError(t, err)

	chunks := mock.NewBackend(t).CopyData([]byte("1\n")).CopyData([]byte("2\n"))
	_, err = x.Put(&Group{Messages: chunks.Frames()})
	require.NoError(t, err)

	mixed := mock.NewBackend(t).
		CopyData([]byte("3\n")).
		CopyDone().
		CommandComplete("COPY 3").
		Ready(types.TransactionIdle)
	_, err = x.Put(&Group{Messages: mixed.Frames()})
	require.NoError(t, err)

	require.Equal(t, Done, x.State())
	assert.False(t, x.Fatal())

	var lines []string
	for _, msg := range x.Received() {
		if chunk, ok := msg.(*message.CopyData); ok {
			lines = append(lines, string(chunk.Data))
		}
	}
	assert.Equal(t, []string{"1\n", "2\n", "3\n"}, lines)
}

// TestInstructionCopyIn drives a COPY FROM STDIN: the instruction switches
// to sending, the submitter feeds chunks and finishes with the prebuilt
// done sequence.
func TestInstructionCopyIn(t *testing.T) {
	t.Parallel()

	x := newTestInstruction(t, []message.Frontend{
		&message.Query{Statement: "COPY t FROM STDIN"},
	})

	begin := mock.NewBackend(t).CopyInResponse(1)
	_, err := x.Put(&Group{Messages: begin.Frames()})
	require.NoError(t, err)

	require.Equal(t, Sending, x.State())
	require.True(t, x.CopyIn())
	require.NotEmpty(t, x.CopyDoneSequence)
	require.NotEmpty(t, x.CopyFailSequence)

	for _, chunk := range []string{"1\n", "2\n", "3\n"} {
		x.SetMessages([]message.Frontend{&message.CopyData{Data: []byte(chunk)}})
		x.Sent()
		require.Equal(t, Sending, x.State())
	}

	x.SetMessages(x.CopyDoneSequence)
	x.Sent()
	require.Equal(t, Receiving, x.State())
	assert.False(t, x.CopyIn())

	finish := mock.NewBackend(t).CommandComplete("COPY 3").Ready(types.TransactionActive)
	_, err = x.Put(&Group{Messages: finish.Frames()})
	require.NoError(t, err)

	require.Equal(t, Done, x.State())
	assert.False(t, x.Fatal())
	assert.Nil(t, x.Diagnostic())
}

// TestInstructionCopyInDefaultsToFail asserts the fail-safe: when the
// submitter does not replace the outbound sequence the prepared copy fail
// goes out.
func TestInstructionCopyInDefaultsToFail(t *testing.T) {
	t.Parallel()

	x := newTestInstruction(t, []message.Frontend{
		&message.Query{Statement: "COPY t FROM STDIN"},
	})

	begin := mock.NewBackend(t).CopyInResponse(1)
	_, err := x.Put(&Group{Messages: begin.Frames()})
	require.NoError(t, err)
	require.Equal(t, Sending, x.State())

	// The submitter sent nothing; the next flush arms the fail sequence.
	x.Sent()
	require.Equal(t, Sending, x.State())
	require.Len(t, x.Messages(), len(x.CopyFailSequence))
	_, ok := x.Messages()[0].(*message.CopyFail)
	assert.True(t, ok)

	// Flushing the fail sequence finishes the copy and resumes receiving.
	x.Sent()
	require.Equal(t, Receiving, x.State())
}

func TestInstructionExecuteSuspension(t *testing.T) {
	t.Parallel()

	x := newTestInstruction(t, []message.Frontend{
		&message.Execute{Max: 2},
		message.Sync{},
	})

	backend := mock.NewBackend(t).
		DataRow([]byte("1")).
		DataRow([]byte("2")).
		PortalSuspended().
		Ready(types.TransactionActive)

	_, err := x.Put(&Group{Messages: backend.Frames()})
	require.NoError(t, err)

	require.Equal(t, Done, x.State())
	assert.False(t, x.Fatal())
	_, ok := x.Received()[2].(message.PortalSuspended)
	assert.True(t, ok)
}

func TestInstructionDescribeVariants(t *testing.T) {
	t.Parallel()

	x := newTestInstruction(t, []message.Frontend{
		&message.Describe{Target: types.DescribeStatement, Name: "s"},
		message.Sync{},
	})

	backend := mock.NewBackend(t).
		ParameterDescription(23).
		NoData().
		Ready(types.TransactionIdle)

	_, err := x.Put(&Group{Messages: backend.Frames()})
	require.NoError(t, err)

	require.Equal(t, Done, x.State())
	params, ok := x.Received()[0].(*message.ParameterDescription)
	require.True(t, ok)
	require.Len(t, params.Types, 1)
	assert.EqualValues(t, 23, params.Types[0])
}

func TestInstructionFlushElicitsNothing(t *testing.T) {
	t.Parallel()

	x, err := NewInstruction([]message.Frontend{
		&message.Parse{Name: "s", Statement: "SELECT 1"},
		message.Flush{},
		message.Sync{},
	})
	require.NoError(t, err)
	x.Sent()

	backend := mock.NewBackend(t).ParseComplete().Ready(types.TransactionIdle)
	_, err = x.Put(&Group{Messages: backend.Frames()})
	require.NoError(t, err)

	require.Equal(t, Done, x.State())
	assert.False(t, x.Fatal())
}

func TestInstructionReverse(t *testing.T) {
	t.Parallel()

	x := newTestInstruction(t, []message.Frontend{
		&message.Parse{Name: "s", Statement: "SELECT 1"},
		message.Sync{},
	})

	backend := mock.NewBackend(t).ParseComplete().Ready(types.TransactionIdle)
	_, err := x.Put(&Group{Messages: backend.Frames()})
	require.NoError(t, err)

	reversed := x.Reverse()
	require.Len(t, reversed, 2)
	_, ok := reversed[0].(*message.ReadyForQuery)
	assert.True(t, ok)
}

func TestInstructionMultipleResultSets(t *testing.T) {
	t.Parallel()

	x := newTestInstruction(t, []message.Frontend{
		&message.Query{Statement: "SELECT 1; SELECT 2"},
	})

	backend := mock.NewBackend(t).
		RowDescription([]string{"?column?"}, []uint32{23}).
		DataRow([]byte("1")).
		CommandComplete("SELECT 1").
		RowDescription([]string{"?column?"}, []uint32{23}).
		DataRow([]byte("2")).
		CommandComplete("SELECT 1").
		Ready(types.TransactionIdle)

	_, err := x.Put(&Group{Messages: backend.Frames()})
	require.NoError(t, err)

	require.Equal(t, Done, x.State())
	require.Len(t, x.Received(), 7)
}

// TestInstructionLeavesTrailingMessages asserts that messages beyond the
// final expected reply stay unconsumed for the next exchange.
func TestInstructionLeavesTrailingMessages(t *testing.T) {
	t.Parallel()

	x := newTestInstruction(t, []message.Frontend{
		&message.Parse{Name: "s", Statement: "SELECT 1"},
		message.Sync{},
	})

	backend := mock.NewBackend(t).
		ParseComplete().
		Ready(types.TransactionIdle).
		Notice("NOTICE", "00000", "next exchange owns this")

	frames := backend.Frames()
	consumed, err := x.Put(&Group{Messages: frames})
	require.NoError(t, err)

	require.Equal(t, Done, x.State())
	assert.Equal(t, 2, consumed)
}

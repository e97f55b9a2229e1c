package wire

import (
	"fmt"

	"github.com/pgfront/pgfront/codes"
	pgerr "github.com/pgfront/pgfront/errors"
	"github.com/pgfront/pgfront/pkg/buffer"
	"github.com/pgfront/pgfront/pkg/message"
	"github.com/pgfront/pgfront/pkg/types"
)

// AsyncHook receives the notice, notification and parameter status messages
// observed while an instruction is mounted. Hooks run inline on the
// connection's step; a panicking hook is reported to UncaughtHandler and
// never aborts the instruction.
type AsyncHook func(message.Backend)

// position addresses a spot inside the command sequence: the command index
// and the validation step within that command.
type position struct {
	command int
	step    int
}

// completedGroup pairs one wire group with the synchronous messages parsed
// out of it. The group handle keys idempotent re-delivery.
type completedGroup struct {
	group    *Group
	messages []message.Backend
}

// Instruction executes a prepared sequence of frontend commands as one unit.
// Backend replies are validated against the per-command hook table; row and
// copy streams are routed through homogeneous fast paths; failures are
// attached as diagnostics without ever raising.
type Instruction struct {
	commands []message.Frontend

	gen  uint64
	msgs []message.Frontend
	dir  Direction
	put  func(group *Group) (int, error)

	completed []completedGroup
	lastGroup *Group
	before    position
	after     position
	asyncSeen map[int]bool

	// draining discards messages until the ready-for-query of the command at
	// the drain position, entered after a recoverable backend error.
	draining bool

	diag  *pgerr.Error
	fatal bool
	err   error
	ready *message.ReadyForQuery

	asyncHook AsyncHook

	// copyIn reports that the instruction awaits copy chunks from the
	// submitter. The submitter feeds chunks through SetMessages and finishes
	// with the prebuilt done sequence; anything else terminates the copy.
	copyIn bool

	// CopyFailSequence and CopyDoneSequence are prebuilt once a copy-in
	// stream is announced: the fail or done marker followed by the remaining
	// commands of the instruction.
	CopyFailSequence []message.Frontend
	CopyDoneSequence []message.Frontend
}

var copyFailMessage = &message.CopyFail{Message: "invalid termination"}

// NewInstruction constructs an instruction out of the given command
// sequence. Every command must be a Query, Function, Parse, Bind, Describe,
// Close, Execute, Sync or Flush message.
func NewInstruction(commands []message.Frontend, opts ...InstructionOption) (*Instruction, error) {
	for _, cmd := range commands {
		if _, has := hooks[cmd.Type()]; !has {
			return nil, fmt.Errorf("unknown command message for the 3.0 protocol: %s", cmd.Type())
		}
	}

	x := &Instruction{
		commands: commands,
		gen:      1,
		msgs:     commands,
		dir:      Sending,
	}
	x.put = x.standardPut

	for _, opt := range opts {
		opt(x)
	}
	return x, nil
}

// InstructionOption configures an instruction at construction.
type InstructionOption func(*Instruction)

// WithAsyncHook installs the sink receiving asynchronous backend messages.
func WithAsyncHook(hook AsyncHook) InstructionOption {
	return func(x *Instruction) {
		x.asyncHook = hook
	}
}

func (x *Instruction) State() Direction             { return x.dir }
func (x *Instruction) Messages() []message.Frontend { return x.msgs }
func (x *Instruction) Generation() uint64           { return x.gen }
func (x *Instruction) Diagnostic() *pgerr.Error     { return x.diag }
func (x *Instruction) Fatal() bool                  { return x.fatal }

// Err returns the underlying socket or parse error attached alongside the
// diagnostic, if any.
func (x *Instruction) Err() error { return x.err }

func (x *Instruction) LastReady() (types.TransactionStatus, bool) {
	if x.ready == nil {
		return 0, false
	}
	return x.ready.Status, true
}

// Completed returns the parsed message groups received so far, in wire
// order.
func (x *Instruction) Completed() [][]message.Backend {
	out := make([][]message.Backend, len(x.completed))
	for i, g := range x.completed {
		out[i] = g.messages
	}
	return out
}

// Received returns all validated messages received so far, flattened in
// wire order.
func (x *Instruction) Received() []message.Backend {
	var out []message.Backend
	for _, g := range x.completed {
		out = append(out, g.messages...)
	}
	return out
}

// Reverse returns the validated messages in last-in-first-out order. Higher
// layers use it to locate the trailing ready or completion tag cheaply.
func (x *Instruction) Reverse() []message.Backend {
	flat := x.Received()
	for i, j := 0, len(flat)-1; i < j; i, j = i+1, j-1 {
		flat[i], flat[j] = flat[j], flat[i]
	}
	return flat
}

// SetMessages replaces the outbound sequence. During a copy-in stream the
// submitter feeds data chunks and finally CopyDoneSequence through here
// before each send.
func (x *Instruction) SetMessages(msgs []message.Frontend) {
	x.msgs = msgs
	x.gen++
}

// CopyIn reports whether the instruction awaits copy-in chunks from the
// submitter.
func (x *Instruction) CopyIn() bool { return x.copyIn }

func (x *Instruction) fail(diag *pgerr.Error, fatal bool) {
	x.diag = diag
	x.fatal = fatal
	if diag != nil {
		x.err = diag.Err
	}
	x.dir = Done
}

// Sent finalizes a fully flushed send.
func (x *Instruction) Sent() {
	if x.copyIn {
		x.sentFromStdin()
		return
	}
	x.standardSent()
}

// standardSent empties the outbound sequence and switches to receiving.
func (x *Instruction) standardSent() {
	x.msgs = nil
	x.gen++
	x.dir = Receiving
	x.put = x.standardPut
	if x.expectsNothing() {
		x.dir = Done
	}
}

// sentFromStdin is the sending continuation of a copy-in stream. After every
// flushed send the outbound sequence resets to the fail sequence; the
// submitter must replace it with the next data chunk or with
// CopyDoneSequence before the next send, otherwise the copy is terminated.
func (x *Instruction) sentFromStdin() {
	if x.sameSequence(x.msgs, x.CopyDoneSequence) || x.sameSequence(x.msgs, x.CopyFailSequence) {
		x.copyIn = false
		x.standardSent()
		return
	}

	x.SetMessages(x.CopyFailSequence)
}

// sameSequence reports whether both slices are the same sequence instance.
// Identity rather than equality matters here: the submitter hands back the
// exact prebuilt done or fail sequence to finish a copy.
func (x *Instruction) sameSequence(a, b []message.Frontend) bool {
	return len(a) > 0 && len(b) > 0 && len(a) == len(b) && &a[0] == &b[0]
}

// expectsNothing reports whether no remaining command elicits a backend
// reply, which only happens for flush-only instructions.
func (x *Instruction) expectsNothing() bool {
	for i := x.after.command; i < len(x.commands); i++ {
		if hooks[x.commands[i].Type()] != nil {
			return false
		}
	}
	return true
}

// Put processes a received group of backend messages through the current
// receive continuation.
func (x *Instruction) Put(group *Group) (int, error) {
	return x.put(group)
}

// standardPut validates the group against the hook table, advancing through
// commands and steps. Re-delivery of the same group replays from the cursor
// recorded before its first application.
func (x *Instruction) standardPut(group *Group) (int, error) {
	var pos position
	if group == x.lastGroup {
		// A retried group replays from the recorded cursor; the asyncs seen
		// on the first application stay recorded so the hook does not fire
		// twice.
		pos = x.before
	} else {
		pos = x.after
		x.asyncSeen = nil
	}

	var processed []message.Backend
	count := 0
	complete := false

	steps := x.currentSteps(&pos)
	if steps == nil && !x.draining {
		// Nothing left to validate.
		complete = true
	}

loop:
	for i, raw := range group.Messages {
		if complete {
			break
		}
		count++

		if x.draining {
			done, err := x.drain(i, raw, &pos, &processed)
			if err != nil {
				return 0, err
			}
			if x.dir == Done {
				return count, nil
			}
			if done {
				if steps = x.currentSteps(&pos); steps == nil {
					complete = true
				}
			}
			continue
		}

		entry, ok := hookEntry{}, false
		if pos.step < len(steps) {
			entry, ok = steps[pos.step][raw.Type]
		}

		if !ok {
			switch {
			case raw.Type == types.BackendErrorResponse:
				if err := x.serverError(raw, &pos); err != nil {
					return 0, err
				}
				if x.dir == Done {
					return count, nil
				}

			case isAsync(raw.Type):
				if err := x.deliverAsync(i, raw); err != nil {
					return 0, err
				}

			default:
				x.protocolViolation(steps, pos, raw.Type)
				return count, nil
			}
			continue
		}

		parsed, err := message.Decode(raw)
		if err != nil {
			return 0, err
		}
		processed = append(processed, parsed)

		if entry.next != stepDone {
			pos.step = entry.next
			continue
		}

		pos.step = 0
		if ready, ok := parsed.(*message.ReadyForQuery); ok {
			x.ready = ready
		}

		// Done with the current command; advance past any commands that
		// elicit no reply.
		if steps = x.advance(&pos); steps == nil {
			complete = true
			break loop
		}
	}

	if len(x.completed) == 0 || x.completed[len(x.completed)-1].group != group {
		x.completed = append(x.completed, completedGroup{group: group, messages: processed})
	}

	x.lastGroup = group
	x.before = x.after
	x.after = pos

	if complete {
		x.dir = Done
		return count, nil
	}

	x.maybeFastPath(pos, processed)
	return count, nil
}

// currentSteps returns the validation table of the command at the given
// position, advancing past commands without one. A nil result means the
// instruction has validated its final reply.
func (x *Instruction) currentSteps(pos *position) hookSteps {
	for pos.command < len(x.commands) {
		if steps := hooks[x.commands[pos.command].Type()]; steps != nil {
			return steps
		}
		pos.command++
	}
	return nil
}

// advance moves the position to the next command that expects a reply.
func (x *Instruction) advance(pos *position) hookSteps {
	pos.command++
	pos.step = 0
	return x.currentSteps(pos)
}

// serverError records a backend error response. Fatal severities complete
// the instruction; recoverable errors resynchronize on the next sync
// boundary, or on the implicit ready of a simple query or function call.
func (x *Instruction) serverError(raw buffer.Raw, pos *position) error {
	parsed, err := message.Decode(raw)
	if err != nil {
		return err
	}

	diag := parsed.(*message.ErrorResponse).Diag
	x.diag = diag
	x.fatal = diag.Fatal()
	if x.fatal {
		// No resynchronizing on a dead connection.
		x.dir = Done
		return nil
	}

	cmd := x.commands[pos.command].Type()
	if cmd != types.FrontendSimpleQuery && cmd != types.FrontendFunction {
		// Scan forward to the next sync; the backend discards the pipeline
		// up to it and acknowledges with ready.
		sync := -1
		for i := pos.command; i < len(x.commands); i++ {
			if x.commands[i].Type() == types.FrontendSync {
				sync = i
				break
			}
		}
		if sync == -1 {
			x.dir = Done
			return nil
		}
		pos.command = sync
	}

	pos.step = 0
	x.draining = true
	return nil
}

// drain silently discards messages until the ready-for-query acknowledging
// the drain position is observed.
func (x *Instruction) drain(i int, raw buffer.Raw, pos *position, processed *[]message.Backend) (bool, error) {
	switch {
	case raw.Type == types.BackendReady:
		parsed, err := message.Decode(raw)
		if err != nil {
			return false, err
		}

		ready := parsed.(*message.ReadyForQuery)
		*processed = append(*processed, ready)
		x.ready = ready
		x.draining = false
		pos.command++
		pos.step = 0
		return true, nil

	case raw.Type == types.BackendErrorResponse:
		parsed, err := message.Decode(raw)
		if err != nil {
			return false, err
		}

		diag := parsed.(*message.ErrorResponse).Diag
		x.diag = diag
		x.fatal = diag.Fatal()
		if x.fatal {
			x.dir = Done
		}
		return false, nil

	case isAsync(raw.Type):
		return false, x.deliverAsync(i, raw)

	default:
		return false, nil
	}
}

// deliverAsync forwards an asynchronous message to the hook exactly once
// per group position, surviving re-delivery of the same group.
func (x *Instruction) deliverAsync(i int, raw buffer.Raw) error {
	if x.asyncSeen[i] {
		return nil
	}

	parsed, err := message.Decode(raw)
	if err != nil {
		return err
	}

	if x.asyncSeen == nil {
		x.asyncSeen = make(map[int]bool)
	}
	x.asyncSeen[i] = true

	if x.asyncHook != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					UncaughtHandler(r)
				}
			}()
			x.asyncHook(parsed)
		}()
	}
	return nil
}

// protocolViolation completes the instruction fatally on an unexpected
// message type.
func (x *Instruction) protocolViolation(steps hookSteps, pos position, got types.BackendMessage) {
	expected := make([]string, 0, 4)
	if pos.step < len(steps) {
		for t := range steps[pos.step] {
			expected = append(expected, t.String())
		}
	}

	x.fail(pgerr.NewClient(codes.ProtocolViolation, pgerr.LevelFatal, fmt.Sprintf(
		"expected message of types %v, but received %s instead", expected, got,
	)), true)
}

// maybeFastPath switches the receive continuation to a specialized bulk
// processor when the tail of the group announces a homogeneous stream.
func (x *Instruction) maybeFastPath(pos position, processed []message.Backend) {
	if len(processed) == 0 {
		return
	}

	cmd := x.commands[pos.command].Type()
	if cmd != types.FrontendExecute && cmd != types.FrontendSimpleQuery {
		return
	}

	switch processed[len(processed)-1].(type) {
	case *message.CopyData, *message.CopyOutResponse:
		x.put = x.putCopyData
	case *message.DataRow:
		x.put = x.putTupleData
	case *message.CopyInResponse:
		rest := x.commands[pos.command+1:]
		x.CopyFailSequence = append([]message.Frontend{copyFailMessage}, rest...)
		x.CopyDoneSequence = append([]message.Frontend{message.CopyDone{}}, rest...)
		x.copyIn = true
		x.dir = Sending
	}
}

// putCopyData is the copy-out fast path: a group consisting solely of copy
// data chunks is stored without stepping the hook table. Mixed groups
// revert to the standard path and replay.
func (x *Instruction) putCopyData(group *Group) (int, error) {
	msgs := group.Messages
	if len(msgs) == 0 || msgs[len(msgs)-1].Type != types.BackendCopyData {
		x.put = x.standardPut
		return x.standardPut(group)
	}

	lines := make([]message.Backend, 0, len(msgs))
	for _, raw := range msgs {
		if raw.Type != types.BackendCopyData {
			x.put = x.standardPut
			return x.standardPut(group)
		}
		lines = append(lines, &message.CopyData{Data: raw.Payload})
	}

	x.record(group, lines)
	return len(msgs), nil
}

// putTupleData is the row-data fast path used inside an execute command or
// the row data of a simple query.
func (x *Instruction) putTupleData(group *Group) (int, error) {
	msgs := group.Messages
	if len(msgs) == 0 || msgs[len(msgs)-1].Type != types.BackendDataRow {
		x.put = x.standardPut
		return x.standardPut(group)
	}

	rows := make([]message.Backend, 0, len(msgs))
	for _, raw := range msgs {
		if raw.Type != types.BackendDataRow {
			x.put = x.standardPut
			return x.standardPut(group)
		}

		parsed, err := message.Decode(raw)
		if err != nil {
			return 0, err
		}
		rows = append(rows, parsed)
	}

	x.record(group, rows)
	return len(msgs), nil
}

// record appends a fast-path group to the completed list, skipping groups
// that have been recorded already, and leaves the command cursor untouched.
func (x *Instruction) record(group *Group, msgs []message.Backend) {
	if len(x.completed) == 0 || x.completed[len(x.completed)-1].group != group {
		x.completed = append(x.completed, completedGroup{group: group, messages: msgs})
	}

	x.lastGroup = group
	x.before = x.after
}

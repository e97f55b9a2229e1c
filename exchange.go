// Package wire implements the client side of the PostgreSQL wire protocol,
// version 3.0. The package contains the protocol core only: message framing,
// connection negotiation and the instruction state machine validating
// pipelined command responses. Higher level abstractions such as cursors,
// prepared statement objects and transactions are expected to be built on
// top of the exchanged primitives.
package wire

import (
	"log/slog"

	"github.com/pgfront/pgfront/codes"
	pgerr "github.com/pgfront/pgfront/errors"
	"github.com/pgfront/pgfront/pkg/buffer"
	"github.com/pgfront/pgfront/pkg/message"
	"github.com/pgfront/pgfront/pkg/types"
)

// Direction represents the wire direction an exchange is currently driving.
type Direction int

const (
	// Sending indicates that the exchange holds outbound messages waiting to
	// be flushed onto the socket.
	Sending Direction = iota
	// Receiving indicates that the exchange awaits backend messages.
	Receiving
	// Done indicates that the exchange accepts no more bytes in either
	// direction.
	Done
)

// Group is a single batch of frames read off the wire. Groups are handed to
// the mounted exchange as a unit; their pointer identity keys the idempotent
// re-delivery and async de-duplication bookkeeping.
type Group struct {
	Messages []buffer.Raw
}

// Exchange is a unit of protocol work mounted on a connection: the startup
// negotiation, an instruction, or the terminal closing sentinel. Exchanges
// never panic and never surface protocol failures as errors; failures are
// attached as a diagnostic and the exchange completes.
type Exchange interface {
	// State returns the direction the exchange is currently driving.
	State() Direction
	// Messages returns the outbound sequence while the exchange is Sending.
	Messages() []message.Frontend
	// Generation increments every time the outbound sequence is replaced,
	// letting the connection detect messages it has not serialized yet.
	Generation() uint64
	// Sent finalizes a fully flushed send and advances the exchange state.
	Sent()
	// Put processes a received group and returns the number of messages
	// consumed. Unconsumed messages belong to the next mounted exchange.
	// An error indicates corrupt wire data; the caller attaches it as a
	// fatal protocol violation.
	Put(group *Group) (int, error)
	// Diagnostic returns the attached failure, if any.
	Diagnostic() *pgerr.Error
	// Fatal reports whether the attached failure marks the connection
	// unrecoverable.
	Fatal() bool
	// LastReady returns the most recently observed backend transaction
	// status, if any was observed.
	LastReady() (types.TransactionStatus, bool)

	// fail attaches a failure and completes the exchange.
	fail(diag *pgerr.Error, fatal bool)
}

// UncaughtHandler receives panics recovered from user supplied async hooks.
// A panicking hook never aborts the instruction it interrupted; the value is
// reported here and processing continues.
var UncaughtHandler = func(recovered any) {
	slog.Default().Error("async hook panicked", slog.Any("recovered", recovered))
}

// closingDiagnostic is reported by every operation attempted after the
// connection reached its terminal state.
func closingDiagnostic() *pgerr.Error {
	diag := pgerr.NewClient(codes.ConnectionDoesNotExist, pgerr.LevelFatal, "operation on closed connection")
	diag.Hint = "A new connection needs to be created in order to query the server."
	return diag
}

// closing is the sentinel exchange mounted once a connection is shut down.
// It sends the terminate message when a socket is still available and
// reports every later interaction as an operation on a closed connection.
type closing struct {
	gen  uint64
	msgs []message.Frontend
	diag *pgerr.Error
	done bool
}

func newClosing() *closing {
	return &closing{
		gen:  1,
		msgs: []message.Frontend{message.Terminate{}},
		diag: closingDiagnostic(),
	}
}

func (c *closing) State() Direction {
	if c.done {
		return Done
	}
	return Sending
}

func (c *closing) Messages() []message.Frontend { return c.msgs }
func (c *closing) Generation() uint64           { return c.gen }

func (c *closing) Sent() {
	c.msgs = nil
	c.gen++
	c.done = true
}

func (c *closing) Put(group *Group) (int, error) {
	return len(group.Messages), nil
}

func (c *closing) Diagnostic() *pgerr.Error                   { return c.diag }
func (c *closing) Fatal() bool                                { return true }
func (c *closing) LastReady() (types.TransactionStatus, bool) { return 0, false }

func (c *closing) fail(diag *pgerr.Error, fatal bool) {
	c.done = true
}

package wire

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/pgfront/pgfront/codes"
	pgerr "github.com/pgfront/pgfront/errors"
	"github.com/pgfront/pgfront/pkg/buffer"
	"github.com/pgfront/pgfront/pkg/message"
	"github.com/pgfront/pgfront/pkg/types"
)

// SSLMode selects how the connection treats the SSL negotiation byte
// exchange during connect.
type SSLMode int

const (
	// SSLDisabled skips the negotiation and runs in cleartext.
	SSLDisabled SSLMode = iota
	// SSLOpportunistic attempts the negotiation and continues in cleartext
	// when the backend declines.
	SSLOpportunistic
	// SSLRequired attempts the negotiation and fails the connection when the
	// backend declines.
	SSLRequired
)

// SSLNegotiation records the outcome of the SSL byte exchange.
type SSLNegotiation int

const (
	// SSLNotAttempted means no negotiation took place.
	SSLNotAttempted SSLNegotiation = iota
	// SSLSecured means the backend accepted and the socket is wrapped.
	SSLSecured
	// SSLCleartext means the backend declined and the socket stayed plain.
	SSLCleartext
)

// defaultRecvSize is the read chunk size handed to the socket.
const defaultRecvSize = 2048

// Conn shuttles bytes between the socket and the mounted exchange. It owns
// the socket, the inbound stream buffer and the outbound byte queue, and
// delegates all protocol semantics to the negotiation or instruction
// currently mounted. At most one exchange is mounted at a time; a fatally
// failed exchange stays mounted so that later callers observe the same
// failure.
type Conn struct {
	logger  *slog.Logger
	factory SocketFactory

	neg *Negotiation
	x   Exchange

	socket    net.Conn
	connected bool
	ssl       SSLNegotiation

	stream     buffer.Stream
	rbuf       []byte
	read       []buffer.Raw
	group      *Group
	pending    []byte
	writtenGen uint64

	status     types.TransactionStatus
	backendPID uint32
	backendKey uint32

	dropStatements []string
	dropPortals    []string

	tracer io.Writer
}

// NewConn initializes a connection around the given socket factory and
// startup packet. The connection is not established until Connect is called.
func NewConn(factory SocketFactory, startup *message.Startup, password []byte, opts ...OptionFn) *Conn {
	conn := &Conn{
		logger:  slog.Default(),
		factory: factory,
		neg:     NewNegotiation(startup, password),
		rbuf:    make([]byte, defaultRecvSize),
	}
	conn.x = conn.neg

	for _, opt := range opts {
		opt(conn)
	}
	return conn
}

// Negotiation returns the startup exchange, holding the negotiation outcome
// and any failure attached during Connect.
func (c *Conn) Negotiation() *Negotiation { return c.neg }

// Current returns the mounted exchange, if any.
func (c *Conn) Current() Exchange { return c.x }

// TransactionStatus returns the backend transaction state as of the most
// recently observed ready-for-query.
func (c *Conn) TransactionStatus() types.TransactionStatus { return c.status }

// BackendPID returns the backend process ID captured during negotiation.
func (c *Conn) BackendPID() uint32 { return c.backendPID }

// BackendKey returns the cancellation key captured during negotiation.
func (c *Conn) BackendKey() uint32 { return c.backendKey }

// SSL returns the outcome of the SSL negotiation byte exchange.
func (c *Conn) SSL() SSLNegotiation { return c.ssl }

// Connect establishes the connection: socket creation, the optional SSL
// byte exchange and the startup negotiation. Failures never surface as
// errors; they are attached to the negotiation exchange for the caller to
// inspect.
func (c *Conn) Connect(mode SSLMode, timeout time.Duration) {
	if c.connected {
		return
	}
	c.connected = true

	sock, err := c.factory.Create(timeout)
	if err != nil {
		c.connectFailed(err, timeout)
		return
	}
	c.socket = sock

	if mode != SSLDisabled && !c.negotiateSSL(mode, timeout) {
		return
	}

	c.logger.Debug("starting negotiation")
	c.Complete()

	neg := c.neg
	if neg.State() == Done && !neg.Fatal() && neg.KeyData != nil {
		c.backendPID = neg.KeyData.PID
		c.backendKey = neg.KeyData.Key
		return
	}
	if neg.Diagnostic() == nil {
		c.closeSocket()
		neg.fail(pgerr.NewClient(codes.Uncategorized, pgerr.LevelFatal, "failed to complete negotiation"), true)
	}
}

// connectFailed attaches a synthetic fatal diagnostic distinguishing a
// connect timeout from a refused or unreachable server.
func (c *Conn) connectFailed(err error, timeout time.Duration) {
	c.socket = nil

	var diag *pgerr.Error
	if c.factory.IsTimeout(err) {
		diag = pgerr.NewClient(codes.ConnectTimeout, pgerr.LevelFatal, fmt.Sprintf("connect timed out (%s)", timeout))
	} else {
		msg, _ := c.factory.FatalMessage(err)
		if msg == "" {
			msg = err.Error()
		}
		diag = pgerr.NewClient(codes.SQLserverRejectedEstablishmentOfSQLconnection, pgerr.LevelFatal, msg)
	}
	diag.Err = err
	c.x.fail(diag, true)
}

// negotiateSSL performs the single byte SSL handshake. The SSL request
// packet is written and the backend answers with 'S' to proceed to TLS, 'N'
// to continue in cleartext, or anything else when it is not a PostgreSQL
// server at all.
func (c *Conn) negotiateSSL(mode SSLMode, timeout time.Duration) bool {
	blob, err := message.Join([]message.Frontend{message.SSLRequest{}})
	if err != nil {
		c.connectFailed(err, timeout)
		return false
	}

	for len(blob) > 0 {
		n, err := c.socket.Write(blob)
		if err != nil {
			c.closeSocket()
			c.connectFailed(err, timeout)
			return false
		}
		blob = blob[n:]
	}

	var status [1]byte
	if _, err := io.ReadFull(c.socket, status[:]); err != nil {
		c.closeSocket()
		c.connectFailed(err, timeout)
		return false
	}

	switch status[0] {
	case 'S':
		c.ssl = SSLSecured
		secured, err := c.factory.Secure(c.socket)
		if err != nil {
			c.closeSocket()
			diag := pgerr.NewClient(codes.Insecurity, pgerr.LevelFatal, "SSL negotiation caused exception")
			diag.Err = err
			c.x.fail(diag, true)
			return false
		}
		c.socket = secured
		return true

	case 'N':
		c.ssl = SSLCleartext
		if mode == SSLRequired {
			c.closeSocket()
			c.x.fail(pgerr.NewClient(codes.Insecurity, pgerr.LevelFatal,
				"SSL was required, and the server could not accommodate"), true)
			return false
		}
		return true

	default:
		c.closeSocket()
		diag := pgerr.NewClient(codes.ProtocolViolation, pgerr.LevelFatal, "server did not support SSL negotiation")
		diag.Hint = "The server is probably not PostgreSQL."
		c.x.fail(diag, true)
		return false
	}
}

// Push mounts the given exchange. A still mounted exchange is completed
// first and any queued resource closures are flushed, so the backend
// reclaims dropped statements and portals before new work starts.
func (c *Conn) Push(x Exchange) {
	if x.State() == Done {
		return
	}

	if c.x != nil {
		c.Complete()
		if c.x != nil {
			// The retained exchange failed fatally; the connection is pinned.
			x.fail(closingDiagnostic(), true)
			return
		}
	}

	if len(c.dropPortals)+len(c.dropStatements) > 0 {
		c.flushResources()
		if c.x != nil {
			x.fail(closingDiagnostic(), true)
			return
		}
	}

	c.x = x
	c.writtenGen = 0
	_ = c.Step()
}

// QueuePortalClose schedules a server side portal for closure before the
// next exchange is mounted.
func (c *Conn) QueuePortalClose(name string) {
	c.dropPortals = append(c.dropPortals, name)
}

// QueueStatementClose schedules a server side prepared statement for closure
// before the next exchange is mounted.
func (c *Conn) QueueStatementClose(name string) {
	c.dropStatements = append(c.dropStatements, name)
}

// FlushResources immediately releases all queued statement and portal
// closures. The same flush runs implicitly before every mount.
func (c *Conn) FlushResources() {
	if len(c.dropPortals)+len(c.dropStatements) == 0 {
		return
	}
	if c.x != nil {
		c.Complete()
		if c.x != nil {
			return
		}
	}
	c.flushResources()
}

// flushResources runs a synthesized instruction closing the queued names.
// The queue is snapshotted so that names appended while the flush runs stay
// queued for the next one.
func (c *Conn) flushResources() {
	portals, statements := c.dropPortals, c.dropStatements

	cmds := make([]message.Frontend, 0, len(portals)+len(statements)+1)
	for _, name := range portals {
		cmds = append(cmds, &message.Close{Target: types.ClosePortal, Name: name})
	}
	for _, name := range statements {
		cmds = append(cmds, &message.Close{Target: types.CloseStatement, Name: name})
	}
	cmds = append(cmds, message.Sync{})

	x, err := NewInstruction(cmds)
	if err != nil {
		return
	}

	c.dropPortals = c.dropPortals[len(portals):]
	c.dropStatements = c.dropStatements[len(statements):]

	c.logger.Debug("flushing queued resource closures",
		slog.Int("portals", len(portals)), slog.Int("statements", len(statements)))

	c.x = x
	c.writtenGen = 0
	c.Complete()
}

// Step performs exactly one wire transition on the mounted exchange: one
// send attempt or one receive attempt. A try-again classified socket error
// counts as a transition; fatal socket errors are attached to the exchange
// and complete it. The returned error only reports conditions the socket
// factory declined to classify, or corrupt wire data; the caller decides
// whether to retry or give up.
func (c *Conn) Step() error {
	x := c.x
	if x == nil {
		return nil
	}

	switch x.State() {
	case Sending:
		flushed, err := c.writeMessages(x)
		if err != nil {
			if c.factory.IsTryAgain(err) {
				return nil
			}
			return err
		}
		if flushed {
			x.Sent()
		}

	case Receiving:
		if len(c.read) == 0 {
			ok, err := c.readInto(x)
			if err != nil {
				if c.factory.IsTryAgain(err) {
					return nil
				}
				return err
			}
			if !ok {
				break
			}

			msgs, err := c.stream.Read()
			if err != nil {
				return err
			}

			c.logger.Debug("<- incoming messages", slog.Int("count", len(msgs)))
			c.traceIncoming(msgs)
			c.read = msgs
		}

		if len(c.read) > 0 {
			if c.group == nil {
				c.group = &Group{Messages: c.read}
			}
			consumed, err := x.Put(c.group)
			if err != nil {
				return err
			}

			c.group = nil
			c.read = c.read[consumed:]
			if len(c.read) == 0 {
				c.read = nil
			}
			if status, ok := x.LastReady(); ok {
				c.status = status
			}
		}
	}

	if x.State() == Done && !x.Fatal() {
		c.x = nil
	}
	return nil
}

// Complete loops Step until the mounted exchange reaches its terminal
// state. Unclassified errors, including corrupt wire data, are attached to
// the exchange as a fatal protocol violation; Complete itself never fails.
func (c *Conn) Complete() {
	x := c.x
	if x == nil {
		return
	}

	for x.State() != Done {
		if err := c.Step(); err != nil {
			// The decorations applied by the framing and catalog layers
			// carry the code, severity, hint and detail of the failure.
			diag := pgerr.Flatten(fmt.Errorf("wire data caused an exception in the protocol exchange: %w", err))
			if !diag.Fatal() {
				diag.Severity = pgerr.LevelFatal
			}
			if diag.Code == codes.Uncategorized {
				diag.Code = codes.ProtocolViolation
			}
			if diag.Hint == "" {
				diag.Hint = "Protocol error detected."
			}
			x.fail(diag, true)
			c.status = 0
			return
		}
	}

	if status, ok := x.LastReady(); ok {
		c.status = status
	}
	if !x.Fatal() {
		c.x = nil
	}
}

// Synchronize completes the mounted exchange, then runs a bare sync
// instruction forcing the backend back to a known ready state.
func (c *Conn) Synchronize() {
	if c.x != nil {
		c.Complete()
	}

	x, err := NewInstruction([]message.Frontend{message.Sync{}})
	if err != nil {
		return
	}
	c.Push(x)
	c.Complete()
}

// Interrupt opens an independent socket and sends a cancel request for the
// query currently running on the backend. The primary socket and its
// buffers are never touched, making it safe to call concurrently with Step
// or Complete.
func (c *Conn) Interrupt(timeout time.Duration) error {
	blob, err := message.Join([]message.Frontend{
		&message.CancelRequest{PID: c.backendPID, Key: c.backendKey},
	})
	if err != nil {
		return err
	}

	sock, err := c.factory.Create(timeout)
	if err != nil {
		return err
	}
	defer sock.Close()

	for len(blob) > 0 {
		n, err := sock.Write(blob)
		if err != nil {
			return err
		}
		blob = blob[n:]
	}
	return nil
}

// Close sends the terminate message best-effort, closes the socket and pins
// the closing sentinel so that every later mount reports an operation on a
// closed connection.
func (c *Conn) Close() {
	sentinel := newClosing()

	if c.socket != nil && (c.x == nil || !c.x.Fatal()) {
		c.x = sentinel
		c.writtenGen = 0
		c.Complete()
	} else {
		sentinel.done = true
		c.x = sentinel
	}

	c.closeSocket()
}

// closeSocket closes the socket exactly once.
func (c *Conn) closeSocket() {
	if c.socket == nil {
		return
	}
	_ = c.socket.Close()
	c.socket = nil
}

// writeMessages serializes any messages the exchange has not handed over
// yet and flushes the outbound byte queue. The queue may flush partially;
// the next call resumes from the unflushed suffix.
func (c *Conn) writeMessages(x Exchange) (bool, error) {
	if gen := x.Generation(); gen != c.writtenGen {
		blob, err := c.serialize(x.Messages())
		if err != nil {
			return false, err
		}

		c.logger.Debug("-> writing messages", slog.Int("bytes", len(blob)))
		c.pending = append(c.pending, blob...)
		c.writtenGen = gen
	}

	for len(c.pending) > 0 {
		n, err := c.socket.Write(c.pending)
		c.pending = c.pending[n:]
		if err != nil {
			if msg, fatal := c.factory.FatalMessage(err); fatal {
				c.closeSocket()
				diag := pgerr.NewClient(codes.ConnectionFailure, pgerr.LevelFatal, msg)
				diag.Err = err
				x.fail(diag, true)
				return false, nil
			}
			return false, err
		}
	}
	return true, nil
}

// serialize concatenates the outbound messages into one blob, tracing each
// message when a tracer is installed.
func (c *Conn) serialize(msgs []message.Frontend) ([]byte, error) {
	if c.tracer == nil {
		return message.Join(msgs)
	}

	var out []byte
	for _, msg := range msgs {
		blob, err := message.Join([]message.Frontend{msg})
		if err != nil {
			return nil, err
		}

		if t := msg.Type(); t != 0 {
			fmt.Fprintf(c.tracer, "↑ %s(%d): %q\n", t, len(blob), blob)
		} else {
			fmt.Fprintf(c.tracer, "↑ __(%d): %q\n", len(blob), blob)
		}
		out = append(out, blob...)
	}
	return out, nil
}

// traceIncoming writes one arrowed line per received frame to the tracer.
func (c *Conn) traceIncoming(msgs []buffer.Raw) {
	if c.tracer == nil {
		return
	}
	for _, raw := range msgs {
		fmt.Fprintf(c.tracer, "↓ %s(%d): %q\n", raw.Type, len(raw.Payload), raw.Payload)
	}
}

// readInto reads socket data into the stream buffer until at least one
// complete frame is available. Fatal socket errors and an unexpected EOF
// close the socket and complete the exchange; the returned boolean reports
// whether a frame is available.
func (c *Conn) readInto(x Exchange) (bool, error) {
	for !c.stream.HasMessage() {
		n, err := c.socket.Read(c.rbuf)
		if n > 0 {
			c.stream.Write(c.rbuf[:n])
			continue
		}
		if err == nil {
			err = io.EOF
		}

		if err == io.EOF {
			c.closeSocket()
			diag := pgerr.NewClient(codes.ConnectionFailure, pgerr.LevelFatal, "unexpected EOF from server")
			diag.Detail = "Zero-length read from the connection's socket."
			diag.Err = err
			x.fail(diag, true)
			return false, nil
		}

		if msg, fatal := c.factory.FatalMessage(err); fatal {
			c.closeSocket()
			diag := pgerr.NewClient(codes.ConnectionFailure, pgerr.LevelFatal, msg)
			diag.Detail = "fatal socket error"
			diag.Err = err
			x.fail(diag, true)
			return false, nil
		}
		return false, err
	}
	return true, nil
}

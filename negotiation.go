package wire

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/pgfront/pgfront/codes"
	pgerr "github.com/pgfront/pgfront/errors"
	"github.com/pgfront/pgfront/internal/descrypt"
	"github.com/pgfront/pgfront/pkg/buffer"
	"github.com/pgfront/pgfront/pkg/message"
	"github.com/pgfront/pgfront/pkg/types"
)

// negotiationState enumerates the fixed steps of the startup sequence. The
// set is small enough that an explicit machine beats cleverer constructs.
type negotiationState int

const (
	// negotiateAuth awaits the first authentication message following the
	// startup packet.
	negotiateAuth negotiationState = iota
	// negotiateAuthOK awaits the authentication OK acknowledging the
	// password response.
	negotiateAuthOK
	// negotiateKeyData awaits the backend key data used by out-of-band
	// cancellation.
	negotiateKeyData
	// negotiateReady awaits the first ready-for-query.
	negotiateReady
	// negotiateDone is terminal.
	negotiateDone
)

// Negotiation drives the initial stage of a connection: startup packet,
// optional authentication challenge, backend key data and the first
// ready-for-query. Asynchronous messages observed along the way collect into
// Asyncs without advancing the machine.
type Negotiation struct {
	startup  *message.Startup
	password []byte

	// AuthType is the first authentication message received; AuthOK the one
	// carrying the OK request. Both may point at the same message when the
	// backend required no password.
	AuthType *message.Authentication
	AuthOK   *message.Authentication
	KeyData  *message.BackendKeyData
	Ready    *message.ReadyForQuery
	Asyncs   []message.Backend

	state     negotiationState
	dir       Direction
	gen       uint64
	msgs      []message.Frontend
	diag      *pgerr.Error
	fatal     bool
	lastGroup *Group
}

// NewNegotiation constructs the negotiation exchange for the given startup
// packet. The password bytes are consumed as-is; prompting and password
// resolution are up to the caller.
func NewNegotiation(startup *message.Startup, password []byte) *Negotiation {
	return &Negotiation{
		startup:  startup,
		password: password,
		gen:      1,
		msgs:     []message.Frontend{startup},
		dir:      Sending,
	}
}

func (n *Negotiation) State() Direction             { return n.dir }
func (n *Negotiation) Messages() []message.Frontend { return n.msgs }
func (n *Negotiation) Generation() uint64           { return n.gen }
func (n *Negotiation) Diagnostic() *pgerr.Error     { return n.diag }
func (n *Negotiation) Fatal() bool                  { return n.fatal }

func (n *Negotiation) LastReady() (types.TransactionStatus, bool) {
	if n.Ready == nil {
		return 0, false
	}
	return n.Ready.Status, true
}

func (n *Negotiation) fail(diag *pgerr.Error, fatal bool) {
	n.diag = diag
	n.fatal = fatal
	n.dir = Done
}

// Sent finalizes the sending state and switches the exchange to receiving.
func (n *Negotiation) Sent() {
	n.msgs = nil
	n.gen++
	n.dir = Receiving
}

// send queues the given outbound sequence and switches back to sending.
func (n *Negotiation) send(msgs ...message.Frontend) {
	n.msgs = msgs
	n.gen++
	n.dir = Sending
}

// Put processes a received group of backend messages. Error responses
// complete the negotiation fatally; asynchronous messages collect into
// Asyncs; everything else advances the state machine.
func (n *Negotiation) Put(group *Group) (int, error) {
	if group == n.lastGroup {
		n.fail(pgerr.NewClient(codes.ProtocolViolation, pgerr.LevelFatal, "negotiation was interrupted"), true)
		return 0, nil
	}
	n.lastGroup = group

	count := 0
	for _, raw := range group.Messages {
		count++

		if raw.Type == types.BackendErrorResponse {
			parsed, err := message.Decode(raw)
			if err != nil {
				return count, err
			}

			n.diag = parsed.(*message.ErrorResponse).Diag
			n.fatal = true
			n.dir = Done
			return count, nil
		}

		if isAsync(raw.Type) {
			parsed, err := message.Decode(raw)
			if err != nil {
				return count, err
			}

			n.Asyncs = append(n.Asyncs, parsed)
			continue
		}

		done, err := n.step(raw)
		if err != nil {
			return count, err
		}
		if done || n.dir != Receiving {
			return count, nil
		}
	}
	return count, nil
}

// step feeds a single synchronous message into the state machine. The
// returned boolean indicates that the negotiation reached a terminal state.
func (n *Negotiation) step(raw buffer.Raw) (bool, error) {
	switch n.state {
	case negotiateAuth, negotiateAuthOK:
		if raw.Type != types.BackendAuth {
			n.unexpected(raw.Type, types.BackendAuth)
			return true, nil
		}

		parsed, err := message.Decode(raw)
		if err != nil {
			return false, err
		}
		auth := parsed.(*message.Authentication)

		if n.state == negotiateAuthOK {
			if auth.Request != types.AuthRequestOK {
				n.fail(pgerr.NewClient(codes.ProtocolViolation, pgerr.LevelFatal, fmt.Sprintf(
					"expected an OK from the authentication message, but received %s(%d) instead",
					auth.Request, auth.Request,
				)), true)
				return true, nil
			}
			n.AuthOK = auth
			n.state = negotiateKeyData
			return false, nil
		}

		n.AuthType = auth
		if auth.Request == types.AuthRequestOK {
			n.AuthOK = auth
			n.state = negotiateKeyData
			return false, nil
		}

		pw, ok := n.passwordResponse(auth)
		if !ok {
			return true, nil
		}
		n.state = negotiateAuthOK
		n.send(&message.Password{Data: pw})
		return false, nil

	case negotiateKeyData:
		if raw.Type != types.BackendKeyData {
			n.unexpected(raw.Type, types.BackendKeyData)
			return true, nil
		}

		parsed, err := message.Decode(raw)
		if err != nil {
			return false, err
		}
		n.KeyData = parsed.(*message.BackendKeyData)
		n.state = negotiateReady
		return false, nil

	case negotiateReady:
		if raw.Type != types.BackendReady {
			n.unexpected(raw.Type, types.BackendReady)
			return true, nil
		}

		parsed, err := message.Decode(raw)
		if err != nil {
			return false, err
		}
		n.Ready = parsed.(*message.ReadyForQuery)
		n.state = negotiateDone
		n.dir = Done
		return true, nil

	default:
		n.unexpected(raw.Type, types.BackendReady)
		return true, nil
	}
}

// passwordResponse computes the password reply for the requested exchange.
// Exchanges outside of cleartext, crypt and MD5 are refused.
func (n *Negotiation) passwordResponse(auth *message.Authentication) ([]byte, bool) {
	switch auth.Request {
	case types.AuthRequestCleartext:
		return n.password, true
	case types.AuthRequestCrypt:
		return descrypt.Crypt(n.password, auth.Salt), true
	case types.AuthRequestMD5:
		inner := md5.Sum(append(append([]byte{}, n.password...), n.startup.User()...))
		hexed := []byte(hex.EncodeToString(inner[:]))
		outer := md5.Sum(append(hexed, auth.Salt...))
		return append([]byte("md5"), hex.EncodeToString(outer[:])...), true
	default:
		diag := pgerr.NewClient(codes.UnsupportedAuthentication, pgerr.LevelFatal, fmt.Sprintf(
			"unsupported authentication request %s(%d)", auth.Request, auth.Request,
		))
		diag.Hint = "only MD5, crypt, cleartext, and trust are supported"
		n.fail(diag, true)
		return nil, false
	}
}

// unexpected fails the negotiation with a protocol violation naming the
// expected message type.
func (n *Negotiation) unexpected(got, want types.BackendMessage) {
	n.fail(pgerr.NewClient(codes.ProtocolViolation, pgerr.LevelFatal, fmt.Sprintf(
		"received message of type %s, but expected %s", got, want,
	)), true)
}

package wire

import (
	"crypto/tls"
	"errors"
	"net"
	"os"
	"syscall"
	"time"
)

// SocketFactory creates and secures the sockets a connection runs on, and
// classifies the errors they produce. The connection itself never inspects
// error values directly; all classification goes through the factory so that
// callers can attach any transport with its own error taxonomy.
type SocketFactory interface {
	// Create opens a fresh socket to the backend. The timeout bounds the
	// whole connection attempt; a zero timeout means no bound.
	Create(timeout time.Duration) (net.Conn, error)
	// Secure wraps an established socket in TLS after a successful SSL
	// negotiation byte exchange.
	Secure(conn net.Conn) (net.Conn, error)
	// IsTimeout reports whether the error represents a timed out operation.
	IsTimeout(err error) bool
	// IsTryAgain reports whether the operation should simply be retried
	// later, such as a would-block on a non-blocking socket.
	IsTryAgain(err error) bool
	// FatalMessage returns a description of a fatal socket error. Returning
	// false means the error is not actually fatal and bubbles up to the
	// caller instead.
	FatalMessage(err error) (string, bool)
}

// NetFactory is the default socket factory dialing TCP or unix domain
// sockets through the standard library.
type NetFactory struct {
	// Network and Address are passed to the dialer, e.g. "tcp" and
	// "localhost:5432" or "unix" and "/tmp/.s.PGSQL.5432".
	Network string
	Address string
	// TLSConfig is used to secure the socket after a successful SSL
	// negotiation. A nil config refuses to secure.
	TLSConfig *tls.Config
}

func (f *NetFactory) Create(timeout time.Duration) (net.Conn, error) {
	dialer := net.Dialer{Timeout: timeout}
	return dialer.Dial(f.Network, f.Address)
}

func (f *NetFactory) Secure(conn net.Conn) (net.Conn, error) {
	if f.TLSConfig == nil {
		return nil, errors.New("no TLS configuration available to secure the connection")
	}

	tlsConn := tls.Client(conn, f.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		return nil, err
	}
	return tlsConn, nil
}

func (f *NetFactory) IsTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}

func (f *NetFactory) IsTryAgain(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK)
}

func (f *NetFactory) FatalMessage(err error) (string, bool) {
	if err == nil || f.IsTimeout(err) || f.IsTryAgain(err) {
		return "", false
	}
	return err.Error(), true
}

package mock

import (
	"errors"
	"net"
	"os"
	"time"
)

// Script drives the server end of an in-memory connection.
type Script func(conn net.Conn)

// PipeFactory is an in-memory socket factory backed by net.Pipe. The script
// runs against the server end in its own goroutine; reads from the client
// block until the script writes, which keeps test scheduling deterministic.
type PipeFactory struct {
	// Script runs against the server end of every created pipe.
	Script Script
	// CreateErr, when set, fails Create with the given error.
	CreateErr error
	// SecureErr, when set, fails Secure with the given error.
	SecureErr error

	// Conns records the server ends of all created pipes.
	Conns []net.Conn
}

func (f *PipeFactory) Create(timeout time.Duration) (net.Conn, error) {
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}

	client, server := net.Pipe()
	f.Conns = append(f.Conns, server)
	if f.Script != nil {
		go f.Script(server)
	}
	return client, nil
}

func (f *PipeFactory) Secure(conn net.Conn) (net.Conn, error) {
	if f.SecureErr != nil {
		return nil, f.SecureErr
	}
	return conn, nil
}

func (f *PipeFactory) IsTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}

func (f *PipeFactory) IsTryAgain(err error) bool {
	return false
}

func (f *PipeFactory) FatalMessage(err error) (string, bool) {
	if err == nil || f.IsTimeout(err) {
		return "", false
	}
	return err.Error(), true
}

// Drain consumes and discards everything the client writes, so that
// synchronous pipe writes never block a script that only replies.
func Drain(conn net.Conn) {
	buf := make([]byte, 4096)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}

// Respond returns a script that writes the given blob once and then drains
// the connection without ever closing it.
func Respond(blob []byte) Script {
	return func(conn net.Conn) {
		go Drain(conn)
		_, _ = conn.Write(blob)
	}
}

// RespondClose returns a script that writes the given blob, drains briefly
// and closes the server end, surfacing an EOF to the client.
func RespondClose(blob []byte) Script {
	return func(conn net.Conn) {
		done := make(chan struct{})
		go func() {
			Drain(conn)
			close(done)
		}()
		_, _ = conn.Write(blob)
		_ = conn.Close()
		<-done
	}
}

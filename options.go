package wire

import (
	"io"
	"log/slog"
)

// OptionFn options pattern used to define and set options for the given
// connection.
type OptionFn func(*Conn)

// Logger sets the logger used to log connection level debug messages.
func Logger(logger *slog.Logger) OptionFn {
	return func(conn *Conn) {
		conn.logger = logger
	}
}

// Tracer installs a sink receiving one formatted line per protocol message
// in either direction. Tracing is meant for debugging sessions; the sink is
// written to inline on every read and write.
func Tracer(sink io.Writer) OptionFn {
	return func(conn *Conn) {
		conn.tracer = sink
	}
}

// RecvSize overrides the chunk size of socket reads.
func RecvSize(size int) OptionFn {
	return func(conn *Conn) {
		if size > 0 {
			conn.rbuf = make([]byte, size)
		}
	}
}

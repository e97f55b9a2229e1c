// Package message implements the PostgreSQL wire protocol 3.0 message
// catalog as seen from the frontend: encoders for every message a client may
// send and decoders for every message a backend may reply with.
package message

import (
	"github.com/pgfront/pgfront/pkg/buffer"
	"github.com/pgfront/pgfront/pkg/types"
)

// Frontend is a message the client sends to the backend. Implementations
// frame themselves onto the given writer as `type || len || payload`, or as
// an untyped `len || body` packet when Type returns zero (Startup,
// CancelRequest and SSLRequest).
type Frontend interface {
	Type() types.FrontendMessage
	Encode(writer *buffer.Writer) error
}

// Backend is a parsed message received from the backend. The method carries
// the backend prefix since the copy messages travel in both directions and
// implement both interfaces.
type Backend interface {
	BackendType() types.BackendMessage
}

// Join serializes the given message sequence into a single contiguous blob
// ready to hand to the socket.
func Join(msgs []Frontend) ([]byte, error) {
	var writer buffer.Writer
	for _, msg := range msgs {
		if err := msg.Encode(&writer); err != nil {
			return nil, err
		}
	}

	return writer.Bytes(), nil
}

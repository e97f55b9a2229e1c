package buffer

import (
	"errors"
	"fmt"

	"github.com/pgfront/pgfront/codes"
	pgerr "github.com/pgfront/pgfront/errors"
)

// ErrMissingNulTerminator is thrown when no NUL terminator is found when
// interperating a message property as a string.
var ErrMissingNulTerminator = errors.New("NUL terminator not found")

// NewMissingNulTerminator constructs a new error message wrapping the
// ErrMissingNulTerminator type with additional metadata.
func NewMissingNulTerminator() error {
	err := pgerr.WithDetail(ErrMissingNulTerminator, "A message property was not null terminated.")
	return pgerr.WithSeverity(pgerr.WithCode(err, codes.ProtocolViolation), pgerr.LevelFatal)
}

// ErrInsufficientData is thrown when there is insufficient data available inside
// the given message to unmarshal into a given type.
var ErrInsufficientData = errors.New("insufficient data")

// NewInsufficientData constructs a new error message wrapping the
// ErrInsufficientData type with additional metadata.
func NewInsufficientData(length int) error {
	err := fmt.Errorf("length: %d %w", length, ErrInsufficientData)
	err = pgerr.WithDetail(err, "The message payload ended before the expected field.")
	return pgerr.WithSeverity(pgerr.WithCode(err, codes.ProtocolViolation), pgerr.LevelFatal)
}

// ErrCorruptedFrame is thrown when a backend frame header declares an
// impossible message length.
var ErrCorruptedFrame = errors.New("corrupted message frame")

// NewCorruptedFrame constructs a new error message wrapping the
// ErrCorruptedFrame type with additional metadata.
func NewCorruptedFrame(length int) error {
	err := fmt.Errorf("declared length: %d %w", length, ErrCorruptedFrame)
	err = pgerr.WithHint(err, "The peer is probably not a PostgreSQL server.")
	return pgerr.WithSeverity(pgerr.WithCode(err, codes.ProtocolViolation), pgerr.LevelFatal)
}

package errors

import (
	"fmt"

	"github.com/pgfront/pgfront/codes"
)

// Error contains all Postgres wire protocol error fields.
// See https://www.postgresql.org/docs/current/static/protocol-error-fields.html
// for a list of all Postgres error fields, most of which are optional and can
// be used to provide auxiliary error information.
//
// An Error either originates from a backend ErrorResponse or NoticeResponse
// message, or is synthesized by the frontend core for protocol violations and
// socket failures. Synthesized diagnostics are marked Client and use either a
// standard SQLSTATE or one of the reserved "--" codes.
type Error struct {
	Severity         Severity
	Code             codes.Code
	Message          string
	Detail           string
	Hint             string
	Position         string
	InternalPosition string
	InternalQuery    string
	Where            string
	Schema           string
	Table            string
	Column           string
	DataTypeName     string
	Constraint       string
	File             string
	Line             string
	Routine          string

	// Client marks diagnostics synthesized locally rather than parsed from a
	// backend message.
	Client bool
	// Err optionally holds the underlying socket or parse error that caused a
	// client diagnostic.
	Err error
}

func (e *Error) Error() string {
	if e.Code != "" && e.Code != codes.SuccessfulCompletion {
		return fmt.Sprintf("%s: %s (%s)", e.Severity, e.Message, e.Code)
	}

	return fmt.Sprintf("%s: %s", e.Severity, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Fatal reports whether the diagnostic marks the connection unrecoverable.
func (e *Error) Fatal() bool {
	return e.Severity == LevelFatal || e.Severity == LevelPanic
}

// NewClient constructs a locally synthesized diagnostic with the given code,
// severity and message.
func NewClient(code codes.Code, severity Severity, message string) *Error {
	return &Error{
		Severity: severity,
		Code:     code,
		Message:  message,
		Client:   true,
	}
}

// Flatten returns a diagnostic constructed out of the decorated error chain.
// The code, severity and hint wrappers applied to the error are collected
// into the resulting client diagnostic.
func Flatten(err error) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Severity: DefaultSeverity(GetSeverity(err)),
		Code:     GetCode(err),
		Message:  err.Error(),
		Hint:     GetHint(err),
		Detail:   GetDetail(err),
		Client:   true,
		Err:      err,
	}
}

package wire

import (
	"github.com/pgfront/pgfront/pkg/types"
)

// hookEntry pairs an expected backend message with the step the command
// advances to once the message is accepted. A next of -1 finishes the
// command.
type hookEntry struct {
	next int
}

// hookSteps is the per-command validation table: one map per step, keyed by
// the backend message types acceptable at that step.
type hookSteps []map[types.BackendMessage]hookEntry

const stepDone = -1

// hooks maps every sendable command onto its response validation table.
// Flush carries a nil table: it is a valid command that elicits no reply on
// its own.
var hooks = map[types.FrontendMessage]hookSteps{
	types.FrontendSimpleQuery: {
		// 0: start of a result set.
		{
			types.BackendRowDescription:  {next: 3},
			types.BackendEmptyQuery:      {next: 0},
			types.BackendCommandComplete: {next: 0},
			types.BackendCopyOutResponse: {next: 2},
			types.BackendCopyInResponse:  {next: 1},
			types.BackendReady:           {next: stepDone},
		},
		// 1: complete follows a copy-in acknowledgement.
		{
			types.BackendCommandComplete: {next: 0},
		},
		// 2: copy data until copy done.
		{
			types.BackendCopyData: {next: 2},
			types.BackendCopyDone: {next: 1},
		},
		// 3: row data. Multiple result sets are permitted; only ready ends
		// the command.
		{
			types.BackendDataRow:         {next: 3},
			types.BackendCommandComplete: {next: 0},
			types.BackendReady:           {next: stepDone},
		},
	},

	types.FrontendFunction: {
		{types.BackendFunctionResult: {next: 1}},
		{types.BackendReady: {next: stepDone}},
	},

	// Extended protocol.
	types.FrontendParse: {
		{types.BackendParseComplete: {next: stepDone}},
	},

	types.FrontendBind: {
		{types.BackendBindComplete: {next: stepDone}},
	},

	types.FrontendDescribe: {
		// Statement describe yields the parameter types first.
		{
			types.BackendParameterDescription: {next: 1},
			types.BackendRowDescription:       {next: stepDone},
		},
		// NoData or the row descriptor.
		{
			types.BackendNoData:         {next: stepDone},
			types.BackendRowDescription: {next: stepDone},
		},
	},

	types.FrontendClose: {
		{types.BackendCloseComplete: {next: stepDone}},
	},

	types.FrontendExecute: {
		// 0: start.
		{
			types.BackendDataRow:         {next: 1},
			types.BackendCopyOutResponse: {next: 2},
			types.BackendCopyInResponse:  {next: 3},
			types.BackendEmptyQuery:      {next: stepDone},
			types.BackendCommandComplete: {next: stepDone},
		},
		// 1: row data until suspension or completion.
		{
			types.BackendDataRow:         {next: 1},
			types.BackendPortalSuspended: {next: stepDone},
			types.BackendCommandComplete: {next: stepDone},
		},
		// 2: copy data.
		{
			types.BackendCopyData: {next: 2},
			types.BackendCopyDone: {next: 3},
		},
		// 3: complete.
		{
			types.BackendCommandComplete: {next: stepDone},
		},
	},

	types.FrontendSync: {
		{types.BackendReady: {next: stepDone}},
	},

	types.FrontendFlush: nil,
}

// isAsync reports whether the given backend message type may arrive at any
// point without being part of the mounted exchange.
func isAsync(t types.BackendMessage) bool {
	switch t {
	case types.BackendNoticeResponse, types.BackendNotification, types.BackendParameterStatus:
		return true
	default:
		return false
	}
}

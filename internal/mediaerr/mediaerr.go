// Package mediaerr defines the error kinds the orchestrator core returns to
// its callers and the numeric code table adapters use to surface them on
// the wire.
package mediaerr

import "errors"

// Kind is one of the error kinds named in the error handling design. These
// are sentinels, not types: callers compare with errors.Is, never a type
// switch.
var (
	ErrSessionNotFound  = errors.New("session_not_found")
	ErrCallNotFound     = errors.New("call_not_found")
	ErrInviteNotFound   = errors.New("invite_not_found")
	ErrAlreadyAnswered  = errors.New("already_answered")
	ErrNoDestination    = errors.New("no_destination")
	ErrNoAnswer         = errors.New("no_answer")
	ErrUserNotFound     = errors.New("user_not_found")
	ErrSessionError     = errors.New("session_error")
	ErrCallError        = errors.New("call_error")
	ErrBackendError     = errors.New("backend_error")
	ErrTimeout          = errors.New("timeout")
	ErrUnknownCommand   = errors.New("unknown_command")
	ErrInvalidState     = errors.New("invalid_state")
	ErrNotImplemented   = errors.New("not_implemented")
)

// BackendError wraps a backend-reported failure with the adapter name and
// the reason atom it reported, so the session can stop with a reason that
// names the backend.
type BackendError struct {
	Backend string
	Reason  string
	Detail  string
}

func (e *BackendError) Error() string {
	if e.Detail != "" {
		return "backend_error(" + e.Backend + "/" + e.Reason + "): " + e.Detail
	}
	return "backend_error(" + e.Backend + "/" + e.Reason + ")"
}

func (e *BackendError) Unwrap() error { return ErrBackendError }

// StateError reports an operation rejected because the subject (Session or
// Call) was not in a state that permits it.
type StateError struct {
	Subject string // "session" or "call"
	ID      string
	From    string
	Op      string
}

func (e *StateError) Error() string {
	return e.Subject + " " + e.ID + " in state " + e.From + " rejects " + e.Op
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

// LookupError reports a resolver failure for a callee/target string.
type LookupError struct {
	Target string
	Reason string
	Cause  error
}

func (e *LookupError) Error() string {
	if e.Cause != nil {
		return "lookup " + e.Target + ": " + e.Reason + ": " + e.Cause.Error()
	}
	return "lookup " + e.Target + ": " + e.Reason
}

func (e *LookupError) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return ErrUserNotFound
}

// Code is a numeric, wire-visible error code plus its display text, per the
// code table (SIP 2110-2115, Verto 2130-2131, FS 2300-2311,
// KMS 2400-2412).
type Code struct {
	Number int
	Text   string
}

const (
	codeSIPBase   = 2110
	codeVertoBase = 2130
	codeFSBase    = 2300
	codeKMSBase   = 2400
)

// sipCodes, vertoCodes, fsCodes, kmsCodes enumerate the reason atoms each
// layer can report, in the order their numeric range is assigned.
var (
	sipCodes = []string{
		"invalid_request", "not_registered", "forbidden_domain",
		"invite_rejected", "no_sdp", "request_timeout",
	}
	vertoCodes = []string{"login_failed", "invalid_dest"}
	fsCodes    = []string{
		"dialplan_error", "park_failed", "echo_failed", "mcu_failed",
		"bridge_failed", "conference_error", "channel_stop", "hangup",
		"disconnection", "transfer_failed", "layout_invalid", "timeout",
	}
	kmsCodes = []string{
		"pipeline_error", "sdp_negotiation_failed", "ice_failed",
		"candidate_rejected", "endpoint_error", "recording_error",
		"publisher_not_found", "room_not_found", "connection_lost",
		"transform_error", "webrtc_endpoint_failed", "timeout", "unknown",
	}
)

func lookup(base int, table []string, reason string) Code {
	for i, r := range table {
		if r == reason {
			return Code{Number: base + i, Text: reason}
		}
	}
	return Code{Number: base, Text: reason}
}

// SIPCode converts a SIP-layer reason atom into its numeric code.
func SIPCode(reason string) Code { return lookup(codeSIPBase, sipCodes, reason) }

// VertoCode converts a Verto-layer reason atom into its numeric code.
func VertoCode(reason string) Code { return lookup(codeVertoBase, vertoCodes, reason) }

// FSCode converts an FS backend reason atom into its numeric code.
func FSCode(reason string) Code { return lookup(codeFSBase, fsCodes, reason) }

// KMSCode converts a KMS backend reason atom into its numeric code.
func KMSCode(reason string) Code { return lookup(codeKMSBase, kmsCodes, reason) }

// IsNotFound reports whether err is one of the "not found" kinds.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrCallNotFound) ||
		errors.Is(err, ErrInviteNotFound) || errors.Is(err, ErrUserNotFound)
}

// Package dialog tracks SIP request and dialog handles and their binding
// to Sessions: CANCEL is correlated through the request handle of the
// still-pending INVITE transaction, BYE through the dialog handle of the
// confirmed dialog.
package dialog

import (
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// State is the dialog lifecycle state.
type State string

const (
	StateEarly      State = "early"
	StateConfirmed  State = "confirmed"
	StateTerminated State = "terminated"
)

// Dialog correlates one SIP leg's wire identifiers with the Session that
// owns its media.
type Dialog struct {
	mu sync.Mutex

	// Handles are opaque to the core; the SIP adapter mints them from the
	// transaction and dialog identifiers it actually holds.
	RequestHandle string // pending INVITE transaction, valid until final response
	DialogHandle  string // Call-ID + tags once confirmed, valid for in-dialog requests

	CallID    string
	SessionID string
	state     State
	createdAt time.Time

	// Wire plumbing retained for the adapter's response path.
	InviteRequest *sip.Request
	Transaction   sip.ServerTransaction
}

// New builds a Dialog for an inbound INVITE, minting a fresh request
// handle. The dialog handle is assigned on confirmation.
func New(req *sip.Request, tx sip.ServerTransaction) *Dialog {
	callID := ""
	if req.CallID() != nil {
		callID = req.CallID().Value()
	}
	return &Dialog{
		RequestHandle: uuid.New().String(),
		CallID:        callID,
		state:         StateEarly,
		createdAt:     time.Now(),
		InviteRequest: req,
		Transaction:   tx,
	}
}

// State returns the dialog's current state.
func (d *Dialog) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Confirm assigns the dialog handle once the final 2xx has gone out.
func (d *Dialog) Confirm(dialogHandle string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DialogHandle = dialogHandle
	d.state = StateConfirmed
}

// Terminate marks the dialog dead. Idempotent.
func (d *Dialog) Terminate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = StateTerminated
}

// IsTerminated reports whether the dialog has ended.
func (d *Dialog) IsTerminated() bool { return d.State() == StateTerminated }

// BindSession records the owning Session.
func (d *Dialog) BindSession(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.SessionID = sessionID
}

// Session returns the bound session id.
func (d *Dialog) Session() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.SessionID
}

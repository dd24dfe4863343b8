package dialog

import (
	"log/slog"
	"time"

	"github.com/sebas/mediahub/internal/store"
)

const (
	// ActiveDialogTTL bounds how long an unanswered or forgotten dialog
	// may linger.
	ActiveDialogTTL = 4 * time.Hour
	// TerminatedDialogTTL keeps a dead dialog around for retransmission
	// absorption (RFC 3261 Timer B territory).
	TerminatedDialogTTL = 32 * time.Second

	cleanupInterval = 10 * time.Second
)

// Manager is the registry of live dialogs, indexed three ways: by Call-ID,
// by request handle (for CANCEL) and by dialog handle (for BYE).
type Manager struct {
	byCallID  *store.Store[string, *Dialog]
	byRequest *store.Store[string, *Dialog]
	byDialog  *store.Store[string, *Dialog]
}

// NewManager creates a dialog manager with background expiry.
func NewManager() *Manager {
	m := &Manager{
		byCallID:  store.New[string, *Dialog](cleanupInterval),
		byRequest: store.New[string, *Dialog](cleanupInterval),
		byDialog:  store.New[string, *Dialog](cleanupInterval),
	}
	m.byCallID.SetOnEvict(func(callID string, d *Dialog) {
		slog.Debug("[Dialog] Evicted", "call_id", callID, "state", d.State())
	})
	return m
}

// Track registers a dialog under its Call-ID and request handle.
func (m *Manager) Track(d *Dialog) {
	m.byCallID.Set(d.CallID, d, ActiveDialogTTL)
	m.byRequest.Set(d.RequestHandle, d, ActiveDialogTTL)
	slog.Debug("[Dialog] Tracking", "call_id", d.CallID, "request_handle", d.RequestHandle)
}

// Confirm indexes the dialog under its dialog handle once confirmed; the
// request handle stays valid only long enough to absorb retransmissions.
func (m *Manager) Confirm(d *Dialog, dialogHandle string) {
	d.Confirm(dialogHandle)
	m.byDialog.Set(dialogHandle, d, ActiveDialogTTL)
	m.byRequest.Refresh(d.RequestHandle, TerminatedDialogTTL)
}

// ByCallID looks a dialog up by SIP Call-ID.
func (m *Manager) ByCallID(callID string) (*Dialog, bool) { return m.byCallID.Get(callID) }

// ByRequest looks a dialog up by its pending-INVITE request handle.
func (m *Manager) ByRequest(handle string) (*Dialog, bool) { return m.byRequest.Get(handle) }

// ByDialog looks a dialog up by its confirmed dialog handle.
func (m *Manager) ByDialog(handle string) (*Dialog, bool) { return m.byDialog.Get(handle) }

// Terminate marks the dialog dead and demotes every index entry to the
// retransmission-absorption TTL.
func (m *Manager) Terminate(d *Dialog) {
	d.Terminate()
	m.byCallID.Refresh(d.CallID, TerminatedDialogTTL)
	m.byRequest.Refresh(d.RequestHandle, TerminatedDialogTTL)
	if d.DialogHandle != "" {
		m.byDialog.Refresh(d.DialogHandle, TerminatedDialogTTL)
	}
	slog.Debug("[Dialog] Terminated", "call_id", d.CallID)
}

// List snapshots every tracked dialog.
func (m *Manager) List() []*Dialog {
	var out []*Dialog
	m.byCallID.ForEach(func(_ string, d *Dialog) bool {
		out = append(out, d)
		return true
	})
	return out
}

// Close stops the background sweeps.
func (m *Manager) Close() {
	m.byCallID.Close()
	m.byRequest.Close()
	m.byDialog.Close()
}

package dialog

import (
	"testing"

	"github.com/emiago/sipgo/sip"
)

func inviteRequest(callID string) *sip.Request {
	req := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: "mcu1", Host: "nkmedia"})
	hdr := sip.CallIDHeader(callID)
	req.AppendHeader(&hdr)
	return req
}

func TestTrackIndexesByCallIDAndRequestHandle(t *testing.T) {
	m := NewManager()
	defer m.Close()

	d := New(inviteRequest("call-1"), nil)
	m.Track(d)

	if got, ok := m.ByCallID("call-1"); !ok || got != d {
		t.Fatal("ByCallID did not return the tracked dialog")
	}
	if got, ok := m.ByRequest(d.RequestHandle); !ok || got != d {
		t.Fatal("ByRequest did not return the tracked dialog")
	}
	if d.State() != StateEarly {
		t.Errorf("new dialog state = %q, want %q", d.State(), StateEarly)
	}
}

func TestConfirmIndexesByDialogHandle(t *testing.T) {
	m := NewManager()
	defer m.Close()

	d := New(inviteRequest("call-2"), nil)
	m.Track(d)
	m.Confirm(d, "call-2;tag-a")

	if got, ok := m.ByDialog("call-2;tag-a"); !ok || got != d {
		t.Fatal("ByDialog did not return the confirmed dialog")
	}
	if d.State() != StateConfirmed {
		t.Errorf("state = %q, want %q", d.State(), StateConfirmed)
	}
}

func TestTerminateIsSticky(t *testing.T) {
	m := NewManager()
	defer m.Close()

	d := New(inviteRequest("call-3"), nil)
	d.BindSession("sess-1")
	m.Track(d)
	m.Confirm(d, "call-3;tag-b")
	m.Terminate(d)

	if !d.IsTerminated() {
		t.Fatal("dialog not terminated")
	}
	// Terminated dialogs stay resolvable inside the retransmission window.
	if got, ok := m.ByCallID("call-3"); !ok || got.Session() != "sess-1" {
		t.Error("terminated dialog vanished before the retransmission window")
	}
}

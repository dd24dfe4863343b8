package verto

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/sebas/mediahub/internal/call"
	"github.com/sebas/mediahub/internal/fabric"
	"github.com/sebas/mediahub/internal/resolver"
	"github.com/sebas/mediahub/internal/session"
)

// Dispatcher launches Call fan-out invites toward logged-in Verto peers
// for destinations of the form "verto:user". The peer's verto.answer or
// verto.bye for the pushed call id is reported back to the Call.
type Dispatcher struct {
	server   *Server
	reporter call.Reporter
	log      *slog.Logger

	mu   sync.Mutex
	legs map[string]*vertoLeg // conn id + "/" + client call id -> leg
}

type vertoLeg struct {
	callID string
	link   fabric.Link
}

// NewDispatcher creates the outbound Verto dispatcher and attaches it to
// the server so inbound answer/bye frames can find their legs.
func NewDispatcher(server *Server, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{server: server, log: log, legs: make(map[string]*vertoLeg)}
	server.dispatcher = d
	return d
}

// SetReporter wires the progress report path.
func (d *Dispatcher) SetReporter(r call.Reporter) { d.reporter = r }

// Invite pushes a verto.invite carrying the offer to the target user's
// connection. A user without a live connection removes the invite.
func (d *Dispatcher) Invite(callID string, dest resolver.Destination, offer *session.SDP, meta map[string]any) call.DispatchResult {
	if !strings.HasPrefix(dest.Dest, "verto:") {
		return call.DispatchResult{Status: call.DispatchPass}
	}
	user := strings.TrimPrefix(dest.Dest, "verto:")

	conn, ok := d.server.ConnByUser(user)
	if !ok {
		d.log.Debug("[Verto] No connection for user", "user", user)
		return call.DispatchResult{Status: call.DispatchRemove}
	}
	if offer == nil {
		d.log.Warn("[Verto] No offer for verto destination", "call_id", callID, "user", user)
		return call.DispatchResult{Status: call.DispatchRemove}
	}

	clientCallID := uuid.New().String()
	link := fabric.Link{Kind: fabric.LinkVerto, Key: conn.id + "/" + clientCallID, Lifetime: conn.id}

	d.mu.Lock()
	d.legs[link.Key] = &vertoLeg{callID: callID, link: link}
	d.mu.Unlock()

	conn.request("verto.invite", CallParams{
		SDP:    offer.Body,
		Dialog: DialogParams{CallID: clientCallID, CallerIDNumber: stringMeta(meta, "caller_id")},
	})
	conn.mu.Lock()
	conn.calls[clientCallID] = "" // reserved for the peer's answer path
	conn.mu.Unlock()

	d.log.Info("[Verto] Invite pushed", "call_id", callID, "user", user, "client_call_id", clientCallID)
	d.reporter.Ringing(callID, link, nil)
	return call.DispatchResult{Status: call.DispatchOK, Link: link}
}

// Cancel retracts a pushed invite with verto.bye.
func (d *Dispatcher) Cancel(callID string, link fabric.Link) {
	if link.Kind != fabric.LinkVerto {
		return
	}
	d.mu.Lock()
	_, ok := d.legs[link.Key]
	if ok {
		delete(d.legs, link.Key)
	}
	d.mu.Unlock()
	if !ok {
		return
	}

	connID, clientCallID, found := strings.Cut(link.Key, "/")
	if !found {
		return
	}
	d.server.mu.Lock()
	conn := d.server.conns[connID]
	d.server.mu.Unlock()
	if conn == nil {
		return
	}

	conn.request("verto.bye", map[string]any{
		"dialogParams": DialogParams{CallID: clientCallID},
		"cause":        "ORIGINATOR_CANCEL",
	})
	conn.mu.Lock()
	delete(conn.calls, clientCallID)
	conn.mu.Unlock()
	d.log.Info("[Verto] Invite cancelled", "call_id", callID, "client_call_id", clientCallID)
}

// peerAnswered is called by the connection when a verto.answer arrives
// for a call id this dispatcher pushed.
func (d *Dispatcher) peerAnswered(conn *Conn, clientCallID, sdp string) {
	key := conn.id + "/" + clientCallID
	d.mu.Lock()
	leg, ok := d.legs[key]
	if ok {
		delete(d.legs, key)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	answer := &session.SDP{Body: sdp, Type: session.SDPWebRTC}
	d.reporter.Answered(leg.callID, leg.link, answer)
}

// peerBye is called by the connection when the peer declines or hangs up
// a pushed invite.
func (d *Dispatcher) peerBye(conn *Conn, clientCallID string) {
	key := conn.id + "/" + clientCallID
	d.mu.Lock()
	leg, ok := d.legs[key]
	if ok {
		delete(d.legs, key)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	d.reporter.Rejected(leg.callID, leg.link)
}

func stringMeta(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	v, _ := meta[key].(string)
	return v
}

var _ call.Dispatcher = (*Dispatcher)(nil)

package api

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/sebas/mediahub/internal/call"
	"github.com/sebas/mediahub/internal/fabric"
	"github.com/sebas/mediahub/internal/mediaerr"
	"github.com/sebas/mediahub/internal/resolver"
	"github.com/sebas/mediahub/internal/session"
)

// Dispatcher launches Call fan-out invites toward API clients for
// destinations of the form "api:<client-session>". The invite is pushed
// as a frame; the client replies with call.ringing / call.answered /
// call.rejected carrying the link id.
type Dispatcher struct {
	server   *Server
	reporter call.Reporter
	log      *slog.Logger

	mu   sync.Mutex
	legs map[string]*apiLeg // link id -> leg
}

type apiLeg struct {
	callID string
	connID string
	link   fabric.Link
}

// NewDispatcher creates the API dispatcher and attaches it to the server
// so call.* report commands can find their legs.
func NewDispatcher(server *Server, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{server: server, log: log, legs: make(map[string]*apiLeg)}
	server.dispatcher = d
	return d
}

// SetReporter wires the progress report path.
func (d *Dispatcher) SetReporter(r call.Reporter) { d.reporter = r }

// Invite pushes an invite frame to the addressed client. A client that is
// gone removes the invite; no retry makes sense for a vanished WebSocket.
func (d *Dispatcher) Invite(callID string, dest resolver.Destination, offer *session.SDP, meta map[string]any) call.DispatchResult {
	if !strings.HasPrefix(dest.Dest, "api:") {
		return call.DispatchResult{Status: call.DispatchPass}
	}
	clientID := strings.TrimPrefix(dest.Dest, "api:")

	conn, ok := d.server.connByID(clientID)
	if !ok {
		d.log.Debug("[API] No client for invite", "client", clientID)
		return call.DispatchResult{Status: call.DispatchRemove}
	}

	linkID := uuid.New().String()
	link := fabric.Link{Kind: fabric.LinkAPI, Key: clientID + "/" + linkID, Lifetime: clientID}
	d.mu.Lock()
	d.legs[linkID] = &apiLeg{callID: callID, connID: clientID, link: link}
	d.mu.Unlock()

	conn.send(EventFrame{
		Class: "event",
		Data: EventData{
			SrvID:    d.server.cfg.SrvID,
			Class:    "media",
			Subclass: "call",
			Type:     "invite",
			ObjID:    callID,
			Payload: map[string]any{
				"link_id": linkID,
				"dest":    dest.Dest,
				"offer":   sdpData(offer),
				"meta":    meta,
			},
		},
	})

	d.log.Info("[API] Invite pushed", "call_id", callID, "client", clientID, "link_id", linkID)
	return call.DispatchResult{Status: call.DispatchOK, Link: link}
}

// Cancel retracts a pushed invite.
func (d *Dispatcher) Cancel(callID string, link fabric.Link) {
	if link.Kind != fabric.LinkAPI || !strings.Contains(link.Key, "/") {
		return
	}
	clientID, linkID, _ := strings.Cut(link.Key, "/")

	d.mu.Lock()
	_, ok := d.legs[linkID]
	if ok {
		delete(d.legs, linkID)
	}
	d.mu.Unlock()
	if !ok {
		return
	}

	if conn, found := d.server.connByID(clientID); found {
		conn.send(EventFrame{
			Class: "event",
			Data: EventData{
				SrvID:    d.server.cfg.SrvID,
				Class:    "media",
				Subclass: "call",
				Type:     "cancel",
				ObjID:    callID,
				Payload:  map[string]any{"link_id": linkID},
			},
		})
	}
	d.log.Info("[API] Invite cancelled", "call_id", callID, "link_id", linkID)
}

// report routes a client's call.ringing/answered/rejected back to the
// Call. answered and rejected consume the leg; ringing leaves it pending.
func (d *Dispatcher) report(cmd string, conn *Conn, data callRefData) error {
	d.mu.Lock()
	leg, ok := d.legs[data.LinkID]
	if ok && leg.connID != conn.id {
		ok = false
	}
	if ok && cmd != "ringing" {
		delete(d.legs, data.LinkID)
	}
	d.mu.Unlock()
	if !ok {
		return mediaerr.ErrInviteNotFound
	}

	switch cmd {
	case "ringing":
		d.reporter.Ringing(leg.callID, leg.link, data.Answer.toSDP())
	case "answered":
		d.reporter.Answered(leg.callID, leg.link, data.Answer.toSDP())
	case "rejected":
		d.reporter.Rejected(leg.callID, leg.link)
	default:
		return mediaerr.ErrUnknownCommand
	}
	return nil
}

// connClosed drops and rejects every leg pushed to a disappearing client.
func (d *Dispatcher) connClosed(conn *Conn) {
	d.mu.Lock()
	var orphans []*apiLeg
	for id, leg := range d.legs {
		if leg.connID == conn.id {
			orphans = append(orphans, leg)
			delete(d.legs, id)
		}
	}
	d.mu.Unlock()

	for _, leg := range orphans {
		d.reporter.Rejected(leg.callID, leg.link)
	}
}

var _ call.Dispatcher = (*Dispatcher)(nil)

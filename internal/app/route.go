package app

import (
	"strings"

	"github.com/sebas/mediahub/internal/call"
	"github.com/sebas/mediahub/internal/events"
	"github.com/sebas/mediahub/internal/fabric"
	"github.com/sebas/mediahub/internal/mediaerr"
	"github.com/sebas/mediahub/internal/session"
)

// routeInvite is the generic invite hook shared by the SIP and Verto
// adapters: it maps the destination token to a backend operation and
// returns the session whose answer goes back out on the wire.
//
// Destination grammar:
//
//	"e", "echo*"        echo leg on FS
//	"p", "park*"        parked leg on FS
//	"m", "mcu*"         MCU conference; the full dest names the room
//	"f<session-id>"     bridge onto the named session; plain "f*" parks
//	"publish*"          SFU publisher on KMS
//	"listen:<pub>"      SFU listener on a named publisher
//	"proxy*"            proxied WebRTC leg on KMS
//	anything else       a Call fan-out through the resolver chain
func (h *Hub) routeInvite(service, dest string, offer session.SDP, link fabric.Link) (*session.Session, error) {
	switch {
	case dest == "e" || strings.HasPrefix(dest, "echo"):
		return h.startLeg(service, session.TypeEcho, offer, nil)

	case dest == "p" || strings.HasPrefix(dest, "park"):
		return h.startLeg(service, session.TypePark, offer, nil)

	case dest == "m":
		return h.startLeg(service, session.TypeMCU, offer, map[string]string{"room_id": "main"})

	case strings.HasPrefix(dest, "mcu"):
		return h.startLeg(service, session.TypeMCU, offer, map[string]string{"room_id": dest})

	case strings.HasPrefix(dest, "publish"):
		ext := map[string]string{}
		if _, room, ok := strings.Cut(dest, ":"); ok {
			ext["room_id"] = room
		}
		return h.startLeg(service, session.TypePublish, offer, ext)

	case strings.HasPrefix(dest, "listen:"):
		publisher := strings.TrimPrefix(dest, "listen:")
		return h.startLeg(service, session.TypeListen, offer, map[string]string{"publisher_id": publisher})

	case strings.HasPrefix(dest, "proxy"):
		return h.startLeg(service, session.TypeProxy, offer, nil)

	case strings.HasPrefix(dest, "f") && len(dest) > 1:
		if peer, ok := h.sessions.Get(dest[1:]); ok {
			return h.bridgeLeg(service, offer, peer)
		}
		return h.startLeg(service, session.TypePark, offer, nil)

	default:
		return h.startCall(service, dest, offer)
	}
}

func (h *Hub) startLeg(service string, t session.Type, offer session.SDP, ext map[string]string) (*session.Session, error) {
	sess, _, _, err := h.sessions.Create(service, t, session.StartConfig{Offer: &offer, TypeExt: ext})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// bridgeLeg answers the inbound offer as a call-type leg slaved to peer,
// then bridges the two on the engine.
func (h *Hub) bridgeLeg(service string, offer session.SDP, peer *session.Session) (*session.Session, error) {
	sess, _, _, err := h.sessions.Create(service, session.TypeCall, session.StartConfig{
		Offer:      &offer,
		MasterPeer: peer,
	})
	if err != nil {
		return nil, err
	}
	if err := sess.Update(session.UpdateSessionType, map[string]any{"peer_id": peer.ID()}); err != nil {
		sess.Stop("bridge_failed")
		return nil, err
	}
	return sess, nil
}

// startCall answers the inbound offer as a p2p leg and fans the callee
// out through the resolver chain. The winning destination's answer flows
// back into the inbound session; either side's death ends the other.
func (h *Hub) startCall(service, callee string, offer session.SDP) (*session.Session, error) {
	sess, _, _, err := h.sessions.Create(service, session.TypeP2P, session.StartConfig{Offer: &offer})
	if err != nil {
		return nil, err
	}

	forward := events.SyncObserver(func(ev events.Event) {
		switch ev.Tag {
		case events.TagAnswer:
			payload, _ := ev.Payload.(map[string]any)
			answer, _ := payload["answer"].(*session.SDP)
			if answer != nil {
				if err := sess.SetAnswer(*answer); err != nil && !mediaerr.IsNotFound(err) {
					h.log.Warn("[Call] Failed to apply winner answer", "session_id", sess.ID(), "error", err)
				}
			}
		case events.TagHangup:
			sess.Stop(ev.Reason)
		}
	})

	_, err = h.calls.Create(service, callee, call.StartConfig{
		Offer: &offer,
		Register: []session.RegisterRequest{
			{Kind: string(fabric.LinkSession), Key: sess.ID(), Lifetime: sess.ID(), Payload: forward},
		},
	})
	if err != nil {
		sess.Stop("call_error")
		return nil, err
	}
	return sess, nil
}

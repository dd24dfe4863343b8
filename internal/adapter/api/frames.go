// Package api is the External API adapter: a WebSocket endpoint speaking
// JSON command/response frames (class "media") plus event frames pushed
// for every object the caller created or subscribed to.
package api

import (
	"encoding/json"

	"github.com/sebas/mediahub/internal/session"
)

// Frame is the request shape: {class, subclass, cmd, data, tid}.
type Frame struct {
	Class    string          `json:"class"`
	Subclass string          `json:"subclass"`
	Cmd      string          `json:"cmd"`
	Data     json.RawMessage `json:"data,omitempty"`
	TID      int64           `json:"tid"`
}

// Response answers one Frame by tid.
type Response struct {
	TID    int64  `json:"tid"`
	Result string `json:"result"` // "ok" or "error"
	Data   any    `json:"data,omitempty"`
	Code   int    `json:"code,omitempty"`
	Error  string `json:"error,omitempty"`
}

// EventFrame is the push shape: {class:"event", data:{srv_id, class,
// subclass, type, obj_id, body}}.
type EventFrame struct {
	Class string    `json:"class"`
	Data  EventData `json:"data"`
}

// EventData carries one lifecycle event to a subscriber.
type EventData struct {
	SrvID    string `json:"srv_id"`
	Class    string `json:"class"`
	Subclass string `json:"subclass"`
	Type     string `json:"type"`
	ObjID    string `json:"obj_id"`
	Reason   string `json:"reason,omitempty"`
	Payload  any    `json:"payload,omitempty"`
	Body     any    `json:"body,omitempty"`
}

// SDPData is the wire form of an offer or answer.
type SDPData struct {
	SDP        string `json:"sdp"`
	Type       string `json:"type,omitempty"` // webrtc or rtp
	TrickleICE bool   `json:"trickle_ice,omitempty"`
}

func (d *SDPData) toSDP() *session.SDP {
	if d == nil || d.SDP == "" {
		return nil
	}
	t := session.SDPType(d.Type)
	if t == "" {
		t = session.SDPWebRTC
	}
	return &session.SDP{Body: d.SDP, Type: t, TrickleICE: d.TrickleICE}
}

func sdpData(s *session.SDP) *SDPData {
	if s == nil {
		return nil
	}
	return &SDPData{SDP: s.Body, Type: string(s.Type), TrickleICE: s.TrickleICE}
}

// sessionStartData is session.start's payload.
type sessionStartData struct {
	Service    string            `json:"service,omitempty"`
	Type       string            `json:"type"`
	TypeExt    map[string]string `json:"type_ext,omitempty"`
	Offer      *SDPData          `json:"offer,omitempty"`
	Subscribe  *bool             `json:"subscribe,omitempty"`
	EventsBody any               `json:"events_body,omitempty"`
}

type sessionRefData struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

type sessionAnswerData struct {
	SessionID string   `json:"session_id"`
	Answer    *SDPData `json:"answer"`
}

type sessionCandidateData struct {
	SessionID string `json:"session_id"`
	Candidate string `json:"candidate,omitempty"`
}

type sessionUpdateData struct {
	SessionID string         `json:"session_id"`
	Kind      string         `json:"kind"`
	Opts      map[string]any `json:"opts,omitempty"`
}

// callStartData is call.start's payload.
type callStartData struct {
	Service    string         `json:"service,omitempty"`
	Callee     string         `json:"callee"`
	Offer      *SDPData       `json:"offer,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
	Subscribe  *bool          `json:"subscribe,omitempty"`
	EventsBody any            `json:"events_body,omitempty"`
}

type callRefData struct {
	CallID string   `json:"call_id"`
	LinkID string   `json:"link_id,omitempty"`
	Answer *SDPData `json:"answer,omitempty"`
	Reason string   `json:"reason,omitempty"`
}

type roomData struct {
	Service  string `json:"service,omitempty"`
	RoomID   string `json:"room_id"`
	RoomType string `json:"room_type,omitempty"`
}

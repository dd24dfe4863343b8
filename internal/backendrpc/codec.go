// Package backendrpc is the gRPC transport to the FS/KMS engine processes:
// a keepalive client per engine address, pooled with round-robin placement,
// health checking, and per-session affinity. The engines speak a JSON
// message codec over gRPC framing; the message types live here as plain
// structs so the wire surface and the Go surface stay one thing.
package backendrpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype the engines negotiate.
const CodecName = "mediahub+json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return CodecName }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// --- Engine message types ---

// StartRequest asks the engine to originate or answer one media leg.
type StartRequest struct {
	SessionID string `json:"session_id"`
	Service   string `json:"service"`
	Type      string `json:"type"` // park, echo, mcu, bridge, publish, listen, proxy
	SDPType   string `json:"sdp_type"`
	Via       string `json:"via,omitempty"`   // offer-generation path: "verto" for webrtc, "sip" for rtp
	Offer     string `json:"offer,omitempty"` // set for start_in; empty asks the engine to generate one
	RoomID    string `json:"room_id,omitempty"`
	RoomType  string `json:"room_type,omitempty"`
	Publisher string `json:"publisher_id,omitempty"`
}

// StartReply carries whichever SDP the engine produced.
type StartReply struct {
	EngineSessionID string `json:"engine_session_id"`
	Offer           string `json:"offer,omitempty"`
	Answer          string `json:"answer,omitempty"`
	Error           string `json:"error,omitempty"`
}

// TransferRequest moves an existing leg to a new dialplan target
// (FS: "park", "echo", "conference:ROOM@TYPE", "bridge:PEER").
type TransferRequest struct {
	SessionID string `json:"session_id"`
	Target    string `json:"target"`
}

// CommandRequest is an online command against a live leg or room (e.g.
// an MCU layout change, a listen switch).
type CommandRequest struct {
	SessionID string            `json:"session_id"`
	Command   string            `json:"command"`
	Args      map[string]string `json:"args,omitempty"`
}

// CommandReply reports command output, if any.
type CommandReply struct {
	Data  map[string]string `json:"data,omitempty"`
	Error string            `json:"error,omitempty"`
}

// CandidateRequest streams one trickle-ICE candidate toward the engine.
type CandidateRequest struct {
	SessionID       string `json:"session_id"`
	Candidate       string `json:"candidate,omitempty"`
	EndOfCandidates bool   `json:"end_of_candidates,omitempty"`
}

// StopRequest releases the engine leg.
type StopRequest struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// Ack is the empty success reply.
type Ack struct {
	Error string `json:"error,omitempty"`
}

// HealthRequest probes engine liveness.
type HealthRequest struct{}

// HealthReply reports engine health.
type HealthReply struct {
	Healthy bool `json:"healthy"`
}

// EventsRequest opens the engine's asynchronous notification stream.
type EventsRequest struct{}

// EngineEvent is one asynchronous engine notification: parked, bridged,
// hangup, channel_stop, disconnection, mcu_info, media_ready.
type EngineEvent struct {
	SessionID string            `json:"session_id"`
	Kind      string            `json:"kind"`
	Reason    string            `json:"reason,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
}

// replyError converts an in-band engine error string to a Go error.
func replyError(op, msg string) error {
	if msg == "" {
		return nil
	}
	return fmt.Errorf("%s: engine reported %s", op, msg)
}

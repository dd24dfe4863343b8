// Package session implements the per-media-leg session state machine:
// one per leg, owning exactly one SDP offer/answer pair, one
// backend operation, and a set of observers notified on every transition.
package session

import (
	"time"
)

// Type is one of the media leg kinds.
type Type string

const (
	TypeP2P     Type = "p2p"
	TypeProxy   Type = "proxy"
	TypePark    Type = "park"
	TypeEcho    Type = "echo"
	TypeMCU     Type = "mcu"
	TypeBridge  Type = "bridge"
	TypePublish Type = "publish"
	TypeListen  Type = "listen"
	TypeCall    Type = "call"
)

// SDPType is the media transport the SDP payload describes.
type SDPType string

const (
	SDPWebRTC SDPType = "webrtc"
	SDPRTP    SDPType = "rtp"
)

// Backend names which adapter owns media for a session; p2p sessions carry
// no backend.
type Backend string

const (
	BackendNone Backend = ""
	BackendFS   Backend = "fs"
	BackendKMS  Backend = "kms"
)

// SDP is an offer or answer payload.
type SDP struct {
	Body       string
	Type       SDPType
	TrickleICE bool
}

// Candidate is a single trickle-ICE candidate, or the end-of-candidates
// sentinel when EndOfCandidates is true.
type Candidate struct {
	Value           string
	EndOfCandidates bool
}

// State is one of the Session FSM states.
type State string

const (
	StateNew         State = "new"
	StateWaitOffer   State = "wait_offer"
	StateWaitAnswer  State = "wait_answer"
	StateReady       State = "ready"
	StateStopping    State = "stopping"
	StateStopped     State = "stopped"
)

// IsTerminal reports whether s admits no further transitions.
func (s State) IsTerminal() bool { return s == StateStopped }

// UpdateKind is one of the update() operation kinds.
type UpdateKind string

const (
	UpdateSessionType  UpdateKind = "session_type"
	UpdateMedia        UpdateKind = "media"
	UpdateMCULayout    UpdateKind = "mcu_layout"
	UpdateListenSwitch UpdateKind = "listen_switch"
)

// StartConfig carries the optional fields start() accepts.
type StartConfig struct {
	Offer      *SDP
	TypeExt    map[string]string
	Register   []RegisterRequest
	MasterPeer *Session // set when this session is created as the slave half of a bridge pair
	Peer       string   // raw peer/publisher id the caller supplied, before resolution
}

// RegisterRequest is a single (key, lifetime, payload) registration to apply
// at start, letting a caller atomically create-and-subscribe.
type RegisterRequest struct {
	Kind     string
	Key      string
	Lifetime string
	Payload  any
}

// Timers holds the wait/ready timeout budget.
type Timers struct {
	WaitTimeout  time.Duration
	ReadyTimeout time.Duration
	StopGrace    time.Duration
	ParkTimeout  time.Duration
}

// DefaultTimers carries the stock budget: 2s bounded wait for a backend
// "parked" signal, 100ms stop grace.
func DefaultTimers() Timers {
	return Timers{
		WaitTimeout:  30 * time.Second,
		ReadyTimeout: 30 * time.Second,
		StopGrace:    100 * time.Millisecond,
		ParkTimeout:  2 * time.Second,
	}
}

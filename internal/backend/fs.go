package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sebas/mediahub/internal/backendrpc"
	"github.com/sebas/mediahub/internal/session"
)

// DefaultRoomType is applied when an MCU session names a room without a
// room type.
const DefaultRoomType = "video-mcu-stereo"

const rpcTimeout = 5 * time.Second

// FS is the conferencing-engine adapter. Every operation is expressed as
// a dialplan-inline transfer ("park", "echo", "conference:ROOM@TYPE",
// "bridge:PEER") followed by awaiting the engine's "parked" or "bridged"
// notification.
type FS struct {
	rpc   EngineRPC
	rooms *Rooms
	sink  SessionEventSink
	log   *slog.Logger

	parkTimeout time.Duration

	mu      sync.Mutex
	legs    map[string]string        // session id -> engine session id
	waiters map[string]chan struct{} // session id + "/" + event kind
}

// NewFS creates the FS adapter over the given engine pool.
func NewFS(rpc EngineRPC, rooms *Rooms, parkTimeout time.Duration, log *slog.Logger) *FS {
	if log == nil {
		log = slog.Default()
	}
	if parkTimeout <= 0 {
		parkTimeout = 2 * time.Second
	}
	return &FS{
		rpc:         rpc,
		rooms:       rooms,
		log:         log,
		parkTimeout: parkTimeout,
		legs:        make(map[string]string),
		waiters:     make(map[string]chan struct{}),
	}
}

// SetSink wires the session event sink. Must be called before Run.
func (b *FS) SetSink(sink SessionEventSink) { b.sink = sink }

// Run pumps the engine's notification stream: expected parked/bridged
// events satisfy in-flight waiters; everything else is forwarded to the
// owning session through the sink. Blocks until ctx ends.
func (b *FS) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-b.rpc.Events():
			if !ok {
				return
			}
			b.handleEngineEvent(ev)
		}
	}
}

func (b *FS) handleEngineEvent(ev backendrpc.EngineEvent) {
	switch ev.Kind {
	case "parked", "bridged":
		if b.signal(ev.SessionID, ev.Kind) {
			return // expected: a transfer is awaiting it
		}
	}
	if b.sink == nil {
		return
	}
	sev := session.BackendEvent{Kind: session.BackendEventKind(ev.Kind), Reason: ev.Reason, Data: anyMap(ev.Data)}
	// Dispatch off the pump goroutine: HandleBackendEvent takes the
	// session lock, which a concurrent Start may be holding.
	go b.sink.OnBackendEvent(ev.SessionID, sev)
}

func (b *FS) Name() string { return "fs" }

// Supports reports the session types the conferencing engine can own.
func (b *FS) Supports(t session.Type) bool {
	switch t {
	case session.TypePark, session.TypeEcho, session.TypeMCU, session.TypeBridge, session.TypeCall:
		return true
	}
	return false
}

func (b *FS) Init(s *session.Session) error { return nil }

// Start creates the engine leg and transfers it to the dialplan target
// for t. With an offer present the engine answers (start_in); without one
// it generates an offer (start_out), through the Verto path for webrtc
// SDP and the SIP path for rtp SDP.
func (b *FS) Start(t session.Type, s *session.Session) session.Outcome {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	req := backendrpc.StartRequest{
		SessionID: s.ID(),
		Service:   s.Service(),
		Type:      string(t),
	}

	sdpType := session.SDPRTP
	if offer := s.PendingOffer(); offer != nil {
		sdpType = offer.Type
		req.Offer = offer.Body
	} else if st := s.ExtAttr("sdp_type"); st != "" {
		sdpType = session.SDPType(st)
	}
	req.SDPType = string(sdpType)
	if sdpType == session.SDPWebRTC {
		req.Via = "verto"
	} else {
		req.Via = "sip"
	}

	var ext session.ExtOps
	roomID, roomType := s.ExtAttr("room_id"), s.ExtAttr("room_type")
	if t == session.TypeMCU {
		if roomID == "" {
			roomID = s.ID()
		}
		if roomType == "" {
			roomType = DefaultRoomType
		}
		req.RoomID, req.RoomType = roomID, roomType
		ext.TypeExt = map[string]string{"room_id": roomID, "room_type": roomType}
	}

	reply, err := b.rpc.StartSession(ctx, req)
	if err != nil {
		return session.Fail("dialplan_error", err)
	}

	b.mu.Lock()
	b.legs[s.ID()] = reply.EngineSessionID
	b.mu.Unlock()

	target := dialplanTarget(t, roomID, roomType)
	if target != "" {
		wait := b.addWaiter(s.ID(), "parked")
		if err := b.rpc.Transfer(ctx, s.ID(), target); err != nil {
			b.dropWaiter(s.ID(), "parked")
			return session.Fail("transfer_failed", err)
		}
		if err := b.await(wait, s.ID(), "parked"); err != nil {
			return session.Fail("timeout", err)
		}
	}

	if req.Offer != "" {
		if reply.Answer == "" {
			return session.Fail("dialplan_error", fmt.Errorf("engine produced no answer"))
		}
		ext.Answer = &session.SDP{Body: reply.Answer, Type: sdpType}
	} else {
		if reply.Offer == "" {
			return session.Fail("dialplan_error", fmt.Errorf("engine produced no offer"))
		}
		ext.Offer = &session.SDP{Body: reply.Offer, Type: sdpType, TrickleICE: sdpType == session.SDPWebRTC}
	}

	if t == session.TypeMCU {
		b.rooms.Join(s.Service(), roomID, roomType, s.ID(), "member")
	}

	b.log.Debug("[FS] Leg started", "session_id", s.ID(), "type", t, "target", target)
	return session.OK(nil, ext)
}

// dialplanTarget maps a session type to its inline transfer target. Call
// legs park until they are bridged to their master.
func dialplanTarget(t session.Type, roomID, roomType string) string {
	switch t {
	case session.TypePark, session.TypeCall:
		return "park"
	case session.TypeEcho:
		return "echo"
	case session.TypeMCU:
		return "conference:" + roomID + "@" + roomType
	}
	return ""
}

func (b *FS) SetOffer(t session.Type, offer session.SDP, s *session.Session) session.Outcome {
	return session.Continue()
}

// SetAnswer forwards the peer's answer to the generated offer into the
// engine so it can complete negotiation.
func (b *FS) SetAnswer(t session.Type, answer session.SDP, s *session.Session) session.Outcome {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	if _, err := b.rpc.Command(ctx, s.ID(), "answer", map[string]string{"sdp": answer.Body}); err != nil {
		return session.Fail("dialplan_error", err)
	}
	return session.OK(nil, session.ExtOps{})
}

// Update transitions the engine leg in place: session_type switches the
// dialplan target (bridge when opts carries a peer_id), mcu_layout is an
// online command against the conference.
func (b *FS) Update(kind session.UpdateKind, opts map[string]any, t session.Type, s *session.Session) session.Outcome {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	switch kind {
	case session.UpdateSessionType:
		if peerID, _ := opts["peer_id"].(string); peerID != "" {
			return b.bridge(ctx, s, peerID)
		}
		target := t
		if st, _ := opts["session_type"].(string); st != "" {
			target = session.Type(st)
		}
		return b.retarget(ctx, s, target, opts)

	case session.UpdateMCULayout:
		layout, _ := opts["mcu_layout"].(string)
		if layout == "" {
			return session.Fail("layout_invalid", fmt.Errorf("mcu_layout missing"))
		}
		args := map[string]string{"room_id": s.ExtAttr("room_id"), "layout": layout}
		if _, err := b.rpc.Command(ctx, s.ID(), "conference_layout", args); err != nil {
			return session.Fail("conference_error", err)
		}
		return session.OK(nil, session.ExtOps{TypeExt: map[string]string{"mcu_layout": layout}})

	case session.UpdateMedia:
		args := make(map[string]string, len(opts))
		for k, v := range opts {
			args[k] = fmt.Sprint(v)
		}
		if _, err := b.rpc.Command(ctx, s.ID(), "media", args); err != nil {
			return session.Fail("dialplan_error", err)
		}
		return session.OK(nil, session.ExtOps{})
	}
	return session.Continue()
}

// bridge transfers the leg onto its peer and awaits the engine's
// "bridged" confirmation. park_after_bridge keeps a surviving leg on the
// engine when the pair breaks, so it can be re-parked instead of torn
// down.
func (b *FS) bridge(ctx context.Context, s *session.Session, peerID string) session.Outcome {
	wait := b.addWaiter(s.ID(), "bridged")
	if err := b.rpc.Transfer(ctx, s.ID(), "bridge:"+peerID); err != nil {
		b.dropWaiter(s.ID(), "bridged")
		return session.Fail("bridge_failed", err)
	}
	if err := b.await(wait, s.ID(), "bridged"); err != nil {
		return session.Fail("timeout", err)
	}
	return session.OK(nil, session.ExtOps{
		Type:    typePtr(session.TypeBridge),
		TypeExt: map[string]string{"peer_id": peerID, "park_after_bridge": "true"},
	})
}

func (b *FS) retarget(ctx context.Context, s *session.Session, target session.Type, opts map[string]any) session.Outcome {
	roomID, _ := opts["room_id"].(string)
	roomType, _ := opts["room_type"].(string)
	if target == session.TypeMCU {
		if roomID == "" {
			roomID = s.ExtAttr("room_id")
		}
		if roomType == "" {
			roomType = DefaultRoomType
		}
	}

	dialplan := dialplanTarget(target, roomID, roomType)
	if dialplan == "" {
		return session.Fail("dialplan_error", fmt.Errorf("cannot transfer to type %s", target))
	}

	wait := b.addWaiter(s.ID(), "parked")
	if err := b.rpc.Transfer(ctx, s.ID(), dialplan); err != nil {
		b.dropWaiter(s.ID(), "parked")
		return session.Fail("transfer_failed", err)
	}
	if err := b.await(wait, s.ID(), "parked"); err != nil {
		return session.Fail("timeout", err)
	}

	ext := session.ExtOps{Type: typePtr(target)}
	if target == session.TypeMCU {
		ext.TypeExt = map[string]string{"room_id": roomID, "room_type": roomType}
		b.rooms.Join(s.Service(), roomID, roomType, s.ID(), "member")
	} else {
		b.rooms.Leave(s.ID())
	}
	return session.OK(nil, ext)
}

// Candidate forwards a trickle-ICE candidate to the engine. A leg the
// engine does not know yet buffers instead of failing.
func (b *FS) Candidate(c session.Candidate, s *session.Session) session.Outcome {
	b.mu.Lock()
	_, known := b.legs[s.ID()]
	b.mu.Unlock()
	if !known {
		return session.Continue()
	}

	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	if err := b.rpc.Candidate(ctx, s.ID(), c.Value, c.EndOfCandidates); err != nil {
		return session.Fail("dialplan_error", err)
	}
	return session.OK(nil, session.ExtOps{})
}

// Stop releases the engine leg. Idempotent.
func (b *FS) Stop(reason string, s *session.Session) error {
	b.mu.Lock()
	_, known := b.legs[s.ID()]
	delete(b.legs, s.ID())
	b.mu.Unlock()
	if !known {
		return nil
	}

	b.rooms.Leave(s.ID())

	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	if err := b.rpc.StopSession(ctx, s.ID(), reason); err != nil {
		b.log.Warn("[FS] Stop failed", "session_id", s.ID(), "error", err)
	}
	return nil
}

// HandleBackendEvent reacts to asynchronous notifications the waiters did
// not consume: an unexpected "parked" while bridged resets the leg to
// park; "bridged" and "mcu_info" refresh session attributes.
func (b *FS) HandleBackendEvent(ev session.BackendEvent, s *session.Session) session.ExtOps {
	switch ev.Kind {
	case session.BackendParked:
		return session.ExtOps{Type: typePtr(session.TypePark)}
	case session.BackendBridged:
		ext := session.ExtOps{Type: typePtr(session.TypeBridge)}
		if peer, ok := ev.Data["peer_id"].(string); ok && peer != "" {
			ext.TypeExt = map[string]string{"peer_id": peer}
		}
		return ext
	case session.BackendMCUInfo:
		info := make(map[string]string, len(ev.Data))
		for k, v := range ev.Data {
			info[k] = fmt.Sprint(v)
		}
		return session.ExtOps{TypeExt: info}
	}
	return session.ExtOps{}
}

// --- waiters ---

func waiterKey(sessionID, kind string) string { return sessionID + "/" + kind }

func (b *FS) addWaiter(sessionID, kind string) chan struct{} {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.waiters[waiterKey(sessionID, kind)] = ch
	b.mu.Unlock()
	return ch
}

func (b *FS) dropWaiter(sessionID, kind string) {
	b.mu.Lock()
	delete(b.waiters, waiterKey(sessionID, kind))
	b.mu.Unlock()
}

// signal satisfies a pending waiter, reporting whether one existed.
func (b *FS) signal(sessionID, kind string) bool {
	b.mu.Lock()
	ch, ok := b.waiters[waiterKey(sessionID, kind)]
	if ok {
		delete(b.waiters, waiterKey(sessionID, kind))
	}
	b.mu.Unlock()
	if ok {
		ch <- struct{}{}
	}
	return ok
}

func (b *FS) await(ch chan struct{}, sessionID, kind string) error {
	timer := time.NewTimer(b.parkTimeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		b.dropWaiter(sessionID, kind)
		return fmt.Errorf("timed out waiting for %s on %s", kind, sessionID)
	}
}

func anyMap(in map[string]string) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var _ session.Adapter = (*FS)(nil)

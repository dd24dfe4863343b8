package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sebas/mediahub/internal/backendrpc"
	"github.com/sebas/mediahub/internal/session"
)

// KMS is the WebRTC media-engine adapter: fully asynchronous, offer and
// answer may be generated at any time, and candidates stream in both
// directions. Client-side candidates are buffered by the Session until
// the engine reports the endpoint ready.
type KMS struct {
	rpc   EngineRPC
	rooms *Rooms
	sink  SessionEventSink
	log   *slog.Logger

	mu    sync.Mutex
	ready map[string]bool // session id -> endpoint accepts candidates
}

// NewKMS creates the KMS adapter over the given engine pool.
func NewKMS(rpc EngineRPC, rooms *Rooms, log *slog.Logger) *KMS {
	if log == nil {
		log = slog.Default()
	}
	return &KMS{
		rpc:   rpc,
		rooms: rooms,
		log:   log,
		ready: make(map[string]bool),
	}
}

// SetSink wires the session event sink. Must be called before Run.
func (b *KMS) SetSink(sink SessionEventSink) { b.sink = sink }

// Run pumps the engine's notification stream. Blocks until ctx ends.
func (b *KMS) Run(ctx context.Context) {
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

func (b *KMS) handleEngineEvent(ev backendrpc.EngineEvent) {
	if b.sink == nil {
		return
	}
	switch ev.Kind {
	case "media_ready":
		b.mu.Lock()
		b.ready[ev.SessionID] = true
		b.mu.Unlock()
		go b.sink.OnBackendReady(ev.SessionID)
	case "candidate":
		c := session.Candidate{
			Value:           ev.Data["candidate"],
			EndOfCandidates: ev.Data["end_of_candidates"] == "true",
		}
		go b.sink.OnBackendCandidate(ev.SessionID, c)
	default:
		sev := session.BackendEvent{Kind: session.BackendEventKind(ev.Kind), Reason: ev.Reason, Data: anyMap(ev.Data)}
		go b.sink.OnBackendEvent(ev.SessionID, sev)
	}
}

func (b *KMS) Name() string { return "kms" }

// Supports reports the session types the WebRTC engine can own.
func (b *KMS) Supports(t session.Type) bool {
	switch t {
	case session.TypeProxy, session.TypePublish, session.TypeListen:
		return true
	}
	return false
}

func (b *KMS) Init(s *session.Session) error { return nil }

// Start builds the engine pipeline for t and returns whichever SDP the
// engine produced. Listeners name their publisher; publishers and
// listeners are recorded in the room registry.
func (b *KMS) Start(t session.Type, s *session.Session) session.Outcome {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	req := backendrpc.StartRequest{
		SessionID: s.ID(),
		Service:   s.Service(),
		Type:      string(t),
		SDPType:   string(session.SDPWebRTC),
		RoomID:    s.ExtAttr("room_id"),
		Publisher: s.ExtAttr("publisher_id"),
	}

	sdpType := session.SDPWebRTC
	if offer := s.PendingOffer(); offer != nil {
		sdpType = offer.Type
		req.Offer = offer.Body
		req.SDPType = string(sdpType)
	}

	if t == session.TypeListen && req.Publisher == "" {
		return session.Fail("publisher_not_found", fmt.Errorf("listen session names no publisher"))
	}

	reply, err := b.rpc.StartSession(ctx, req)
	if err != nil {
		return session.Fail("pipeline_error", err)
	}

	var ext session.ExtOps
	switch {
	case req.Offer != "" && reply.Answer != "":
		ext.Answer = &session.SDP{Body: reply.Answer, Type: sdpType, TrickleICE: true}
	case req.Offer == "" && reply.Offer != "":
		ext.Offer = &session.SDP{Body: reply.Offer, Type: sdpType, TrickleICE: true}
	default:
		return session.Fail("sdp_negotiation_failed", fmt.Errorf("engine produced no SDP"))
	}

	switch t {
	case session.TypePublish:
		if req.RoomID != "" {
			b.rooms.Join(s.Service(), req.RoomID, "sfu", s.ID(), "publisher")
			ext.TypeExt = map[string]string{"room_id": req.RoomID}
		}
	case session.TypeListen:
		ext.TypeExt = map[string]string{"publisher_id": req.Publisher}
		if req.RoomID != "" {
			b.rooms.Join(s.Service(), req.RoomID, "sfu", s.ID(), "listener")
			ext.TypeExt["room_id"] = req.RoomID
		}
	}

	b.log.Debug("[KMS] Pipeline started", "session_id", s.ID(), "type", t)
	return session.OK(nil, ext)
}

// SetOffer feeds a late client offer into the engine; the answer comes
// back asynchronously or in the reply's ext, whichever the engine chose.
func (b *KMS) SetOffer(t session.Type, offer session.SDP, s *session.Session) session.Outcome {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	data, err := b.rpc.Command(ctx, s.ID(), "offer", map[string]string{"sdp": offer.Body})
	if err != nil {
		return session.Fail("sdp_negotiation_failed", err)
	}
	var ext session.ExtOps
	if answer := data["answer"]; answer != "" {
		ext.Answer = &session.SDP{Body: answer, Type: offer.Type, TrickleICE: true}
	}
	return session.OK(nil, ext)
}

// SetAnswer feeds the remote answer to an engine-generated offer.
func (b *KMS) SetAnswer(t session.Type, answer session.SDP, s *session.Session) session.Outcome {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	if _, err := b.rpc.Command(ctx, s.ID(), "answer", map[string]string{"sdp": answer.Body}); err != nil {
		return session.Fail("sdp_negotiation_failed", err)
	}
	return session.OK(nil, session.ExtOps{})
}

// Update transitions the pipeline: listen_switch repoints a listener at a
// different publisher without renegotiation.
func (b *KMS) Update(kind session.UpdateKind, opts map[string]any, t session.Type, s *session.Session) session.Outcome {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	switch kind {
	case session.UpdateListenSwitch:
		publisher, _ := opts["publisher_id"].(string)
		if publisher == "" {
			return session.Fail("publisher_not_found", fmt.Errorf("publisher_id missing"))
		}
		if _, err := b.rpc.Command(ctx, s.ID(), "listen_switch", map[string]string{"publisher_id": publisher}); err != nil {
			return session.Fail("endpoint_error", err)
		}
		return session.OK(nil, session.ExtOps{TypeExt: map[string]string{"publisher_id": publisher}})

	case session.UpdateSessionType:
		target, _ := opts["session_type"].(string)
		if !b.Supports(session.Type(target)) {
			return session.Fail("endpoint_error", fmt.Errorf("cannot switch to type %s", target))
		}
		if _, err := b.rpc.Command(ctx, s.ID(), "session_type", map[string]string{"type": target}); err != nil {
			return session.Fail("endpoint_error", err)
		}
		newType := session.Type(target)
		return session.OK(nil, session.ExtOps{Type: &newType})

	case session.UpdateMedia:
		args := make(map[string]string, len(opts))
		for k, v := range opts {
			args[k] = fmt.Sprint(v)
		}
		if _, err := b.rpc.Command(ctx, s.ID(), "media", args); err != nil {
			return session.Fail("endpoint_error", err)
		}
		return session.OK(nil, session.ExtOps{})
	}
	return session.Continue()
}

// Candidate forwards a client candidate once the endpoint is ready;
// before that the Session buffers (Continue), replaying on media_ready.
func (b *KMS) Candidate(c session.Candidate, s *session.Session) session.Outcome {
	b.mu.Lock()
	ready := b.ready[s.ID()]
	b.mu.Unlock()
	if !ready {
		return session.Continue()
	}

	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	if err := b.rpc.Candidate(ctx, s.ID(), c.Value, c.EndOfCandidates); err != nil {
		return session.Fail("candidate_rejected", err)
	}
	return session.OK(nil, session.ExtOps{})
}

// Stop releases the pipeline. Idempotent.
func (b *KMS) Stop(reason string, s *session.Session) error {
	b.mu.Lock()
	delete(b.ready, s.ID())
	b.mu.Unlock()

	b.rooms.Leave(s.ID())

	// The pipeline may exist without ever having reported ready; the
	// engine treats stop for an unknown leg as a no-op, so always ask.
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	if err := b.rpc.StopSession(ctx, s.ID(), reason); err != nil {
		b.log.Warn("[KMS] Stop failed", "session_id", s.ID(), "error", err)
	}
	return nil
}

// HandleBackendEvent merges engine-side attribute refreshes.
func (b *KMS) HandleBackendEvent(ev session.BackendEvent, s *session.Session) session.ExtOps {
	return session.ExtOps{}
}

var _ session.Adapter = (*KMS)(nil)

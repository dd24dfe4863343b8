package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sebas/mediahub/internal/directory"
	"github.com/sebas/mediahub/internal/events"
	"github.com/sebas/mediahub/internal/fabric"
	"github.com/sebas/mediahub/internal/mediaerr"
)

// Session is the per-media-leg finite-state machine. A Session owns
// exactly one offer/answer pair and delegates backend-specific media work
// to an Adapter; external registrants (Calls, SIP dialogs, Verto
// connections, API clients) subscribe to its lifecycle via the Fabric.
type Session struct {
	mu sync.Mutex

	id      string
	service string

	typ     Type
	typeExt map[string]string
	backend Backend
	adapter Adapter

	offer           *SDP
	answer          *SDP
	candidates      []Candidate
	candidatesEnded bool
	pendingStart    *pendingStart // set while holding for trickle-ICE end-of-candidates

	masterPeer *Session // set on a type=call slave leg; propagates its answer to the master
	peerID     string   // the other leg's id, known to both sides

	bridgePeer *Session // set on both legs of an FS backend bridge(peer_id); authoritative side owns the reset-to-park callback

	state      State
	stopReason string
	stopOnce   sync.Once

	timers Timers

	fab   *fabric.Fabric
	bus   *events.Bus
	dir   *directory.Directory
	log   *slog.Logger

	waitCh   chan struct{} // closed once offer is available
	answerCh chan struct{} // closed once answer is available

	createdAt time.Time

	onStopped func(*Session) // Manager cleanup hook
	bridgeFn  func(caller *Session, peerID string) error
}

// pendingStart holds a start() call deferred for trickle-ICE completion.
type pendingStart struct {
	typ  Type
	cfg  StartConfig
	done chan startResult
}

type startResult struct {
	offer  *SDP
	answer *SDP
	err    error
}

// ID returns the session's opaque identifier.
func (s *Session) ID() string { return s.id }

// Service returns the tenant this session is scoped to.
func (s *Session) Service() string { return s.service }

// PendingOffer returns the current offer without taking the session lock.
// It is for backend Adapter implementations only, which are always invoked
// with the session's lock already held by the dispatching operation.
func (s *Session) PendingOffer() *SDP { return s.offer }

// ExtAttr returns one type_ext attribute without taking the session lock;
// same contract as PendingOffer.
func (s *Session) ExtAttr(k string) string { return s.typeExt[k] }

// Type returns the session's current type under lock.
func (s *Session) Type() Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typ
}

// State returns the session's current FSM state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TypeExt returns a copy of the type-specific attribute map.
func (s *Session) TypeExt() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.typeExt))
	for k, v := range s.typeExt {
		out[k] = v
	}
	return out
}

// run executes start(): if cfg.Offer is supplied the backend is asked to
// answer (start_in); otherwise the backend is asked to originate an offer
// (start_out). Trickle-ICE offers are held until end-of-candidates or the
// wait timeout elapses.
func (s *Session) run(typ Type, cfg StartConfig) (offer *SDP, answer *SDP, err error) {
	s.mu.Lock()

	s.typ = typ
	if cfg.TypeExt != nil {
		s.typeExt = cfg.TypeExt
	}
	if cfg.MasterPeer != nil {
		s.masterPeer = cfg.MasterPeer
		s.peerID = cfg.MasterPeer.id
		s.typ = TypeCall
	}

	if cfg.Offer != nil {
		s.offer = cfg.Offer
		s.state = StateWaitAnswer
		close(s.waitCh)

		if cfg.Offer.TrickleICE && !s.candidatesEnded {
			done := make(chan startResult, 1)
			s.pendingStart = &pendingStart{typ: typ, cfg: cfg, done: done}
			s.mu.Unlock()
			timer := time.NewTimer(s.timers.WaitTimeout)
			defer timer.Stop()
			select {
			case r := <-done:
				return r.offer, r.answer, r.err
			case <-timer.C:
				s.mu.Lock()
				s.pendingStart = nil
				s.mu.Unlock()
				return s.startIn(typ)
			}
		}
		s.mu.Unlock()
		return s.startIn(typ)
	}

	s.state = StateWaitOffer
	s.mu.Unlock()
	return s.startOut(typ)
}

// startIn asks the backend to answer the already-present offer.
func (s *Session) startIn(typ Type) (offer, answer *SDP, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.adapter == nil {
		// p2p: no backend, answer arrives later via SetAnswer from the peer leg.
		return s.offer, nil, nil
	}

	out := s.adapter.Start(typ, s)
	switch out.Status {
	case StatusOK:
		s.applyExtLocked(out.Ext)
		if out.Ext.Answer != nil {
			s.answer = out.Ext.Answer
			s.state = StateReady
			close(s.answerCh)
			s.emitLocked(events.TagAnswer, "", s.answer)
			if s.masterPeer != nil {
				// Off this goroutine: the master serialises under its own
				// lock and may be mid-bridge with us.
				answer := *s.answer
				go s.masterPeer.propagateAnswer(answer)
			}
		}
		return s.offer, s.answer, nil
	case StatusError:
		reason := out.Kind
		s.stopLocked(reason)
		return nil, nil, &mediaerr.BackendError{Backend: string(s.backend), Reason: reason, Detail: errString(out.Err)}
	default:
		s.stopLocked("no_adapter")
		return nil, nil, mediaerr.ErrBackendError
	}
}

// startOut asks the backend to originate an offer.
func (s *Session) startOut(typ Type) (offer, answer *SDP, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.adapter == nil {
		return nil, nil, &mediaerr.StateError{Subject: "session", ID: s.id, From: string(s.state), Op: "start (p2p requires offer)"}
	}

	out := s.adapter.Start(typ, s)
	switch out.Status {
	case StatusOK:
		s.applyExtLocked(out.Ext)
		if out.Ext.Offer != nil {
			s.offer = out.Ext.Offer
			s.state = StateWaitAnswer
			close(s.waitCh)
		}
		return s.offer, nil, nil
	case StatusError:
		reason := out.Kind
		s.stopLocked(reason)
		return nil, nil, &mediaerr.BackendError{Backend: string(s.backend), Reason: reason, Detail: errString(out.Err)}
	default:
		s.stopLocked("no_adapter")
		return nil, nil, mediaerr.ErrBackendError
	}
}

// SetAnswer applies an SDP answer. Fails with ErrAlreadyAnswered if one is
// already set; the session is left untouched on that error.
func (s *Session) SetAnswer(a SDP) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.IsTerminal() {
		return &mediaerr.StateError{Subject: "session", ID: s.id, From: string(s.state), Op: "set_answer"}
	}
	if s.answer != nil {
		return mediaerr.ErrAlreadyAnswered
	}
	if s.state != StateWaitAnswer {
		return &mediaerr.StateError{Subject: "session", ID: s.id, From: string(s.state), Op: "set_answer"}
	}

	final := a
	if s.adapter != nil {
		out := s.adapter.SetAnswer(s.typ, a, s)
		switch out.Status {
		case StatusOK:
			s.applyExtLocked(out.Ext)
			if out.Ext.Answer != nil {
				final = *out.Ext.Answer
			}
		case StatusError:
			s.stopLocked(out.Kind)
			return &mediaerr.BackendError{Backend: string(s.backend), Reason: out.Kind, Detail: errString(out.Err)}
		}
	}

	s.answer = &final
	s.state = StateReady
	close(s.answerCh)
	s.emitLocked(events.TagAnswer, "", s.answer)

	// A session with a master_peer mirrors its answer there. Off this
	// goroutine: the master may be mid-bridge with us under its own lock.
	if s.masterPeer != nil {
		go s.masterPeer.propagateAnswer(final)
	}
	return nil
}

// propagateAnswer is used by a bridge slave leg to mirror its answer onto
// the authoritative master leg's observers (not its own offer/answer slot,
// which the master negotiates independently against its own backend).
func (s *Session) propagateAnswer(a SDP) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitLocked(events.TagAnswer, "peer", &a)
}

// SetOffer applies an SDP offer; only valid while the session is still
// offer-pending.
func (s *Session) SetOffer(o SDP) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateNew && s.state != StateWaitOffer {
		return &mediaerr.StateError{Subject: "session", ID: s.id, From: string(s.state), Op: "set_offer"}
	}

	if s.adapter != nil {
		out := s.adapter.SetOffer(s.typ, o, s)
		if out.Status == StatusError {
			s.stopLocked(out.Kind)
			return &mediaerr.BackendError{Backend: string(s.backend), Reason: out.Kind, Detail: errString(out.Err)}
		}
		s.applyExtLocked(out.Ext)
	}

	s.offer = &o
	s.state = StateWaitAnswer
	select {
	case <-s.waitCh:
	default:
		close(s.waitCh)
	}
	return nil
}

// Update dispatches an in-place backend transition. Backend errors here are
// returned to the caller WITHOUT stopping the session; only hard failures
// reported asynchronously via
// HandleBackendEvent stop the session.
func (s *Session) Update(kind UpdateKind, opts map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.IsTerminal() {
		return &mediaerr.StateError{Subject: "session", ID: s.id, From: string(s.state), Op: "update"}
	}
	if s.adapter == nil {
		return &mediaerr.StateError{Subject: "session", ID: s.id, From: string(s.state), Op: "update (p2p has no backend)"}
	}

	if kind == UpdateSessionType && s.backend == BackendFS {
		if peerID, ok := opts["peer_id"].(string); ok && peerID != "" {
			if s.bridgeFn == nil {
				return mediaerr.ErrNotImplemented
			}
			fn := s.bridgeFn
			s.mu.Unlock()
			err := fn(s, peerID)
			s.mu.Lock()
			return err
		}
	}

	out := s.adapter.Update(kind, opts, s.typ, s)
	switch out.Status {
	case StatusOK:
		oldType := s.typ
		s.applyExtLocked(out.Ext)
		if out.Ext.Type != nil && *out.Ext.Type != oldType {
			s.emitLocked(events.TagUpdatedType, "", updatedTypePayload(s.typ, s.typeExt))
		} else if len(out.Ext.TypeExt) > 0 {
			s.emitLocked(events.TagUpdatedType, "", updatedTypePayload(s.typ, s.typeExt))
		}
		return nil
	case StatusError:
		return &mediaerr.BackendError{Backend: string(s.backend), Reason: out.Kind, Detail: errString(out.Err)}
	default:
		return mediaerr.ErrUnknownCommand
	}
}

// Candidate buffers or forwards a trickle-ICE candidate. Candidates
// submitted before the backend signals readiness are buffered in arrival
// order and replayed once ready; end-of-candidates is idempotent.
func (s *Session) Candidate(c Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.IsTerminal() {
		return &mediaerr.StateError{Subject: "session", ID: s.id, From: string(s.state), Op: "candidate"}
	}

	if c.EndOfCandidates {
		if s.candidatesEnded {
			return nil // idempotent
		}
		s.candidatesEnded = true
		if s.pendingStart != nil {
			ps := s.pendingStart
			s.pendingStart = nil
			go func() {
				offer, answer, err := s.startIn(ps.typ)
				ps.done <- startResult{offer: offer, answer: answer, err: err}
			}()
		}
	}

	if s.adapter == nil {
		s.candidates = append(s.candidates, c)
		return nil
	}

	out := s.adapter.Candidate(c, s)
	switch out.Status {
	case StatusOK:
		s.applyExtLocked(out.Ext)
		return nil
	case StatusContinue:
		// Backend not ready yet: buffer for later, preserving order.
		s.candidates = append(s.candidates, c)
		return nil
	default:
		return &mediaerr.BackendError{Backend: string(s.backend), Reason: out.Kind, Detail: errString(out.Err)}
	}
}

// FlushCandidates replays every buffered candidate to the backend in
// arrival order, once it signals readiness (e.g. a KMS handle_backend_event
// reporting the endpoint connected).
func (s *Session) FlushCandidates() {
	s.mu.Lock()
	pending := s.candidates
	s.candidates = nil
	adapter := s.adapter
	s.mu.Unlock()

	if adapter == nil {
		return
	}
	for _, c := range pending {
		adapter.Candidate(c, s)
	}
}

// EmitCandidate surfaces a backend-generated trickle-ICE candidate to this
// session's observers (the KMS engine streams candidates toward the client
// after the answer).
func (s *Session) EmitCandidate(c Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.IsTerminal() {
		return
	}
	s.emitLocked(events.TagCandidate, "", c)
}

// Register adds an observer to this session's Fabric entry.
func (s *Session) Register(link fabric.Link, payload any) {
	s.fab.Add(s.id, link, payload)
}

// Unregister removes a previously registered observer.
func (s *Session) Unregister(link fabric.Link) {
	s.fab.Remove(s.id, link)
}

// Stop is the idempotent local stop operation.
func (s *Session) Stop(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(reason)
}

// StopWithReason implements directory.Stoppable: invoked by the directory
// when an observed lifetime this session depends on has ended.
func (s *Session) StopWithReason(reason string) {
	s.Stop(reason)
}

func (s *Session) stopLocked(reason string) {
	s.stopOnce.Do(func() {
		if s.state == StateStopped {
			return
		}
		s.state = StateStopping
		s.stopReason = reason
		if s.adapter != nil {
			_ = s.adapter.Stop(reason, s)
		}
		select {
		case <-s.waitCh:
		default:
			close(s.waitCh)
		}
		select {
		case <-s.answerCh:
		default:
			close(s.answerCh)
		}
		s.emitLocked(events.TagStop, reason, nil)
		if dead := s.fab.OnLifetimeEnd(s.id); len(dead) > 0 && s.dir != nil {
			// Off this goroutine: the dying observers' subjects take their
			// own locks, and one of them may be stopping us right now.
			go s.dir.NotifyDead(dead)
		}
		s.fab.RemoveSubject(s.id)
		if peer := s.bridgePeer; peer != nil {
			go peer.resetToPark()
		}
		if s.onStopped != nil {
			go s.onStopped(s)
		}
		time.AfterFunc(s.timers.StopGrace, func() {
			s.mu.Lock()
			s.state = StateStopped
			s.mu.Unlock()
		})
	})
}

// HandleBackendEvent routes an asynchronous engine notification. Hard
// failures (channel_stop, hangup, disconnection) stop the session; other
// events (parked, bridged, mcu_info) may request an ext_ops mutation.
func (s *Session) HandleBackendEvent(ev BackendEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.adapter == nil || s.state.IsTerminal() {
		return
	}

	switch ev.Kind {
	case BackendChannelStop, BackendHangup, BackendDisconnection:
		s.stopLocked(string(ev.Kind))
		return
	}

	ext := s.adapter.HandleBackendEvent(ev, s)
	oldType := s.typ
	s.applyExtLocked(ext)
	if oldType == TypeBridge && s.typ == TypePark {
		// Unexpected park while bridged: the pair is gone.
		s.bridgePeer = nil
		delete(s.typeExt, "peer_id")
	}
	if ext.Type != nil && *ext.Type != oldType {
		s.emitLocked(events.TagUpdatedType, "", updatedTypePayload(s.typ, s.typeExt))
	}
}

// applyExtLocked merges an adapter's requested ext_ops into session state.
// Must be called with mu held.
func (s *Session) applyExtLocked(ext ExtOps) {
	if ext.Type != nil {
		s.typ = *ext.Type
	}
	if len(ext.TypeExt) > 0 {
		if s.typeExt == nil {
			s.typeExt = make(map[string]string, len(ext.TypeExt))
		}
		for k, v := range ext.TypeExt {
			s.typeExt[k] = v
		}
	}
	if ext.Offer != nil && s.offer == nil {
		s.offer = ext.Offer
	}
}

func (s *Session) emitLocked(tag events.Tag, reason string, payload any) {
	ev := events.Event{
		SubjectID:    s.id,
		SubjectClass: events.ClassSession,
		Tag:          tag,
		Reason:       reason,
		Payload:      payload,
		Timestamp:    time.Now(),
	}
	events.Dispatch(s.fab, s.id, ev)
	s.bus.Publish(events.TopicKey{Service: s.service, Class: "media", Subclass: events.ClassSession, InstanceID: s.id}, ev)
}

func updatedTypePayload(t Type, ext map[string]string) map[string]any {
	cp := make(map[string]string, len(ext))
	for k, v := range ext {
		cp[k] = v
	}
	return map[string]any{"type": t, "type_ext": cp}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

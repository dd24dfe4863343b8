package session

import (
	"github.com/sebas/mediahub/internal/events"
	"github.com/sebas/mediahub/internal/mediaerr"
)

// bridge pins park_after_bridge on both legs, issues the
// bridge command through the caller's FS adapter, and on success
// cross-links the two sessions and emits updated_type(bridge, {peer_id})
// on both. It is a blocking call from the caller's leg to the peer leg.
func (m *Manager) bridge(caller *Session, peerID string) error {
	peer, ok := m.Get(peerID)
	if !ok {
		return mediaerr.ErrSessionNotFound
	}
	if peer == caller {
		return &mediaerr.StateError{Subject: "session", ID: caller.id, From: "bridge", Op: "bridge self"}
	}

	first, second := caller, peer
	if second.id < first.id {
		first, second = second, first
	}
	first.mu.Lock()
	second.mu.Lock()
	defer first.mu.Unlock()
	defer second.mu.Unlock()

	if caller.adapter == nil {
		return &mediaerr.StateError{Subject: "session", ID: caller.id, From: "bridge", Op: "bridge (no FS adapter)"}
	}

	caller.setTypeExtLocked("park_after_bridge", "true")
	peer.setTypeExtLocked("park_after_bridge", "true")

	bridgeType := TypeBridge
	out := caller.adapter.Update(UpdateSessionType, map[string]any{"peer_id": peerID}, bridgeType, caller)
	if out.Status != StatusOK {
		return &mediaerr.BackendError{Backend: string(caller.backend), Reason: out.Kind, Detail: errString(out.Err)}
	}

	caller.applyExtLocked(out.Ext)
	caller.typ = TypeBridge
	caller.bridgePeer = peer
	caller.setTypeExtLocked("peer_id", peerID)

	peer.typ = TypeBridge
	peer.bridgePeer = caller
	peer.setTypeExtLocked("peer_id", caller.id)

	caller.emitLocked(events.TagUpdatedType, "", updatedTypePayload(caller.typ, caller.typeExt))
	peer.emitLocked(events.TagUpdatedType, "", updatedTypePayload(peer.typ, peer.typeExt))

	// The pair is linked through the bridgePeer pointers alone: a stopping
	// leg re-parks its survivor rather than tearing it down.
	return nil
}

func (s *Session) setTypeExtLocked(k, v string) {
	if s.typeExt == nil {
		s.typeExt = make(map[string]string)
	}
	s.typeExt[k] = v
}

// resetToPark reverts a surviving bridge leg to park, called when its
// bridge peer stops or when the backend unexpectedly reports "parked"
// while bridged.
func (s *Session) resetToPark() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.typ != TypeBridge || s.state.IsTerminal() {
		return
	}
	s.bridgePeer = nil
	delete(s.typeExt, "peer_id")
	s.typ = TypePark
	if s.adapter != nil {
		s.adapter.Update(UpdateSessionType, map[string]any{}, TypePark, s)
	}
	s.emitLocked(events.TagUpdatedType, "", updatedTypePayload(s.typ, s.typeExt))
}

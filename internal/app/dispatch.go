package app

import (
	"sync"

	"github.com/sebas/mediahub/internal/call"
	"github.com/sebas/mediahub/internal/fabric"
	"github.com/sebas/mediahub/internal/resolver"
	"github.com/sebas/mediahub/internal/session"
)

// legDispatcher wraps the adapter dispatch chain with out-leg session
// management: a call without a shared offer gets a backend-generated one
// (a call-type FS leg) before the invite goes out, and the leg follows
// the invite's fate — answered feeds the leg, cancel and reject stop it.
type legDispatcher struct {
	hub   *Hub
	inner *call.DispatchChain

	mu   sync.Mutex
	legs map[string]string // link key -> out-leg session id
}

func newLegDispatcher(hub *Hub, inner *call.DispatchChain) *legDispatcher {
	return &legDispatcher{hub: hub, inner: inner, legs: make(map[string]string)}
}

func (d *legDispatcher) Invite(callID string, dest resolver.Destination, offer *session.SDP, meta map[string]any) call.DispatchResult {
	var leg *session.Session

	if offer == nil {
		c, ok := d.hub.calls.Get(callID)
		if !ok {
			return call.DispatchResult{Status: call.DispatchRemove}
		}
		sdpType := dest.SDPType
		if sdpType == "" {
			sdpType = string(session.SDPRTP)
		}
		sess, genOffer, _, err := d.hub.sessions.Create(c.Service(), session.TypeCall, session.StartConfig{
			TypeExt: map[string]string{"sdp_type": sdpType},
			Register: []session.RegisterRequest{
				{Kind: string(fabric.LinkCall), Key: callID, Lifetime: callID, Payload: "call"},
			},
		})
		if err != nil || genOffer == nil {
			d.hub.log.Warn("[Call] Failed to generate out-leg offer", "call_id", callID, "dest", dest.Dest, "error", err)
			return call.DispatchResult{Status: call.DispatchRemove}
		}
		leg = sess
		offer = genOffer
	}

	res := d.inner.Invite(callID, dest, offer, meta)
	if leg != nil {
		if res.Status == call.DispatchOK {
			d.mu.Lock()
			d.legs[res.Link.Key] = leg.ID()
			d.mu.Unlock()
		} else {
			// Retry recreates its own leg on the next attempt.
			leg.Stop("invite_failed")
		}
	}
	return res
}

func (d *legDispatcher) Cancel(callID string, link fabric.Link) {
	d.inner.Cancel(callID, link)
	if sid := d.takeLeg(link); sid != "" {
		if sess, ok := d.hub.sessions.Get(sid); ok {
			sess.Stop("originator_cancel")
		}
	}
}

func (d *legDispatcher) legFor(link fabric.Link) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sid, ok := d.legs[link.Key]
	return sid, ok
}

func (d *legDispatcher) takeLeg(link fabric.Link) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	sid := d.legs[link.Key]
	delete(d.legs, link.Key)
	return sid
}

var _ call.Dispatcher = (*legDispatcher)(nil)

// legReporter is the adapters' progress report path: wire events reach
// the Call, and answers reach the out-leg session that generated the
// invite's offer.
type legReporter struct {
	hub *Hub
}

func (r *legReporter) Ringing(callID string, link fabric.Link, answer *session.SDP) {
	if c, ok := r.hub.calls.Get(callID); ok {
		_ = c.Ringing(link, answer)
	}
}

func (r *legReporter) Answered(callID string, link fabric.Link, answer *session.SDP) {
	if sid, ok := r.hub.leg.legFor(link); ok && answer != nil {
		if sess, found := r.hub.sessions.Get(sid); found {
			if err := sess.SetAnswer(*answer); err != nil {
				r.hub.log.Warn("[Call] Out-leg rejected answer", "session_id", sid, "error", err)
			}
		}
	}

	c, ok := r.hub.calls.Get(callID)
	if !ok {
		r.loserCleanup(callID, link)
		return
	}
	if err := c.Answered(link, answer); err != nil {
		// Lost the first-answer race: retract this leg.
		r.loserCleanup(callID, link)
	}
}

func (r *legReporter) Rejected(callID string, link fabric.Link) {
	if sid := r.hub.leg.takeLeg(link); sid != "" {
		if sess, ok := r.hub.sessions.Get(sid); ok {
			sess.Stop("rejected")
		}
	}
	if c, ok := r.hub.calls.Get(callID); ok {
		_ = c.Rejected(link)
	}
}

func (r *legReporter) loserCleanup(callID string, link fabric.Link) {
	r.hub.leg.Cancel(callID, link)
}

var _ call.Reporter = (*legReporter)(nil)

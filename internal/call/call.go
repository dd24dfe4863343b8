// Package call implements the Call finite-state machine: a multi-leg
// invite coordinator that resolves a callee to destinations, fans invites
// out with per-destination ring timers, applies first-answer-wins, and
// cancels the losers.
package call

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sebas/mediahub/internal/directory"
	"github.com/sebas/mediahub/internal/events"
	"github.com/sebas/mediahub/internal/fabric"
	"github.com/sebas/mediahub/internal/mediaerr"
	"github.com/sebas/mediahub/internal/resolver"
	"github.com/sebas/mediahub/internal/session"
)

// State is one of the Call FSM states.
type State string

const (
	StateCreated   State = "created"
	StateResolving State = "resolving"
	StateInviting  State = "inviting"
	StateAnswered  State = "answered"
	StateFailed    State = "failed"
	StateStopped   State = "stopped"
)

// Invite is one fan-out attempt toward a resolved destination.
type Invite struct {
	Pos      int
	Dest     resolver.Destination
	Launched bool
	Link     fabric.Link // adapter-returned identity, set once launched
	removed  bool

	waitTimer *time.Timer
	ringTimer *time.Timer
}

// Call coordinates one invite fan-out. All mutation is serialized through
// its mutex; timer callbacks and adapter reports re-enter through the
// public operations.
type Call struct {
	mu sync.Mutex

	id      string
	service string
	callee  string
	offer   *session.SDP
	meta    map[string]any

	state       State
	invites     []*Invite
	winner      *Invite
	calleeLink  *fabric.Link
	stopSent    bool
	launchedAny bool

	fab      *fabric.Fabric
	bus      *events.Bus
	dir      *directory.Directory
	dispatch Dispatcher

	defRing   int
	maxRing   int
	stopGrace time.Duration

	log       *slog.Logger
	onStopped func(*Call)
}

// ID returns the call's identifier.
func (c *Call) ID() string { return c.id }

// Service returns the tenant the call is scoped to.
func (c *Call) Service() string { return c.service }

// Callee returns the unresolved callee string.
func (c *Call) Callee() string { return c.callee }

// State returns the call's current FSM state.
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// begin runs the invite launch algorithm over the resolved destinations.
// An empty list hangs the call up with no_destination after the event
// delivery grace.
func (c *Call) begin(dests []resolver.Destination) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopSent {
		return
	}
	c.state = StateInviting

	if len(dests) == 0 {
		c.log.Info("[Call] No destination", "call_id", c.id, "callee", c.callee)
		time.AfterFunc(c.stopGrace, func() { c.Hangup(mediaerr.ErrNoDestination.Error()) })
		return
	}

	for i, dest := range dests {
		inv := &Invite{Pos: i, Dest: dest}
		c.invites = append(c.invites, inv)
		pos := i
		wait := time.Duration(dest.WaitSeconds) * time.Second
		inv.waitTimer = time.AfterFunc(wait, func() { c.launchOut(pos) })
	}
}

// launchOut dispatches invite pos through the adapter hook, honoring
// retry/remove replies and arming the ring timer on success.
func (c *Call) launchOut(pos int) {
	c.mu.Lock()
	if c.stopSent || c.winner != nil {
		c.mu.Unlock()
		return
	}
	inv := c.invites[pos]
	if inv.removed || inv.Launched {
		c.mu.Unlock()
		return
	}
	dest, offer, meta := inv.Dest, c.offer, c.meta
	c.mu.Unlock()

	// The adapter hook may perform network I/O; never hold the lock here.
	res := c.dispatch.Invite(c.id, dest, offer, meta)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopSent || c.winner != nil || inv.removed {
		if res.Status == DispatchOK {
			go c.dispatch.Cancel(c.id, res.Link)
		}
		return
	}

	switch res.Status {
	case DispatchOK:
		inv.Launched = true
		inv.Link = res.Link
		c.launchedAny = true
		ring := inv.Dest.RingSeconds
		if ring <= 0 {
			ring = c.defRing
		}
		if ring > c.maxRing {
			ring = c.maxRing
		}
		inv.ringTimer = time.AfterFunc(time.Duration(ring)*time.Second, func() { c.ringTimeout(pos) })
		c.log.Debug("[Call] Invite launched", "call_id", c.id, "pos", pos, "dest", dest.Dest, "ring", ring)

	case DispatchRetry:
		delay := res.RetryAfter
		if delay <= 0 {
			delay = time.Second
		}
		inv.waitTimer = time.AfterFunc(delay, func() { c.launchOut(pos) })
		c.log.Debug("[Call] Invite retry scheduled", "call_id", c.id, "pos", pos, "after", delay)

	default: // DispatchRemove and unhandled destinations both drop the invite
		c.removeInviteLocked(inv)
	}
}

// ringTimeout cancels an invite whose ring budget elapsed.
func (c *Call) ringTimeout(pos int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopSent || c.winner != nil {
		return
	}
	inv := c.invites[pos]
	if inv.removed || !inv.Launched {
		return
	}
	c.log.Debug("[Call] Ring timeout", "call_id", c.id, "pos", pos)
	go c.dispatch.Cancel(c.id, inv.Link)
	c.removeInviteLocked(inv)
}

// removeInviteLocked drops one invite; when it was the last one standing
// the call hangs up — no_answer once any invite launched, no_destination
// when nothing ever launched.
func (c *Call) removeInviteLocked(inv *Invite) {
	inv.removed = true
	inv.stopTimers()
	for _, other := range c.invites {
		if !other.removed {
			return
		}
	}
	reason := mediaerr.ErrNoAnswer.Error()
	if !c.launchedAny {
		reason = mediaerr.ErrNoDestination.Error()
	}
	go c.Hangup(reason)
}

// Ringing reports an early provisional reply from a launched invite.
func (c *Call) Ringing(link fabric.Link, answer *session.SDP) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopSent {
		return mediaerr.ErrCallError
	}
	inv := c.findInviteLocked(link)
	if inv == nil {
		return mediaerr.ErrInviteNotFound
	}
	c.emitLocked(events.TagRinging, "", map[string]any{"link": link, "answer": answer})
	return nil
}

// Answered declares link the winner: every other invite is cancelled
// through the adapter hook, the answer event carries the winner's link,
// and the winner becomes the call's callee observer.
func (c *Call) Answered(link fabric.Link, answer *session.SDP) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopSent {
		return mediaerr.ErrCallError
	}
	if c.winner != nil {
		return mediaerr.ErrAlreadyAnswered
	}
	inv := c.findInviteLocked(link)
	if inv == nil {
		return mediaerr.ErrInviteNotFound
	}

	c.winner = inv
	c.state = StateAnswered
	inv.stopTimers()

	for _, other := range c.invites {
		if other == inv || other.removed {
			continue
		}
		other.removed = true
		other.stopTimers()
		if other.Launched {
			go c.dispatch.Cancel(c.id, other.Link)
		}
	}

	c.calleeLink = &link
	c.fab.Add(c.id, link, "callee")

	c.log.Info("[Call] Answered", "call_id", c.id, "pos", inv.Pos, "dest", inv.Dest.Dest)
	c.emitLocked(events.TagAnswer, "", map[string]any{"link": link, "answer": answer})
	return nil
}

// Rejected drops a launched invite after a terminal adapter reply.
func (c *Call) Rejected(link fabric.Link) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopSent {
		return mediaerr.ErrCallError
	}
	inv := c.findInviteLocked(link)
	if inv == nil {
		return mediaerr.ErrInviteNotFound
	}
	c.log.Debug("[Call] Invite rejected", "call_id", c.id, "pos", inv.Pos)
	c.removeInviteLocked(inv)
	return nil
}

// Hangup ends the call. Idempotent: exactly one hangup event is emitted,
// then, after the delivery grace, observers registered under this call's
// lifetime are torn down.
func (c *Call) Hangup(reason string) {
	c.mu.Lock()
	if c.stopSent {
		c.mu.Unlock()
		return
	}
	c.stopSent = true
	if c.state != StateAnswered {
		c.state = StateFailed
	}

	for _, inv := range c.invites {
		if inv.removed {
			continue
		}
		inv.removed = true
		inv.stopTimers()
		if inv.Launched && (c.winner == nil || inv != c.winner) {
			go c.dispatch.Cancel(c.id, inv.Link)
		}
	}

	c.log.Info("[Call] Hangup", "call_id", c.id, "reason", reason)
	c.emitLocked(events.TagHangup, reason, nil)
	c.mu.Unlock()

	time.AfterFunc(c.stopGrace, func() {
		c.mu.Lock()
		c.state = StateStopped
		c.mu.Unlock()
		if c.dir != nil {
			c.dir.NotifyDead(c.fab.OnLifetimeEnd(c.id))
		}
		c.fab.RemoveSubject(c.id)
		if c.onStopped != nil {
			c.onStopped(c)
		}
	})
}

// StopWithReason implements directory.Stoppable: observer deaths reach the
// call here with the reason the directory computed from the link kind.
func (c *Call) StopWithReason(reason string) {
	c.Hangup(reason)
}

// Register adds an observer to this call's Fabric entry.
func (c *Call) Register(link fabric.Link, payload any) {
	c.fab.Add(c.id, link, payload)
}

// Unregister removes a previously registered observer.
func (c *Call) Unregister(link fabric.Link) {
	c.fab.Remove(c.id, link)
}

func (c *Call) findInviteLocked(link fabric.Link) *Invite {
	for _, inv := range c.invites {
		if inv.Launched && !inv.removed && inv.Link.Kind == link.Kind && inv.Link.Key == link.Key {
			return inv
		}
	}
	return nil
}

func (inv *Invite) stopTimers() {
	if inv.waitTimer != nil {
		inv.waitTimer.Stop()
	}
	if inv.ringTimer != nil {
		inv.ringTimer.Stop()
	}
}

func (c *Call) emitLocked(tag events.Tag, reason string, payload any) {
	ev := events.Event{
		SubjectID:    c.id,
		SubjectClass: events.ClassCall,
		Tag:          tag,
		Reason:       reason,
		Payload:      payload,
		Timestamp:    time.Now(),
	}
	events.Dispatch(c.fab, c.id, ev)
	c.bus.Publish(events.TopicKey{Service: c.service, Class: "media", Subclass: events.ClassCall, InstanceID: c.id}, ev)
}

// Snapshot is a read-only view of the call for the External API.
type Snapshot struct {
	ID       string
	Service  string
	Callee   string
	State    State
	Invites  int
	Answered bool
}

// GetCall returns a point-in-time snapshot.
func (c *Call) GetCall() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		ID:       c.id,
		Service:  c.service,
		Callee:   c.callee,
		State:    c.state,
		Invites:  len(c.invites),
		Answered: c.winner != nil,
	}
}

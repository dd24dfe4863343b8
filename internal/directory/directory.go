// Package directory is the process-wide lookup from a Session or Call id to
// the live object, used to resolve the "weak reference" side of an observer
// registration: a Link only carries an id, so whoever detects a lifetime has
// ended needs a place to look the owning Session/Call back up in order to
// stop it.
package directory

import (
	"sync"

	"github.com/sebas/mediahub/internal/fabric"
)

// Stoppable is implemented by Session and Call: the single operation the
// directory needs in order to propagate an observer death.
type Stoppable interface {
	StopWithReason(reason string)
}

// Directory is a concurrent id -> Stoppable registry.
type Directory struct {
	mu    sync.RWMutex
	items map[string]Stoppable
}

// New creates an empty Directory.
func New() *Directory {
	return &Directory{items: make(map[string]Stoppable)}
}

// Put registers a subject under id, replacing any previous entry.
func (d *Directory) Put(id string, s Stoppable) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items[id] = s
}

// Remove deregisters id, e.g. once the subject has fully stopped.
func (d *Directory) Remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.items, id)
}

// Get looks up a subject by id.
func (d *Directory) Get(id string) (Stoppable, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.items[id]
	return s, ok
}

// ReasonForDeath names the stop/hangup reason a dying observer link
// contributes: session links map to session_stop, call links to
// call_stop, anything else to registered_stop; the "callee" payload
// overrides to callee_stop.
func ReasonForDeath(kind fabric.LinkKind) string {
	switch kind {
	case fabric.LinkSession:
		return "session_stop"
	case fabric.LinkCall:
		return "call_stop"
	default:
		return "registered_stop"
	}
}

// NotifyDead resolves and stops every subject named in entries, using the
// per-entry link kind to compute the stop reason. Call this with the result
// of Fabric.OnLifetimeEnd once an owning connection, Session, or Call
// actually terminates.
func (d *Directory) NotifyDead(entries []fabric.Entry) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, e := range entries {
		if s, ok := d.items[e.SubjectID]; ok {
			reason := ReasonForDeath(e.Link.Kind)
			if isCallee(e) {
				reason = "callee_stop"
			}
			s.StopWithReason(reason)
		}
	}
}

// isCallee reports whether entry's payload marks it as the Call's "callee"
// observer (the winning out-leg), which maps to a distinct reason from a
// generic link death.
func isCallee(e fabric.Entry) bool {
	tag, ok := e.Payload.(string)
	return ok && tag == "callee"
}

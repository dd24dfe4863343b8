package call

import (
	"time"

	"github.com/sebas/mediahub/internal/fabric"
	"github.com/sebas/mediahub/internal/resolver"
	"github.com/sebas/mediahub/internal/session"
)

// DispatchStatus is the adapter hook's reply to an invite launch.
type DispatchStatus int

const (
	// DispatchOK: the invite went out; Link identifies the wire leg.
	DispatchOK DispatchStatus = iota
	// DispatchRetry: try again after RetryAfter.
	DispatchRetry
	// DispatchRemove: drop this invite for good.
	DispatchRemove
	// DispatchPass: this dispatcher does not handle the destination; the
	// chain falls through to the next one.
	DispatchPass
)

// DispatchResult is the outcome of one adapter invite attempt.
type DispatchResult struct {
	Status     DispatchStatus
	Link       fabric.Link
	RetryAfter time.Duration
}

// Dispatcher is the adapter-dispatch hook the Call drives: Invite launches
// one wire leg toward a destination, Cancel retracts a losing one. The
// adapter reports progress back through Call.Ringing / Answered /
// Rejected using the Link it returned.
type Dispatcher interface {
	Invite(callID string, dest resolver.Destination, offer *session.SDP, meta map[string]any) DispatchResult
	Cancel(callID string, link fabric.Link)
}

// Reporter is the reverse half of the adapter-dispatch hook: once an
// invite is launched, the adapter reports wire progress back through it
// using the Link it returned from Invite.
type Reporter interface {
	Ringing(callID string, link fabric.Link, answer *session.SDP)
	Answered(callID string, link fabric.Link, answer *session.SDP)
	Rejected(callID string, link fabric.Link)
}

// DispatchChain tries each dispatcher in order until one produces a
// non-pass result; an exhausted chain removes the invite.
type DispatchChain struct {
	dispatchers []Dispatcher
}

// NewDispatchChain builds a chain. Order matters: the first dispatcher
// that recognises the destination wins.
func NewDispatchChain(dispatchers ...Dispatcher) *DispatchChain {
	return &DispatchChain{dispatchers: dispatchers}
}

// Append adds a dispatcher at the end of the chain.
func (d *DispatchChain) Append(disp Dispatcher) {
	d.dispatchers = append(d.dispatchers, disp)
}

func (d *DispatchChain) Invite(callID string, dest resolver.Destination, offer *session.SDP, meta map[string]any) DispatchResult {
	for _, disp := range d.dispatchers {
		res := disp.Invite(callID, dest, offer, meta)
		if res.Status != DispatchPass {
			return res
		}
	}
	return DispatchResult{Status: DispatchRemove}
}

func (d *DispatchChain) Cancel(callID string, link fabric.Link) {
	for _, disp := range d.dispatchers {
		disp.Cancel(callID, link)
	}
}

var _ Dispatcher = (*DispatchChain)(nil)

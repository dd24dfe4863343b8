package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sebas/mediahub/internal/directory"
	"github.com/sebas/mediahub/internal/events"
	"github.com/sebas/mediahub/internal/fabric"
	"github.com/sebas/mediahub/internal/mediaerr"
	"github.com/sebas/mediahub/internal/resolver"
	"github.com/sebas/mediahub/internal/session"
)

// fakeDispatcher records launches and cancels and hands out predictable
// links.
type fakeDispatcher struct {
	mu       sync.Mutex
	invites  []resolver.Destination
	cancels  []fabric.Link
	retryFor map[string]int // dest -> remaining retry replies
	removeAll bool
}

func (f *fakeDispatcher) Invite(callID string, dest resolver.Destination, offer *session.SDP, meta map[string]any) DispatchResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeAll {
		return DispatchResult{Status: DispatchRemove}
	}
	if f.retryFor != nil && f.retryFor[dest.Dest] > 0 {
		f.retryFor[dest.Dest]--
		return DispatchResult{Status: DispatchRetry, RetryAfter: 10 * time.Millisecond}
	}
	f.invites = append(f.invites, dest)
	return DispatchResult{
		Status: DispatchOK,
		Link:   fabric.Link{Kind: fabric.LinkSIPOut, Key: dest.Dest, Lifetime: dest.Dest},
	}
}

func (f *fakeDispatcher) Cancel(callID string, link fabric.Link) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, link)
}

func (f *fakeDispatcher) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cancels)
}

func (f *fakeDispatcher) inviteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.invites)
}

func staticResolver(dests ...resolver.Destination) *resolver.Chain {
	return resolver.NewChain(resolver.Func{
		Expand: func(ctx context.Context, service, callee string) ([]resolver.Destination, error) {
			return dests, nil
		},
	})
}

func testTimers() Timers {
	return Timers{DefaultRingSeconds: 30, MaxRingSeconds: 120, StopGrace: 10 * time.Millisecond}
}

func newTestManager(chain *resolver.Chain, dispatch Dispatcher) (*Manager, *fabric.Fabric, *events.Bus) {
	fab := fabric.New()
	bus := events.NewBus()
	return NewManager(fab, bus, directory.New(), chain, dispatch, testTimers(), nil), fab, bus
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestNoDestinationHangsUpWithin200ms(t *testing.T) {
	dispatch := &fakeDispatcher{}
	m, _, bus := newTestManager(staticResolver(), dispatch)

	_, sub := bus.Subscribe("svc.media.call.>", nil)

	c, err := m.Create("svc", "unknown", StartConfig{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	select {
	case te := <-sub.C:
		if te.Event.Tag != events.TagHangup || te.Event.Reason != "no_destination" {
			t.Errorf("got event %q/%q, want hangup/no_destination", te.Event.Tag, te.Event.Reason)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("no hangup event within 200ms")
	}

	waitFor(t, 200*time.Millisecond, func() bool {
		_, ok := m.Get(c.ID())
		return !ok
	})
}

func TestFirstAnswerWinsAndLosersAreCancelled(t *testing.T) {
	dests := []resolver.Destination{
		{Dest: "sip:a@host", RingSeconds: 5},
		{Dest: "sip:b@host", RingSeconds: 10},
		{Dest: "sip:c@host", RingSeconds: 15},
	}
	dispatch := &fakeDispatcher{}
	m, _, bus := newTestManager(staticResolver(dests...), dispatch)

	_, sub := bus.Subscribe("svc.media.call.>", nil)

	c, err := m.Create("svc", "alice", StartConfig{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	waitFor(t, time.Second, func() bool { return dispatch.inviteCount() == 3 })

	winner := fabric.Link{Kind: fabric.LinkSIPOut, Key: "sip:b@host", Lifetime: "sip:b@host"}
	if err := c.Answered(winner, &session.SDP{Body: "v=0 answer"}); err != nil {
		t.Fatalf("Answered() error = %v", err)
	}

	waitFor(t, 100*time.Millisecond, func() bool { return dispatch.cancelCount() == 2 })

	var answers int
	timeout := time.After(100 * time.Millisecond)
	for done := false; !done; {
		select {
		case te := <-sub.C:
			if te.Event.Tag == events.TagAnswer {
				answers++
			}
		case <-timeout:
			done = true
		}
	}
	if answers != 1 {
		t.Errorf("answer events = %d, want 1", answers)
	}

	if err := c.Answered(winner, nil); err == nil {
		t.Error("second Answered() succeeded, want already_answered")
	}
	if got := c.State(); got != StateAnswered {
		t.Errorf("State() = %q, want %q", got, StateAnswered)
	}
}

func TestAnsweredRequiresMatchingInvite(t *testing.T) {
	dispatch := &fakeDispatcher{}
	m, _, _ := newTestManager(staticResolver(resolver.Destination{Dest: "sip:a@host"}), dispatch)

	c, _ := m.Create("svc", "alice", StartConfig{})
	waitFor(t, time.Second, func() bool { return dispatch.inviteCount() == 1 })

	bogus := fabric.Link{Kind: fabric.LinkSIPOut, Key: "sip:nobody@host"}
	if err := c.Answered(bogus, nil); err != mediaerr.ErrInviteNotFound {
		t.Errorf("Answered(bogus) = %v, want %v", err, mediaerr.ErrInviteNotFound)
	}
}

func TestLastRejectionHangsUpNoAnswer(t *testing.T) {
	dests := []resolver.Destination{{Dest: "sip:a@host"}, {Dest: "sip:b@host"}}
	dispatch := &fakeDispatcher{}
	m, _, bus := newTestManager(staticResolver(dests...), dispatch)

	_, sub := bus.Subscribe("svc.media.call.>", nil)

	c, _ := m.Create("svc", "alice", StartConfig{})
	waitFor(t, time.Second, func() bool { return dispatch.inviteCount() == 2 })

	for _, key := range []string{"sip:a@host", "sip:b@host"} {
		link := fabric.Link{Kind: fabric.LinkSIPOut, Key: key, Lifetime: key}
		if err := c.Rejected(link); err != nil {
			t.Fatalf("Rejected(%q) error = %v", key, err)
		}
	}

	deadline := time.After(500 * time.Millisecond)
	for {
		select {
		case te := <-sub.C:
			if te.Event.Tag == events.TagHangup {
				if te.Event.Reason != "no_answer" {
					t.Errorf("hangup reason = %q, want no_answer", te.Event.Reason)
				}
				return
			}
		case <-deadline:
			t.Fatal("no hangup event after last rejection")
		}
	}
}

func TestRemoveAllInvitesWithoutLaunchIsNoDestination(t *testing.T) {
	dispatch := &fakeDispatcher{removeAll: true}
	m, _, bus := newTestManager(staticResolver(resolver.Destination{Dest: "sip:a@host"}), dispatch)

	_, sub := bus.Subscribe("svc.media.call.>", nil)
	m.Create("svc", "alice", StartConfig{})

	deadline := time.After(500 * time.Millisecond)
	for {
		select {
		case te := <-sub.C:
			if te.Event.Tag == events.TagHangup {
				if te.Event.Reason != "no_destination" {
					t.Errorf("hangup reason = %q, want no_destination", te.Event.Reason)
				}
				return
			}
		case <-deadline:
			t.Fatal("no hangup event")
		}
	}
}

func TestRetryReschedulesLaunch(t *testing.T) {
	dispatch := &fakeDispatcher{retryFor: map[string]int{"sip:a@host": 2}}
	m, _, _ := newTestManager(staticResolver(resolver.Destination{Dest: "sip:a@host"}), dispatch)

	m.Create("svc", "alice", StartConfig{})
	waitFor(t, time.Second, func() bool { return dispatch.inviteCount() == 1 })
}

func TestHangupIsIdempotent(t *testing.T) {
	dispatch := &fakeDispatcher{}
	m, _, bus := newTestManager(staticResolver(resolver.Destination{Dest: "sip:a@host"}), dispatch)

	_, sub := bus.Subscribe("svc.media.call.>", nil)

	c, _ := m.Create("svc", "alice", StartConfig{})
	waitFor(t, time.Second, func() bool { return dispatch.inviteCount() == 1 })

	c.Hangup("caller_bye")
	c.Hangup("second_reason")

	var hangups int
	deadline := time.After(200 * time.Millisecond)
	for done := false; !done; {
		select {
		case te := <-sub.C:
			if te.Event.Tag == events.TagHangup {
				hangups++
				if te.Event.Reason != "caller_bye" {
					t.Errorf("hangup reason = %q, want caller_bye", te.Event.Reason)
				}
			}
		case <-deadline:
			done = true
		}
	}
	if hangups != 1 {
		t.Errorf("hangup events = %d, want 1", hangups)
	}

	// The launched invite is retracted on hangup.
	waitFor(t, 100*time.Millisecond, func() bool { return dispatch.cancelCount() == 1 })
}

func TestWaitSecondsDelaysLaunch(t *testing.T) {
	dests := []resolver.Destination{{Dest: "sip:slow@host", WaitSeconds: 1}}
	dispatch := &fakeDispatcher{}
	m, _, _ := newTestManager(staticResolver(dests...), dispatch)

	c, _ := m.Create("svc", "alice", StartConfig{})
	if got := dispatch.inviteCount(); got != 0 {
		t.Errorf("invite launched %d times before wait elapsed, want 0", got)
	}
	c.Hangup("test_done")
}

func TestDispatchChainFallsThrough(t *testing.T) {
	pass := dispatcherFunc{
		invite: func(string, resolver.Destination, *session.SDP, map[string]any) DispatchResult {
			return DispatchResult{Status: DispatchPass}
		},
	}
	var handled bool
	take := dispatcherFunc{
		invite: func(string, resolver.Destination, *session.SDP, map[string]any) DispatchResult {
			handled = true
			return DispatchResult{Status: DispatchOK, Link: fabric.Link{Kind: fabric.LinkAPI, Key: "x"}}
		},
	}
	chain := NewDispatchChain(pass, take)

	res := chain.Invite("c1", resolver.Destination{Dest: "api:x"}, nil, nil)
	if res.Status != DispatchOK || !handled {
		t.Errorf("chain did not fall through: status=%v handled=%v", res.Status, handled)
	}

	exhausted := NewDispatchChain(pass)
	if res := exhausted.Invite("c1", resolver.Destination{Dest: "nowhere"}, nil, nil); res.Status != DispatchRemove {
		t.Errorf("exhausted chain status = %v, want DispatchRemove", res.Status)
	}
}

type dispatcherFunc struct {
	invite func(string, resolver.Destination, *session.SDP, map[string]any) DispatchResult
}

func (d dispatcherFunc) Invite(callID string, dest resolver.Destination, offer *session.SDP, meta map[string]any) DispatchResult {
	return d.invite(callID, dest, offer, meta)
}

func (d dispatcherFunc) Cancel(string, fabric.Link) {}

package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sebas/mediahub/internal/directory"
	"github.com/sebas/mediahub/internal/events"
	"github.com/sebas/mediahub/internal/fabric"
)

// fakeAdapter is an in-memory backend: answers any offer, generates an
// offer when asked, and buffers candidates behind a ready flag.
type fakeAdapter struct {
	mu         sync.Mutex
	name       string // reported backend name; "fake" when empty
	ready      bool
	forwarded  []Candidate
	updateFail bool
	stops      int
}

func (f *fakeAdapter) Name() string {
	if f.name != "" {
		return f.name
	}
	return "fake"
}

func (f *fakeAdapter) Supports(t Type) bool  { return t != TypeP2P }
func (f *fakeAdapter) Init(s *Session) error { return nil }

func (f *fakeAdapter) Start(t Type, s *Session) Outcome {
	if offer := s.PendingOffer(); offer != nil {
		return OK(nil, ExtOps{Answer: &SDP{Body: "v=0 answer", Type: offer.Type}})
	}
	return OK(nil, ExtOps{Offer: &SDP{Body: "v=0 offer", Type: SDPRTP}})
}

func (f *fakeAdapter) SetOffer(t Type, offer SDP, s *Session) Outcome  { return OK(nil, ExtOps{}) }
func (f *fakeAdapter) SetAnswer(t Type, answer SDP, s *Session) Outcome { return OK(nil, ExtOps{}) }

func (f *fakeAdapter) Update(kind UpdateKind, opts map[string]any, t Type, s *Session) Outcome {
	if f.updateFail {
		return Fail("dialplan_error", errors.New("engine unavailable"))
	}
	return OK(nil, ExtOps{})
}

func (f *fakeAdapter) Candidate(c Candidate, s *Session) Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready {
		return Continue()
	}
	f.forwarded = append(f.forwarded, c)
	return OK(nil, ExtOps{})
}

func (f *fakeAdapter) Stop(reason string, s *Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeAdapter) HandleBackendEvent(ev BackendEvent, s *Session) ExtOps { return ExtOps{} }

func (f *fakeAdapter) setReady(ready bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = ready
}

func (f *fakeAdapter) candidates() []Candidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Candidate, len(f.forwarded))
	copy(out, f.forwarded)
	return out
}

func testTimers() Timers {
	return Timers{
		WaitTimeout:  time.Second,
		ReadyTimeout: time.Second,
		StopGrace:    5 * time.Millisecond,
		ParkTimeout:  100 * time.Millisecond,
	}
}

func newTestManager(t *testing.T, adapters ...Adapter) (*Manager, *fabric.Fabric, *directory.Directory) {
	t.Helper()
	fab := fabric.New()
	dir := directory.New()
	m := NewManager(fab, events.NewBus(), dir, adapters, testTimers(), nil)
	return m, fab, dir
}

func offer() *SDP { return &SDP{Body: "v=0 offer", Type: SDPRTP} }

func TestStartWithOfferProducesAnswer(t *testing.T) {
	m, _, _ := newTestManager(t, &fakeAdapter{})

	sess, _, answer, err := m.Create("svc", TypeEcho, StartConfig{Offer: offer()})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if answer == nil || answer.Body == "" {
		t.Fatal("Create() returned no answer for start_in")
	}
	if got := sess.State(); got != StateReady {
		t.Errorf("State() = %q, want %q", got, StateReady)
	}
}

func TestStartWithoutOfferGeneratesOffer(t *testing.T) {
	m, _, _ := newTestManager(t, &fakeAdapter{})

	sess, genOffer, answer, err := m.Create("svc", TypePark, StartConfig{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if genOffer == nil {
		t.Fatal("Create() returned no offer for start_out")
	}
	if answer != nil {
		t.Errorf("unexpected answer %v before the peer replied", answer)
	}
	if got := sess.State(); got != StateWaitAnswer {
		t.Errorf("State() = %q, want %q", got, StateWaitAnswer)
	}

	fetched, err := sess.GetOffer(100 * time.Millisecond)
	if err != nil {
		t.Fatalf("GetOffer() error = %v", err)
	}
	if fetched.Body != genOffer.Body {
		t.Errorf("GetOffer() = %q, want the generated offer", fetched.Body)
	}
}

func TestSetAnswerEmitsOnceAndRejectsDuplicates(t *testing.T) {
	m, _, _ := newTestManager(t)

	sess, _, _, err := m.Create("svc", TypeP2P, StartConfig{Offer: offer()})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	var answers int
	sess.Register(fabric.Link{Kind: fabric.LinkSession, Key: "watcher"}, events.SyncObserver(func(ev events.Event) {
		if ev.Tag == events.TagAnswer {
			answers++
		}
	}))

	if err := sess.SetAnswer(SDP{Body: "v=0 answer", Type: SDPRTP}); err != nil {
		t.Fatalf("SetAnswer() error = %v", err)
	}
	if err := sess.SetAnswer(SDP{Body: "v=0 another", Type: SDPRTP}); err == nil {
		t.Fatal("second SetAnswer() succeeded, want already_answered")
	}
	if got := sess.State(); got != StateReady {
		t.Errorf("State() = %q after duplicate answer, want %q (session untouched)", got, StateReady)
	}
	if answers != 1 {
		t.Errorf("answer events = %d, want 1", answers)
	}
}

func TestCandidateBufferingPreservesOrder(t *testing.T) {
	adapter := &fakeAdapter{}
	m, _, _ := newTestManager(t, adapter)

	sess, _, _, err := m.Create("svc", TypeProxy, StartConfig{Offer: offer()})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	for _, v := range []string{"cand-a", "cand-b", "cand-c"} {
		if err := sess.Candidate(Candidate{Value: v}); err != nil {
			t.Fatalf("Candidate(%q) error = %v", v, err)
		}
	}
	if got := len(adapter.candidates()); got != 0 {
		t.Fatalf("adapter received %d candidates before ready, want 0", got)
	}

	adapter.setReady(true)
	sess.FlushCandidates()

	got := adapter.candidates()
	want := []string{"cand-a", "cand-b", "cand-c"}
	if len(got) != len(want) {
		t.Fatalf("forwarded %d candidates, want %d", len(got), len(want))
	}
	for i, c := range got {
		if c.Value != want[i] {
			t.Errorf("candidate[%d] = %q, want %q (order preserved)", i, c.Value, want[i])
		}
	}
}

func TestEndOfCandidatesIsIdempotent(t *testing.T) {
	adapter := &fakeAdapter{}
	adapter.setReady(true)
	m, _, _ := newTestManager(t, adapter)

	sess, _, _, err := m.Create("svc", TypeProxy, StartConfig{Offer: offer()})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := sess.Candidate(Candidate{EndOfCandidates: true}); err != nil {
		t.Fatalf("end-of-candidates error = %v", err)
	}
	if err := sess.Candidate(Candidate{EndOfCandidates: true}); err != nil {
		t.Fatalf("repeated end-of-candidates error = %v", err)
	}
	if got := len(adapter.candidates()); got != 1 {
		t.Errorf("adapter received %d end markers, want 1", got)
	}
}

func TestStopEmitsExactlyOneStopEvent(t *testing.T) {
	adapter := &fakeAdapter{}
	m, _, _ := newTestManager(t, adapter)

	sess, _, _, err := m.Create("svc", TypeEcho, StartConfig{Offer: offer()})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	var stops int
	sess.Register(fabric.Link{Kind: fabric.LinkSession, Key: "watcher"}, events.SyncObserver(func(ev events.Event) {
		if ev.Tag == events.TagStop {
			stops++
		}
	}))

	sess.Stop("test_stop")
	sess.Stop("second_stop")
	time.Sleep(20 * time.Millisecond)

	if stops != 1 {
		t.Errorf("stop events = %d, want 1", stops)
	}
	if got := sess.State(); got != StateStopped {
		t.Errorf("State() = %q, want %q", got, StateStopped)
	}
	if sess.stopReason != "test_stop" {
		t.Errorf("stopReason = %q, want %q (first stop wins)", sess.stopReason, "test_stop")
	}
}

func TestUpdateFailureDoesNotStopSession(t *testing.T) {
	adapter := &fakeAdapter{updateFail: true}
	m, _, _ := newTestManager(t, adapter)

	sess, _, _, err := m.Create("svc", TypeEcho, StartConfig{Offer: offer()})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := sess.Update(UpdateMedia, map[string]any{"dtmf": "1"}); err == nil {
		t.Fatal("Update() succeeded, want backend error")
	}
	if got := sess.State(); got != StateReady {
		t.Errorf("State() = %q after update failure, want %q", got, StateReady)
	}
}

func TestObserverDeathStopsSession(t *testing.T) {
	m, fab, dir := newTestManager(t, &fakeAdapter{})

	sess, _, _, err := m.Create("svc", TypeEcho, StartConfig{Offer: offer()})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	sess.Register(fabric.Link{Kind: fabric.LinkAPI, Key: "client-1", Lifetime: "conn-1"}, "api")

	dir.NotifyDead(fab.OnLifetimeEnd("conn-1"))
	time.Sleep(20 * time.Millisecond)

	if got := sess.State(); got != StateStopped {
		t.Fatalf("State() = %q after observer death, want %q", got, StateStopped)
	}
	if sess.stopReason != "registered_stop" {
		t.Errorf("stopReason = %q, want %q", sess.stopReason, "registered_stop")
	}
}

func TestBridgeCrossLinksBothLegs(t *testing.T) {
	// Bridging is an FS backend operation, so the fake reports itself as fs.
	adapter := &fakeAdapter{name: string(BackendFS)}
	m, _, _ := newTestManager(t, adapter)

	s1, _, _, err := m.Create("svc", TypePark, StartConfig{Offer: offer()})
	if err != nil {
		t.Fatalf("Create(s1) error = %v", err)
	}
	s2, _, _, err := m.Create("svc", TypePark, StartConfig{Offer: offer()})
	if err != nil {
		t.Fatalf("Create(s2) error = %v", err)
	}

	if err := s1.Update(UpdateSessionType, map[string]any{"peer_id": s2.ID()}); err != nil {
		t.Fatalf("bridge Update() error = %v", err)
	}

	if got := s1.Type(); got != TypeBridge {
		t.Errorf("s1 type = %q, want %q", got, TypeBridge)
	}
	if got := s2.Type(); got != TypeBridge {
		t.Errorf("s2 type = %q, want %q", got, TypeBridge)
	}
	if got := s1.TypeExt()["peer_id"]; got != s2.ID() {
		t.Errorf("s1 peer_id = %q, want %q", got, s2.ID())
	}
	if got := s2.TypeExt()["peer_id"]; got != s1.ID() {
		t.Errorf("s2 peer_id = %q, want %q", got, s1.ID())
	}
	for _, s := range []*Session{s1, s2} {
		if got := s.TypeExt()["park_after_bridge"]; got != "true" {
			t.Errorf("session %s park_after_bridge = %q, want true", s.ID(), got)
		}
	}

	// One leg stopping resets the survivor to park; it must stay live,
	// not be torn down alongside its peer. Sleep past the stop grace so a
	// wrongly propagated stop would have fully landed.
	s2.Stop("test_stop")
	time.Sleep(200 * time.Millisecond)

	if got := s1.State(); got == StateStopping || got == StateStopped {
		t.Fatalf("surviving leg state = %q after peer stop, want it live", got)
	}
	if got := s1.Type(); got != TypePark {
		t.Errorf("surviving leg type = %q after peer stop, want %q", got, TypePark)
	}
	if got := s1.TypeExt()["peer_id"]; got != "" {
		t.Errorf("surviving leg still carries peer_id %q", got)
	}
}

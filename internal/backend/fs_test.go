package backend

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sebas/mediahub/internal/backendrpc"
	"github.com/sebas/mediahub/internal/directory"
	"github.com/sebas/mediahub/internal/events"
	"github.com/sebas/mediahub/internal/fabric"
	"github.com/sebas/mediahub/internal/session"
)

// fakeEngine is an in-memory EngineRPC: transfers succeed immediately and
// the matching parked/bridged notification is pushed onto the event
// stream, unless muted.
type fakeEngine struct {
	mu         sync.Mutex
	transfers  []string
	commands   []string
	candidates []string
	stops      []string
	mute       bool
	events     chan backendrpc.EngineEvent
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{events: make(chan backendrpc.EngineEvent, 16)}
}

func (f *fakeEngine) StartSession(_ context.Context, req backendrpc.StartRequest) (*backendrpc.StartReply, error) {
	reply := &backendrpc.StartReply{EngineSessionID: "eng-" + req.SessionID}
	if req.Offer != "" {
		reply.Answer = "v=0 engine answer"
	} else {
		reply.Offer = "v=0 engine offer"
	}
	return reply, nil
}

func (f *fakeEngine) Transfer(_ context.Context, sessionID, target string) error {
	f.mu.Lock()
	f.transfers = append(f.transfers, sessionID+"->"+target)
	mute := f.mute
	f.mu.Unlock()
	if mute {
		return nil
	}
	kind := "parked"
	if strings.HasPrefix(target, "bridge:") {
		kind = "bridged"
	}
	f.events <- backendrpc.EngineEvent{SessionID: sessionID, Kind: kind}
	return nil
}

func (f *fakeEngine) Command(_ context.Context, sessionID, command string, args map[string]string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, sessionID+":"+command)
	return nil, nil
}

func (f *fakeEngine) Candidate(_ context.Context, sessionID, candidate string, end bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, candidate)
	return nil
}

func (f *fakeEngine) StopSession(_ context.Context, sessionID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, sessionID+":"+reason)
	return nil
}

func (f *fakeEngine) Events() <-chan backendrpc.EngineEvent { return f.events }
func (f *fakeEngine) Ready() bool                           { return true }
func (f *fakeEngine) Close() error                          { return nil }

func (f *fakeEngine) lastTransfer() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transfers) == 0 {
		return ""
	}
	return f.transfers[len(f.transfers)-1]
}

func testTimers() session.Timers {
	return session.Timers{
		WaitTimeout:  time.Second,
		ReadyTimeout: time.Second,
		StopGrace:    5 * time.Millisecond,
		ParkTimeout:  500 * time.Millisecond,
	}
}

func newFSFixture(t *testing.T) (*fakeEngine, *FS, *session.Manager, context.CancelFunc) {
	t.Helper()
	engine := newFakeEngine()
	rooms := NewRooms(nil)
	fs := NewFS(engine, rooms, 500*time.Millisecond, nil)
	m := session.NewManager(fabric.New(), events.NewBus(), directory.New(), []session.Adapter{fs}, testTimers(), nil)
	fs.SetSink(&managerTestSink{sessions: m})
	ctx, cancel := context.WithCancel(context.Background())
	go fs.Run(ctx)
	return engine, fs, m, cancel
}

type managerTestSink struct {
	sessions *session.Manager
}

func (s *managerTestSink) OnBackendEvent(id string, ev session.BackendEvent) {
	if sess, ok := s.sessions.Get(id); ok {
		sess.HandleBackendEvent(ev)
	}
}

func (s *managerTestSink) OnBackendReady(id string) {
	if sess, ok := s.sessions.Get(id); ok {
		sess.FlushCandidates()
	}
}

func (s *managerTestSink) OnBackendCandidate(id string, c session.Candidate) {
	if sess, ok := s.sessions.Get(id); ok {
		sess.EmitCandidate(c)
	}
}

func rtpOffer() *session.SDP { return &session.SDP{Body: "v=0 client offer", Type: session.SDPRTP} }

func TestFSParkTransfersAndAnswers(t *testing.T) {
	engine, _, m, cancel := newFSFixture(t)
	defer cancel()

	sess, _, answer, err := m.Create("svc", session.TypePark, session.StartConfig{Offer: rtpOffer()})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if answer == nil || answer.Body != "v=0 engine answer" {
		t.Fatalf("answer = %+v, want engine answer", answer)
	}
	if got := engine.lastTransfer(); got != sess.ID()+"->park" {
		t.Errorf("transfer = %q, want park target", got)
	}
	if got := sess.State(); got != session.StateReady {
		t.Errorf("State() = %q, want ready", got)
	}
}

func TestFSMCUJoinsConference(t *testing.T) {
	engine, fs, m, cancel := newFSFixture(t)
	defer cancel()

	sess, _, _, err := m.Create("svc", session.TypeMCU, session.StartConfig{
		Offer:   rtpOffer(),
		TypeExt: map[string]string{"room_id": "mcu1"},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if got := engine.lastTransfer(); got != sess.ID()+"->conference:mcu1@"+DefaultRoomType {
		t.Errorf("transfer = %q, want conference target", got)
	}
	ext := sess.TypeExt()
	if ext["room_id"] != "mcu1" || ext["room_type"] != DefaultRoomType {
		t.Errorf("type_ext = %v, want room_id=mcu1 room_type=%s", ext, DefaultRoomType)
	}

	room, ok := fs.rooms.Get("svc", "mcu1")
	if !ok {
		t.Fatal("room not created")
	}
	if _, member := room.Members[sess.ID()]; !member {
		t.Error("session not a room member")
	}
}

func TestFSBridgeSymmetry(t *testing.T) {
	engine, _, m, cancel := newFSFixture(t)
	defer cancel()

	s1, _, _, err := m.Create("svc", session.TypePark, session.StartConfig{Offer: rtpOffer()})
	if err != nil {
		t.Fatalf("Create(s1) error = %v", err)
	}
	s2, _, _, err := m.Create("svc", session.TypePark, session.StartConfig{Offer: rtpOffer()})
	if err != nil {
		t.Fatalf("Create(s2) error = %v", err)
	}

	if err := s1.Update(session.UpdateSessionType, map[string]any{"peer_id": s2.ID()}); err != nil {
		t.Fatalf("bridge Update() error = %v", err)
	}

	if got := engine.lastTransfer(); got != s1.ID()+"->bridge:"+s2.ID() {
		t.Errorf("transfer = %q, want bridge target", got)
	}
	if s1.Type() != session.TypeBridge || s2.Type() != session.TypeBridge {
		t.Errorf("types = %q/%q, want bridge/bridge", s1.Type(), s2.Type())
	}
	if s1.TypeExt()["peer_id"] != s2.ID() || s2.TypeExt()["peer_id"] != s1.ID() {
		t.Error("peer_id links are not mutual")
	}
	if s1.TypeExt()["park_after_bridge"] != "true" || s2.TypeExt()["park_after_bridge"] != "true" {
		t.Error("park_after_bridge not pinned on both legs")
	}

	// The surviving leg re-parks when its peer goes away.
	s2.Stop("test_stop")
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s1.Type() == session.TypePark {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := s1.Type(); got != session.TypePark {
		t.Errorf("surviving leg type = %q, want park", got)
	}

	// Past the stop grace, the survivor must still be live.
	time.Sleep(200 * time.Millisecond)
	if got := s1.State(); got == session.StateStopping || got == session.StateStopped {
		t.Fatalf("surviving leg state = %q after peer stop, want it live", got)
	}
}

func TestFSStartTimesOutWithoutParkedEvent(t *testing.T) {
	engine := newFakeEngine()
	engine.mute = true
	rooms := NewRooms(nil)
	fs := NewFS(engine, rooms, 50*time.Millisecond, nil)
	m := session.NewManager(fabric.New(), events.NewBus(), directory.New(), []session.Adapter{fs}, testTimers(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fs.Run(ctx)

	_, _, _, err := m.Create("svc", session.TypePark, session.StartConfig{Offer: rtpOffer()})
	if err == nil {
		t.Fatal("Create() succeeded without a parked event, want timeout")
	}
}

func TestKMSBuffersCandidatesUntilReady(t *testing.T) {
	engine := newFakeEngine()
	rooms := NewRooms(nil)
	kms := NewKMS(engine, rooms, nil)
	m := session.NewManager(fabric.New(), events.NewBus(), directory.New(), []session.Adapter{kms}, testTimers(), nil)
	kms.SetSink(&managerTestSink{sessions: m})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go kms.Run(ctx)

	sess, _, answer, err := m.Create("svc", session.TypeProxy, session.StartConfig{
		Offer: &session.SDP{Body: "v=0 client offer", Type: session.SDPWebRTC, TrickleICE: false},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if answer == nil {
		t.Fatal("no answer from KMS start")
	}

	for _, v := range []string{"cand-1", "cand-2"} {
		if err := sess.Candidate(session.Candidate{Value: v}); err != nil {
			t.Fatalf("Candidate(%q) error = %v", v, err)
		}
	}

	engine.mu.Lock()
	early := len(engine.candidates)
	engine.mu.Unlock()
	if early != 0 {
		t.Fatalf("engine received %d candidates before ready, want 0", early)
	}

	engine.events <- backendrpc.EngineEvent{SessionID: sess.ID(), Kind: "media_ready"}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		engine.mu.Lock()
		n := len(engine.candidates)
		engine.mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	engine.mu.Lock()
	defer engine.mu.Unlock()
	if len(engine.candidates) != 2 || engine.candidates[0] != "cand-1" || engine.candidates[1] != "cand-2" {
		t.Errorf("forwarded candidates = %v, want [cand-1 cand-2] in order", engine.candidates)
	}
}

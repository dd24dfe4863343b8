package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sebas/mediahub/internal/directory"
	"github.com/sebas/mediahub/internal/events"
	"github.com/sebas/mediahub/internal/fabric"
	"github.com/sebas/mediahub/internal/mediaerr"
)

// Manager creates and looks up Sessions, picking a backend Adapter for
// each from an ordered chain the way the resolver chain picks a
// destination producer.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	chain  []Adapter
	fab    *fabric.Fabric
	bus    *events.Bus
	dir    *directory.Directory
	timers Timers
	log    *slog.Logger
}

// NewManager creates a Manager. chain is tried in order for every session
// type that needs a backend; the first Adapter whose Supports(t) is true
// is selected.
func NewManager(fab *fabric.Fabric, bus *events.Bus, dir *directory.Directory, chain []Adapter, timers Timers, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		chain:    chain,
		fab:      fab,
		bus:      bus,
		dir:      dir,
		timers:   timers,
		log:      log,
	}
}

func (m *Manager) pick(t Type) Adapter {
	if t == TypeP2P {
		return nil
	}
	for _, a := range m.chain {
		if a.Supports(t) {
			return a
		}
	}
	return nil
}

// Create builds a new Session, selects its backend adapter, and runs
// start() synchronously, returning whichever of offer/answer start()
// produced.
func (m *Manager) Create(service string, t Type, cfg StartConfig) (*Session, *SDP, *SDP, error) {
	adapter := m.pick(t)
	if adapter == nil && t != TypeP2P {
		return nil, nil, nil, &mediaerr.BackendError{Backend: "none", Reason: "no_adapter"}
	}

	s := &Session{
		id:       uuid.New().String(),
		service:  service,
		typ:      t,
		typeExt:  map[string]string{},
		adapter:  adapter,
		state:    StateNew,
		timers:   m.timers,
		fab:      m.fab,
		bus:      m.bus,
		dir:      m.dir,
		log:      m.log.With("session_id", "pending"),
		waitCh:   make(chan struct{}),
		answerCh: make(chan struct{}),
		createdAt: time.Now(),
	}
	if adapter != nil {
		s.backend = Backend(adapter.Name())
		if err := adapter.Init(s); err != nil {
			return nil, nil, nil, &mediaerr.BackendError{Backend: string(s.backend), Reason: "init_failed", Detail: err.Error()}
		}
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	if m.dir != nil {
		m.dir.Put(s.id, s)
	}
	s.bridgeFn = m.bridge
	s.onStopped = func(done *Session) {
		m.mu.Lock()
		delete(m.sessions, done.id)
		m.mu.Unlock()
		if m.dir != nil {
			m.dir.Remove(done.id)
		}
	}

	for _, req := range cfg.Register {
		s.Register(fabric.Link{Kind: fabric.LinkKind(req.Kind), Key: req.Key, Lifetime: req.Lifetime}, req.Payload)
	}

	offer, answer, err := s.run(t, cfg)
	if err != nil {
		return s, offer, answer, err
	}
	return s, offer, answer, nil
}

// Get looks up a live Session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List snapshots every live session, for the External API's session.list.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// GetOffer blocks up to the wait timeout for the session's offer to become
// available, returning mediaerr.ErrTimeout otherwise.
func (s *Session) GetOffer(timeout time.Duration) (*SDP, error) {
	if timeout <= 0 {
		timeout = s.timers.WaitTimeout
	}
	select {
	case <-s.waitCh:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.offer == nil {
			return nil, mediaerr.ErrTimeout
		}
		return s.offer, nil
	case <-time.After(timeout):
		return nil, mediaerr.ErrTimeout
	}
}

// GetAnswer blocks up to the ready timeout for the session's answer.
func (s *Session) GetAnswer(timeout time.Duration) (*SDP, error) {
	if timeout <= 0 {
		timeout = s.timers.ReadyTimeout
	}
	select {
	case <-s.answerCh:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.answer == nil {
			return nil, mediaerr.ErrTimeout
		}
		return s.answer, nil
	case <-time.After(timeout):
		return nil, mediaerr.ErrTimeout
	}
}

// GetSession returns a point-in-time snapshot of id/type/type_ext/state,
// for the External API's session.info.
func (s *Session) GetSession() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	ext := make(map[string]string, len(s.typeExt))
	for k, v := range s.typeExt {
		ext[k] = v
	}
	return Snapshot{
		ID:        s.id,
		Service:   s.service,
		Type:      s.typ,
		TypeExt:   ext,
		Backend:   s.backend,
		State:     s.state,
		CreatedAt: s.createdAt,
	}
}

// Snapshot is a read-only, race-free view of a Session's attributes.
type Snapshot struct {
	ID        string
	Service   string
	Type      Type
	TypeExt   map[string]string
	Backend   Backend
	State     State
	CreatedAt time.Time
}

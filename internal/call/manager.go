package call

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sebas/mediahub/internal/directory"
	"github.com/sebas/mediahub/internal/events"
	"github.com/sebas/mediahub/internal/fabric"
	"github.com/sebas/mediahub/internal/resolver"
	"github.com/sebas/mediahub/internal/session"
)

// Timers holds the Call-level timing budget.
type Timers struct {
	DefaultRingSeconds int
	MaxRingSeconds     int
	StopGrace          time.Duration
}

// DefaultTimers returns the DEF_RING/MAX_RING defaults and the event
// delivery grace.
func DefaultTimers() Timers {
	return Timers{
		DefaultRingSeconds: 30,
		MaxRingSeconds:     120,
		StopGrace:          100 * time.Millisecond,
	}
}

// StartConfig carries the optional call.start fields.
type StartConfig struct {
	Offer    *session.SDP
	Meta     map[string]any
	Register []session.RegisterRequest
}

// Manager creates and looks up Calls.
type Manager struct {
	mu    sync.RWMutex
	calls map[string]*Call

	fab      *fabric.Fabric
	bus      *events.Bus
	dir      *directory.Directory
	chain    *resolver.Chain
	dispatch Dispatcher
	timers   Timers
	log      *slog.Logger
}

// NewManager creates a Manager.
func NewManager(fab *fabric.Fabric, bus *events.Bus, dir *directory.Directory, chain *resolver.Chain, dispatch Dispatcher, timers Timers, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		calls:    make(map[string]*Call),
		fab:      fab,
		bus:      bus,
		dir:      dir,
		chain:    chain,
		dispatch: dispatch,
		timers:   timers,
		log:      log,
	}
}

// Create builds a Call, resolves the callee through the chain, and starts
// the invite fan-out.
func (m *Manager) Create(service, callee string, cfg StartConfig) (*Call, error) {
	c := &Call{
		id:        uuid.New().String(),
		service:   service,
		callee:    callee,
		offer:     cfg.Offer,
		meta:      cfg.Meta,
		state:     StateCreated,
		fab:       m.fab,
		bus:       m.bus,
		dir:       m.dir,
		dispatch:  m.dispatch,
		defRing:   m.timers.DefaultRingSeconds,
		maxRing:   m.timers.MaxRingSeconds,
		stopGrace: m.timers.StopGrace,
		log:       m.log,
	}

	m.mu.Lock()
	m.calls[c.id] = c
	m.mu.Unlock()
	if m.dir != nil {
		m.dir.Put(c.id, c)
	}
	c.onStopped = func(done *Call) {
		m.mu.Lock()
		delete(m.calls, done.id)
		m.mu.Unlock()
		if m.dir != nil {
			m.dir.Remove(done.id)
		}
	}

	for _, req := range cfg.Register {
		c.Register(fabric.Link{Kind: fabric.LinkKind(req.Kind), Key: req.Key, Lifetime: req.Lifetime}, req.Payload)
	}

	c.mu.Lock()
	c.state = StateResolving
	c.mu.Unlock()

	dests, err := m.chain.Resolve(context.Background(), service, callee)
	if err != nil {
		m.log.Debug("[Call] Resolution failed", "call_id", c.id, "callee", callee, "error", err)
		dests = nil
	}
	c.begin(dests)
	return c, nil
}

// Get looks a live Call up by id.
func (m *Manager) Get(id string) (*Call, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.calls[id]
	return c, ok
}

// List snapshots every live call, for the Hub's shutdown sweep.
func (m *Manager) List() []*Call {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Call, 0, len(m.calls))
	for _, c := range m.calls {
		out = append(out, c)
	}
	return out
}

package backendrpc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// PoolConfig holds configuration for an engine pool.
type PoolConfig struct {
	Addresses           []string
	ConnectTimeout      time.Duration
	KeepaliveInterval   time.Duration
	KeepaliveTimeout    time.Duration
	HealthCheckInterval time.Duration
	UnhealthyThreshold  int // consecutive failed health checks before marking unhealthy
	HealthyThreshold    int // consecutive successful health checks before marking healthy
}

// DefaultPoolConfig returns sensible defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		ConnectTimeout:      10 * time.Second,
		KeepaliveInterval:   30 * time.Second,
		KeepaliveTimeout:    10 * time.Second,
		HealthCheckInterval: 5 * time.Second,
		UnhealthyThreshold:  3,
		HealthyThreshold:    2,
	}
}

// poolMember is a single engine process in the pool.
type poolMember struct {
	address      string
	client       *Client
	healthy      atomic.Bool
	failCount    atomic.Int32
	successCount atomic.Int32
}

// Pool fans sessions out over multiple engine processes with round-robin
// placement, health checking, and per-session affinity: once a session
// lands on an engine, every later operation for it goes to the same one.
type Pool struct {
	mu            sync.RWMutex
	members       []*poolMember
	sessionToAddr map[string]string
	nextIndex     atomic.Uint64
	config        PoolConfig
	stopCh        chan struct{}
	wg            sync.WaitGroup

	events chan EngineEvent
}

// NewPool connects to every configured engine address. Unreachable engines
// are kept as unhealthy members and retried by the health checker.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("no engine addresses provided")
	}

	p := &Pool{
		members:       make([]*poolMember, 0, len(cfg.Addresses)),
		sessionToAddr: make(map[string]string),
		config:        cfg,
		stopCh:        make(chan struct{}),
		events:        make(chan EngineEvent, 256),
	}

	clientCfg := ClientConfig{
		ConnectTimeout:    cfg.ConnectTimeout,
		KeepaliveInterval: cfg.KeepaliveInterval,
		KeepaliveTimeout:  cfg.KeepaliveTimeout,
	}

	for _, addr := range cfg.Addresses {
		clientCfg.Address = addr
		client, err := NewClient(clientCfg)
		if err != nil {
			slog.Warn("[Pool] Failed to connect to engine", "address", addr, "error", err)
			member := &poolMember{address: addr}
			member.healthy.Store(false)
			p.members = append(p.members, member)
			continue
		}

		member := &poolMember{address: addr, client: client}
		member.healthy.Store(true)
		p.members = append(p.members, member)
		p.pumpEvents(member)
	}

	healthyCount := 0
	for _, m := range p.members {
		if m.healthy.Load() {
			healthyCount++
		}
	}
	if healthyCount == 0 {
		slog.Warn("[Pool] No healthy engines at startup; relying on health checks", "addresses", cfg.Addresses)
	}

	p.wg.Add(1)
	go p.healthChecker()

	slog.Info("[Pool] Engine pool initialized", "total", len(p.members), "healthy", healthyCount)
	return p, nil
}

// Events returns the merged asynchronous notification stream of every
// engine in the pool.
func (p *Pool) Events() <-chan EngineEvent { return p.events }

// pumpEvents forwards one member's event stream onto the merged channel,
// restarting it if the member reconnects later.
func (p *Pool) pumpEvents(member *poolMember) {
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := member.client.Events(ctx)
	if err != nil {
		slog.Warn("[Pool] Engine event stream unavailable", "address", member.address, "error", err)
		cancel()
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				select {
				case p.events <- ev:
				default:
					slog.Warn("[Pool] Dropping engine event, channel full", "session_id", ev.SessionID, "kind", ev.Kind)
				}
			case <-p.stopCh:
				return
			}
		}
	}()
}

func (p *Pool) healthChecker() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.checkAllHealth()
		}
	}
}

func (p *Pool) checkAllHealth() {
	for _, member := range p.members {
		healthy := p.checkMemberHealth(member)
		if healthy {
			member.failCount.Store(0)
			newSuccess := member.successCount.Add(1)
			if !member.healthy.Load() && int(newSuccess) >= p.config.HealthyThreshold {
				member.healthy.Store(true)
				slog.Info("[Pool] Engine marked healthy", "address", member.address)
			}
		} else {
			member.successCount.Store(0)
			newFail := member.failCount.Add(1)
			if member.healthy.Load() && int(newFail) >= p.config.UnhealthyThreshold {
				member.healthy.Store(false)
				slog.Warn("[Pool] Engine marked unhealthy", "address", member.address)
			}
		}
	}
}

func (p *Pool) checkMemberHealth(member *poolMember) bool {
	if member.client == nil {
		clientCfg := ClientConfig{
			Address:           member.address,
			ConnectTimeout:    p.config.ConnectTimeout,
			KeepaliveInterval: p.config.KeepaliveInterval,
			KeepaliveTimeout:  p.config.KeepaliveTimeout,
		}
		client, err := NewClient(clientCfg)
		if err != nil {
			return false
		}
		member.client = client
		p.pumpEvents(member)
		slog.Info("[Pool] Reconnected to engine", "address", member.address)
	}
	return member.client.Ready()
}

func (p *Pool) selectMember() (*poolMember, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	healthyMembers := make([]*poolMember, 0)
	for _, m := range p.members {
		if m.healthy.Load() && m.client != nil {
			healthyMembers = append(healthyMembers, m)
		}
	}
	if len(healthyMembers) == 0 {
		return nil, fmt.Errorf("no healthy engines available")
	}

	idx := p.nextIndex.Add(1) % uint64(len(healthyMembers))
	return healthyMembers[idx], nil
}

func (p *Pool) memberForSession(sessionID string) (*poolMember, error) {
	p.mu.RLock()
	addr, ok := p.sessionToAddr[sessionID]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no engine found for session %s", sessionID)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, m := range p.members {
		if m.address == addr {
			return m, nil
		}
	}
	return nil, fmt.Errorf("engine %s left the pool", addr)
}

// StartSession places the session on a healthy engine and records affinity.
func (p *Pool) StartSession(ctx context.Context, req StartRequest) (*StartReply, error) {
	member, err := p.selectMember()
	if err != nil {
		return nil, err
	}

	reply, err := member.client.StartSession(ctx, req)
	if err != nil {
		member.failCount.Add(1)
		return nil, fmt.Errorf("StartSession on %s failed: %w", member.address, err)
	}

	p.mu.Lock()
	p.sessionToAddr[req.SessionID] = member.address
	p.mu.Unlock()

	slog.Debug("[Pool] Session placed", "session_id", req.SessionID, "engine", member.address)
	return reply, nil
}

// Transfer routes to the session's engine.
func (p *Pool) Transfer(ctx context.Context, sessionID, target string) error {
	member, err := p.memberForSession(sessionID)
	if err != nil {
		return err
	}
	return member.client.Transfer(ctx, sessionID, target)
}

// Command routes to the session's engine.
func (p *Pool) Command(ctx context.Context, sessionID, command string, args map[string]string) (map[string]string, error) {
	member, err := p.memberForSession(sessionID)
	if err != nil {
		return nil, err
	}
	return member.client.Command(ctx, sessionID, command, args)
}

// Candidate routes to the session's engine.
func (p *Pool) Candidate(ctx context.Context, sessionID, candidate string, end bool) error {
	member, err := p.memberForSession(sessionID)
	if err != nil {
		return err
	}
	return member.client.Candidate(ctx, sessionID, candidate, end)
}

// StopSession routes to the session's engine and drops the affinity.
func (p *Pool) StopSession(ctx context.Context, sessionID, reason string) error {
	member, err := p.memberForSession(sessionID)
	if err != nil {
		return err
	}

	err = member.client.StopSession(ctx, sessionID, reason)

	p.mu.Lock()
	delete(p.sessionToAddr, sessionID)
	p.mu.Unlock()

	return err
}

// Ready reports whether at least one engine is healthy.
func (p *Pool) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, m := range p.members {
		if m.healthy.Load() {
			return true
		}
	}
	return false
}

// Close tears down every engine connection.
func (p *Pool) Close() error {
	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for _, m := range p.members {
		if m.client != nil {
			if err := m.client.Close(); err != nil {
				lastErr = err
			}
		}
	}
	return lastErr
}

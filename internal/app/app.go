// Package app wires the media-signaling orchestrator together: fabric,
// event bus, backend pools and adapters, session and call managers,
// resolver chain, and the SIP/Verto/External-API signaling adapters.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	apiadapter "github.com/sebas/mediahub/internal/adapter/api"
	sipadapter "github.com/sebas/mediahub/internal/adapter/sip"
	vertoadapter "github.com/sebas/mediahub/internal/adapter/verto"
	"github.com/sebas/mediahub/internal/backend"
	"github.com/sebas/mediahub/internal/backendrpc"
	"github.com/sebas/mediahub/internal/call"
	"github.com/sebas/mediahub/internal/config"
	"github.com/sebas/mediahub/internal/dialog"
	"github.com/sebas/mediahub/internal/directory"
	"github.com/sebas/mediahub/internal/events"
	"github.com/sebas/mediahub/internal/fabric"
	"github.com/sebas/mediahub/internal/location"
	"github.com/sebas/mediahub/internal/resolver"
	"github.com/sebas/mediahub/internal/session"
)

// Hub is the composed orchestrator process.
type Hub struct {
	cfg *config.Config
	log *slog.Logger

	fab *fabric.Fabric
	bus *events.Bus
	dir *directory.Directory

	fsPool  *backendrpc.Pool
	kmsPool *backendrpc.Pool
	fs      *backend.FS
	kms     *backend.KMS
	rooms   *backend.Rooms

	sessions *session.Manager
	calls    *call.Manager
	chain    *resolver.Chain
	leg      *legDispatcher

	loc      *location.Store
	dialogs  *dialog.Manager
	sip      *sipadapter.Server
	sipOut   *sipadapter.Dispatcher
	verto    *vertoadapter.Server
	vertoOut *vertoadapter.Dispatcher
	api      *apiadapter.Server
	apiOut   *apiadapter.Dispatcher

	cancel context.CancelFunc
}

// NewHub builds the process from configuration.
func NewHub(cfg *config.Config) (*Hub, error) {
	log := slog.Default()

	h := &Hub{
		cfg: cfg,
		log: log,
		fab: fabric.New(),
		bus: events.NewBus(),
		dir: directory.New(),
	}
	h.rooms = backend.NewRooms(h.bus)

	poolCfg := backendrpc.PoolConfig{
		ConnectTimeout:      cfg.GRPCConnectTimeout,
		KeepaliveInterval:   cfg.GRPCKeepaliveInterval,
		KeepaliveTimeout:    cfg.GRPCKeepaliveTimeout,
		HealthCheckInterval: 5 * time.Second,
		UnhealthyThreshold:  3,
		HealthyThreshold:    2,
	}

	var chain []session.Adapter
	if len(cfg.FSAddrs) > 0 {
		poolCfg.Addresses = cfg.FSAddrs
		pool, err := backendrpc.NewPool(poolCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create FS pool: %w", err)
		}
		h.fsPool = pool
		h.fs = backend.NewFS(pool, h.rooms, cfg.ReadyTimeout, log)
		chain = append(chain, h.fs)
	}
	if len(cfg.KMSAddrs) > 0 {
		poolCfg.Addresses = cfg.KMSAddrs
		pool, err := backendrpc.NewPool(poolCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create KMS pool: %w", err)
		}
		h.kmsPool = pool
		h.kms = backend.NewKMS(pool, h.rooms, log)
		chain = append(chain, h.kms)
	}

	timers := session.DefaultTimers()
	timers.ParkTimeout = cfg.ReadyTimeout
	timers.StopGrace = cfg.StopGrace
	h.sessions = session.NewManager(h.fab, h.bus, h.dir, chain, timers, log)

	sink := &managerSink{sessions: h.sessions}
	if h.fs != nil {
		h.fs.SetSink(sink)
	}
	if h.kms != nil {
		h.kms.SetSink(sink)
	}

	h.loc = location.NewStore()
	h.dialogs = dialog.NewManager()
	h.chain = resolver.NewChain(
		resolver.NewDirect(),
		resolver.NewUser(h.loc, cfg.SIPDomain),
	)

	// SIP adapter (inbound + outbound dispatcher).
	sipCfg := sipadapter.Config{
		BindAddr:            cfg.BindAddr,
		Port:                cfg.Port,
		AdvertiseAddr:       cfg.AdvertiseAddr,
		Service:             cfg.Service,
		Registrar:           cfg.SIPRegistrar,
		Domain:              cfg.SIPDomain,
		RegistrarForce:      cfg.SIPRegistrarForceDomain,
		InviteNotRegistered: cfg.SIPInviteNotRegistered,
	}
	sipSrv, err := sipadapter.NewServer(sipCfg, h.loc, h.dialogs, h.sessions,
		func(service, dest string, offer session.SDP, link fabric.Link, d *dialog.Dialog) (*session.Session, error) {
			return h.routeInvite(service, dest, offer, link)
		}, log)
	if err != nil {
		return nil, err
	}
	h.sip = sipSrv
	sipSrv.OnLegBye = func(legCallID string) {
		h.dir.NotifyDead(h.fab.OnLifetimeEnd(legCallID))
	}
	h.sipOut = sipadapter.NewDispatcher(sipSrv.Client(), cfg.AdvertiseAddr, cfg.Port, log)

	// Verto adapter.
	h.verto = vertoadapter.NewServer(
		vertoadapter.Config{Listen: cfg.VertoListen, Service: cfg.Service},
		func(user, pass string) (bool, string) { return true, user },
		func(service, dest string, offer session.SDP, link fabric.Link, connID, clientCallID string) (*session.Session, error) {
			return h.routeInvite(service, dest, offer, link)
		},
		h.sessions, log)
	h.verto.OnLifetimeEnd = func(connID string) {
		h.dir.NotifyDead(h.fab.OnLifetimeEnd(connID))
	}
	h.vertoOut = vertoadapter.NewDispatcher(h.verto, log)

	// Call manager over the dispatch chain, with auto out-leg sessions.
	inner := call.NewDispatchChain(h.sipOut, h.vertoOut)
	h.leg = newLegDispatcher(h, inner)
	h.calls = call.NewManager(h.fab, h.bus, h.dir, h.chain, h.leg,
		call.Timers{
			DefaultRingSeconds: cfg.DefaultRingSeconds,
			MaxRingSeconds:     cfg.MaxRingSeconds,
			StopGrace:          cfg.StopGrace,
		}, log)

	reporter := &legReporter{hub: h}
	h.sipOut.SetReporter(reporter)
	h.vertoOut.SetReporter(reporter)

	// External API adapter.
	h.api = apiadapter.NewServer(
		apiadapter.Config{Listen: cfg.APIListen, Service: cfg.Service, SrvID: uuid.New().String()},
		h.sessions, h.calls, h.rooms, h.bus, h.fab, h.dir, log)
	h.apiOut = apiadapter.NewDispatcher(h.api, log)
	h.apiOut.SetReporter(reporter)
	inner.Append(h.apiOut)

	log.Info("Hub assembled",
		"sip_port", cfg.Port,
		"verto_listen", cfg.VertoListen,
		"api_listen", cfg.APIListen,
		"fs", cfg.FSAddrs,
		"kms", cfg.KMSAddrs,
	)
	return h, nil
}

// Resolvers exposes the resolver chain so embedders can append their own.
func (h *Hub) Resolvers() *resolver.Chain { return h.chain }

// Start runs the listeners and backend event pumps until ctx ends.
func (h *Hub) Start(ctx context.Context) error {
	ctx, h.cancel = context.WithCancel(ctx)

	if h.fs != nil {
		go h.fs.Run(ctx)
	}
	if h.kms != nil {
		go h.kms.Run(ctx)
	}
	if err := h.verto.Start(); err != nil {
		return err
	}
	if err := h.api.Start(); err != nil {
		return err
	}
	return h.sip.ListenAndServe(ctx)
}

// Close shuts the process down.
func (h *Hub) Close() error {
	if h.cancel != nil {
		h.cancel()
	}
	for _, sess := range h.sessions.List() {
		sess.Stop("shutdown")
	}
	for _, c := range h.calls.List() {
		c.Hangup("shutdown")
	}
	h.api.Close()
	h.verto.Close()
	h.dialogs.Close()
	h.loc.Close()
	if h.fsPool != nil {
		_ = h.fsPool.Close()
	}
	if h.kmsPool != nil {
		_ = h.kmsPool.Close()
	}
	return h.sip.Close()
}

// managerSink routes engine notifications to the owning Session.
type managerSink struct {
	sessions *session.Manager
}

func (m *managerSink) OnBackendEvent(sessionID string, ev session.BackendEvent) {
	if s, ok := m.sessions.Get(sessionID); ok {
		s.HandleBackendEvent(ev)
	}
}

func (m *managerSink) OnBackendReady(sessionID string) {
	if s, ok := m.sessions.Get(sessionID); ok {
		s.FlushCandidates()
	}
}

func (m *managerSink) OnBackendCandidate(sessionID string, c session.Candidate) {
	if s, ok := m.sessions.Get(sessionID); ok {
		s.EmitCandidate(c)
	}
}

package verto

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/sebas/mediahub/internal/events"
	"github.com/sebas/mediahub/internal/fabric"
	"github.com/sebas/mediahub/internal/mediaerr"
	"github.com/sebas/mediahub/internal/session"
)

// IdleTimeout disconnects a Verto peer that sends nothing for an hour.
const IdleTimeout = 60 * time.Minute

// LoginHook authenticates a login attempt. It returns ok and, optionally,
// a normalized user name to register the connection under.
type LoginHook func(user, pass string) (bool, string)

// InviteHook resolves a verto.invite into a Session, mirroring the SIP
// adapter's hook: dest is the destination_number carried inside the offer
// dialog params.
type InviteHook func(service, dest string, offer session.SDP, link fabric.Link, connID, clientCallID string) (*session.Session, error)

// Config holds the Verto adapter's listen specs.
type Config struct {
	Listen  []string // ws://host:port specs
	Service string
}

// Server accepts Verto WebSocket connections and drives their JSON-RPC
// exchange.
type Server struct {
	cfg       Config
	login     LoginHook
	invite    InviteHook
	sessions   *session.Manager
	dispatcher *Dispatcher // outbound invite path, attached by NewDispatcher
	log        *slog.Logger
	listeners  []*http.Server

	// OnLifetimeEnd, when set, is invoked with the connection id of every
	// peer that disconnects, so registrations scoped to the connection's
	// lifetime can be torn down.
	OnLifetimeEnd func(connID string)

	mu     sync.Mutex
	conns  map[string]*Conn // connection id -> conn
	byUser map[string]*Conn // normalized login -> conn
}

// Conn is one logged-in (or logging-in) Verto peer.
type Conn struct {
	id     string
	user   string
	raw    net.Conn
	server *Server

	writeMu sync.Mutex

	mu       sync.Mutex
	calls    map[string]string // client call id -> session id
	byServer map[string]string // session id -> client call id
	closed   bool
}

// NewServer creates the Verto adapter.
func NewServer(cfg Config, login LoginHook, invite InviteHook, sessions *session.Manager, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Service == "" {
		cfg.Service = "default"
	}
	return &Server{
		cfg:      cfg,
		login:    login,
		invite:   invite,
		sessions: sessions,
		log:      log,
		conns:    make(map[string]*Conn),
		byUser:   make(map[string]*Conn),
	}
}

// Start binds every configured listen spec.
func (s *Server) Start() error {
	for _, spec := range s.cfg.Listen {
		u, err := url.Parse(spec)
		if err != nil {
			return fmt.Errorf("invalid verto listen spec %q: %w", spec, err)
		}
		srv := &http.Server{
			Addr:    u.Host,
			Handler: http.HandlerFunc(s.handleUpgrade),
		}
		s.listeners = append(s.listeners, srv)
		go func(srv *http.Server, spec string) {
			s.log.Info("[Verto] Listening", "spec", spec)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.log.Error("[Verto] Listener failed", "spec", spec, "error", err)
			}
		}(srv, spec)
	}
	return nil
}

// Close stops the listeners and drops every connection.
func (s *Server) Close() {
	for _, srv := range s.listeners {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(ctx)
		cancel()
	}
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close("shutdown")
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	raw, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug("[Verto] Upgrade failed", "error", err)
		return
	}

	conn := &Conn{
		id:       uuid.New().String(),
		raw:      raw,
		server:   s,
		calls:    make(map[string]string),
		byServer: make(map[string]string),
	}
	s.mu.Lock()
	s.conns[conn.id] = conn
	s.mu.Unlock()

	s.log.Info("[Verto] Connection accepted", "conn_id", conn.id, "remote", raw.RemoteAddr())
	go conn.readLoop()
}

// ConnByUser finds a logged-in peer, for the outbound dispatcher.
func (s *Server) ConnByUser(user string) (*Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byUser[user]
	return c, ok
}

func (s *Server) dropConn(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	if c.user != "" && s.byUser[c.user] == c {
		delete(s.byUser, c.user)
	}
	s.mu.Unlock()
}

// --- connection ---

func (c *Conn) readLoop() {
	defer c.close("connection_closed")
	for {
		if err := c.raw.SetReadDeadline(time.Now().Add(IdleTimeout)); err != nil {
			return
		}
		data, op, err := wsutil.ReadClientData(c.raw)
		if err != nil {
			c.server.log.Debug("[Verto] Read ended", "conn_id", c.id, "error", err)
			return
		}
		if op != ws.OpText {
			continue
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.server.log.Debug("[Verto] Bad frame", "conn_id", c.id, "error", err)
			continue
		}
		c.dispatch(&req)
	}
}

func (c *Conn) dispatch(req *Request) {
	switch req.Method {
	case "login":
		c.handleLogin(req)
	case "verto.invite":
		c.handleInvite(req)
	case "verto.answer":
		c.handleAnswer(req)
	case "verto.bye":
		c.handleBye(req)
	case "verto.info":
		c.handleInfo(req)
	default:
		code := mediaerr.VertoCode("invalid_dest")
		c.send(errResponse(req.ID, code.Number, "unknown method "+req.Method))
	}
}

func (c *Conn) handleLogin(req *Request) {
	var params LoginParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Login == "" {
		code := mediaerr.VertoCode("login_failed")
		c.send(errResponse(req.ID, code.Number, "login failed"))
		return
	}

	ok, normalized := true, params.Login
	if c.server.login != nil {
		ok, normalized = c.server.login(params.Login, params.Passwd)
		if normalized == "" {
			normalized = params.Login
		}
	}
	if !ok {
		code := mediaerr.VertoCode("login_failed")
		c.send(errResponse(req.ID, code.Number, "login failed"))
		return
	}

	c.server.mu.Lock()
	c.user = normalized
	c.server.byUser[normalized] = c
	c.server.mu.Unlock()

	c.server.log.Info("[Verto] Logged in", "conn_id", c.id, "user", normalized)
	c.send(okResponse(req.ID, map[string]any{"message": "logged in", "sessid": c.id}))
}

func (c *Conn) handleInvite(req *Request) {
	var params CallParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Dialog.CallID == "" {
		code := mediaerr.VertoCode("invalid_dest")
		c.send(errResponse(req.ID, code.Number, "invalid invite"))
		return
	}

	dest := params.Dialog.DestinationNumber
	offer := session.SDP{Body: params.SDP, Type: session.SDPWebRTC, TrickleICE: false}
	link := fabric.Link{Kind: fabric.LinkVerto, Key: c.id + "/" + params.Dialog.CallID, Lifetime: c.id}

	sess, err := c.server.invite(c.server.cfg.Service, dest, offer, link, c.id, params.Dialog.CallID)
	if err != nil {
		code := mediaerr.VertoCode("invalid_dest")
		c.send(errResponse(req.ID, code.Number, err.Error()))
		return
	}

	c.mu.Lock()
	c.calls[params.Dialog.CallID] = sess.ID()
	c.byServer[sess.ID()] = params.Dialog.CallID
	c.mu.Unlock()

	// Acknowledge the invite first; the answer is delivered asynchronously
	// once the backend produced it, so a session still generating media
	// never blocks the wire.
	c.send(okResponse(req.ID, map[string]any{"message": "CALL CREATED", "callID": params.Dialog.CallID}))

	mbox := events.NewMailbox(16)
	sess.Register(link, mbox)
	go c.watchSession(params.Dialog.CallID, sess, mbox)
}

// watchSession forwards session lifecycle to the peer: the answer as
// verto.answer, stop as verto.bye. Candidate events are not forwarded.
func (c *Conn) watchSession(clientCallID string, sess *session.Session, mbox *events.Mailbox) {
	for ev := range mbox.C {
		switch ev.Tag {
		case events.TagAnswer:
			answer, ok := ev.Payload.(*session.SDP)
			if !ok || answer == nil {
				continue
			}
			c.request("verto.answer", CallParams{SDP: answer.Body, Dialog: DialogParams{CallID: clientCallID}})

		case events.TagStop:
			code := mediaerr.VertoCode(ev.Reason)
			c.request("verto.bye", map[string]any{
				"dialogParams": DialogParams{CallID: clientCallID},
				"cause":        ev.Reason,
				"causeCode":    code.Number,
			})
			c.mu.Lock()
			delete(c.calls, clientCallID)
			delete(c.byServer, sess.ID())
			c.mu.Unlock()
			return
		}
	}
}

func (c *Conn) handleAnswer(req *Request) {
	var params CallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		code := mediaerr.VertoCode("invalid_dest")
		c.send(errResponse(req.ID, code.Number, "invalid answer"))
		return
	}

	c.mu.Lock()
	sessID, ok := c.calls[params.Dialog.CallID]
	c.mu.Unlock()
	if !ok {
		code := mediaerr.VertoCode("invalid_dest")
		c.send(errResponse(req.ID, code.Number, "unknown call"))
		return
	}
	if sessID == "" {
		// A call this server pushed: the answer belongs to the Call
		// fan-out, not to a locally created session.
		if d := c.server.dispatcher; d != nil {
			d.peerAnswered(c, params.Dialog.CallID, params.SDP)
		}
		c.send(okResponse(req.ID, map[string]any{"message": "answered"}))
		return
	}

	sess, found := c.server.sessions.Get(sessID)
	if !found {
		code := mediaerr.VertoCode("invalid_dest")
		c.send(errResponse(req.ID, code.Number, "session gone"))
		return
	}
	if err := sess.SetAnswer(session.SDP{Body: params.SDP, Type: session.SDPWebRTC}); err != nil {
		code := mediaerr.VertoCode("invalid_dest")
		c.send(errResponse(req.ID, code.Number, err.Error()))
		return
	}

	if d := c.server.dispatcher; d != nil {
		d.peerAnswered(c, params.Dialog.CallID, params.SDP)
	}
	c.send(okResponse(req.ID, map[string]any{"message": "answered"}))
}

func (c *Conn) handleBye(req *Request) {
	var params CallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		code := mediaerr.VertoCode("invalid_dest")
		c.send(errResponse(req.ID, code.Number, "invalid bye"))
		return
	}

	c.mu.Lock()
	sessID, ok := c.calls[params.Dialog.CallID]
	delete(c.calls, params.Dialog.CallID)
	if ok {
		delete(c.byServer, sessID)
	}
	c.mu.Unlock()

	if ok {
		if sess, found := c.server.sessions.Get(sessID); found {
			sess.Stop("verto_bye")
		}
	}
	if d := c.server.dispatcher; d != nil {
		d.peerBye(c, params.Dialog.CallID)
	}
	c.send(okResponse(req.ID, map[string]any{"message": "bye"}))
}

func (c *Conn) handleInfo(req *Request) {
	var params InfoParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		code := mediaerr.VertoCode("invalid_dest")
		c.send(errResponse(req.ID, code.Number, "invalid info"))
		return
	}

	c.mu.Lock()
	sessID, ok := c.calls[params.Dialog.CallID]
	c.mu.Unlock()
	if ok && params.DTMF != "" {
		if sess, found := c.server.sessions.Get(sessID); found {
			_ = sess.Update(session.UpdateMedia, map[string]any{"dtmf": params.DTMF})
		}
	}
	c.send(okResponse(req.ID, map[string]any{"message": "ok"}))
}

// send writes one frame, serialized per connection.
func (c *Conn) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteServerMessage(c.raw, ws.OpText, data); err != nil {
		c.server.log.Debug("[Verto] Write failed", "conn_id", c.id, "error", err)
	}
}

// request sends a server-to-client JSON-RPC request.
func (c *Conn) request(method string, params any) {
	req, err := newRequest(method, params)
	if err != nil {
		return
	}
	c.send(req)
}

// close ends the connection, stopping every session it owns through the
// fabric lifetime teardown. Idempotent.
func (c *Conn) close(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sessIDs := make([]string, 0, len(c.calls))
	for _, sid := range c.calls {
		sessIDs = append(sessIDs, sid)
	}
	c.calls = make(map[string]string)
	c.byServer = make(map[string]string)
	c.mu.Unlock()

	for _, sid := range sessIDs {
		if sess, ok := c.server.sessions.Get(sid); ok {
			sess.Stop("verto_disconnect")
		}
	}
	if c.server.OnLifetimeEnd != nil {
		c.server.OnLifetimeEnd(c.id)
	}
	c.server.dropConn(c)
	_ = c.raw.Close()
	c.server.log.Info("[Verto] Connection closed", "conn_id", c.id, "reason", reason)
}

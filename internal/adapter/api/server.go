package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/sebas/mediahub/internal/backend"
	"github.com/sebas/mediahub/internal/call"
	"github.com/sebas/mediahub/internal/directory"
	"github.com/sebas/mediahub/internal/events"
	"github.com/sebas/mediahub/internal/fabric"
	"github.com/sebas/mediahub/internal/mediaerr"
	"github.com/sebas/mediahub/internal/session"
)

// Config holds the External API adapter's settings.
type Config struct {
	Listen  string // ws://host:port
	Service string // default tenant for unscoped commands
	SrvID   string // node identifier stamped on event frames
}

// Server accepts API client connections and executes their command
// frames against the session and call managers.
type Server struct {
	cfg      Config
	sessions *session.Manager
	calls    *call.Manager
	rooms    *backend.Rooms
	bus      *events.Bus
	fab      *fabric.Fabric
	dir      *directory.Directory
	log      *slog.Logger

	dispatcher *Dispatcher
	listener   *http.Server

	mu    sync.Mutex
	conns map[string]*Conn
}

// Conn is one API client session.
type Conn struct {
	id     string
	raw    net.Conn
	server *Server

	writeMu sync.Mutex

	mu     sync.Mutex
	subs   []string // bus subscription ids
	closed bool
}

// NewServer creates the External API adapter.
func NewServer(cfg Config, sessions *session.Manager, calls *call.Manager, rooms *backend.Rooms, bus *events.Bus, fab *fabric.Fabric, dir *directory.Directory, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Service == "" {
		cfg.Service = "default"
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		calls:    calls,
		rooms:    rooms,
		bus:      bus,
		fab:      fab,
		dir:      dir,
		log:      log,
		conns:    make(map[string]*Conn),
	}
}

// Start binds the WebSocket listener.
func (s *Server) Start() error {
	u, err := url.Parse(s.cfg.Listen)
	if err != nil {
		return err
	}
	s.listener = &http.Server{Addr: u.Host, Handler: http.HandlerFunc(s.handleUpgrade)}
	go func() {
		s.log.Info("[API] Listening", "spec", s.cfg.Listen)
		if err := s.listener.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("[API] Listener failed", "error", err)
		}
	}()
	return nil
}

// Close stops the listener and every client connection.
func (s *Server) Close() {
	if s.listener != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = s.listener.Shutdown(ctx)
		cancel()
	}
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	raw, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug("[API] Upgrade failed", "error", err)
		return
	}
	conn := &Conn{id: uuid.New().String(), raw: raw, server: s}
	s.mu.Lock()
	s.conns[conn.id] = conn
	s.mu.Unlock()
	s.log.Info("[API] Client connected", "client", conn.id, "remote", raw.RemoteAddr())
	go conn.readLoop()
}

func (s *Server) connByID(id string) (*Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	return c, ok
}

// --- connection ---

func (c *Conn) readLoop() {
	defer c.close()
	for {
		data, op, err := wsutil.ReadClientData(c.raw)
		if err != nil {
			c.server.log.Debug("[API] Read ended", "client", c.id, "error", err)
			return
		}
		if op != ws.OpText {
			continue
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.server.log.Debug("[API] Bad frame", "client", c.id, "error", err)
			continue
		}
		c.handle(&frame)
	}
}

func (c *Conn) handle(f *Frame) {
	if f.Class != "media" {
		c.fail(f, mediaerr.ErrUnknownCommand)
		return
	}
	switch f.Subclass + "." + f.Cmd {
	case "session.start":
		c.sessionStart(f)
	case "session.stop":
		c.sessionStop(f)
	case "session.set_answer":
		c.sessionSetAnswer(f)
	case "session.set_candidate":
		c.sessionCandidate(f, false)
	case "session.set_candidate_end":
		c.sessionCandidate(f, true)
	case "session.update":
		c.sessionUpdate(f)
	case "session.info":
		c.sessionInfo(f)
	case "session.list":
		c.sessionList(f)
	case "call.start":
		c.callStart(f)
	case "call.ringing", "call.answered", "call.rejected":
		c.callReport(f)
	case "call.hangup":
		c.callHangup(f)
	case "room.create":
		c.roomCreate(f)
	case "room.destroy":
		c.roomDestroy(f)
	case "room.list":
		c.roomList(f)
	case "room.info":
		c.roomInfo(f)
	default:
		c.fail(f, mediaerr.ErrUnknownCommand)
	}
}

// --- session commands ---

func (c *Conn) sessionStart(f *Frame) {
	var data sessionStartData
	if err := json.Unmarshal(f.Data, &data); err != nil {
		c.fail(f, mediaerr.ErrUnknownCommand)
		return
	}
	service := data.Service
	if service == "" {
		service = c.server.cfg.Service
	}

	link := fabric.Link{Kind: fabric.LinkAPI, Key: c.id, Lifetime: c.id}
	cfg := session.StartConfig{
		Offer:   data.Offer.toSDP(),
		TypeExt: data.TypeExt,
		Register: []session.RegisterRequest{
			{Kind: string(fabric.LinkAPI), Key: link.Key, Lifetime: link.Lifetime, Payload: "api"},
		},
	}

	sess, offer, answer, err := c.server.sessions.Create(service, session.Type(data.Type), cfg)
	if err != nil {
		c.fail(f, err)
		return
	}

	if data.Subscribe == nil || *data.Subscribe {
		c.subscribe(service, events.ClassSession, sess.ID(), data.EventsBody)
	}

	reply := map[string]any{"session_id": sess.ID()}
	if answer != nil {
		reply["answer"] = sdpData(answer)
	} else if cfg.Offer == nil && offer != nil {
		reply["offer"] = sdpData(offer)
	}
	c.ok(f, reply)
}

func (c *Conn) sessionStop(f *Frame) {
	var data sessionRefData
	if err := json.Unmarshal(f.Data, &data); err != nil {
		c.fail(f, mediaerr.ErrUnknownCommand)
		return
	}
	sess, ok := c.server.sessions.Get(data.SessionID)
	if !ok {
		c.fail(f, mediaerr.ErrSessionNotFound)
		return
	}
	reason := data.Reason
	if reason == "" {
		reason = "api_stop"
	}
	sess.Stop(reason)
	c.ok(f, nil)
}

func (c *Conn) sessionSetAnswer(f *Frame) {
	var data sessionAnswerData
	if err := json.Unmarshal(f.Data, &data); err != nil || data.Answer == nil {
		c.fail(f, mediaerr.ErrUnknownCommand)
		return
	}
	sess, ok := c.server.sessions.Get(data.SessionID)
	if !ok {
		c.fail(f, mediaerr.ErrSessionNotFound)
		return
	}
	if err := sess.SetAnswer(*data.Answer.toSDP()); err != nil {
		c.fail(f, err)
		return
	}
	c.ok(f, nil)
}

func (c *Conn) sessionCandidate(f *Frame, end bool) {
	var data sessionCandidateData
	if err := json.Unmarshal(f.Data, &data); err != nil {
		c.fail(f, mediaerr.ErrUnknownCommand)
		return
	}
	sess, ok := c.server.sessions.Get(data.SessionID)
	if !ok {
		c.fail(f, mediaerr.ErrSessionNotFound)
		return
	}
	if err := sess.Candidate(session.Candidate{Value: data.Candidate, EndOfCandidates: end}); err != nil {
		c.fail(f, err)
		return
	}
	c.ok(f, nil)
}

func (c *Conn) sessionUpdate(f *Frame) {
	var data sessionUpdateData
	if err := json.Unmarshal(f.Data, &data); err != nil {
		c.fail(f, mediaerr.ErrUnknownCommand)
		return
	}
	sess, ok := c.server.sessions.Get(data.SessionID)
	if !ok {
		c.fail(f, mediaerr.ErrSessionNotFound)
		return
	}
	if err := sess.Update(session.UpdateKind(data.Kind), data.Opts); err != nil {
		c.fail(f, err)
		return
	}
	c.ok(f, nil)
}

func (c *Conn) sessionInfo(f *Frame) {
	var data sessionRefData
	if err := json.Unmarshal(f.Data, &data); err != nil {
		c.fail(f, mediaerr.ErrUnknownCommand)
		return
	}
	sess, ok := c.server.sessions.Get(data.SessionID)
	if !ok {
		c.fail(f, mediaerr.ErrSessionNotFound)
		return
	}
	c.ok(f, sess.GetSession())
}

func (c *Conn) sessionList(f *Frame) {
	sessions := c.server.sessions.List()
	out := make([]session.Snapshot, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.GetSession())
	}
	c.ok(f, out)
}

// --- call commands ---

func (c *Conn) callStart(f *Frame) {
	var data callStartData
	if err := json.Unmarshal(f.Data, &data); err != nil || data.Callee == "" {
		c.fail(f, mediaerr.ErrUnknownCommand)
		return
	}
	service := data.Service
	if service == "" {
		service = c.server.cfg.Service
	}

	cfg := call.StartConfig{
		Offer: data.Offer.toSDP(),
		Meta:  data.Meta,
		Register: []session.RegisterRequest{
			{Kind: string(fabric.LinkAPI), Key: c.id, Lifetime: c.id, Payload: "api"},
		},
	}

	cl, err := c.server.calls.Create(service, data.Callee, cfg)
	if err != nil {
		c.fail(f, err)
		return
	}

	if data.Subscribe == nil || *data.Subscribe {
		c.subscribe(service, events.ClassCall, cl.ID(), data.EventsBody)
	}
	c.ok(f, map[string]any{"call_id": cl.ID()})
}

// callReport routes the client's ringing/answered/rejected for an invite
// this node pushed to it through the API dispatcher.
func (c *Conn) callReport(f *Frame) {
	var data callRefData
	if err := json.Unmarshal(f.Data, &data); err != nil || data.LinkID == "" {
		c.fail(f, mediaerr.ErrUnknownCommand)
		return
	}
	d := c.server.dispatcher
	if d == nil {
		c.fail(f, mediaerr.ErrInviteNotFound)
		return
	}
	if err := d.report(f.Cmd, c, data); err != nil {
		c.fail(f, err)
		return
	}
	c.ok(f, nil)
}

func (c *Conn) callHangup(f *Frame) {
	var data callRefData
	if err := json.Unmarshal(f.Data, &data); err != nil {
		c.fail(f, mediaerr.ErrUnknownCommand)
		return
	}
	cl, ok := c.server.calls.Get(data.CallID)
	if !ok {
		c.fail(f, mediaerr.ErrCallNotFound)
		return
	}
	reason := data.Reason
	if reason == "" {
		reason = "api_hangup"
	}
	cl.Hangup(reason)
	c.ok(f, nil)
}

// --- room commands ---

func (c *Conn) roomCreate(f *Frame) {
	var data roomData
	if err := json.Unmarshal(f.Data, &data); err != nil || data.RoomID == "" {
		c.fail(f, mediaerr.ErrUnknownCommand)
		return
	}
	service := data.Service
	if service == "" {
		service = c.server.cfg.Service
	}
	roomType := data.RoomType
	if roomType == "" {
		roomType = backend.DefaultRoomType
	}
	room := c.server.rooms.Ensure(service, data.RoomID, roomType)
	c.ok(f, map[string]any{"room_id": room.ID, "room_type": room.Type})
}

func (c *Conn) roomDestroy(f *Frame) {
	var data roomData
	if err := json.Unmarshal(f.Data, &data); err != nil || data.RoomID == "" {
		c.fail(f, mediaerr.ErrUnknownCommand)
		return
	}
	service := data.Service
	if service == "" {
		service = c.server.cfg.Service
	}
	if err := c.server.rooms.Destroy(service, data.RoomID); err != nil {
		c.fail(f, err)
		return
	}
	c.ok(f, nil)
}

func (c *Conn) roomList(f *Frame) {
	var data roomData
	if len(f.Data) > 0 {
		_ = json.Unmarshal(f.Data, &data)
	}
	service := data.Service
	if service == "" {
		service = c.server.cfg.Service
	}
	rooms := c.server.rooms.List(service)
	out := make([]map[string]any, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, map[string]any{"room_id": r.ID, "room_type": r.Type, "members": len(r.Members)})
	}
	c.ok(f, out)
}

func (c *Conn) roomInfo(f *Frame) {
	var data roomData
	if err := json.Unmarshal(f.Data, &data); err != nil || data.RoomID == "" {
		c.fail(f, mediaerr.ErrUnknownCommand)
		return
	}
	service := data.Service
	if service == "" {
		service = c.server.cfg.Service
	}
	room, ok := c.server.rooms.Get(service, data.RoomID)
	if !ok {
		c.fail(f, mediaerr.ErrSessionNotFound)
		return
	}
	members := make(map[string]string, len(room.Members))
	for k, v := range room.Members {
		members[k] = v
	}
	c.ok(f, map[string]any{"room_id": room.ID, "room_type": room.Type, "members": members})
}

// --- subscriptions and replies ---

// subscribe auto-subscribes the caller to the created object's lifecycle
// topic, pumping events out as EventFrames with the caller's body
// attached.
func (c *Conn) subscribe(service string, class events.Class, objID string, body any) {
	pattern := events.TopicKey{Service: service, Class: "media", Subclass: class, InstanceID: objID}.String()
	id, sub := c.server.bus.Subscribe(pattern, body)
	c.mu.Lock()
	c.subs = append(c.subs, id)
	c.mu.Unlock()

	go func() {
		for te := range sub.C {
			c.send(EventFrame{
				Class: "event",
				Data: EventData{
					SrvID:    c.server.cfg.SrvID,
					Class:    te.Key.Class,
					Subclass: string(te.Key.Subclass),
					Type:     string(te.Event.Tag),
					ObjID:    te.Key.InstanceID,
					Reason:   te.Event.Reason,
					Payload:  te.Event.Payload,
					Body:     te.Body,
				},
			})
		}
	}()
}

func (c *Conn) ok(f *Frame, data any) {
	c.send(Response{TID: f.TID, Result: "ok", Data: data})
}

func (c *Conn) fail(f *Frame, err error) {
	c.send(Response{TID: f.TID, Result: "error", Error: err.Error()})
}

func (c *Conn) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteServerMessage(c.raw, ws.OpText, data); err != nil {
		c.server.log.Debug("[API] Write failed", "client", c.id, "error", err)
	}
}

// close tears the client down: subjects registered under this client's
// lifetime are stopped (their final stop event still reaches the topic),
// then the subscriptions are dropped. Idempotent.
func (c *Conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	c.server.dir.NotifyDead(c.server.fab.OnLifetimeEnd(c.id))
	if c.server.dispatcher != nil {
		c.server.dispatcher.connClosed(c)
	}
	for _, id := range subs {
		c.server.bus.Unsubscribe(id)
	}

	c.server.mu.Lock()
	delete(c.server.conns, c.id)
	c.server.mu.Unlock()
	_ = c.raw.Close()
	c.server.log.Info("[API] Client disconnected", "client", c.id)
}

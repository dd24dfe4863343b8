// Package sipadapter is the SIP signaling adapter: a sipgo UA that turns
// REGISTER into location bindings, inbound INVITEs into Sessions via the
// generic invite hook, and Call fan-out destinations into outbound
// INVITEs.
package sipadapter

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	psdp "github.com/pion/sdp/v3"

	"github.com/sebas/mediahub/internal/dialog"
	"github.com/sebas/mediahub/internal/events"
	"github.com/sebas/mediahub/internal/fabric"
	"github.com/sebas/mediahub/internal/location"
	"github.com/sebas/mediahub/internal/session"
)

// Config holds the SIP adapter's bind settings and realm policy.
type Config struct {
	BindAddr      string
	Port          int
	AdvertiseAddr string
	Service       string

	Registrar           bool   // accept REGISTER at all
	Domain              string // realm / force-domain value
	RegistrarForce      bool   // rewrite REGISTER To-domain
	InviteNotRegistered bool   // permit INVITE to unregistered URIs
}

// InviteHook resolves an inbound INVITE into a Session. The adapter hands
// it the derived destination, the parsed offer, and the sip_in link it
// will observe the session under; the hook either returns the session
// whose answer should go out on the wire, or an error that maps to a SIP
// rejection.
type InviteHook func(service, dest string, offer session.SDP, link fabric.Link, d *dialog.Dialog) (*session.Session, error)

// Server is the inbound half of the SIP adapter.
type Server struct {
	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client

	cfg      Config
	loc      *location.Store
	dialogs  *dialog.Manager
	sessions *session.Manager
	hook     InviteHook
	log      *slog.Logger

	// OnLegBye, when set, receives the Call-ID of a BYE that matched no
	// inbound dialog — an outbound leg launched by the dispatcher hanging
	// up. The wire leg's lifetime token is its Call-ID.
	OnLegBye func(legCallID string)

	answerTimeout time.Duration
}

// NewServer creates the SIP UA, server, and client and registers the
// method handlers.
func NewServer(cfg Config, loc *location.Store, dialogs *dialog.Manager, sessions *session.Manager, hook InviteHook, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Service == "" {
		cfg.Service = "default"
	}

	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("failed to create user agent: %w", err)
	}
	uas, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	uac, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	s := &Server{
		ua:            ua,
		srv:           uas,
		client:        uac,
		cfg:           cfg,
		loc:           loc,
		dialogs:       dialogs,
		sessions:      sessions,
		hook:          hook,
		log:           log,
		answerTimeout: 30 * time.Second,
	}

	uas.OnRequest(sip.REGISTER, s.handleRegister)
	uas.OnRequest(sip.INVITE, s.handleInvite)
	uas.OnRequest(sip.ACK, s.handleACK)
	uas.OnRequest(sip.BYE, s.handleBYE)
	uas.OnRequest(sip.CANCEL, s.handleCANCEL)

	log.Info("[SIP] Handlers registered", "methods", "REGISTER, INVITE, BYE, ACK, CANCEL")
	return s, nil
}

// Client exposes the UAC for the outbound dispatcher.
func (s *Server) Client() *sipgo.Client { return s.client }

// ListenAndServe binds the UDP listener. Blocks until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listenAddr := fmt.Sprintf("%s:%d", s.cfg.BindAddr, s.cfg.Port)
	s.log.Info("[SIP] Starting server", "listen", listenAddr)
	return s.srv.ListenAndServe(ctx, "udp", listenAddr)
}

// Close tears the UA down.
func (s *Server) Close() error {
	if s.ua != nil {
		return s.ua.Close()
	}
	return nil
}

// --- REGISTER ---

func (s *Server) handleRegister(req *sip.Request, tx sip.ServerTransaction) {
	if !s.cfg.Registrar {
		s.respond(tx, req, sip.StatusForbidden, "Registrar Disabled")
		return
	}

	to := req.To()
	if to == nil {
		s.respond(tx, req, sip.StatusBadRequest, "Missing To")
		return
	}

	aorURI := to.Address
	if s.cfg.RegistrarForce && s.cfg.Domain != "" {
		aorURI.Host = s.cfg.Domain
		aorURI.Port = 0
	}
	aor := aorURI.String()

	expires := location.DefaultExpires
	if hdrs := req.GetHeaders("Expires"); len(hdrs) > 0 {
		if v, err := strconv.Atoi(hdrs[0].Value()); err == nil {
			expires = v
		}
	}

	contacts := req.GetHeaders("Contact")
	if len(contacts) == 0 {
		// Query: answered with a bare 200; current bindings are not listed.
		s.respond(tx, req, sip.StatusOK, "OK")
		return
	}

	receivedIP, receivedPort := splitSource(req.Source())
	callID := ""
	if req.CallID() != nil {
		callID = req.CallID().String()
	}
	var cseq uint32
	if req.CSeq() != nil {
		cseq = req.CSeq().SeqNo
	}

	for _, hdr := range contacts {
		contact, ok := hdr.(*sip.ContactHeader)
		if !ok {
			continue
		}
		if contact.Address.Wildcard {
			s.loc.Unregister(aor, "", true)
			continue
		}
		if expires == 0 {
			s.loc.Unregister(aor, location.GenerateBindingID(contact.Address.String(), ""), false)
			continue
		}
		binding := &location.Binding{
			AOR:          aor,
			Service:      s.cfg.Service,
			ContactURI:   contact.Address.String(),
			ReceivedIP:   receivedIP,
			ReceivedPort: receivedPort,
			Transport:    "UDP",
			Expires:      expires,
			CallID:       callID,
			CSeq:         cseq,
			QValue:       1.0,
		}
		if _, err := s.loc.Register(binding); err != nil {
			s.log.Warn("[SIP] Registration rejected", "aor", aor, "error", err)
			s.respond(tx, req, sip.StatusBadRequest, "Invalid Registration")
			return
		}
	}

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	contactHdr := &sip.ContactHeader{Address: to.Address}
	res.AppendHeader(contactHdr)
	if err := tx.Respond(res); err != nil {
		s.log.Error("[SIP] Failed to respond to REGISTER", "error", err)
	}
}

// --- INVITE ---

func (s *Server) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	to := req.To()
	if to != nil {
		if _, hasTag := to.Params.Get("tag"); hasTag {
			// reINVITE: renegotiation is not offered.
			s.respond(tx, req, sip.StatusCode(603), "Decline")
			return
		}
	}

	s.log.Info("[SIP] INVITE received", "from", req.From(), "to", to, "call_id", req.CallID())

	d := dialog.New(req, tx)
	s.dialogs.Track(d)

	trying := sip.NewResponseFromRequest(req, sip.StatusTrying, "Trying", nil)
	if err := tx.Respond(trying); err != nil {
		s.log.Error("[SIP] Failed to send 100 Trying", "error", err)
		return
	}

	offer, err := s.extractOffer(req)
	if err != nil {
		s.log.Warn("[SIP] Rejecting INVITE, bad SDP", "error", err)
		s.respond(tx, req, sip.StatusNotAcceptable, "Not Acceptable")
		s.dialogs.Terminate(d)
		return
	}

	dest := req.Recipient.User
	if !s.cfg.InviteNotRegistered && !s.isServiceDest(dest) && len(s.loc.LookupByUser(dest)) == 0 {
		s.respond(tx, req, sip.StatusNotFound, "Not Found")
		s.dialogs.Terminate(d)
		return
	}

	link := fabric.Link{Kind: fabric.LinkSIPIn, Key: d.RequestHandle, Lifetime: d.RequestHandle}

	sess, err := s.hook(s.cfg.Service, dest, *offer, link, d)
	if err != nil {
		s.log.Warn("[SIP] Invite hook rejected", "dest", dest, "error", err)
		s.respond(tx, req, sip.StatusNotFound, "Not Found")
		s.dialogs.Terminate(d)
		return
	}
	d.BindSession(sess.ID())

	// Observe the session so a backend-side stop hangs the wire leg up.
	mbox := events.NewMailbox(16)
	sess.Register(link, mbox)
	go s.watchDialog(d, mbox)

	ringing := sip.NewResponseFromRequest(req, sip.StatusRinging, "Ringing", nil)
	if err := tx.Respond(ringing); err != nil {
		s.log.Debug("[SIP] Failed to send 180", "error", err)
	}

	answer, err := sess.GetAnswer(s.answerTimeout)
	if err != nil {
		s.log.Warn("[SIP] No answer for inbound leg", "session_id", sess.ID(), "error", err)
		s.respond(tx, req, sip.StatusTemporarilyUnavailable, "No Answer")
		sess.Stop("no_answer")
		s.dialogs.Terminate(d)
		return
	}

	ok := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", []byte(answer.Body))
	ct := sip.ContentTypeHeader("application/sdp")
	ok.AppendHeader(&ct)
	contactHdr := &sip.ContactHeader{Address: s.localContact()}
	ok.AppendHeader(contactHdr)
	if err := tx.Respond(ok); err != nil {
		s.log.Error("[SIP] Failed to send 200 OK", "error", err)
		sess.Stop("sip_error")
		s.dialogs.Terminate(d)
		return
	}

	s.dialogs.Confirm(d, dialogHandle(req))
	s.log.Info("[SIP] Answered", "call_id", d.CallID, "session_id", sess.ID())
}

// watchDialog forwards session lifecycle onto the wire: a session stop
// terminates the dialog, sending BYE if it was already confirmed.
func (s *Server) watchDialog(d *dialog.Dialog, mbox *events.Mailbox) {
	for ev := range mbox.C {
		if ev.Tag != events.TagStop {
			continue
		}
		if d.IsTerminated() {
			return
		}
		confirmed := d.State() == dialog.StateConfirmed
		s.dialogs.Terminate(d)
		if confirmed {
			if err := s.sendBYE(d); err != nil {
				s.log.Warn("[SIP] Failed to send BYE", "call_id", d.CallID, "error", err)
			}
		} else {
			resp := sip.NewResponseFromRequest(d.InviteRequest, sip.StatusTemporarilyUnavailable, "Session Ended", nil)
			if err := d.Transaction.Respond(resp); err != nil {
				s.log.Debug("[SIP] Failed to reject pending INVITE", "call_id", d.CallID, "error", err)
			}
		}
		return
	}
}

// sendBYE ends a confirmed dialog from our side, reusing the INVITE's
// dialog identifiers with the direction flipped.
func (s *Server) sendBYE(d *dialog.Dialog) error {
	invite := d.InviteRequest

	var target sip.Uri
	if contact := invite.Contact(); contact != nil {
		target = contact.Address
	} else if from := invite.From(); from != nil {
		target = from.Address
	}

	bye := sip.NewRequest(sip.BYE, target)
	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	// We are the UAS: our From is the INVITE's To and vice versa.
	if to := invite.To(); to != nil {
		bye.AppendHeader(&sip.FromHeader{DisplayName: to.DisplayName, Address: to.Address, Params: to.Params})
	}
	if from := invite.From(); from != nil {
		bye.AppendHeader(&sip.ToHeader{DisplayName: from.DisplayName, Address: from.Address, Params: from.Params})
	}
	sip.CopyHeaders("Call-ID", invite, bye)
	if cseq := invite.CSeq(); cseq != nil {
		bye.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo + 1, MethodName: sip.BYE})
	}
	bye.SetDestination(invite.Source())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := s.client.TransactionRequest(ctx, bye)
	if err != nil {
		return fmt.Errorf("send BYE: %w", err)
	}
	select {
	case <-tx.Done():
	case <-ctx.Done():
	}
	return nil
}

// --- in-dialog requests ---

func (s *Server) handleACK(req *sip.Request, tx sip.ServerTransaction) {
	// 2xx retransmission absorption only; dialog state already confirmed.
	s.log.Debug("[SIP] ACK", "call_id", req.CallID())
}

func (s *Server) handleBYE(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if req.CallID() != nil {
		callID = req.CallID().Value()
	}
	d, ok := s.dialogs.ByCallID(callID)
	if !ok {
		if s.OnLegBye != nil {
			s.respond(tx, req, sip.StatusOK, "OK")
			s.OnLegBye(callID)
			return
		}
		s.respond(tx, req, sip.StatusCallTransactionDoesNotExists, "Call Does Not Exist")
		return
	}

	s.respond(tx, req, sip.StatusOK, "OK")
	s.dialogs.Terminate(d)

	if sid := d.Session(); sid != "" {
		if sess, ok := s.sessions.Get(sid); ok {
			sess.Stop("sip_bye")
		}
	}
	s.log.Info("[SIP] BYE", "call_id", callID)
}

func (s *Server) handleCANCEL(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if req.CallID() != nil {
		callID = req.CallID().Value()
	}
	d, ok := s.dialogs.ByCallID(callID)
	if !ok {
		s.respond(tx, req, sip.StatusCallTransactionDoesNotExists, "Call Does Not Exist")
		return
	}

	s.respond(tx, req, sip.StatusOK, "OK")

	if d.State() == dialog.StateEarly {
		terminated := sip.NewResponseFromRequest(d.InviteRequest, sip.StatusRequestTerminated, "Request Terminated", nil)
		if err := d.Transaction.Respond(terminated); err != nil {
			s.log.Debug("[SIP] Failed to send 487", "call_id", callID, "error", err)
		}
	}
	s.dialogs.Terminate(d)

	if sid := d.Session(); sid != "" {
		if sess, ok := s.sessions.Get(sid); ok {
			sess.Stop("sip_cancel")
		}
	}
	s.log.Info("[SIP] CANCEL", "call_id", callID)
}

// --- helpers ---

func (s *Server) extractOffer(req *sip.Request) (*session.SDP, error) {
	if req.Body() == nil {
		return nil, fmt.Errorf("no SDP body in INVITE")
	}
	sdpObj := &psdp.SessionDescription{}
	if err := sdpObj.Unmarshal(req.Body()); err != nil {
		return nil, fmt.Errorf("failed to parse SDP: %w", err)
	}
	if len(sdpObj.MediaDescriptions) == 0 {
		return nil, fmt.Errorf("no media descriptions in SDP")
	}
	return &session.SDP{Body: string(req.Body()), Type: session.SDPRTP}, nil
}

// isServiceDest recognises destinations addressed at the media core
// itself rather than a registered user, which bypass the registration
// policy check.
func (s *Server) isServiceDest(dest string) bool {
	for _, prefix := range []string{"mcu", "echo", "park", "p", "e", "m", "f"} {
		if dest == prefix || (len(dest) > len(prefix) && dest[:len(prefix)] == prefix) {
			return true
		}
	}
	return false
}

func (s *Server) localContact() sip.Uri {
	return sip.Uri{Scheme: "sip", User: "mediahub", Host: s.cfg.AdvertiseAddr, Port: s.cfg.Port}
}

func (s *Server) respond(tx sip.ServerTransaction, req *sip.Request, code sip.StatusCode, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		s.log.Error("[SIP] Failed to send response", "status", int(code), "error", err)
	}
}

// dialogHandle mints the confirmed-dialog correlation key from the INVITE
// identifiers.
func dialogHandle(req *sip.Request) string {
	callID := ""
	if req.CallID() != nil {
		callID = req.CallID().String()
	}
	fromTag := ""
	if from := req.From(); from != nil {
		fromTag, _ = from.Params.Get("tag")
	}
	return callID + ";" + fromTag
}

func splitSource(source string) (string, int) {
	host, portStr, err := net.SplitHostPort(source)
	if err != nil {
		return source, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

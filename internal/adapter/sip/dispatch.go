package sipadapter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/sebas/mediahub/internal/call"
	"github.com/sebas/mediahub/internal/fabric"
	"github.com/sebas/mediahub/internal/resolver"
	"github.com/sebas/mediahub/internal/session"
)

// Dispatcher launches outbound SIP invites for Call fan-out destinations
// addressed as SIP URIs, and reports ringing/answered/rejected back to
// the Call through the Reporter.
type Dispatcher struct {
	client        *sipgo.Client
	advertiseAddr string
	port          int
	reporter      call.Reporter
	log           *slog.Logger

	mu   sync.Mutex
	legs map[string]*outLeg // link key -> in-flight leg
}

type outLeg struct {
	callID  string
	link    fabric.Link
	invite  *sip.Request
	cancel  context.CancelFunc
	answered bool
}

// NewDispatcher creates the outbound SIP dispatcher.
func NewDispatcher(client *sipgo.Client, advertiseAddr string, port int, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		client:        client,
		advertiseAddr: advertiseAddr,
		port:          port,
		log:           log,
		legs:          make(map[string]*outLeg),
	}
}

// SetReporter wires the progress report path. Must be set before the
// first Invite.
func (d *Dispatcher) SetReporter(r call.Reporter) { d.reporter = r }

// Invite sends the INVITE and drives its response flow on a background
// goroutine, returning the sip_out link immediately.
func (d *Dispatcher) Invite(callID string, dest resolver.Destination, offer *session.SDP, meta map[string]any) call.DispatchResult {
	if !strings.HasPrefix(dest.Dest, "sip:") && !strings.HasPrefix(dest.Dest, "sips:") {
		return call.DispatchResult{Status: call.DispatchPass}
	}
	if offer == nil {
		d.log.Warn("[Originate] No offer for SIP destination", "call_id", callID, "dest", dest.Dest)
		return call.DispatchResult{Status: call.DispatchRemove}
	}

	legCallID := uuid.New().String()
	link := fabric.Link{Kind: fabric.LinkSIPOut, Key: dest.Dest + "#" + legCallID, Lifetime: legCallID}

	invite, err := d.buildINVITE(dest.Dest, legCallID, offer.Body)
	if err != nil {
		d.log.Warn("[Originate] Failed to build INVITE", "dest", dest.Dest, "error", err)
		return call.DispatchResult{Status: call.DispatchRemove}
	}

	ctx, cancel := context.WithCancel(context.Background())
	leg := &outLeg{callID: callID, link: link, invite: invite, cancel: cancel}
	d.mu.Lock()
	d.legs[link.Key] = leg
	d.mu.Unlock()

	tx, err := d.client.TransactionRequest(ctx, invite)
	if err != nil {
		cancel()
		d.dropLeg(link)
		d.log.Warn("[Originate] Transaction failed", "dest", dest.Dest, "error", err)
		return call.DispatchResult{Status: call.DispatchRetry, RetryAfter: 2 * time.Second}
	}

	d.log.Info("[Originate] INVITE sent", "call_id", callID, "dest", dest.Dest, "leg_call_id", legCallID)
	go d.responseLoop(ctx, leg, tx)

	return call.DispatchResult{Status: call.DispatchOK, Link: link}
}

// Cancel retracts a launched invite: CANCEL while still pending, BYE once
// answered.
func (d *Dispatcher) Cancel(callID string, link fabric.Link) {
	if link.Kind != fabric.LinkSIPOut {
		return
	}
	d.mu.Lock()
	leg, ok := d.legs[link.Key]
	if ok {
		delete(d.legs, link.Key)
	}
	d.mu.Unlock()
	if !ok {
		return
	}

	if leg.answered {
		if err := d.sendBYE(leg); err != nil {
			d.log.Warn("[Originate] Failed to send BYE", "leg", link.Key, "error", err)
		}
	} else {
		if err := d.sendCANCEL(leg); err != nil {
			d.log.Debug("[Originate] Failed to send CANCEL", "leg", link.Key, "error", err)
		}
	}
	leg.cancel()
	d.log.Info("[Originate] Cancelled", "call_id", callID, "leg", link.Key)
}

func (d *Dispatcher) dropLeg(link fabric.Link) {
	d.mu.Lock()
	delete(d.legs, link.Key)
	d.mu.Unlock()
}

// responseLoop consumes the INVITE transaction's responses until a final
// one arrives, reporting progress to the Call.
func (d *Dispatcher) responseLoop(ctx context.Context, leg *outLeg, tx sip.ClientTransaction) {
	for {
		select {
		case <-ctx.Done():
			return

		case resp := <-tx.Responses():
			if resp == nil {
				d.dropLeg(leg.link)
				d.reporter.Rejected(leg.callID, leg.link)
				return
			}
			statusCode := int(resp.StatusCode)
			switch {
			case statusCode == 100:
				// 100 Trying - informational only.

			case statusCode == 180 || statusCode == 181 || statusCode == 183:
				var answer *session.SDP
				if body := resp.Body(); len(body) > 0 {
					answer = &session.SDP{Body: string(body), Type: session.SDPRTP}
				}
				d.reporter.Ringing(leg.callID, leg.link, answer)

			case statusCode >= 200 && statusCode < 300:
				if err := d.sendACK(leg, resp); err != nil {
					d.log.Warn("[Originate] Failed to send ACK", "leg", leg.link.Key, "error", err)
				}
				var answer *session.SDP
				if body := resp.Body(); len(body) > 0 {
					answer = &session.SDP{Body: string(body), Type: session.SDPRTP}
				}
				d.mu.Lock()
				leg.answered = true
				d.mu.Unlock()
				d.log.Info("[Originate] Answered", "leg", leg.link.Key, "status", statusCode)
				d.reporter.Answered(leg.callID, leg.link, answer)
				return

			default:
				d.log.Info("[Originate] Rejected", "leg", leg.link.Key, "status", statusCode, "reason", resp.Reason)
				d.dropLeg(leg.link)
				d.reporter.Rejected(leg.callID, leg.link)
				return
			}

		case <-tx.Done():
			d.dropLeg(leg.link)
			d.reporter.Rejected(leg.callID, leg.link)
			return
		}
	}
}

// buildINVITE constructs the outbound INVITE request.
func (d *Dispatcher) buildINVITE(targetURI, legCallID, sdpBody string) (*sip.Request, error) {
	var requestURI sip.Uri
	if err := sip.ParseUri(targetURI, &requestURI); err != nil {
		return nil, fmt.Errorf("invalid target URI: %w", err)
	}

	invite := sip.NewRequest(sip.INVITE, requestURI)

	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", uuid.New().String()[:8])
	invite.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: "mediahub", Host: d.advertiseAddr, Port: d.port},
		Params:  fromParams,
	})

	var toURI sip.Uri
	sip.ParseUri(targetURI, &toURI)
	invite.AppendHeader(&sip.ToHeader{Address: toURI, Params: sip.NewParams()})

	callIDHdr := sip.CallIDHeader(legCallID)
	invite.AppendHeader(&callIDHdr)

	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})

	invite.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: "mediahub", Host: d.advertiseAddr, Port: d.port},
	})

	contentType := sip.ContentTypeHeader("application/sdp")
	invite.AppendHeader(&contentType)
	invite.SetBody([]byte(sdpBody))

	return invite, nil
}

// sendACK acknowledges a 2xx. Per RFC 3261 §13.2.2.4 the ACK targets the
// 2xx's Contact and travels outside the INVITE transaction.
func (d *Dispatcher) sendACK(leg *outLeg, resp *sip.Response) error {
	requestURI := leg.invite.Recipient
	if contact := resp.Contact(); contact != nil {
		requestURI = contact.Address
	}

	ack := sip.NewRequest(sip.ACK, requestURI)
	sip.CopyHeaders("From", leg.invite, ack)
	sip.CopyHeaders("Call-ID", leg.invite, ack)
	if to := resp.To(); to != nil {
		ack.AppendHeader(&sip.ToHeader{DisplayName: to.DisplayName, Address: to.Address, Params: to.Params})
	}
	if cseq := leg.invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	destAddr := resp.Source()
	if destAddr == "" {
		port := requestURI.Port
		if port == 0 {
			port = 5060
		}
		destAddr = fmt.Sprintf("%s:%d", requestURI.Host, port)
	}
	ack.SetDestination(destAddr)

	return d.client.WriteRequest(ack)
}

// sendCANCEL retracts a pending INVITE per RFC 3261 §9.1.
func (d *Dispatcher) sendCANCEL(leg *outLeg) error {
	cancelReq := sip.NewRequest(sip.CANCEL, leg.invite.Recipient)
	sip.CopyHeaders("Via", leg.invite, cancelReq)
	sip.CopyHeaders("From", leg.invite, cancelReq)
	sip.CopyHeaders("To", leg.invite, cancelReq)
	sip.CopyHeaders("Call-ID", leg.invite, cancelReq)
	if cseq := leg.invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := d.client.TransactionRequest(ctx, cancelReq)
	if err != nil {
		return fmt.Errorf("send CANCEL: %w", err)
	}
	select {
	case <-tx.Done():
	case <-ctx.Done():
	}
	return nil
}

// sendBYE ends an already-answered losing leg.
func (d *Dispatcher) sendBYE(leg *outLeg) error {
	bye := sip.NewRequest(sip.BYE, leg.invite.Recipient)
	sip.CopyHeaders("From", leg.invite, bye)
	sip.CopyHeaders("To", leg.invite, bye)
	sip.CopyHeaders("Call-ID", leg.invite, bye)
	if cseq := leg.invite.CSeq(); cseq != nil {
		bye.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo + 1, MethodName: sip.BYE})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := d.client.TransactionRequest(ctx, bye)
	if err != nil {
		return fmt.Errorf("send BYE: %w", err)
	}
	select {
	case <-tx.Done():
	case <-ctx.Done():
	}
	return nil
}

var _ call.Dispatcher = (*Dispatcher)(nil)

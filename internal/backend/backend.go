// Package backend implements the per-engine backend adapters behind the
// Session FSM: FS (conferencing engine: park/echo/MCU/bridge) and KMS
// (WebRTC media engine: proxy/publish/listen). P2P sessions carry no
// backend at all and are handled by the Session directly.
package backend

import (
	"context"

	"github.com/sebas/mediahub/internal/backendrpc"
	"github.com/sebas/mediahub/internal/session"
)

// EngineRPC is the slice of the backendrpc pool surface the adapters use.
// Taking the interface instead of *backendrpc.Pool keeps the adapters
// testable against an in-memory fake.
type EngineRPC interface {
	StartSession(ctx context.Context, req backendrpc.StartRequest) (*backendrpc.StartReply, error)
	Transfer(ctx context.Context, sessionID, target string) error
	Command(ctx context.Context, sessionID, command string, args map[string]string) (map[string]string, error)
	Candidate(ctx context.Context, sessionID, candidate string, end bool) error
	StopSession(ctx context.Context, sessionID, reason string) error
	Events() <-chan backendrpc.EngineEvent
	Ready() bool
	Close() error
}

var _ EngineRPC = (*backendrpc.Pool)(nil)

// SessionEventSink receives engine notifications that must reach the
// owning Session. The app wires this to a manager lookup followed by
// Session.HandleBackendEvent / FlushCandidates / EmitCandidate; the
// adapters never dereference a Session from their own event pump.
type SessionEventSink interface {
	OnBackendEvent(sessionID string, ev session.BackendEvent)
	OnBackendReady(sessionID string)
	OnBackendCandidate(sessionID string, c session.Candidate)
}

func typePtr(t session.Type) *session.Type { return &t }

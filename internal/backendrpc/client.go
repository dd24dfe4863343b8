package backendrpc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// Engine RPC method names. The engines expose one service regardless of
// kind; FS and KMS differ only in which operations they honor.
const (
	methodStart     = "/mediahub.v1.Engine/StartSession"
	methodTransfer  = "/mediahub.v1.Engine/Transfer"
	methodCommand   = "/mediahub.v1.Engine/Command"
	methodCandidate = "/mediahub.v1.Engine/Candidate"
	methodStop      = "/mediahub.v1.Engine/StopSession"
	methodHealth    = "/mediahub.v1.Engine/Health"
	methodEvents    = "/mediahub.v1.Engine/Events"
)

var eventsStreamDesc = &grpc.StreamDesc{
	StreamName:    "Events",
	ServerStreams: true,
}

// ClientConfig holds gRPC client configuration for one engine address.
type ClientConfig struct {
	Address           string
	ConnectTimeout    time.Duration
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Address:           "localhost:9090",
		ConnectTimeout:    10 * time.Second,
		KeepaliveInterval: 30 * time.Second,
		KeepaliveTimeout:  10 * time.Second,
	}
}

// Client is a gRPC connection to one engine process.
type Client struct {
	conn  *grpc.ClientConn
	mu    sync.RWMutex
	ready bool
}

// NewClient dials an engine.
func NewClient(cfg ClientConfig) (*Client, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveInterval,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	conn, err := grpc.DialContext(ctx, cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to engine at %s: %w", cfg.Address, err)
	}

	slog.Info("[Engine] Connected", "address", cfg.Address)
	return &Client{conn: conn, ready: true}, nil
}

// StartSession asks the engine to originate or answer a leg.
func (c *Client) StartSession(ctx context.Context, req StartRequest) (*StartReply, error) {
	var reply StartReply
	if err := c.conn.Invoke(ctx, methodStart, &req, &reply); err != nil {
		return nil, fmt.Errorf("StartSession RPC failed: %w", err)
	}
	if err := replyError("StartSession", reply.Error); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Transfer moves a leg to a new dialplan target.
func (c *Client) Transfer(ctx context.Context, sessionID, target string) error {
	req := TransferRequest{SessionID: sessionID, Target: target}
	var reply Ack
	if err := c.conn.Invoke(ctx, methodTransfer, &req, &reply); err != nil {
		return fmt.Errorf("Transfer RPC failed: %w", err)
	}
	return replyError("Transfer", reply.Error)
}

// Command runs an online command against a leg or its room.
func (c *Client) Command(ctx context.Context, sessionID, command string, args map[string]string) (map[string]string, error) {
	req := CommandRequest{SessionID: sessionID, Command: command, Args: args}
	var reply CommandReply
	if err := c.conn.Invoke(ctx, methodCommand, &req, &reply); err != nil {
		return nil, fmt.Errorf("Command RPC failed: %w", err)
	}
	if err := replyError("Command", reply.Error); err != nil {
		return nil, err
	}
	return reply.Data, nil
}

// Candidate streams one trickle-ICE candidate to the engine.
func (c *Client) Candidate(ctx context.Context, sessionID, candidate string, end bool) error {
	req := CandidateRequest{SessionID: sessionID, Candidate: candidate, EndOfCandidates: end}
	var reply Ack
	if err := c.conn.Invoke(ctx, methodCandidate, &req, &reply); err != nil {
		return fmt.Errorf("Candidate RPC failed: %w", err)
	}
	return replyError("Candidate", reply.Error)
}

// StopSession releases the engine leg. Unknown-session errors are not
// surfaced; stop is idempotent from the caller's perspective.
func (c *Client) StopSession(ctx context.Context, sessionID, reason string) error {
	req := StopRequest{SessionID: sessionID, Reason: reason}
	var reply Ack
	if err := c.conn.Invoke(ctx, methodStop, &req, &reply); err != nil {
		return fmt.Errorf("StopSession RPC failed: %w", err)
	}
	return nil
}

// Events opens the engine's notification stream and pumps it onto the
// returned channel until the stream or ctx ends.
func (c *Client) Events(ctx context.Context) (<-chan EngineEvent, error) {
	stream, err := c.conn.NewStream(ctx, eventsStreamDesc, methodEvents)
	if err != nil {
		return nil, fmt.Errorf("Events RPC failed: %w", err)
	}
	if err := stream.SendMsg(&EventsRequest{}); err != nil {
		return nil, fmt.Errorf("Events subscribe failed: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("Events close-send failed: %w", err)
	}

	out := make(chan EngineEvent, 64)
	go func() {
		defer close(out)
		for {
			var ev EngineEvent
			if err := stream.RecvMsg(&ev); err != nil {
				if err != io.EOF && ctx.Err() == nil {
					slog.Warn("[Engine] Event stream ended", "error", err)
				}
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Ready probes the engine's health endpoint.
func (c *Client) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.ready || c.conn == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var reply HealthReply
	if err := c.conn.Invoke(ctx, methodHealth, &HealthRequest{}, &reply); err != nil {
		return false
	}
	return reply.Healthy
}

// Close tears the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = false
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

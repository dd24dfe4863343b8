package resolver

import (
	"context"
	"testing"

	"github.com/sebas/mediahub/internal/location"
)

func TestDirectRecognisesSchemes(t *testing.T) {
	r := NewDirect()

	tests := []struct {
		callee string
		want   bool
	}{
		{"sip:alice@example.com", true},
		{"sips:alice@example.com", true},
		{"verto:bob", true},
		{"fs:park", true},
		{"kms:proxy", true},
		{"alice", false},
		{"user/alice", false},
	}
	for _, tt := range tests {
		if got := r.CanResolve(tt.callee); got != tt.want {
			t.Errorf("CanResolve(%q) = %v, want %v", tt.callee, got, tt.want)
		}
	}
}

func TestDirectPassesThrough(t *testing.T) {
	r := NewDirect()

	dests, err := r.Resolve(context.Background(), "svc", "sip:alice@example.com")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(dests) != 1 {
		t.Fatalf("Resolve() returned %d destinations, want 1", len(dests))
	}
	if dests[0].Dest != "sip:alice@example.com" {
		t.Errorf("dest = %q, want passthrough", dests[0].Dest)
	}
	if dests[0].SDPType != "rtp" {
		t.Errorf("sdp type = %q, want rtp for a SIP URI", dests[0].SDPType)
	}
}

func TestUserResolvesBindingsByQValue(t *testing.T) {
	store := location.NewStore()
	defer store.Close()

	low := &location.Binding{AOR: "sip:alice@example.com", ContactURI: "sip:alice@10.0.0.1:5060", Transport: "UDP", QValue: 0.5, Expires: 300, CallID: "c1", CSeq: 1}
	high := &location.Binding{AOR: "sip:alice@example.com", ContactURI: "sip:alice@10.0.0.2:5060", Transport: "UDP", QValue: 1.0, Expires: 300, CallID: "c2", CSeq: 1}
	for _, b := range []*location.Binding{low, high} {
		if _, err := store.Register(b); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}

	r := NewUser(store, "example.com")
	dests, err := r.Resolve(context.Background(), "svc", "alice")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(dests) != 2 {
		t.Fatalf("Resolve() returned %d destinations, want 2", len(dests))
	}
	if dests[0].Dest != high.EffectiveContact() {
		t.Errorf("first dest = %q, want the higher q-value contact %q", dests[0].Dest, high.EffectiveContact())
	}
}

func TestUserUnknownExtensionFails(t *testing.T) {
	store := location.NewStore()
	defer store.Close()

	r := NewUser(store, "example.com")
	if _, err := r.Resolve(context.Background(), "svc", "nobody"); err == nil {
		t.Error("Resolve(nobody) succeeded, want lookup error")
	}
}

func TestChainAccumulatesAcrossResolvers(t *testing.T) {
	first := Func{
		Accepts: func(string) bool { return true },
		Expand: func(ctx context.Context, service, callee string) ([]Destination, error) {
			return []Destination{{Dest: "sip:a@host", RingSeconds: 5}}, nil
		},
	}
	second := Func{
		Accepts: func(string) bool { return true },
		Expand: func(ctx context.Context, service, callee string) ([]Destination, error) {
			return []Destination{{Dest: "verto:b", RingSeconds: 10}, {Dest: "api:c", RingSeconds: 15}}, nil
		},
	}
	chain := NewChain(first, second)

	dests, err := chain.Resolve(context.Background(), "svc", "alice")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(dests) != 3 {
		t.Fatalf("Resolve() returned %d destinations, want 3 accumulated", len(dests))
	}
	if dests[0].Dest != "sip:a@host" || dests[2].Dest != "api:c" {
		t.Errorf("destination order not preserved: %+v", dests)
	}
}

func TestChainSurfacesErrorOnlyWhenEmpty(t *testing.T) {
	failing := Func{
		Accepts: func(string) bool { return true },
		Expand: func(ctx context.Context, service, callee string) ([]Destination, error) {
			return nil, context.DeadlineExceeded
		},
	}
	working := Func{
		Accepts: func(string) bool { return true },
		Expand: func(ctx context.Context, service, callee string) ([]Destination, error) {
			return []Destination{{Dest: "sip:a@host"}}, nil
		},
	}

	if _, err := NewChain(failing).Resolve(context.Background(), "svc", "x"); err == nil {
		t.Error("all-failing chain returned no error")
	}

	dests, err := NewChain(failing, working).Resolve(context.Background(), "svc", "x")
	if err != nil {
		t.Errorf("partially failing chain returned error %v", err)
	}
	if len(dests) != 1 {
		t.Errorf("got %d destinations, want 1", len(dests))
	}
}

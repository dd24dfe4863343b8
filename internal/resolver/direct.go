package resolver

import (
	"context"
	"strings"
)

// Direct passes through destination tokens that already name a concrete
// endpoint: SIP URIs and the engine-prefixed forms ("fs:", "kms:",
// "verto:") the adapters recognise on dispatch.
type Direct struct{}

// NewDirect creates a Direct resolver.
func NewDirect() *Direct { return &Direct{} }

var directPrefixes = []string{"sip:", "sips:", "verto:", "fs:", "kms:"}

// CanResolve returns true for explicitly addressed destinations.
func (r *Direct) CanResolve(callee string) bool {
	for _, p := range directPrefixes {
		if strings.HasPrefix(callee, p) {
			return true
		}
	}
	return false
}

// Resolve returns the callee itself as the single destination.
func (r *Direct) Resolve(_ context.Context, _ string, callee string) ([]Destination, error) {
	sdpType := ""
	switch {
	case strings.HasPrefix(callee, "sip:"), strings.HasPrefix(callee, "sips:"):
		sdpType = "rtp"
	case strings.HasPrefix(callee, "verto:"):
		sdpType = "webrtc"
	}
	return []Destination{{Dest: callee, SDPType: sdpType}}, nil
}

var _ Resolver = (*Direct)(nil)

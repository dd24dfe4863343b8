package resolver

import (
	"context"
	"sort"
	"strings"

	"github.com/sebas/mediahub/internal/location"
	"github.com/sebas/mediahub/internal/mediaerr"
)

// User resolves plain extensions ("alice", "1001", "user/alice") through
// the location store: one destination per registered binding, ordered by
// q-value so the fan-out rings the preferred contact first.
type User struct {
	store  *location.Store
	domain string
}

// NewUser creates a User resolver. domain, when non-empty, is used to
// build the AOR for bare extensions.
func NewUser(store *location.Store, domain string) *User {
	return &User{store: store, domain: domain}
}

// CanResolve accepts "user/"-prefixed targets and anything not claimed by
// an explicit scheme prefix.
func (r *User) CanResolve(callee string) bool {
	if strings.HasPrefix(callee, "user/") {
		return true
	}
	if strings.ContainsRune(callee, ':') {
		return false
	}
	return callee != ""
}

// Resolve looks the extension up in the location store.
func (r *User) Resolve(_ context.Context, _ string, callee string) ([]Destination, error) {
	ext := strings.TrimPrefix(callee, "user/")
	if ext == "" {
		return nil, &mediaerr.LookupError{Target: callee, Reason: "empty extension"}
	}

	bindings := r.lookup(ext)
	if len(bindings) == 0 {
		return nil, &mediaerr.LookupError{Target: callee, Reason: "no registrations found"}
	}

	sort.Slice(bindings, func(i, j int) bool { return bindings[i].QValue > bindings[j].QValue })

	out := make([]Destination, 0, len(bindings))
	for _, b := range bindings {
		out = append(out, Destination{Dest: b.EffectiveContact(), SDPType: "rtp"})
	}
	return out, nil
}

func (r *User) lookup(ext string) []*location.Binding {
	// Exact AOR first, then the bare extension forms, then by user part:
	// the AOR is stored as the client sent it (RFC 3261 §10.3), which may
	// carry a domain or port we cannot reconstruct here.
	for _, aor := range r.candidateAORs(ext) {
		if bindings := r.store.Lookup(aor); len(bindings) > 0 {
			return bindings
		}
	}
	return r.store.LookupByUser(ext)
}

func (r *User) candidateAORs(ext string) []string {
	if strings.Contains(ext, "@") {
		if strings.HasPrefix(ext, "sip:") {
			return []string{ext}
		}
		return []string{"sip:" + ext}
	}
	out := []string{ext, "sip:" + ext}
	if r.domain != "" {
		out = append([]string{"sip:" + ext + "@" + r.domain}, out...)
	}
	return out
}

var _ Resolver = (*User)(nil)

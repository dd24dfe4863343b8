package location

import (
	"log/slog"
	"time"

	"github.com/sebas/mediahub/internal/mediaerr"
	"github.com/sebas/mediahub/internal/store"
)

const (
	// DefaultExpires is applied when a REGISTER carries no Expires.
	DefaultExpires = 3600
	// MinExpires is the floor below which Register rejects a binding.
	MinExpires = 60

	cleanupInterval = 10 * time.Second
)

// Store is the in-memory location service. Bindings are keyed by
// (AOR, binding id); the TTL store evicts them on expiry so lookups never
// return stale contacts.
type Store struct {
	bindings *store.Store[string, *Binding]
}

// NewStore creates a location store with background expiry.
func NewStore() *Store {
	s := &Store{
		bindings: store.NewWithEvict[string, *Binding](cleanupInterval, func(key string, b *Binding) {
			slog.Debug("[Location] Binding expired", "aor", b.AOR, "contact", b.ContactURI)
		}),
	}
	return s
}

func bindingKey(aor, bindingID string) string { return aor + "#" + bindingID }

// Register adds or refreshes a binding, normalizing timing fields. A CSeq
// that does not advance within the same Call-ID is rejected.
func (s *Store) Register(b *Binding) (*Binding, error) {
	if b.Expires == 0 {
		b.Expires = DefaultExpires
	}
	if b.Expires < MinExpires {
		return nil, &mediaerr.LookupError{Target: b.AOR, Reason: "interval too brief"}
	}
	if b.BindingID == "" {
		b.BindingID = GenerateBindingID(b.ContactURI, "")
	}

	key := bindingKey(b.AOR, b.BindingID)
	if existing, ok := s.bindings.Get(key); ok {
		if !existing.ValidateCSeq(b.CallID, b.CSeq) {
			return nil, &mediaerr.LookupError{Target: b.AOR, Reason: "out of order CSeq"}
		}
	}

	now := time.Now()
	b.RegisteredAt = now
	b.ExpiresAt = now.Add(time.Duration(b.Expires) * time.Second)
	s.bindings.SetWithExpiry(key, b, b.ExpiresAt)

	slog.Info("[Location] Registered", "aor", b.AOR, "contact", b.ContactURI, "expires", b.Expires)
	return b, nil
}

// Unregister removes one binding, or every binding for the AOR when
// wildcard is set (Contact: * with Expires: 0).
func (s *Store) Unregister(aor, bindingID string, wildcard bool) {
	if !wildcard {
		s.bindings.Delete(bindingKey(aor, bindingID))
		return
	}
	for _, key := range s.bindings.Keys() {
		if b, ok := s.bindings.Get(key); ok && b.AOR == aor {
			s.bindings.Delete(key)
		}
	}
	slog.Info("[Location] Unregistered", "aor", aor, "wildcard", wildcard)
}

// Lookup returns the active bindings for an AOR, in registration order.
func (s *Store) Lookup(aor string) []*Binding {
	var out []*Binding
	s.bindings.ForEach(func(_ string, b *Binding) bool {
		if b.AOR == aor {
			out = append(out, b)
		}
		return true
	})
	return out
}

// LookupByUser returns bindings whose AOR user part matches, for callers
// that only know the extension, not the registered domain.
func (s *Store) LookupByUser(user string) []*Binding {
	var out []*Binding
	s.bindings.ForEach(func(_ string, b *Binding) bool {
		if userPart(b.AOR) == user {
			out = append(out, b)
		}
		return true
	})
	return out
}

// List snapshots every active binding.
func (s *Store) List() []*Binding {
	var out []*Binding
	s.bindings.ForEach(func(_ string, b *Binding) bool {
		out = append(out, b)
		return true
	})
	return out
}

// Count returns the number of active bindings.
func (s *Store) Count() int { return s.bindings.Len() }

// Close stops the background expiry sweep.
func (s *Store) Close() { s.bindings.Close() }

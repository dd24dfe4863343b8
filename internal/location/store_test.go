package location

import (
	"testing"
)

func binding(aor, contact, callID string, cseq uint32) *Binding {
	return &Binding{
		AOR:        aor,
		ContactURI: contact,
		Transport:  "UDP",
		Expires:    300,
		CallID:     callID,
		CSeq:       cseq,
		QValue:     1.0,
	}
}

func TestRegisterAndLookup(t *testing.T) {
	s := NewStore()
	defer s.Close()

	if _, err := s.Register(binding("sip:alice@example.com", "sip:alice@10.0.0.1:5060", "c1", 1)); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	bindings := s.Lookup("sip:alice@example.com")
	if len(bindings) != 1 {
		t.Fatalf("Lookup() returned %d bindings, want 1", len(bindings))
	}
	if got := bindings[0].ContactURI; got != "sip:alice@10.0.0.1:5060" {
		t.Errorf("contact = %q", got)
	}
}

func TestRegisterRejectsTooBriefExpires(t *testing.T) {
	s := NewStore()
	defer s.Close()

	b := binding("sip:alice@example.com", "sip:alice@10.0.0.1", "c1", 1)
	b.Expires = 10
	if _, err := s.Register(b); err == nil {
		t.Error("Register() accepted expires below the minimum")
	}
}

func TestRegisterValidatesCSeq(t *testing.T) {
	s := NewStore()
	defer s.Close()

	if _, err := s.Register(binding("sip:alice@example.com", "sip:alice@10.0.0.1", "c1", 5)); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	// Same Call-ID, lower CSeq: stale retransmission.
	if _, err := s.Register(binding("sip:alice@example.com", "sip:alice@10.0.0.1", "c1", 4)); err == nil {
		t.Error("Register() accepted an out-of-order CSeq")
	}

	// Different Call-ID: any CSeq is valid.
	if _, err := s.Register(binding("sip:alice@example.com", "sip:alice@10.0.0.1", "c2", 1)); err != nil {
		t.Errorf("Register() with new Call-ID error = %v", err)
	}
}

func TestUnregisterWildcard(t *testing.T) {
	s := NewStore()
	defer s.Close()

	s.Register(binding("sip:alice@example.com", "sip:alice@10.0.0.1", "c1", 1))
	s.Register(binding("sip:alice@example.com", "sip:alice@10.0.0.2", "c2", 1))
	s.Register(binding("sip:bob@example.com", "sip:bob@10.0.0.3", "c3", 1))

	s.Unregister("sip:alice@example.com", "", true)

	if got := len(s.Lookup("sip:alice@example.com")); got != 0 {
		t.Errorf("alice still has %d bindings after wildcard unregister", got)
	}
	if got := len(s.Lookup("sip:bob@example.com")); got != 1 {
		t.Errorf("bob has %d bindings, want 1", got)
	}
}

func TestLookupByUser(t *testing.T) {
	s := NewStore()
	defer s.Close()

	// AOR registered with an explicit port the caller cannot reconstruct.
	s.Register(binding("sip:1000@192.168.1.100:5060", "sip:1000@10.0.0.1", "c1", 1))

	bindings := s.LookupByUser("1000")
	if len(bindings) != 1 {
		t.Fatalf("LookupByUser() returned %d bindings, want 1", len(bindings))
	}
}

func TestEffectiveContactPrefersReceived(t *testing.T) {
	b := binding("sip:alice@example.com", "sip:alice@192.168.1.10:5060", "c1", 1)
	b.ReceivedIP = "203.0.113.7"
	b.ReceivedPort = 12345

	got := b.EffectiveContact()
	want := "sip:alice@203.0.113.7:12345;transport=UDP"
	if got != want {
		t.Errorf("EffectiveContact() = %q, want %q", got, want)
	}

	b.ReceivedIP = ""
	if got := b.EffectiveContact(); got != b.ContactURI {
		t.Errorf("EffectiveContact() without NAT info = %q, want contact URI", got)
	}
}

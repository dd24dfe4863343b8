// Package location manages SIP user location bindings (REGISTER) and backs
// the user resolver's callee expansion.
package location

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Binding is one SIP location binding from REGISTER: everything needed to
// route an outbound invite to this user.
type Binding struct {
	// Identity
	AOR       string `json:"aor"`        // Address of Record (e.g., "sip:alice@example.com")
	BindingID string `json:"binding_id"` // Unique ID for this binding (hash of contact)
	Service   string `json:"service"`    // logical tenant the registration belongs to

	// Contact information - where to route requests
	ContactURI string `json:"contact_uri"`

	// NAT traversal - actual source of REGISTER for symmetric routing
	ReceivedIP   string `json:"received_ip"`
	ReceivedPort int    `json:"received_port"`

	Transport string `json:"transport"` // UDP, TCP, TLS, WS, WSS

	// Priority
	QValue float32 `json:"q,omitempty"`

	// Timing
	Expires      int       `json:"expires"`
	ExpiresAt    time.Time `json:"expires_at"`
	RegisteredAt time.Time `json:"registered_at"`

	// RFC 3261 validation
	CallID string `json:"call_id"`
	CSeq   uint32 `json:"cseq"`

	UserAgent string `json:"user_agent,omitempty"`
}

// GenerateBindingID creates a unique binding ID from the contact URI.
func GenerateBindingID(contactURI, instanceID string) string {
	data := contactURI
	if instanceID != "" {
		data += ";" + instanceID
	}
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:8])
}

// IsExpired returns true if the binding has expired.
func (b *Binding) IsExpired() bool {
	return time.Now().After(b.ExpiresAt)
}

// EffectiveContact returns the best URI to use for routing: received
// IP/port when the client is behind NAT, the Contact URI otherwise. The
// user part of the Contact URI is preserved either way.
func (b *Binding) EffectiveContact() string {
	if b.ReceivedIP != "" && b.ReceivedPort > 0 {
		user := userPart(b.ContactURI)
		if user != "" {
			return fmt.Sprintf("sip:%s@%s:%d;transport=%s", user, b.ReceivedIP, b.ReceivedPort, b.Transport)
		}
		return fmt.Sprintf("sip:%s:%d;transport=%s", b.ReceivedIP, b.ReceivedPort, b.Transport)
	}
	return b.ContactURI
}

// ValidateCSeq checks whether a new CSeq may update this binding. Per
// RFC 3261, CSeq must increase within one Call-ID.
func (b *Binding) ValidateCSeq(callID string, cseq uint32) bool {
	if b.CallID != callID {
		return true
	}
	return cseq > b.CSeq
}

// userPart extracts the user portion of a SIP URI ("sip:1000@host" ->
// "1000"), empty when the URI has no user part.
func userPart(uri string) string {
	s := strings.TrimPrefix(strings.TrimPrefix(uri, "sips:"), "sip:")
	at := strings.IndexByte(s, '@')
	if at < 0 {
		return ""
	}
	return s[:at]
}

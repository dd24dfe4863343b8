// Package events implements the Event Bus: a synchronous fan-out of
// typed lifecycle events to every observer of a subject, plus a broadcast
// topic keyed by (service, class, subclass, instance id) that external
// adapters subscribe to for the frames they forward to their wire peers.
package events

import (
	"strings"
	"sync"
	"time"

	"github.com/sebas/mediahub/internal/fabric"
)

// Tag is one of the event tags the core emits.
type Tag string

const (
	TagRinging     Tag = "ringing"
	TagAnswer      Tag = "answer"
	TagHangup      Tag = "hangup"
	TagStop        Tag = "stop"
	TagUpdatedType Tag = "updated_type"
	TagCandidate   Tag = "candidate"
)

// Class names the subject kind, used both for direct dispatch bookkeeping
// and as the topic key's "class" component.
type Class string

const (
	ClassSession Class = "session"
	ClassCall    Class = "call"
	ClassRoom    Class = "room"
)

// Event is the shape every lifecycle notification takes: {subject_id,
// subject_class, event_tag, payload, timestamp}.
type Event struct {
	SubjectID    string
	SubjectClass Class
	Tag          Tag
	Reason       string // populated for hangup/stop/updated_type
	Payload      any
	Timestamp    time.Time
}

// TopicKey identifies a broadcast topic: (service, class, subclass, instance
// id). Subclass is one of session/call/room; instance id is the
// subject id the event concerns.
type TopicKey struct {
	Service    string
	Class      string
	Subclass   Class
	InstanceID string
}

// String renders the key as a dot-delimited subject, e.g.
// "nkmedia.media.session.<id>", used for wildcard pattern matching.
func (k TopicKey) String() string {
	return strings.Join([]string{k.Service, k.Class, string(k.Subclass), k.InstanceID}, ".")
}

// TopicSubscription is a live subscription to a topic pattern. Body, if set
// by the subscriber, is attached to every Event delivered through this
// subscription.
type TopicSubscription struct {
	Pattern string
	Body    any
	C       chan TopicEvent
}

// TopicEvent is an Event enriched with the topic key and the subscriber's
// body, as delivered on a TopicSubscription's channel.
type TopicEvent struct {
	Key   TopicKey
	Event Event
	Body  any
}

// Bus performs the topic broadcast to pattern subscribers. Direct delivery
// to a subject's registered observers is not done by the Bus, which holds
// no subject bookkeeping; the package function Dispatch does it over the
// Fabric.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*TopicSubscription // subscription id -> sub
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]*TopicSubscription)}
}

// Subscribe registers interest in topics matching pattern ("*" matches one
// dot-delimited token, ">" matches the remainder), returning a subscription
// id to later Unsubscribe and the channel events arrive on. The channel is
// buffered; a subscriber that falls behind drops events rather than
// blocking publishers.
func (b *Bus) Subscribe(pattern string, body any) (id string, sub *TopicSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id = pattern + "#" + randSuffix()
	sub = &TopicSubscription{Pattern: pattern, Body: body, C: make(chan TopicEvent, 64)}
	b.subs[id] = sub
	return id, sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.C)
	}
}

// Publish broadcasts ev under key to every matching subscription. It never
// blocks: a full subscriber channel silently drops the event, the same
// fire-and-forget contract non-acknowledging observers get.
func (b *Bus) Publish(key TopicKey, ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subject := key.String()
	for _, sub := range b.subs {
		if !matchPattern(sub.Pattern, subject) {
			continue
		}
		te := TopicEvent{Key: key, Event: ev, Body: sub.Body}
		select {
		case sub.C <- te:
		default:
		}
	}
}

// matchPattern implements the "*"/">" wildcard subject matching described
// on Subscribe: "*" matches exactly one token, ">" matches one-or-more
// trailing tokens.
func matchPattern(pattern, subject string) bool {
	pTok := strings.Split(pattern, ".")
	sTok := strings.Split(subject, ".")
	for i, p := range pTok {
		if p == ">" {
			return true
		}
		if i >= len(sTok) {
			return false
		}
		if p != "*" && p != sTok[i] {
			return false
		}
	}
	return len(pTok) == len(sTok)
}

// Observer receives events delivered through a Fabric registration's
// payload. Register callers attach one as the Entry's Payload.
type Observer interface {
	Deliver(ev Event)
}

// SyncObserver delivers by calling fn directly on the dispatching
// goroutine, used for in-process links (session, call): these links'
// owners never block on a slow network peer, so a direct call is safe
// and preserves ordering.
type SyncObserver func(ev Event)

func (f SyncObserver) Deliver(ev Event) { f(ev) }

// Mailbox delivers via a buffered, non-blocking channel, used for
// external-connection links (sip_in, sip_out, verto, api) so a slow or
// dead peer cannot stall the Session/Call actor emitting the event.
type Mailbox struct {
	C chan Event
}

// NewMailbox creates a Mailbox with the given buffer size.
func NewMailbox(buf int) *Mailbox {
	if buf <= 0 {
		buf = 32
	}
	return &Mailbox{C: make(chan Event, buf)}
}

func (m *Mailbox) Deliver(ev Event) {
	select {
	case m.C <- ev:
	default:
		// Drop rather than block: fire-and-forget.
	}
}

// Dispatch delivers ev to every observer the Fabric has registered for
// subjectID. Each Entry's Payload must implement Observer (entries with a
// non-Observer payload, e.g. a plain tag string used only for reason
// classification, are skipped for delivery purposes).
func Dispatch(fab *fabric.Fabric, subjectID string, ev Event) {
	for _, entry := range fab.Observers(subjectID) {
		if obs, ok := entry.Payload.(Observer); ok {
			obs.Deliver(ev)
		}
	}
}

var randCounter uint64
var randMu sync.Mutex

// randSuffix generates a monotonic suffix for subscription ids without
// reaching for crypto/rand — uniqueness, not unpredictability, is required.
func randSuffix() string {
	randMu.Lock()
	defer randMu.Unlock()
	randCounter++
	return itoa(randCounter)
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

package events

import (
	"testing"
	"time"

	"github.com/sebas/mediahub/internal/fabric"
)

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"svc.media.session.abc", "svc.media.session.abc", true},
		{"svc.media.session.*", "svc.media.session.abc", true},
		{"svc.media.*.abc", "svc.media.session.abc", true},
		{"svc.media.session.>", "svc.media.session.abc", true},
		{"svc.>", "svc.media.call.xyz", true},
		{"svc.media.session.*", "svc.media.call.abc", false},
		{"svc.media.session.abc", "svc.media.session.def", false},
		{"svc.media.session.abc.extra", "svc.media.session.abc", false},
		{"svc.media.session.*", "svc.media.session", false},
	}

	for _, tt := range tests {
		if got := matchPattern(tt.pattern, tt.subject); got != tt.want {
			t.Errorf("matchPattern(%q, %q) = %v, want %v", tt.pattern, tt.subject, got, tt.want)
		}
	}
}

func TestPublishDeliversWithBody(t *testing.T) {
	bus := NewBus()
	_, sub := bus.Subscribe("svc.media.session.>", map[string]string{"tag": "mine"})

	key := TopicKey{Service: "svc", Class: "media", Subclass: ClassSession, InstanceID: "s1"}
	bus.Publish(key, Event{SubjectID: "s1", SubjectClass: ClassSession, Tag: TagStop, Reason: "test", Timestamp: time.Now()})

	select {
	case te := <-sub.C:
		if te.Event.Tag != TagStop {
			t.Errorf("got tag %q, want %q", te.Event.Tag, TagStop)
		}
		body, ok := te.Body.(map[string]string)
		if !ok || body["tag"] != "mine" {
			t.Errorf("subscriber body not attached: %v", te.Body)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestPublishSkipsNonMatching(t *testing.T) {
	bus := NewBus()
	_, sub := bus.Subscribe("svc.media.call.*", nil)

	key := TopicKey{Service: "svc", Class: "media", Subclass: ClassSession, InstanceID: "s1"}
	bus.Publish(key, Event{SubjectID: "s1", Tag: TagAnswer})

	select {
	case te := <-sub.C:
		t.Errorf("unexpected delivery: %+v", te)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	id, sub := bus.Subscribe("svc.>", nil)
	bus.Unsubscribe(id)

	select {
	case _, ok := <-sub.C:
		if ok {
			t.Error("expected closed channel after Unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}

func TestDispatchToFabricObservers(t *testing.T) {
	fab := fabric.New()
	var got []Event
	fab.Add("subject-1", fabric.Link{Kind: fabric.LinkSession, Key: "s1"}, SyncObserver(func(ev Event) {
		got = append(got, ev)
	}))
	// Non-observer payloads are skipped, not an error.
	fab.Add("subject-1", fabric.Link{Kind: fabric.LinkAPI, Key: "c1"}, "callee")

	Dispatch(fab, "subject-1", Event{SubjectID: "subject-1", Tag: TagRinging})

	if len(got) != 1 {
		t.Fatalf("observer received %d events, want 1", len(got))
	}
	if got[0].Tag != TagRinging {
		t.Errorf("got tag %q, want %q", got[0].Tag, TagRinging)
	}
}

func TestMailboxDropsWhenFull(t *testing.T) {
	m := NewMailbox(2)
	for i := 0; i < 5; i++ {
		m.Deliver(Event{Tag: TagCandidate})
	}
	if got := len(m.C); got != 2 {
		t.Errorf("mailbox holds %d events, want 2 (rest dropped)", got)
	}
}

package fabric

import (
	"testing"
)

func TestAddIsIdempotentOnKey(t *testing.T) {
	f := New()

	link := Link{Kind: LinkAPI, Key: "client-1", Lifetime: "conn-1"}
	f.Add("subject-1", link, "first")
	f.Add("subject-1", link, "second")

	obs := f.Observers("subject-1")
	if len(obs) != 1 {
		t.Fatalf("Observers() returned %d entries, want 1", len(obs))
	}
	if got := obs[0].Payload.(string); got != "second" {
		t.Errorf("payload = %q, want %q (re-add replaces payload)", got, "second")
	}
}

func TestRemove(t *testing.T) {
	f := New()

	link := Link{Kind: LinkSession, Key: "sess-1", Lifetime: "sess-1"}
	f.Add("subject-1", link, nil)
	f.Remove("subject-1", link)

	if got := len(f.Observers("subject-1")); got != 0 {
		t.Errorf("Observers() returned %d entries after Remove, want 0", got)
	}
	if got := f.OnLifetimeEnd("sess-1"); len(got) != 0 {
		t.Errorf("OnLifetimeEnd() returned %d entries after Remove, want 0", len(got))
	}
}

func TestFoldSnapshotIsStable(t *testing.T) {
	f := New()

	for _, key := range []string{"a", "b", "c"} {
		f.Add("subject-1", Link{Kind: LinkAPI, Key: key}, key)
	}

	// Mutations made during the fold must not be observed by it.
	count := f.Fold("subject-1", 0, func(acc any, e Entry) any {
		f.Add("subject-1", Link{Kind: LinkAPI, Key: "added-" + e.Link.Key}, nil)
		f.Remove("subject-1", e.Link)
		return acc.(int) + 1
	}).(int)

	if count != 3 {
		t.Errorf("Fold visited %d entries, want 3", count)
	}
}

func TestOnLifetimeEnd(t *testing.T) {
	f := New()

	f.Add("subject-1", Link{Kind: LinkAPI, Key: "c1", Lifetime: "conn-1"}, nil)
	f.Add("subject-2", Link{Kind: LinkAPI, Key: "c1", Lifetime: "conn-1"}, nil)
	f.Add("subject-3", Link{Kind: LinkAPI, Key: "c2", Lifetime: "conn-2"}, nil)

	dead := f.OnLifetimeEnd("conn-1")
	if len(dead) != 2 {
		t.Fatalf("OnLifetimeEnd() returned %d entries, want 2", len(dead))
	}
	for _, e := range dead {
		if e.SubjectID != "subject-1" && e.SubjectID != "subject-2" {
			t.Errorf("unexpected subject %q in dead entries", e.SubjectID)
		}
	}

	// The ended lifetime's entries are gone; others survive.
	if got := len(f.Observers("subject-1")); got != 0 {
		t.Errorf("subject-1 still has %d observers", got)
	}
	if got := len(f.Observers("subject-3")); got != 1 {
		t.Errorf("subject-3 has %d observers, want 1", got)
	}

	// Second call is empty: the cleanup already happened.
	if again := f.OnLifetimeEnd("conn-1"); len(again) != 0 {
		t.Errorf("second OnLifetimeEnd() returned %d entries, want 0", len(again))
	}
}

func TestRemoveSubject(t *testing.T) {
	f := New()

	f.Add("subject-1", Link{Kind: LinkCall, Key: "call-1", Lifetime: "call-1"}, nil)
	f.Add("subject-1", Link{Kind: LinkAPI, Key: "c1", Lifetime: "conn-1"}, nil)
	f.RemoveSubject("subject-1")

	if got := len(f.Observers("subject-1")); got != 0 {
		t.Errorf("Observers() returned %d after RemoveSubject, want 0", got)
	}
	if dead := f.OnLifetimeEnd("conn-1"); len(dead) != 0 {
		t.Errorf("lifetime index still holds %d entries for removed subject", len(dead))
	}
}

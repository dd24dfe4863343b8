package store

import (
	"testing"
	"time"
)

func TestSetGet(t *testing.T) {
	s := New[string, int](0)
	defer s.Close()

	s.Set("a", 1, time.Minute)
	v, ok := s.Get("a")
	if !ok || v != 1 {
		t.Fatalf("Get(a) = %v, %v; want 1, true", v, ok)
	}
	if _, ok := s.Get("missing"); ok {
		t.Fatalf("Get(missing) ok = true; want false")
	}
}

func TestExpiry(t *testing.T) {
	s := New[string, int](0)
	defer s.Close()

	s.Set("a", 1, -time.Second)
	if _, ok := s.Get("a"); ok {
		t.Fatalf("expired entry still readable")
	}
	if s.Has("a") {
		t.Fatalf("Has reports expired entry present")
	}
}

func TestForEachOrder(t *testing.T) {
	s := New[string, int](0)
	defer s.Close()

	s.Set("a", 1, time.Minute)
	s.Set("b", 2, time.Minute)
	s.Set("c", 3, time.Minute)

	var keys []string
	s.ForEach(func(k string, v int) bool {
		keys = append(keys, k)
		return true
	})
	want := []string{"a", "b", "c"}
	for i, k := range want {
		if keys[i] != k {
			t.Fatalf("ForEach order = %v; want %v", keys, want)
		}
	}
}

func TestForEachEarlyStop(t *testing.T) {
	s := New[string, int](0)
	defer s.Close()

	s.Set("a", 1, time.Minute)
	s.Set("b", 2, time.Minute)

	count := 0
	s.ForEach(func(k string, v int) bool {
		count++
		return false
	})
	if count != 1 {
		t.Fatalf("ForEach visited %d items; want 1", count)
	}
}

func TestEvictCallback(t *testing.T) {
	evicted := make(chan string, 1)
	s := NewWithEvict[string, int](10*time.Millisecond, func(k string, v int) {
		evicted <- k
	})
	defer s.Close()

	s.Set("a", 1, 5*time.Millisecond)

	select {
	case k := <-evicted:
		if k != "a" {
			t.Fatalf("evicted key = %q; want a", k)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("eviction callback never fired")
	}
}

func TestUpdate(t *testing.T) {
	s := New[string, int](0)
	defer s.Close()

	s.Set("a", 1, time.Minute)
	ok := s.Update("a", func(v int) int { return v + 1 }, nil)
	if !ok {
		t.Fatalf("Update returned false")
	}
	v, _ := s.Get("a")
	if v != 2 {
		t.Fatalf("value after Update = %d; want 2", v)
	}
	if s.Update("missing", func(v int) int { return v }, nil) {
		t.Fatalf("Update on missing key returned true")
	}
}

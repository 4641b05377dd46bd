package dedup

import (
	"context"
	"sync"
	"testing"
	"time"

	logx "triaged/pkg/logx"
)

func TestDuplicateWithinWindow(t *testing.T) {
	t.Parallel()
	w := New(Config{}, nil, logx.Nop())
	now := time.Date(2024, 1, 10, 14, 0, 0, 0, time.UTC)

	if w.IsDuplicate("k", now) {
		t.Fatal("first sighting must not be a duplicate")
	}
	w.MarkSeen("k", now)
	if !w.IsDuplicate("k", now.Add(14*time.Minute)) {
		t.Fatal("expected duplicate inside 15m window")
	}
	if w.IsDuplicate("k", now.Add(15*time.Minute)) {
		t.Fatal("expected non-duplicate at exactly the window edge")
	}
	if w.IsDuplicate("", now) {
		t.Fatal("empty key never dedups")
	}
}

func TestSweepEvictsOnlyOldEntries(t *testing.T) {
	t.Parallel()
	w := New(Config{Window: 10 * time.Minute}, nil, logx.Nop())
	now := time.Date(2024, 1, 10, 14, 0, 0, 0, time.UTC)
	w.MarkSeen("old", now.Add(-21*time.Minute))
	w.MarkSeen("mid", now.Add(-15*time.Minute))
	w.MarkSeen("new", now.Add(-1*time.Minute))

	if n := w.Sweep(now); n != 1 {
		t.Fatalf("evicted = %d, want 1", n)
	}
	if w.Len() != 2 {
		t.Fatalf("len = %d, want 2", w.Len())
	}
	// Swept entries can only turn into non-duplicates.
	if w.IsDuplicate("old", now) {
		t.Fatal("evicted key must not be a duplicate")
	}
	if !w.IsDuplicate("new", now) {
		t.Fatal("recent key should still be a duplicate")
	}
}

type memStore struct {
	mu sync.Mutex
	m  map[string]time.Time
}

func (s *memStore) PutDedup(_ context.Context, key string, until time.Time) error {
	s.mu.Lock()
	s.m[key] = until
	s.mu.Unlock()
	return nil
}

func (s *memStore) LoadDedup(_ context.Context, now time.Time) (map[string]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]time.Time{}
	for k, v := range s.m {
		if v.After(now) {
			out[k] = v
		}
	}
	return out, nil
}

func (s *memStore) get(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok
}

func TestPersistAndWarm(t *testing.T) {
	st := &memStore{m: map[string]time.Time{}}
	w := New(Config{Persist: true}, st, logx.Nop())
	w.Start(context.Background())

	now := time.Now()
	w.MarkSeen("k", now)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := st.get("k"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("persisted write never arrived")
		}
		time.Sleep(5 * time.Millisecond)
	}
	w.Stop(context.Background())

	w2 := New(Config{Persist: true}, st, logx.Nop())
	w2.Start(context.Background())
	defer w2.Stop(context.Background())
	if !w2.IsDuplicate("k", now.Add(time.Minute)) {
		t.Fatal("expected warmed window to remember key across restart")
	}
}

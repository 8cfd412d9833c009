package defense

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryWindowStore_CountsPerKey(t *testing.T) {
	s := NewMemoryWindowStore(time.Hour)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		count, err := s.Incr(ctx, "a", time.Minute)
		if err != nil {
			t.Fatalf("incr: %v", err)
		}
		if count != int64(i) {
			t.Errorf("hit %d: got count %d", i, count)
		}
	}

	count, _ := s.Incr(ctx, "b", time.Minute)
	if count != 1 {
		t.Errorf("independent key started at %d", count)
	}
}

func TestMemoryWindowStore_ResetsAfterWindow(t *testing.T) {
	s := NewMemoryWindowStore(time.Hour)
	ctx := context.Background()

	s.Incr(ctx, "a", 30*time.Millisecond)
	s.Incr(ctx, "a", 30*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	count, _ := s.Incr(ctx, "a", 30*time.Millisecond)
	if count != 1 {
		t.Errorf("expected window reset to 1, got %d", count)
	}
}

func TestMemoryWindowStore_ConcurrentSameKey_NoLostIncrements(t *testing.T) {
	s := NewMemoryWindowStore(time.Hour)
	ctx := context.Background()

	const workers = 50
	const perWorker = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				if _, err := s.Incr(ctx, "shared", time.Hour); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	count, _ := s.Incr(ctx, "shared", time.Hour)
	if count != workers*perWorker+1 {
		t.Errorf("expected %d, got %d", workers*perWorker+1, count)
	}
}

func TestMemoryWindowStore_SweepRemovesIdleWindows(t *testing.T) {
	s := NewMemoryWindowStore(30 * time.Millisecond)
	ctx := context.Background()

	s.Incr(ctx, "stale", 10*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	s.Incr(ctx, "fresh", time.Minute)

	removed := s.Sweep()
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 remaining, got %d", s.Len())
	}
}

func TestMemoryWindowStore_SweepKeepsActiveWindows(t *testing.T) {
	s := NewMemoryWindowStore(time.Hour)
	ctx := context.Background()

	s.Incr(ctx, "active", time.Minute)
	if removed := s.Sweep(); removed != 0 {
		t.Errorf("sweep removed %d active windows", removed)
	}
}

func TestShardedMap_UpdateIsAtomicPerKey(t *testing.T) {
	m := newShardedMap[int]()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.update("k", func(v int, _ bool) (int, bool) {
				return v + 1, true
			})
		}()
	}
	wg.Wait()

	v, ok := m.get("k")
	if !ok || v != 100 {
		t.Errorf("expected 100, got %d (ok=%v)", v, ok)
	}
}

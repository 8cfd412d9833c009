package defense

import (
	"sync"
	"testing"
	"time"
)

func TestReputation_BlocksAboveThreshold(t *testing.T) {
	rep := NewReputation(3, true, 0)
	ip := "203.0.113.9"

	for i := 0; i < 3; i++ {
		rep.MarkSuspicious(ip)
		if rep.IsBlocked(ip) {
			t.Fatalf("blocked after %d marks, threshold is 3", i+1)
		}
	}
	if count := rep.MarkSuspicious(ip); count != 4 {
		t.Errorf("expected count 4, got %d", count)
	}
	if !rep.IsBlocked(ip) {
		t.Error("expected block after crossing threshold")
	}
}

func TestReputation_BlockIsSticky(t *testing.T) {
	rep := NewReputation(1, true, 0)
	ip := "203.0.113.9"

	rep.MarkSuspicious(ip)
	rep.MarkSuspicious(ip)
	if !rep.IsBlocked(ip) {
		t.Fatal("expected block")
	}
	// Nothing short of record expiry clears a block.
	for i := 0; i < 5; i++ {
		if !rep.IsBlocked(ip) {
			t.Fatal("block did not persist")
		}
	}
}

func TestReputation_Disabled_NeverBlocks(t *testing.T) {
	rep := NewReputation(1, false, 0)
	ip := "203.0.113.9"

	for i := 0; i < 10; i++ {
		rep.MarkSuspicious(ip)
	}
	if rep.IsBlocked(ip) {
		t.Error("disabled tracker must not block")
	}
	// Suspicion keeps accumulating for visibility.
	if got := rep.Suspicion(ip); got != 10 {
		t.Errorf("expected suspicion 10, got %d", got)
	}
}

func TestReputation_UnknownIP(t *testing.T) {
	rep := NewReputation(3, true, 0)
	if rep.IsBlocked("198.51.100.1") {
		t.Error("unknown IP must not be blocked")
	}
	if rep.Suspicion("198.51.100.1") != 0 {
		t.Error("unknown IP must have zero suspicion")
	}
}

func TestReputation_SweepExpiresIdleRecords(t *testing.T) {
	rep := NewReputation(1, true, 30*time.Millisecond)
	ip := "203.0.113.9"

	rep.MarkSuspicious(ip)
	rep.MarkSuspicious(ip)
	if !rep.IsBlocked(ip) {
		t.Fatal("expected block")
	}

	time.Sleep(50 * time.Millisecond)
	if removed := rep.Sweep(); removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	if rep.IsBlocked(ip) {
		t.Error("expired record should have cleared the block")
	}
}

func TestReputation_Snapshot(t *testing.T) {
	rep := NewReputation(2, true, 0)
	rep.MarkSuspicious("203.0.113.1")
	rep.MarkSuspicious("203.0.113.2")
	rep.MarkSuspicious("203.0.113.2")
	rep.MarkSuspicious("203.0.113.2")

	snap := rep.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snap))
	}
	byIP := make(map[string]ThreatInfo, len(snap))
	for _, info := range snap {
		byIP[info.IP] = info
	}
	if byIP["203.0.113.1"].Suspicion != 1 || byIP["203.0.113.1"].Blocked {
		t.Errorf("unexpected entry for .1: %+v", byIP["203.0.113.1"])
	}
	if byIP["203.0.113.2"].Suspicion != 3 || !byIP["203.0.113.2"].Blocked {
		t.Errorf("unexpected entry for .2: %+v", byIP["203.0.113.2"])
	}
}

func TestReputation_ConcurrentMarks(t *testing.T) {
	rep := NewReputation(1000, true, 0)
	ip := "203.0.113.9"

	var wg sync.WaitGroup
	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				rep.MarkSuspicious(ip)
			}
		}()
	}
	wg.Wait()

	if got := rep.Suspicion(ip); got != 500 {
		t.Errorf("expected suspicion 500, got %d", got)
	}
}

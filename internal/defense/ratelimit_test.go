package defense

import (
	"context"
	"testing"
	"time"
)

func TestWindowLimiter_AdmitsUpToEffectiveCeiling(t *testing.T) {
	store := NewMemoryWindowStore(time.Hour)
	l := NewWindowLimiter("chat", time.Minute, 2, 3, store)
	ctx := context.Background()

	// Effective ceiling is max × multiplier = 6.
	for i := 1; i <= 6; i++ {
		_, ok, err := l.Admit(ctx, "key")
		if err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("request %d should be admitted", i)
		}
	}

	count, ok, _ := l.Admit(ctx, "key")
	if ok {
		t.Error("request beyond ceiling should be rejected")
	}
	if count != 7 {
		t.Errorf("expected hit count 7, got %d", count)
	}
}

func TestWindowLimiter_KeysAreIndependent(t *testing.T) {
	store := NewMemoryWindowStore(time.Hour)
	l := NewWindowLimiter("chat", time.Minute, 1, 1, store)
	ctx := context.Background()

	l.Admit(ctx, "a")
	if _, ok, _ := l.Admit(ctx, "a"); ok {
		t.Error("second request for a should be rejected")
	}
	if _, ok, _ := l.Admit(ctx, "b"); !ok {
		t.Error("first request for b should be admitted")
	}
}

func TestWindowLimiter_SharedStore_NamesIsolateWindows(t *testing.T) {
	store := NewMemoryWindowStore(time.Hour)
	chat := NewWindowLimiter("chat", time.Minute, 1, 1, store)
	general := NewWindowLimiter("general", time.Hour, 1, 1, store)
	ctx := context.Background()

	chat.Admit(ctx, "key")
	if _, ok, _ := general.Admit(ctx, "key"); !ok {
		t.Error("general limiter should not see chat limiter hits")
	}
}

func TestWindowLimiter_WindowResetReadmits(t *testing.T) {
	store := NewMemoryWindowStore(time.Hour)
	l := NewWindowLimiter("chat", 40*time.Millisecond, 1, 1, store)
	ctx := context.Background()

	l.Admit(ctx, "key")
	if _, ok, _ := l.Admit(ctx, "key"); ok {
		t.Fatal("second request should be rejected")
	}
	time.Sleep(60 * time.Millisecond)
	if _, ok, _ := l.Admit(ctx, "key"); !ok {
		t.Error("request after window reset should be admitted")
	}
}

func TestWindowLimiter_ShouldReport_ThrottlesPerKey(t *testing.T) {
	store := NewMemoryWindowStore(time.Hour)
	l := NewWindowLimiter("chat", time.Minute, 1, 1, store)

	if !l.ShouldReport("key") {
		t.Error("first report should pass")
	}
	if l.ShouldReport("key") {
		t.Error("second report within the suppression window should be throttled")
	}
	if !l.ShouldReport("other") {
		t.Error("other keys report independently")
	}
}

func TestWindowLimiter_SweepMarks(t *testing.T) {
	store := NewMemoryWindowStore(time.Hour)
	l := NewWindowLimiter("chat", time.Minute, 1, 1, store)

	l.ShouldReport("key")
	time.Sleep(20 * time.Millisecond)
	if removed := l.SweepMarks(10 * time.Millisecond); removed != 1 {
		t.Errorf("expected 1 mark removed, got %d", removed)
	}
}

func TestSlowDown_NoDelayBelowThreshold(t *testing.T) {
	s := NewSlowDown(5, 500*time.Millisecond, 10*time.Second)
	if d := s.Delay(5); d != 0 {
		t.Errorf("expected no delay at threshold, got %v", d)
	}
}

func TestSlowDown_DelayGrowsPerHit(t *testing.T) {
	s := NewSlowDown(5, 500*time.Millisecond, 10*time.Second)
	if d := s.Delay(7); d != time.Second {
		t.Errorf("expected 1s, got %v", d)
	}
}

func TestSlowDown_DelayIsCapped(t *testing.T) {
	s := NewSlowDown(5, 500*time.Millisecond, 2*time.Second)
	if d := s.Delay(100); d != 2*time.Second {
		t.Errorf("expected cap 2s, got %v", d)
	}
}

func TestSlowDown_WaitHonorsContextCancel(t *testing.T) {
	s := NewSlowDown(1, time.Second, 10*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	s.Wait(ctx, 10)
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("wait did not return promptly on cancel: %v", elapsed)
	}
}

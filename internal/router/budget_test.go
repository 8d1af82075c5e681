package router

import (
	"sync"
	"testing"
	"time"
)

func TestFallbackBudget_Reserve(t *testing.T) {
	b := NewFallbackBudget(2)

	if !b.CanUse() {
		t.Fatal("fresh budget should be usable")
	}
	if used, ok := b.Reserve(); !ok || used != 1 {
		t.Errorf("Reserve() = %d, %v; want 1, true", used, ok)
	}
	b.Record()
	if b.CanUse() {
		t.Error("budget should be exhausted after two uses")
	}
	if used, ok := b.Reserve(); ok || used != 2 {
		t.Errorf("Reserve() = %d, %v; want 2, false", used, ok)
	}
	if u := b.Usage(); u.Used != 2 || u.Limit != 2 {
		t.Errorf("Usage() = %+v", u)
	}
}

func TestFallbackBudget_ZeroLimit(t *testing.T) {
	b := NewFallbackBudget(0)
	if b.CanUse() {
		t.Error("zero limit disables fallback")
	}
	if _, ok := b.Reserve(); ok {
		t.Error("Reserve() must fail with zero limit")
	}
}

func TestFallbackBudget_ResetsAtUTCMidnight(t *testing.T) {
	// 23:30 UTC expressed in another zone; the reset follows UTC, not local time
	zone := time.FixedZone("UTC+5", 5*60*60)
	now := time.Date(2026, 3, 2, 4, 30, 0, 0, zone)
	b := NewFallbackBudget(1).WithClock(func() time.Time { return now })

	if _, ok := b.Reserve(); !ok {
		t.Fatal("first reserve should succeed")
	}
	if b.CanUse() {
		t.Fatal("budget should be exhausted")
	}

	now = now.Add(20 * time.Minute)
	if b.CanUse() {
		t.Error("budget must not reset before UTC midnight")
	}

	now = now.Add(15 * time.Minute)
	if !b.CanUse() {
		t.Error("budget should reset after UTC midnight")
	}
	if u := b.Usage(); u.Used != 0 || u.Day != "2026-03-02" {
		t.Errorf("Usage() after reset = %+v", u)
	}
}

func TestFallbackBudget_ConcurrentReserve(t *testing.T) {
	const limit = 50
	b := NewFallbackBudget(limit)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := b.Reserve(); ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != limit {
		t.Errorf("granted %d reservations, want %d", granted, limit)
	}
}

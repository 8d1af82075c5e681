package router

import (
	"sync"
	"time"
)

// DefaultDailyFallbackLimit caps fallbacks per UTC day when no limit is configured
const DefaultDailyFallbackLimit = 500

// FallbackBudget counts fallback hops across every request of the process.
// The count resets when the UTC day changes.
type FallbackBudget struct {
	mu    sync.Mutex
	limit int
	used  int
	day   string
	now   func() time.Time
}

// NewFallbackBudget creates a budget of limit fallbacks per UTC day
func NewFallbackBudget(limit int) *FallbackBudget {
	if limit < 0 {
		limit = DefaultDailyFallbackLimit
	}
	return &FallbackBudget{limit: limit, now: time.Now}
}

// WithClock overrides the time source, for tests
func (b *FallbackBudget) WithClock(now func() time.Time) *FallbackBudget {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
	return b
}

// rollLocked resets the counter when the UTC day changed since the last call
func (b *FallbackBudget) rollLocked() {
	today := b.now().UTC().Format(time.DateOnly)
	if today != b.day {
		b.day = today
		b.used = 0
	}
}

// CanUse reports whether a fallback is still allowed today
func (b *FallbackBudget) CanUse() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked()
	return b.used < b.limit
}

// Record counts one fallback
func (b *FallbackBudget) Record() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked()
	b.used++
}

// Reserve counts one fallback if the budget allows it and reports whether it did
func (b *FallbackBudget) Reserve() (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked()
	if b.used >= b.limit {
		return b.used, false
	}
	b.used++
	return b.used, true
}

// BudgetUsage is a snapshot of the budget
type BudgetUsage struct {
	Used  int    `json:"used"`
	Limit int    `json:"limit"`
	Day   string `json:"day"`
}

// Usage returns today's consumption
func (b *FallbackBudget) Usage() BudgetUsage {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked()
	return BudgetUsage{Used: b.used, Limit: b.limit, Day: b.day}
}

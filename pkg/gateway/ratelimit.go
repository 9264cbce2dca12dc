package gateway

import (
	"sync"
	"time"
)

// Admission is the venue's per-second order budget as a sliding window of
// submission timestamps. Stamps older than the window are pruned lazily.
type Admission struct {
	mu       sync.Mutex
	window   time.Duration
	capacity int
	margin   int
	stamps   []time.Time
	now      func() time.Time
}

func NewAdmission(capacity, margin int) *Admission {
	return &Admission{
		window:   time.Second,
		capacity: capacity,
		margin:   margin,
		now:      time.Now,
	}
}

// WithClock swaps the time source; tests drive the window with it.
func (a *Admission) WithClock(now func() time.Time) *Admission {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.now = now
	return a
}

// SetCapacity adopts the venue-reported orders per second.
func (a *Admission) SetCapacity(capacity int) {
	if capacity <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.capacity = capacity
}

func (a *Admission) prune(now time.Time) {
	i := 0
	for i < len(a.stamps) && now.Sub(a.stamps[i]) > a.window {
		i++
	}
	if i > 0 {
		a.stamps = append(a.stamps[:0], a.stamps[i:]...)
	}
}

func (a *Admission) allows(n int) bool {
	return len(a.stamps)+n < a.capacity-a.margin
}

// CanSubmit reports whether n more actions fit in the current window.
func (a *Admission) CanSubmit(n int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prune(a.now())
	return a.allows(n)
}

// Reserve records n actions if they fit, atomically with the check.
func (a *Admission) Reserve(n int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	a.prune(now)
	if !a.allows(n) {
		return false
	}
	for i := 0; i < n; i++ {
		a.stamps = append(a.stamps, now)
	}
	return true
}

// Len is the number of actions inside the current window.
func (a *Admission) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prune(a.now())
	return len(a.stamps)
}

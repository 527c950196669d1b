// Package sched abstracts the one timing primitive the runtime uses: a
// cancellable one-shot timer. Injecting the scheduler keeps every timeout
// and reconnect delay deterministically testable.
package sched

import (
	"sort"
	"sync"
	"time"
)

// TimerID identifies a scheduled callback for cancellation.
type TimerID int64

// Scheduler sets and clears one-shot timers. No other timing primitive is
// used anywhere in the runtime.
type Scheduler interface {
	SetTimeout(fn func(), d time.Duration) TimerID
	ClearTimeout(id TimerID)
}

// Wall is the production scheduler backed by time.AfterFunc.
type Wall struct {
	mu     sync.Mutex
	nextID TimerID
	timers map[TimerID]*time.Timer
}

// NewWall creates a wall-clock scheduler.
func NewWall() *Wall {
	return &Wall{timers: make(map[TimerID]*time.Timer)}
}

// SetTimeout schedules fn to run once after d.
func (w *Wall) SetTimeout(fn func(), d time.Duration) TimerID {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextID++
	id := w.nextID
	w.timers[id] = time.AfterFunc(d, func() {
		w.mu.Lock()
		delete(w.timers, id)
		w.mu.Unlock()
		fn()
	})
	return id
}

// ClearTimeout cancels a pending timer. Unknown ids are ignored.
func (w *Wall) ClearTimeout(id TimerID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[id]; ok {
		t.Stop()
		delete(w.timers, id)
	}
}

type manualTimer struct {
	id TimerID
	at time.Duration
	fn func()
}

// Manual is a deterministic scheduler driven by explicit Advance calls.
// Timers fire in deadline order, ties broken by creation order, exactly when
// the simulated clock crosses their deadline.
type Manual struct {
	mu     sync.Mutex
	now    time.Duration
	nextID TimerID
	timers []manualTimer
}

// NewManual creates a manual scheduler at simulated time zero.
func NewManual() *Manual {
	return &Manual{}
}

// SetTimeout schedules fn at now+d in simulated time.
func (m *Manual) SetTimeout(fn func(), d time.Duration) TimerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.timers = append(m.timers, manualTimer{id: m.nextID, at: m.now + d, fn: fn})
	return m.nextID
}

// ClearTimeout cancels a pending timer. Unknown ids are ignored.
func (m *Manual) ClearTimeout(id TimerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.timers {
		if t.id == id {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return
		}
	}
}

// Pending returns the number of unfired timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Now returns the current simulated time.
func (m *Manual) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves simulated time forward by d, firing every timer whose
// deadline is crossed. Callbacks run outside the scheduler lock, so they may
// schedule or cancel further timers; timers scheduled inside a callback fire
// during the same Advance if their deadline falls within it.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now + d
	for {
		idx := -1
		for i, t := range m.timers {
			if t.at > target {
				continue
			}
			if idx == -1 || t.at < m.timers[idx].at || (t.at == m.timers[idx].at && t.id < m.timers[idx].id) {
				idx = i
			}
		}
		if idx == -1 {
			break
		}
		timer := m.timers[idx]
		m.timers = append(m.timers[:idx], m.timers[idx+1:]...)
		m.now = timer.at
		m.mu.Unlock()
		timer.fn()
		m.mu.Lock()
	}
	m.now = target
	m.mu.Unlock()
}

// Deadlines lists the remaining delay of every pending timer in firing
// order, for tests that assert on the exact schedule.
func (m *Manual) Deadlines() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, len(m.timers))
	sorted := make([]manualTimer, len(m.timers))
	copy(sorted, m.timers)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].at != sorted[j].at {
			return sorted[i].at < sorted[j].at
		}
		return sorted[i].id < sorted[j].id
	})
	for i, t := range sorted {
		out[i] = t.at - m.now
	}
	return out
}

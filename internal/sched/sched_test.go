package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManual_FiresInDeadlineOrder(t *testing.T) {
	m := NewManual()

	var fired []string
	m.SetTimeout(func() { fired = append(fired, "b") }, 20*time.Millisecond)
	m.SetTimeout(func() { fired = append(fired, "a") }, 10*time.Millisecond)
	m.SetTimeout(func() { fired = append(fired, "c") }, 30*time.Millisecond)

	m.Advance(25 * time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, 1, m.Pending())

	m.Advance(5 * time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, fired)
	assert.Equal(t, 0, m.Pending())
}

func TestManual_ClearTimeoutCancels(t *testing.T) {
	m := NewManual()

	fired := false
	id := m.SetTimeout(func() { fired = true }, 10*time.Millisecond)
	m.ClearTimeout(id)

	m.Advance(time.Second)
	assert.False(t, fired)
}

func TestManual_CallbackMaySchedule(t *testing.T) {
	m := NewManual()

	var fired []string
	m.SetTimeout(func() {
		fired = append(fired, "first")
		m.SetTimeout(func() { fired = append(fired, "second") }, 5*time.Millisecond)
	}, 10*time.Millisecond)

	// The nested timer's deadline (15ms) falls inside this advance.
	m.Advance(20 * time.Millisecond)
	assert.Equal(t, []string{"first", "second"}, fired)
	assert.Equal(t, 20*time.Millisecond, m.Now())
}

func TestManual_TiesFireInCreationOrder(t *testing.T) {
	m := NewManual()

	var fired []string
	m.SetTimeout(func() { fired = append(fired, "a") }, 10*time.Millisecond)
	m.SetTimeout(func() { fired = append(fired, "b") }, 10*time.Millisecond)

	m.Advance(10 * time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, fired)
}

func TestWall_SetAndClear(t *testing.T) {
	w := NewWall()

	ch := make(chan struct{})
	w.SetTimeout(func() { close(ch) }, time.Millisecond)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}

	cancelled := make(chan struct{})
	id := w.SetTimeout(func() { close(cancelled) }, 10*time.Millisecond)
	w.ClearTimeout(id)

	select {
	case <-cancelled:
		t.Fatal("cancelled timer fired")
	case <-time.After(50 * time.Millisecond):
	}

	require.NotPanics(t, func() { w.ClearTimeout(999) })
}

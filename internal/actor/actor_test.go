package actor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counterEvent struct {
	kind string // "inc", "dec", "read", "boom"
}

type counterState struct {
	n int
}

func newCounter(t *testing.T, onCrash func(error)) *Actor[counterEvent, *counterState] {
	t.Helper()
	return New(Options[counterEvent, *counterState]{
		ID:           "counter",
		InitialState: &counterState{},
		Reducer: func(s *counterState, e counterEvent, ctx *Context[counterEvent, *counterState]) (*counterState, error) {
			switch e.kind {
			case "inc":
				return &counterState{n: s.n + 1}, nil
			case "dec":
				return &counterState{n: s.n - 1}, nil
			case "read":
				ctx.Reply(s.n)
				return s, nil
			case "boom":
				return s, errors.New("boom")
			}
			return s, nil
		},
		OnCrash: onCrash,
	})
}

func TestActor_ProcessesEventsSequentially(t *testing.T) {
	var mu sync.Mutex
	var history []int
	a := New(Options[counterEvent, *counterState]{
		ID:           "counter",
		InitialState: &counterState{},
		Reducer: func(s *counterState, e counterEvent, ctx *Context[counterEvent, *counterState]) (*counterState, error) {
			switch e.kind {
			case "inc":
				return &counterState{n: s.n + 1}, nil
			case "dec":
				return &counterState{n: s.n - 1}, nil
			case "read":
				ctx.Reply(s.n)
			}
			return s, nil
		},
		OnStateChange: func(s *counterState) {
			mu.Lock()
			history = append(history, s.n)
			mu.Unlock()
		},
	})

	require.NoError(t, a.Send(counterEvent{kind: "inc"}))
	require.NoError(t, a.Send(counterEvent{kind: "inc"}))
	require.NoError(t, a.Send(counterEvent{kind: "dec"}))

	_, err := a.Ask(context.Background(), counterEvent{kind: "read"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 1}, history)
}

func TestActor_AskReply(t *testing.T) {
	a := newCounter(t, nil)

	require.NoError(t, a.Send(counterEvent{kind: "inc"}))
	require.NoError(t, a.Send(counterEvent{kind: "inc"}))

	got, err := AskAs[int](context.Background(), a, counterEvent{kind: "read"})
	require.NoError(t, err)
	assert.Equal(t, 2, got)
}

func TestActor_ReducerErrorRejectsOnlyThatAsk(t *testing.T) {
	var crashes []error
	var mu sync.Mutex
	a := newCounter(t, func(err error) {
		mu.Lock()
		crashes = append(crashes, err)
		mu.Unlock()
	})

	_, err := a.Ask(context.Background(), counterEvent{kind: "boom"})
	require.EqualError(t, err, "boom")

	// The actor survives and keeps processing.
	require.NoError(t, a.Send(counterEvent{kind: "inc"}))
	got, err := AskAs[int](context.Background(), a, counterEvent{kind: "read"})
	require.NoError(t, err)
	assert.Equal(t, 1, got)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, crashes, 1)
}

func TestActor_ReducerPanicIsIsolated(t *testing.T) {
	a := New(Options[counterEvent, *counterState]{
		ID:           "panicky",
		InitialState: &counterState{},
		Reducer: func(s *counterState, e counterEvent, ctx *Context[counterEvent, *counterState]) (*counterState, error) {
			if e.kind == "boom" {
				panic("kaboom")
			}
			ctx.Reply(s.n)
			return s, nil
		},
	})

	_, err := a.Ask(context.Background(), counterEvent{kind: "boom"})
	require.ErrorContains(t, err, "kaboom")

	_, err = a.Ask(context.Background(), counterEvent{kind: "read"})
	require.NoError(t, err)
}

func TestActor_StopRejectsFurtherMessages(t *testing.T) {
	a := newCounter(t, nil)

	a.Stop()
	assert.True(t, a.Stopped())

	err := a.Send(counterEvent{kind: "inc"})
	var stopped *StoppedError
	require.ErrorAs(t, err, &stopped)
	assert.Equal(t, "counter", stopped.ActorID)

	_, err = a.Ask(context.Background(), counterEvent{kind: "read"})
	require.ErrorAs(t, err, &stopped)
}

func TestActor_StopIsIdempotent(t *testing.T) {
	a := newCounter(t, nil)
	a.Stop()
	a.Stop()
	assert.True(t, a.Stopped())
}

func TestActor_SubscribeReplaysThenStreams(t *testing.T) {
	a := newCounter(t, nil)

	var mu sync.Mutex
	var seen []int
	unsubscribe := a.Subscribe(func(s *counterState) {
		mu.Lock()
		seen = append(seen, s.n)
		mu.Unlock()
	})

	require.NoError(t, a.Send(counterEvent{kind: "inc"}))
	_, err := a.Ask(context.Background(), counterEvent{kind: "read"})
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, []int{0, 1}, seen)
	mu.Unlock()

	unsubscribe()
	require.NoError(t, a.Send(counterEvent{kind: "inc"}))
	_, err = a.Ask(context.Background(), counterEvent{kind: "read"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1}, seen)
}

func TestActor_IdenticalStateSuppressesNotify(t *testing.T) {
	a := newCounter(t, nil)

	var mu sync.Mutex
	notifies := 0
	a.Subscribe(func(*counterState) {
		mu.Lock()
		notifies++
		mu.Unlock()
	})

	// "read" returns the same state pointer, so no notification fires.
	_, err := a.Ask(context.Background(), counterEvent{kind: "read"})
	require.NoError(t, err)
	_, err = a.Ask(context.Background(), counterEvent{kind: "read"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, notifies, "only the subscription replay should fire")
}

func TestSupervisor_SpawnScopesChildIDs(t *testing.T) {
	sup := NewSupervisor(SupervisorOptions{ID: "root"})

	child, err := Spawn(sup, "counter", Options[counterEvent, *counterState]{
		InitialState: &counterState{},
		Reducer: func(s *counterState, e counterEvent, ctx *Context[counterEvent, *counterState]) (*counterState, error) {
			if e.kind == "inc" {
				return &counterState{n: s.n + 1}, nil
			}
			ctx.Reply(s.n)
			return s, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "root/counter", child.ID())

	require.NoError(t, child.Send(counterEvent{kind: "inc"}))
	got, err := AskAs[int](context.Background(), child, counterEvent{kind: "read"})
	require.NoError(t, err)
	assert.Equal(t, 1, got)

	require.NotNil(t, sup.Get("counter"))

	sup.StopAll()
	assert.True(t, child.Stopped())
	assert.Nil(t, sup.Get("counter"))
}

func TestSupervisor_RejectsDuplicateNames(t *testing.T) {
	sup := NewSupervisor(SupervisorOptions{ID: "root"})

	_, err := Spawn(sup, "counter", Options[counterEvent, *counterState]{
		InitialState: &counterState{},
		Reducer: func(s *counterState, _ counterEvent, _ *Context[counterEvent, *counterState]) (*counterState, error) {
			return s, nil
		},
	})
	require.NoError(t, err)

	_, err = Spawn(sup, "counter", Options[counterEvent, *counterState]{
		InitialState: &counterState{},
		Reducer: func(s *counterState, _ counterEvent, _ *Context[counterEvent, *counterState]) (*counterState, error) {
			return s, nil
		},
	})
	require.ErrorContains(t, err, "already exists")
}

func TestSupervisor_BubblesChildCrashes(t *testing.T) {
	var mu sync.Mutex
	var crashedChild string
	sup := NewSupervisor(SupervisorOptions{
		ID: "root",
		OnChildCrash: func(childID string, err error) {
			mu.Lock()
			crashedChild = childID
			mu.Unlock()
		},
	})

	child, err := Spawn(sup, "fragile", Options[counterEvent, *counterState]{
		InitialState: &counterState{},
		Reducer: func(s *counterState, _ counterEvent, _ *Context[counterEvent, *counterState]) (*counterState, error) {
			return s, errors.New("boom")
		},
	})
	require.NoError(t, err)

	_, err = child.Ask(context.Background(), counterEvent{kind: "inc"})
	require.EqualError(t, err, "boom")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "root/fragile", crashedChild)
}

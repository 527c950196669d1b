package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/voxfeld/tidepool/internal/actor"
)

// Snapshot is the externally visible view of a persisted state: the current
// value, the driver version (bumped on every successful write), and whether
// the backing storage has been read yet.
type Snapshot[V any] struct {
	Value    V
	Version  int
	Hydrated bool
}

// Merge combines the value found in durable storage with whatever
// accumulated in memory before hydration completed. stored is nil when the
// backing slot was empty. This resolves the race where Set runs before the
// lazy load finishes: without a merge hook the stored value wins outright
// (falling back to the configured initial value when nothing was stored).
type Merge[V any] func(stored *V, inMemory V) V

// StateOptions configures a persisted state.
type StateOptions[V any] struct {
	Name      string
	Namespace string
	Key       string
	Driver    Driver
	Initial   V
	Merge     Merge[V]

	// Supervisor, when set, registers the actor under it using Name.
	Supervisor *actor.Supervisor
}

type stateData[V any] struct {
	value    V
	version  int
	hydrated bool
	resource Resource
}

type stateEvent[V any] interface{ isStateEvent() }

type hydrateEvent[V any] struct{}
type getEvent[V any] struct{}
type setEvent[V any] struct{ update func(V) V }
type replaceEvent[V any] struct{ value V }
type flushEvent[V any] struct{}

func (hydrateEvent[V]) isStateEvent() {}
func (getEvent[V]) isStateEvent()     {}
func (setEvent[V]) isStateEvent()     {}
func (replaceEvent[V]) isStateEvent() {}
func (flushEvent[V]) isStateEvent()   {}

// State wraps one driver resource in an actor, serializing every read and
// write. Hydration happens at most once, lazily, on the first operation
// that needs it.
type State[V any] struct {
	opts  StateOptions[V]
	actor *actor.Actor[stateEvent[V], *stateData[V]]
}

// NewState creates a persisted state over the driver. The value is not
// loaded until the first hydrate/get/set.
func NewState[V any](opts StateOptions[V]) (*State[V], error) {
	s := &State[V]{opts: opts}
	actorOpts := actor.Options[stateEvent[V], *stateData[V]]{
		ID:           "storage/" + opts.Name,
		InitialState: &stateData[V]{value: opts.Initial},
		Reducer:      s.reduce,
	}
	if opts.Supervisor != nil {
		a, err := actor.Spawn(opts.Supervisor, opts.Name, actorOpts)
		if err != nil {
			return nil, err
		}
		s.actor = a
		return s, nil
	}
	s.actor = actor.New(actorOpts)
	return s, nil
}

// Hydrate loads the value from the driver exactly once and returns the
// snapshot; subsequent calls return the cached state.
func (s *State[V]) Hydrate(ctx context.Context) (Snapshot[V], error) {
	return actor.AskAs[Snapshot[V], stateEvent[V]](ctx, s.actor, hydrateEvent[V]{})
}

// Get is Hydrate with read-only intent.
func (s *State[V]) Get(ctx context.Context) (Snapshot[V], error) {
	return actor.AskAs[Snapshot[V], stateEvent[V]](ctx, s.actor, getEvent[V]{})
}

// Set hydrates if needed, applies update to the current value, and persists
// the result.
func (s *State[V]) Set(ctx context.Context, update func(V) V) (Snapshot[V], error) {
	return actor.AskAs[Snapshot[V], stateEvent[V]](ctx, s.actor, setEvent[V]{update: update})
}

// Replace persists value unconditionally.
func (s *State[V]) Replace(ctx context.Context, value V) (Snapshot[V], error) {
	return actor.AskAs[Snapshot[V], stateEvent[V]](ctx, s.actor, replaceEvent[V]{value: value})
}

// Flush forces the driver to persist buffered writes.
func (s *State[V]) Flush(ctx context.Context) error {
	_, err := s.actor.Ask(ctx, flushEvent[V]{})
	return err
}

// Ref exposes the underlying actor for lifecycle control.
func (s *State[V]) Ref() actor.Ref { return s.actor }

func (s *State[V]) reduce(st *stateData[V], event stateEvent[V], ctx *actor.Context[stateEvent[V], *stateData[V]]) (*stateData[V], error) {
	switch ev := event.(type) {
	case hydrateEvent[V], getEvent[V]:
		next, err := s.ensureHydrated(st)
		if err != nil {
			return st, err
		}
		ctx.Reply(snapshotOf(next))
		return next, nil

	case setEvent[V]:
		hydrated, err := s.ensureHydrated(st)
		if err != nil {
			return st, err
		}
		return s.write(hydrated, ev.update(hydrated.value), ctx)

	case replaceEvent[V]:
		hydrated, err := s.ensureHydrated(st)
		if err != nil {
			return st, err
		}
		return s.write(hydrated, ev.value, ctx)

	case flushEvent[V]:
		hydrated, err := s.ensureHydrated(st)
		if err != nil {
			return st, err
		}
		if err := hydrated.resource.Flush(); err != nil {
			return hydrated, fmt.Errorf("flush %s: %w", s.opts.Name, err)
		}
		return hydrated, nil
	}
	return st, nil
}

func (s *State[V]) ensureHydrated(st *stateData[V]) (*stateData[V], error) {
	if st.hydrated && st.resource != nil {
		return st, nil
	}

	resource := st.resource
	if resource == nil {
		var err error
		resource, err = s.opts.Driver.Open(context.Background(), s.opts.Namespace, s.opts.Key)
		if err != nil {
			return nil, fmt.Errorf("open %s/%s: %w", s.opts.Namespace, s.opts.Key, err)
		}
	}

	raw, err := resource.Get()
	if err != nil {
		return nil, fmt.Errorf("load %s/%s: %w", s.opts.Namespace, s.opts.Key, err)
	}

	var value V
	switch {
	case raw.Found:
		var stored V
		if err := json.Unmarshal(raw.Data, &stored); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", s.opts.Namespace, s.opts.Key, err)
		}
		if s.opts.Merge != nil {
			value = s.opts.Merge(&stored, st.value)
		} else {
			value = stored
		}
	case s.opts.Merge != nil:
		value = s.opts.Merge(nil, st.value)
	default:
		value = s.opts.Initial
	}

	return &stateData[V]{
		value:    value,
		version:  raw.Version,
		hydrated: true,
		resource: resource,
	}, nil
}

func (s *State[V]) write(st *stateData[V], next V, ctx *actor.Context[stateEvent[V], *stateData[V]]) (*stateData[V], error) {
	data, err := json.Marshal(next)
	if err != nil {
		return st, fmt.Errorf("encode %s: %w", s.opts.Name, err)
	}
	written, err := st.resource.Set(func(Value) ([]byte, error) { return data, nil })
	if err != nil {
		return st, fmt.Errorf("persist %s: %w", s.opts.Name, err)
	}
	nextState := &stateData[V]{
		value:    next,
		version:  written.Version,
		hydrated: true,
		resource: st.resource,
	}
	ctx.Reply(snapshotOf(nextState))
	return nextState, nil
}

func snapshotOf[V any](st *stateData[V]) Snapshot[V] {
	return Snapshot[V]{Value: st.value, Version: st.version, Hydrated: st.hydrated}
}

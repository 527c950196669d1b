package actor

import (
	"fmt"
	"sync"

	"context"
)

// Ref is the type-erased handle the supervisor keeps for lifecycle control.
type Ref interface {
	ID() string
	Stop()
	Stopped() bool
}

// StoppedError is returned when a message is delivered to a terminated actor.
// This is always a programming error on the caller's side.
type StoppedError struct {
	ActorID string
}

func (e *StoppedError) Error() string {
	return fmt.Sprintf("actor %q is stopped", e.ActorID)
}

// Reducer computes the next state for one event.
//
// A reducer may block (for example awaiting another actor via Ask); the
// mailbox stays strictly sequential across such suspensions. Returning an
// error rejects the message's Ask (if any) and invokes the crash handler,
// but does not stop the actor or drop queued messages.
type Reducer[E any, S comparable] func(state S, event E, ctx *Context[E, S]) (S, error)

// Options configures a new actor.
type Options[E any, S comparable] struct {
	ID           string
	InitialState S
	Reducer      Reducer[E, S]

	// OnCrash observes reducer failures. The failing message's caller is
	// notified separately; sibling messages keep flowing.
	OnCrash func(error)

	// OnStateChange observes every accepted state transition, before
	// regular subscribers.
	OnStateChange func(S)
}

type outcome struct {
	value any
	err   error
}

type message[E any] struct {
	event E
	reply chan outcome
}

type subscriber[S comparable] struct {
	id int
	cb func(S)
}

// Actor is a unit of state plus sequential mailbox-driven message
// processing. At most one reducer invocation runs at a time; messages are
// handled strictly in arrival order. State values must be pointers (or
// otherwise comparable): change notification is suppressed when the reducer
// returns the identical state value, so reducers return a fresh value for
// every observable transition.
type Actor[E any, S comparable] struct {
	id string

	mu            sync.Mutex
	state         S
	inbox         []message[E]
	processing    bool
	stopped       bool
	subscribers   []subscriber[S]
	nextSubID     int
	reducer       Reducer[E, S]
	onCrash       func(error)
	onStateChange func(S)
}

// New creates an actor with its initial state. No goroutine runs until the
// first message arrives; the mailbox is drained by a single on-demand
// worker, so two reducer invocations never overlap.
func New[E any, S comparable](opts Options[E, S]) *Actor[E, S] {
	return &Actor[E, S]{
		id:            opts.ID,
		state:         opts.InitialState,
		reducer:       opts.Reducer,
		onCrash:       opts.OnCrash,
		onStateChange: opts.OnStateChange,
	}
}

// ID returns the actor's identifier.
func (a *Actor[E, S]) ID() string { return a.id }

// Send enqueues an event without waiting for it to be processed.
func (a *Actor[E, S]) Send(event E) error {
	return a.enqueue(message[E]{event: event})
}

// Ask enqueues an event and blocks until the reducer handles it. The result
// is whatever the reducer passed to ctx.Reply, or nil if it never replied.
// A reducer error rejects exactly this call.
func (a *Actor[E, S]) Ask(ctx context.Context, event E) (any, error) {
	reply := make(chan outcome, 1)
	if err := a.enqueue(message[E]{event: event, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-reply:
		return out.value, out.err
	}
}

// AskAs is Ask with a typed result.
func AskAs[T any, E any, S comparable](ctx context.Context, a *Actor[E, S], event E) (T, error) {
	var zero T
	v, err := a.Ask(ctx, event)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("actor %q replied %T, want %T", a.id, v, zero)
	}
	return typed, nil
}

// Stop terminates the actor: the mailbox is dropped, queued asks are
// rejected, and no further messages or notifications are delivered. The
// in-flight reducer, if any, runs to completion but its state change is not
// broadcast.
func (a *Actor[E, S]) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	dropped := a.inbox
	a.inbox = nil
	a.subscribers = nil
	a.mu.Unlock()

	for _, m := range dropped {
		if m.reply != nil {
			m.reply <- outcome{err: &StoppedError{ActorID: a.id}}
		}
	}
}

// Stopped reports whether Stop has been called.
func (a *Actor[E, S]) Stopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopped
}

// Snapshot returns the current state.
func (a *Actor[E, S]) Snapshot() S {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Subscribe registers a state observer. The current state is replayed
// immediately, then the callback sees every accepted transition, in order,
// until the returned function is called.
//
// Callbacks run on the actor's processing goroutine. A callback that needs
// to Ask the same actor must do so from another goroutine or it will
// deadlock the mailbox.
func (a *Actor[E, S]) Subscribe(cb func(S)) func() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return func() {}
	}
	id := a.nextSubID
	a.nextSubID++
	a.subscribers = append(a.subscribers, subscriber[S]{id: id, cb: cb})
	state := a.state
	a.mu.Unlock()

	cb(state)

	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		for i, s := range a.subscribers {
			if s.id == id {
				a.subscribers = append(a.subscribers[:i], a.subscribers[i+1:]...)
				return
			}
		}
	}
}

func (a *Actor[E, S]) enqueue(m message[E]) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return &StoppedError{ActorID: a.id}
	}
	a.inbox = append(a.inbox, m)
	start := !a.processing
	if start {
		a.processing = true
	}
	a.mu.Unlock()

	if start {
		go a.drain()
	}
	return nil
}

func (a *Actor[E, S]) drain() {
	for {
		a.mu.Lock()
		if a.stopped || len(a.inbox) == 0 {
			a.processing = false
			a.mu.Unlock()
			return
		}
		m := a.inbox[0]
		a.inbox[0] = message[E]{}
		a.inbox = a.inbox[1:]
		prev := a.state
		a.mu.Unlock()

		ctx := &Context[E, S]{self: a}
		next, err := a.invoke(prev, m.event, ctx)
		if err != nil {
			if m.reply != nil {
				if ctx.replied {
					// Reply already consumed; the failure is only
					// reported to the crash handler.
					m.reply <- ctx.out
				} else {
					m.reply <- outcome{err: err}
				}
			}
			if a.onCrash != nil {
				a.onCrash(err)
			}
			continue
		}

		a.mu.Lock()
		stopped := a.stopped
		if !stopped {
			a.state = next
		}
		subs := make([]subscriber[S], len(a.subscribers))
		copy(subs, a.subscribers)
		a.mu.Unlock()

		if !stopped && next != prev {
			if a.onStateChange != nil {
				a.onStateChange(next)
			}
			for _, s := range subs {
				s.cb(next)
			}
		}

		if m.reply != nil {
			if ctx.replied {
				m.reply <- ctx.out
			} else {
				m.reply <- outcome{}
			}
		}
	}
}

func (a *Actor[E, S]) invoke(state S, event E, ctx *Context[E, S]) (next S, err error) {
	defer func() {
		if r := recover(); r != nil {
			next = state
			if e, ok := r.(error); ok {
				err = fmt.Errorf("reducer panic in actor %q: %w", a.id, e)
			} else {
				err = fmt.Errorf("reducer panic in actor %q: %v", a.id, r)
			}
		}
	}()
	return a.reducer(state, event, ctx)
}

// Context is the per-message view a reducer receives.
type Context[E any, S comparable] struct {
	self    *Actor[E, S]
	replied bool
	out     outcome
}

// Self returns the actor handling the message, for scheduling follow-up
// events (timers, self-sends).
func (c *Context[E, S]) Self() *Actor[E, S] { return c.self }

// Reply fulfils the pending Ask with a value. Later calls overwrite earlier
// ones; Send messages ignore replies.
func (c *Context[E, S]) Reply(v any) {
	c.replied = true
	c.out = outcome{value: v}
}

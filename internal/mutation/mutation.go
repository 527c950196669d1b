// Package mutation tracks optimistic writes from enqueue to server ack. The
// queue is persisted so unconfirmed mutations survive a restart and can be
// replayed, ordered by a monotonic counter recovered during hydration.
package mutation

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/voxfeld/tidepool/internal/actor"
	"github.com/voxfeld/tidepool/internal/sched"
	"github.com/voxfeld/tidepool/internal/storage"
	"github.com/voxfeld/tidepool/internal/wire"
)

// Status is the lifecycle phase of a tracked mutation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusTimeout   Status = "timeout"
)

// Entry is one tracked mutation.
type Entry struct {
	EventID     string `json:"event-id"`
	Steps       []any  `json:"steps"`
	Status      Status `json:"status"`
	TxID        int64  `json:"tx-id,omitempty"`
	EnqueuedAt  int64  `json:"enqueued-at"`
	ConfirmedAt int64  `json:"confirmed-at,omitempty"`
	LastSentAt  int64  `json:"last-sent-at,omitempty"`
	Retries     int    `json:"retries"`
	Order       int    `json:"order"`
}

// Queue is the persisted event-id-to-entry map.
type Queue = map[string]Entry

// NotificationKind classifies a queued outcome notification.
type NotificationKind string

const (
	NotifyAck     NotificationKind = "ack"
	NotifyTimeout NotificationKind = "timeout"
	NotifyError   NotificationKind = "error"
)

// Notification is a mutation outcome awaiting delivery to its waiter.
type Notification struct {
	Kind    NotificationKind
	EventID string
	TxID    int64
	Err     *wire.ErrorInfo
}

type mutationState struct {
	hydrated      bool
	persisted     Queue
	timers        map[string]sched.TimerID
	orderCounter  int
	notifications []Notification
}

func (s *mutationState) clone() *mutationState {
	next := *s
	return &next
}

type mutationEvent interface{ isMutationEvent() }

type hydrateEvent struct{}
type enqueueEvent struct {
	eventID    string
	steps      []any
	enqueuedAt int64
}
type markSentEvent struct {
	eventID string
	timeout time.Duration
	now     int64
}
type ackEvent struct {
	eventID string
	txID    int64
	now     int64
}
type failEvent struct {
	eventID string
	err     wire.ErrorInfo
}
type dropEvent struct{ eventID string }
type listPendingEvent struct{}
type timeoutEvent struct{ eventID string }
type drainEvent struct{}
type noopEvent struct{}

func (hydrateEvent) isMutationEvent()     {}
func (enqueueEvent) isMutationEvent()     {}
func (markSentEvent) isMutationEvent()    {}
func (ackEvent) isMutationEvent()         {}
func (failEvent) isMutationEvent()        {}
func (dropEvent) isMutationEvent()        {}
func (listPendingEvent) isMutationEvent() {}
func (timeoutEvent) isMutationEvent()     {}
func (drainEvent) isMutationEvent()       {}
func (noopEvent) isMutationEvent()        {}

// Options configures the mutation actor.
type Options struct {
	Persisted      *storage.State[Queue]
	Scheduler      sched.Scheduler
	Logger         *slog.Logger
	DefaultTimeout time.Duration
	Supervisor     *actor.Supervisor
}

// Mutations is the mutation actor handle.
type Mutations struct {
	inner *actor.Actor[mutationEvent, *mutationState]
	opts  Options
	log   *slog.Logger
}

// New spawns the mutation actor.
func New(opts Options) (*Mutations, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Scheduler == nil {
		opts.Scheduler = sched.NewWall()
	}
	m := &Mutations{opts: opts, log: log}
	aopts := actor.Options[mutationEvent, *mutationState]{
		ID: "reactor/mutation",
		InitialState: &mutationState{
			persisted: Queue{},
			timers:    map[string]sched.TimerID{},
		},
		Reducer: m.reduce,
	}
	var (
		inner *actor.Actor[mutationEvent, *mutationState]
		err   error
	)
	if opts.Supervisor != nil {
		inner, err = actor.Spawn(opts.Supervisor, "mutation", aopts)
		if err != nil {
			return nil, err
		}
	} else {
		inner = actor.New(aopts)
	}
	m.inner = inner
	return m, nil
}

func (m *Mutations) reduce(st *mutationState, ev mutationEvent, ctx *actor.Context[mutationEvent, *mutationState]) (*mutationState, error) {
	switch ev := ev.(type) {
	case hydrateEvent:
		hydrated, err := m.ensureHydrated(st)
		if err != nil {
			return st, err
		}
		ctx.Reply(hydrated.persisted)
		return hydrated, nil

	case enqueueEvent:
		hydrated, err := m.ensureHydrated(st)
		if err != nil {
			return st, err
		}
		if existing, ok := hydrated.persisted[ev.eventID]; ok {
			ctx.Reply(existing)
			return hydrated, nil
		}
		order := hydrated.orderCounter + 1
		entry := Entry{
			EventID:    ev.eventID,
			Steps:      ev.steps,
			Status:     StatusPending,
			EnqueuedAt: ev.enqueuedAt,
			Order:      order,
		}
		snap, err := m.opts.Persisted.Set(context.Background(), func(prev Queue) Queue {
			next := copyQueue(prev)
			next[ev.eventID] = entry
			return next
		})
		if err != nil {
			return st, err
		}
		ctx.Reply(entry)
		next := hydrated.clone()
		next.persisted = snap.Value
		next.orderCounter = order
		return next, nil

	case markSentEvent:
		hydrated, err := m.ensureHydrated(st)
		if err != nil {
			return st, err
		}
		entry, ok := hydrated.persisted[ev.eventID]
		if !ok {
			return hydrated, nil
		}
		timeout := ev.timeout
		if timeout <= 0 {
			timeout = m.opts.DefaultTimeout
		}
		if timer, ok := hydrated.timers[ev.eventID]; ok {
			m.opts.Scheduler.ClearTimeout(timer)
		}
		self := m.inner
		eventID := ev.eventID
		timer := m.opts.Scheduler.SetTimeout(func() {
			_ = self.Send(timeoutEvent{eventID: eventID})
		}, timeout)
		entry.Status = StatusPending
		entry.Retries++
		entry.LastSentAt = ev.now
		snap, err := m.opts.Persisted.Set(context.Background(), func(prev Queue) Queue {
			next := copyQueue(prev)
			next[ev.eventID] = entry
			return next
		})
		if err != nil {
			return st, err
		}
		next := hydrated.clone()
		next.persisted = snap.Value
		next.timers = copyTimers(hydrated.timers)
		next.timers[ev.eventID] = timer
		return next, nil

	case ackEvent:
		hydrated, err := m.ensureHydrated(st)
		if err != nil {
			return st, err
		}
		entry, ok := hydrated.persisted[ev.eventID]
		if !ok {
			return hydrated, nil
		}
		if timer, ok := hydrated.timers[ev.eventID]; ok {
			m.opts.Scheduler.ClearTimeout(timer)
		}
		entry.Status = StatusConfirmed
		entry.TxID = ev.txID
		entry.ConfirmedAt = ev.now
		snap, err := m.opts.Persisted.Set(context.Background(), func(prev Queue) Queue {
			next := copyQueue(prev)
			next[ev.eventID] = entry
			return next
		})
		if err != nil {
			return st, err
		}
		next := hydrated.clone()
		next.persisted = snap.Value
		next.timers = copyTimers(hydrated.timers)
		delete(next.timers, ev.eventID)
		next.notifications = append(hydrated.notifications,
			Notification{Kind: NotifyAck, EventID: ev.eventID, TxID: ev.txID})
		return next, nil

	case failEvent:
		hydrated, err := m.ensureHydrated(st)
		if err != nil {
			return st, err
		}
		if timer, ok := hydrated.timers[ev.eventID]; ok {
			m.opts.Scheduler.ClearTimeout(timer)
		}
		snap, err := m.opts.Persisted.Set(context.Background(), func(prev Queue) Queue {
			if _, ok := prev[ev.eventID]; !ok {
				return prev
			}
			next := copyQueue(prev)
			delete(next, ev.eventID)
			return next
		})
		if err != nil {
			return st, err
		}
		errInfo := ev.err
		next := hydrated.clone()
		next.persisted = snap.Value
		next.timers = copyTimers(hydrated.timers)
		delete(next.timers, ev.eventID)
		next.notifications = append(hydrated.notifications,
			Notification{Kind: NotifyError, EventID: ev.eventID, Err: &errInfo})
		return next, nil

	case dropEvent:
		hydrated, err := m.ensureHydrated(st)
		if err != nil {
			return st, err
		}
		if timer, ok := hydrated.timers[ev.eventID]; ok {
			m.opts.Scheduler.ClearTimeout(timer)
		}
		snap, err := m.opts.Persisted.Set(context.Background(), func(prev Queue) Queue {
			if _, ok := prev[ev.eventID]; !ok {
				return prev
			}
			next := copyQueue(prev)
			delete(next, ev.eventID)
			return next
		})
		if err != nil {
			return st, err
		}
		next := hydrated.clone()
		next.persisted = snap.Value
		next.timers = copyTimers(hydrated.timers)
		delete(next.timers, ev.eventID)
		return next, nil

	case listPendingEvent:
		hydrated, err := m.ensureHydrated(st)
		if err != nil {
			return st, err
		}
		ctx.Reply(sortedPending(hydrated.persisted))
		return hydrated, nil

	case timeoutEvent:
		hydrated, err := m.ensureHydrated(st)
		if err != nil {
			return st, err
		}
		entry, ok := hydrated.persisted[ev.eventID]
		if !ok || entry.Status != StatusPending {
			return hydrated, nil
		}
		entry.Status = StatusTimeout
		snap, err := m.opts.Persisted.Set(context.Background(), func(prev Queue) Queue {
			next := copyQueue(prev)
			next[ev.eventID] = entry
			return next
		})
		if err != nil {
			return st, err
		}
		next := hydrated.clone()
		next.persisted = snap.Value
		next.timers = copyTimers(hydrated.timers)
		delete(next.timers, ev.eventID)
		next.notifications = append(hydrated.notifications,
			Notification{Kind: NotifyTimeout, EventID: ev.eventID})
		return next, nil

	case drainEvent:
		ctx.Reply(st.notifications)
		next := st.clone()
		next.notifications = nil
		return next, nil

	case noopEvent:
		ctx.Reply(struct{}{})
		return st, nil
	}
	return st, nil
}

func (m *Mutations) ensureHydrated(st *mutationState) (*mutationState, error) {
	if st.hydrated {
		return st, nil
	}
	snap, err := m.opts.Persisted.Hydrate(context.Background())
	if err != nil {
		return nil, err
	}
	maxOrder := 0
	for _, entry := range snap.Value {
		if entry.Order > maxOrder {
			maxOrder = entry.Order
		}
	}
	next := st.clone()
	next.hydrated = true
	next.persisted = snap.Value
	if next.persisted == nil {
		next.persisted = Queue{}
	}
	next.orderCounter = maxOrder
	return next, nil
}

func sortedPending(entries Queue) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		if entry.Status == StatusPending {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

func copyQueue(prev Queue) Queue {
	out := make(Queue, len(prev)+1)
	for k, v := range prev {
		out[k] = v
	}
	return out
}

func copyTimers(prev map[string]sched.TimerID) map[string]sched.TimerID {
	out := make(map[string]sched.TimerID, len(prev))
	for k, v := range prev {
		out[k] = v
	}
	return out
}

// Hydrate loads the persisted queue and recovers the order counter.
func (m *Mutations) Hydrate(ctx context.Context) (Queue, error) {
	return actor.AskAs[Queue, mutationEvent](ctx, m.inner, hydrateEvent{})
}

// Enqueue registers a mutation. Re-enqueueing a known event id returns the
// existing entry unchanged.
func (m *Mutations) Enqueue(ctx context.Context, eventID string, steps []any, enqueuedAt time.Time) (Entry, error) {
	return actor.AskAs[Entry, mutationEvent](ctx, m.inner, enqueueEvent{
		eventID: eventID, steps: steps, enqueuedAt: enqueuedAt.UnixMilli(),
	})
}

// MarkSent records a transmission attempt and arms the confirmation timer.
// A zero timeout uses the configured default.
func (m *Mutations) MarkSent(eventID string, timeout time.Duration, now time.Time) error {
	return m.inner.Send(markSentEvent{eventID: eventID, timeout: timeout, now: now.UnixMilli()})
}

// Ack confirms a mutation with its server transaction id.
func (m *Mutations) Ack(eventID string, txID int64, now time.Time) error {
	return m.inner.Send(ackEvent{eventID: eventID, txID: txID, now: now.UnixMilli()})
}

// Fail removes a rejected mutation and queues an error notification.
func (m *Mutations) Fail(eventID string, errInfo wire.ErrorInfo) error {
	return m.inner.Send(failEvent{eventID: eventID, err: errInfo})
}

// Drop removes a mutation without notifying anyone.
func (m *Mutations) Drop(eventID string) error {
	return m.inner.Send(dropEvent{eventID: eventID})
}

// ListPending returns unconfirmed mutations in enqueue order.
func (m *Mutations) ListPending(ctx context.Context) ([]Entry, error) {
	return actor.AskAs[[]Entry, mutationEvent](ctx, m.inner, listPendingEvent{})
}

// DrainNotifications returns queued outcome notifications and clears them.
func (m *Mutations) DrainNotifications(ctx context.Context) ([]Notification, error) {
	return actor.AskAs[[]Notification, mutationEvent](ctx, m.inner, drainEvent{})
}

// Snapshot returns the current persisted queue view.
func (m *Mutations) Snapshot() Queue { return m.inner.Snapshot().persisted }

// Subscribe streams state changes as notification counts, letting the
// orchestrator know when there is something to drain.
func (m *Mutations) Subscribe(cb func(pendingNotifications int)) func() {
	return m.inner.Subscribe(func(st *mutationState) { cb(len(st.notifications)) })
}

// Barrier waits for every previously queued event to be processed.
func (m *Mutations) Barrier(ctx context.Context) error {
	_, err := m.inner.Ask(ctx, noopEvent{})
	return err
}

// Stop halts the actor.
func (m *Mutations) Stop() { m.inner.Stop() }

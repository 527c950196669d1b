// Package query caches query results keyed by canonical query hash. Entries
// are persisted across restarts, refcounted by subscriber, and evicted
// least-recently-accessed first when the cache outgrows its limit.
package query

import (
	"context"
	"log/slog"
	"time"

	"github.com/voxfeld/tidepool/internal/actor"
	"github.com/voxfeld/tidepool/internal/storage"
	"github.com/voxfeld/tidepool/internal/wire"
)

// Entry is one cached query.
type Entry struct {
	Query        any               `json:"query"`
	EventID      string            `json:"event-id"`
	Result       *wire.QueryResult `json:"result,omitempty"`
	Err          *wire.ErrorInfo   `json:"error,omitempty"`
	LastAccessed int64             `json:"last-accessed"`
}

// Cache is the persisted hash-to-entry map.
type Cache = map[string]Entry

// SubscribeResult tells the caller whether a network fetch is needed and
// hands back whatever the cache already holds.
type SubscribeResult struct {
	EventID     string
	ShouldFetch bool
	Cached      *wire.QueryResult
	Err         *wire.ErrorInfo
}

type onceHandle struct {
	eventID string
	resolve func(wire.QueryResult)
	reject  func(wire.ErrorInfo)
}

type queryState struct {
	hydrated  bool
	persisted Cache
	listeners map[string]map[string]struct{}
	once      map[string]map[string]onceHandle
	revisions map[string]int
}

func (s *queryState) clone() *queryState {
	next := *s
	return &next
}

type queryEvent interface{ isQueryEvent() }

type hydrateEvent struct{}
type subscribeEvent struct {
	hash         string
	query        any
	subscriberID string
	now          int64
}
type unsubscribeEvent struct {
	hash         string
	subscriberID string
}
type setResultEvent struct {
	hash   string
	result wire.QueryResult
	now    int64
}
type setErrorEvent struct {
	hash string
	err  *wire.ErrorInfo
	now  int64
}
type getEvent struct{ hash string }
type requestOnceEvent struct {
	hash      string
	query     any
	requestID string
	now       int64
	resolve   func(wire.QueryResult)
	reject    func(wire.ErrorInfo)
}
type resolveOnceEvent struct {
	hash    string
	eventID string
	result  wire.QueryResult
}
type rejectOnceEvent struct {
	hash    string
	eventID string
	err     wire.ErrorInfo
}
type evictEvent struct{ hash string }
type evictStaleEvent struct{ limit int }
type noopEvent struct{}

func (hydrateEvent) isQueryEvent()     {}
func (subscribeEvent) isQueryEvent()   {}
func (unsubscribeEvent) isQueryEvent() {}
func (setResultEvent) isQueryEvent()   {}
func (setErrorEvent) isQueryEvent()    {}
func (getEvent) isQueryEvent()         {}
func (requestOnceEvent) isQueryEvent() {}
func (resolveOnceEvent) isQueryEvent() {}
func (rejectOnceEvent) isQueryEvent()  {}
func (evictEvent) isQueryEvent()       {}
func (evictStaleEvent) isQueryEvent()  {}
func (noopEvent) isQueryEvent()        {}

// Options configures the query actor.
type Options struct {
	Persisted  *storage.State[Cache]
	NewEventID func() string
	Logger     *slog.Logger
	CacheLimit int
	Supervisor *actor.Supervisor
}

// Queries is the query actor handle.
type Queries struct {
	inner *actor.Actor[queryEvent, *queryState]
	opts  Options
	log   *slog.Logger
}

// New spawns the query actor. CacheLimit bounds the number of persisted
// entries; the least recently accessed overflow is evicted.
func New(opts Options) (*Queries, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	q := &Queries{opts: opts, log: log}
	aopts := actor.Options[queryEvent, *queryState]{
		ID: "reactor/query",
		InitialState: &queryState{
			persisted: Cache{},
			listeners: map[string]map[string]struct{}{},
			once:      map[string]map[string]onceHandle{},
			revisions: map[string]int{},
		},
		Reducer: q.reduce,
	}
	var (
		inner *actor.Actor[queryEvent, *queryState]
		err   error
	)
	if opts.Supervisor != nil {
		inner, err = actor.Spawn(opts.Supervisor, "query", aopts)
		if err != nil {
			return nil, err
		}
	} else {
		inner = actor.New(aopts)
	}
	q.inner = inner
	return q, nil
}

func (q *Queries) reduce(st *queryState, ev queryEvent, ctx *actor.Context[queryEvent, *queryState]) (*queryState, error) {
	switch ev := ev.(type) {
	case hydrateEvent:
		hydrated, err := q.ensureHydrated(st)
		if err != nil {
			return st, err
		}
		ctx.Reply(hydrated.persisted)
		return hydrated, nil

	case subscribeEvent:
		hydrated, err := q.ensureHydrated(st)
		if err != nil {
			return st, err
		}
		existing, ok := hydrated.persisted[ev.hash]
		created := false
		var entry Entry
		var nextPersisted Cache
		if !ok {
			entry = Entry{
				Query:        ev.query,
				EventID:      q.opts.NewEventID(),
				LastAccessed: ev.now,
			}
			snap, err := q.opts.Persisted.Set(context.Background(), func(prev Cache) Cache {
				next := copyCache(prev)
				next[ev.hash] = entry
				return evictOverflow(next, q.opts.CacheLimit)
			})
			if err != nil {
				return st, err
			}
			nextPersisted = snap.Value
			entry = nextPersisted[ev.hash]
			created = true
		} else {
			entry = existing
			entry.LastAccessed = ev.now
			entry.Query = ev.query
			snap, err := q.opts.Persisted.Set(context.Background(), func(prev Cache) Cache {
				next := copyCache(prev)
				next[ev.hash] = entry
				return next
			})
			if err != nil {
				return st, err
			}
			nextPersisted = snap.Value
		}

		next := hydrated.clone()
		next.persisted = nextPersisted
		next.listeners = copyListeners(hydrated.listeners)
		set := next.listeners[ev.hash]
		if set == nil {
			set = map[string]struct{}{}
			next.listeners[ev.hash] = set
		}
		set[ev.subscriberID] = struct{}{}

		next.revisions = copyRevisions(hydrated.revisions)
		if _, ok := next.revisions[ev.hash]; !ok {
			next.revisions[ev.hash] = 0
		}

		ctx.Reply(SubscribeResult{
			EventID:     entry.EventID,
			ShouldFetch: created || entry.Result == nil,
			Cached:      entry.Result,
			Err:         entry.Err,
		})
		return next, nil

	case unsubscribeEvent:
		next := st.clone()
		next.listeners = copyListeners(st.listeners)
		if set, ok := next.listeners[ev.hash]; ok {
			delete(set, ev.subscriberID)
			if len(set) == 0 {
				delete(next.listeners, ev.hash)
			}
		}
		shouldRemove := next.listeners[ev.hash] == nil && len(st.once[ev.hash]) == 0
		if shouldRemove {
			snap, err := q.opts.Persisted.Set(context.Background(), func(prev Cache) Cache {
				if _, ok := prev[ev.hash]; !ok {
					return prev
				}
				out := copyCache(prev)
				delete(out, ev.hash)
				return out
			})
			if err != nil {
				return st, err
			}
			next.persisted = snap.Value
		}
		ctx.Reply(shouldRemove)
		return next, nil

	case setResultEvent:
		snap, err := q.opts.Persisted.Set(context.Background(), func(prev Cache) Cache {
			current, ok := prev[ev.hash]
			if !ok {
				q.log.Debug("result for unknown query hash", "hash", ev.hash)
				return prev
			}
			out := copyCache(prev)
			result := ev.result
			current.Result = &result
			current.Err = nil
			current.LastAccessed = ev.now
			out[ev.hash] = current
			return out
		})
		if err != nil {
			return st, err
		}
		next := st.clone()
		next.persisted = snap.Value
		next.revisions = copyRevisions(st.revisions)
		next.revisions[ev.hash] = st.revisions[ev.hash] + 1
		return next, nil

	case setErrorEvent:
		snap, err := q.opts.Persisted.Set(context.Background(), func(prev Cache) Cache {
			current, ok := prev[ev.hash]
			if !ok {
				return prev
			}
			out := copyCache(prev)
			current.Err = ev.err
			current.LastAccessed = ev.now
			out[ev.hash] = current
			return out
		})
		if err != nil {
			return st, err
		}
		next := st.clone()
		next.persisted = snap.Value
		return next, nil

	case getEvent:
		if entry, ok := st.persisted[ev.hash]; ok {
			ctx.Reply(&entry)
		} else {
			ctx.Reply((*Entry)(nil))
		}
		return st, nil

	case requestOnceEvent:
		hydrated, err := q.ensureHydrated(st)
		if err != nil {
			return st, err
		}
		persisted := hydrated.persisted
		if _, ok := persisted[ev.hash]; !ok {
			snap, err := q.opts.Persisted.Set(context.Background(), func(prev Cache) Cache {
				next := copyCache(prev)
				next[ev.hash] = Entry{
					Query:        ev.query,
					EventID:      q.opts.NewEventID(),
					LastAccessed: ev.now,
				}
				return next
			})
			if err != nil {
				return st, err
			}
			persisted = snap.Value
		}
		eventID := q.opts.NewEventID()
		next := hydrated.clone()
		next.persisted = persisted
		next.once = copyOnce(hydrated.once)
		handles := next.once[ev.hash]
		if handles == nil {
			handles = map[string]onceHandle{}
			next.once[ev.hash] = handles
		}
		handles[ev.requestID] = onceHandle{eventID: eventID, resolve: ev.resolve, reject: ev.reject}
		ctx.Reply(eventID)
		return next, nil

	case resolveOnceEvent:
		handles, ok := st.once[ev.hash]
		if !ok {
			return st, nil
		}
		next := st.clone()
		next.once = copyOnce(st.once)
		remaining := next.once[ev.hash]
		for requestID, handle := range handles {
			if handle.eventID == ev.eventID {
				handle.resolve(ev.result)
				delete(remaining, requestID)
			}
		}
		if len(remaining) == 0 {
			delete(next.once, ev.hash)
		}
		return next, nil

	case rejectOnceEvent:
		handles, ok := st.once[ev.hash]
		if !ok {
			return st, nil
		}
		next := st.clone()
		next.once = copyOnce(st.once)
		remaining := next.once[ev.hash]
		for requestID, handle := range handles {
			if handle.eventID == ev.eventID {
				handle.reject(ev.err)
				delete(remaining, requestID)
			}
		}
		if len(remaining) == 0 {
			delete(next.once, ev.hash)
		}
		return next, nil

	case evictEvent:
		snap, err := q.opts.Persisted.Set(context.Background(), func(prev Cache) Cache {
			if _, ok := prev[ev.hash]; !ok {
				return prev
			}
			out := copyCache(prev)
			delete(out, ev.hash)
			return out
		})
		if err != nil {
			return st, err
		}
		next := st.clone()
		next.persisted = snap.Value
		next.listeners = copyListeners(st.listeners)
		delete(next.listeners, ev.hash)
		next.once = copyOnce(st.once)
		delete(next.once, ev.hash)
		next.revisions = copyRevisions(st.revisions)
		delete(next.revisions, ev.hash)
		return next, nil

	case evictStaleEvent:
		snap, err := q.opts.Persisted.Set(context.Background(), func(prev Cache) Cache {
			return evictOverflow(copyCache(prev), ev.limit)
		})
		if err != nil {
			return st, err
		}
		next := st.clone()
		next.persisted = snap.Value
		return next, nil

	case noopEvent:
		ctx.Reply(struct{}{})
		return st, nil
	}
	return st, nil
}

func (q *Queries) ensureHydrated(st *queryState) (*queryState, error) {
	if st.hydrated {
		return st, nil
	}
	snap, err := q.opts.Persisted.Hydrate(context.Background())
	if err != nil {
		return nil, err
	}
	next := st.clone()
	next.hydrated = true
	next.persisted = snap.Value
	if next.persisted == nil {
		next.persisted = Cache{}
	}
	return next, nil
}

// evictOverflow drops the least recently accessed entries until at most
// limit remain.
func evictOverflow(entries Cache, limit int) Cache {
	if limit <= 0 || len(entries) <= limit {
		return entries
	}
	type keyed struct {
		hash string
		at   int64
	}
	order := make([]keyed, 0, len(entries))
	for hash, entry := range entries {
		order = append(order, keyed{hash: hash, at: entry.LastAccessed})
	}
	for len(entries) > limit {
		oldest := 0
		for i := 1; i < len(order); i++ {
			if order[i].at < order[oldest].at ||
				(order[i].at == order[oldest].at && order[i].hash < order[oldest].hash) {
				oldest = i
			}
		}
		delete(entries, order[oldest].hash)
		order = append(order[:oldest], order[oldest+1:]...)
	}
	return entries
}

func copyCache(prev Cache) Cache {
	out := make(Cache, len(prev)+1)
	for k, v := range prev {
		out[k] = v
	}
	return out
}

func copyListeners(prev map[string]map[string]struct{}) map[string]map[string]struct{} {
	out := make(map[string]map[string]struct{}, len(prev))
	for hash, set := range prev {
		dup := make(map[string]struct{}, len(set))
		for id := range set {
			dup[id] = struct{}{}
		}
		out[hash] = dup
	}
	return out
}

func copyOnce(prev map[string]map[string]onceHandle) map[string]map[string]onceHandle {
	out := make(map[string]map[string]onceHandle, len(prev))
	for hash, handles := range prev {
		dup := make(map[string]onceHandle, len(handles))
		for id, h := range handles {
			dup[id] = h
		}
		out[hash] = dup
	}
	return out
}

func copyRevisions(prev map[string]int) map[string]int {
	out := make(map[string]int, len(prev)+1)
	for k, v := range prev {
		out[k] = v
	}
	return out
}

// Hydrate loads the persisted cache, returning its contents.
func (q *Queries) Hydrate(ctx context.Context) (Cache, error) {
	return actor.AskAs[Cache, queryEvent](ctx, q.inner, hydrateEvent{})
}

// Subscribe registers a subscriber for the hashed query and reports whether
// the caller must fetch from the network.
func (q *Queries) Subscribe(ctx context.Context, hash string, query any, subscriberID string, now time.Time) (SubscribeResult, error) {
	return actor.AskAs[SubscribeResult, queryEvent](ctx, q.inner, subscribeEvent{
		hash: hash, query: query, subscriberID: subscriberID, now: now.UnixMilli(),
	})
}

// Unsubscribe drops a subscriber. It reports true when the entry was removed
// because no listeners and no pending one-shot requests remain.
func (q *Queries) Unsubscribe(ctx context.Context, hash, subscriberID string) (bool, error) {
	return actor.AskAs[bool, queryEvent](ctx, q.inner, unsubscribeEvent{hash: hash, subscriberID: subscriberID})
}

// SetResult stores a server result for the hash and bumps its revision.
// Unknown hashes leave the cache untouched.
func (q *Queries) SetResult(hash string, result wire.QueryResult, now time.Time) error {
	return q.inner.Send(setResultEvent{hash: hash, result: result, now: now.UnixMilli()})
}

// SetError records a query error without clearing the cached result.
func (q *Queries) SetError(hash string, errInfo *wire.ErrorInfo, now time.Time) error {
	return q.inner.Send(setErrorEvent{hash: hash, err: errInfo, now: now.UnixMilli()})
}

// Get returns the cached entry for the hash, or nil.
func (q *Queries) Get(ctx context.Context, hash string) (*Entry, error) {
	return actor.AskAs[*Entry, queryEvent](ctx, q.inner, getEvent{hash: hash})
}

// RequestOnce registers a one-shot fetch resolved by ResolveOnce or
// RejectOnce with the returned event id.
func (q *Queries) RequestOnce(ctx context.Context, hash string, query any, requestID string, now time.Time,
	resolve func(wire.QueryResult), reject func(wire.ErrorInfo)) (string, error) {
	return actor.AskAs[string, queryEvent](ctx, q.inner, requestOnceEvent{
		hash: hash, query: query, requestID: requestID, now: now.UnixMilli(),
		resolve: resolve, reject: reject,
	})
}

// ResolveOnce completes every pending one-shot request registered under the
// hash with a matching event id.
func (q *Queries) ResolveOnce(hash, eventID string, result wire.QueryResult) error {
	return q.inner.Send(resolveOnceEvent{hash: hash, eventID: eventID, result: result})
}

// RejectOnce fails every pending one-shot request registered under the hash
// with a matching event id.
func (q *Queries) RejectOnce(hash, eventID string, errInfo wire.ErrorInfo) error {
	return q.inner.Send(rejectOnceEvent{hash: hash, eventID: eventID, err: errInfo})
}

// Evict removes the hash entirely, listeners and revisions included.
func (q *Queries) Evict(hash string) error { return q.inner.Send(evictEvent{hash: hash}) }

// EvictStale trims the persisted cache down to limit entries.
func (q *Queries) EvictStale(limit int) error { return q.inner.Send(evictStaleEvent{limit: limit}) }

// Revision returns the current revision counter for the hash.
func (q *Queries) Revision(hash string) int {
	return q.inner.Snapshot().revisions[hash]
}

// Snapshot returns the current persisted cache view.
func (q *Queries) Snapshot() Cache { return q.inner.Snapshot().persisted }

// SubscribeRevisions streams the revision table and cache after every state
// change so the orchestrator can push fresh results to its listeners. The
// maps must be treated as read-only.
func (q *Queries) SubscribeRevisions(cb func(revisions map[string]int, cache Cache)) func() {
	return q.inner.Subscribe(func(st *queryState) { cb(st.revisions, st.persisted) })
}

// Barrier waits for every previously queued event to be processed.
func (q *Queries) Barrier(ctx context.Context) error {
	_, err := q.inner.Ask(ctx, noopEvent{})
	return err
}

// Stop halts the actor.
func (q *Queries) Stop() { q.inner.Stop() }

// Package reactor wires the connection, query, mutation, and presence
// actors into one client runtime. It routes inbound frames to the right
// actor, drains the actors' outbound work onto the socket, and exposes the
// public subscribe/transact/presence API.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/voxfeld/tidepool/internal/actor"
	"github.com/voxfeld/tidepool/internal/connection"
	"github.com/voxfeld/tidepool/internal/mutation"
	"github.com/voxfeld/tidepool/internal/presence"
	"github.com/voxfeld/tidepool/internal/query"
	"github.com/voxfeld/tidepool/internal/sched"
	"github.com/voxfeld/tidepool/internal/storage"
	"github.com/voxfeld/tidepool/internal/wire"
)

// ErrMutationTimeout is returned by Transact when the server never
// confirmed the mutation within its timeout.
var ErrMutationTimeout = errors.New("mutation timed out")

// TxResult reports a confirmed mutation.
type TxResult struct {
	EventID string
	TxID    int64
}

// Options configures a Reactor. Zero values get production defaults: wall
// clock scheduling, in-memory storage, UUIDv7 event ids.
type Options struct {
	SocketFactory   connection.Factory
	Scheduler       sched.Scheduler
	Storage         storage.Driver
	Logger          *slog.Logger
	MutationTimeout time.Duration
	QueryCacheLimit int
	ReconnectDelay  connection.DelayFunc
	NewEventID      func() string
	Now             func() time.Time
}

type mutationOutcome struct {
	txID int64
	err  error
}

// Reactor is the client runtime.
type Reactor struct {
	log        *slog.Logger
	opts       Options
	supervisor *actor.Supervisor

	conn      *connection.Conn
	queries   *query.Queries
	mutations *mutation.Mutations
	rooms     *presence.Rooms

	mu                 sync.Mutex
	queryListeners     map[string]map[string]func(*wire.QueryResult)
	queryRevisions     map[string]int
	mutationWaiters    map[string]chan mutationOutcome
	presenceListeners  map[string]map[string]func(map[string]any)
	broadcastListeners map[string]map[string]map[string]func(any)

	lastConnStatus     atomic.Value
	processingNetwork  atomic.Bool
	processingMutation atomic.Bool
	processingPresence atomic.Bool

	unsubs  []func()
	stopped atomic.Bool
}

// New builds a Reactor and spawns its actor tree. The reactor is idle until
// Start is called.
func New(opts Options) (*Reactor, error) {
	if opts.SocketFactory == nil {
		return nil, errors.New("reactor: socket factory is required")
	}
	if opts.Scheduler == nil {
		opts.Scheduler = sched.NewWall()
	}
	if opts.Storage == nil {
		opts.Storage = storage.NewMemory()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MutationTimeout <= 0 {
		opts.MutationTimeout = 30 * time.Second
	}
	if opts.QueryCacheLimit <= 0 {
		opts.QueryCacheLimit = 10
	}
	if opts.NewEventID == nil {
		opts.NewEventID = func() string { return uuid.Must(uuid.NewV7()).String() }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	r := &Reactor{
		log:                opts.Logger,
		opts:               opts,
		queryListeners:     map[string]map[string]func(*wire.QueryResult){},
		queryRevisions:     map[string]int{},
		mutationWaiters:    map[string]chan mutationOutcome{},
		presenceListeners:  map[string]map[string]func(map[string]any){},
		broadcastListeners: map[string]map[string]map[string]func(any){},
	}
	r.lastConnStatus.Store(connection.StatusClosed)
	r.supervisor = actor.NewSupervisor(actor.SupervisorOptions{
		ID: "reactor",
		OnChildCrash: func(childID string, err error) {
			opts.Logger.Error("actor crashed", "actor", childID, "err", err)
		},
	})

	queriesPersisted, err := storage.NewState(storage.StateOptions[query.Cache]{
		Name:       "queries",
		Namespace:  "reactor",
		Key:        "queries",
		Driver:     opts.Storage,
		Initial:    query.Cache{},
		Supervisor: r.supervisor,
	})
	if err != nil {
		return nil, fmt.Errorf("reactor: query storage: %w", err)
	}
	mutationsPersisted, err := storage.NewState(storage.StateOptions[mutation.Queue]{
		Name:       "mutations",
		Namespace:  "reactor",
		Key:        "mutations",
		Driver:     opts.Storage,
		Initial:    mutation.Queue{},
		Supervisor: r.supervisor,
	})
	if err != nil {
		return nil, fmt.Errorf("reactor: mutation storage: %w", err)
	}

	r.conn, err = connection.New(connection.Options{
		Factory:    opts.SocketFactory,
		Scheduler:  opts.Scheduler,
		Delay:      opts.ReconnectDelay,
		Logger:     opts.Logger,
		Supervisor: r.supervisor,
	})
	if err != nil {
		return nil, fmt.Errorf("reactor: connection actor: %w", err)
	}
	r.queries, err = query.New(query.Options{
		Persisted:  queriesPersisted,
		NewEventID: opts.NewEventID,
		Logger:     opts.Logger,
		CacheLimit: opts.QueryCacheLimit,
		Supervisor: r.supervisor,
	})
	if err != nil {
		return nil, fmt.Errorf("reactor: query actor: %w", err)
	}
	r.mutations, err = mutation.New(mutation.Options{
		Persisted:      mutationsPersisted,
		Scheduler:      opts.Scheduler,
		Logger:         opts.Logger,
		DefaultTimeout: opts.MutationTimeout,
		Supervisor:     r.supervisor,
	})
	if err != nil {
		return nil, fmt.Errorf("reactor: mutation actor: %w", err)
	}
	r.rooms, err = presence.New(presence.Options{
		Logger:     opts.Logger,
		Supervisor: r.supervisor,
	})
	if err != nil {
		return nil, fmt.Errorf("reactor: presence actor: %w", err)
	}

	// Actor callbacks run on each actor's mailbox goroutine, so every drain
	// is dispatched to its own goroutine before it asks anything back.
	r.unsubs = append(r.unsubs,
		r.queries.SubscribeRevisions(func(revisions map[string]int, cache query.Cache) {
			r.handleQueryState(revisions, cache)
		}),
		r.mutations.Subscribe(func(pending int) {
			if pending > 0 {
				go r.drainMutationNotifications()
			}
		}),
		r.conn.Subscribe(func(snap connection.Snapshot) {
			r.handleConnState(snap)
		}),
		r.rooms.Subscribe(func(pending int) {
			if pending > 0 {
				go r.drainPresenceNotifications()
			}
		}),
	)
	return r, nil
}

// Start opens the connection.
func (r *Reactor) Start() error { return r.conn.Connect() }

// SetOnline reports network reachability to the connection actor.
func (r *Reactor) SetOnline(online bool) error { return r.conn.SetOnline(online) }

// Flush waits until every actor has processed its queued events.
func (r *Reactor) Flush(ctx context.Context) error {
	if _, err := r.conn.Noop(ctx); err != nil {
		return err
	}
	if err := r.queries.Barrier(ctx); err != nil {
		return err
	}
	if err := r.mutations.Barrier(ctx); err != nil {
		return err
	}
	return r.rooms.Barrier(ctx)
}

// Stop tears down the socket and every actor. In-flight asks are rejected.
func (r *Reactor) Stop() {
	if !r.stopped.CompareAndSwap(false, true) {
		return
	}
	for _, unsub := range r.unsubs {
		unsub()
	}
	_ = r.conn.Disconnect(1000, "client stopped")
	_ = r.conn.SetStatus(connection.StatusClosed)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_, _ = r.conn.Noop(ctx)
	cancel()
	r.supervisor.StopAll()

	r.mu.Lock()
	waiters := r.mutationWaiters
	r.mutationWaiters = map[string]chan mutationOutcome{}
	r.mu.Unlock()
	for _, ch := range waiters {
		ch <- mutationOutcome{err: errors.New("reactor stopped")}
	}
}

// SubscribeQuery registers a live query. The listener receives the cached
// result immediately when one exists and again after every server update.
// The returned function cancels the subscription.
func (r *Reactor) SubscribeQuery(ctx context.Context, q any, listener func(*wire.QueryResult)) (func(), error) {
	hash, err := wire.QueryHash(q)
	if err != nil {
		return nil, fmt.Errorf("subscribe query: %w", err)
	}
	listenerID := r.opts.NewEventID()

	res, err := r.queries.Subscribe(ctx, hash, q, listenerID, r.opts.Now())
	if err != nil {
		return nil, fmt.Errorf("subscribe query: %w", err)
	}

	r.mu.Lock()
	set := r.queryListeners[hash]
	if set == nil {
		set = map[string]func(*wire.QueryResult){}
		r.queryListeners[hash] = set
	}
	set[listenerID] = listener
	r.mu.Unlock()

	if res.Cached != nil {
		listener(res.Cached)
	}
	if res.ShouldFetch {
		r.sendFrame(wire.ClientMessage{
			Op:      wire.OpAddQuery,
			EventID: res.EventID,
			Query:   q,
			Hash:    hash,
		})
	}

	return func() {
		r.mu.Lock()
		if set, ok := r.queryListeners[hash]; ok {
			delete(set, listenerID)
			if len(set) == 0 {
				delete(r.queryListeners, hash)
			}
		}
		r.mu.Unlock()

		unsubCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		removed, err := r.queries.Unsubscribe(unsubCtx, hash, listenerID)
		if err != nil {
			r.log.Warn("query unsubscribe failed", "hash", hash, "err", err)
			return
		}
		if removed {
			r.sendFrame(wire.ClientMessage{Op: wire.OpRemoveQuery, Hash: hash})
		}
	}, nil
}

// QueryOnce fetches a query result from the server, bypassing cache
// freshness. It waits until the server responds or ctx expires.
func (r *Reactor) QueryOnce(ctx context.Context, q any) (wire.QueryResult, error) {
	hash, err := wire.QueryHash(q)
	if err != nil {
		return wire.QueryResult{}, fmt.Errorf("query once: %w", err)
	}

	resultCh := make(chan wire.QueryResult, 1)
	errCh := make(chan wire.ErrorInfo, 1)
	eventID, err := r.queries.RequestOnce(ctx, hash, q, r.opts.NewEventID(), r.opts.Now(),
		func(res wire.QueryResult) { resultCh <- res },
		func(e wire.ErrorInfo) { errCh <- e },
	)
	if err != nil {
		return wire.QueryResult{}, fmt.Errorf("query once: %w", err)
	}

	r.sendFrame(wire.ClientMessage{
		Op:      wire.OpAddQuery,
		EventID: eventID,
		Query:   q,
		Hash:    hash,
		Once:    true,
	})

	select {
	case res := <-resultCh:
		return res, nil
	case e := <-errCh:
		return wire.QueryResult{}, &e
	case <-ctx.Done():
		return wire.QueryResult{}, ctx.Err()
	}
}

// PeekQuery returns the cached result for a query shape without
// subscribing, or nil when nothing is cached.
func (r *Reactor) PeekQuery(ctx context.Context, q any) (*wire.QueryResult, error) {
	hash, err := wire.QueryHash(q)
	if err != nil {
		return nil, fmt.Errorf("peek query: %w", err)
	}
	entry, err := r.queries.Get(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("peek query: %w", err)
	}
	if entry == nil {
		return nil, nil
	}
	return entry.Result, nil
}

// Transact enqueues an optimistic mutation, sends it, and waits for the
// server's ack. The mutation survives a restart if the process dies before
// confirmation.
func (r *Reactor) Transact(ctx context.Context, steps []any) (TxResult, error) {
	eventID := r.opts.NewEventID()
	if _, err := r.mutations.Enqueue(ctx, eventID, steps, r.opts.Now()); err != nil {
		return TxResult{}, fmt.Errorf("transact: %w", err)
	}

	waiter := make(chan mutationOutcome, 1)
	r.mu.Lock()
	r.mutationWaiters[eventID] = waiter
	r.mu.Unlock()

	r.sendFrame(wire.ClientMessage{Op: wire.OpTransact, EventID: eventID, Steps: steps})

	if err := r.mutations.MarkSent(eventID, 0, r.opts.Now()); err != nil {
		r.dropWaiter(eventID)
		return TxResult{}, fmt.Errorf("transact: %w", err)
	}

	select {
	case out := <-waiter:
		if out.err != nil {
			return TxResult{}, out.err
		}
		return TxResult{EventID: eventID, TxID: out.txID}, nil
	case <-ctx.Done():
		r.dropWaiter(eventID)
		return TxResult{}, ctx.Err()
	}
}

func (r *Reactor) dropWaiter(eventID string) {
	r.mu.Lock()
	delete(r.mutationWaiters, eventID)
	r.mu.Unlock()
}

// OnPresence subscribes to peer presence for a room, joining it if needed.
// The last listener to leave triggers a leave-room frame.
func (r *Reactor) OnPresence(roomID string, listener func(peers map[string]any)) func() {
	listenerID := r.opts.NewEventID()
	r.mu.Lock()
	set := r.presenceListeners[roomID]
	if set == nil {
		set = map[string]func(map[string]any){}
		r.presenceListeners[roomID] = set
	}
	set[listenerID] = listener
	r.mu.Unlock()

	_ = r.rooms.EnsureRoom(roomID)

	return func() {
		r.mu.Lock()
		set, ok := r.presenceListeners[roomID]
		if !ok {
			r.mu.Unlock()
			return
		}
		delete(set, listenerID)
		last := len(set) == 0
		if last {
			delete(r.presenceListeners, roomID)
		}
		r.mu.Unlock()
		if last {
			_ = r.rooms.LeaveRoom(roomID)
		}
	}
}

// SetLocalPresence publishes this client's presence in a room.
func (r *Reactor) SetLocalPresence(roomID string, payload any) error {
	return r.rooms.SetLocalPresence(roomID, payload)
}

// OnBroadcast subscribes to a topic in a room, joining the room if needed.
func (r *Reactor) OnBroadcast(roomID, topic string, listener func(payload any)) func() {
	listenerID := r.opts.NewEventID()
	r.mu.Lock()
	topics := r.broadcastListeners[roomID]
	if topics == nil {
		topics = map[string]map[string]func(any){}
		r.broadcastListeners[roomID] = topics
	}
	set := topics[topic]
	if set == nil {
		set = map[string]func(any){}
		topics[topic] = set
	}
	set[listenerID] = listener
	r.mu.Unlock()

	_ = r.rooms.EnsureRoom(roomID)

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		topics, ok := r.broadcastListeners[roomID]
		if !ok {
			return
		}
		if set, ok := topics[topic]; ok {
			delete(set, listenerID)
			if len(set) == 0 {
				delete(topics, topic)
			}
		}
		if len(topics) == 0 {
			delete(r.broadcastListeners, roomID)
		}
	}
}

// Broadcast sends a topic message to a room, queueing it until the room
// join completes.
func (r *Reactor) Broadcast(roomID, topic string, payload any) error {
	return r.rooms.Broadcast(roomID, topic, payload)
}

// ReceiveMessage routes a raw inbound frame to the owning actor. It is
// exported for transports that bypass the connection actor in tests.
func (r *Reactor) ReceiveMessage(raw string) {
	msg, err := wire.DecodeServerMessage(raw)
	if err != nil {
		r.log.Warn("dropping undecodable frame", "err", err)
		return
	}
	now := r.opts.Now()
	switch msg.Type {
	case wire.TypeQueryResult:
		var result wire.QueryResult
		if msg.Result != nil {
			result = *msg.Result
		}
		_ = r.queries.SetResult(msg.Hash, result, now)
		if msg.OnceEventID != "" {
			_ = r.queries.ResolveOnce(msg.Hash, msg.OnceEventID, result)
		}
	case wire.TypeQueryError:
		_ = r.queries.SetError(msg.Hash, msg.Err, now)
		if msg.OnceEventID != "" {
			errInfo := wire.ErrorInfo{Message: "query failed"}
			if msg.Err != nil {
				errInfo = *msg.Err
			}
			_ = r.queries.RejectOnce(msg.Hash, msg.OnceEventID, errInfo)
		}
	case wire.TypeMutationAck:
		_ = r.mutations.Ack(msg.EventID, msg.TxID, now)
	case wire.TypeMutationError:
		errInfo := wire.ErrorInfo{Message: "mutation failed"}
		if msg.Err != nil {
			errInfo = *msg.Err
		}
		_ = r.mutations.Fail(msg.EventID, errInfo)
	case wire.TypePresenceUpdate:
		_ = r.rooms.UpdatePeers(msg.RoomID, msg.Peers)
	case wire.TypeRoomJoined:
		_ = r.rooms.MarkJoined(msg.RoomID)
	case wire.TypeRoomLeft:
		_ = r.rooms.MarkLeft(msg.RoomID)
	case wire.TypeServerBroadcast:
		_ = r.rooms.IncomingBroadcast(msg.RoomID, msg.Topic, msg.Payload)
	default:
		r.log.Debug("unknown server frame", "type", msg.Type)
	}
}

func (r *Reactor) sendFrame(msg wire.ClientMessage) {
	msg.ClientEventID = r.opts.NewEventID()
	payload, err := msg.Encode()
	if err != nil {
		r.log.Error("frame encode failed", "op", msg.Op, "err", err)
		return
	}
	_ = r.conn.Send(payload)
}

// handleQueryState pushes results whose revision advanced since the last
// delivery. Revisions only grow, so a late callback for an older state is
// skipped rather than delivered out of order.
func (r *Reactor) handleQueryState(revisions map[string]int, cache query.Cache) {
	type delivery struct {
		cb     func(*wire.QueryResult)
		result *wire.QueryResult
	}
	var deliveries []delivery

	r.mu.Lock()
	for hash, revision := range revisions {
		if revision <= r.queryRevisions[hash] {
			continue
		}
		r.queryRevisions[hash] = revision
		var result *wire.QueryResult
		if entry, ok := cache[hash]; ok {
			result = entry.Result
		}
		for _, cb := range r.queryListeners[hash] {
			deliveries = append(deliveries, delivery{cb: cb, result: result})
		}
	}
	r.mu.Unlock()

	for _, d := range deliveries {
		d.cb(d.result)
	}
}

func (r *Reactor) handleConnState(snap connection.Snapshot) {
	prev := r.lastConnStatus.Swap(snap.Status).(connection.Status)
	if snap.Status == connection.StatusOpened && prev != connection.StatusOpened {
		go r.resendAfterReconnect()
	}
	if len(snap.Inbox) > 0 {
		go r.drainNetworkMessages()
	}
}

// resendAfterReconnect replays unconfirmed mutations in enqueue order and
// re-registers live queries after the socket reopens.
func (r *Reactor) resendAfterReconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pending, err := r.mutations.ListPending(ctx)
	if err != nil {
		r.log.Warn("pending mutation replay failed", "err", err)
	} else {
		for _, entry := range pending {
			r.sendFrame(wire.ClientMessage{Op: wire.OpTransact, EventID: entry.EventID, Steps: entry.Steps})
			if err := r.mutations.MarkSent(entry.EventID, 0, r.opts.Now()); err != nil {
				r.log.Warn("mark-sent during replay failed", "event", entry.EventID, "err", err)
			}
		}
	}

	r.mu.Lock()
	hashes := make([]string, 0, len(r.queryListeners))
	for hash := range r.queryListeners {
		hashes = append(hashes, hash)
	}
	r.mu.Unlock()
	for _, hash := range hashes {
		entry, err := r.queries.Get(ctx, hash)
		if err != nil || entry == nil {
			continue
		}
		r.sendFrame(wire.ClientMessage{
			Op:      wire.OpAddQuery,
			EventID: entry.EventID,
			Query:   entry.Query,
			Hash:    hash,
		})
	}
}

// drainNetworkMessages routes every inbox packet and acks it. Acks are
// at-least-once: a packet is removed only after its frame was dispatched.
func (r *Reactor) drainNetworkMessages() {
	if !r.processingNetwork.CompareAndSwap(false, true) {
		return
	}
	defer r.processingNetwork.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for {
		snap, err := r.conn.Noop(ctx)
		if err != nil {
			return
		}
		if len(snap.Inbox) == 0 {
			return
		}
		for _, packet := range snap.Inbox {
			r.ReceiveMessage(packet.Payload)
			_ = r.conn.Ack(packet.ID)
		}
	}
}

func (r *Reactor) drainMutationNotifications() {
	if !r.processingMutation.CompareAndSwap(false, true) {
		return
	}
	defer r.processingMutation.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	notes, err := r.mutations.DrainNotifications(ctx)
	if err != nil {
		return
	}
	for _, note := range notes {
		r.mu.Lock()
		waiter, ok := r.mutationWaiters[note.EventID]
		if ok {
			delete(r.mutationWaiters, note.EventID)
		}
		r.mu.Unlock()
		if !ok {
			continue
		}
		switch note.Kind {
		case mutation.NotifyAck:
			waiter <- mutationOutcome{txID: note.TxID}
		case mutation.NotifyTimeout:
			waiter <- mutationOutcome{err: ErrMutationTimeout}
		case mutation.NotifyError:
			err := error(note.Err)
			if note.Err == nil {
				err = errors.New("mutation failed")
			}
			waiter <- mutationOutcome{err: err}
		}
	}
}

func (r *Reactor) drainPresenceNotifications() {
	if !r.processingPresence.CompareAndSwap(false, true) {
		return
	}
	defer r.processingPresence.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	notes, err := r.rooms.DrainNotifications(ctx)
	if err != nil {
		return
	}
	for _, note := range notes {
		switch note.Kind {
		case presence.NotifyJoinRoom:
			r.sendFrame(wire.ClientMessage{Op: wire.OpJoinRoom, RoomID: note.RoomID})
		case presence.NotifyLeaveRoom:
			r.sendFrame(wire.ClientMessage{Op: wire.OpLeaveRoom, RoomID: note.RoomID})
		case presence.NotifySendPresence:
			r.sendFrame(wire.ClientMessage{Op: wire.OpSetPresence, RoomID: note.RoomID, Presence: note.Payload})
		case presence.NotifyBroadcast:
			r.sendFrame(wire.ClientMessage{Op: wire.OpBroadcast, RoomID: note.RoomID, Topic: note.Topic, Payload: note.Payload})
		case presence.NotifyPresenceUpdated:
			peers, _ := note.Payload.(map[string]any)
			r.mu.Lock()
			cbs := make([]func(map[string]any), 0, len(r.presenceListeners[note.RoomID]))
			for _, cb := range r.presenceListeners[note.RoomID] {
				cbs = append(cbs, cb)
			}
			r.mu.Unlock()
			for _, cb := range cbs {
				cb(peers)
			}
		case presence.NotifyIncomingBroadcast:
			r.mu.Lock()
			var cbs []func(any)
			if topics, ok := r.broadcastListeners[note.RoomID]; ok {
				for _, cb := range topics[note.Topic] {
					cbs = append(cbs, cb)
				}
			}
			r.mu.Unlock()
			for _, cb := range cbs {
				cb(note.Payload)
			}
		}
	}
}

// ConnectionStatus returns the connection actor's current phase.
func (r *Reactor) ConnectionStatus() connection.Status {
	return r.conn.Snapshot().Status
}

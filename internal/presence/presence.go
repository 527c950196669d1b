// Package presence tracks room membership, ephemeral per-peer presence, and
// topic broadcasts. Presence set before a room join completes is buffered
// and flushed on mark-joined, followed by any queued broadcasts.
package presence

import (
	"context"
	"log/slog"

	"github.com/voxfeld/tidepool/internal/actor"
)

// NotificationKind classifies the outbound work a room change produced.
type NotificationKind string

const (
	NotifyJoinRoom          NotificationKind = "join-room"
	NotifyLeaveRoom         NotificationKind = "leave-room"
	NotifySendPresence      NotificationKind = "send-presence"
	NotifyBroadcast         NotificationKind = "broadcast"
	NotifyPresenceUpdated   NotificationKind = "presence-updated"
	NotifyIncomingBroadcast NotificationKind = "incoming-broadcast"
)

// Notification is a unit of work for the orchestrator: frames to send for
// join/leave/presence/broadcast kinds, callbacks to run for the rest.
type Notification struct {
	Kind    NotificationKind
	RoomID  string
	Topic   string
	Payload any
}

type queuedBroadcast struct {
	topic   string
	payload any
}

// Room is the externally visible state of one room.
type Room struct {
	ID            string
	IsConnected   bool
	JoinRequested bool
	LocalPresence any
	Peers         map[string]any
}

type roomState struct {
	id              string
	isConnected     bool
	joinRequested   bool
	pendingPresence any
	localPresence   any
	peers           map[string]any
	broadcastQueue  []queuedBroadcast
}

type presenceState struct {
	rooms         map[string]roomState
	notifications []Notification
}

func (s *presenceState) clone() *presenceState {
	next := *s
	return &next
}

func (s *presenceState) cloneRooms() map[string]roomState {
	out := make(map[string]roomState, len(s.rooms))
	for k, v := range s.rooms {
		out[k] = v
	}
	return out
}

type presenceEvent interface{ isPresenceEvent() }

type ensureRoomEvent struct{ roomID string }
type markJoinedEvent struct{ roomID string }
type setLocalPresenceEvent struct {
	roomID  string
	payload any
}
type updatePeersEvent struct {
	roomID string
	peers  map[string]any
}
type enqueueBroadcastEvent struct {
	roomID  string
	topic   string
	payload any
}
type incomingBroadcastEvent struct {
	roomID  string
	topic   string
	payload any
}
type leaveRoomEvent struct{ roomID string }
type markLeftEvent struct{ roomID string }
type drainEvent struct{}
type noopEvent struct{}

func (ensureRoomEvent) isPresenceEvent()        {}
func (markJoinedEvent) isPresenceEvent()        {}
func (setLocalPresenceEvent) isPresenceEvent()  {}
func (updatePeersEvent) isPresenceEvent()       {}
func (enqueueBroadcastEvent) isPresenceEvent()  {}
func (incomingBroadcastEvent) isPresenceEvent() {}
func (leaveRoomEvent) isPresenceEvent()         {}
func (markLeftEvent) isPresenceEvent()          {}
func (drainEvent) isPresenceEvent()             {}
func (noopEvent) isPresenceEvent()              {}

// Options configures the presence actor.
type Options struct {
	Logger     *slog.Logger
	Supervisor *actor.Supervisor
}

// Rooms is the presence actor handle.
type Rooms struct {
	inner *actor.Actor[presenceEvent, *presenceState]
	log   *slog.Logger
}

// New spawns the presence actor.
func New(opts Options) (*Rooms, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	r := &Rooms{log: log}
	aopts := actor.Options[presenceEvent, *presenceState]{
		ID:           "reactor/presence",
		InitialState: &presenceState{rooms: map[string]roomState{}},
		Reducer:      r.reduce,
	}
	var (
		inner *actor.Actor[presenceEvent, *presenceState]
		err   error
	)
	if opts.Supervisor != nil {
		inner, err = actor.Spawn(opts.Supervisor, "presence", aopts)
		if err != nil {
			return nil, err
		}
	} else {
		inner = actor.New(aopts)
	}
	r.inner = inner
	return r, nil
}

func (r *Rooms) reduce(st *presenceState, ev presenceEvent, ctx *actor.Context[presenceEvent, *presenceState]) (*presenceState, error) {
	switch ev := ev.(type) {
	case ensureRoomEvent:
		existing, ok := st.rooms[ev.roomID]
		if ok && existing.joinRequested {
			return st, nil
		}
		next := st.clone()
		next.rooms = st.cloneRooms()
		if !ok {
			next.rooms[ev.roomID] = roomState{id: ev.roomID, joinRequested: true, peers: map[string]any{}}
		} else {
			existing.joinRequested = true
			next.rooms[ev.roomID] = existing
		}
		next.notifications = append(st.notifications,
			Notification{Kind: NotifyJoinRoom, RoomID: ev.roomID})
		return next, nil

	case markJoinedEvent:
		room, ok := st.rooms[ev.roomID]
		if !ok {
			return st, nil
		}
		pending := room.pendingPresence
		queued := room.broadcastQueue

		next := st.clone()
		next.rooms = st.cloneRooms()
		room.isConnected = true
		room.joinRequested = false
		room.pendingPresence = nil
		room.broadcastQueue = nil
		next.rooms[ev.roomID] = room

		notes := st.notifications
		if pending != nil {
			notes = append(notes, Notification{Kind: NotifySendPresence, RoomID: ev.roomID, Payload: pending})
		}
		for _, b := range queued {
			notes = append(notes, Notification{Kind: NotifyBroadcast, RoomID: ev.roomID, Topic: b.topic, Payload: b.payload})
		}
		next.notifications = notes
		return next, nil

	case setLocalPresenceEvent:
		room, ok := st.rooms[ev.roomID]
		if !ok {
			r.log.Error("presence set before room was ensured", "room", ev.roomID)
			return st, nil
		}
		next := st.clone()
		next.rooms = st.cloneRooms()
		room.localPresence = ev.payload
		if room.isConnected {
			room.pendingPresence = nil
		} else {
			room.pendingPresence = ev.payload
		}
		next.rooms[ev.roomID] = room
		if room.isConnected {
			next.notifications = append(st.notifications,
				Notification{Kind: NotifySendPresence, RoomID: ev.roomID, Payload: ev.payload})
		}
		return next, nil

	case updatePeersEvent:
		room, ok := st.rooms[ev.roomID]
		if !ok {
			return st, nil
		}
		next := st.clone()
		next.rooms = st.cloneRooms()
		room.peers = ev.peers
		next.rooms[ev.roomID] = room
		next.notifications = append(st.notifications,
			Notification{Kind: NotifyPresenceUpdated, RoomID: ev.roomID, Payload: ev.peers})
		return next, nil

	case enqueueBroadcastEvent:
		room, ok := st.rooms[ev.roomID]
		if !ok {
			return st, nil
		}
		next := st.clone()
		if room.isConnected {
			next.notifications = append(st.notifications,
				Notification{Kind: NotifyBroadcast, RoomID: ev.roomID, Topic: ev.topic, Payload: ev.payload})
			return next, nil
		}
		next.rooms = st.cloneRooms()
		room.broadcastQueue = append(append([]queuedBroadcast{}, room.broadcastQueue...),
			queuedBroadcast{topic: ev.topic, payload: ev.payload})
		next.rooms[ev.roomID] = room
		return next, nil

	case incomingBroadcastEvent:
		next := st.clone()
		next.notifications = append(st.notifications,
			Notification{Kind: NotifyIncomingBroadcast, RoomID: ev.roomID, Topic: ev.topic, Payload: ev.payload})
		return next, nil

	case leaveRoomEvent:
		room, ok := st.rooms[ev.roomID]
		if !ok {
			return st, nil
		}
		next := st.clone()
		next.rooms = st.cloneRooms()
		delete(next.rooms, ev.roomID)
		if room.isConnected {
			next.notifications = append(st.notifications,
				Notification{Kind: NotifyLeaveRoom, RoomID: ev.roomID})
		}
		return next, nil

	case markLeftEvent:
		if _, ok := st.rooms[ev.roomID]; !ok {
			return st, nil
		}
		next := st.clone()
		next.rooms = st.cloneRooms()
		delete(next.rooms, ev.roomID)
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

// EnsureRoom creates room state and asks for a join frame. Repeated calls
// while a join is already requested are no-ops.
func (r *Rooms) EnsureRoom(roomID string) error {
	return r.inner.Send(ensureRoomEvent{roomID: roomID})
}

// MarkJoined records a confirmed join and flushes presence buffered before
// it, then any queued broadcasts, in that order.
func (r *Rooms) MarkJoined(roomID string) error {
	return r.inner.Send(markJoinedEvent{roomID: roomID})
}

// SetLocalPresence publishes this client's presence. Before the join
// completes the payload is buffered; only the latest buffered value wins.
func (r *Rooms) SetLocalPresence(roomID string, payload any) error {
	return r.inner.Send(setLocalPresenceEvent{roomID: roomID, payload: payload})
}

// UpdatePeers replaces the peer map from a server presence update.
func (r *Rooms) UpdatePeers(roomID string, peers map[string]any) error {
	return r.inner.Send(updatePeersEvent{roomID: roomID, peers: peers})
}

// Broadcast sends a topic message, queueing it until the room is joined.
func (r *Rooms) Broadcast(roomID, topic string, payload any) error {
	return r.inner.Send(enqueueBroadcastEvent{roomID: roomID, topic: topic, payload: payload})
}

// IncomingBroadcast queues a received topic message for local delivery.
func (r *Rooms) IncomingBroadcast(roomID, topic string, payload any) error {
	return r.inner.Send(incomingBroadcastEvent{roomID: roomID, topic: topic, payload: payload})
}

// LeaveRoom discards room state. A leave frame is requested only when the
// join had completed.
func (r *Rooms) LeaveRoom(roomID string) error {
	return r.inner.Send(leaveRoomEvent{roomID: roomID})
}

// MarkLeft discards room state without requesting a leave frame, used when
// the server already knows the client is gone.
func (r *Rooms) MarkLeft(roomID string) error {
	return r.inner.Send(markLeftEvent{roomID: roomID})
}

// DrainNotifications returns queued notifications and clears them.
func (r *Rooms) DrainNotifications(ctx context.Context) ([]Notification, error) {
	return actor.AskAs[[]Notification, presenceEvent](ctx, r.inner, drainEvent{})
}

// Room returns a copy of the room's visible state.
func (r *Rooms) Room(roomID string) (Room, bool) {
	room, ok := r.inner.Snapshot().rooms[roomID]
	if !ok {
		return Room{}, false
	}
	return Room{
		ID:            room.id,
		IsConnected:   room.isConnected,
		JoinRequested: room.joinRequested,
		LocalPresence: room.localPresence,
		Peers:         room.peers,
	}, true
}

// Subscribe streams notification counts so the orchestrator knows when to
// drain.
func (r *Rooms) Subscribe(cb func(pendingNotifications int)) func() {
	return r.inner.Subscribe(func(st *presenceState) { cb(len(st.notifications)) })
}

// Barrier waits for every previously queued event to be processed.
func (r *Rooms) Barrier(ctx context.Context) error {
	_, err := r.inner.Ask(ctx, noopEvent{})
	return err
}

// Stop halts the actor.
func (r *Rooms) Stop() { r.inner.Stop() }

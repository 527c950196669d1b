// Package connection owns a single client socket: connect, disconnect,
// send-or-queue, reconnect with exponential backoff, and an at-least-once
// inbox that holds received payloads until the consumer acks them.
package connection

import (
	"context"
	"log/slog"
	"time"

	"github.com/voxfeld/tidepool/internal/actor"
	"github.com/voxfeld/tidepool/internal/sched"
)

// Status is the connection lifecycle phase.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusOpened     Status = "opened"
	StatusClosed     Status = "closed"
)

// OutgoingPacket is a payload queued while the socket was not open.
type OutgoingPacket struct {
	ID      int
	Payload string
}

// IncomingPacket is a received payload awaiting an ack from the consumer.
type IncomingPacket struct {
	ID      int
	Payload string
}

// Snapshot is the externally visible connection state.
type Snapshot struct {
	Status            Status
	Online            bool
	HasSocket         bool
	SocketID          int
	ReconnectAttempts int
	Pending           []OutgoingPacket
	Inbox             []IncomingPacket
	ErrMessage        string
}

// DelayFunc maps a 1-based reconnect attempt number to a wait duration.
type DelayFunc func(attempt int) time.Duration

// DefaultDelay doubles from one second per attempt and caps at the fifth
// attempt: 1s, 2s, 4s, 8s, 16s, 16s, ...
func DefaultDelay(attempt int) time.Duration {
	if attempt > 5 {
		attempt = 5
	}
	return time.Second << (attempt - 1)
}

type connState struct {
	status            Status
	online            bool
	socket            Socket
	socketID          int
	nextSocketID      int
	reconnectAttempts int
	pending           []OutgoingPacket
	inbox             []IncomingPacket
	nextPendingID     int
	nextInboxID       int
	reconnectTimer    sched.TimerID
	hasTimer          bool
	shouldReconnect   bool
	errMessage        string
}

func (s *connState) clone() *connState {
	next := *s
	return &next
}

type connEvent interface{ isConnEvent() }

type connectEvent struct{}
type disconnectEvent struct {
	code   int
	reason string
}
type setOnlineEvent struct{ online bool }
type sendEvent struct{ payload string }
type setStatusEvent struct{ status Status }
type socketOpenEvent struct{ socketID int }
type socketMessageEvent struct {
	socketID int
	payload  string
}
type socketCloseEvent struct {
	socketID int
	code     int
	reason   string
}
type socketErrorEvent struct {
	socketID int
	err      error
}
type ackMessageEvent struct{ packetID int }
type noopEvent struct{}

func (connectEvent) isConnEvent()       {}
func (disconnectEvent) isConnEvent()    {}
func (setOnlineEvent) isConnEvent()     {}
func (sendEvent) isConnEvent()          {}
func (setStatusEvent) isConnEvent()     {}
func (socketOpenEvent) isConnEvent()    {}
func (socketMessageEvent) isConnEvent() {}
func (socketCloseEvent) isConnEvent()   {}
func (socketErrorEvent) isConnEvent()   {}
func (ackMessageEvent) isConnEvent()    {}
func (noopEvent) isConnEvent()          {}

// Options configures a connection actor.
type Options struct {
	Factory    Factory
	Scheduler  sched.Scheduler
	Delay      DelayFunc
	Logger     *slog.Logger
	Supervisor *actor.Supervisor
}

// Conn is the connection actor handle.
type Conn struct {
	inner *actor.Actor[connEvent, *connState]
}

// New spawns the connection actor. It starts closed and presumed online;
// callers report reachability changes with SetOnline.
func New(opts Options) (*Conn, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	delay := opts.Delay
	if delay == nil {
		delay = DefaultDelay
	}
	if opts.Scheduler == nil {
		opts.Scheduler = sched.NewWall()
	}

	c := &Conn{}
	reduce := func(st *connState, ev connEvent, ctx *actor.Context[connEvent, *connState]) (*connState, error) {
		switch ev := ev.(type) {
		case connectEvent:
			return c.reduceConnect(st, ctx, opts, log)
		case disconnectEvent:
			return c.reduceDisconnect(st, ev, opts, log)
		case setOnlineEvent:
			next := st.clone()
			next.online = ev.online
			next.shouldReconnect = st.shouldReconnect && ev.online
			if ev.online && st.socket == nil && st.shouldReconnect {
				self := ctx.Self()
				go func() { _ = self.Send(connectEvent{}) }()
			}
			return next, nil
		case sendEvent:
			if st.socket != nil && st.socket.ReadyState() == StateOpen {
				if err := st.socket.Send(ev.payload); err != nil {
					log.Warn("socket send failed", "err", err)
				}
				return st, nil
			}
			next := st.clone()
			next.nextPendingID = st.nextPendingID + 1
			next.pending = append(st.pending, OutgoingPacket{ID: next.nextPendingID, Payload: ev.payload})
			return next, nil
		case setStatusEvent:
			next := st.clone()
			next.status = ev.status
			return next, nil
		case socketOpenEvent:
			if st.socket == nil || ev.socketID != st.socketID {
				return st, nil
			}
			next := st.clone()
			next.status = StatusOpened
			next.reconnectAttempts = 0
			next.errMessage = ""
			for _, pkt := range st.pending {
				if err := st.socket.Send(pkt.Payload); err != nil {
					log.Warn("flush send failed", "packet", pkt.ID, "err", err)
				}
			}
			next.pending = nil
			return next, nil
		case socketMessageEvent:
			if st.socket == nil || ev.socketID != st.socketID {
				return st, nil
			}
			next := st.clone()
			next.nextInboxID = st.nextInboxID + 1
			next.inbox = append(st.inbox, IncomingPacket{ID: next.nextInboxID, Payload: ev.payload})
			return next, nil
		case socketErrorEvent:
			if ev.socketID != st.socketID {
				return st, nil
			}
			log.Warn("socket error", "socket", ev.socketID, "err", ev.err)
			return st, nil
		case socketCloseEvent:
			return c.reduceSocketClose(st, ev, opts, delay, log)
		case ackMessageEvent:
			idx := -1
			for i, pkt := range st.inbox {
				if pkt.ID == ev.packetID {
					idx = i
					break
				}
			}
			if idx < 0 {
				return st, nil
			}
			next := st.clone()
			kept := make([]IncomingPacket, 0, len(st.inbox)-1)
			kept = append(kept, st.inbox[:idx]...)
			kept = append(kept, st.inbox[idx+1:]...)
			next.inbox = kept
			return next, nil
		case noopEvent:
			ctx.Reply(snapshotOf(st))
			return st, nil
		}
		return st, nil
	}

	aopts := actor.Options[connEvent, *connState]{
		ID:           "network/connection",
		InitialState: &connState{status: StatusClosed, online: true},
		Reducer:      reduce,
	}
	var (
		inner *actor.Actor[connEvent, *connState]
		err   error
	)
	if opts.Supervisor != nil {
		inner, err = actor.Spawn(opts.Supervisor, "connection", aopts)
		if err != nil {
			return nil, err
		}
	} else {
		inner = actor.New(aopts)
	}
	c.inner = inner
	return c, nil
}

func (c *Conn) reduceConnect(st *connState, ctx *actor.Context[connEvent, *connState], opts Options, log *slog.Logger) (*connState, error) {
	if !st.online {
		log.Debug("connect while offline, deferred")
		next := st.clone()
		next.shouldReconnect = true
		return next, nil
	}
	if st.socket != nil && st.socket.ReadyState() <= StateOpen {
		return st, nil
	}
	if st.hasTimer {
		opts.Scheduler.ClearTimeout(st.reconnectTimer)
	}
	next := st.clone()
	next.nextSocketID = st.nextSocketID + 1
	id := next.nextSocketID
	self := ctx.Self()
	next.socket = opts.Factory(Handlers{
		OnOpen: func() { _ = self.Send(socketOpenEvent{socketID: id}) },
		OnMessage: func(payload string) {
			_ = self.Send(socketMessageEvent{socketID: id, payload: payload})
		},
		OnClose: func(code int, reason string) {
			_ = self.Send(socketCloseEvent{socketID: id, code: code, reason: reason})
		},
		OnError: func(err error) { _ = self.Send(socketErrorEvent{socketID: id, err: err}) },
	})
	next.socketID = id
	next.status = StatusConnecting
	next.hasTimer = false
	next.reconnectTimer = 0
	next.shouldReconnect = true
	next.errMessage = ""
	return next, nil
}

func (c *Conn) reduceDisconnect(st *connState, ev disconnectEvent, opts Options, log *slog.Logger) (*connState, error) {
	if st.hasTimer {
		opts.Scheduler.ClearTimeout(st.reconnectTimer)
	}
	if st.socket != nil && st.socket.ReadyState() <= StateOpen {
		if err := st.socket.Close(ev.code, ev.reason); err != nil {
			log.Warn("socket close failed", "err", err)
		}
	}
	next := st.clone()
	next.socket = nil
	next.socketID = 0
	next.status = StatusClosed
	next.hasTimer = false
	next.reconnectTimer = 0
	next.shouldReconnect = false
	return next, nil
}

func (c *Conn) reduceSocketClose(st *connState, ev socketCloseEvent, opts Options, delay DelayFunc, log *slog.Logger) (*connState, error) {
	if ev.socketID != st.socketID {
		return st, nil
	}
	next := st.clone()
	next.socket = nil
	next.socketID = 0
	if ev.reason != "" {
		next.errMessage = ev.reason
	}
	if st.shouldReconnect && st.online {
		next.reconnectAttempts = st.reconnectAttempts + 1
		wait := delay(next.reconnectAttempts)
		log.Info("socket closed, scheduling reconnect",
			"attempt", next.reconnectAttempts, "wait", wait, "code", ev.code)
		self := c.inner
		next.reconnectTimer = opts.Scheduler.SetTimeout(func() {
			_ = self.Send(connectEvent{})
		}, wait)
		next.hasTimer = true
		next.status = StatusConnecting
	} else {
		next.status = StatusClosed
		next.hasTimer = false
	}
	return next, nil
}

func snapshotOf(st *connState) Snapshot {
	return Snapshot{
		Status:            st.status,
		Online:            st.online,
		HasSocket:         st.socket != nil,
		SocketID:          st.socketID,
		ReconnectAttempts: st.reconnectAttempts,
		Pending:           st.pending,
		Inbox:             st.inbox,
		ErrMessage:        st.errMessage,
	}
}

// Connect opens a socket if none is live. Offline connects are remembered
// and retried when SetOnline(true) arrives.
func (c *Conn) Connect() error { return c.inner.Send(connectEvent{}) }

// Disconnect tears the socket down and disables reconnection.
func (c *Conn) Disconnect(code int, reason string) error {
	return c.inner.Send(disconnectEvent{code: code, reason: reason})
}

// SetOnline reports network reachability. Going offline suppresses
// reconnect attempts; coming back online resumes a deferred connect.
func (c *Conn) SetOnline(online bool) error { return c.inner.Send(setOnlineEvent{online: online}) }

// Send transmits the payload if the socket is open, otherwise queues it
// until the next socket-open flush.
func (c *Conn) Send(payload string) error { return c.inner.Send(sendEvent{payload: payload}) }

// SetStatus forces the lifecycle phase, used by orchestration during
// teardown.
func (c *Conn) SetStatus(status Status) error { return c.inner.Send(setStatusEvent{status: status}) }

// Ack removes the identified packet from the inbox. Unknown ids are
// ignored.
func (c *Conn) Ack(packetID int) error { return c.inner.Send(ackMessageEvent{packetID: packetID}) }

// Noop round-trips through the mailbox and returns the state observed
// after all previously queued events, useful as a barrier.
func (c *Conn) Noop(ctx context.Context) (Snapshot, error) {
	return actor.AskAs[Snapshot, connEvent](ctx, c.inner, noopEvent{})
}

// Snapshot returns the current state without waiting for queued events.
func (c *Conn) Snapshot() Snapshot { return snapshotOf(c.inner.Snapshot()) }

// Subscribe streams state snapshots, replaying the current one first.
func (c *Conn) Subscribe(cb func(Snapshot)) func() {
	return c.inner.Subscribe(func(st *connState) { cb(snapshotOf(st)) })
}

// Stop halts the actor. Pending asks are rejected.
func (c *Conn) Stop() { c.inner.Stop() }

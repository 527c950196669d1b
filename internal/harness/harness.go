package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/voxfeld/tidepool/internal/reactor"
	"github.com/voxfeld/tidepool/internal/sched"
	"github.com/voxfeld/tidepool/internal/storage"
	"github.com/voxfeld/tidepool/internal/testutil"
	"github.com/voxfeld/tidepool/internal/wire"
)

// asyncTimeout bounds how long a backgrounded transact or query-once may
// wait for its server response.
const asyncTimeout = 3 * time.Second

// settleTimeout bounds how long one step may take to reach a quiet state.
const settleTimeout = 2 * time.Second

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh reactor over in-memory storage, a
// scripted socket, a manual scheduler, and sequential event ids, so the
// trace is reproducible run to run.
//
// Execution flow:
//  1. Build the deterministic reactor.
//  2. Execute each step, settling after it: flush the actors and wait
//     until no new frames or deliveries appear, then fold the new
//     observations into the trace (frames first, then deliveries).
//  3. Wait for backgrounded transact and query-once calls to finish.
//  4. Evaluate assertions against the trace.
func Run(scenario *Scenario) (*Result, error) {
	r, err := newRunner()
	if err != nil {
		return nil, err
	}
	defer r.reactor.Stop()

	for i, step := range scenario.Steps {
		if err := r.execute(step); err != nil {
			return nil, fmt.Errorf("steps[%d] (%s): %w", i, step.Action, err)
		}
		r.settle()
	}

	r.waitAsync()
	r.settle()

	result := NewResult()
	result.Trace = r.trace
	EvaluateAssertions(result, scenario.Assertions)
	return result, nil
}

// runner holds the live pieces of one scenario execution.
type runner struct {
	reactor *reactor.Reactor
	script  *testutil.SocketScript
	clock   *sched.Manual
	wall    *testutil.DeterministicClock

	sock   *testutil.ScriptedSocket
	opened int

	mu         sync.Mutex
	deliveries []TraceEvent

	trace       []TraceEvent
	seq         int
	frameCursor map[int]int
	taken       int

	queryUnsubs map[string]func()
	roomUnsubs  map[string]func()
	topicUnsubs map[string]func()

	ackCursor  int
	onceCursor int

	async sync.WaitGroup
}

func newRunner() (*runner, error) {
	r := &runner{
		script:      testutil.NewSocketScript(),
		clock:       sched.NewManual(),
		wall:        testutil.NewDeterministicClock(),
		frameCursor: map[int]int{},
		queryUnsubs: map[string]func(){},
		roomUnsubs:  map[string]func(){},
		topicUnsubs: map[string]func(){},
	}

	ids := testutil.NewSequenceIDs("ev")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	re, err := reactor.New(reactor.Options{
		SocketFactory:   r.script.Factory,
		Scheduler:       r.clock,
		Storage:         storage.NewMemory(),
		Logger:          logger,
		MutationTimeout: 10 * time.Second,
		QueryCacheLimit: 10,
		NewEventID:      ids.Next,
		Now:             r.wall.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("build reactor: %w", err)
	}
	r.reactor = re
	return r, nil
}

func (r *runner) execute(step Step) error {
	switch step.Action {
	case "start":
		return r.reactor.Start()
	case "stop":
		r.reactor.Stop()
		return nil
	case "subscribe-query":
		return r.subscribeQuery(step.Query)
	case "unsubscribe-query":
		return r.unsubscribeQuery(step.Query)
	case "query-once":
		r.queryOnce(step.Query)
		return nil
	case "transact":
		r.transact(step.Steps)
		return nil
	case "join-room":
		r.joinRoom(step.Room)
		return nil
	case "leave-room":
		if unsub, ok := r.roomUnsubs[step.Room]; ok {
			delete(r.roomUnsubs, step.Room)
			unsub()
		}
		return nil
	case "on-broadcast":
		r.onBroadcast(step.Room, step.Topic)
		return nil
	case "set-presence":
		return r.reactor.SetLocalPresence(step.Room, step.Payload)
	case "broadcast":
		return r.reactor.Broadcast(step.Room, step.Topic, step.Payload)
	case "set-online":
		return r.reactor.SetOnline(*step.Online)
	case "advance":
		r.clock.Advance(time.Duration(step.Ms) * time.Millisecond)
		return nil
	case "flush":
		return nil
	case "server-open":
		sock := r.script.At(r.opened)
		if sock == nil {
			return fmt.Errorf("socket %d was never dialed", r.opened)
		}
		r.sock = sock
		r.opened++
		sock.ServerOpen()
		return nil
	case "server-close":
		return r.serverClose(step)
	case "server-result":
		return r.serverResult(step)
	case "server-query-error":
		return r.serverQueryError(step)
	case "server-once-result":
		return r.serverOnceResult(step, false)
	case "server-once-error":
		return r.serverOnceResult(step, true)
	case "server-ack":
		return r.serverAck(step)
	case "server-mutation-error":
		return r.serverMutationError(step)
	case "server-room-joined":
		return r.serverFrame(map[string]any{"type": "room-joined", "roomId": step.Room})
	case "server-room-left":
		return r.serverFrame(map[string]any{"type": "room-left", "roomId": step.Room})
	case "server-presence-update":
		return r.serverFrame(map[string]any{
			"type":   "presence-update",
			"roomId": step.Room,
			"peers":  step.Peers,
		})
	case "server-broadcast":
		return r.serverFrame(map[string]any{
			"type":    "server-broadcast",
			"roomId":  step.Room,
			"topic":   step.Topic,
			"payload": step.Payload,
		})
	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}
}

func (r *runner) subscribeQuery(q map[string]any) error {
	hash, err := wire.QueryHash(q)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	unsub, err := r.reactor.SubscribeQuery(ctx, q, func(res *wire.QueryResult) {
		r.recordDelivery("query-result", map[string]any{"query": q, "result": res})
	})
	if err != nil {
		return err
	}
	r.queryUnsubs[hash] = unsub
	return nil
}

func (r *runner) unsubscribeQuery(q map[string]any) error {
	hash, err := wire.QueryHash(q)
	if err != nil {
		return err
	}
	unsub, ok := r.queryUnsubs[hash]
	if !ok {
		return fmt.Errorf("no subscription for query hash %s", hash)
	}
	delete(r.queryUnsubs, hash)
	unsub()
	return nil
}

func (r *runner) queryOnce(q map[string]any) {
	r.async.Add(1)
	go func() {
		defer r.async.Done()
		ctx, cancel := context.WithTimeout(context.Background(), asyncTimeout)
		defer cancel()
		res, err := r.reactor.QueryOnce(ctx, q)
		if err != nil {
			r.recordDelivery("once-error", map[string]any{"message": err.Error()})
			return
		}
		r.recordDelivery("once-result", map[string]any{"query": q, "result": res})
	}()
}

func (r *runner) transact(steps []any) {
	r.async.Add(1)
	go func() {
		defer r.async.Done()
		ctx, cancel := context.WithTimeout(context.Background(), asyncTimeout)
		defer cancel()
		tx, err := r.reactor.Transact(ctx, steps)
		if err != nil {
			r.recordDelivery("transact-failed", map[string]any{"message": err.Error()})
			return
		}
		r.recordDelivery("transact-confirmed", map[string]any{"event_id": tx.EventID, "tx_id": tx.TxID})
	}()
}

func (r *runner) joinRoom(room string) {
	unsub := r.reactor.OnPresence(room, func(peers map[string]any) {
		r.recordDelivery("presence", map[string]any{"room": room, "peers": peers})
	})
	r.roomUnsubs[room] = unsub
}

func (r *runner) onBroadcast(room, topic string) {
	unsub := r.reactor.OnBroadcast(room, topic, func(payload any) {
		r.recordDelivery("broadcast", map[string]any{"room": room, "topic": topic, "payload": payload})
	})
	r.topicUnsubs[room+"/"+topic] = unsub
}

func (r *runner) serverClose(step Step) error {
	if r.sock == nil {
		return fmt.Errorf("no open socket")
	}
	code := step.Code
	if code == 0 {
		code = 1006
	}
	r.sock.ServerClose(code, step.Reason)
	return nil
}

func (r *runner) serverResult(step Step) error {
	hash, err := wire.QueryHash(step.Query)
	if err != nil {
		return err
	}
	return r.serverFrame(map[string]any{
		"type":   "query-result",
		"hash":   hash,
		"result": step.Result,
	})
}

func (r *runner) serverQueryError(step Step) error {
	hash, err := wire.QueryHash(step.Query)
	if err != nil {
		return err
	}
	return r.serverFrame(map[string]any{
		"type":  "query-error",
		"hash":  hash,
		"error": map[string]any{"message": step.Message},
	})
}

// serverOnceResult answers the oldest unanswered once request. The frame's
// eventId and hash come from the client's own add-query frame.
func (r *runner) serverOnceResult(step Step, reject bool) error {
	frame, err := r.nextFrame(func(f map[string]any) bool {
		once, _ := f["once"].(bool)
		return f["op"] == wire.OpAddQuery && once
	}, &r.onceCursor)
	if err != nil {
		return fmt.Errorf("server-once: %w", err)
	}

	if reject {
		return r.serverFrame(map[string]any{
			"type":        "query-error",
			"hash":        frame["hash"],
			"onceEventId": frame["eventId"],
			"error":       map[string]any{"message": step.Message},
		})
	}
	return r.serverFrame(map[string]any{
		"type":        "query-result",
		"hash":        frame["hash"],
		"onceEventId": frame["eventId"],
		"result":      step.Result,
	})
}

func (r *runner) serverAck(step Step) error {
	frame, err := r.nextFrame(func(f map[string]any) bool {
		return f["op"] == wire.OpTransact
	}, &r.ackCursor)
	if err != nil {
		return fmt.Errorf("server-ack: %w", err)
	}
	return r.serverFrame(map[string]any{
		"type":    "mutation-ack",
		"eventId": frame["eventId"],
		"txId":    step.TxID,
	})
}

func (r *runner) serverMutationError(step Step) error {
	frame, err := r.nextFrame(func(f map[string]any) bool {
		return f["op"] == wire.OpTransact
	}, &r.ackCursor)
	if err != nil {
		return fmt.Errorf("server-mutation-error: %w", err)
	}
	return r.serverFrame(map[string]any{
		"type":    "mutation-error",
		"eventId": frame["eventId"],
		"error":   map[string]any{"message": step.Message},
	})
}

func (r *runner) serverFrame(frame map[string]any) error {
	if r.sock == nil {
		return fmt.Errorf("no open socket")
	}
	return r.sock.ServerMessageJSON(frame)
}

// nextFrame returns the cursor-th distinct frame matching the predicate,
// advancing the cursor. Replayed frames share an eventId with the original
// send and count once.
func (r *runner) nextFrame(match func(map[string]any) bool, cursor *int) (map[string]any, error) {
	frames, err := r.allFrames()
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var distinct []map[string]any
	for _, f := range frames {
		if !match(f) {
			continue
		}
		id, _ := f["eventId"].(string)
		if id != "" && seen[id] {
			continue
		}
		seen[id] = true
		distinct = append(distinct, f)
	}
	if *cursor >= len(distinct) {
		return nil, fmt.Errorf("no unanswered frame (cursor %d, have %d)", *cursor, len(distinct))
	}
	f := distinct[*cursor]
	*cursor++
	return f, nil
}

// allFrames decodes every frame sent so far, across sockets in dial order.
func (r *runner) allFrames() ([]map[string]any, error) {
	var frames []map[string]any
	for i := 0; i < r.script.Count(); i++ {
		for _, raw := range r.script.At(i).Sent() {
			var frame map[string]any
			if err := json.Unmarshal([]byte(raw), &frame); err != nil {
				return nil, fmt.Errorf("sent frame is not JSON: %w", err)
			}
			frames = append(frames, frame)
		}
	}
	return frames, nil
}

func (r *runner) recordDelivery(kind string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, TraceEvent{Type: "delivery", Kind: kind, Data: data})
}

// settle flushes the actor tree and waits until no new frames or
// deliveries appear, then folds the new observations into the trace.
// Frames land before deliveries within one settle window.
func (r *runner) settle() {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	deadline := time.Now().Add(settleTimeout)
	last := -1
	stable := 0
	for time.Now().Before(deadline) {
		_ = r.reactor.Flush(ctx)
		cur := r.observationCount()
		if cur == last {
			stable++
			if stable >= 5 {
				break
			}
		} else {
			stable = 0
			last = cur
		}
		time.Sleep(5 * time.Millisecond)
	}

	r.collect()
}

func (r *runner) observationCount() int {
	count := 0
	for i := 0; i < r.script.Count(); i++ {
		count += len(r.script.At(i).Sent())
	}
	r.mu.Lock()
	count += len(r.deliveries)
	r.mu.Unlock()
	return count
}

func (r *runner) collect() {
	for i := 0; i < r.script.Count(); i++ {
		sent := r.script.At(i).Sent()
		for j := r.frameCursor[i]; j < len(sent); j++ {
			var frame map[string]any
			if err := json.Unmarshal([]byte(sent[j]), &frame); err != nil {
				frame = map[string]any{"undecodable": sent[j]}
			}
			r.seq++
			r.trace = append(r.trace, TraceEvent{Type: "frame", Frame: frame, Seq: r.seq})
		}
		r.frameCursor[i] = len(sent)
	}

	r.mu.Lock()
	pending := r.deliveries[r.taken:]
	r.taken = len(r.deliveries)
	r.mu.Unlock()
	for _, ev := range pending {
		r.seq++
		ev.Seq = r.seq
		r.trace = append(r.trace, ev)
	}
}

// waitAsync blocks until backgrounded transact and query-once calls have
// recorded their outcomes, or their own timeouts fire.
func (r *runner) waitAsync() {
	done := make(chan struct{})
	go func() {
		r.async.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(asyncTimeout + time.Second):
	}
}

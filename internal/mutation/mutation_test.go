package mutation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxfeld/tidepool/internal/sched"
	"github.com/voxfeld/tidepool/internal/storage"
	"github.com/voxfeld/tidepool/internal/wire"
)

func newTestMutations(t *testing.T, clock *sched.Manual) *Mutations {
	t.Helper()
	m := newTestMutationsOver(t, storage.NewMemory(), clock)
	return m
}

func newTestMutationsOver(t *testing.T, driver storage.Driver, clock *sched.Manual) *Mutations {
	t.Helper()
	persisted, err := storage.NewState(storage.StateOptions[Queue]{
		Name:      "mutations",
		Namespace: "tidepool",
		Key:       "mutation-queue",
		Driver:    driver,
		Initial:   Queue{},
	})
	require.NoError(t, err)
	m, err := New(Options{
		Persisted:      persisted,
		Scheduler:      clock,
		DefaultTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m
}

func at(ms int64) time.Time { return time.UnixMilli(ms) }

func TestEnqueueAssignsIncreasingOrder(t *testing.T) {
	m := newTestMutations(t, sched.NewManual())
	ctx := context.Background()

	first, err := m.Enqueue(ctx, "m1", []any{"step-a"}, at(100))
	require.NoError(t, err)
	second, err := m.Enqueue(ctx, "m2", []any{"step-b"}, at(110))
	require.NoError(t, err)

	assert.Equal(t, 1, first.Order)
	assert.Equal(t, 2, second.Order)
	assert.Equal(t, StatusPending, first.Status)
	assert.Equal(t, 0, first.Retries)
}

func TestEnqueueIsIdempotentPerEventID(t *testing.T) {
	m := newTestMutations(t, sched.NewManual())
	ctx := context.Background()

	first, err := m.Enqueue(ctx, "m1", []any{"step-a"}, at(100))
	require.NoError(t, err)
	again, err := m.Enqueue(ctx, "m1", []any{"different"}, at(999))
	require.NoError(t, err)

	assert.Equal(t, first, again)
	pending, err := m.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestMarkSentArmsTimerAndCountsRetries(t *testing.T) {
	clock := sched.NewManual()
	m := newTestMutations(t, clock)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, "m1", []any{"step"}, at(100))
	require.NoError(t, err)
	require.NoError(t, m.MarkSent("m1", 0, at(150)))
	require.NoError(t, m.Barrier(ctx))
	assert.Equal(t, 1, clock.Pending())

	entry := m.Snapshot()["m1"]
	assert.Equal(t, 1, entry.Retries)
	assert.Equal(t, int64(150), entry.LastSentAt)

	// A resend replaces the previous timer instead of stacking a second one.
	require.NoError(t, m.MarkSent("m1", 0, at(200)))
	require.NoError(t, m.Barrier(ctx))
	assert.Equal(t, 1, clock.Pending())
	entry = m.Snapshot()["m1"]
	assert.Equal(t, 2, entry.Retries)
	assert.Equal(t, int64(200), entry.LastSentAt)
}

func TestAckConfirmsAndCancelsTimer(t *testing.T) {
	clock := sched.NewManual()
	m := newTestMutations(t, clock)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, "m1", []any{"step"}, at(100))
	require.NoError(t, err)
	require.NoError(t, m.MarkSent("m1", 0, at(150)))
	require.NoError(t, m.Ack("m1", 42, at(300)))
	require.NoError(t, m.Barrier(ctx))

	entry := m.Snapshot()["m1"]
	assert.Equal(t, StatusConfirmed, entry.Status)
	assert.Equal(t, int64(42), entry.TxID)
	assert.Equal(t, int64(300), entry.ConfirmedAt)
	assert.Equal(t, 0, clock.Pending())

	// The cancelled timer must not fire a timeout later.
	clock.Advance(time.Minute)
	require.NoError(t, m.Barrier(ctx))
	assert.Equal(t, StatusConfirmed, m.Snapshot()["m1"].Status)

	notes, err := m.DrainNotifications(ctx)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, NotifyAck, notes[0].Kind)
	assert.Equal(t, int64(42), notes[0].TxID)
}

func TestTimeoutMarksEntryAndNotifies(t *testing.T) {
	clock := sched.NewManual()
	m := newTestMutations(t, clock)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, "m1", []any{"step"}, at(100))
	require.NoError(t, err)
	require.NoError(t, m.MarkSent("m1", 2*time.Second, at(150)))
	require.NoError(t, m.Barrier(ctx))

	clock.Advance(2 * time.Second)
	require.NoError(t, m.Barrier(ctx))

	entry := m.Snapshot()["m1"]
	assert.Equal(t, StatusTimeout, entry.Status)

	notes, err := m.DrainNotifications(ctx)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, NotifyTimeout, notes[0].Kind)
	assert.Equal(t, "m1", notes[0].EventID)

	// Timed-out entries no longer count as pending.
	pending, err := m.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestFailRemovesEntryAndNotifiesError(t *testing.T) {
	clock := sched.NewManual()
	m := newTestMutations(t, clock)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, "m1", []any{"step"}, at(100))
	require.NoError(t, err)
	require.NoError(t, m.MarkSent("m1", 0, at(150)))
	require.NoError(t, m.Fail("m1", wire.ErrorInfo{Message: "permission denied"}))
	require.NoError(t, m.Barrier(ctx))

	assert.NotContains(t, m.Snapshot(), "m1")
	assert.Equal(t, 0, clock.Pending())

	notes, err := m.DrainNotifications(ctx)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, NotifyError, notes[0].Kind)
	require.NotNil(t, notes[0].Err)
	assert.Equal(t, "permission denied", notes[0].Err.Message)
}

func TestDropRemovesSilently(t *testing.T) {
	m := newTestMutations(t, sched.NewManual())
	ctx := context.Background()

	_, err := m.Enqueue(ctx, "m1", []any{"step"}, at(100))
	require.NoError(t, err)
	require.NoError(t, m.Drop("m1"))
	require.NoError(t, m.Barrier(ctx))

	assert.NotContains(t, m.Snapshot(), "m1")
	notes, err := m.DrainNotifications(ctx)
	require.NoError(t, err)
	assert.Empty(t, notes)
}

func TestListPendingSortsByOrder(t *testing.T) {
	m := newTestMutations(t, sched.NewManual())
	ctx := context.Background()

	for _, id := range []string{"m1", "m2", "m3"} {
		_, err := m.Enqueue(ctx, id, []any{id}, at(100))
		require.NoError(t, err)
	}
	require.NoError(t, m.Ack("m2", 7, at(200)))
	require.NoError(t, m.Barrier(ctx))

	pending, err := m.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "m1", pending[0].EventID)
	assert.Equal(t, "m3", pending[1].EventID)
}

func TestDrainNotificationsClearsQueue(t *testing.T) {
	m := newTestMutations(t, sched.NewManual())
	ctx := context.Background()

	_, err := m.Enqueue(ctx, "m1", []any{"step"}, at(100))
	require.NoError(t, err)
	require.NoError(t, m.Ack("m1", 1, at(200)))

	notes, err := m.DrainNotifications(ctx)
	require.NoError(t, err)
	require.Len(t, notes, 1)

	notes, err = m.DrainNotifications(ctx)
	require.NoError(t, err)
	assert.Empty(t, notes)
}

func TestHydrationRecoversOrderCounter(t *testing.T) {
	mem := storage.NewMemory()
	clock := sched.NewManual()
	ctx := context.Background()

	first := newTestMutationsOver(t, mem, clock)
	_, err := first.Enqueue(ctx, "m1", []any{"a"}, at(100))
	require.NoError(t, err)
	_, err = first.Enqueue(ctx, "m2", []any{"b"}, at(110))
	require.NoError(t, err)
	require.NoError(t, first.Barrier(ctx))
	first.Stop()

	// New mutations enqueued after a restart continue the order sequence
	// past what was persisted.
	second := newTestMutationsOver(t, mem, clock)
	entry, err := second.Enqueue(ctx, "m3", []any{"c"}, at(200))
	require.NoError(t, err)
	assert.Equal(t, 3, entry.Order)

	pending, err := second.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, []string{"m1", "m2", "m3"},
		[]string{pending[0].EventID, pending[1].EventID, pending[2].EventID})
}

package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxfeld/tidepool/internal/connection"
)

func TestDeterministicClockSequence(t *testing.T) {
	clock := NewDeterministicClock()

	assert.Equal(t, int64(1), clock.Next())
	assert.Equal(t, int64(2), clock.Next())
	assert.Equal(t, int64(2), clock.Current())

	assert.Equal(t, time.UnixMilli(3), clock.Now())

	clock.Reset()
	assert.Equal(t, int64(1), clock.Next())
}

func TestSequenceIDs(t *testing.T) {
	ids := NewSequenceIDs("ev")
	assert.Equal(t, "ev-1", ids.Next())
	assert.Equal(t, "ev-2", ids.Next())

	defaulted := NewSequenceIDs("")
	assert.Equal(t, "test-event-1", defaulted.Next())
}

func TestScriptedSocketRecordsTraffic(t *testing.T) {
	script := NewSocketScript()
	var opened bool
	var received []string
	sock := script.Factory(handlersFor(&opened, &received)).(*ScriptedSocket)

	sock.ServerOpen()
	assert.True(t, opened)

	require.NoError(t, sock.Send(`{"op":"add-query"}`))
	frames, err := sock.SentDecoded()
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "add-query", frames[0]["op"])

	require.NoError(t, sock.ServerMessageJSON(map[string]any{"type": "query-result"}))
	require.Len(t, received, 1)
	assert.Contains(t, received[0], "query-result")

	require.NoError(t, sock.Close(1000, "bye"))
	assert.Equal(t, []int{1000}, sock.CloseCodes())
	assert.Equal(t, 1, script.Count())
	assert.Same(t, sock, script.At(0))
}

func handlersFor(opened *bool, received *[]string) (h connection.Handlers) {
	h.OnOpen = func() { *opened = true }
	h.OnMessage = func(payload string) { *received = append(*received, payload) }
	h.OnClose = func(int, string) {}
	h.OnError = func(error) {}
	return h
}

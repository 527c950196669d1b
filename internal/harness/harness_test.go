package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func runFile(t *testing.T, name string) *Result {
	t.Helper()
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", name))
	require.NoError(t, err)
	result, err := Run(scenario)
	require.NoError(t, err)
	return result
}

func TestRunQueryRoundtrip(t *testing.T) {
	result := runFile(t, "query-roundtrip.yaml")
	require.True(t, result.Pass, "errors: %v", result.Errors)

	frames := result.Frames()
	require.Len(t, frames, 1)
	require.Equal(t, "add-query", frames[0]["op"])
	require.NotEmpty(t, frames[0]["hash"])

	var deliveries []TraceEvent
	for _, ev := range result.Trace {
		if ev.Type == "delivery" {
			deliveries = append(deliveries, ev)
		}
	}
	require.Len(t, deliveries, 1)
	require.Equal(t, "query-result", deliveries[0].Kind)
}

func TestRunTransactAck(t *testing.T) {
	result := runFile(t, "transact-ack.yaml")
	require.True(t, result.Pass, "errors: %v", result.Errors)

	frames := result.Frames()
	require.Len(t, frames, 1)
	require.Equal(t, "transact", frames[0]["op"])

	last := result.Trace[len(result.Trace)-1]
	require.Equal(t, "delivery", last.Type)
	require.Equal(t, "transact-confirmed", last.Kind)
	data, ok := last.Data.(map[string]any)
	require.True(t, ok)
	require.Equal(t, int64(9), data["tx_id"])
}

func TestRunPresenceJoin(t *testing.T) {
	result := runFile(t, "presence-join.yaml")
	require.True(t, result.Pass, "errors: %v", result.Errors)

	frames := result.Frames()
	require.Len(t, frames, 2)
	require.Equal(t, "join-room", frames[0]["op"])
	require.Equal(t, "set-presence", frames[1]["op"])
}

func TestRunRecordsAssertionFailure(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: failing
description: expects a frame that never goes out
steps:
  - action: start
  - action: server-open
assertions:
  - type: frame_count
    op: transact
    count: 1
`))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	require.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	require.Contains(t, result.Errors[0], "frame_count")
}

func TestRunMutationRejection(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: mutation-rejected
description: a server-side mutation error surfaces as a failed transact
steps:
  - action: start
  - action: server-open
  - action: transact
    steps:
      - ["delete", "todos", "t9"]
  - action: server-mutation-error
    message: not allowed
assertions:
  - type: delivered
    kind: transact-failed
    count: 1
  - type: delivered
    kind: transact-confirmed
    count: 0
`))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	var failed *TraceEvent
	for i := range result.Trace {
		if result.Trace[i].Kind == "transact-failed" {
			failed = &result.Trace[i]
		}
	}
	require.NotNil(t, failed)
	data := failed.Data.(map[string]any)
	require.Equal(t, "not allowed", data["message"])
}

func TestRunQueryOnce(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: query-once
description: a once fetch resolves with the pushed result
steps:
  - action: start
  - action: server-open
  - action: query-once
    query:
      profiles: {}
  - action: server-once-result
    query:
      profiles: {}
    result:
      store:
        profiles: []
assertions:
  - type: frame_sent
    op: add-query
    match:
      once: true
  - type: delivered
    kind: once-result
    count: 1
`))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRunReconnectReplaysQuery(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: reconnect-replay
description: a live subscription is re-registered after the socket drops
steps:
  - action: start
  - action: server-open
  - action: subscribe-query
    query:
      todos: {}
  - action: server-close
    code: 1006
    reason: gone
  - action: advance
    ms: 1000
  - action: server-open
assertions:
  - type: frame_count
    op: add-query
    count: 2
`))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)
}

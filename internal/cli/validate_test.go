package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const validScenario = `name: cli-smoke
description: a transact resolves on ack
steps:
  - action: start
  - action: server-open
  - action: transact
    steps:
      - ["update", "todos", "t1", {done: true}]
  - action: server-ack
    tx_id: 3
assertions:
  - type: delivered
    kind: transact-confirmed
    count: 1
`

const failingScenario = `name: cli-failing
description: expects a frame that never goes out
steps:
  - action: start
  - action: server-open
assertions:
  - type: frame_count
    op: transact
    count: 1
`

func writeScenario(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestValidateAcceptsValidScenario(t *testing.T) {
	path := writeScenario(t, "valid.yaml", validScenario)

	out, err := executeCommand("validate", path)
	require.NoError(t, err)
	require.Contains(t, out, "1 scenario(s) valid")
}

func TestValidateRejectsBadAction(t *testing.T) {
	path := writeScenario(t, "bad.yaml", `name: bad
description: unknown action
steps:
  - action: teleport
assertions:
  - type: frame_count
    op: transact
    count: 1
`)

	out, err := executeCommand("validate", path)
	require.Error(t, err)
	require.Equal(t, ExitFailure, GetExitCode(err))
	require.Contains(t, out, "Error")
}

func TestValidateMissingFile(t *testing.T) {
	_, err := executeCommand("validate", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	require.Equal(t, ExitFailure, GetExitCode(err))
}

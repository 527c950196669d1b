package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVerifyPassingScenario(t *testing.T) {
	path := writeScenario(t, "passing.yaml", validScenario)

	out, err := executeCommand("verify", path)
	require.NoError(t, err)
	require.Contains(t, out, "PASS cli-smoke")
}

func TestVerifyFailingScenario(t *testing.T) {
	path := writeScenario(t, "failing.yaml", failingScenario)

	out, err := executeCommand("verify", path)
	require.Error(t, err)
	require.Equal(t, ExitFailure, GetExitCode(err))
	require.Contains(t, out, "FAIL cli-failing")
	require.Contains(t, out, "frame_count")
}

func TestVerifyJSONOutput(t *testing.T) {
	path := writeScenario(t, "passing.yaml", validScenario)

	out, err := executeCommand("--format", "json", "verify", path)
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Equal(t, "ok", resp.Status)

	reports, ok := resp.Data.([]any)
	require.True(t, ok)
	require.Len(t, reports, 1)
	report := reports[0].(map[string]any)
	require.Equal(t, "cli-smoke", report["scenario"])
	require.Equal(t, true, report["pass"])
}

func TestVerifyInvalidScenarioIsCommandError(t *testing.T) {
	path := writeScenario(t, "invalid.yaml", "name: only-a-name\n")

	_, err := executeCommand("verify", path)
	require.Error(t, err)
	require.Equal(t, ExitCommandError, GetExitCode(err))
}

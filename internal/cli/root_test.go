package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// executeCommand runs the root command with args and captures stdout.
func executeCommand(args ...string) (string, error) {
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommandHasSubcommands(t *testing.T) {
	cmd := NewRootCommand()

	var names []string
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	require.Contains(t, names, "run")
	require.Contains(t, names, "validate")
	require.Contains(t, names, "verify")
}

func TestRootCommandRejectsInvalidFormat(t *testing.T) {
	_, err := executeCommand("--format", "xml", "validate", "nope.yaml")
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid format")
}

func TestRootCommandHelp(t *testing.T) {
	out, err := executeCommand("--help")
	require.NoError(t, err)
	require.Contains(t, out, "tidepool")
	require.Contains(t, out, "verify")
}

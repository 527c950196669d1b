package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadScenarioFromFile(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "query-roundtrip.yaml"))
	require.NoError(t, err)

	require.Equal(t, "query-roundtrip", scenario.Name)
	require.NotEmpty(t, scenario.Description)
	require.Len(t, scenario.Steps, 4)
	require.Equal(t, "start", scenario.Steps[0].Action)
	require.Equal(t, "subscribe-query", scenario.Steps[2].Action)
	require.Len(t, scenario.Assertions, 3)
}

func TestLoadScenarioMissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join("testdata", "scenarios", "does-not-exist.yaml"))
	require.Error(t, err)
}

func TestParseScenarioRejectsUnknownField(t *testing.T) {
	_, err := ParseScenario([]byte(`
name: typo
description: assertion instead of assertions
steps:
  - action: start
assertion:
  - type: frame_count
    op: transact
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "assertion")
}

func TestParseScenarioRejectsUnknownAction(t *testing.T) {
	_, err := ParseScenario([]byte(`
name: bad-action
description: uses an action the runner does not know
steps:
  - action: teleport
assertions:
  - type: frame_count
    op: transact
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown action")
}

func TestParseScenarioRequiresQueryForQueryActions(t *testing.T) {
	_, err := ParseScenario([]byte(`
name: missing-query
description: subscribe-query without a query
steps:
  - action: subscribe-query
assertions:
  - type: frame_count
    op: add-query
    count: 1
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "requires query")
}

func TestParseScenarioRequiresAssertions(t *testing.T) {
	_, err := ParseScenario([]byte(`
name: no-assertions
description: a scenario that checks nothing
steps:
  - action: start
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "assertions")
}

func TestValidateSchemaAcceptsShippedScenarios(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		require.NoError(t, ValidateSchema(data), "schema rejected %s", path)
	}
}

func TestValidateSchemaRejectsBadAction(t *testing.T) {
	err := ValidateSchema([]byte(`
name: bad
description: schema catches a bad action
steps:
  - action: teleport
assertions:
  - type: frame_count
    op: transact
    count: 1
`))
	require.Error(t, err)
}

func TestValidateSchemaRejectsMissingName(t *testing.T) {
	err := ValidateSchema([]byte(`
description: nameless
steps:
  - action: start
assertions:
  - type: delivered
    kind: presence
    count: 1
`))
	require.Error(t, err)
}

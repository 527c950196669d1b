package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/voxfeld/tidepool/internal/harness"
)

// VerifyReport summarizes one scenario execution for output.
type VerifyReport struct {
	Scenario string   `json:"scenario"`
	Pass     bool     `json:"pass"`
	Frames   int      `json:"frames"`
	Errors   []string `json:"errors,omitempty"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <scenario.yaml...>",
		Short: "Run conformance scenarios against the client runtime",
		Long: `Run conformance scenario files against a deterministic reactor.

Each scenario is schema-validated, executed over a scripted socket with a
manual scheduler, and its assertions evaluated against the trace.

Example:
  tidepool verify scenarios/query-roundtrip.yaml
  tidepool verify scenarios/*.yaml --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runVerify(opts *RootOptions, paths []string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	var reports []VerifyReport
	failed := 0
	for _, path := range paths {
		report, err := verifyScenarioFile(path)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to run %s", path), err)
		}
		if !report.Pass {
			failed++
		}
		reports = append(reports, report)
		formatter.VerboseLog("ran %s: pass=%v", path, report.Pass)
	}

	if opts.Format == "json" {
		if err := formatter.Success(reports); err != nil {
			return err
		}
	} else {
		for _, report := range reports {
			status := "PASS"
			if !report.Pass {
				status = "FAIL"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%d frames)\n", status, report.Scenario, report.Frames)
			for _, msg := range report.Errors {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", msg)
			}
		}
	}

	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenario(s) failed", failed, len(reports)))
	}
	return nil
}

func verifyScenarioFile(path string) (VerifyReport, error) {
	if err := validateScenarioFile(path); err != nil {
		return VerifyReport{}, err
	}
	scenario, err := harness.LoadScenario(path)
	if err != nil {
		return VerifyReport{}, err
	}
	result, err := harness.Run(scenario)
	if err != nil {
		return VerifyReport{}, err
	}
	return VerifyReport{
		Scenario: scenario.Name,
		Pass:     result.Pass,
		Frames:   len(result.Frames()),
		Errors:   result.Errors,
	}, nil
}

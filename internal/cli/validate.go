package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/voxfeld/tidepool/internal/harness"
)

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <scenario.yaml...>",
		Short: "Validate scenario files without running them",
		Long: `Validate conformance scenario files against the scenario schema.

Performs CUE schema validation and strict YAML parsing without executing
any steps. Faster than verify for development feedback.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, paths []string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	failed := 0
	for _, path := range paths {
		if err := validateScenarioFile(path); err != nil {
			failed++
			_ = formatter.Error(fmt.Sprintf("%s: %v", path, err), nil)
			continue
		}
		formatter.VerboseLog("valid: %s", path)
	}

	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenario(s) invalid", failed, len(paths)))
	}
	return formatter.Success(fmt.Sprintf("%d scenario(s) valid", len(paths)))
}

// validateScenarioFile runs schema validation first so structural mistakes
// get CUE's error messages, then the strict YAML parse.
func validateScenarioFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := harness.ValidateSchema(data); err != nil {
		return err
	}
	_, err = harness.ParseScenario(data)
	return err
}

// Package display decides between table and JSON output for CLI commands.
package display

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// OutputEnv selects JSON output for every command when set to "json"
const OutputEnv = "LECTOR_OUTPUT"

// ShouldOutputJSON reports whether cmd should print JSON: an explicit --json
// flag wins, otherwise LECTOR_OUTPUT decides.
func ShouldOutputJSON(cmd *cobra.Command) bool {
	if cmd != nil {
		if f := cmd.Flag("json"); f != nil && f.Changed {
			return f.Value.String() == "true"
		}
	}
	return os.Getenv(OutputEnv) == "json"
}

// OutputJSON marshals and prints v
func OutputJSON(v interface{}) error {
	data, err := MarshalJSON(v)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

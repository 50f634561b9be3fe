package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/trctl/trmv/pkg/color"
)

// reportedError is an error the failing command has already logged.
// Execute only maps it to an exit code.
type reportedError struct {
	err error
}

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }

func fmtErr(format string, args ...any) {
	fmt.Fprintf(os.Stderr, color.Error("trmv:")+" "+format+"\n", args...)
}

// outputJSON prints v as indented JSON on stdout.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// stringInput returns the flag value when it was given on the command line,
// else the environment variable, else def.
func stringInput(cmd *cobra.Command, flag, env, def string) string {
	if cmd.Flags().Changed(flag) {
		v, _ := cmd.Flags().GetString(flag)
		return v
	}
	if v, ok := os.LookupEnv(env); ok && v != "" {
		return v
	}
	return def
}

// boolInput is stringInput for switches. The environment accepts 1/0 and
// anything strconv.ParseBool does.
func boolInput(cmd *cobra.Command, flag, env string, def bool) (bool, error) {
	if cmd.Flags().Changed(flag) {
		return cmd.Flags().GetBool(flag)
	}
	v, ok := os.LookupEnv(env)
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def, fmt.Errorf("%s: %w", env, err)
	}
	return b, nil
}

func boolEnv(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

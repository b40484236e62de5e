// Command toolflow validates and runs workflow definitions against built-in
// echo tools, with monitoring and event fan-out configured from a file or the
// environment.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set via ldflags at build time.
var version = "dev"

// Exit codes.
const (
	exitValidation = 1
	exitRuntime    = 2
	exitConfig     = 3
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string { return e.Message }

func exitError(code int, format string, args ...any) *ExitError {
	return &ExitError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "toolflow",
		Short:        "Tool orchestration and workflow runner",
		Long:         "toolflow runs multi-step tool workflows with dependencies, retries, rollback and monitoring.",
		SilenceUsage: true,
		Version:      version,
	}
	root.SetVersionTemplate(fmt.Sprintf("toolflow version %s\n", version))

	root.PersistentFlags().String("config", "", "config file (default: ./toolflow.yaml or $HOME/.config/toolflow/toolflow.yaml)")
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().String("log-format", "", "log format: json or console")

	root.AddCommand(newValidateCmd())
	root.AddCommand(newRunCmd())
	return root
}

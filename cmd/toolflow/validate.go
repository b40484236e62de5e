package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/songzhibin97/tool-orchestrator/loader"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a workflow definition without running it",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	def, err := loader.LoadFile(args[0])
	if err != nil {
		return exitError(exitValidation, "%v", err)
	}
	if err := loader.Validate(def); err != nil {
		return exitError(exitValidation, "%s: %v", args[0], err)
	}
	order, err := loader.ExecutionOrder(def)
	if err != nil {
		return exitError(exitValidation, "%s: %v", args[0], err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "workflow %s is valid (%d steps)\n", def.ID, len(def.Steps))
	fmt.Fprintf(out, "order: %s\n", strings.Join(order, " -> "))
	return nil
}

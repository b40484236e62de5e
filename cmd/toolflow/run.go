package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/songzhibin97/tool-orchestrator/coordinator"
	"github.com/songzhibin97/tool-orchestrator/loader"
	"github.com/songzhibin97/tool-orchestrator/types"
	"github.com/songzhibin97/tool-orchestrator/workflow"
)

// runReport is what `toolflow run` prints.
type runReport struct {
	Run    *types.WorkflowState         `json:"run"`
	Health map[string]types.HealthCheck `json:"health"`
	System coordinator.SystemStatus     `json:"system"`
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a workflow definition against built-in echo tools",
		Long: `Execute a workflow definition. Every tool type the definition uses is
served by an echo tool that returns the operation params as its result; the
operation "fail" always reports a failure, which exercises retries and rollback.`,
		Args: cobra.ExactArgs(1),
		RunE: runRun,
	}
	cmd.Flags().StringArray("var", nil, "workflow variable as key=value, value parsed as JSON when possible (repeatable)")
	cmd.Flags().Bool("validate", true, "validate the definition before running it")
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}

	def, err := loader.LoadFile(args[0])
	if err != nil {
		return exitError(exitValidation, "%v", err)
	}
	if check, _ := cmd.Flags().GetBool("validate"); check {
		if err := loader.Validate(def); err != nil {
			return exitError(exitValidation, "%s: %v", args[0], err)
		}
	}

	rawVars, _ := cmd.Flags().GetStringArray("var")
	vars, err := parseVars(rawVars)
	if err != nil {
		return exitError(exitValidation, "%v", err)
	}

	s, err := newStack(cfg)
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	defer s.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.registerEchoTools(ctx, def); err != nil {
		return exitError(exitRuntime, "%v", err)
	}

	engine, err := s.monitored.NewWorkflowEngine(
		workflow.WithRetryConfig(cfg.Workflow.Retry.Policy()),
		workflow.WithDefaultTimeout(cfg.Workflow.TimeoutMs),
		workflow.WithEventBus(s.bus),
	)
	if err != nil {
		return exitError(exitRuntime, "%v", err)
	}

	state, runErr := engine.Execute(ctx, def, vars)
	if runErr != nil {
		s.log.Error("workflow run failed", zap.String("workflow_id", def.ID), zap.Error(runErr))
	}

	report := runReport{
		Run:    state,
		Health: s.monitored.HealthCheckAll(context.WithoutCancel(ctx)),
		System: s.monitored.SystemStatus(),
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return exitError(exitRuntime, "failed to write report: %v", err)
	}

	if runErr != nil {
		return exitError(exitRuntime, "workflow %s failed: %v", def.ID, runErr)
	}
	return nil
}

// parseVars turns key=value pairs into workflow variables. Values that parse
// as JSON keep their JSON type; anything else is a string.
func parseVars(pairs []string) (map[string]any, error) {
	vars := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --var %q: expected key=value", pair)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			vars[key] = decoded
		} else {
			vars[key] = value
		}
	}
	return vars, nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/songzhibin97/tool-orchestrator/config"
	"github.com/songzhibin97/tool-orchestrator/coordinator"
	"github.com/songzhibin97/tool-orchestrator/dataflow"
	"github.com/songzhibin97/tool-orchestrator/events"
	"github.com/songzhibin97/tool-orchestrator/logger"
	"github.com/songzhibin97/tool-orchestrator/monitoring"
	"github.com/songzhibin97/tool-orchestrator/orchestrator"
	"github.com/songzhibin97/tool-orchestrator/registry"
	"github.com/songzhibin97/tool-orchestrator/types"
)

// FailOperation is the echo tool operation that always reports a failure.
const FailOperation = "fail"

// stack is everything a run needs, built from configuration.
type stack struct {
	cfg       config.Config
	log       *zap.Logger
	bus       *events.EventBus
	redis     *events.RedisPublisher
	monitored *coordinator.MonitoredOrchestrator
}

// loadConfig reads the config file and applies the log flags on top.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level, _ = cmd.Flags().GetString("log-level")
	}
	if cmd.Flags().Changed("log-format") {
		cfg.Log.Format, _ = cmd.Flags().GetString("log-format")
	}
	return cfg, nil
}

func newStack(cfg config.Config) (*stack, error) {
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	s := &stack{cfg: cfg, log: log}

	s.bus = events.NewEventBus(events.WithLogger(log))
	if cfg.Redis.Enabled() {
		pub, err := events.NewRedisPublisher(cfg.Redis.Options())
		if err != nil {
			s.bus.Stop()
			return nil, err
		}
		s.redis = pub
		s.bus.Subscribe(events.AllEvents, pub)
		log.Info("forwarding events to redis", zap.String("channel", pub.Channel()))
	}

	monitor, err := monitoring.New(
		monitoring.WithThresholds(cfg.Monitoring.Thresholds),
		monitoring.WithAlertHandler(coordinator.AlertPublisher(s.bus, log)),
		monitoring.WithLogger(log),
	)
	if err != nil {
		s.close()
		return nil, err
	}
	monitor.SetEnabled(cfg.Monitoring.Enabled)

	orch := orchestrator.New(
		orchestrator.WithLogger(log),
		orchestrator.WithDataFlow(dataflow.NewBus(
			dataflow.WithValidation(cfg.DataFlow.Validation),
			dataflow.WithLogger(log),
		)),
	)
	s.monitored, err = coordinator.New(
		coordinator.WithOrchestrator(orch),
		coordinator.WithMonitor(monitor),
		coordinator.WithLogger(log),
	)
	if err != nil {
		s.close()
		return nil, err
	}

	if cfg.Monitoring.HealthSweep != "" {
		if err := s.monitored.StartHealthSweeps(cfg.Monitoring.HealthSweep); err != nil {
			s.close()
			return nil, err
		}
	}
	return s, nil
}

// registerEchoTools maps every tool type used by def to one echo tool that
// answers each operation def names, rollback operations included.
func (s *stack) registerEchoTools(ctx context.Context, def types.WorkflowDefinition) error {
	ops := map[string]bool{}
	toolTypes := map[string]bool{}
	for _, step := range def.Steps {
		toolTypes[step.ToolType] = true
		ops[step.Operation] = true
		if step.RollbackOperation != "" {
			ops[step.RollbackOperation] = true
		}
	}
	if len(toolTypes) == 0 {
		return errors.New("workflow uses no tool types")
	}

	tool := newEchoTool("echo", ops)
	mapped := sortedKeys(toolTypes)
	id, err := s.monitored.RegisterTool(ctx, tool, mapped[0])
	if err != nil {
		return fmt.Errorf("failed to register echo tool: %w", err)
	}
	for _, toolType := range mapped[1:] {
		if err := s.monitored.Orchestrator().MapToolType(toolType, id); err != nil {
			return err
		}
	}
	return nil
}

func newEchoTool(id string, ops map[string]bool) *registry.FuncTool {
	meta := types.NewToolMetadata(id, version, "echoes operation params back", "echo")
	tool := registry.NewFuncTool(id, meta)
	for op := range ops {
		if op == FailOperation {
			tool.Handle(op, func(ctx context.Context, params any) (any, error) {
				return nil, fmt.Errorf("operation %s always fails", FailOperation)
			})
			continue
		}
		tool.Handle(op, func(ctx context.Context, params any) (any, error) {
			return params, nil
		})
	}
	return tool
}

func (s *stack) close() {
	if s.monitored != nil {
		s.monitored.Stop()
		if err := s.monitored.Orchestrator().ShutdownAll(context.Background()); err != nil {
			s.log.Warn("shutdown finished with errors", zap.Error(err))
		}
		s.monitored.Orchestrator().DataFlow().Close()
	}
	s.bus.Stop()
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.log.Warn("failed to close redis publisher", zap.Error(err))
		}
	}
	_ = s.log.Sync()
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

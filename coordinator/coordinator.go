// Package coordinator composes the orchestrator with monitoring so every
// coordinated operation and health sweep is recorded.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/songzhibin97/tool-orchestrator/monitoring"
	"github.com/songzhibin97/tool-orchestrator/orchestrator"
	"github.com/songzhibin97/tool-orchestrator/registry"
	"github.com/songzhibin97/tool-orchestrator/types"
	"github.com/songzhibin97/tool-orchestrator/workflow"
)

var (
	ErrSweepsRunning = errors.New("health sweeps already running")
	ErrInvalidSweep  = errors.New("invalid health sweep schedule")
)

// DefaultSweepTimeout bounds one scheduled health sweep.
const DefaultSweepTimeout = 30 * time.Second

// SystemHealth is the overall verdict derived from alerts and error rate.
type SystemHealth string

const (
	SystemHealthy  SystemHealth = "healthy"
	SystemWarning  SystemHealth = "warning"
	SystemDegraded SystemHealth = "degraded"
	SystemCritical SystemHealth = "critical"
)

// WarningErrorRate is the overall error rate above which the system is Warning.
const WarningErrorRate = 0.05

// SystemStatus is a combined snapshot of orchestration and monitoring.
type SystemStatus struct {
	Orchestrator orchestrator.Stats `json:"orchestratorStats"`
	Monitoring   monitoring.Stats   `json:"monitoringStats"`
	ActiveAlerts []types.Alert      `json:"activeAlerts"`
	Health       SystemHealth       `json:"systemHealth"`
}

var sweepParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// MonitoredOrchestrator wraps an Orchestrator and records every result it
// produces into a Monitor.
type MonitoredOrchestrator struct {
	orch         *orchestrator.Orchestrator
	monitor      *monitoring.Monitor
	logger       *zap.Logger
	sweepTimeout time.Duration

	mu        sync.Mutex
	scheduler *cron.Cron
}

// Option configures a MonitoredOrchestrator.
type Option func(*MonitoredOrchestrator)

// WithOrchestrator wraps an existing orchestrator.
func WithOrchestrator(o *orchestrator.Orchestrator) Option {
	return func(m *MonitoredOrchestrator) {
		if o != nil {
			m.orch = o
		}
	}
}

// WithMonitor records into an existing monitor.
func WithMonitor(mon *monitoring.Monitor) Option {
	return func(m *MonitoredOrchestrator) {
		if mon != nil {
			m.monitor = mon
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *MonitoredOrchestrator) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithSweepTimeout bounds each scheduled health sweep.
func WithSweepTimeout(d time.Duration) Option {
	return func(m *MonitoredOrchestrator) {
		if d > 0 {
			m.sweepTimeout = d
		}
	}
}

// New creates a MonitoredOrchestrator. Missing parts are created with
// defaults.
func New(opts ...Option) (*MonitoredOrchestrator, error) {
	m := &MonitoredOrchestrator{
		logger:       zap.NewNop(),
		sweepTimeout: DefaultSweepTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.orch == nil {
		m.orch = orchestrator.New(orchestrator.WithLogger(m.logger))
	}
	if m.monitor == nil {
		mon, err := monitoring.New(monitoring.WithLogger(m.logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create monitor: %w", err)
		}
		m.monitor = mon
	}
	return m, nil
}

// Orchestrator returns the wrapped orchestrator.
func (m *MonitoredOrchestrator) Orchestrator() *orchestrator.Orchestrator { return m.orch }

// Monitor returns the monitor results are recorded into.
func (m *MonitoredOrchestrator) Monitor() *monitoring.Monitor { return m.monitor }

// RegisterTool registers tool under toolType on the wrapped orchestrator.
func (m *MonitoredOrchestrator) RegisterTool(ctx context.Context, tool registry.Tool, toolType string) (string, error) {
	return m.orch.RegisterTool(ctx, tool, toolType)
}

// ExecuteCoordinated executes through the orchestrator and records the
// outcome against the tool id. A call that fails without a result, such as a
// timeout, is recorded as a failure; an unknown tool type or a cancelled
// caller is not recorded.
func (m *MonitoredOrchestrator) ExecuteCoordinated(ctx context.Context, toolType, operation string, params any) (types.ToolResult, error) {
	start := time.Now()
	result, err := m.orch.ExecuteCoordinated(ctx, toolType, operation, params)

	toolID, ok := m.orch.ToolID(toolType)
	switch {
	case !ok:
	case err == nil:
		m.monitor.RecordOperation(ctx, toolID, operation, result)
	case ctx.Err() == nil && !errors.Is(err, orchestrator.ErrToolTypeNotFound):
		elapsed := uint64(time.Since(start).Milliseconds())
		m.monitor.RecordOperation(ctx, toolID, operation, types.NewErrorResult(err.Error(), elapsed))
	}
	return result, err
}

// ExecuteBatch runs requests in order through ExecuteCoordinated and stops
// at the first failure, like the orchestrator's batch.
func (m *MonitoredOrchestrator) ExecuteBatch(ctx context.Context, requests []orchestrator.Request) ([]types.ToolResult, error) {
	results := make([]types.ToolResult, 0, len(requests))
	for i, req := range requests {
		res, err := m.ExecuteCoordinated(ctx, req.ToolType, req.Operation, req.Params)
		if err != nil {
			return results, &orchestrator.BatchError{Index: i, Request: req, Err: err}
		}
		results = append(results, res)
	}
	return results, nil
}

// HealthCheckAll probes every mapped tool, records each check once per tool
// id, and marks the sweep.
func (m *MonitoredOrchestrator) HealthCheckAll(ctx context.Context) map[string]types.HealthCheck {
	checks := m.orch.HealthCheckAll(ctx)
	mapping := m.orch.ActiveTools()

	toolTypes := make([]string, 0, len(checks))
	for toolType := range checks {
		toolTypes = append(toolTypes, toolType)
	}
	sort.Strings(toolTypes)

	recorded := make(map[string]bool, len(checks))
	for _, toolType := range toolTypes {
		id, ok := mapping[toolType]
		if !ok || recorded[id] {
			continue
		}
		recorded[id] = true
		m.monitor.RecordHealthCheck(ctx, id, checks[toolType])
	}
	m.monitor.MarkHealthSweep()
	return checks
}

// SystemStatus returns the combined snapshot and its health verdict.
func (m *MonitoredOrchestrator) SystemStatus() SystemStatus {
	stats := m.monitor.Stats()
	alerts := m.monitor.ActiveAlerts()
	return SystemStatus{
		Orchestrator: m.orch.Stats(),
		Monitoring:   stats,
		ActiveAlerts: alerts,
		Health:       DetermineHealth(stats, alerts),
	}
}

// DetermineHealth is Critical with any unresolved critical alert, Degraded
// with any unresolved high alert, Warning above WarningErrorRate and Healthy
// otherwise.
func DetermineHealth(stats monitoring.Stats, active []types.Alert) SystemHealth {
	var high bool
	for _, a := range active {
		if a.Resolved {
			continue
		}
		switch a.Severity {
		case types.SeverityCritical:
			return SystemCritical
		case types.SeverityHigh:
			high = true
		}
	}
	if high {
		return SystemDegraded
	}
	if stats.OverallErrorRate > WarningErrorRate {
		return SystemWarning
	}
	return SystemHealthy
}

// StartHealthSweeps runs HealthCheckAll on schedule, a five-field cron
// expression or a descriptor such as "@every 30s". Overlapping sweeps are
// skipped.
func (m *MonitoredOrchestrator) StartHealthSweeps(schedule string) error {
	sched, err := sweepParser.Parse(schedule)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidSweep, schedule, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scheduler != nil {
		return ErrSweepsRunning
	}

	log := cronLogger{m.logger.Sugar()}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(log),
		cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)),
	)
	c.Schedule(sched, cron.FuncJob(m.sweep))
	c.Start()
	m.scheduler = c

	m.logger.Info("health sweeps scheduled", zap.String("schedule", schedule))
	return nil
}

func (m *MonitoredOrchestrator) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), m.sweepTimeout)
	defer cancel()

	checks := m.HealthCheckAll(ctx)
	unhealthy := 0
	for _, hc := range checks {
		if hc.Status == types.HealthUnhealthy {
			unhealthy++
		}
	}
	m.logger.Debug("health sweep finished",
		zap.Int("tools", len(checks)),
		zap.Int("unhealthy", unhealthy),
	)
}

// Stop halts scheduled sweeps and waits for a running one to finish.
func (m *MonitoredOrchestrator) Stop() {
	m.mu.Lock()
	c := m.scheduler
	m.scheduler = nil
	m.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

// NewWorkflowEngine returns an engine whose steps run through m, so every
// step attempt is monitored.
func (m *MonitoredOrchestrator) NewWorkflowEngine(opts ...workflow.Option) (*workflow.Engine, error) {
	opts = append([]workflow.Option{workflow.WithLogger(m.logger)}, opts...)
	return workflow.NewEngine(m, opts...)
}

var _ workflow.StepExecutor = (*MonitoredOrchestrator)(nil)

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}

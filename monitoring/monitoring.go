// Package monitoring keeps per-tool performance metrics, bounded health
// history and deduplicated alerts.
package monitoring

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/songzhibin97/tool-orchestrator/types"
)

// MaxHealthHistory is the number of health records kept per tool.
const MaxHealthHistory = 100

const meterName = "github.com/songzhibin97/tool-orchestrator/monitoring"

// PerformanceThresholds are the limits that raise performance alerts.
type PerformanceThresholds struct {
	MaxResponseTimeMs      uint64  `json:"maxResponseTimeMs" mapstructure:"max_response_time_ms"`
	MaxErrorRate           float64 `json:"maxErrorRate" mapstructure:"max_error_rate"`
	MinUptimePercentage    float64 `json:"minUptimePercentage" mapstructure:"min_uptime_percentage"`
	MaxConsecutiveFailures uint32  `json:"maxConsecutiveFailures" mapstructure:"max_consecutive_failures"`
}

// DefaultThresholds returns 5000ms, 10% errors, 95% uptime and 3 consecutive failures.
func DefaultThresholds() PerformanceThresholds {
	return PerformanceThresholds{
		MaxResponseTimeMs:      5000,
		MaxErrorRate:           0.1,
		MinUptimePercentage:    95.0,
		MaxConsecutiveFailures: 3,
	}
}

// ToolMetrics are the running aggregates of one tool's operations.
type ToolMetrics struct {
	ToolID                string     `json:"toolId"`
	OperationsCount       uint64     `json:"operationsCount"`
	SuccessCount          uint64     `json:"successCount"`
	FailureCount          uint64     `json:"failureCount"`
	TotalExecutionTimeMs  uint64     `json:"totalExecutionTimeMs"`
	AverageResponseTimeMs float64    `json:"averageResponseTimeMs"`
	PeakResponseTimeMs    uint64     `json:"peakResponseTimeMs"`
	ErrorRate             float64    `json:"errorRate"`
	UptimePercentage      float64    `json:"uptimePercentage"`
	ConsecutiveFailures   uint32     `json:"consecutiveFailures"`
	LastOperationTime     *time.Time `json:"lastOperationTime,omitempty"`
}

// HealthCheckRecord is one entry of a tool's health history.
type HealthCheckRecord struct {
	Timestamp      time.Time          `json:"timestamp"`
	Status         types.HealthStatus `json:"status"`
	ResponseTimeMs *uint64            `json:"responseTimeMs,omitempty"`
	Message        string             `json:"message,omitempty"`
}

// Stats is a system-wide summary.
type Stats struct {
	MonitoredTools        int        `json:"monitoredTools"`
	TotalOperations       uint64     `json:"totalOperations"`
	TotalFailures         uint64     `json:"totalFailures"`
	OverallErrorRate      float64    `json:"overallErrorRate"`
	AverageResponseTimeMs float64    `json:"averageResponseTimeMs"`
	ActiveAlerts          int        `json:"activeAlerts"`
	CriticalAlerts        int        `json:"criticalAlerts"`
	Enabled               bool       `json:"monitoringEnabled"`
	LastHealthCheck       *time.Time `json:"lastHealthCheck,omitempty"`
}

// AlertHandler is called after an alert is raised or resolved.
type AlertHandler func(alert types.Alert)

type instruments struct {
	operations metric.Int64Counter
	failures   metric.Int64Counter
	alerts     metric.Int64Counter
	latency    metric.Float64Histogram
}

// Monitor records tool activity and maintains alerts.
type Monitor struct {
	mu              sync.RWMutex
	metrics         map[string]*ToolMetrics
	history         map[string][]HealthCheckRecord
	alerts          []types.Alert
	enabled         bool
	lastHealthCheck *time.Time

	thresholds PerformanceThresholds
	onAlert    AlertHandler
	meter      metric.Meter
	inst       instruments
	logger     *zap.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithThresholds replaces the default thresholds.
func WithThresholds(t PerformanceThresholds) Option {
	return func(m *Monitor) {
		m.thresholds = t
	}
}

// WithAlertHandler registers fn for alert creation and resolution.
func WithAlertHandler(fn AlertHandler) Option {
	return func(m *Monitor) {
		m.onAlert = fn
	}
}

// WithMeter sets the meter used for the exported instruments.
func WithMeter(meter metric.Meter) Option {
	return func(m *Monitor) {
		if meter != nil {
			m.meter = meter
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// New creates an enabled Monitor.
func New(opts ...Option) (*Monitor, error) {
	m := &Monitor{
		metrics:    make(map[string]*ToolMetrics),
		history:    make(map[string][]HealthCheckRecord),
		enabled:    true,
		thresholds: DefaultThresholds(),
		meter:      otel.Meter(meterName),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}

	var err error
	if m.inst.operations, err = m.meter.Int64Counter("toolflow.tool.operations",
		metric.WithDescription("Number of recorded tool operations"),
	); err != nil {
		return nil, err
	}
	if m.inst.failures, err = m.meter.Int64Counter("toolflow.tool.failures",
		metric.WithDescription("Number of failed tool operations"),
	); err != nil {
		return nil, err
	}
	if m.inst.alerts, err = m.meter.Int64Counter("toolflow.alerts.raised",
		metric.WithDescription("Number of alerts raised"),
	); err != nil {
		return nil, err
	}
	if m.inst.latency, err = m.meter.Float64Histogram("toolflow.tool.latency",
		metric.WithDescription("Tool operation execution time"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// Thresholds returns the active thresholds.
func (m *Monitor) Thresholds() PerformanceThresholds {
	return m.thresholds
}

// RecordOperation folds result into toolID's metrics and raises any
// performance alerts. It is a no-op while monitoring is disabled.
func (m *Monitor) RecordOperation(ctx context.Context, toolID, operation string, result types.ToolResult) {
	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return
	}

	tm, ok := m.metrics[toolID]
	if !ok {
		tm = &ToolMetrics{ToolID: toolID, UptimePercentage: 100}
		m.metrics[toolID] = tm
	}

	now := time.Now().UTC()
	tm.OperationsCount++
	tm.TotalExecutionTimeMs += result.ExecutionTimeMs
	tm.LastOperationTime = &now
	if result.Success {
		tm.SuccessCount++
		tm.ConsecutiveFailures = 0
	} else {
		tm.FailureCount++
		tm.ConsecutiveFailures++
	}
	if result.ExecutionTimeMs > tm.PeakResponseTimeMs {
		tm.PeakResponseTimeMs = result.ExecutionTimeMs
	}
	count := float64(tm.OperationsCount)
	tm.AverageResponseTimeMs = float64(tm.TotalExecutionTimeMs) / count
	tm.ErrorRate = float64(tm.FailureCount) / count
	tm.UptimePercentage = float64(tm.SuccessCount) / count * 100

	raised := m.checkPerformance(toolID, *tm)
	m.mu.Unlock()

	attrs := metric.WithAttributes(
		attribute.String("tool_id", toolID),
		attribute.String("operation", operation),
	)
	m.inst.operations.Add(ctx, 1, attrs)
	m.inst.latency.Record(ctx, float64(result.ExecutionTimeMs), attrs)
	if !result.Success {
		m.inst.failures.Add(ctx, 1, attrs)
	}
	m.notify(ctx, raised, nil)
}

func (m *Monitor) checkPerformance(toolID string, tm ToolMetrics) []types.Alert {
	t := m.thresholds
	var raised []types.Alert
	add := func(a *types.Alert) {
		if a != nil {
			raised = append(raised, *a)
		}
	}

	if tm.AverageResponseTimeMs > float64(t.MaxResponseTimeMs) {
		add(m.createAlert(types.AlertHighLatency, types.SeverityHigh, toolID,
			fmt.Sprintf("Average response time %.2fms exceeds threshold %dms", tm.AverageResponseTimeMs, t.MaxResponseTimeMs)))
	}
	if tm.ErrorRate > t.MaxErrorRate {
		add(m.createAlert(types.AlertHighErrorRate, types.SeverityHigh, toolID,
			fmt.Sprintf("Error rate %.2f%% exceeds threshold %.2f%%", tm.ErrorRate*100, t.MaxErrorRate*100)))
	}
	if tm.UptimePercentage < t.MinUptimePercentage {
		add(m.createAlert(types.AlertPerformanceDegraded, types.SeverityMedium, toolID,
			fmt.Sprintf("Uptime %.2f%% below threshold %.2f%%", tm.UptimePercentage, t.MinUptimePercentage)))
	}
	if t.MaxConsecutiveFailures > 0 && tm.ConsecutiveFailures >= t.MaxConsecutiveFailures {
		add(m.createAlert(types.AlertToolUnresponsive, types.SeverityHigh, toolID,
			fmt.Sprintf("%d consecutive failures reached threshold %d", tm.ConsecutiveFailures, t.MaxConsecutiveFailures)))
	}
	return raised
}

// RecordHealthCheck appends check to toolID's history. Unhealthy raises
// ToolDown, Degraded raises PerformanceDegraded, and anything else resolves
// every open alert of the tool.
func (m *Monitor) RecordHealthCheck(ctx context.Context, toolID string, check types.HealthCheck) {
	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return
	}

	history := append(m.history[toolID], HealthCheckRecord{
		Timestamp:      check.LastChecked,
		Status:         check.Status,
		ResponseTimeMs: check.ResponseTimeMs,
		Message:        check.Message,
	})
	if len(history) > MaxHealthHistory {
		history = append([]HealthCheckRecord(nil), history[len(history)-MaxHealthHistory:]...)
	}
	m.history[toolID] = history

	var raised, resolved []types.Alert
	switch check.Status {
	case types.HealthUnhealthy:
		msg := check.Message
		if msg == "" {
			msg = "Unknown error"
		}
		if a := m.createAlert(types.AlertToolDown, types.SeverityCritical, toolID, "Tool is unhealthy: "+msg); a != nil {
			raised = append(raised, *a)
		}
	case types.HealthDegraded:
		msg := check.Message
		if msg == "" {
			msg = "Performance issues"
		}
		if a := m.createAlert(types.AlertPerformanceDegraded, types.SeverityMedium, toolID, "Tool performance degraded: "+msg); a != nil {
			raised = append(raised, *a)
		}
	default:
		resolved = m.resolveForTool(toolID)
	}
	m.mu.Unlock()

	m.notify(ctx, raised, resolved)
}

// createAlert appends a new alert unless an unresolved one of the same type
// already exists for the tool. Callers hold m.mu.
func (m *Monitor) createAlert(alertType types.AlertType, severity types.AlertSeverity, toolID, message string) *types.Alert {
	for _, a := range m.alerts {
		if a.ToolID == toolID && a.AlertType == alertType && !a.Resolved {
			return nil
		}
	}
	alert := types.Alert{
		ID:        uuid.NewString(),
		AlertType: alertType,
		Severity:  severity,
		ToolID:    toolID,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	m.alerts = append(m.alerts, alert)
	return &alert
}

func (m *Monitor) resolveForTool(toolID string) []types.Alert {
	now := time.Now().UTC()
	var resolved []types.Alert
	for i := range m.alerts {
		a := &m.alerts[i]
		if a.ToolID != toolID || a.Resolved {
			continue
		}
		a.Resolved = true
		at := now
		a.ResolvedAt = &at
		resolved = append(resolved, *a)
	}
	return resolved
}

// notify runs outside the lock so handlers may call back into the Monitor.
func (m *Monitor) notify(ctx context.Context, raised, resolved []types.Alert) {
	for _, a := range raised {
		m.inst.alerts.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool_id", a.ToolID),
			attribute.String("alert_type", string(a.AlertType)),
			attribute.String("severity", string(a.Severity)),
		))
		m.logger.Warn("alert raised",
			zap.String("alert_id", a.ID),
			zap.String("tool_id", a.ToolID),
			zap.String("alert_type", string(a.AlertType)),
			zap.String("severity", string(a.Severity)),
			zap.String("message", a.Message),
		)
		if m.onAlert != nil {
			m.onAlert(a)
		}
	}
	for _, a := range resolved {
		m.logger.Info("alert resolved",
			zap.String("alert_id", a.ID),
			zap.String("tool_id", a.ToolID),
			zap.String("alert_type", string(a.AlertType)),
		)
		if m.onAlert != nil {
			m.onAlert(a)
		}
	}
}

// ToolMetrics returns a copy of toolID's metrics.
func (m *Monitor) ToolMetrics(toolID string) (ToolMetrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tm, ok := m.metrics[toolID]
	if !ok {
		return ToolMetrics{}, false
	}
	return *tm, true
}

// HealthHistory returns toolID's health records, oldest first.
func (m *Monitor) HealthHistory(toolID string) ([]HealthCheckRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.history[toolID]
	if !ok {
		return nil, false
	}
	return append([]HealthCheckRecord(nil), h...), true
}

// ActiveAlerts returns unresolved alerts in creation order.
func (m *Monitor) ActiveAlerts() []types.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterAlerts(func(a types.Alert) bool { return !a.Resolved })
}

// AlertsBySeverity returns unresolved alerts of the given severity.
func (m *Monitor) AlertsBySeverity(severity types.AlertSeverity) []types.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterAlerts(func(a types.Alert) bool { return !a.Resolved && a.Severity == severity })
}

// Alerts returns every retained alert, resolved ones included.
func (m *Monitor) Alerts() []types.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterAlerts(func(types.Alert) bool { return true })
}

func (m *Monitor) filterAlerts(keep func(types.Alert) bool) []types.Alert {
	out := make([]types.Alert, 0)
	for _, a := range m.alerts {
		if keep(a) {
			out = append(out, a)
		}
	}
	return out
}

// Stats summarises every monitored tool. The average response time is the
// mean of the per-tool averages.
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{
		MonitoredTools: len(m.metrics),
		Enabled:        m.enabled,
	}
	if m.lastHealthCheck != nil {
		t := *m.lastHealthCheck
		s.LastHealthCheck = &t
	}

	var avgSum float64
	for _, tm := range m.metrics {
		s.TotalOperations += tm.OperationsCount
		s.TotalFailures += tm.FailureCount
		avgSum += tm.AverageResponseTimeMs
	}
	if len(m.metrics) > 0 {
		s.AverageResponseTimeMs = avgSum / float64(len(m.metrics))
	}
	if s.TotalOperations > 0 {
		s.OverallErrorRate = float64(s.TotalFailures) / float64(s.TotalOperations)
	}
	for _, a := range m.alerts {
		if a.Resolved {
			continue
		}
		s.ActiveAlerts++
		if a.Severity == types.SeverityCritical {
			s.CriticalAlerts++
		}
	}
	return s
}

// MonitoredTools returns the ids of tools with recorded metrics, sorted.
func (m *Monitor) MonitoredTools() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.metrics))
	for id := range m.metrics {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SetEnabled turns recording on or off. Queries keep working either way.
func (m *Monitor) SetEnabled(enabled bool) {
	m.mu.Lock()
	m.enabled = enabled
	m.mu.Unlock()
}

// Enabled reports whether recording is on.
func (m *Monitor) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// ClearAlertsBefore drops alerts raised at or before t and returns how many
// were removed.
func (m *Monitor) ClearAlertsBefore(t time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.alerts[:0]
	for _, a := range m.alerts {
		if a.Timestamp.After(t) {
			kept = append(kept, a)
		}
	}
	removed := len(m.alerts) - len(kept)
	m.alerts = kept
	return removed
}

// ResetToolMetrics forgets toolID's metrics. History and alerts are kept.
func (m *Monitor) ResetToolMetrics(toolID string) {
	m.mu.Lock()
	delete(m.metrics, toolID)
	m.mu.Unlock()
}

// MarkHealthSweep records that a full health sweep just finished.
func (m *Monitor) MarkHealthSweep() {
	now := time.Now().UTC()
	m.mu.Lock()
	m.lastHealthCheck = &now
	m.mu.Unlock()
}

package types

import "time"

// AlertType classifies a raised condition.
type AlertType string

const (
	AlertToolDown            AlertType = "tool_down"
	AlertHighLatency         AlertType = "high_latency"
	AlertHighErrorRate       AlertType = "high_error_rate"
	AlertHealthCheckFailed   AlertType = "health_check_failed"
	AlertPerformanceDegraded AlertType = "performance_degraded"
	AlertToolUnresponsive    AlertType = "tool_unresponsive"
	AlertThresholdExceeded   AlertType = "threshold_exceeded"
)

// AlertSeverity orders alerts by urgency.
type AlertSeverity string

const (
	SeverityCritical AlertSeverity = "critical"
	SeverityHigh     AlertSeverity = "high"
	SeverityMedium   AlertSeverity = "medium"
	SeverityLow      AlertSeverity = "low"
	SeverityInfo     AlertSeverity = "info"
)

// Alert is a deduplicated, resolvable record of a threshold violation.
type Alert struct {
	ID         string        `json:"id"`
	AlertType  AlertType     `json:"alertType"`
	Severity   AlertSeverity `json:"severity"`
	ToolID     string        `json:"toolId"`
	Message    string        `json:"message"`
	Timestamp  time.Time     `json:"timestamp"`
	Resolved   bool          `json:"resolved"`
	ResolvedAt *time.Time    `json:"resolvedAt,omitempty"`
}

package types

import "time"

// ToolResult is the outcome of a single tool operation.
type ToolResult struct {
	Success         bool   `json:"success"`
	Data            any    `json:"data,omitempty"`
	Error           string `json:"error,omitempty"`
	ExecutionTimeMs uint64 `json:"executionTimeMs"`
}

// NewSuccessResult builds a successful result.
func NewSuccessResult(data any, executionTimeMs uint64) ToolResult {
	return ToolResult{Success: true, Data: data, ExecutionTimeMs: executionTimeMs}
}

// NewErrorResult builds a tool-reported failure. The call itself succeeded; the
// tool rejected the operation.
func NewErrorResult(message string, executionTimeMs uint64) ToolResult {
	return ToolResult{Success: false, Error: message, ExecutionTimeMs: executionTimeMs}
}

// HealthStatus is the coarse health of a tool.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

func (s HealthStatus) String() string { return string(s) }

// HealthCheck is a point-in-time health probe result.
type HealthCheck struct {
	Status         HealthStatus `json:"status"`
	Message        string       `json:"message,omitempty"`
	LastChecked    time.Time    `json:"lastChecked"`
	ResponseTimeMs *uint64      `json:"responseTimeMs,omitempty"`
}

// Healthy returns a healthy check stamped with the current time.
func Healthy(message string, responseTimeMs *uint64) HealthCheck {
	return HealthCheck{Status: HealthHealthy, Message: message, LastChecked: time.Now().UTC(), ResponseTimeMs: responseTimeMs}
}

// Degraded returns a degraded check stamped with the current time.
func Degraded(message string, responseTimeMs *uint64) HealthCheck {
	return HealthCheck{Status: HealthDegraded, Message: message, LastChecked: time.Now().UTC(), ResponseTimeMs: responseTimeMs}
}

// Unhealthy returns an unhealthy check stamped with the current time.
func Unhealthy(message string) HealthCheck {
	return HealthCheck{Status: HealthUnhealthy, Message: message, LastChecked: time.Now().UTC()}
}

// Millis is a small helper for optional millisecond fields.
func Millis(ms uint64) *uint64 { return &ms }

const (
	DefaultToolTimeoutMs     uint64 = 5000
	DefaultToolRetryAttempts uint32 = 3
)

// ToolMetadata is the static description of a tool's capabilities.
type ToolMetadata struct {
	Name          string   `json:"name"`
	Version       string   `json:"version"`
	Description   string   `json:"description"`
	Capabilities  []string `json:"capabilities"`
	Dependencies  []string `json:"dependencies"`
	TimeoutMs     uint64   `json:"timeoutMs"`
	RetryAttempts uint32   `json:"retryAttempts"`
}

// NewToolMetadata returns metadata with the default timeout and retry count.
func NewToolMetadata(name, version, description string, capabilities ...string) ToolMetadata {
	return ToolMetadata{
		Name:          name,
		Version:       version,
		Description:   description,
		Capabilities:  capabilities,
		Dependencies:  []string{},
		TimeoutMs:     DefaultToolTimeoutMs,
		RetryAttempts: DefaultToolRetryAttempts,
	}
}

func (m ToolMetadata) WithDependencies(deps ...string) ToolMetadata {
	m.Dependencies = deps
	return m
}

func (m ToolMetadata) WithTimeout(timeoutMs uint64) ToolMetadata {
	m.TimeoutMs = timeoutMs
	return m
}

func (m ToolMetadata) WithRetryAttempts(attempts uint32) ToolMetadata {
	m.RetryAttempts = attempts
	return m
}

// HasCapability reports whether tag is among the tool's capabilities.
func (m ToolMetadata) HasCapability(tag string) bool {
	for _, c := range m.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// Timeout returns the per-operation deadline as a duration. A zero TimeoutMs
// falls back to DefaultToolTimeoutMs.
func (m ToolMetadata) Timeout() time.Duration {
	if m.TimeoutMs == 0 {
		return time.Duration(DefaultToolTimeoutMs) * time.Millisecond
	}
	return time.Duration(m.TimeoutMs) * time.Millisecond
}

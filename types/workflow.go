package types

import "time"

// RetryConfig controls step retries and exponential backoff.
type RetryConfig struct {
	MaxAttempts     uint32  `json:"maxAttempts" yaml:"maxAttempts"`
	InitialDelayMs  uint64  `json:"initialDelayMs" yaml:"initialDelayMs"`
	MaxDelayMs      uint64  `json:"maxDelayMs" yaml:"maxDelayMs"`
	ExponentialBase float64 `json:"exponentialBase" yaml:"exponentialBase"`
}

// DefaultRetryConfig returns 3 attempts, 100ms initial delay, 5s cap, base 2.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		InitialDelayMs:  100,
		MaxDelayMs:      5000,
		ExponentialBase: 2.0,
	}
}

// ConditionType selects how a StepCondition is evaluated.
type ConditionType string

const (
	ConditionAlways             ConditionType = "always"
	ConditionStepSucceeded      ConditionType = "step_succeeded"
	ConditionStepFailed         ConditionType = "step_failed"
	ConditionStepResultEquals   ConditionType = "step_result_equals"
	ConditionStepResultContains ConditionType = "step_result_contains"
	// ConditionExpression evaluates Expression with the rules evaluator.
	ConditionExpression ConditionType = "expression"
)

// StepCondition gates a step on the outcome of an earlier one.
type StepCondition struct {
	Type          ConditionType `json:"conditionType" yaml:"conditionType"`
	TargetStepID  string        `json:"targetStepId,omitempty" yaml:"targetStepId,omitempty"`
	ExpectedValue any           `json:"expectedValue,omitempty" yaml:"expectedValue,omitempty"`
	Expression    string        `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// WorkflowStepDefinition is one unit of work within a workflow definition.
type WorkflowStepDefinition struct {
	ID                string         `json:"id" yaml:"id"`
	Name              string         `json:"name" yaml:"name"`
	ToolType          string         `json:"toolType" yaml:"toolType"`
	Operation         string         `json:"operation" yaml:"operation"`
	Params            any            `json:"params,omitempty" yaml:"params,omitempty"`
	Dependencies      []string       `json:"dependencies" yaml:"dependencies"`
	TimeoutMs         *uint64        `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
	RetryAttempts     *uint32        `json:"retryAttempts,omitempty" yaml:"retryAttempts,omitempty"`
	Condition         *StepCondition `json:"condition,omitempty" yaml:"condition,omitempty"`
	RollbackOperation string         `json:"rollbackOperation,omitempty" yaml:"rollbackOperation,omitempty"`
}

// WorkflowDefinition is a reusable multi-step plan.
type WorkflowDefinition struct {
	ID          string                   `json:"id" yaml:"id"`
	Name        string                   `json:"name" yaml:"name"`
	Description string                   `json:"description" yaml:"description"`
	Steps       []WorkflowStepDefinition `json:"steps" yaml:"steps"`
	TimeoutMs   uint64                   `json:"timeoutMs" yaml:"timeoutMs"`
	RetryConfig RetryConfig              `json:"retryConfig" yaml:"retryConfig"`
	Metadata    map[string]string        `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// WorkflowStatus is the lifecycle state of a run or of one of its steps.
type WorkflowStatus string

const (
	StatusPending   WorkflowStatus = "pending"
	StatusRunning   WorkflowStatus = "running"
	StatusCompleted WorkflowStatus = "completed"
	StatusFailed    WorkflowStatus = "failed"
	StatusCancelled WorkflowStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s WorkflowStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StepState is the observable state of one step in a run.
type StepState struct {
	ID           string         `json:"id"`
	ToolType     string         `json:"toolType"`
	Operation    string         `json:"operation"`
	Status       WorkflowStatus `json:"status"`
	Result       *ToolResult    `json:"result,omitempty"`
	Dependencies []string       `json:"dependencies"`
	Attempts     int            `json:"attempts"`
}

// WorkflowState is the externally visible record of a workflow run.
type WorkflowState struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflowId"`
	Status     WorkflowStatus `json:"status"`
	Steps      []StepState    `json:"steps"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"startedAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Step returns the state of the step with the given id.
func (s *WorkflowState) Step(id string) (*StepState, bool) {
	for i := range s.Steps {
		if s.Steps[i].ID == id {
			return &s.Steps[i], true
		}
	}
	return nil, false
}

// Clone returns a deep enough copy for handing out of the engine.
func (s WorkflowState) Clone() WorkflowState {
	out := s
	out.Steps = make([]StepState, len(s.Steps))
	for i, st := range s.Steps {
		cp := st
		if st.Result != nil {
			r := *st.Result
			cp.Result = &r
		}
		cp.Dependencies = append([]string(nil), st.Dependencies...)
		out.Steps[i] = cp
	}
	return out
}

// WorkflowContext is the live, engine-private state of a run.
type WorkflowContext struct {
	WorkflowID  string
	Variables   map[string]any
	StepResults map[string]ToolResult
	StartedAt   time.Time
	TimeoutAt   time.Time
}

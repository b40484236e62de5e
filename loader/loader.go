// Package loader reads workflow definition documents and checks them before
// they reach the engine.
package loader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/tool-orchestrator/types"
	"github.com/songzhibin97/tool-orchestrator/workflow"
)

var (
	ErrInvalidDefinition = errors.New("invalid workflow definition")
	ErrCyclicDependency  = errors.New("cyclic step dependencies")
)

// LoadFile reads a YAML or JSON definition from path.
func LoadFile(path string) (types.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.WorkflowDefinition{}, fmt.Errorf("failed to read workflow file: %w", err)
	}
	def, err := Parse(data)
	if err != nil {
		return types.WorkflowDefinition{}, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// Load reads a definition from r.
func Load(r io.Reader) (types.WorkflowDefinition, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return types.WorkflowDefinition{}, err
	}
	return Parse(data)
}

// Parse decodes a YAML or JSON document and fills defaults. Unknown fields
// are rejected.
func Parse(data []byte) (types.WorkflowDefinition, error) {
	var def types.WorkflowDefinition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return def, fmt.Errorf("%w: empty document", ErrInvalidDefinition)
		}
		return def, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	ApplyDefaults(&def)
	return def, nil
}

// ApplyDefaults fills the run timeout, step names and dependency lists left
// empty in def. A retry policy without attempts stays empty so the engine's
// configured policy applies.
func ApplyDefaults(def *types.WorkflowDefinition) {
	if def.TimeoutMs == 0 {
		def.TimeoutMs = workflow.DefaultWorkflowTimeoutMs
	}
	if def.Name == "" {
		def.Name = def.ID
	}
	for i := range def.Steps {
		s := &def.Steps[i]
		if s.Name == "" {
			s.Name = s.ID
		}
		if s.Dependencies == nil {
			s.Dependencies = []string{}
		}
	}
}

// Validate reports every structural problem in def: missing ids, duplicate
// steps, unknown dependencies or condition targets, and dependency cycles.
// The engine does not require it; a cycle there surfaces as a deadlock.
func Validate(def types.WorkflowDefinition) error {
	var errs []error
	if def.ID == "" {
		errs = append(errs, errors.New("workflow id is required"))
	}
	if len(def.Steps) == 0 {
		errs = append(errs, errors.New("workflow must contain at least one step"))
	}

	ids := make(map[string]bool, len(def.Steps))
	for i, s := range def.Steps {
		switch {
		case s.ID == "":
			errs = append(errs, fmt.Errorf("step %d: id is required", i+1))
		case ids[s.ID]:
			errs = append(errs, fmt.Errorf("step %d: duplicate id %q", i+1, s.ID))
		}
		ids[s.ID] = true
	}

	for i, s := range def.Steps {
		if s.ToolType == "" {
			errs = append(errs, fmt.Errorf("step %d (%s): toolType is required", i+1, s.ID))
		}
		if s.Operation == "" {
			errs = append(errs, fmt.Errorf("step %d (%s): operation is required", i+1, s.ID))
		}
		for _, dep := range s.Dependencies {
			if dep == s.ID {
				errs = append(errs, fmt.Errorf("step %d (%s): depends on itself", i+1, s.ID))
			} else if !ids[dep] {
				errs = append(errs, fmt.Errorf("step %d (%s): unknown dependency %q", i+1, s.ID, dep))
			}
		}
		if c := s.Condition; c != nil {
			switch c.Type {
			case types.ConditionAlways:
			case types.ConditionExpression:
				if c.Expression == "" {
					errs = append(errs, fmt.Errorf("step %d (%s): expression condition without expression", i+1, s.ID))
				}
			case types.ConditionStepSucceeded, types.ConditionStepFailed,
				types.ConditionStepResultEquals, types.ConditionStepResultContains:
				if !ids[c.TargetStepID] {
					errs = append(errs, fmt.Errorf("step %d (%s): unknown condition target %q", i+1, s.ID, c.TargetStepID))
				}
			default:
				errs = append(errs, fmt.Errorf("step %d (%s): unknown condition type %q", i+1, s.ID, c.Type))
			}
		}
	}

	if len(errs) == 0 {
		if _, err := ExecutionOrder(def); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidDefinition, errors.Join(errs...))
	}
	return nil
}

// ExecutionOrder returns step ids in a dependency-respecting order, keeping
// definition order among steps that become ready together.
func ExecutionOrder(def types.WorkflowDefinition) ([]string, error) {
	indegree := make(map[string]int, len(def.Steps))
	dependents := make(map[string][]string, len(def.Steps))
	for _, s := range def.Steps {
		indegree[s.ID] += 0
		for _, dep := range s.Dependencies {
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	order := make([]string, 0, len(def.Steps))
	done := make(map[string]bool, len(def.Steps))
	for len(order) < len(def.Steps) {
		progressed := false
		for _, s := range def.Steps {
			if done[s.ID] || indegree[s.ID] > 0 {
				continue
			}
			done[s.ID] = true
			order = append(order, s.ID)
			progressed = true
			for _, next := range dependents[s.ID] {
				indegree[next]--
			}
		}
		if !progressed {
			var stuck []string
			for _, s := range def.Steps {
				if !done[s.ID] {
					stuck = append(stuck, s.ID)
				}
			}
			return order, fmt.Errorf("%w: %v", ErrCyclicDependency, stuck)
		}
	}
	return order, nil
}

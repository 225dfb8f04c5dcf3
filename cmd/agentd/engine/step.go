package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Error categories surfaced by step execution.
var (
	// ErrConfig indicates a step's configuration failed validation.
	ErrConfig = errors.New("invalid step configuration")

	// ErrContract indicates required input data is missing at execution time.
	ErrContract = errors.New("step contract violated")

	// ErrStepTimeout indicates the step exceeded its declared timeout.
	ErrStepTimeout = errors.New("step timed out")
)

// StepConfig is one declared step in a workflow definition.
type StepConfig struct {
	Name           string            `yaml:"name" json:"name"`
	Type           string            `yaml:"type" json:"type"`
	Condition      string            `yaml:"condition,omitempty" json:"condition,omitempty"`
	Config         map[string]any    `yaml:"config,omitempty" json:"config,omitempty"`
	MaxRetries     int               `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	TimeoutMS      int               `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	AbortOnFailure *bool             `yaml:"abort_on_failure,omitempty" json:"abort_on_failure,omitempty"`
	Outputs        map[string]string `yaml:"outputs,omitempty" json:"outputs,omitempty"`
}

// Aborts reports whether a failure of this step aborts the workflow.
// Defaults to true.
func (s *StepConfig) Aborts() bool {
	return s.AbortOnFailure == nil || *s.AbortOnFailure
}

// StepStatus tags a StepResult.
type StepStatus string

const (
	StatusSuccess StepStatus = "success"
	StatusFailure StepStatus = "failure"
	StatusSkipped StepStatus = "skipped"
)

// StepResult is the single result every step execution produces.
type StepResult struct {
	Status  StepStatus
	Outputs map[string]any
	Metrics map[string]any
	Err     error
	Reason  string
}

// Success builds a successful result.
func Success(outputs map[string]any) *StepResult {
	return &StepResult{Status: StatusSuccess, Outputs: outputs}
}

// Failure builds a failed result.
func Failure(err error) *StepResult {
	return &StepResult{Status: StatusFailure, Err: err}
}

// Skipped builds a skipped result.
func Skipped(reason string) *StepResult {
	return &StepResult{Status: StatusSkipped, Reason: reason}
}

// Step is a registered step type. Implementations are stateless; per-step
// configuration arrives with each call.
type Step interface {
	// Type returns the registered type name.
	Type() string

	// Validate checks the step's config before execution.
	Validate(cfg *StepConfig) error

	// Execute runs the step. The passed context carries the step's deadline.
	Execute(ctx context.Context, ec *Context, cfg *StepConfig) *StepResult
}

// Cleaner is implemented by steps needing post-run cleanup.
type Cleaner interface {
	Cleanup(ctx context.Context, ec *Context, cfg *StepConfig)
}

// Registry maps step type names to implementations.
type Registry struct {
	steps map[string]Step
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{steps: make(map[string]Step)}
}

// Register adds a step type. Duplicate registration panics: it is a wiring
// bug, not a runtime condition.
func (r *Registry) Register(step Step) {
	if _, exists := r.steps[step.Type()]; exists {
		panic(fmt.Sprintf("step type %q registered twice", step.Type()))
	}
	r.steps[step.Type()] = step
}

// Lookup returns the implementation for a type name.
func (r *Registry) Lookup(typeName string) (Step, bool) {
	s, ok := r.steps[typeName]
	return s, ok
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	names := make([]string, 0, len(r.steps))
	for name := range r.steps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Package engine executes declarative workflow definitions: an ordered step
// sequence with conditional gating, per-step retry/timeout, and separate
// variable and step-output scopes.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/multiagent/ma/common/logger"
	"github.com/multiagent/ma/common/transport"
)

const (
	retryBackoffBase = time.Second
	retryBackoffCap  = 5 * time.Second
)

// Engine runs workflow definitions against a step registry.
type Engine struct {
	registry *Registry
	log      *logger.Logger
}

// New creates an engine.
func New(registry *Registry, log *logger.Logger) *Engine {
	return &Engine{registry: registry, log: log}
}

// Registry returns the engine's step registry.
func (e *Engine) Registry() *Registry { return e.registry }

// RunInputs carries the runtime parameters for one workflow execution.
type RunInputs struct {
	WorkflowID       string
	ProjectID        string
	RepoRoot         string
	RepoRemote       string
	Branch           string
	TaskID           string
	Transport        transport.Transport
	InitialVariables map[string]any
}

// Result is the outcome of one workflow execution.
type Result struct {
	Success        bool
	FailedStep     string
	Err            error
	CompletedSteps []string
	SkippedSteps   []string
	FailedSteps    []string
	Duration       time.Duration
	FinalContext   *Context
}

// Execute runs def's steps in declared order. The first aborting failure
// stops execution; steps declared abort_on_failure=false record their failure
// and let the run continue.
func (e *Engine) Execute(ctx context.Context, def *Definition, in RunInputs) *Result {
	started := time.Now()

	ec := NewContext(in.WorkflowID, in.ProjectID, in.RepoRoot, in.Branch, in.Transport, e.log)
	ec.Definition = def
	ec.RepoRemote = in.RepoRemote
	ec.TaskID = in.TaskID
	for k, v := range in.InitialVariables {
		ec.SetVariable(k, v)
	}

	result := &Result{FinalContext: ec}
	log := ec.Logger.WithFields(map[string]any{"workflow": def.Name})
	log.Info("workflow starting", "steps", len(def.Steps))

	for i := range def.Steps {
		cfg := &def.Steps[i]
		stepLog := log.WithStep(cfg.Name)

		run, err := EvaluateCondition(cfg.Condition, ec)
		if err != nil {
			return e.fail(result, cfg.Name, fmt.Errorf("evaluating condition: %w", err), started)
		}
		if !run {
			stepLog.Info("step skipped", "condition", cfg.Condition)
			result.SkippedSteps = append(result.SkippedSteps, cfg.Name)
			ec.SetStepOutput(cfg.Name, map[string]any{"skipped": true})
			continue
		}

		impl, ok := e.registry.Lookup(cfg.Type)
		if !ok {
			return e.fail(result, cfg.Name, fmt.Errorf("unknown step type %q: %w", cfg.Type, ErrConfig), started)
		}
		if err := impl.Validate(cfg); err != nil {
			return e.fail(result, cfg.Name, fmt.Errorf("%v: %w", err, ErrConfig), started)
		}

		stepResult := e.runWithRetry(ctx, impl, ec, cfg, stepLog)

		switch stepResult.Status {
		case StatusSkipped:
			result.SkippedSteps = append(result.SkippedSteps, cfg.Name)
			ec.SetStepOutput(cfg.Name, map[string]any{"skipped": true, "reason": stepResult.Reason})

		case StatusSuccess:
			if stepResult.Outputs != nil {
				ec.SetStepOutput(cfg.Name, stepResult.Outputs)
			} else {
				ec.SetStepOutput(cfg.Name, map[string]any{})
			}
			applyOutputAliases(ec, cfg, stepResult.Outputs)
			result.CompletedSteps = append(result.CompletedSteps, cfg.Name)

		case StatusFailure:
			if cleaner, ok := impl.(Cleaner); ok {
				cleaner.Cleanup(ctx, ec, cfg)
			}
			if cfg.Aborts() {
				return e.fail(result, cfg.Name, stepResult.Err, started)
			}
			stepLog.Warn("step failed but does not abort", "error", stepResult.Err)
			result.FailedSteps = append(result.FailedSteps, cfg.Name)
			ec.SetStepOutput(cfg.Name, map[string]any{"failed": true, "error": fmt.Sprintf("%v", stepResult.Err)})
		}
	}

	result.Success = true
	result.Duration = time.Since(started)
	log.Info("workflow completed",
		"duration", result.Duration,
		"completed", len(result.CompletedSteps),
		"skipped", len(result.SkippedSteps))
	return result
}

func (e *Engine) fail(result *Result, step string, err error, started time.Time) *Result {
	result.Success = false
	result.FailedStep = step
	result.Err = err
	result.Duration = time.Since(started)
	e.log.Error("workflow failed", "step", step, "error", err)
	return result
}

// runWithRetry executes the whole step body up to 1+MaxRetries times with
// exponential backoff, applying the step's timeout per attempt.
func (e *Engine) runWithRetry(ctx context.Context, impl Step, ec *Context, cfg *StepConfig, log *logger.Logger) *StepResult {
	attempts := cfg.MaxRetries + 1

	var last *StepResult
	for attempt := 1; attempt <= attempts; attempt++ {
		last = e.runOnce(ctx, impl, ec, cfg)
		if last.Status != StatusFailure {
			return last
		}
		if attempt == attempts {
			break
		}

		delay := backoff(attempt)
		log.Warn("step failed, retrying",
			"attempt", attempt,
			"max_attempts", attempts,
			"backoff", delay,
			"error", last.Err)

		select {
		case <-ctx.Done():
			return Failure(ctx.Err())
		case <-time.After(delay):
		}
	}
	return last
}

func (e *Engine) runOnce(ctx context.Context, impl Step, ec *Context, cfg *StepConfig) *StepResult {
	stepCtx := ctx
	if cfg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, time.Duration(cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	result := impl.Execute(stepCtx, ec, cfg)
	if result == nil {
		return Failure(fmt.Errorf("step %s produced no result", cfg.Name))
	}

	if result.Status == StatusFailure && stepCtx.Err() == context.DeadlineExceeded {
		result.Err = fmt.Errorf("%v: %w", result.Err, ErrStepTimeout)
	}
	return result
}

// applyOutputAliases copies declared outputs into variables: for each
// alias -> source, the step output named source lands in variable alias.
func applyOutputAliases(ec *Context, cfg *StepConfig, outputs map[string]any) {
	if len(cfg.Outputs) == 0 {
		return
	}
	for alias, source := range cfg.Outputs {
		if outputs == nil {
			ec.SetVariable(alias, nil)
			continue
		}
		ec.SetVariable(alias, outputs[source])
	}
}

func backoff(attempt int) time.Duration {
	delay := retryBackoffBase << (attempt - 1)
	if delay > retryBackoffCap {
		return retryBackoffCap
	}
	return delay
}

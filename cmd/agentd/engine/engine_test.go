package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multiagent/ma/common/logger"
)

// fakeStep is a scriptable step for executor tests.
type fakeStep struct {
	typeName    string
	validateErr error
	execute     func(ctx context.Context, ec *Context, cfg *StepConfig) *StepResult
	calls       int
}

func (f *fakeStep) Type() string { return f.typeName }

func (f *fakeStep) Validate(cfg *StepConfig) error { return f.validateErr }

func (f *fakeStep) Execute(ctx context.Context, ec *Context, cfg *StepConfig) *StepResult {
	f.calls++
	if f.execute != nil {
		return f.execute(ctx, ec, cfg)
	}
	return Success(map[string]any{"ok": true})
}

func newTestEngine(steps ...Step) *Engine {
	reg := NewRegistry()
	for _, s := range steps {
		reg.Register(s)
	}
	return New(reg, logger.Discard())
}

func run(t *testing.T, e *Engine, def *Definition) *Result {
	t.Helper()
	return e.Execute(context.Background(), def, RunInputs{
		WorkflowID: "wf-1",
		ProjectID:  "proj-1",
	})
}

func TestExecuteRunsStepsInOrder(t *testing.T) {
	var order []string
	mk := func(name string) *fakeStep {
		return &fakeStep{typeName: name, execute: func(ctx context.Context, ec *Context, cfg *StepConfig) *StepResult {
			order = append(order, cfg.Name)
			return Success(map[string]any{"step": cfg.Name})
		}}
	}
	e := newTestEngine(mk("a"), mk("b"), mk("c"))

	def := &Definition{Name: "ordered", Steps: []StepConfig{
		{Name: "first", Type: "a"},
		{Name: "second", Type: "b"},
		{Name: "third", Type: "c"},
	}}

	res := run(t, e, def)
	require.True(t, res.Success)
	assert.Equal(t, []string{"first", "second", "third"}, order)
	assert.Equal(t, []string{"first", "second", "third"}, res.CompletedSteps)
}

func TestExecuteConditionFalseSkips(t *testing.T) {
	step := &fakeStep{typeName: "noop"}
	e := newTestEngine(step)

	def := &Definition{Name: "gated", Steps: []StepConfig{
		{Name: "guarded", Type: "noop", Condition: "${missing_flag}"},
	}}

	res := run(t, e, def)
	require.True(t, res.Success)
	assert.Zero(t, step.calls)
	assert.Equal(t, []string{"guarded"}, res.SkippedSteps)

	out, ok := res.FinalContext.GetStepOutput("guarded")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"skipped": true}, out)
}

func TestExecuteConditionReadsEarlierOutputs(t *testing.T) {
	producer := &fakeStep{typeName: "produce", execute: func(ctx context.Context, ec *Context, cfg *StepConfig) *StepResult {
		return Success(map[string]any{"status": "pass"})
	}}
	consumer := &fakeStep{typeName: "consume"}
	e := newTestEngine(producer, consumer)

	def := &Definition{Name: "chained", Steps: []StepConfig{
		{Name: "check", Type: "produce"},
		{Name: "follow", Type: "consume", Condition: "${check.status == 'pass'}"},
	}}

	res := run(t, e, def)
	require.True(t, res.Success)
	assert.Equal(t, 1, consumer.calls)
}

func TestExecuteValidateFailureFailsWorkflow(t *testing.T) {
	step := &fakeStep{typeName: "strict", validateErr: errors.New("missing persona")}
	e := newTestEngine(step)

	def := &Definition{Name: "invalid", Steps: []StepConfig{
		{Name: "bad", Type: "strict"},
	}}

	res := run(t, e, def)
	require.False(t, res.Success)
	assert.Equal(t, "bad", res.FailedStep)
	assert.ErrorIs(t, res.Err, ErrConfig)
	assert.Zero(t, step.calls)
}

func TestExecuteUnknownStepType(t *testing.T) {
	e := newTestEngine()

	def := &Definition{Name: "unknown", Steps: []StepConfig{
		{Name: "mystery", Type: "never_registered"},
	}}

	res := run(t, e, def)
	require.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrConfig)
}

func TestExecuteRetriesThenSucceeds(t *testing.T) {
	step := &fakeStep{typeName: "flaky"}
	step.execute = func(ctx context.Context, ec *Context, cfg *StepConfig) *StepResult {
		if step.calls < 2 {
			return Failure(errors.New("transient"))
		}
		return Success(map[string]any{"attempt": step.calls})
	}
	e := newTestEngine(step)

	def := &Definition{Name: "retrying", Steps: []StepConfig{
		{Name: "work", Type: "flaky", MaxRetries: 2},
	}}

	start := time.Now()
	res := run(t, e, def)
	require.True(t, res.Success)
	assert.Equal(t, 2, step.calls)
	// One retry means one backoff sleep of at least the base delay.
	assert.GreaterOrEqual(t, time.Since(start), retryBackoffBase)
}

func TestExecuteRetriesExhausted(t *testing.T) {
	step := &fakeStep{typeName: "broken", execute: func(ctx context.Context, ec *Context, cfg *StepConfig) *StepResult {
		return Failure(errors.New("still down"))
	}}
	e := newTestEngine(step)

	def := &Definition{Name: "doomed", Steps: []StepConfig{
		{Name: "work", Type: "broken", MaxRetries: 1},
	}}

	res := run(t, e, def)
	require.False(t, res.Success)
	assert.Equal(t, "work", res.FailedStep)
	assert.Equal(t, 2, step.calls)
}

func TestExecuteTimeoutMarksStepTimeout(t *testing.T) {
	step := &fakeStep{typeName: "slow", execute: func(ctx context.Context, ec *Context, cfg *StepConfig) *StepResult {
		<-ctx.Done()
		return Failure(ctx.Err())
	}}
	e := newTestEngine(step)

	def := &Definition{Name: "timed", Steps: []StepConfig{
		{Name: "slow_step", Type: "slow", TimeoutMS: 20},
	}}

	res := run(t, e, def)
	require.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrStepTimeout)
}

func TestExecuteAbortOnFailureFalseContinues(t *testing.T) {
	off := false
	failing := &fakeStep{typeName: "fail", execute: func(ctx context.Context, ec *Context, cfg *StepConfig) *StepResult {
		return Failure(errors.New("tolerated"))
	}}
	after := &fakeStep{typeName: "after"}
	e := newTestEngine(failing, after)

	def := &Definition{Name: "tolerant", Steps: []StepConfig{
		{Name: "optional", Type: "fail", AbortOnFailure: &off},
		{Name: "final", Type: "after"},
	}}

	res := run(t, e, def)
	require.True(t, res.Success)
	assert.Equal(t, 1, after.calls)
	assert.Equal(t, []string{"optional"}, res.FailedSteps)

	out, ok := res.FinalContext.GetStepOutput("optional")
	require.True(t, ok)
	assert.Equal(t, true, out.(map[string]any)["failed"])
}

func TestExecuteOutputAliases(t *testing.T) {
	producer := &fakeStep{typeName: "produce", execute: func(ctx context.Context, ec *Context, cfg *StepConfig) *StepResult {
		return Success(map[string]any{"branch_name": "feature/x", "sha": "abc123"})
	}}
	e := newTestEngine(producer)

	def := &Definition{Name: "aliased", Steps: []StepConfig{
		{
			Name: "create_branch", Type: "produce",
			Outputs: map[string]string{"work_branch": "branch_name"},
		},
	}}

	res := run(t, e, def)
	require.True(t, res.Success)

	v, ok := res.FinalContext.GetVariable("work_branch")
	require.True(t, ok)
	assert.Equal(t, "feature/x", v)

	// Unaliased outputs are still reachable through the step output map.
	out, _ := res.FinalContext.GetStepOutput("create_branch")
	assert.Equal(t, "abc123", out.(map[string]any)["sha"])
}

func TestExecuteStepSkipsItself(t *testing.T) {
	step := &fakeStep{typeName: "self_skip", execute: func(ctx context.Context, ec *Context, cfg *StepConfig) *StepResult {
		return Skipped("nothing to do")
	}}
	e := newTestEngine(step)

	def := &Definition{Name: "lazy", Steps: []StepConfig{
		{Name: "maybe", Type: "self_skip"},
	}}

	res := run(t, e, def)
	require.True(t, res.Success)
	assert.Equal(t, []string{"maybe"}, res.SkippedSteps)

	out, _ := res.FinalContext.GetStepOutput("maybe")
	assert.Equal(t, "nothing to do", out.(map[string]any)["reason"])
}

func TestExecuteCleanupRunsOnAbortingFailure(t *testing.T) {
	step := &cleanupStep{fakeStep: fakeStep{typeName: "messy", execute: func(ctx context.Context, ec *Context, cfg *StepConfig) *StepResult {
		return Failure(errors.New("boom"))
	}}}
	e := newTestEngine(step)

	def := &Definition{Name: "cleaning", Steps: []StepConfig{
		{Name: "work", Type: "messy"},
	}}

	res := run(t, e, def)
	require.False(t, res.Success)
	assert.True(t, step.cleaned)
}

type cleanupStep struct {
	fakeStep
	cleaned bool
}

func (c *cleanupStep) Cleanup(ctx context.Context, ec *Context, cfg *StepConfig) {
	c.cleaned = true
}

func TestExecuteInitialVariablesVisible(t *testing.T) {
	step := &fakeStep{typeName: "echo", execute: func(ctx context.Context, ec *Context, cfg *StepConfig) *StepResult {
		v, _ := ec.GetVariable("task_id")
		return Success(map[string]any{"seen": v})
	}}
	e := newTestEngine(step)

	def := &Definition{Name: "seeded", Steps: []StepConfig{
		{Name: "read", Type: "echo"},
	}}

	res := e.Execute(context.Background(), def, RunInputs{
		WorkflowID:       "wf-2",
		InitialVariables: map[string]any{"task_id": "T-42"},
	})
	require.True(t, res.Success)

	out, _ := res.FinalContext.GetStepOutput("read")
	assert.Equal(t, "T-42", out.(map[string]any)["seen"])
}

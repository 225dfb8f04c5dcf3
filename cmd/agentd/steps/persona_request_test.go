package steps

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multiagent/ma/cmd/agentd/engine"
	"github.com/multiagent/ma/common/persona"
)

func TestPersonaRequestStepSuccess(t *testing.T) {
	f := newFixture(t)
	stop := f.startResponder(t, func(fields map[string]string) map[string]any {
		assert.Equal(t, "implementation-planner", fields[persona.FieldToPersona])
		return map[string]any{"status": "pass", "plan": "do the thing"}
	})
	defer stop()

	ec := f.newContext(t, t.TempDir())
	step := &PersonaRequestStep{deps: f.deps}
	cfg := &engine.StepConfig{
		Name: "plan_task",
		Type: TypePersonaRequest,
		Config: map[string]any{
			"persona": "implementation-planner",
			"intent":  "plan",
			"payload": map[string]any{"task": "T-1"},
		},
	}
	require.NoError(t, step.Validate(cfg))

	res := step.Execute(context.Background(), ec, cfg)
	require.Equal(t, engine.StatusSuccess, res.Status)
	assert.Equal(t, persona.StatusPass, res.Outputs["status"])
	assert.NotEmpty(t, res.Outputs["corr_id"])

	status, ok := ec.GetVariable("plan_task_status")
	require.True(t, ok)
	assert.Equal(t, persona.StatusPass, status)
}

func TestPersonaRequestStepFailStatus(t *testing.T) {
	f := newFixture(t)
	stop := f.startResponder(t, func(fields map[string]string) map[string]any {
		return map[string]any{"status": "failed", "reason": "missing input"}
	})
	defer stop()

	ec := f.newContext(t, t.TempDir())
	step := &PersonaRequestStep{deps: f.deps}
	cfg := &engine.StepConfig{
		Name:   "review",
		Type:   TypePersonaRequest,
		Config: map[string]any{"persona": "code-reviewer"},
	}

	res := step.Execute(context.Background(), ec, cfg)
	require.Equal(t, engine.StatusFailure, res.Status)
	assert.ErrorIs(t, res.Err, ErrPersonaFailure)

	status, _ := ec.GetVariable("review_status")
	assert.Equal(t, persona.StatusFail, status)

	// The reply body survives the failure for later steps.
	result, ok := ec.GetVariable("review_result")
	require.True(t, ok)
	assert.Equal(t, "missing input", result.(map[string]any)["reason"])
}

func TestPersonaRequestStepSkipFlag(t *testing.T) {
	f := newFixture(t)

	ec := f.newContext(t, t.TempDir())
	ec.SetVariable(VarSkipPersonas, true)

	step := &PersonaRequestStep{deps: f.deps}
	res := step.Execute(context.Background(), ec, &engine.StepConfig{
		Name:   "plan",
		Config: map[string]any{"persona": "implementation-planner"},
	})
	assert.Equal(t, engine.StatusSkipped, res.Status)
}

func TestPersonaRequestStepValidateRequiresPersona(t *testing.T) {
	step := &PersonaRequestStep{}
	err := step.Validate(&engine.StepConfig{Name: "x", Config: map[string]any{}})
	require.Error(t, err)
}

func TestPersonaRequestStepResolvesTemplates(t *testing.T) {
	f := newFixture(t)

	var seenPersona string
	stop := f.startResponder(t, func(fields map[string]string) map[string]any {
		seenPersona = fields[persona.FieldToPersona]
		return map[string]any{"status": "ok"}
	})
	defer stop()

	ec := f.newContext(t, t.TempDir())
	ec.SetVariable("target", "tester-qa")

	step := &PersonaRequestStep{deps: f.deps}
	res := step.Execute(context.Background(), ec, &engine.StepConfig{
		Name:   "qa",
		Config: map[string]any{"persona": "${target}"},
	})
	require.Equal(t, engine.StatusSuccess, res.Status)
	assert.Equal(t, "tester-qa", seenPersona)
}

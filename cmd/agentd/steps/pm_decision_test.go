package steps

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multiagent/ma/cmd/agentd/decision"
	"github.com/multiagent/ma/cmd/agentd/engine"
)

func TestPMDecisionParserStepParsesAndRoutes(t *testing.T) {
	f := newFixture(t)
	ec := f.newContext(t, t.TempDir())
	ec.SetVariable("milestone_id", "m-123")
	ec.SetVariable("backlog_milestone_id", "m-backlog")

	// The PM persona's reply as a persona_request step stored it.
	ec.SetStepOutput("pm_review", map[string]any{
		"status": "pass",
		"result": map[string]any{
			"decision":  "immediate_fix",
			"reasoning": "QA found a regression",
			"follow_up_tasks": []any{
				map[string]any{"title": "🚨 [QA] Fix test timeout", "priority": "critical"},
			},
		},
	})

	step := &PMDecisionParserStep{deps: f.deps}
	cfg := &engine.StepConfig{
		Name: "parse_decision",
		Config: map[string]any{
			"source_step": "pm_review",
			"review_type": "qa",
		},
	}
	require.NoError(t, step.Validate(cfg))

	res := step.Execute(context.Background(), ec, cfg)
	require.Equal(t, engine.StatusSuccess, res.Status)
	assert.Equal(t, decision.ImmediateFix, res.Outputs["decision"])

	record, ok := res.Outputs["record"].(*decision.PMDecision)
	require.True(t, ok)
	require.Len(t, record.FollowUpTasks, 1)
	assert.Equal(t, decision.ScoreQAUrgent, record.FollowUpTasks[0].PriorityScore)
	assert.Equal(t, "m-123", record.FollowUpTasks[0].MilestoneID)
	assert.Equal(t, decision.DefaultAssignee, record.FollowUpTasks[0].AssigneePersona)
}

func TestPMDecisionParserStepMissingSource(t *testing.T) {
	f := newFixture(t)
	ec := f.newContext(t, t.TempDir())

	step := &PMDecisionParserStep{deps: f.deps}
	res := step.Execute(context.Background(), ec, &engine.StepConfig{
		Name:   "parse_decision",
		Config: map[string]any{"source_step": "never_ran"},
	})
	require.Equal(t, engine.StatusFailure, res.Status)
	assert.ErrorIs(t, res.Err, engine.ErrContract)
}

func TestPMDecisionParserStepLenientOnProse(t *testing.T) {
	f := newFixture(t)
	ec := f.newContext(t, t.TempDir())
	ec.SetStepOutput("pm_review", map[string]any{
		"result": "I think we should hold off on this.",
	})

	step := &PMDecisionParserStep{deps: f.deps}
	res := step.Execute(context.Background(), ec, &engine.StepConfig{
		Name:   "parse_decision",
		Config: map[string]any{"source_step": "pm_review", "review_type": "code_review"},
	})

	// Unparseable input still yields a decision, never a step failure.
	require.Equal(t, engine.StatusSuccess, res.Status)
	assert.Equal(t, decision.Defer, res.Outputs["decision"])
}

package steps

import (
	"context"
	"fmt"

	"github.com/multiagent/ma/cmd/agentd/decision"
	"github.com/multiagent/ma/cmd/agentd/engine"
)

// PMDecisionParserStep normalizes a PM persona's reply into a canonical
// decision record and routes its follow-up tasks to milestones.
type PMDecisionParserStep struct {
	deps Deps
}

func (s *PMDecisionParserStep) Type() string { return TypePMDecisionParser }

func (s *PMDecisionParserStep) Validate(cfg *engine.StepConfig) error {
	return requireKey(cfg, "source_step")
}

func (s *PMDecisionParserStep) Execute(ctx context.Context, ec *engine.Context, cfg *engine.StepConfig) *engine.StepResult {
	conf := resolveConfig(ec, cfg)
	sourceStep := cfgString(conf, "source_step")
	reviewType := cfgString(conf, "review_type")

	raw, ok := ec.GetStepOutput(sourceStep)
	if !ok {
		return engine.Failure(fmt.Errorf("source step %s has no output: %w", sourceStep, engine.ErrContract))
	}
	if obj, isMap := raw.(map[string]any); isMap {
		// Persona request steps wrap the reply; parse the reply itself.
		if inner, present := obj["result"]; present {
			raw = inner
		}
	}

	d := decision.Parse(raw, reviewType)
	decision.Route(d, decision.Routing{
		ReviewType:            reviewType,
		MilestoneID:           stringVar(ec, conf, "milestone_id"),
		ParentTaskMilestoneID: stringVar(ec, conf, "parent_task_milestone_id"),
		BacklogMilestoneID:    stringVar(ec, conf, "backlog_milestone_id"),
	})

	for _, warning := range d.Warnings {
		ec.Logger.Warn("pm decision warning", "step", cfg.Name, "warning", warning)
	}

	return engine.Success(map[string]any{
		"record":          d,
		"decision":        d.Decision,
		"reasoning":       d.Reasoning,
		"detected_stage":  d.DetectedStage,
		"follow_up_tasks": tasksAsAny(d.FollowUpTasks),
		"warnings":        d.Warnings,
	})
}

// stringVar reads a setting from step config first, then workflow variables.
func stringVar(ec *engine.Context, conf map[string]any, key string) string {
	if s := cfgString(conf, key); s != "" {
		return s
	}
	if v, ok := ec.GetVariable(key); ok {
		if s, isStr := v.(string); isStr {
			return s
		}
	}
	return ""
}

func tasksAsAny(tasks []decision.Task) []any {
	out := make([]any, len(tasks))
	for i, t := range tasks {
		out[i] = map[string]any{
			"title":            t.Title,
			"description":      t.Description,
			"priority":         t.Priority,
			"priority_score":   t.PriorityScore,
			"milestone_id":     t.MilestoneID,
			"assignee_persona": t.AssigneePersona,
		}
	}
	return out
}

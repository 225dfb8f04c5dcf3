package steps

import (
	"context"
	"fmt"

	"github.com/multiagent/ma/cmd/agentd/decision"
	"github.com/multiagent/ma/cmd/agentd/engine"
	"github.com/multiagent/ma/cmd/agentd/review"
	"github.com/multiagent/ma/common/clients"
	"github.com/multiagent/ma/common/persona"
)

// ReviewCoordinationStep acts on a failed qa/code_review/security_review:
// it guards PM decisions against ignoring QA test failures, then either
// creates the decision's follow-up tasks on the dashboard or iterates the
// plan through an evaluator/planner cycle.
type ReviewCoordinationStep struct {
	deps Deps
}

func (s *ReviewCoordinationStep) Type() string { return TypeReviewCoordination }

func (s *ReviewCoordinationStep) Validate(cfg *engine.StepConfig) error {
	if err := requireKey(cfg, "review_type"); err != nil {
		return err
	}
	if rt, ok := cfg.Config["review_type"].(string); ok {
		switch rt {
		case "qa", "code_review", "security_review", "":
		default:
			return fmt.Errorf("step %s: unsupported review_type %q", cfg.Name, rt)
		}
	}
	return requireKey(cfg, "decision_step")
}

func (s *ReviewCoordinationStep) Execute(ctx context.Context, ec *engine.Context, cfg *engine.StepConfig) *engine.StepResult {
	conf := resolveConfig(ec, cfg)
	reviewType := cfgString(conf, "review_type")

	status := s.reviewStatus(ec, conf)
	d := s.decisionRecord(ec, conf)

	if reviewType == "qa" && d != nil {
		issues := blockingIssues(conf, ec)
		if err := review.GuardQAFollowUps(issues, d); err != nil {
			return engine.Failure(err)
		}
	}

	outcome := review.Coordinate(review.CoordinationInput{
		ReviewType: reviewType,
		Status:     status,
		Decision:   d,
		TaskOrigin: stringVar(ec, conf, "task_origin"),
		Mode:       cfgString(conf, "mode"),
	})

	outputs := map[string]any{
		"action": outcome.Action,
		"urgent": outcome.Urgent,
		"status": status,
	}

	switch outcome.Action {
	case review.ActionNone:
		return engine.Success(outputs)

	case review.ActionCreateTasks:
		created, err := s.createFollowUps(ctx, ec, d, reviewType, outcome.Urgent)
		if err != nil {
			return engine.Failure(err)
		}
		outputs["created_tasks"] = created
		return engine.Success(outputs)

	default: // review.ActionIteratePlan
		iterations, finalStatus, err := s.iteratePlan(ctx, ec, conf, outcome.MaxPlanRevisions)
		if err != nil {
			return engine.Failure(err)
		}
		outputs["plan_iterations"] = iterations
		outputs["plan_status"] = finalStatus
		return engine.Success(outputs)
	}
}

// reviewStatus resolves the reviewer verdict: explicit config, then the
// review step's status variable, then the review step's output.
func (s *ReviewCoordinationStep) reviewStatus(ec *engine.Context, conf map[string]any) string {
	if explicit := cfgString(conf, "status"); explicit != "" {
		return persona.NormalizeStatus(explicit)
	}

	reviewStep := cfgString(conf, "review_step")
	if reviewStep == "" {
		return persona.StatusUnknown
	}

	statusVar, _ := ec.GetVariable(reviewStep + "_status")
	var result map[string]any
	var raw string
	if out, ok := ec.GetStepOutput(reviewStep); ok {
		if obj, isMap := out.(map[string]any); isMap {
			if inner, isInner := obj["result"].(map[string]any); isInner {
				result = inner
			} else {
				result = obj
			}
			raw, _ = obj["raw"].(string)
		}
	}
	return review.ResolveStatus(statusVar, result, raw, nil)
}

// decisionRecord recovers the parsed PMDecision from the decision step's
// output, falling back to re-parsing its raw form.
func (s *ReviewCoordinationStep) decisionRecord(ec *engine.Context, conf map[string]any) *decision.PMDecision {
	decisionStep := cfgString(conf, "decision_step")
	out, ok := ec.GetStepOutput(decisionStep)
	if !ok {
		return nil
	}
	obj, isMap := out.(map[string]any)
	if !isMap {
		return decision.Parse(out, cfgString(conf, "review_type"))
	}
	if d, isRecord := obj["record"].(*decision.PMDecision); isRecord {
		return d
	}
	return decision.Parse(obj, cfgString(conf, "review_type"))
}

// blockingIssues reads the review's blocking findings from config or the
// review step's result.
func blockingIssues(conf map[string]any, ec *engine.Context) []review.BlockingIssue {
	raw, ok := conf["blocking_issues"]
	if !ok {
		if reviewStep := cfgString(conf, "review_step"); reviewStep != "" {
			if out, has := ec.GetStepOutput(reviewStep); has {
				if obj, isMap := out.(map[string]any); isMap {
					if result, isInner := obj["result"].(map[string]any); isInner {
						raw = result["blocking_issues"]
					} else {
						raw = obj["blocking_issues"]
					}
				}
			}
		}
	}

	items, isList := raw.([]any)
	if !isList {
		return nil
	}
	issues := make([]review.BlockingIssue, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case map[string]any:
			title, _ := v["title"].(string)
			desc, _ := v["description"].(string)
			issues = append(issues, review.BlockingIssue{Title: title, Description: desc})
		case string:
			issues = append(issues, review.BlockingIssue{Description: v})
		}
	}
	return issues
}

// createFollowUps writes the decision's tasks to the dashboard. Security
// findings stay urgent regardless of the PM's priority.
func (s *ReviewCoordinationStep) createFollowUps(ctx context.Context, ec *engine.Context, d *decision.PMDecision, reviewType string, urgent bool) ([]string, error) {
	if d == nil || len(d.FollowUpTasks) == 0 {
		return nil, nil
	}

	created := make([]string, 0, len(d.FollowUpTasks))
	for _, t := range d.FollowUpTasks {
		score := t.PriorityScore
		if reviewType == "security_review" && score < decision.ScoreUrgent {
			score = decision.ScoreUrgent
		}
		id, err := s.deps.Dashboard.CreateTask(ctx, ec.ProjectID, clients.Task{
			Title:           t.Title,
			Description:     t.Description,
			Priority:        score,
			MilestoneID:     t.MilestoneID,
			AssigneePersona: t.AssigneePersona,
			ParentTaskID:    ec.TaskID,
			Origin:          review.OriginReviewFollowup,
		})
		if err != nil {
			return created, fmt.Errorf("create follow-up task %q: %w", t.Title, err)
		}
		created = append(created, id)
	}
	ec.Logger.Info("created review follow-up tasks",
		"review_type", reviewType,
		"count", len(created),
		"urgent", urgent)
	return created, nil
}

// iteratePlan runs evaluator->planner cycles until the evaluator passes or
// the revision budget runs out. It reuses the analysis loop with the roles
// swapped: the planner revises, the evaluator judges.
func (s *ReviewCoordinationStep) iteratePlan(ctx context.Context, ec *engine.Context, conf map[string]any, maxRevisions int) (int, string, error) {
	if flagSet(ec, VarSkipPersonas) {
		return 0, persona.StatusUnknown, nil
	}

	planner := cfgString(conf, "planner_persona")
	if planner == "" {
		planner = decision.DefaultAssignee
	}
	evaluator := cfgString(conf, "evaluator_persona")
	if evaluator == "" {
		evaluator = "plan-evaluator"
	}

	loopStep := &AnalysisReviewLoopStep{deps: s.deps}
	res, err := review.RunLoop(ctx, review.LoopConfig{
		AnalystPersona:  planner,
		ReviewerPersona: evaluator,
		MaxIterations:   maxRevisions,
		AnalysisStep:    "plan_revision",
		AnalysisIntent:  "revise_plan",
		ReviewStep:      "plan_evaluation",
		ReviewIntent:    "evaluate_plan",
		AnalysisTimeout: s.deps.personaTimeout(),
		ReviewTimeout:   s.deps.personaTimeout(),
		AutoPassReason:  "plan revision budget exhausted",
		LookupVar:       ec.GetVariable,
	}, cfgMap(conf, "payload"), loopStep.invoker(ec), ec.Logger)
	if err != nil {
		return 0, persona.StatusUnknown, err
	}
	return res.Iterations, res.FinalStatus, nil
}

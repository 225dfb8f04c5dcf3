package review

import (
	"github.com/multiagent/ma/cmd/agentd/decision"
	"github.com/multiagent/ma/common/persona"
)

// DefaultMaxPlanRevisions bounds evaluator->planner cycles during plan
// iteration.
const DefaultMaxPlanRevisions = 5

// Actions a failed review can resolve to.
const (
	ActionNone        = "none"
	ActionCreateTasks = "create_tasks"
	ActionIteratePlan = "iterate_plan"
)

// OriginReviewFollowup marks tasks that were themselves spawned by an
// earlier review failure.
const OriginReviewFollowup = "review-followup"

// CoordinationInput describes one failed (or passed) review to resolve.
type CoordinationInput struct {
	ReviewType string // qa, code_review, security_review
	Status     string // normalized reviewer status
	Decision   *decision.PMDecision
	TaskOrigin string // origin of the task under review
	Mode       string // "auto" (default), "create_tasks", "iterate_plan"
}

// CoordinationOutcome is the resolved plan of action.
type CoordinationOutcome struct {
	Action           string
	Urgent           bool
	MaxPlanRevisions int
}

// Coordinate decides how a review outcome is acted on. A pass is a no-op.
// Otherwise the default is to create follow-up tasks, unless the reviewed
// task is itself a review follow-up, in which case the plan is iterated
// instead of stacking another generation of tasks. Security findings are
// always urgent.
func Coordinate(in CoordinationInput) CoordinationOutcome {
	if in.Status == persona.StatusPass {
		return CoordinationOutcome{Action: ActionNone}
	}

	out := CoordinationOutcome{
		Urgent:           true,
		MaxPlanRevisions: DefaultMaxPlanRevisions,
	}
	if in.ReviewType != "security_review" && in.Decision != nil && in.Decision.Decision == decision.Defer {
		out.Urgent = false
	}

	switch in.Mode {
	case ActionCreateTasks:
		out.Action = ActionCreateTasks
	case ActionIteratePlan:
		out.Action = ActionIteratePlan
	default:
		if in.TaskOrigin == OriginReviewFollowup {
			out.Action = ActionIteratePlan
		} else {
			out.Action = ActionCreateTasks
		}
	}

	if in.ReviewType == "security_review" {
		out.Urgent = true
	}
	return out
}

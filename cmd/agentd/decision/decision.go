// Package decision turns heterogeneous PM persona replies into a canonical
// decision record. Personas return anything from clean JSON to prose with a
// fenced JSON block inside several layers of envelope objects; parsing is
// tiered and lenient, surfacing shape problems as warnings instead of errors.
package decision

// Decision values.
const (
	ImmediateFix = "immediate_fix"
	Defer        = "defer"
)

// Priority buckets assigned during normalization.
const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityMedium   = "medium"
	PriorityLow      = "low"
)

// Priority scores assigned during routing.
const (
	ScoreQAUrgent = 1200
	ScoreUrgent   = 1000
	ScoreBacklog  = 50
)

// DefaultAssignee is forced onto every follow-up task.
const DefaultAssignee = "implementation-planner"

// Warning strings with fixed wording. Downstream tooling greps for these.
const (
	WarnDeprecatedBacklog  = `PM used deprecated "backlog" field`
	WarnBothTaskFields     = `PM returned both "backlog" and "follow_up_tasks"`
	WarnImmediateNoTasks   = `PM set immediate_fix=true but provided no tasks`
	WarnParentMilestone    = `Parent milestone not found`
	WarnMilestonePromotion = `PM returned milestone_updates instead of follow_up_tasks`
)

// Task is one normalized follow-up task.
type Task struct {
	Title           string `json:"title"`
	Description     string `json:"description"`
	Priority        string `json:"priority"`
	PriorityScore   int    `json:"priority_score"`
	MilestoneID     string `json:"milestone_id"`
	AssigneePersona string `json:"assignee_persona"`
}

// PMDecision is the canonical decision record.
type PMDecision struct {
	Decision        string   `json:"decision"`
	Reasoning       string   `json:"reasoning"`
	DetectedStage   string   `json:"detected_stage,omitempty"`
	ImmediateIssues []string `json:"immediate_issues"`
	DeferredIssues  []string `json:"deferred_issues"`
	FollowUpTasks   []Task   `json:"follow_up_tasks"`
	Warnings        []string `json:"warnings,omitempty"`
}

// Meaningful reports whether a parse tier produced usable data: any tasks or
// issues, a nonempty reasoning, or an explicit defer.
func (d *PMDecision) Meaningful() bool {
	return len(d.FollowUpTasks) > 0 ||
		len(d.ImmediateIssues) > 0 ||
		len(d.DeferredIssues) > 0 ||
		d.Reasoning != "" ||
		d.Decision == Defer
}

func (d *PMDecision) warn(msg string) {
	for _, w := range d.Warnings {
		if w == msg {
			return
		}
	}
	d.Warnings = append(d.Warnings, msg)
}

// Routing carries the milestone context for Route.
type Routing struct {
	ReviewType            string
	MilestoneID           string
	ParentTaskMilestoneID string
	BacklogMilestoneID    string
}

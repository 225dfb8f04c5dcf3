package decision

import "strings"

// Route assigns priority scores and milestones to every follow-up task.
// Urgent work (critical or high) lands in the parent milestone with a high
// score; everything else goes to the backlog. Called after Parse.
func Route(d *PMDecision, rc Routing) {
	parent := rc.ParentTaskMilestoneID
	if parent == "" {
		parent = rc.MilestoneID
	}

	for i := range d.FollowUpTasks {
		t := &d.FollowUpTasks[i]
		t.AssigneePersona = DefaultAssignee

		if !urgent(t.Priority) {
			t.PriorityScore = ScoreBacklog
			t.MilestoneID = rc.BacklogMilestoneID
			continue
		}

		if rc.ReviewType == "qa" || containsFold(t.Title, "[qa]") {
			t.PriorityScore = ScoreQAUrgent
		} else {
			t.PriorityScore = ScoreUrgent
		}

		if parent != "" {
			t.MilestoneID = parent
		} else {
			t.MilestoneID = rc.BacklogMilestoneID
			d.warn(WarnParentMilestone)
		}
	}
}

func urgent(priority string) bool {
	return priority == PriorityCritical || priority == PriorityHigh
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

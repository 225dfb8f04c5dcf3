package decision

import "strings"

// normalize enforces the canonical-form invariants after parsing.
func normalize(d *PMDecision, reviewType string) {
	for i := range d.FollowUpTasks {
		d.FollowUpTasks[i].Priority = mapPriority(d.FollowUpTasks[i].Priority)
		d.FollowUpTasks[i].AssigneePersona = DefaultAssignee
	}

	if d.Decision == "" {
		d.Decision = ImmediateFix
	}
	if d.Decision == ImmediateFix && len(d.FollowUpTasks) == 0 {
		d.Decision = Defer
		d.warn(WarnImmediateNoTasks)
	}

	if reviewType == "security_review" && d.DetectedStage == "" {
		d.DetectedStage = inferStage(d.Reasoning)
	}
}

// mapPriority folds free-form priority strings into the four buckets with
// case-insensitive substring matching.
func mapPriority(raw string) string {
	p := strings.ToLower(raw)
	switch {
	case strings.Contains(p, "critical"), strings.Contains(p, "severe"):
		return PriorityCritical
	case strings.Contains(p, "high"), strings.Contains(p, "urgent"):
		return PriorityHigh
	case strings.Contains(p, "low"), strings.Contains(p, "minor"):
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// inferStage guesses a deployment stage from review reasoning when the
// security reviewer did not state one.
func inferStage(reasoning string) string {
	text := strings.ToLower(reasoning)
	switch {
	case strings.Contains(text, "production"), strings.Contains(text, "prod "):
		return "production"
	case strings.Contains(text, "beta"):
		return "beta"
	case strings.Contains(text, "early"), strings.Contains(text, "prototype"), strings.Contains(text, "mvp"):
		return "early"
	default:
		return ""
	}
}

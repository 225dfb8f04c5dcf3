package decision

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

const maxUnwrapDepth = 4

// Wrapper keys searched in order when unwrapping envelope objects. The
// generic carriers come last so a specific key wins at every level.
var wrapperKeys = []string{"pm_decision", "decision_object", "json", "output", "data", "result", "response"}

// Sibling keys that may carry the original reply as a string when the
// structured part of an envelope is empty.
var rawSiblingKeys = []string{"raw", "text", "content", "message"}

// Follow-up task field names in resolution order.
var taskFieldLadder = []string{"follow_up_tasks", "followUpTasks", "followupTasks", "followUp", "follow_up", "tasks"}

var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

var decisionTextRe = regexp.MustCompile(`(?i)"?decision"?\s*[:=]\s*"?(immediate_fix|defer)"?`)

// Parse converts a raw persona reply (string, decoded object, or an envelope
// around either) into a normalized PMDecision. It never fails on non-empty
// input: when no tier yields meaningful data the result is a defer decision
// with empty issue lists and a warning.
func Parse(raw any, reviewType string) *PMDecision {
	d := &PMDecision{
		ImmediateIssues: []string{},
		DeferredIssues:  []string{},
		FollowUpTasks:   []Task{},
	}

	obj, rawFallback := extract(raw, maxUnwrapDepth)
	if obj == nil && rawFallback != "" {
		obj, _ = extract(rawFallback, maxUnwrapDepth)
	}
	if obj == nil {
		if s, ok := raw.(string); ok && strings.TrimSpace(s) != "" {
			extractFromText(d, s)
		}
		if !d.Meaningful() {
			d.Decision = Defer
			d.warn("PM reply could not be parsed into a decision")
		}
		normalize(d, reviewType)
		return d
	}

	populate(d, obj)

	if !d.Meaningful() {
		fallback := rawFallback
		if fallback == "" {
			fallback = firstString(obj, rawSiblingKeys...)
		}
		if fallback != "" {
			if inner, _ := extract(fallback, maxUnwrapDepth); inner != nil {
				populate(d, inner)
			} else {
				extractFromText(d, fallback)
			}
		}
	}

	if !d.Meaningful() {
		d.Decision = Defer
		d.warn("PM reply contained no actionable decision data")
	}

	normalize(d, reviewType)
	return d
}

// extract peels envelopes until it reaches a decision-shaped object. It
// returns the object (nil when none found) plus the best raw-string sibling
// seen along the way.
func extract(raw any, depth int) (map[string]any, string) {
	switch v := raw.(type) {
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil, ""
		}
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err == nil {
			if depth > 0 {
				return extract(decoded, depth-1)
			}
			if obj, ok := decoded.(map[string]any); ok {
				return obj, ""
			}
			return nil, ""
		}
		if m := fencedJSONRe.FindStringSubmatch(s); m != nil {
			var fenced map[string]any
			if err := json.Unmarshal([]byte(m[1]), &fenced); err == nil {
				return fenced, s
			}
		}
		return nil, s

	case map[string]any:
		fallback := firstString(v, rawSiblingKeys...)
		if decisionShaped(v) {
			return v, fallback
		}
		if depth > 0 {
			for _, key := range wrapperKeys {
				inner, present := v[key]
				if !present {
					continue
				}
				switch typed := inner.(type) {
				case map[string]any:
					obj, innerFallback := extract(typed, depth-1)
					if innerFallback == "" {
						innerFallback = fallback
					}
					if obj != nil {
						return obj, innerFallback
					}
				case string:
					obj, innerFallback := extract(typed, depth-1)
					if obj != nil {
						return obj, innerFallback
					}
				}
			}
		}
		return v, fallback

	default:
		return nil, ""
	}
}

// decisionShaped reports whether an object carries decision fields directly,
// in which case no further unwrapping happens.
func decisionShaped(obj map[string]any) bool {
	probes := append([]string{"decision", "immediate_fix", "immediate_issues", "deferred_issues", "backlog"}, taskFieldLadder...)
	for _, key := range probes {
		if _, ok := obj[key]; ok {
			return true
		}
	}
	return false
}

// populate fills d from a decision-shaped object: issues, tasks with the
// field ladder, backlog merge, and decision resolution.
func populate(d *PMDecision, obj map[string]any) {
	d.Reasoning = firstString(obj, "reasoning", "rationale", "explanation")
	d.DetectedStage = firstString(obj, "detected_stage", "stage")
	d.ImmediateIssues = stringList(obj["immediate_issues"])
	d.DeferredIssues = stringList(obj["deferred_issues"])

	var tasks []Task
	for _, field := range taskFieldLadder {
		if raw, ok := obj[field]; ok {
			if parsed := taskList(raw); len(parsed) > 0 {
				tasks = parsed
				break
			}
		}
	}
	if len(tasks) == 0 {
		if raw, ok := obj["milestone_updates"]; ok {
			if promoted := taskList(raw); len(promoted) > 0 {
				tasks = promoted
				d.warn(WarnMilestonePromotion)
			}
		}
	}

	if rawBacklog, ok := obj["backlog"]; ok {
		backlog := taskList(rawBacklog)
		if len(backlog) > 0 {
			d.warn(WarnDeprecatedBacklog)
			if len(tasks) > 0 {
				d.warn(WarnBothTaskFields)
			}
			tasks = append(tasks, backlog...)
		}
	}
	d.FollowUpTasks = tasks

	d.Decision = resolveDecision(obj)
}

// resolveDecision applies the field precedence: a status matching
// immediate_fix, then the immediate_fix boolean, then an explicit defer,
// defaulting to immediate_fix.
func resolveDecision(obj map[string]any) string {
	if status := firstString(obj, "status"); status != "" {
		if strings.Contains(strings.ToLower(status), ImmediateFix) {
			return ImmediateFix
		}
	}
	if b, ok := obj["immediate_fix"].(bool); ok {
		if b {
			return ImmediateFix
		}
		return Defer
	}
	if dec := firstString(obj, "decision"); dec != "" {
		if strings.EqualFold(strings.TrimSpace(dec), Defer) {
			return Defer
		}
	}
	return ImmediateFix
}

// extractFromText is the last parse tier: pull a decision keyword out of
// prose and keep the prose as reasoning.
func extractFromText(d *PMDecision, text string) {
	text = strings.TrimSpace(text)
	if m := decisionTextRe.FindStringSubmatch(text); m != nil {
		d.Decision = strings.ToLower(m[1])
	}
	d.Reasoning = text
}

// taskList decodes a task array that may arrive as a decoded slice or as a
// JSON-stringified one.
func taskList(raw any) []Task {
	switch v := raw.(type) {
	case []any:
		tasks := make([]Task, 0, len(v))
		for _, item := range v {
			if t, ok := taskFrom(item); ok {
				tasks = append(tasks, t)
			}
		}
		return tasks
	case string:
		var decoded []any
		if err := json.Unmarshal([]byte(v), &decoded); err != nil {
			return nil
		}
		return taskList(decoded)
	default:
		return nil
	}
}

func taskFrom(item any) (Task, bool) {
	switch v := item.(type) {
	case map[string]any:
		t := Task{
			Title:       firstString(v, "title", "name"),
			Description: firstString(v, "description", "details", "body"),
			Priority:    firstString(v, "priority"),
			MilestoneID: firstString(v, "milestone_id", "milestoneId"),
		}
		if t.Title == "" && t.Description == "" {
			return Task{}, false
		}
		return t, true
	case string:
		if strings.TrimSpace(v) == "" {
			return Task{}, false
		}
		return Task{Title: v}, true
	default:
		return Task{}, false
	}
}

func stringList(raw any) []string {
	out := []string{}
	items, ok := raw.([]any)
	if !ok {
		return out
	}
	for _, item := range items {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case map[string]any:
			if s := firstString(v, "title", "description", "issue"); s != "" {
				out = append(out, s)
			}
		default:
			out = append(out, fmt.Sprintf("%v", v))
		}
	}
	return out
}

func firstString(obj map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := obj[key].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

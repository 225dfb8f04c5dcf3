// Package review interprets reviewer verdicts and coordinates what happens
// after a failed review: the analyst revision loop, the QA follow-up guard,
// and the choice between spawning follow-up tasks and iterating the plan.
package review

import (
	"strings"

	"github.com/multiagent/ma/common/persona"
)

// Interpreter turns a raw reviewer reply string into pass/fail/unknown.
// Personas phrase verdicts differently, so the interpreter is pluggable.
type Interpreter func(raw string) string

// DefaultInterpreter scans free text for verdict keywords. Negative phrasing
// is checked first so "not approved" does not read as a pass.
func DefaultInterpreter(raw string) string {
	text := strings.ToLower(raw)
	if text == "" {
		return persona.StatusUnknown
	}

	negatives := []string{"not approved", "not pass", "rejected", "fail", "needs revision", "changes requested", "revisions required"}
	for _, kw := range negatives {
		if strings.Contains(text, kw) {
			return persona.StatusFail
		}
	}

	positives := []string{"approved", "pass", "lgtm", "looks good", "no issues", "ok to merge"}
	for _, kw := range positives {
		if strings.Contains(text, kw) {
			return persona.StatusPass
		}
	}
	return persona.StatusUnknown
}

// ResolveStatus determines a review step's verdict. Precedence: an explicit
// {step}_status variable set by the invocation, then the result's status
// field, then interpretation of the raw reply.
func ResolveStatus(statusVar any, result map[string]any, raw string, interp Interpreter) string {
	if s, ok := statusVar.(string); ok && s != "" {
		return persona.NormalizeStatus(s)
	}

	if result != nil {
		if s, ok := result["status"].(string); ok && s != "" {
			if normalized := persona.NormalizeStatus(s); normalized != persona.StatusUnknown {
				return normalized
			}
		}
	}

	if interp == nil {
		interp = DefaultInterpreter
	}
	return interp(raw)
}

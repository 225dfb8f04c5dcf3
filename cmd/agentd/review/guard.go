package review

import (
	"fmt"
	"strings"

	"github.com/multiagent/ma/cmd/agentd/decision"
)

// ErrGuardMessage is the fixed substring operators grep for when the guard
// rejects a PM decision.
const ErrGuardMessage = "PM decision ignored QA test failure"

// BlockingIssue is one blocking finding from a QA review.
type BlockingIssue struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

func (b BlockingIssue) text() string {
	return strings.ToLower(b.Title + " " + b.Description)
}

var testKeywords = []string{"test", "spec", "coverage", "assertion", "regression"}

var infraKeywords = []string{"framework", "harness", "infrastructure", "tooling", "runner", "setup", "install", "ci"}

// infraSignals mark an issue as a broken test environment rather than a
// failing test.
var infraSignals = []string{
	"framework missing",
	"harness missing",
	"no test framework",
	"unable to run tests",
	"cannot run tests",
	"test runner missing",
	"missing test infrastructure",
}

// GuardQAFollowUps verifies that a PM decision on a QA review actually
// addresses the test failures it was shown. A blocking test issue demands a
// test-related follow-up; a broken test environment demands an infra-related
// one.
func GuardQAFollowUps(issues []BlockingIssue, d *decision.PMDecision) error {
	needsTest := false
	needsInfra := false

	for _, issue := range issues {
		text := issue.text()
		if containsAny(text, testKeywords) {
			needsTest = true
		}
		if containsAny(text, infraSignals) {
			needsInfra = true
		}
	}

	if !needsTest && !needsInfra {
		return nil
	}

	var taskText strings.Builder
	for _, t := range d.FollowUpTasks {
		taskText.WriteString(strings.ToLower(t.Title))
		taskText.WriteByte(' ')
		taskText.WriteString(strings.ToLower(t.Description))
		taskText.WriteByte(' ')
	}
	tasks := taskText.String()

	if needsTest && !containsAny(tasks, testKeywords) {
		return fmt.Errorf("%s: blocking test issue has no test-related follow-up task", ErrGuardMessage)
	}
	if needsInfra && !containsAny(tasks, infraKeywords) {
		return fmt.Errorf("%s: broken test environment has no infrastructure follow-up task", ErrGuardMessage)
	}
	return nil
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// Package persona implements the request/await-correlated-reply protocol
// between workflows and persona workers over the message transport.
package persona

import (
	"encoding/json"
	"strings"
)

// Stream field names shared by the request and response streams.
const (
	FieldWorkflowID = "workflow_id"
	FieldToPersona  = "to_persona"
	FieldStep       = "step"
	FieldIntent     = "intent"
	FieldCorrID     = "corr_id"
	FieldFrom       = "from"
	FieldTaskID     = "task_id"
	FieldPayload    = "payload"
	FieldResult     = "result"
)

// Request is one persona invocation.
type Request struct {
	WorkflowID string
	ToPersona  string
	Step       string
	Intent     string
	CorrID     string
	From       string
	TaskID     string
	Payload    map[string]any

	// Repo, Branch and ProjectID travel inside the payload; the stream field
	// schema stays flat and short.
	Repo      string
	Branch    string
	ProjectID string
}

// Event is one entry from the response stream.
type Event struct {
	ID         string
	WorkflowID string
	CorrID     string
	From       string
	RawResult  string
	Result     map[string]any
}

// Status returns the event result's normalized status.
func (e *Event) Status() string {
	if e.Result == nil {
		return StatusUnknown
	}
	if s, ok := e.Result["status"].(string); ok {
		return NormalizeStatus(s)
	}
	return StatusUnknown
}

// Normalized status values.
const (
	StatusPass    = "pass"
	StatusFail    = "fail"
	StatusUnknown = "unknown"
)

// NormalizeStatus folds the accepted status vocabulary onto pass/fail/unknown:
// approved and ok count as pass, failed as fail.
func NormalizeStatus(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pass", "ok", "approved":
		return StatusPass
	case "fail", "failed":
		return StatusFail
	default:
		return StatusUnknown
	}
}

// ParseEventResult decodes a result field with best-effort tolerance: a JSON
// object parses as-is, anything else is preserved as a raw status string.
func ParseEventResult(raw string) map[string]any {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
		return obj
	}

	// Some personas reply with a bare JSON string or plain text.
	var s string
	if err := json.Unmarshal([]byte(trimmed), &s); err == nil {
		return map[string]any{"status": s}
	}
	return map[string]any{"status": trimmed}
}

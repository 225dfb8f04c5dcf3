package persona

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multiagent/ma/common/logger"
	"github.com/multiagent/ma/common/transport"
)

type nopTransportLogger struct{}

func (nopTransportLogger) Info(string, ...interface{})  {}
func (nopTransportLogger) Error(string, ...interface{}) {}
func (nopTransportLogger) Warn(string, ...interface{})  {}
func (nopTransportLogger) Debug(string, ...interface{}) {}

func newTestClient(t *testing.T) (*Client, *transport.Memory) {
	t.Helper()
	tr := transport.NewMemory(nopTransportLogger{})
	require.NoError(t, tr.Connect(context.Background()))
	return NewClient(tr, "req", "resp", logger.Discard()), tr
}

func TestSendRequestFields(t *testing.T) {
	c, tr := newTestClient(t)
	ctx := context.Background()

	corrID, err := c.SendRequest(ctx, Request{
		WorkflowID: "wf-1",
		ToPersona:  "coder",
		Step:       "implement",
		Intent:     "implement_task",
		TaskID:     "task-9",
		Payload:    map[string]any{"title": "do it"},
		Repo:       "/repos/x",
		Branch:     "feature/y",
		ProjectID:  "p-1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, corrID)

	require.NoError(t, tr.XGroupCreate(ctx, "req", "g", "0", false))
	res, err := tr.XReadGroup(ctx, "g", "c", []transport.Cursor{{Stream: "req", ID: ">"}}, 10, 0)
	require.NoError(t, err)
	require.Len(t, res, 1)

	fields := res[0].Messages[0].Fields
	assert.Equal(t, "wf-1", fields[FieldWorkflowID])
	assert.Equal(t, "coder", fields[FieldToPersona])
	assert.Equal(t, "implement", fields[FieldStep])
	assert.Equal(t, corrID, fields[FieldCorrID])
	assert.Equal(t, "task-9", fields[FieldTaskID])

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(fields[FieldPayload]), &payload))
	assert.Equal(t, "do it", payload["title"])
	assert.Equal(t, "/repos/x", payload["repo"])
	assert.Equal(t, "feature/y", payload["branch"])
	assert.Equal(t, "p-1", payload["project_id"])
}

func TestAwaitCompletionMatchesCorrelation(t *testing.T) {
	c, tr := newTestClient(t)
	ctx := context.Background()

	// Unrelated events on the stream must be skipped.
	_, err := PublishEvent(ctx, tr, "resp", Event{
		WorkflowID: "wf-other", CorrID: "c-other", From: "coder",
		Result: map[string]any{"status": "pass"},
	})
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = PublishEvent(ctx, tr, "resp", Event{
			WorkflowID: "wf-1", CorrID: "c-1", From: "coder",
			Result: map[string]any{"status": "approved", "output": "done"},
		})
	}()

	event, err := c.AwaitCompletion(ctx, "coder", "wf-1", "c-1", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "c-1", event.CorrID)
	assert.Equal(t, "coder", event.From)
	assert.Equal(t, StatusPass, event.Status(), "approved folds to pass")
	assert.Equal(t, "done", event.Result["output"])
}

func TestAwaitCompletionTimeout(t *testing.T) {
	c, _ := newTestClient(t)

	_, err := c.AwaitCompletion(context.Background(), "coder", "wf-1", "c-none", 150*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestParseEventResult(t *testing.T) {
	res := ParseEventResult(`{"status":"pass","output":{"n":1}}`)
	assert.Equal(t, "pass", res["status"])

	res = ParseEventResult(`"approved"`)
	assert.Equal(t, "approved", res["status"])

	res = ParseEventResult("plain text failure")
	assert.Equal(t, "plain text failure", res["status"])

	assert.Nil(t, ParseEventResult("  "))
}

func TestNormalizeStatus(t *testing.T) {
	tests := map[string]string{
		"pass":     StatusPass,
		"PASS":     StatusPass,
		"ok":       StatusPass,
		"approved": StatusPass,
		"fail":     StatusFail,
		"failed":   StatusFail,
		"unknown":  StatusUnknown,
		"weird":    StatusUnknown,
		"":         StatusUnknown,
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeStatus(in), in)
	}
}

package persona

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/multiagent/ma/common/logger"
	"github.com/multiagent/ma/common/transport"
)

// ErrTimeout indicates no correlated completion arrived within the deadline.
var ErrTimeout = errors.New("persona completion timed out")

const awaitBlock = 500 * time.Millisecond

// Client sends persona requests and awaits their correlated completions.
type Client struct {
	tr             transport.Transport
	requestStream  string
	responseStream string
	log            *logger.Logger
}

// NewClient creates a client bound to the request/response stream pair.
func NewClient(tr transport.Transport, requestStream, responseStream string, log *logger.Logger) *Client {
	return &Client{
		tr:             tr,
		requestStream:  requestStream,
		responseStream: responseStream,
		log:            log,
	}
}

// RequestStream returns the stream requests are published to.
func (c *Client) RequestStream() string { return c.requestStream }

// ResponseStream returns the stream completions are read from.
func (c *Client) ResponseStream() string { return c.responseStream }

// SendRequest publishes a request and returns its correlation ID. A missing
// CorrID is filled with a fresh UUID.
func (c *Client) SendRequest(ctx context.Context, req Request) (string, error) {
	if req.WorkflowID == "" {
		return "", fmt.Errorf("workflow id is required")
	}
	if req.ToPersona == "" {
		return "", fmt.Errorf("target persona is required")
	}

	corrID := req.CorrID
	if corrID == "" {
		corrID = uuid.NewString()
	}

	payload := make(map[string]any, len(req.Payload)+3)
	for k, v := range req.Payload {
		payload[k] = v
	}
	if req.Repo != "" {
		payload["repo"] = req.Repo
	}
	if req.Branch != "" {
		payload["branch"] = req.Branch
	}
	if req.ProjectID != "" {
		payload["project_id"] = req.ProjectID
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	fields := map[string]string{
		FieldWorkflowID: req.WorkflowID,
		FieldToPersona:  req.ToPersona,
		FieldStep:       req.Step,
		FieldIntent:     req.Intent,
		FieldCorrID:     corrID,
		FieldPayload:    string(payloadJSON),
	}
	if req.From != "" {
		fields[FieldFrom] = req.From
	}
	if req.TaskID != "" {
		fields[FieldTaskID] = req.TaskID
	}

	id, err := c.tr.XAdd(ctx, c.requestStream, "*", fields)
	if err != nil {
		return "", fmt.Errorf("publish persona request: %w", err)
	}

	c.log.Debug("persona request sent",
		"workflow_id", req.WorkflowID,
		"to_persona", req.ToPersona,
		"step", req.Step,
		"corr_id", corrID,
		"stream_id", id)
	return corrID, nil
}

// AwaitCompletion scans the response stream until an event matching both
// workflowID and corrID appears, or the timeout elapses (ErrTimeout). The scan
// uses a throwaway consumer group so both transport backends behave the same.
func (c *Client) AwaitCompletion(ctx context.Context, persona, workflowID, corrID string, timeout time.Duration) (*Event, error) {
	deadline := time.Now().Add(timeout)
	group := "await-" + corrID
	consumer := "awaiter"

	err := c.tr.XGroupCreate(ctx, c.responseStream, group, "0", true)
	if err != nil && !errors.Is(err, transport.ErrGroupExists) {
		return nil, fmt.Errorf("create await group: %w", err)
	}
	defer func() {
		if _, err := c.tr.XGroupDestroy(context.Background(), c.responseStream, group); err != nil {
			c.log.Debug("destroying await group failed", "group", group, "error", err)
		}
	}()

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("persona %s corr %s after %s: %w", persona, corrID, timeout, ErrTimeout)
		}

		block := awaitBlock
		if remaining < block {
			block = remaining
		}

		res, err := c.tr.XReadGroup(ctx, group, consumer,
			[]transport.Cursor{{Stream: c.responseStream, ID: ">"}}, 50, block)
		if err != nil {
			return nil, fmt.Errorf("read response stream: %w", err)
		}

		for _, sm := range res {
			for _, msg := range sm.Messages {
				if _, err := c.tr.XAck(ctx, c.responseStream, group, msg.ID); err != nil {
					c.log.Debug("ack on await group failed", "id", msg.ID, "error", err)
				}

				if msg.Fields[FieldWorkflowID] != workflowID || msg.Fields[FieldCorrID] != corrID {
					continue
				}

				raw := msg.Fields[FieldResult]
				return &Event{
					ID:         msg.ID,
					WorkflowID: workflowID,
					CorrID:     corrID,
					From:       msg.Fields[FieldFrom],
					RawResult:  raw,
					Result:     ParseEventResult(raw),
				}, nil
			}
		}
	}
}

// PublishEvent writes a completion event to the response stream. Used by
// persona workers.
func PublishEvent(ctx context.Context, tr transport.Transport, stream string, event Event) (string, error) {
	raw := event.RawResult
	if raw == "" && event.Result != nil {
		data, err := json.Marshal(event.Result)
		if err != nil {
			return "", fmt.Errorf("marshal event result: %w", err)
		}
		raw = string(data)
	}

	return tr.XAdd(ctx, stream, "*", map[string]string{
		FieldWorkflowID: event.WorkflowID,
		FieldCorrID:     event.CorrID,
		FieldFrom:       event.From,
		FieldResult:     raw,
	})
}

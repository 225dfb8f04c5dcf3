package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/multiagent/ma/common/logger"
)

// HTTPDashboard talks to the external task dashboard over its REST API.
type HTTPDashboard struct {
	baseURL string
	http    *http.Client
	log     *logger.Logger
}

// NewHTTPDashboard creates a dashboard client for the given base URL.
func NewHTTPDashboard(baseURL string, log *logger.Logger) *HTTPDashboard {
	return &HTTPDashboard{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     log,
	}
}

func (d *HTTPDashboard) GetProjectStatus(ctx context.Context, projectID string) (*ProjectStatus, error) {
	var out ProjectStatus
	url := fmt.Sprintf("%s/api/v1/projects/%s/status", d.baseURL, projectID)
	if err := d.doJSON(ctx, http.MethodGet, url, nil, &out); err != nil {
		return nil, fmt.Errorf("fetching project status: %w", err)
	}
	return &out, nil
}

func (d *HTTPDashboard) ListOpenTasks(ctx context.Context, projectID string) ([]Task, error) {
	var out struct {
		Tasks []Task `json:"tasks"`
	}
	url := fmt.Sprintf("%s/api/v1/projects/%s/tasks?state=open", d.baseURL, projectID)
	if err := d.doJSON(ctx, http.MethodGet, url, nil, &out); err != nil {
		return nil, fmt.Errorf("listing open tasks: %w", err)
	}
	return out.Tasks, nil
}

func (d *HTTPDashboard) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var out Task
	url := fmt.Sprintf("%s/api/v1/tasks/%s", d.baseURL, taskID)
	if err := d.doJSON(ctx, http.MethodGet, url, nil, &out); err != nil {
		return nil, fmt.Errorf("fetching task %s: %w", taskID, err)
	}
	return &out, nil
}

func (d *HTTPDashboard) CreateTask(ctx context.Context, projectID string, task Task) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	url := fmt.Sprintf("%s/api/v1/projects/%s/tasks", d.baseURL, projectID)
	if err := d.doJSON(ctx, http.MethodPost, url, task, &out); err != nil {
		return "", fmt.Errorf("creating task: %w", err)
	}
	d.log.Info("task created", "project_id", projectID, "task_id", out.ID, "title", task.Title)
	return out.ID, nil
}

func (d *HTTPDashboard) UpdateTaskStatus(ctx context.Context, taskID, status string, fields map[string]any) error {
	body := map[string]any{"status": status}
	if len(fields) > 0 {
		body["fields"] = fields
	}
	url := fmt.Sprintf("%s/api/v1/tasks/%s/status", d.baseURL, taskID)
	if err := d.doJSON(ctx, http.MethodPatch, url, body, nil); err != nil {
		return fmt.Errorf("updating task %s status: %w", taskID, err)
	}
	return nil
}

func (d *HTTPDashboard) SetBlockedDependencies(ctx context.Context, taskID string, deps []string) error {
	body := map[string]any{"blocked_by": deps}
	url := fmt.Sprintf("%s/api/v1/tasks/%s/blocked_by", d.baseURL, taskID)
	if err := d.doJSON(ctx, http.MethodPut, url, body, nil); err != nil {
		return fmt.Errorf("setting blocked deps for %s: %w", taskID, err)
	}
	return nil
}

// doJSON issues one request with a JSON body and decodes a JSON response into
// out when out is non-nil.
func (d *HTTPDashboard) doJSON(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("dashboard request failed: status=%d body=%s", resp.StatusCode, string(raw))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

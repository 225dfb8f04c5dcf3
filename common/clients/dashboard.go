// Package clients holds interfaces to external collaborators (the task
// dashboard) and the information-acquisition helpers personas use.
package clients

import (
	"context"
	"fmt"
	"sync"
)

// Task is the dashboard's task record as this engine sees it.
type Task struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	Status          string   `json:"status"`
	Priority        int      `json:"priority"`
	MilestoneID     string   `json:"milestone_id"`
	AssigneePersona string   `json:"assignee_persona"`
	ParentTaskID    string   `json:"parent_task_id,omitempty"`
	Origin          string   `json:"origin,omitempty"`
	BlockedBy       []string `json:"blocked_by,omitempty"`
	Workflow        string   `json:"workflow,omitempty"`
}

// ProjectStatus is the dashboard's view of one project.
type ProjectStatus struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	RepoPath           string `json:"repo_path"`
	Branch             string `json:"branch"`
	RepoRemote         string `json:"repo_remote,omitempty"`
	BacklogMilestoneID string `json:"backlog_milestone_id"`
}

// Dashboard is the external task database. The engine never owns this data;
// it only reads project/task state and writes status updates.
type Dashboard interface {
	GetProjectStatus(ctx context.Context, projectID string) (*ProjectStatus, error)
	ListOpenTasks(ctx context.Context, projectID string) ([]Task, error)
	GetTask(ctx context.Context, taskID string) (*Task, error)
	CreateTask(ctx context.Context, projectID string, task Task) (string, error)
	UpdateTaskStatus(ctx context.Context, taskID, status string, fields map[string]any) error
	SetBlockedDependencies(ctx context.Context, taskID string, deps []string) error
}

// MemoryDashboard is an in-process Dashboard used by local runs and tests.
type MemoryDashboard struct {
	mu       sync.Mutex
	projects map[string]*ProjectStatus
	tasks    map[string]*Task
	byProj   map[string][]string
	nextID   int

	// StatusUpdates records every UpdateTaskStatus call for assertions.
	StatusUpdates []StatusUpdate
}

// StatusUpdate is one recorded UpdateTaskStatus call.
type StatusUpdate struct {
	TaskID string
	Status string
	Fields map[string]any
}

// NewMemoryDashboard creates an empty in-memory dashboard.
func NewMemoryDashboard() *MemoryDashboard {
	return &MemoryDashboard{
		projects: make(map[string]*ProjectStatus),
		tasks:    make(map[string]*Task),
		byProj:   make(map[string][]string),
	}
}

// PutProject registers a project.
func (d *MemoryDashboard) PutProject(p ProjectStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.projects[p.ID] = &p
}

// PutTask registers a task under a project.
func (d *MemoryDashboard) PutTask(projectID string, t Task) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks[t.ID] = &t
	d.byProj[projectID] = append(d.byProj[projectID], t.ID)
}

func (d *MemoryDashboard) GetProjectStatus(ctx context.Context, projectID string) (*ProjectStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.projects[projectID]
	if !ok {
		return nil, fmt.Errorf("project %s not found", projectID)
	}
	copied := *p
	return &copied, nil
}

func (d *MemoryDashboard) ListOpenTasks(ctx context.Context, projectID string) ([]Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Task
	for _, id := range d.byProj[projectID] {
		t := d.tasks[id]
		if t.Status == "done" || t.Status == "cancelled" {
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}

func (d *MemoryDashboard) GetTask(ctx context.Context, taskID string) (*Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	copied := *t
	return &copied, nil
}

func (d *MemoryDashboard) CreateTask(ctx context.Context, projectID string, task Task) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if task.ID == "" {
		d.nextID++
		task.ID = fmt.Sprintf("task-%d", d.nextID)
	}
	d.tasks[task.ID] = &task
	d.byProj[projectID] = append(d.byProj[projectID], task.ID)
	return task.ID, nil
}

func (d *MemoryDashboard) UpdateTaskStatus(ctx context.Context, taskID, status string, fields map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	t.Status = status
	d.StatusUpdates = append(d.StatusUpdates, StatusUpdate{TaskID: taskID, Status: status, Fields: fields})
	return nil
}

func (d *MemoryDashboard) SetBlockedDependencies(ctx context.Context, taskID string, deps []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	t.BlockedBy = deps
	return nil
}

// Package coordinator drives a whole project: one coordinate request fans
// the project's open tasks into workflow executions and aggregates their
// outcomes. A task failure is recorded in the aggregate, never aborts the
// batch.
package coordinator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/multiagent/ma/cmd/agentd/engine"
	"github.com/multiagent/ma/common/clients"
	"github.com/multiagent/ma/common/logger"
	"github.com/multiagent/ma/common/transport"
)

// DefaultWorkflow is the definition used for tasks that do not name one.
const DefaultWorkflow = "task"

// Coordinator executes one project's open tasks through the workflow engine.
type Coordinator struct {
	dash        clients.Dashboard
	engine      *engine.Engine
	tr          transport.Transport
	workflowDir string
	defaultWF   string
	log         *logger.Logger
}

// Options tunes the coordinator; zero values get defaults.
type Options struct {
	// DefaultWorkflow overrides the definition name used when a task does
	// not carry its own.
	DefaultWorkflow string
}

// New creates a coordinator. workflowDir is where definition files live;
// a task's workflow name resolves to {workflowDir}/{name}.yaml.
func New(dash clients.Dashboard, eng *engine.Engine, tr transport.Transport, workflowDir string, log *logger.Logger, opts Options) *Coordinator {
	if opts.DefaultWorkflow == "" {
		opts.DefaultWorkflow = DefaultWorkflow
	}
	return &Coordinator{
		dash:        dash,
		engine:      eng,
		tr:          tr,
		workflowDir: workflowDir,
		defaultWF:   opts.DefaultWorkflow,
		log:         log,
	}
}

// TaskResult is the per-task entry of an aggregate outcome.
type TaskResult struct {
	TaskID     string `json:"task_id"`
	Workflow   string `json:"workflow"`
	Success    bool   `json:"success"`
	FailedStep string `json:"failed_step,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Outcome aggregates one coordinate run. Success means every task's workflow
// completed.
type Outcome struct {
	ProjectID string       `json:"project_id"`
	Success   bool         `json:"success"`
	Results   []TaskResult `json:"results"`
}

// Coordinate fetches the project and its open tasks, then runs one workflow
// per task. It returns an error only when the project itself cannot be
// resolved; task-level failures land in the outcome.
func (c *Coordinator) Coordinate(ctx context.Context, projectID string) (*Outcome, error) {
	project, err := c.dash.GetProjectStatus(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("fetching project %s: %w", projectID, err)
	}

	tasks, err := c.dash.ListOpenTasks(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing open tasks for %s: %w", projectID, err)
	}

	log := c.log.WithFields(map[string]any{"project_id": projectID})
	log.Info("coordinating project", "name", project.Name, "open_tasks", len(tasks))

	outcome := &Outcome{ProjectID: projectID, Success: true}
	for _, task := range tasks {
		res := c.runTask(ctx, project, task)
		if !res.Success {
			outcome.Success = false
		}
		outcome.Results = append(outcome.Results, res)
	}

	log.Info("coordination finished", "success", outcome.Success, "tasks", len(outcome.Results))
	return outcome, nil
}

func (c *Coordinator) runTask(ctx context.Context, project *clients.ProjectStatus, task clients.Task) TaskResult {
	name := c.workflowName(task)
	res := TaskResult{TaskID: task.ID, Workflow: name}

	def, err := engine.LoadDefinition(filepath.Join(c.workflowDir, name+".yaml"))
	if err != nil {
		res.Error = err.Error()
		c.log.Error("workflow definition unavailable", "task_id", task.ID, "workflow", name, "error", err)
		return res
	}

	run := c.engine.Execute(ctx, def, engine.RunInputs{
		WorkflowID: uuid.NewString(),
		ProjectID:  project.ID,
		RepoRoot:   project.RepoPath,
		RepoRemote: project.RepoRemote,
		Branch:     project.Branch,
		TaskID:     task.ID,
		Transport:  c.tr,
		InitialVariables: map[string]any{
			"task_id":              task.ID,
			"task_title":           task.Title,
			"task_description":     task.Description,
			"task_origin":          task.Origin,
			"milestone_id":         task.MilestoneID,
			"backlog_milestone_id": project.BacklogMilestoneID,
		},
	})

	res.Success = run.Success
	if !run.Success {
		res.FailedStep = run.FailedStep
		if run.Err != nil {
			res.Error = run.Err.Error()
		}
	}
	return res
}

// workflowName picks the task's declared workflow or the default, with a
// light sanitization so a task record cannot point outside the workflow dir.
func (c *Coordinator) workflowName(task clients.Task) string {
	name := strings.TrimSpace(task.Workflow)
	if name == "" {
		return c.defaultWF
	}
	return filepath.Base(name)
}

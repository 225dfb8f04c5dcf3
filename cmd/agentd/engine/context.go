package engine

import (
	"github.com/multiagent/ma/common/logger"
	"github.com/multiagent/ma/common/transport"
)

// Context is the per-run state a workflow's steps share. It is owned by
// exactly one workflow execution and is not safe for concurrent use.
type Context struct {
	WorkflowID string
	ProjectID  string
	RepoRoot   string
	RepoRemote string
	TaskID     string

	branch      string
	variables   map[string]any
	stepOutputs map[string]any

	Logger     *logger.Logger
	Transport  transport.Transport
	Definition *Definition
}

// NewContext creates a context for one workflow run.
func NewContext(workflowID, projectID, repoRoot, branch string, tr transport.Transport, log *logger.Logger) *Context {
	return &Context{
		WorkflowID:  workflowID,
		ProjectID:   projectID,
		RepoRoot:    repoRoot,
		branch:      branch,
		variables:   make(map[string]any),
		stepOutputs: make(map[string]any),
		Transport:   tr,
		Logger:      log.WithWorkflowID(workflowID),
	}
}

// GetVariable returns a flat variable.
func (c *Context) GetVariable(name string) (any, bool) {
	v, ok := c.variables[name]
	return v, ok
}

// SetVariable sets a flat variable. Variables outlive individual steps.
func (c *Context) SetVariable(name string, value any) {
	c.variables[name] = value
}

// Variable implements template.Scope.
func (c *Context) Variable(name string) (any, bool) {
	return c.GetVariable(name)
}

// GetStepOutput returns the output stored for a step.
func (c *Context) GetStepOutput(stepName string) (any, bool) {
	v, ok := c.stepOutputs[stepName]
	return v, ok
}

// StepOutput implements template.Scope.
func (c *Context) StepOutput(name string) (any, bool) {
	return c.GetStepOutput(name)
}

// SetStepOutput stores a step's output. Step outputs are the only cross-step
// channel besides variables.
func (c *Context) SetStepOutput(stepName string, output any) {
	c.stepOutputs[stepName] = output
}

// GetAllStepOutputs returns a copy of the step output map.
func (c *Context) GetAllStepOutputs() map[string]any {
	out := make(map[string]any, len(c.stepOutputs))
	for k, v := range c.stepOutputs {
		out[k] = v
	}
	return out
}

// GetCurrentBranch returns the working branch. Steps may override it.
func (c *Context) GetCurrentBranch() string {
	return c.branch
}

// SetBranch overrides the working branch for subsequent steps.
func (c *Context) SetBranch(branch string) {
	c.branch = branch
}

package steps

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/multiagent/ma/cmd/agentd/engine"
	"github.com/multiagent/ma/cmd/agentd/template"
)

// SubWorkflowStep loads a child workflow definition from disk and runs it
// with resolved inputs. The parent's operation flags and repo identity
// propagate unless the child's inputs override them.
type SubWorkflowStep struct {
	deps Deps
}

func (s *SubWorkflowStep) Type() string { return TypeSubWorkflow }

func (s *SubWorkflowStep) Validate(cfg *engine.StepConfig) error {
	return requireKey(cfg, "path")
}

func (s *SubWorkflowStep) Execute(ctx context.Context, ec *engine.Context, cfg *engine.StepConfig) *engine.StepResult {
	conf := resolveConfig(ec, cfg)
	path := cfgString(conf, "path")
	if path == "" {
		return engine.Failure(fmt.Errorf("step %s: path resolved empty: %w", cfg.Name, engine.ErrConfig))
	}
	if !filepath.IsAbs(path) && s.deps.WorkflowDir != "" {
		path = filepath.Join(s.deps.WorkflowDir, path)
	}

	def, err := engine.LoadDefinition(path)
	if err != nil {
		return engine.Failure(err)
	}

	inputs := cfgMap(conf, "inputs")
	initial := make(map[string]any, len(inputs)+4)

	// Inherited flags first so explicit inputs win.
	for _, name := range []string{VarSkipGit, VarSkipPersonas, VarRepoRemote, VarProjectID} {
		if v, ok := ec.GetVariable(name); ok {
			initial[name] = v
		}
	}
	for k, v := range inputs {
		initial[k] = v
	}

	for _, required := range def.Inputs {
		if _, ok := initial[required]; !ok {
			return engine.Failure(fmt.Errorf("step %s: child workflow %s requires input %q: %w", cfg.Name, def.Name, required, engine.ErrConfig))
		}
	}

	childID := ec.WorkflowID + "/" + cfg.Name
	ec.Logger.Info("running sub-workflow", "child", def.Name, "path", path)

	res := s.deps.Engine.Execute(ctx, def, engine.RunInputs{
		WorkflowID:       childID,
		ProjectID:        ec.ProjectID,
		RepoRoot:         ec.RepoRoot,
		RepoRemote:       ec.RepoRemote,
		Branch:           ec.GetCurrentBranch(),
		TaskID:           ec.TaskID,
		Transport:        ec.Transport,
		InitialVariables: initial,
	})
	if !res.Success {
		return engine.Failure(fmt.Errorf("sub-workflow %s failed at step %s: %w", def.Name, res.FailedStep, res.Err))
	}

	outputs := map[string]any{
		"success":         true,
		"completed_steps": res.CompletedSteps,
	}

	// Map declared child outputs back into the parent through the same
	// resolver the child's own steps use.
	childResolver := template.NewResolver(res.FinalContext)
	for name, ref := range def.Outputs {
		if val, ok := childResolver.Lookup(ref); ok {
			outputs[name] = val
		} else {
			outputs[name] = nil
		}
	}
	return engine.Success(outputs)
}

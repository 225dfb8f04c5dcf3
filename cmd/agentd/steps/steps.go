// Package steps provides the built-in workflow step types. Each step is a
// stateless implementation registered by type name; per-run state lives in
// the workflow context, external effects go through the injected deps.
package steps

import (
	"errors"
	"fmt"
	"time"

	"github.com/multiagent/ma/cmd/agentd/engine"
	"github.com/multiagent/ma/cmd/agentd/template"
	"github.com/multiagent/ma/common/clients"
	"github.com/multiagent/ma/common/gitrepo"
	"github.com/multiagent/ma/common/logger"
	"github.com/multiagent/ma/common/persona"
)

// Step type names.
const (
	TypePersonaRequest      = "persona_request"
	TypeContextScan         = "context_scan"
	TypeDiffApply           = "diff_apply"
	TypePMDecisionParser    = "pm_decision_parser"
	TypeAnalysisReviewLoop  = "analysis_review_loop"
	TypeSubWorkflow         = "sub_workflow"
	TypeTaskUpdate          = "task_update"
	TypeRegisterBlockedDeps = "register_blocked_dependencies"
	TypeReviewCoordination  = "review_coordination"
)

// Flag variables inherited by sub-workflows and honored by side-effecting
// steps.
const (
	VarSkipGit      = "SKIP_GIT_OPERATIONS"
	VarSkipPersonas = "SKIP_PERSONA_OPERATIONS"
	VarRepoRemote   = "repo_remote"
	VarProjectID    = "project_id"
)

// Step-level error categories.
var (
	// ErrPersonaFailure indicates a persona reported a failing status.
	ErrPersonaFailure = errors.New("persona returned failure")

	// ErrNoEditOps indicates the source step's output parsed to zero ops.
	ErrNoEditOps = errors.New("no edit operations parsed")

	// ErrNoFilesChanged indicates ops were applied but touched nothing.
	ErrNoFilesChanged = errors.New("edit operations changed no files")

	// ErrNoCommitSHA indicates a commit was attempted but produced no SHA.
	ErrNoCommitSHA = errors.New("commit produced no SHA")
)

// MutatorFactory builds a repo mutator rooted at a checkout.
type MutatorFactory func(repoRoot string) (*gitrepo.Mutator, error)

// Deps wires the built-in steps to their collaborators.
type Deps struct {
	Client      *persona.Client
	Dashboard   clients.Dashboard
	NewMutator  MutatorFactory
	Engine      *engine.Engine
	WorkflowDir string
	Log         *logger.Logger

	// DefaultPersonaTimeout bounds AwaitCompletion when a step does not
	// declare its own wait.
	DefaultPersonaTimeout time.Duration
}

func (d Deps) personaTimeout() time.Duration {
	if d.DefaultPersonaTimeout > 0 {
		return d.DefaultPersonaTimeout
	}
	return 5 * time.Minute
}

// RegisterBuiltins registers every built-in step type on the registry.
func RegisterBuiltins(reg *engine.Registry, deps Deps) {
	reg.Register(&PersonaRequestStep{deps: deps})
	reg.Register(&ContextStep{deps: deps})
	reg.Register(&DiffApplyStep{deps: deps})
	reg.Register(&PMDecisionParserStep{deps: deps})
	reg.Register(&AnalysisReviewLoopStep{deps: deps})
	reg.Register(&SubWorkflowStep{deps: deps})
	reg.Register(&TaskUpdateStep{deps: deps})
	reg.Register(&RegisterBlockedDepsStep{deps: deps})
	reg.Register(&ReviewCoordinationStep{deps: deps})
}

// resolveConfig returns the step config with every ${...} string resolved
// against the workflow context.
func resolveConfig(ec *engine.Context, cfg *engine.StepConfig) map[string]any {
	if cfg.Config == nil {
		return map[string]any{}
	}
	resolver := template.NewResolver(ec)
	resolved, ok := resolver.ResolveValue(cfg.Config).(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return resolved
}

func cfgString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func cfgBool(m map[string]any, key string, def bool) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	default:
		return def
	}
}

func cfgInt(m map[string]any, key string, def int) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

func cfgMap(m map[string]any, key string) map[string]any {
	inner, _ := m[key].(map[string]any)
	return inner
}

func cfgStrings(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			} else if item != nil {
				out = append(out, fmt.Sprintf("%v", item))
			}
		}
		return out
	default:
		return nil
	}
}

// personaRequest builds a request carrying the workflow's identity fields.
func personaRequest(ec *engine.Context, cfg *engine.StepConfig, target, intent string, payload map[string]any) persona.Request {
	return persona.Request{
		WorkflowID: ec.WorkflowID,
		ToPersona:  target,
		Step:       cfg.Name,
		Intent:     intent,
		TaskID:     ec.TaskID,
		Payload:    payload,
		Repo:       ec.RepoRoot,
		Branch:     ec.GetCurrentBranch(),
		ProjectID:  ec.ProjectID,
	}
}

// flagSet reports whether a context variable holds a truthy flag.
func flagSet(ec *engine.Context, name string) bool {
	v, ok := ec.GetVariable(name)
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true" || t == "1"
	default:
		return false
	}
}

func requireKey(cfg *engine.StepConfig, key string) error {
	if cfg.Config == nil {
		return fmt.Errorf("step %s: config is required", cfg.Name)
	}
	if _, ok := cfg.Config[key]; !ok {
		return fmt.Errorf("step %s: config key %q is required", cfg.Name, key)
	}
	return nil
}

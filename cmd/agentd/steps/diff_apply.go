package steps

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/multiagent/ma/cmd/agentd/engine"
	"github.com/multiagent/ma/common/gitrepo"
)

// DiffApplyStep turns a source step's output into an EditSpec, applies it
// through the repo mutator, and commits the result. Its three failure modes
// stay distinct so operators can tell a bad persona reply from a bad tree
// from a bad commit.
type DiffApplyStep struct {
	deps Deps
}

func (s *DiffApplyStep) Type() string { return TypeDiffApply }

func (s *DiffApplyStep) Validate(cfg *engine.StepConfig) error {
	if cfg.Config != nil {
		if _, ok := cfg.Config["allowed_extensions"]; ok {
			return fmt.Errorf("step %s: allowed_extensions is no longer supported, use blocked_extensions", cfg.Name)
		}
	}
	return requireKey(cfg, "source_step")
}

func (s *DiffApplyStep) Execute(ctx context.Context, ec *engine.Context, cfg *engine.StepConfig) *engine.StepResult {
	if flagSet(ec, VarSkipGit) {
		return engine.Skipped("git operations disabled")
	}

	conf := resolveConfig(ec, cfg)
	sourceStep := cfgString(conf, "source_step")

	spec, err := s.editSpecFrom(ec, sourceStep)
	if err != nil {
		return engine.Failure(err)
	}
	if len(spec.Ops) == 0 {
		return engine.Failure(fmt.Errorf("step %s source %s: %w", cfg.Name, sourceStep, ErrNoEditOps))
	}

	mutator, err := s.deps.NewMutator(ec.RepoRoot)
	if err != nil {
		return engine.Failure(err)
	}

	applied, err := mutator.Apply(ctx, spec, gitrepo.ApplyOptions{
		BlockedExts: cfgStrings(conf, "blocked_extensions"),
	})
	if err != nil {
		return engine.Failure(err)
	}
	if len(applied.Changed)+len(applied.Deleted) == 0 {
		return engine.Failure(fmt.Errorf("step %s: %d ops applied: %w", cfg.Name, len(spec.Ops), ErrNoFilesChanged))
	}

	message := cfgString(conf, "commit_message")
	if message == "" {
		message = fmt.Sprintf("Apply changes for task %s", ec.TaskID)
	}

	commit, err := mutator.CommitPush(ctx, applied, ec.GetCurrentBranch(), message)
	if err != nil {
		return engine.Failure(err)
	}
	if commit.SHA == "" {
		return engine.Failure(fmt.Errorf("step %s: files changed: %w", cfg.Name, ErrNoCommitSHA))
	}

	return engine.Success(map[string]any{
		"changed":   applied.Changed,
		"deleted":   applied.Deleted,
		"fallbacks": applied.Fallbacks,
		"noop":      commit.Noop,
		"sha":       commit.SHA,
		"pushed":    commit.Pushed,
	})
}

// editSpecFrom digs the edit spec out of a source step's output: a JSON
// string, an {ops: [...]} object, or an object with an edit_spec field.
func (s *DiffApplyStep) editSpecFrom(ec *engine.Context, sourceStep string) (*gitrepo.EditSpec, error) {
	raw, ok := ec.GetStepOutput(sourceStep)
	if !ok {
		return nil, fmt.Errorf("source step %s has no output: %w", sourceStep, engine.ErrContract)
	}

	candidate := unwrapEditSpec(raw)
	data, err := toJSON(candidate)
	if err != nil {
		return nil, fmt.Errorf("source step %s output is not encodable: %w", sourceStep, ErrNoEditOps)
	}

	spec, err := gitrepo.ParseEditSpec(data)
	if err != nil {
		return nil, fmt.Errorf("source step %s: %v: %w", sourceStep, err, ErrNoEditOps)
	}
	return spec, nil
}

// unwrapEditSpec follows the envelope keys persona replies use around an
// edit spec.
func unwrapEditSpec(raw any) any {
	for depth := 0; depth < 3; depth++ {
		obj, ok := raw.(map[string]any)
		if !ok {
			break
		}
		if _, hasOps := obj["ops"]; hasOps {
			return obj
		}
		unwrapped := false
		for _, key := range []string{"edit_spec", "editSpec", "result", "output"} {
			if inner, present := obj[key]; present {
				raw = inner
				unwrapped = true
				break
			}
		}
		if !unwrapped {
			break
		}
	}
	return raw
}

func toJSON(v any) ([]byte, error) {
	if s, ok := v.(string); ok {
		return []byte(s), nil
	}
	return json.Marshal(v)
}

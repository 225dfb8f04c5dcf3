package steps

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multiagent/ma/cmd/agentd/engine"
)

func TestDiffApplyStepRejectsAllowedExtensions(t *testing.T) {
	step := &DiffApplyStep{}
	err := step.Validate(&engine.StepConfig{
		Name: "apply",
		Config: map[string]any{
			"source_step":        "impl",
			"allowed_extensions": []any{".go"},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allowed_extensions")
}

func TestDiffApplyStepNoOpsParsed(t *testing.T) {
	f := newFixture(t)
	ec := f.newContext(t, t.TempDir())
	ec.SetStepOutput("impl", map[string]any{"result": map[string]any{"ops": []any{}}})

	step := &DiffApplyStep{deps: f.deps}
	res := step.Execute(context.Background(), ec, &engine.StepConfig{
		Name:   "apply",
		Config: map[string]any{"source_step": "impl"},
	})
	require.Equal(t, engine.StatusFailure, res.Status)
	assert.ErrorIs(t, res.Err, ErrNoEditOps)
}

func TestDiffApplyStepAppliesAndCommits(t *testing.T) {
	f := newFixture(t)
	repo := t.TempDir()
	ec := f.newContext(t, repo)

	spec := map[string]any{
		"ops": []any{
			map[string]any{"action": "upsert", "path": "pkg/main.go", "content": "package main\n"},
		},
	}
	ec.SetStepOutput("impl", map[string]any{"edit_spec": mustJSON(t, spec)})

	step := &DiffApplyStep{deps: f.deps}
	res := step.Execute(context.Background(), ec, &engine.StepConfig{
		Name:   "apply",
		Config: map[string]any{"source_step": "impl", "commit_message": "Add main"},
	})
	require.Equal(t, engine.StatusSuccess, res.Status, "err: %v", res.Err)
	assert.Equal(t, "abc123", res.Outputs["sha"])
	assert.Equal(t, []string{"pkg/main.go"}, res.Outputs["changed"])

	written, err := os.ReadFile(filepath.Join(repo, "pkg", "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(written))
}

func TestDiffApplyStepSkipsOnGitFlag(t *testing.T) {
	f := newFixture(t)
	ec := f.newContext(t, t.TempDir())
	ec.SetVariable(VarSkipGit, "true")

	step := &DiffApplyStep{deps: f.deps}
	res := step.Execute(context.Background(), ec, &engine.StepConfig{
		Name:   "apply",
		Config: map[string]any{"source_step": "impl"},
	})
	assert.Equal(t, engine.StatusSkipped, res.Status)
}

func TestDiffApplyStepMissingSourceOutput(t *testing.T) {
	f := newFixture(t)
	ec := f.newContext(t, t.TempDir())

	step := &DiffApplyStep{deps: f.deps}
	res := step.Execute(context.Background(), ec, &engine.StepConfig{
		Name:   "apply",
		Config: map[string]any{"source_step": "never_ran"},
	})
	require.Equal(t, engine.StatusFailure, res.Status)
	assert.ErrorIs(t, res.Err, engine.ErrContract)
}

func TestDiffApplyStepUnparseableOutput(t *testing.T) {
	f := newFixture(t)
	ec := f.newContext(t, t.TempDir())
	ec.SetStepOutput("impl", map[string]any{"result": "I made the changes you asked for."})

	step := &DiffApplyStep{deps: f.deps}
	res := step.Execute(context.Background(), ec, &engine.StepConfig{
		Name:   "apply",
		Config: map[string]any{"source_step": "impl"},
	})
	require.Equal(t, engine.StatusFailure, res.Status)
	assert.ErrorIs(t, res.Err, ErrNoEditOps)
}

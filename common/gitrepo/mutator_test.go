package gitrepo

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multiagent/ma/common/config"
	"github.com/multiagent/ma/common/logger"
)

// fakeGit records invocations and returns scripted results per subcommand.
type fakeGit struct {
	calls   [][]string
	results map[string]fakeGitResult
}

type fakeGitResult struct {
	stdout string
	stderr string
	err    error
}

func (f *fakeGit) Run(ctx context.Context, dir string, args ...string) (string, string, error) {
	f.calls = append(f.calls, args)
	if res, ok := f.results[args[0]]; ok {
		return res.stdout, res.stderr, res.err
	}
	return "", "", nil
}

func (f *fakeGit) called(sub string) bool {
	for _, call := range f.calls {
		if call[0] == sub {
			return true
		}
	}
	return false
}

func testMutator(t *testing.T, git GitRunner) (*Mutator, string) {
	t.Helper()
	root := t.TempDir()
	cfg := config.MutationConfig{
		BlockedExts:      []string{".exe"},
		MaxWriteBytes:    512 * 1024,
		WriteDiagnostics: true,
	}
	m, err := NewMutator(root, cfg, git, logger.Discard())
	require.NoError(t, err)
	m.SetDiagnosticsDir(filepath.Join(root, "outputs", "diagnostics"))
	return m, root
}

func strPtr(s string) *string { return &s }

func TestApplyUpsertWritesAtomically(t *testing.T) {
	m, root := testMutator(t, &fakeGit{})

	spec := &EditSpec{Ops: []Op{{Action: ActionUpsert, Path: "pkg/a.go", Content: strPtr("package a\n")}}}
	res, err := m.Apply(context.Background(), spec, ApplyOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"pkg/a.go"}, res.Changed)
	assert.True(t, res.Dirty)

	data, err := os.ReadFile(filepath.Join(root, "pkg", "a.go"))
	require.NoError(t, err)
	assert.Equal(t, "package a\n", string(data))

	_, err = os.Stat(filepath.Join(root, "pkg", "a.go.tmp"))
	assert.True(t, os.IsNotExist(err), "temp file must be renamed away")
}

func TestApplyIdenticalContentIsNotDirty(t *testing.T) {
	m, root := testMutator(t, &fakeGit{})
	require.NoError(t, os.WriteFile(filepath.Join(root, "same.txt"), []byte("x\n"), 0o644))

	spec := &EditSpec{Ops: []Op{{Action: ActionUpsert, Path: "same.txt", Content: strPtr("x\n")}}}
	res, err := m.Apply(context.Background(), spec, ApplyOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"same.txt"}, res.Changed)
	assert.False(t, res.Dirty)
}

func TestApplyHunkMismatchFallsBackToContent(t *testing.T) {
	m, root := testMutator(t, &fakeGit{})
	require.NoError(t, os.WriteFile(filepath.Join(root, "f.txt"), []byte("a\nb\nc\n"), 0o644))

	spec := &EditSpec{Ops: []Op{{
		Action:  ActionUpsert,
		Path:    "f.txt",
		Content: strPtr("fallback\n"),
		Hunks:   []Hunk{{OldStart: 1, OldCount: 1, Lines: []string{" z", "-b", "+B"}}},
	}}}

	res, err := m.Apply(context.Background(), spec, ApplyOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"f.txt"}, res.Fallbacks)

	data, _ := os.ReadFile(filepath.Join(root, "f.txt"))
	assert.Equal(t, "fallback\n", string(data))

	// A diagnostic artifact lands under outputs/diagnostics.
	entries, err := os.ReadDir(filepath.Join(root, "outputs", "diagnostics"))
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.True(t, strings.HasSuffix(entries[0].Name(), ".json"))
}

func TestApplyHunkMismatchWithoutContentFails(t *testing.T) {
	m, root := testMutator(t, &fakeGit{})
	require.NoError(t, os.WriteFile(filepath.Join(root, "f.txt"), []byte("a\nb\nc\n"), 0o644))

	spec := &EditSpec{Ops: []Op{{
		Action: ActionUpsert,
		Path:   "f.txt",
		Hunks:  []Hunk{{OldStart: 1, OldCount: 1, Lines: []string{" z", "-b", "+B"}}},
	}}}

	_, err := m.Apply(context.Background(), spec, ApplyOptions{})
	assert.ErrorIs(t, err, ErrHunkMismatch)
}

func TestApplyPolicyGates(t *testing.T) {
	m, _ := testMutator(t, &fakeGit{})
	ctx := context.Background()

	tests := []struct {
		name string
		op   Op
		want error
	}{
		{"path escape", Op{Action: ActionUpsert, Path: "../outside.txt", Content: strPtr("x")}, ErrPathEscape},
		{"git internals", Op{Action: ActionUpsert, Path: ".git/config", Content: strPtr("x")}, ErrBlockedPath},
		{"env file", Op{Action: ActionUpsert, Path: "deep/dir/.env", Content: strPtr("x")}, ErrBlockedPath},
		{"blocked extension", Op{Action: ActionUpsert, Path: "tool.exe", Content: strPtr("x")}, ErrBlockedExtension},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Apply(ctx, &EditSpec{Ops: []Op{tt.op}}, ApplyOptions{})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestApplyPerCallExtensionOverride(t *testing.T) {
	m, _ := testMutator(t, &fakeGit{})

	spec := &EditSpec{Ops: []Op{{Action: ActionUpsert, Path: "notes.md", Content: strPtr("x")}}}
	_, err := m.Apply(context.Background(), spec, ApplyOptions{BlockedExts: []string{".md"}})
	assert.ErrorIs(t, err, ErrBlockedExtension)
}

func TestApplySizeLimit(t *testing.T) {
	git := &fakeGit{}
	root := t.TempDir()
	cfg := config.MutationConfig{MaxWriteBytes: 8, WriteDiagnostics: false}
	m, err := NewMutator(root, cfg, git, logger.Discard())
	require.NoError(t, err)

	spec := &EditSpec{Ops: []Op{{Action: ActionUpsert, Path: "big.txt", Content: strPtr("0123456789")}}}
	_, err = m.Apply(context.Background(), spec, ApplyOptions{})
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestCommitPushNoopWhenNotDirty(t *testing.T) {
	git := &fakeGit{results: map[string]fakeGitResult{
		"rev-parse": {stdout: "abc123\n"},
	}}
	m, _ := testMutator(t, git)

	res, err := m.CommitPush(context.Background(), &ApplyResult{Changed: []string{"same.txt"}}, "main", "msg")
	require.NoError(t, err)
	assert.True(t, res.Noop)
	assert.Equal(t, "abc123", res.SHA)
	assert.False(t, git.called("push"), "noop must not push")
}

func TestCommitPushNothingToCommitNeedle(t *testing.T) {
	git := &fakeGit{results: map[string]fakeGitResult{
		"commit":    {stdout: "nothing to commit, working tree clean", err: errors.New("exit status 1")},
		"rev-parse": {stdout: "deadbeef\n"},
	}}
	m, _ := testMutator(t, git)

	res, err := m.CommitPush(context.Background(), &ApplyResult{Changed: []string{"f.txt"}, Dirty: true}, "main", "msg")
	require.NoError(t, err)
	assert.True(t, res.Noop)
	assert.Equal(t, "deadbeef", res.SHA)
}

func TestCommitPushSkipsWhenNoRemote(t *testing.T) {
	git := &fakeGit{results: map[string]fakeGitResult{
		"rev-parse": {stdout: "cafe01\n"},
		"remote":    {stdout: "\n"},
	}}
	m, _ := testMutator(t, git)

	res, err := m.CommitPush(context.Background(), &ApplyResult{Changed: []string{"f.txt"}, Dirty: true}, "main", "msg")
	require.NoError(t, err)
	assert.False(t, res.Noop)
	assert.Equal(t, "cafe01", res.SHA)
	assert.False(t, res.Pushed)
}

func TestCommitPushPushesWithForce(t *testing.T) {
	git := &fakeGit{results: map[string]fakeGitResult{
		"rev-parse": {stdout: "cafe01\n"},
		"remote":    {stdout: "origin\n"},
	}}
	m, _ := testMutator(t, git)

	res, err := m.CommitPush(context.Background(), &ApplyResult{Changed: []string{"f.txt"}, Dirty: true}, "feature/x", "msg")
	require.NoError(t, err)
	assert.True(t, res.Pushed)

	var pushArgs []string
	for _, call := range git.calls {
		if call[0] == "push" {
			pushArgs = call
		}
	}
	assert.Equal(t, []string{"push", "origin", "feature/x", "--force"}, pushArgs)
}

func TestCommitCascadeResetsAfterFinalFailure(t *testing.T) {
	git := &fakeGit{results: map[string]fakeGitResult{
		"commit": {stderr: "fatal: unable to write index", err: errors.New("exit status 128")},
	}}
	m, _ := testMutator(t, git)

	_, err := m.CommitPush(context.Background(), &ApplyResult{Changed: []string{"f.txt"}, Dirty: true}, "main", "msg")
	assert.ErrorIs(t, err, ErrMutation)
	assert.True(t, git.called("reset"), "hard reset must run after the cascade fails")

	// All three add variants were attempted.
	adds := 0
	for _, call := range git.calls {
		if call[0] == "add" {
			adds++
		}
	}
	assert.Equal(t, 3, adds)
}

func TestWorkspaceBlocked(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)

	cfg := config.MutationConfig{MaxWriteBytes: 1024}
	m, err := NewMutator(wd, cfg, &fakeGit{}, logger.Discard())
	require.NoError(t, err)

	_, err = m.Apply(context.Background(), &EditSpec{}, ApplyOptions{})
	assert.ErrorIs(t, err, ErrWorkspaceBlocked)
}

func TestEnsureRepoNonFastForwardRecovery(t *testing.T) {
	git := &fakeGit{results: map[string]fakeGitResult{
		"pull":   {stderr: "fatal: Not possible to fast-forward", err: errors.New("exit status 128")},
		"status": {stdout: ""},
	}}
	m, _ := testMutator(t, git)

	require.NoError(t, m.EnsureRepo(context.Background(), "main"))
	assert.True(t, git.called("fetch"))
	assert.True(t, git.called("reset"))
}

func TestEnsureRepoDirtyTreeNotRecovered(t *testing.T) {
	git := &fakeGit{results: map[string]fakeGitResult{
		"pull":   {err: errors.New("exit status 1")},
		"status": {stdout: " M f.txt\n"},
	}}
	m, _ := testMutator(t, git)

	err := m.EnsureRepo(context.Background(), "main")
	assert.ErrorIs(t, err, ErrMutation)
	assert.False(t, git.called("reset"))
}

func TestParseEditSpec(t *testing.T) {
	spec, err := ParseEditSpec([]byte(`{"ops":[
		{"action":"upsert","path":"a.go","content":"x"},
		{"action":"delete","path":"b.go"}
	]}`))
	require.NoError(t, err)
	require.Len(t, spec.Ops, 2)
	assert.Equal(t, ActionUpsert, spec.Ops[0].Action)

	_, err = ParseEditSpec([]byte(`{"ops":[{"action":"upsert","path":"a.go"}]}`))
	assert.Error(t, err, "upsert without content or hunks is invalid")

	_, err = ParseEditSpec([]byte(`{"ops":[{"action":"rename","path":"a.go"}]}`))
	assert.Error(t, err, "unknown action is invalid")
}

// Package gitrepo applies policy-checked edit specs to a repository checkout
// and commits the result, with noop detection and non-fast-forward recovery.
package gitrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/multiagent/ma/common/config"
	"github.com/multiagent/ma/common/logger"
)

// ErrMutation wraps git commit/push failures after all fallbacks.
var ErrMutation = errors.New("repository mutation failed")

// Mutator applies EditSpecs to one repository checkout. A checkout must not be
// shared across concurrent workflows; the coordinator routes one workflow per
// repo path.
type Mutator struct {
	repoRoot string
	workDir  string
	cfg      config.MutationConfig
	git      GitRunner
	log      *logger.Logger
	diagDir  string
}

// ApplyResult reports what an EditSpec application touched.
type ApplyResult struct {
	Changed []string `json:"changed"`
	Deleted []string `json:"deleted"`
	// Dirty is false when every op left the tree byte-identical.
	Dirty bool `json:"dirty"`
	// Fallbacks lists paths where hunks mismatched and content was used instead.
	Fallbacks []string `json:"fallbacks,omitempty"`
}

// CommitResult reports the outcome of commit+push.
type CommitResult struct {
	Noop   bool   `json:"noop"`
	SHA    string `json:"sha"`
	Pushed bool   `json:"pushed"`
}

// ApplyOptions carries per-call policy overrides.
type ApplyOptions struct {
	BlockedExts []string
}

// NewMutator creates a mutator rooted at repoRoot.
func NewMutator(repoRoot string, cfg config.MutationConfig, git GitRunner, log *logger.Logger) (*Mutator, error) {
	abs, err := filepath.Abs(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("invalid repo root %s: %w", repoRoot, err)
	}

	wd, _ := os.Getwd()

	if cfg.MaxWriteBytes <= 0 {
		cfg.MaxWriteBytes = 512 * 1024
	}

	return &Mutator{
		repoRoot: abs,
		workDir:  wd,
		cfg:      cfg,
		git:      git,
		log:      log,
		diagDir:  filepath.Join("outputs", "diagnostics"),
	}, nil
}

// SetDiagnosticsDir overrides where mismatch diagnostics are written.
func (m *Mutator) SetDiagnosticsDir(dir string) { m.diagDir = dir }

// RepoRoot returns the absolute checkout root.
func (m *Mutator) RepoRoot() string { return m.repoRoot }

// Apply runs every op through the policy gates and applies it to the working
// tree. Writes are atomic (tmp file + rename). The first failing op aborts.
func (m *Mutator) Apply(ctx context.Context, spec *EditSpec, opts ApplyOptions) (*ApplyResult, error) {
	if err := m.checkWorkspace(); err != nil {
		return nil, err
	}

	result := &ApplyResult{}
	for i, op := range spec.Ops {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		abs, err := m.checkPath(op.Path, opts.BlockedExts)
		if err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}

		switch op.Action {
		case ActionDelete:
			dirty, err := m.applyDelete(abs)
			if err != nil {
				return nil, fmt.Errorf("op %d (%s): %w", i, op.Path, err)
			}
			result.Deleted = append(result.Deleted, op.Path)
			result.Dirty = result.Dirty || dirty

		case ActionUpsert:
			dirty, fellBack, err := m.applyUpsert(op, abs)
			if err != nil {
				return nil, fmt.Errorf("op %d (%s): %w", i, op.Path, err)
			}
			result.Changed = append(result.Changed, op.Path)
			result.Dirty = result.Dirty || dirty
			if fellBack {
				result.Fallbacks = append(result.Fallbacks, op.Path)
			}

		default:
			return nil, fmt.Errorf("op %d: unknown action %q", i, op.Action)
		}
	}

	m.log.Info("edit spec applied",
		"changed", len(result.Changed),
		"deleted", len(result.Deleted),
		"dirty", result.Dirty)
	return result, nil
}

func (m *Mutator) applyDelete(abs string) (bool, error) {
	if _, err := os.Stat(abs); os.IsNotExist(err) {
		return false, nil
	}
	if err := os.Remove(abs); err != nil {
		return false, err
	}
	return true, nil
}

// applyUpsert resolves the target content (hunks first, content fallback) and
// writes it atomically. Returns whether the file actually changed and whether
// the content fallback was used.
func (m *Mutator) applyUpsert(op Op, abs string) (dirty bool, fellBack bool, err error) {
	existing := ""
	existed := false
	if data, readErr := os.ReadFile(abs); readErr == nil {
		existing = string(data)
		existed = true
	}

	var next string
	switch {
	case len(op.Hunks) > 0:
		applied, mismatch, hunkErr := applyHunks(existing, op.Hunks)
		if hunkErr == nil {
			next = applied
			break
		}
		m.writeDiagnostic(op.Path, mismatch)
		if op.Content == nil {
			return false, false, fmt.Errorf("%s: %w", op.Path, ErrHunkMismatch)
		}
		m.log.Warn("hunks did not apply, falling back to full content", "path", op.Path)
		next = *op.Content
		fellBack = true

	case op.Content != nil:
		next = *op.Content

	default:
		return false, false, fmt.Errorf("upsert has neither content nor hunks")
	}

	if int64(len(next)) > m.cfg.MaxWriteBytes {
		return false, false, fmt.Errorf("%s is %d bytes (limit %d): %w", op.Path, len(next), m.cfg.MaxWriteBytes, ErrTooLarge)
	}

	if existed && existing == next {
		return false, fellBack, nil
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return false, fellBack, err
	}
	tmp := abs + ".tmp"
	if err := os.WriteFile(tmp, []byte(next), 0o644); err != nil {
		return false, fellBack, err
	}
	if err := os.Rename(tmp, abs); err != nil {
		os.Remove(tmp)
		return false, fellBack, err
	}
	return true, fellBack, nil
}

// CommitPush stages the applied paths, commits with the fallback cascade, and
// force-pushes the branch unless the checkout has no remote.
func (m *Mutator) CommitPush(ctx context.Context, result *ApplyResult, branch, message string) (*CommitResult, error) {
	if err := m.checkWorkspace(); err != nil {
		return nil, err
	}

	if !result.Dirty {
		sha, _ := m.headSHA(ctx)
		m.log.Info("nothing changed on disk, skipping commit", "sha", sha)
		return &CommitResult{Noop: true, SHA: sha}, nil
	}

	paths := append(append([]string{}, result.Changed...), result.Deleted...)
	sha, noop, err := m.commitCascade(ctx, paths, message)
	if err != nil {
		return nil, err
	}
	if noop {
		return &CommitResult{Noop: true, SHA: sha}, nil
	}

	pushed, err := m.push(ctx, branch)
	if err != nil {
		return nil, err
	}

	return &CommitResult{SHA: sha, Pushed: pushed}, nil
}

// commitCascade tries a targeted commit, then add --force, then add -A. After
// the final failure it writes a diagnostic, hard-resets, and surfaces the error.
func (m *Mutator) commitCascade(ctx context.Context, paths []string, message string) (sha string, noop bool, err error) {
	attempt := func(addArgs []string) (string, string, error) {
		if _, _, addErr := m.git.Run(ctx, m.repoRoot, addArgs...); addErr != nil {
			return "", "", addErr
		}
		commitArgs := append([]string{"commit", "--no-verify", "-m", message, "--"}, paths...)
		return m.git.Run(ctx, m.repoRoot, commitArgs...)
	}

	stdout, stderr, err := attempt(append([]string{"add", "--"}, paths...))
	if err == nil {
		return m.finishCommit(ctx)
	}
	if isNothingToCommit(stdout, stderr, err) {
		sha, _ := m.headSHA(ctx)
		return sha, true, nil
	}

	m.log.Warn("targeted commit failed, retrying with add --force", "error", err)
	stdout, stderr, err = attempt(append([]string{"add", "--force", "--"}, paths...))
	if err == nil {
		return m.finishCommit(ctx)
	}
	if isNothingToCommit(stdout, stderr, err) {
		sha, _ := m.headSHA(ctx)
		return sha, true, nil
	}

	m.log.Warn("forced commit failed, retrying with add -A", "error", err)
	if _, _, addErr := m.git.Run(ctx, m.repoRoot, "add", "-A"); addErr == nil {
		stdout, stderr, err = m.git.Run(ctx, m.repoRoot, "commit", "--no-verify", "-m", message)
		if err == nil {
			return m.finishCommit(ctx)
		}
		if isNothingToCommit(stdout, stderr, err) {
			sha, _ := m.headSHA(ctx)
			return sha, true, nil
		}
	}

	m.writeDiagnostic("commit-failure", map[string]any{
		"paths": paths,
		"error": err.Error(),
	})
	if _, _, resetErr := m.git.Run(ctx, m.repoRoot, "reset", "--hard"); resetErr != nil {
		m.log.Error("hard reset after commit failure also failed", "error", resetErr)
	}
	return "", false, fmt.Errorf("commit failed after all fallbacks: %v: %w", err, ErrMutation)
}

func (m *Mutator) finishCommit(ctx context.Context) (string, bool, error) {
	sha, err := m.headSHA(ctx)
	if err != nil {
		return "", false, err
	}
	return sha, false, nil
}

func (m *Mutator) headSHA(ctx context.Context) (string, error) {
	stdout, _, err := m.git.Run(ctx, m.repoRoot, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("rev-parse HEAD: %w", err)
	}
	return strings.TrimSpace(stdout), nil
}

func (m *Mutator) push(ctx context.Context, branch string) (bool, error) {
	remotes, _, err := m.git.Run(ctx, m.repoRoot, "remote")
	if err != nil {
		return false, fmt.Errorf("listing remotes: %v: %w", err, ErrMutation)
	}
	if strings.TrimSpace(remotes) == "" {
		m.log.Warn("no git remote configured, skipping push", "branch", branch)
		m.writeDiagnostic("push-skipped", map[string]any{"branch": branch, "reason": "no remote"})
		return false, nil
	}

	if _, _, err := m.git.Run(ctx, m.repoRoot, "push", "origin", branch, "--force"); err != nil {
		return false, fmt.Errorf("push origin %s: %v: %w", branch, err, ErrMutation)
	}
	return true, nil
}

// EnsureRepo brings the checkout up to date on branch. When a pull fails and
// the tree is clean, recovers from non-fast-forward divergence by resetting
// onto the remote branch.
func (m *Mutator) EnsureRepo(ctx context.Context, branch string) error {
	if _, _, err := m.git.Run(ctx, m.repoRoot, "pull", "origin", branch); err == nil {
		return nil
	} else {
		m.log.Warn("pull failed, attempting non-fast-forward recovery", "branch", branch, "error", err)
	}

	status, _, err := m.git.Run(ctx, m.repoRoot, "status", "--porcelain")
	if err != nil {
		return fmt.Errorf("status after failed pull: %w", err)
	}
	if strings.TrimSpace(status) != "" {
		return fmt.Errorf("pull failed and working tree is dirty: %w", ErrMutation)
	}

	if _, _, err := m.git.Run(ctx, m.repoRoot, "fetch", "origin", branch); err != nil {
		return fmt.Errorf("fetch origin %s: %w", branch, err)
	}
	if _, _, err := m.git.Run(ctx, m.repoRoot, "reset", "--hard", "origin/"+branch); err != nil {
		return fmt.Errorf("reset --hard origin/%s: %w", branch, err)
	}
	return nil
}

// writeDiagnostic persists a JSON artifact under outputs/diagnostics when
// diagnostics are enabled.
func (m *Mutator) writeDiagnostic(subject string, payload any) {
	if !m.cfg.WriteDiagnostics || payload == nil {
		return
	}

	if err := os.MkdirAll(m.diagDir, 0o755); err != nil {
		m.log.Warn("cannot create diagnostics dir", "dir", m.diagDir, "error", err)
		return
	}

	safe := strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(subject)
	name := fmt.Sprintf("%s-%s.json", time.Now().UTC().Format("2006-01-02T15-04-05.000Z"), safe)
	path := filepath.Join(m.diagDir, name)

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		m.log.Warn("cannot marshal diagnostic", "subject", subject, "error", err)
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		m.log.Warn("cannot write diagnostic", "path", path, "error", err)
		return
	}
	m.log.Info("diagnostic written", "path", path)
}

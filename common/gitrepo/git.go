package gitrepo

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// GitRunner executes git commands in a directory. Swappable so tests can run
// without a git binary or a real checkout.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (stdout, stderr string, err error)
}

// ExecRunner runs git via os/exec with hooks disabled.
type ExecRunner struct{}

// Run executes `git args...` in dir.
func (ExecRunner) Run(ctx context.Context, dir string, args ...string) (string, string, error) {
	full := append([]string{"-c", "core.hooksPath=/dev/null"}, args...)
	cmd := exec.CommandContext(ctx, "git", full...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		err = fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), stderr.String(), err
}

// nothingToCommitNeedles are the signals git emits when a commit would be empty.
var nothingToCommitNeedles = []string{
	"nothing to commit",
	"no changes added to commit",
	"nothing added to commit",
	"working tree clean",
}

func isNothingToCommit(stdout, stderr string, err error) bool {
	combined := stdout + "\n" + stderr
	if err != nil {
		combined += "\n" + err.Error()
	}
	lower := strings.ToLower(combined)
	for _, needle := range nothingToCommitNeedles {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}

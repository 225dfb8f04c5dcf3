package gitrepo

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Policy error categories.
var (
	ErrWorkspaceBlocked = errors.New("git operations against the service workspace are blocked")
	ErrBlockedPath      = errors.New("path is globally blocked")
	ErrBlockedExtension = errors.New("file extension is blocked")
	ErrPathEscape       = errors.New("path escapes the repository root")
	ErrTooLarge         = errors.New("content exceeds the write size limit")
)

// globalBlockPatterns are always denied regardless of configuration. Matched
// with doublestar globs against the repo-relative path.
var globalBlockPatterns = []string{
	".git/**",
	".git",
	"**/.env",
	"**/.env.*",
	"**/*.pem",
	"**/*_rsa",
	"**/id_ed25519",
	"**/node_modules/**",
}

// checkPath runs the ordered policy gates for one op path and returns the
// resolved absolute path on success.
func (m *Mutator) checkPath(relPath string, extraBlockedExts []string) (string, error) {
	clean := filepath.ToSlash(filepath.Clean(relPath))

	for _, pattern := range globalBlockPatterns {
		if ok, _ := doublestar.Match(pattern, clean); ok {
			return "", fmt.Errorf("%s: %w", relPath, ErrBlockedPath)
		}
	}

	ext := strings.ToLower(filepath.Ext(clean))
	if ext != "" {
		for _, blocked := range m.blockedExts(extraBlockedExts) {
			if ext == strings.ToLower(blocked) {
				return "", fmt.Errorf("%s: %w", relPath, ErrBlockedExtension)
			}
		}
	}

	abs, err := filepath.Abs(filepath.Join(m.repoRoot, relPath))
	if err != nil {
		return "", fmt.Errorf("%s: %w", relPath, ErrPathEscape)
	}
	if abs != m.repoRoot && !strings.HasPrefix(abs, m.repoRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("%s resolves outside %s: %w", relPath, m.repoRoot, ErrPathEscape)
	}
	if abs == m.repoRoot {
		return "", fmt.Errorf("%s resolves to the repository root: %w", relPath, ErrPathEscape)
	}

	return abs, nil
}

// blockedExts merges the configured deny-list with a per-call override list.
func (m *Mutator) blockedExts(extra []string) []string {
	if len(extra) == 0 {
		return m.cfg.BlockedExts
	}
	merged := make([]string, 0, len(m.cfg.BlockedExts)+len(extra))
	merged = append(merged, m.cfg.BlockedExts...)
	merged = append(merged, extra...)
	return merged
}

// checkWorkspace rejects mutation of the process's own working directory
// unless explicitly allowed.
func (m *Mutator) checkWorkspace() error {
	if m.cfg.AllowWorkspaceGit {
		return nil
	}
	if m.workDir != "" && m.workDir == m.repoRoot {
		return fmt.Errorf("repo root %s: %w", m.repoRoot, ErrWorkspaceBlocked)
	}
	return nil
}

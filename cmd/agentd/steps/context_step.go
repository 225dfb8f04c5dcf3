package steps

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/multiagent/ma/cmd/agentd/engine"
	"github.com/multiagent/ma/common/persona"
)

// Snapshot location inside a checkout.
const (
	contextDir       = ".ma/context"
	snapshotFile     = "snapshot.json"
	snapshotFreshFor = 24 * time.Hour
)

// ContextStep ensures a repository context snapshot exists. A fresh
// snapshot is reused (reused_existing=true); otherwise the context persona
// performs a scan. force_rescan bypasses reuse entirely.
type ContextStep struct {
	deps Deps
}

func (s *ContextStep) Type() string { return TypeContextScan }

func (s *ContextStep) Validate(cfg *engine.StepConfig) error { return nil }

func (s *ContextStep) Execute(ctx context.Context, ec *engine.Context, cfg *engine.StepConfig) *engine.StepResult {
	conf := resolveConfig(ec, cfg)
	force := cfgBool(conf, "force_rescan", false)
	snapshot := filepath.Join(ec.RepoRoot, contextDir, snapshotFile)

	if !force {
		if info, err := os.Stat(snapshot); err == nil {
			age := time.Since(info.ModTime())
			if age <= s.maxAge(conf) {
				ec.Logger.Info("reusing context snapshot", "path", snapshot, "age", age)
				return engine.Success(map[string]any{
					"reused_existing": true,
					"snapshot_path":   snapshot,
				})
			}
		}
	}

	if flagSet(ec, VarSkipPersonas) {
		// No scanner available; a stale snapshot still beats nothing.
		if _, err := os.Stat(snapshot); err == nil {
			return engine.Success(map[string]any{
				"reused_existing": true,
				"snapshot_path":   snapshot,
				"stale":           true,
			})
		}
		return engine.Skipped("persona operations disabled and no snapshot present")
	}

	scanner := cfgString(conf, "persona")
	if scanner == "" {
		scanner = "context"
	}

	payload := map[string]any{"mode": "scan"}
	if force {
		payload["mode"] = "full"
	}

	corrID, err := s.deps.Client.SendRequest(ctx, personaRequest(ec, cfg, scanner, "scan_repository", payload))
	if err != nil {
		return engine.Failure(err)
	}
	event, err := s.deps.Client.AwaitCompletion(ctx, scanner, ec.WorkflowID, corrID, s.deps.personaTimeout())
	if err != nil {
		return engine.Failure(err)
	}
	if event.Status() == persona.StatusFail {
		return engine.Failure(fmt.Errorf("context scan: %w", ErrPersonaFailure))
	}

	return engine.Success(map[string]any{
		"reused_existing": false,
		"snapshot_path":   snapshot,
		"scan_result":     event.Result,
	})
}

func (s *ContextStep) maxAge(conf map[string]any) time.Duration {
	if ms := cfgInt(conf, "max_age_ms", 0); ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return snapshotFreshFor
}

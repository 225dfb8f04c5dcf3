package steps

import (
	"context"
	"fmt"
	"strings"

	"github.com/multiagent/ma/cmd/agentd/engine"
)

// RegisterBlockedDepsStep records which tasks block the current one on the
// dashboard. Incoming IDs are normalized (deduplicated, self-references
// dropped) and merged with the existing list; an empty list only clears the
// dependencies when allow_clear is set.
type RegisterBlockedDepsStep struct {
	deps Deps
}

func (s *RegisterBlockedDepsStep) Type() string { return TypeRegisterBlockedDeps }

func (s *RegisterBlockedDepsStep) Validate(cfg *engine.StepConfig) error { return nil }

func (s *RegisterBlockedDepsStep) Execute(ctx context.Context, ec *engine.Context, cfg *engine.StepConfig) *engine.StepResult {
	conf := resolveConfig(ec, cfg)

	taskID := cfgString(conf, "task_id")
	if taskID == "" {
		taskID = ec.TaskID
	}
	if taskID == "" {
		return engine.Failure(fmt.Errorf("step %s: no task id available: %w", cfg.Name, engine.ErrContract))
	}

	incoming := normalizeDeps(cfgStrings(conf, "dependencies"), taskID)

	if len(incoming) == 0 {
		if cfgBool(conf, "allow_clear", false) {
			if err := s.deps.Dashboard.SetBlockedDependencies(ctx, taskID, []string{}); err != nil {
				return engine.Failure(fmt.Errorf("clear blocked deps for %s: %w", taskID, err))
			}
			return engine.Success(map[string]any{"blocked_by": []string{}, "cleared": true})
		}
		return engine.Success(map[string]any{"blocked_by": []string{}, "cleared": false})
	}

	task, err := s.deps.Dashboard.GetTask(ctx, taskID)
	if err != nil {
		return engine.Failure(fmt.Errorf("fetch task %s: %w", taskID, err))
	}

	merged := normalizeDeps(append(append([]string{}, task.BlockedBy...), incoming...), taskID)
	if err := s.deps.Dashboard.SetBlockedDependencies(ctx, taskID, merged); err != nil {
		return engine.Failure(fmt.Errorf("set blocked deps for %s: %w", taskID, err))
	}

	return engine.Success(map[string]any{"blocked_by": merged, "cleared": false})
}

// normalizeDeps trims, deduplicates preserving order, and drops empties and
// the task's own id.
func normalizeDeps(ids []string, selfID string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || id == selfID {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

package steps

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/multiagent/ma/cmd/agentd/engine"
)

// logRetention is how many log files survive cleanup per category.
const logRetention = 5

// Directories under .ma whose log files are pruned on terminal statuses.
var cleanupDirs = []string{"planning", "qa"}

var terminalStatuses = map[string]bool{
	"done":      true,
	"merged":    true,
	"closed":    true,
	"cancelled": true,
	"failed":    true,
}

// TaskUpdateStep reports a task status change to the dashboard. Terminal
// statuses also prune the task's planning/qa log directories so long-lived
// checkouts do not accumulate unbounded logs.
type TaskUpdateStep struct {
	deps Deps
}

func (s *TaskUpdateStep) Type() string { return TypeTaskUpdate }

func (s *TaskUpdateStep) Validate(cfg *engine.StepConfig) error {
	return requireKey(cfg, "status")
}

func (s *TaskUpdateStep) Execute(ctx context.Context, ec *engine.Context, cfg *engine.StepConfig) *engine.StepResult {
	conf := resolveConfig(ec, cfg)

	status := cfgString(conf, "status")
	if status == "" {
		return engine.Failure(fmt.Errorf("step %s: status resolved empty: %w", cfg.Name, engine.ErrContract))
	}

	taskID := cfgString(conf, "task_id")
	if taskID == "" {
		taskID = ec.TaskID
	}
	if taskID == "" {
		return engine.Failure(fmt.Errorf("step %s: no task id available: %w", cfg.Name, engine.ErrContract))
	}

	fields := cfgMap(conf, "fields")
	if err := s.deps.Dashboard.UpdateTaskStatus(ctx, taskID, status, fields); err != nil {
		return engine.Failure(fmt.Errorf("update task %s: %w", taskID, err))
	}

	cleaned := 0
	if terminalStatuses[status] && ec.RepoRoot != "" {
		cleaned = cleanupTaskLogs(filepath.Join(ec.RepoRoot, ".ma"), ec.Logger.Warn)
	}

	return engine.Success(map[string]any{
		"task_id":      taskID,
		"status":       status,
		"logs_removed": cleaned,
	})
}

// cleanupTaskLogs keeps the newest logRetention files per category directory
// and removes the rest. Returns the number of files removed.
func cleanupTaskLogs(maDir string, warn func(msg string, args ...any)) int {
	removed := 0
	for _, category := range cleanupDirs {
		dir := filepath.Join(maDir, category)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}

		type logFile struct {
			path  string
			mtime int64
		}
		var files []logFile
		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != ".log" {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			files = append(files, logFile{
				path:  filepath.Join(dir, entry.Name()),
				mtime: info.ModTime().UnixNano(),
			})
		}

		if len(files) <= logRetention {
			continue
		}

		sort.Slice(files, func(i, j int) bool { return files[i].mtime > files[j].mtime })
		for _, f := range files[logRetention:] {
			if err := os.Remove(f.path); err != nil {
				warn("removing stale log failed", "path", f.path, "error", err)
				continue
			}
			removed++
		}
	}
	return removed
}

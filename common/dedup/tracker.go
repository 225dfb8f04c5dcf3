// Package dedup tracks processed persona messages so redeliveries from the
// at-least-once transport can be recognized and skipped.
package dedup

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/multiagent/ma/common/logger"
)

// DefaultTTL bounds how long a processed entry is remembered.
const DefaultTTL = 24 * time.Hour

// Entry records one processed (task, correlation, persona) triple.
type Entry struct {
	TaskID     string
	CorrID     string
	Persona    string
	At         time.Time
	WorkflowID string
}

// Stats summarizes tracker state.
type Stats struct {
	Entries int
	Oldest  time.Time
}

// Tracker is a TTL-bounded dedup map. All methods are safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]Entry
	ttl     time.Duration
	log     *logger.Logger

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// New creates a tracker with the given TTL (DefaultTTL when zero).
func New(ttl time.Duration, log *logger.Logger) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		entries: make(map[string]Entry),
		ttl:     ttl,
		log:     log,
	}
}

func key(taskID, corrID, persona string) string {
	return fmt.Sprintf("%s:%s:%s", taskID, corrID, strings.ToLower(persona))
}

// IsDuplicate reports whether the triple was already processed within TTL.
// Missing taskID or corrID means the message cannot be tracked; such messages
// are never considered duplicates.
func (t *Tracker) IsDuplicate(taskID, corrID, persona string) bool {
	if taskID == "" || corrID == "" {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[key(taskID, corrID, persona)]
	if !ok {
		return false
	}
	if time.Since(entry.At) > t.ttl {
		delete(t.entries, key(taskID, corrID, persona))
		return false
	}

	t.log.Warn("duplicate message detected",
		"task_id", taskID,
		"corr_id", corrID,
		"persona", persona,
		"first_processed_at", entry.At,
		"workflow_id", entry.WorkflowID)
	return true
}

// MarkProcessed records the triple. No-op when taskID or corrID is empty.
func (t *Tracker) MarkProcessed(taskID, corrID, persona, workflowID string) {
	if taskID == "" || corrID == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries[key(taskID, corrID, persona)] = Entry{
		TaskID:     taskID,
		CorrID:     corrID,
		Persona:    persona,
		At:         time.Now(),
		WorkflowID: workflowID,
	}
}

// Stats returns a snapshot of tracker state.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := Stats{Entries: len(t.entries)}
	for _, e := range t.entries {
		if stats.Oldest.IsZero() || e.At.Before(stats.Oldest) {
			stats.Oldest = e.At
		}
	}
	return stats
}

// StartSweeper launches the background sweep loop. Calling it twice without
// StopSweeper is a programming error and is ignored.
func (t *Tracker) StartSweeper(interval time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sweepStop != nil {
		return
	}

	t.sweepStop = make(chan struct{})
	t.sweepDone = make(chan struct{})

	go func(stop, done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				t.sweep()
			}
		}
	}(t.sweepStop, t.sweepDone)
}

// StopSweeper halts the sweep loop and waits for it to exit.
func (t *Tracker) StopSweeper() {
	t.mu.Lock()
	stop, done := t.sweepStop, t.sweepDone
	t.sweepStop, t.sweepDone = nil, nil
	t.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (t *Tracker) sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-t.ttl)
	removed := 0
	for k, e := range t.entries {
		if e.At.Before(cutoff) {
			delete(t.entries, k)
			removed++
		}
	}
	if removed > 0 {
		t.log.Debug("swept processed-message entries", "removed", removed, "remaining", len(t.entries))
	}
}

package gitrepo

import (
	"encoding/json"
	"fmt"
)

// Op actions.
const (
	ActionUpsert = "upsert"
	ActionDelete = "delete"
)

// Hunk is a unified-diff change region. Lines carry the old-style prefix
// markers ' ' (context), '+' (add), '-' (remove); any other prefix is treated
// as context.
type Hunk struct {
	OldStart int      `json:"oldStart"`
	OldCount int      `json:"oldCount"`
	Lines    []string `json:"lines"`
}

// Op is one edit operation against the working tree.
type Op struct {
	Action  string  `json:"action"`
	Path    string  `json:"path"`
	Content *string `json:"content,omitempty"`
	Hunks   []Hunk  `json:"hunks,omitempty"`
}

// EditSpec is an ordered list of edit operations.
type EditSpec struct {
	Ops []Op `json:"ops"`
}

// ParseEditSpec decodes an EditSpec from JSON and validates op shapes.
func ParseEditSpec(data []byte) (*EditSpec, error) {
	var spec EditSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("invalid edit spec: %w", err)
	}

	for i, op := range spec.Ops {
		switch op.Action {
		case ActionUpsert:
			if op.Path == "" {
				return nil, fmt.Errorf("op %d: upsert requires a path", i)
			}
			if op.Content == nil && len(op.Hunks) == 0 {
				return nil, fmt.Errorf("op %d: upsert requires content or hunks", i)
			}
		case ActionDelete:
			if op.Path == "" {
				return nil, fmt.Errorf("op %d: delete requires a path", i)
			}
		default:
			return nil, fmt.Errorf("op %d: unknown action %q", i, op.Action)
		}
	}
	return &spec, nil
}

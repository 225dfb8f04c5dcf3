package engine

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Definition is a declared, named, versioned sequence of steps.
type Definition struct {
	Name    string       `yaml:"name" json:"name"`
	Version string       `yaml:"version" json:"version"`
	Steps   []StepConfig `yaml:"steps" json:"steps"`

	// Inputs declares the variables a parent workflow must provide when this
	// definition runs as a sub-workflow.
	Inputs []string `yaml:"inputs,omitempty" json:"inputs,omitempty"`

	// Outputs maps exported names to references resolved against the child
	// context when this definition runs as a sub-workflow.
	Outputs map[string]string `yaml:"outputs,omitempty" json:"outputs,omitempty"`
}

// LoadDefinition reads and validates a workflow definition from a YAML file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow definition: %w", err)
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse workflow definition %s: %w", path, err)
	}

	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("workflow definition %s: %w", path, err)
	}
	return &def, nil
}

// Validate checks structural invariants: a name, at least one step, and
// unique step names.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps", d.Name)
	}

	seen := make(map[string]struct{}, len(d.Steps))
	for i, step := range d.Steps {
		if step.Name == "" {
			return fmt.Errorf("step %d has no name", i)
		}
		if step.Type == "" {
			return fmt.Errorf("step %s has no type", step.Name)
		}
		if _, dup := seen[step.Name]; dup {
			return fmt.Errorf("duplicate step name %s", step.Name)
		}
		seen[step.Name] = struct{}{}
	}
	return nil
}

package orchestration

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/mhalbert/flowline/core"
)

// Definition is the file form of a workflow, applied with the CLI. Step
// order follows list order; the file never carries explicit order numbers.
//
// Example:
//
//	name: order-pipeline
//	version: 1
//	metadata:
//	  team: payments
//	steps:
//	  - name: fetch-order
//	    type: http_request
//	    config:
//	      url: https://api.example.com/orders/{order_id}
//	    timeout_seconds: 30
//	    max_retries: 2
//	  - name: notify
//	    type: log
//	    config:
//	      message: "Order {order_id} processed"
type Definition struct {
	Name     string           `yaml:"name" json:"name"`
	Version  int              `yaml:"version,omitempty" json:"version,omitempty"`
	Metadata core.JSONMap     `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	Steps    []StepDefinition `yaml:"steps" json:"steps"`
}

// StepDefinition defines one step in a workflow file. TimeoutSeconds and
// MaxRetries are optional; the entity defaults apply when omitted.
type StepDefinition struct {
	Name           string       `yaml:"name" json:"name"`
	Type           string       `yaml:"type" json:"type"`
	Config         core.JSONMap `yaml:"config,omitempty" json:"config,omitempty"`
	TimeoutSeconds *int         `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	MaxRetries     *int         `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
}

// ParseDefinition parses and validates a workflow definition from YAML.
// A missing version defaults to 1.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, &core.EngineError{
			Op:   "definition.Parse",
			Kind: "definition",
			Err:  fmt.Errorf("parsing workflow definition: %w", err),
		}
	}
	if def.Version == 0 {
		def.Version = 1
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks the definition for shape errors before any store write.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return validationErr("definition.Validate", "workflow name is required")
	}
	if d.Version < 1 {
		return validationErr("definition.Validate", "workflow version must be at least 1")
	}
	if len(d.Steps) == 0 {
		return validationErr("definition.Validate", "workflow must define at least one step")
	}
	for i, step := range d.Steps {
		if step.Name == "" {
			return validationErr("definition.Validate", "step %d: name is required", i)
		}
		if step.Type == "" {
			return validationErr("definition.Validate", "step %d (%s): type is required", i, step.Name)
		}
		if step.TimeoutSeconds != nil && *step.TimeoutSeconds <= 0 {
			return validationErr("definition.Validate", "step %d (%s): timeout_seconds must be positive", i, step.Name)
		}
		if step.MaxRetries != nil && *step.MaxRetries < 0 {
			return validationErr("definition.Validate", "step %d (%s): max_retries cannot be negative", i, step.Name)
		}
	}
	return nil
}

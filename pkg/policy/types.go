package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that block the job.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that block the job.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity rejects a job.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Config configures admission control.
type Config struct {
	// Enabled turns admission control on.
	Enabled bool `yaml:"enabled"`

	// Builtin loads the built-in admission policies.
	Builtin bool `yaml:"builtin"`

	// Paths lists .rego files or directories with additional policies.
	Paths []string `yaml:"paths"`

	// Watch reloads policies from Paths when they change.
	Watch bool `yaml:"watch"`

	// MaxTasks rejects jobs whose root graph has more nodes. Zero disables
	// the limit.
	MaxTasks int `yaml:"max_tasks" validate:"gte=0"`

	// Environment is passed to policies as input.environment.
	Environment string `yaml:"environment"`
}

// DefaultConfig returns admission control with the built-in policies.
func DefaultConfig() Config {
	return Config{
		Enabled:  true,
		Builtin:  true,
		MaxTasks: 500,
	}
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name" yaml:"name"`

	// Description provides a human-readable description.
	Description string `json:"description" yaml:"description"`

	// Rego contains the Rego policy code. Its deny set is evaluated.
	Rego string `json:"rego" yaml:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity" yaml:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty" yaml:"tags"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty" yaml:"metadata"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Violation represents a single deny result.
type Violation struct {
	Policy    string   `json:"policy"`
	Message   string   `json:"message"`
	Severity  Severity `json:"severity"`
	Reference string   `json:"reference,omitempty"`
}

// Decision is the outcome of evaluating every enabled policy for one job.
type Decision struct {
	// Allowed is false when any violation blocks.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations and evaluation failures.
	Warnings []string `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Messages returns the messages of the blocking violations.
func (d *Decision) Messages() []string {
	out := make([]string, 0, len(d.Violations))
	for _, v := range d.Violations {
		out = append(out, v.Message)
	}
	return out
}

// Input is the document policies see as input.
type Input struct {
	Name        string           `json:"name"`
	References  []ReferenceInput `json:"references"`
	NodeCount   int              `json:"node_count"`
	TaskNames   []string         `json:"task_names"`
	Environment string           `json:"environment,omitempty"`
	Limits      Limits           `json:"limits"`
	KnownKinds  []string         `json:"known_kinds"`
	Timestamp   time.Time        `json:"timestamp"`
}

// ReferenceInput is an object reference as seen by policies.
type ReferenceInput struct {
	Kind string `json:"kind"`
	ID   int64  `json:"id"`
	Name string `json:"name,omitempty"`
}

// Limits carries configured thresholds into policies.
type Limits struct {
	MaxTasks int `json:"max_tasks"`
}

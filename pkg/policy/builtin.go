package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in admission policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		jobNamingPolicy(),
		taskLimitPolicy(),
		referenceKindsPolicy(),
		unscopedJobPolicy(),
	}
}

// jobNamingPolicy requires a readable job name.
func jobNamingPolicy() Policy {
	return Policy{
		Name:        "job-naming",
		Description: "Jobs must have a non-empty name of at most 200 characters",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package conductor.admission.naming

import rego.v1

deny contains violation if {
	trim_space(input.name) == ""
	violation := {"message": "job name must not be empty"}
}

deny contains violation if {
	count(input.name) > 200
	violation := {"message": sprintf("job name is %d characters, limit is 200", [count(input.name)])}
}
`,
	}
}

// taskLimitPolicy caps the size of a submitted graph.
func taskLimitPolicy() Policy {
	return Policy{
		Name:        "task-limit",
		Description: "Rejects graphs with more nodes than limits.max_tasks",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"limits"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package conductor.admission.limits

import rego.v1

deny contains violation if {
	input.limits.max_tasks > 0
	input.node_count > input.limits.max_tasks
	violation := {
		"message": sprintf("job %q has %d tasks, limit is %d", [input.name, input.node_count, input.limits.max_tasks]),
	}
}
`,
	}
}

// referenceKindsPolicy rejects references to unknown object kinds.
func referenceKindsPolicy() Policy {
	return Policy{
		Name:        "reference-kinds",
		Description: "Every object reference must name a known kind and a positive id",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"references"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package conductor.admission.references

import rego.v1

deny contains violation if {
	some ref in input.references
	not ref.kind in input.known_kinds
	violation := {
		"message": sprintf("unknown object kind %q", [ref.kind]),
		"reference": sprintf("%s/%d", [ref.kind, ref.id]),
	}
}

deny contains violation if {
	some ref in input.references
	ref.id <= 0
	violation := {
		"message": sprintf("object id must be positive, got %d", [ref.id]),
		"reference": sprintf("%s/%d", [ref.kind, ref.id]),
	}
}
`,
	}
}

// unscopedJobPolicy warns about jobs that claim no objects.
func unscopedJobPolicy() Policy {
	return Policy{
		Name:        "unscoped-job",
		Description: "Warns when a job claims no object references and so never queues",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"references"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package conductor.admission.scope

import rego.v1

deny contains violation if {
	count(input.references) == 0
	violation := {"message": sprintf("job %q claims no object references", [input.name])}
}
`,
	}
}

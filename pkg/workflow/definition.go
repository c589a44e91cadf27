package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/secfleet/conductor/pkg/engine"
)

// Definition describes one job: the objects it claims, the locks it takes
// and the steps it runs.
type Definition struct {
	Name        string                   `yaml:"name" validate:"required,max=200"`
	Description string                   `yaml:"description"`
	References  []engine.ObjectReference `yaml:"references" validate:"dive"`
	Locks       *LockSpec                `yaml:"locks"`
	Steps       []Step                   `yaml:"steps" validate:"required,min=1,dive"`
}

// LockSpec declares a child object locked together with its parents for the
// duration of the job.
type LockSpec struct {
	Child      engine.ObjectReference   `yaml:"child"`
	Parents    []engine.ObjectReference `yaml:"parents"`
	ChildMode  string                   `yaml:"child_mode" validate:"omitempty,oneof=read write"`
	ParentMode string                   `yaml:"parent_mode" validate:"omitempty,oneof=read write"`
	Timeout    time.Duration            `yaml:"timeout" validate:"gte=0"`
}

// Step is one task. Exactly one of Script, Sleep, Noop, Fail or Expand is
// set.
type Step struct {
	Name       string                   `yaml:"name" validate:"required"`
	After      []string                 `yaml:"after"`
	Guard      engine.TaskGuard         `yaml:"guard"`
	References []engine.ObjectReference `yaml:"references"`

	Script string                 `yaml:"script"`
	Vars   map[string]interface{} `yaml:"vars"`
	Sleep  time.Duration          `yaml:"sleep" validate:"gte=0"`
	Noop   bool                   `yaml:"noop"`
	Fail   string                 `yaml:"fail"`
	Expand []Step                 `yaml:"expand"`
}

// StepKind names the body of a step.
type StepKind string

const (
	StepScript StepKind = "script"
	StepSleep  StepKind = "sleep"
	StepNoop   StepKind = "noop"
	StepFail   StepKind = "fail"
	StepExpand StepKind = "expand"
)

// Kinds returns the body kinds that are set on s.
func (s Step) Kinds() []StepKind {
	var kinds []StepKind
	if s.Script != "" {
		kinds = append(kinds, StepScript)
	}
	if s.Sleep > 0 {
		kinds = append(kinds, StepSleep)
	}
	if s.Noop {
		kinds = append(kinds, StepNoop)
	}
	if s.Fail != "" {
		kinds = append(kinds, StepFail)
	}
	if len(s.Expand) > 0 {
		kinds = append(kinds, StepExpand)
	}
	return kinds
}

// Kind returns the single body kind of s, or "" if s has none or several.
func (s Step) Kind() StepKind {
	if kinds := s.Kinds(); len(kinds) == 1 {
		return kinds[0]
	}
	return ""
}

// AllReferences returns the job-level references plus the locked objects,
// deduplicated. These are the keys the queuer serializes on.
func (d *Definition) AllReferences() []engine.ObjectReference {
	refs := append([]engine.ObjectReference(nil), d.References...)
	if d.Locks != nil {
		refs = append(refs, d.Locks.Child)
		refs = append(refs, d.Locks.Parents...)
	}
	return engine.Dedupe(refs)
}

// Load reads and validates a workflow file.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow %s: %w", path, err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", path, err)
	}
	return def, nil
}

// Parse decodes and validates a workflow document.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("workflow is empty")
		}
		return nil, fmt.Errorf("failed to decode workflow: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

var validate = validator.New()

// Validate checks the definition. Steps may only run after steps declared
// before them in the same list, which keeps every workflow acyclic.
func (d *Definition) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("invalid workflow: %w", err)
	}
	for _, r := range d.References {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("invalid workflow reference %s: %w", r, err)
		}
	}
	if d.Locks != nil {
		if err := d.Locks.Child.Validate(); err != nil {
			return fmt.Errorf("invalid lock child: %w", err)
		}
		for _, p := range d.Locks.Parents {
			if err := p.Validate(); err != nil {
				return fmt.Errorf("invalid lock parent %s: %w", p, err)
			}
		}
	}
	return validateSteps(d.Steps, "")
}

func validateSteps(steps []Step, scope string) error {
	seen := make(map[string]bool, len(steps))
	for _, s := range steps {
		path := scope + s.Name
		if seen[s.Name] {
			return fmt.Errorf("duplicate step name %q", path)
		}
		for _, dep := range s.After {
			if !seen[dep] {
				return fmt.Errorf("step %q runs after %q, which is not declared before it", path, dep)
			}
		}
		if s.Guard != "" {
			if err := s.Guard.Validate(); err != nil {
				return fmt.Errorf("step %q: %w", path, err)
			}
		}
		for _, r := range s.References {
			if err := r.Validate(); err != nil {
				return fmt.Errorf("step %q reference %s: %w", path, r, err)
			}
		}
		switch kinds := s.Kinds(); len(kinds) {
		case 0:
			return fmt.Errorf("step %q has no body; set one of script, sleep, noop, fail or expand", path)
		case 1:
		default:
			return fmt.Errorf("step %q sets %v; only one body is allowed", path, kinds)
		}
		if len(s.Vars) > 0 && s.Script == "" {
			return fmt.Errorf("step %q sets vars without a script", path)
		}
		if len(s.Expand) > 0 {
			if err := validateSteps(s.Expand, path+"."); err != nil {
				return err
			}
		}
		seen[s.Name] = true
	}
	return nil
}

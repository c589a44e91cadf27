package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/secfleet/conductor/pkg/engine"
	"github.com/secfleet/conductor/pkg/telemetry"
)

// Engine evaluates admission policies before jobs are accepted. It
// implements engine.Admitter.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	cfg      Config
	logger   zerolog.Logger
	events   *telemetry.EventPublisher
	loader   *Loader
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine and loads the built-in policies and the
// configured policy paths.
func NewEngine(ctx context.Context, cfg Config, logger zerolog.Logger, events *telemetry.EventPublisher) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		cfg:      cfg,
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		events:   events,
	}
	e.loader = NewLoader(e.logger)

	if cfg.Builtin {
		if err := e.loadBuiltinPolicies(ctx); err != nil {
			return nil, fmt.Errorf("failed to load built-in policies: %w", err)
		}
	}
	if len(cfg.Paths) > 0 {
		if err := e.LoadPolicies(ctx, cfg.Paths); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Admit implements engine.Admitter. Blocking violations reject the job with
// an ADMISSION_DENIED error and an admission.denied event.
func (e *Engine) Admit(ctx context.Context, req engine.Admission) error {
	decision, err := e.Evaluate(ctx, e.Input(req))
	if err != nil {
		return err
	}
	for _, w := range decision.Warnings {
		e.logger.Warn().Str("job_name", req.Name).Msg(w)
	}
	if decision.Allowed {
		return nil
	}

	reasons := decision.Messages()
	if err := e.events.PublishAdmissionDenied(req.Name, reasons); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to publish admission event")
	}
	e.logger.Info().
		Str("job_name", req.Name).
		Strs("reasons", reasons).
		Msg("Job rejected by admission policy")

	return engine.NewDeniedError(
		fmt.Sprintf("job %q rejected: %s", req.Name, strings.Join(reasons, "; ")), nil,
	).WithDetail("violations", decision.Violations)
}

// Input builds the policy input document for an admission request.
func (e *Engine) Input(req engine.Admission) Input {
	refs := make([]ReferenceInput, 0, len(req.References))
	for _, r := range req.References {
		refs = append(refs, ReferenceInput{Kind: string(r.Kind), ID: r.ID, Name: r.Name})
	}
	kinds := make([]string, 0)
	for _, k := range engine.ObjectKinds() {
		kinds = append(kinds, string(k))
	}
	names := append([]string{}, req.TaskNames...)
	return Input{
		Name:        req.Name,
		References:  refs,
		NodeCount:   req.NodeCount,
		TaskNames:   names,
		Environment: e.cfg.Environment,
		Limits:      Limits{MaxTasks: e.cfg.MaxTasks},
		KnownKinds:  kinds,
		Timestamp:   time.Now(),
	}
}

// Evaluate runs every enabled policy against input.
func (e *Engine) Evaluate(ctx context.Context, input Input) (*Decision, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	decision := &Decision{Allowed: true, EvaluatedPolicies: make([]string, 0, len(e.policies))}
	for _, name := range e.sortedNamesLocked() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		decision.EvaluatedPolicies = append(decision.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", name).Msg("Policy evaluation failed")
			decision.Warnings = append(decision.Warnings, fmt.Sprintf("policy %s evaluation failed: %v", name, err))
			continue
		}
		for _, v := range violations {
			if v.Severity.Blocks() {
				decision.Allowed = false
				decision.Violations = append(decision.Violations, v)
			} else {
				decision.Warnings = append(decision.Warnings, fmt.Sprintf("%s: %s", v.Policy, v.Message))
			}
		}
	}

	decision.EvaluatedAt = time.Now()
	decision.Duration = time.Since(startTime)
	e.logger.Debug().
		Str("job_name", input.Name).
		Int("violations", len(decision.Violations)).
		Dur("duration", decision.Duration).
		Msg("Admission policy evaluation completed")
	return decision, nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		// Sets come back as slices.
		if denySet, ok := result.Expressions[0].Value.([]interface{}); ok {
			for _, d := range denySet {
				violations = append(violations, createViolation(cp.policy, d))
			}
		}
	}
	return violations, nil
}

// createViolation creates a Violation from a deny set member.
func createViolation(policy *Policy, result interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if ref, ok := v["reference"].(string); ok {
			violation.Reference = ref
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}
	return violation
}

// compilePolicy parses a policy and prepares its deny query.
func compilePolicy(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtin := GetBuiltinPolicies()
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range builtin {
		cp, err := compilePolicy(ctx, &builtin[i])
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtin[i].Name, err)
		}
		e.policies[builtin[i].Name] = cp
	}

	e.logger.Debug().Int("count", len(builtin)).Msg("Built-in policies loaded")
	return nil
}

// AddPolicy compiles and registers a policy, replacing one with the same name.
func (e *Engine) AddPolicy(ctx context.Context, policy Policy) error {
	cp, err := compilePolicy(ctx, &policy)
	if err != nil {
		return fmt.Errorf("failed to compile policy %s: %w", policy.Name, err)
	}
	e.mu.Lock()
	e.policies[policy.Name] = cp
	e.mu.Unlock()
	return nil
}

// LoadPolicies loads and compiles policy files. Either every policy compiles
// and is registered, or none is.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.replace(ctx, policies)
}

func (e *Engine) replace(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		cp, err := compilePolicy(ctx, &policies[i])
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		compiled[policies[i].Name] = cp
	}

	e.mu.Lock()
	for name, cp := range compiled {
		e.policies[name] = cp
	}
	e.mu.Unlock()

	e.logger.Info().Int("count", len(policies)).Msg("Policies loaded successfully")
	return nil
}

// Watch reloads the configured policy paths when they change until ctx is
// done.
func (e *Engine) Watch(ctx context.Context) error {
	if len(e.cfg.Paths) == 0 {
		return nil
	}
	return e.loader.Watch(ctx, e.cfg.Paths, func(policies []Policy) error {
		return e.replace(ctx, policies)
	})
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNamesLocked() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

func (e *Engine) sortedNamesLocked() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")
	return nil
}

var _ engine.Admitter = (*Engine)(nil)

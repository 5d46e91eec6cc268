package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/openfroyo/instanced/pkg/engine"
)

// Engine evaluates admission policies. It implements engine.Admission.
//
// Every policy contributes a "deny" set of violations and, optionally, a
// numeric "max_instances" limit. Policies read tenant data from the "data"
// document set with SetData.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	loader   *Loader
	logger   zerolog.Logger
}

var _ engine.Admission = (*Engine)(nil)

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	pkg      string
	deny     rego.PreparedEvalQuery
	limit    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a new policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.NewFromObject(defaultData()),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	e.loader = NewLoader(logger)

	builtins := GetBuiltinPolicies()
	for i := range builtins {
		cp, err := e.compile(context.Background(), &builtins[i])
		if err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.policies[cp.policy.Name] = cp
	}

	e.logger.Info().Int("count", len(builtins)).Msg("Built-in policies loaded")
	return e, nil
}

// defaultData is the initial data document. Policies may rely on these keys.
func defaultData() map[string]interface{} {
	return map[string]interface{}{
		"tenants": map[string]interface{}{},
		"regions": map[string]interface{}{"allowed": []interface{}{}},
	}
}

// Admit implements engine.Admission.
func (e *Engine) Admit(ctx context.Context, req engine.AdmissionRequest) (*engine.AdmissionDecision, error) {
	result, err := e.Evaluate(ctx, req)
	if err != nil {
		return nil, err
	}

	for _, w := range result.Warnings {
		e.logger.Warn().
			Str("tenant", req.OwnerID).
			Str("policy", w.Policy).
			Str("kind", string(req.Kind)).
			Msg(w.Message)
	}

	decision := &engine.AdmissionDecision{Allowed: result.Allowed, MaxInstances: result.MaxInstances}
	for _, v := range result.Violations {
		decision.Reasons = append(decision.Reasons, v.Message)
	}
	return decision, nil
}

// Evaluate runs every enabled policy against req.
func (e *Engine) Evaluate(ctx context.Context, req engine.AdmissionRequest) (*Result, error) {
	start := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	op := "link"
	if req.Kind == engine.KindCloud {
		op = "create"
	}
	input, err := toInput(Input{
		Request: req,
		Context: Context{Timestamp: time.Now().UTC(), Operation: op},
	})
	if err != nil {
		return nil, err
	}

	result := &Result{Allowed: true}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluateDeny(ctx, cp, input)
		if err != nil {
			return nil, engine.NewPermanentError("policy evaluation failed", err).
				WithCode(engine.ErrCodeInternal).
				WithResource(name)
		}
		for _, v := range violations {
			if v.Severity.Blocking() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}

		limit, err := e.evaluateLimit(ctx, cp, input)
		if err != nil {
			return nil, engine.NewPermanentError("policy evaluation failed", err).
				WithCode(engine.ErrCodeInternal).
				WithResource(name)
		}
		if limit > 0 && (result.MaxInstances == 0 || limit < result.MaxInstances) {
			result.MaxInstances = limit
		}
	}
	result.Duration = time.Since(start)

	e.logger.Debug().
		Str("tenant", req.OwnerID).
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Int("max_instances", result.MaxInstances).
		Dur("duration", result.Duration).
		Msg("Admission evaluated")
	return result, nil
}

// toInput converts the input to its JSON document form.
func toInput(in Input) (interface{}, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode policy input: %w", err)
	}
	return doc, nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// evaluateDeny returns the violations of the deny set.
func (e *Engine) evaluateDeny(ctx context.Context, cp *compiledPolicy, input interface{}) ([]Violation, error) {
	results, err := cp.deny.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		set, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range set {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}
	return violations, nil
}

// evaluateLimit returns max_instances, or zero when the rule is undefined.
func (e *Engine) evaluateLimit(ctx context.Context, cp *compiledPolicy, input interface{}) (int, error) {
	results, err := cp.limit.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return 0, err
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return 0, nil
	}
	switch v := results[0].Expressions[0].Value.(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("max_instances must be an integer: %w", err)
		}
		return int(n), nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("max_instances must be a number, got %T", v)
	}
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
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}
	return violation
}

// compile parses a policy and prepares its deny and max_instances queries.
func (e *Engine) compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	pkg := module.Package.Path.String()
	if !strings.HasPrefix(pkg, "data.") {
		return nil, fmt.Errorf("unexpected package path %s", pkg)
	}

	prepare := func(rule string) (rego.PreparedEvalQuery, error) {
		return rego.New(
			rego.ParsedModule(module),
			rego.Store(e.store),
			rego.Query(pkg+"."+rule),
		).PrepareForEval(ctx)
	}

	deny, err := prepare("deny")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare deny query: %w", err)
	}
	limit, err := prepare("max_instances")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare max_instances query: %w", err)
	}

	e.logger.Debug().Str("policy", policy.Name).Str("package", pkg).Msg("Policy compiled successfully")
	return &compiledPolicy{policy: policy, pkg: pkg, deny: deny, limit: limit, compiled: time.Now()}, nil
}

// SetPolicies replaces every non-built-in policy. Either all policies compile
// and the set is swapped, or nothing changes.
func (e *Engine) SetPolicies(ctx context.Context, policies []Policy) error {
	next := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		p := policies[i]
		p.Builtin = false
		cp, err := e.compile(ctx, &p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		next[p.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cp := range e.policies {
		if cp.policy.Builtin {
			if _, clash := next[name]; clash {
				return fmt.Errorf("policy %s shadows a built-in policy", name)
			}
			next[name] = cp
		}
	}
	e.policies = next

	e.logger.Info().Int("count", len(policies)).Msg("Policies loaded successfully")
	return nil
}

// LoadPolicies loads .rego and .json policy files from paths.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.SetPolicies(ctx, policies)
}

// Watch reloads the policies of paths whenever a file changes, until ctx ends.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.SetPolicies(ctx, policies)
	})
}

// SetData replaces top-level documents of the data tree, e.g. "tenants".
func (e *Engine) SetData(ctx context.Context, doc map[string]interface{}) error {
	txn, err := e.store.NewTransaction(ctx, storage.WriteParams)
	if err != nil {
		return fmt.Errorf("failed to open policy data transaction: %w", err)
	}
	for key, value := range doc {
		path := storage.Path{key}
		op := storage.PatchOp(storage.ReplaceOp)
		if _, err := e.store.Read(ctx, txn, path); err != nil {
			if !storage.IsNotFound(err) {
				e.store.Abort(ctx, txn)
				return fmt.Errorf("failed to read policy data %s: %w", key, err)
			}
			op = storage.AddOp
		}
		if err := e.store.Write(ctx, txn, op, path, value); err != nil {
			e.store.Abort(ctx, txn)
			return fmt.Errorf("failed to write policy data %s: %w", key, err)
		}
	}
	if err := e.store.Commit(ctx, txn); err != nil {
		return fmt.Errorf("failed to commit policy data: %w", err)
	}
	e.logger.Info().Int("documents", len(doc)).Msg("Policy data updated")
	return nil
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
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
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
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

// Close stops watching policy files.
func (e *Engine) Close() error {
	return e.loader.StopWatching()
}

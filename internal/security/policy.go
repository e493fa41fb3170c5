package security

import (
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/rendis/agentloom/pkg/schema"
)

// policyEngine compiles and caches CEL policy rules. A rule sees three
// variables: actor (map with id and capabilities), action and target.
type policyEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

func newPolicyEngine() (*policyEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("actor", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("action", cel.StringType),
		cel.Variable("target", cel.StringType),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "create policy environment: %v", err).WithCause(err)
	}
	return &policyEngine{env: env, cache: make(map[string]cel.Program)}, nil
}

func (p *policyEngine) compile(expression string) (cel.Program, error) {
	p.mu.RLock()
	if prg, ok := p.cache[expression]; ok {
		p.mu.RUnlock()
		return prg, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if prg, ok := p.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := p.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"policy compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}
	prg, err := p.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"policy program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	p.cache[expression] = prg
	return prg, nil
}

// allow evaluates expression. Evaluation errors and non-bool results deny.
func (p *policyEngine) allow(expression string, d *Descriptor, action, target string) (bool, error) {
	prg, err := p.compile(expression)
	if err != nil {
		return false, err
	}
	caps := make([]string, len(d.Capabilities))
	for i, c := range d.Capabilities {
		caps[i] = string(c)
	}
	out, _, err := prg.Eval(map[string]any{
		"actor":  map[string]any{"id": d.ActorID, "capabilities": caps},
		"action": action,
		"target": target,
	})
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeExecution, "policy evaluation failed for %q: %s", expression, err.Error()).WithCause(err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExecution, "policy %q returned %T, want bool", expression, out.Value())
	}
	return allowed, nil
}

package policy

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// ruleFileSchema validates the declarative rule file before any expression
// is compiled, so a malformed file fails at startup, not at request time.
const ruleFileSchema = `{
  "type": "object",
  "required": ["rules"],
  "additionalProperties": false,
  "properties": {
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "expr"],
        "additionalProperties": false,
        "properties": {
          "name":   {"type": "string", "minLength": 1},
          "expr":   {"type": "string", "minLength": 1},
          "reason": {"type": "string"}
        }
      }
    }
  }
}`

var ruleSchema = jsonschema.MustCompileString("policy_rules.json", ruleFileSchema)

// Rule is one declarative deny rule: when expr evaluates true, the request
// is denied with the given reason.
type Rule struct {
	Name   string `yaml:"name"`
	Expr   string `yaml:"expr"`
	Reason string `yaml:"reason"`
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// CELEngine layers declarative deny rules on top of the fixed budget
// semantics. The base rules always run first; a custom rule can only narrow
// what is allowed, never widen it.
type CELEngine struct {
	base *RuleEngine
	env  *cel.Env
	next []Rule

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewCELEngine builds an engine from already-validated rules.
func NewCELEngine(rules []Rule) (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("tenant", cel.StringType),
		cel.Variable("route", cel.StringType),
		cel.Variable("timestamp", cel.IntType),
		cel.Variable("tags", cel.DynType),
		cel.Variable("session", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel env: %w", err)
	}
	e := &CELEngine{
		base:     NewRuleEngine(),
		env:      env,
		next:     rules,
		programs: make(map[string]cel.Program),
	}
	// Compile up front so a bad expression surfaces at load time.
	for _, r := range rules {
		if _, err := e.program(r.Expr); err != nil {
			return nil, fmt.Errorf("policy: rule %q: %w", r.Name, err)
		}
	}
	return e, nil
}

// LoadCELEngine reads, validates, and compiles a YAML rule file.
func LoadCELEngine(path string) (*CELEngine, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read rules: %w", err)
	}
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("policy: parse rules: %w", err)
	}
	if err := ruleSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("policy: invalid rule file: %w", err)
	}
	var f ruleFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("policy: parse rules: %w", err)
	}
	return NewCELEngine(f.Rules)
}

func (e *CELEngine) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.programs[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.programs[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.programs[expr] = prg
	return prg, nil
}

// Evaluate runs the fixed budget rules, then each declarative deny rule in
// file order. An evaluation error denies.
func (e *CELEngine) Evaluate(ctx context.Context, in Input) (Decision, error) {
	d, err := e.base.Evaluate(ctx, in)
	if err != nil || !d.Allow {
		return d, err
	}

	input := celInput(in)
	for _, r := range e.next {
		prg, err := e.program(r.Expr)
		if err != nil {
			return deny(ReasonDenied), fmt.Errorf("policy: rule %q: %w", r.Name, err)
		}
		out, _, err := prg.Eval(input)
		if err != nil {
			return deny(ReasonDenied), fmt.Errorf("policy: rule %q: eval: %w", r.Name, err)
		}
		matched, ok := out.Value().(bool)
		if !ok {
			return deny(ReasonDenied), fmt.Errorf("policy: rule %q: result not bool", r.Name)
		}
		if matched {
			reason := r.Reason
			if reason == "" {
				reason = ReasonDenied
			}
			return deny(reason), nil
		}
	}
	return allow, nil
}

func celInput(in Input) map[string]any {
	tagPaths := []string{}
	session := map[string]any{"id": "", "cost": 0.0, "budgeted": false}
	if in.Budgets != nil {
		for _, tb := range in.Budgets.TagBudgets {
			tagPaths = append(tagPaths, tb.Tag.Path)
		}
		if s := in.Budgets.Session; s != nil {
			cost, _ := s.CurrentCostUSD.Float64()
			session = map[string]any{
				"id":       s.SessionID,
				"cost":     cost,
				"budgeted": s.EffectiveBudgetUSD != nil,
			}
		}
	}
	return map[string]any{
		"tenant":    in.TenantName,
		"route":     in.Route,
		"timestamp": in.Now.Unix(),
		"tags":      tagPaths,
		"session":   session,
	}
}

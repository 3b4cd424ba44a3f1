// Package policy decides whether an admitted request may proceed to the
// upstream provider. The engine is a pure function over the resolved state;
// it never touches the cache, the DB, or the clock beyond the instant it is
// handed. A failed evaluation is a denial.
package policy

import (
	"context"
	"time"

	"github.com/spendgate/spendgate/pkg/budget"
)

// Terse denial reasons. Deliberately free of configuration detail.
const (
	ReasonBudgetExceeded        = "Budget exceeded"
	ReasonSessionBudgetExceeded = "Session budget exceeded"
	ReasonTagBudgetExceeded     = "Tag budget exceeded"
	ReasonRateLimited           = "Rate limit exceeded"
	ReasonDenied                = "Request denied by policy"
)

// Input is everything an engine may consult.
type Input struct {
	TenantName  string
	Route       string
	Now         time.Time
	Budgets     *budget.ResolvedBudgets
	RateAllowed bool
}

// Decision is the engine's output. Reason is set only on deny.
type Decision struct {
	Allow  bool
	Reason string
}

// Engine is the pluggable decision function. Implementations must be
// deterministic for a fixed Input.
type Engine interface {
	Evaluate(ctx context.Context, in Input) (Decision, error)
}

func deny(reason string) Decision { return Decision{Reason: reason} }

var allow = Decision{Allow: true}

// RuleEngine is the default engine: the fixed budget semantics with no
// external rule file.
type RuleEngine struct{}

// NewRuleEngine returns the default engine.
func NewRuleEngine() *RuleEngine { return &RuleEngine{} }

// Evaluate applies the fixed rules in order: rate limit, tenant budgets,
// session budget, STRICT tag budgets. An unresolved usage on a configured
// ceiling denies; a missing ceiling permits.
func (e *RuleEngine) Evaluate(_ context.Context, in Input) (Decision, error) {
	if !in.RateAllowed {
		return deny(ReasonRateLimited), nil
	}
	if in.Budgets == nil {
		// Nothing resolved at all for an authenticated request is an
		// internal invariant violation; fail closed.
		return deny(ReasonDenied), nil
	}

	for _, tb := range in.Budgets.TenantBudgets {
		if tb.Usage == nil {
			return deny(ReasonDenied), nil
		}
		if tb.Usage.GreaterThanOrEqual(tb.Budget.AmountUSD) {
			return deny(ReasonBudgetExceeded), nil
		}
	}

	if s := in.Budgets.Session; s != nil && s.EffectiveBudgetUSD != nil {
		if !s.CostResolved {
			return deny(ReasonDenied), nil
		}
		if s.Session != nil && s.Session.Status == budget.SessionBudgetExceeded {
			return deny(ReasonSessionBudgetExceeded), nil
		}
		if s.CurrentCostUSD.GreaterThanOrEqual(*s.EffectiveBudgetUSD) {
			return deny(ReasonSessionBudgetExceeded), nil
		}
	}

	// Only STRICT tag budgets deny; LENIENT and NONE receive increments but
	// never block traffic.
	for _, tb := range in.Budgets.TagBudgets {
		if tb.Budget.InheritanceMode != budget.InheritStrict {
			continue
		}
		if tb.WeightedUsage == nil {
			return deny(ReasonDenied), nil
		}
		if tb.WeightedUsage.GreaterThanOrEqual(tb.Budget.AmountUSD) {
			return deny(ReasonTagBudgetExceeded), nil
		}
	}

	return allow, nil
}

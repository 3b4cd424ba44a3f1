// Package budget resolves the set of monetary ceilings that apply to one
// inference request: tenant budgets by period, the session budget, and tag
// budgets with hierarchical inheritance. Resolution is read-through cached
// with a parallel DB fallback; it never writes to the durable store.
package budget

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/spendgate/spendgate/pkg/ledger"
	"github.com/spendgate/spendgate/pkg/tags"
	"github.com/spendgate/spendgate/pkg/tenants"
)

// InheritanceMode controls how a tag budget is consulted for descendant
// traffic. STRICT participates in denial and accounting, LENIENT only in
// accounting, NONE is not inherited at all.
type InheritanceMode string

const (
	InheritStrict  InheritanceMode = "STRICT"
	InheritLenient InheritanceMode = "LENIENT"
	InheritNone    InheritanceMode = "NONE"
)

// Budget is a tenant-level monetary ceiling for one period.
type Budget struct {
	ID        int64           `json:"id"`
	TenantID  int64           `json:"tenant_id"`
	Period    ledger.Period   `json:"period"`
	AmountUSD decimal.Decimal `json:"amount_usd"`
	StartDate *time.Time      `json:"start_date,omitempty"`
	EndDate   *time.Time      `json:"end_date,omitempty"`
	IsActive  bool            `json:"is_active"`
}

// Window returns the custom window for period=custom budgets, nil otherwise.
func (b Budget) Window() *ledger.Window {
	if b.Period != ledger.PeriodCustom || b.StartDate == nil || b.EndDate == nil {
		return nil
	}
	return &ledger.Window{Start: *b.StartDate, End: *b.EndDate}
}

// TagBudget is a monetary ceiling attached to one tag.
type TagBudget struct {
	ID              int64           `json:"id"`
	TagID           int64           `json:"tag_id"`
	Period          ledger.Period   `json:"period"`
	AmountUSD       decimal.Decimal `json:"amount_usd"`
	Weight          decimal.Decimal `json:"weight"`
	InheritanceMode InheritanceMode `json:"inheritance_mode"`
	StartDate       *time.Time      `json:"start_date,omitempty"`
	EndDate         *time.Time      `json:"end_date,omitempty"`
	IsActive        bool            `json:"is_active"`
}

// Session statuses. budget_exceeded is sticky until admin reset.
const (
	SessionActive         = "active"
	SessionBudgetExceeded = "budget_exceeded"
	SessionCompleted      = "completed"
	SessionError          = "error"
)

// Session correlates a sequence of requests sharing a cost ceiling.
type Session struct {
	SessionID          string           `json:"session_id"`
	TenantID           int64            `json:"tenant_id"`
	Name               string           `json:"name,omitempty"`
	EffectiveBudgetUSD *decimal.Decimal `json:"effective_budget_usd,omitempty"`
	CurrentCostUSD     decimal.Decimal  `json:"current_cost_usd"`
	Status             string           `json:"status"`
	CreatedAt          time.Time        `json:"created_at"`
	LastActiveAt       time.Time        `json:"last_active_at"`
	RequestCount       int64            `json:"request_count"`
}

// TenantBudget pairs a configured (or fallback) ceiling with its current
// usage. Usage is nil when the counter could not be resolved from cache or
// DB; the policy engine treats that as deny for a configured budget.
type TenantBudget struct {
	Budget    Budget
	LedgerKey string
	Usage     *decimal.Decimal
	// Fallback marks an environment-supplied ceiling used because the tenant
	// has no configured budget for this period.
	Fallback bool
}

// ResolvedTagBudget is one applicable tag ceiling, own or inherited.
type ResolvedTagBudget struct {
	Tag    tags.Tag
	Budget TagBudget
	// Inherited is true when Budget belongs to an ancestor of the request's
	// tag rather than the tag itself.
	Inherited bool
	// EffectiveWeight is the multiplier applied when accounting cost against
	// this budget.
	EffectiveWeight decimal.Decimal
	LedgerKey       string
	Day             string
	// WeightedUsage is nil when unresolved.
	WeightedUsage *decimal.Decimal
}

// SessionState is the session portion of a resolution. EffectiveBudgetUSD is
// the explicit override if set, else the tenant default, else nil
// (unbounded).
type SessionState struct {
	SessionID          string
	Session            *Session
	EffectiveBudgetUSD *decimal.Decimal
	CurrentCostUSD     decimal.Decimal
	// CostResolved is false when the cumulative cost could not be determined;
	// with a configured budget that denies.
	CostResolved bool
}

// ResolvedBudgets is the materialized set of applicable ceilings and usages
// for one request.
type ResolvedBudgets struct {
	Tenant        tenants.Tenant
	TenantBudgets []TenantBudget
	Session       *SessionState
	TagBudgets    []ResolvedTagBudget
	// UnknownTags lists X-Tag values that did not resolve to an active tag;
	// the pipeline logs them and proceeds.
	UnknownTags []string
}

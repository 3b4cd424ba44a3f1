package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spendgate/spendgate/pkg/budget"
	"github.com/spendgate/spendgate/pkg/ledger"
	"github.com/spendgate/spendgate/pkg/pricing"
	"github.com/spendgate/spendgate/pkg/tags"
)

// ActiveBudgets returns every active budget row for the tenant.
func (s *Store) ActiveBudgets(ctx context.Context, tenantID int64) ([]budget.Budget, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, period, amount_usd, start_date, end_date, is_active
		FROM budgets WHERE tenant_id = $1 AND is_active
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: active budgets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []budget.Budget
	for rows.Next() {
		var (
			b          budget.Budget
			amount     string
			start, end sql.NullTime
		)
		if err := rows.Scan(&b.ID, &b.TenantID, &b.Period, &amount, &start, &end, &b.IsActive); err != nil {
			return nil, fmt.Errorf("store: scan budget: %w", err)
		}
		if b.AmountUSD, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("store: parse amount_usd: %w", err)
		}
		if start.Valid {
			b.StartDate = &start.Time
		}
		if end.Valid {
			b.EndDate = &end.Time
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Counter returns the running total for one ledger window; absent is zero.
func (s *Store) Counter(ctx context.Context, tenantName, ledgerKey string) (decimal.Decimal, error) {
	var total string
	err := s.db.QueryRowContext(ctx, `
		SELECT total_usd FROM counters WHERE tenant_name = $1 AND ledger_key = $2
	`, tenantName, ledgerKey).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("store: counter: %w", err)
	}
	d, err := decimal.NewFromString(total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("store: parse counter: %w", err)
	}
	return d, nil
}

// Session returns the session row, or nil when the id is new.
func (s *Store) Session(ctx context.Context, sessionID string) (*budget.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, tenant_id, name, effective_budget_usd, current_cost_usd, status,
		       created_at, last_active_at, request_count
		FROM sessions WHERE session_id = $1
	`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: session: %w", err)
	}
	return sess, nil
}

func scanSession(row rowScanner) (*budget.Session, error) {
	var (
		sess        budget.Session
		budgetStr   sql.NullString
		currentCost string
	)
	err := row.Scan(&sess.SessionID, &sess.TenantID, &sess.Name, &budgetStr, &currentCost,
		&sess.Status, &sess.CreatedAt, &sess.LastActiveAt, &sess.RequestCount)
	if err != nil {
		return nil, err
	}
	if budgetStr.Valid {
		d, err := decimal.NewFromString(budgetStr.String)
		if err != nil {
			return nil, fmt.Errorf("parse effective_budget_usd: %w", err)
		}
		sess.EffectiveBudgetUSD = &d
	}
	if sess.CurrentCostUSD, err = decimal.NewFromString(currentCost); err != nil {
		return nil, fmt.Errorf("parse current_cost_usd: %w", err)
	}
	return &sess, nil
}

// TenantSessionBudget returns the tenant's default session ceiling, nil when
// unset.
func (s *Store) TenantSessionBudget(ctx context.Context, tenantID int64) (*decimal.Decimal, error) {
	var budgetStr sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT default_session_budget_usd FROM tenants WHERE id = $1
	`, tenantID).Scan(&budgetStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: tenant session budget: %w", err)
	}
	if !budgetStr.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(budgetStr.String)
	if err != nil {
		return nil, fmt.Errorf("store: parse session budget: %w", err)
	}
	return &d, nil
}

// Tags returns the tenant's full tag list, active and inactive; the arena
// needs inactive parents to derive paths.
func (s *Store) Tags(ctx context.Context, tenantID int64) ([]tags.Tag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, parent_id, path, is_active, color, description
		FROM tags WHERE tenant_id = $1
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: tags: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []tags.Tag
	for rows.Next() {
		var (
			t      tags.Tag
			parent sql.NullInt64
		)
		if err := rows.Scan(&t.ID, &t.TenantID, &t.Name, &parent, &t.Path, &t.IsActive, &t.Color, &t.Description); err != nil {
			return nil, fmt.Errorf("store: scan tag: %w", err)
		}
		if parent.Valid {
			t.ParentID = &parent.Int64
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TagBudgets returns the active budgets attached to one tag.
func (s *Store) TagBudgets(ctx context.Context, tagID int64) ([]budget.TagBudget, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tag_id, period, amount_usd, weight, inheritance_mode, start_date, end_date, is_active
		FROM tag_budgets WHERE tag_id = $1 AND is_active
	`, tagID)
	if err != nil {
		return nil, fmt.Errorf("store: tag budgets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []budget.TagBudget
	for rows.Next() {
		var (
			tb             budget.TagBudget
			amount, weight string
			start, end     sql.NullTime
		)
		if err := rows.Scan(&tb.ID, &tb.TagID, &tb.Period, &amount, &weight, &tb.InheritanceMode, &start, &end, &tb.IsActive); err != nil {
			return nil, fmt.Errorf("store: scan tag budget: %w", err)
		}
		if tb.AmountUSD, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("store: parse tag amount: %w", err)
		}
		if tb.Weight, err = decimal.NewFromString(weight); err != nil {
			return nil, fmt.Errorf("store: parse tag weight: %w", err)
		}
		if start.Valid {
			tb.StartDate = &start.Time
		}
		if end.Valid {
			tb.EndDate = &end.Time
		}
		out = append(out, tb)
	}
	return out, rows.Err()
}

// TagUsage sums the tag's weighted day buckets over the window containing
// at. Day keys are YYYY-MM-DD so lexical range compares work; compacted
// month rows (day = YYYY-MM) share the month prefix.
func (s *Store) TagUsage(ctx context.Context, tenantName string, tagID int64, period ledger.Period, at time.Time, window *ledger.Window) (decimal.Decimal, error) {
	var (
		rows *sql.Rows
		err  error
	)
	switch period {
	case ledger.PeriodDaily:
		rows, err = s.db.QueryContext(ctx, `
			SELECT total_usd FROM tag_usage
			WHERE tenant_name = $1 AND tag_id = $2 AND period = $3 AND day = $4
		`, tenantName, tagID, string(period), ledger.DayBucket(at))
	case ledger.PeriodMonthly:
		month := at.UTC().Format("2006-01")
		rows, err = s.db.QueryContext(ctx, `
			SELECT total_usd FROM tag_usage
			WHERE tenant_name = $1 AND tag_id = $2 AND period = $3 AND day LIKE $4
		`, tenantName, tagID, string(period), month+"%")
	case ledger.PeriodCustom:
		if window == nil {
			return decimal.Zero, ledger.ErrMissingWindow
		}
		rows, err = s.db.QueryContext(ctx, `
			SELECT total_usd FROM tag_usage
			WHERE tenant_name = $1 AND tag_id = $2 AND period = $3 AND day >= $4 AND day <= $5
		`, tenantName, tagID, string(period), ledger.DayBucket(window.Start), ledger.DayBucket(window.End))
	default:
		return decimal.Zero, fmt.Errorf("%w: %q", ledger.ErrInvalidPeriod, period)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("store: tag usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	total := decimal.Zero
	for rows.Next() {
		var bucket string
		if err := rows.Scan(&bucket); err != nil {
			return decimal.Zero, fmt.Errorf("store: scan tag usage: %w", err)
		}
		d, err := decimal.NewFromString(bucket)
		if err != nil {
			return decimal.Zero, fmt.Errorf("store: parse tag usage: %w", err)
		}
		total = total.Add(d)
	}
	return total, rows.Err()
}

// PricingVersions returns every price row for the model.
func (s *Store) PricingVersions(ctx context.Context, model string) ([]pricing.ModelPricing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, model, version_tag, provider, input_price, cached_input_price, output_price, created_at
		FROM model_pricing WHERE model = $1
	`, model)
	if err != nil {
		return nil, fmt.Errorf("store: pricing versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []pricing.ModelPricing
	for rows.Next() {
		var (
			p                    pricing.ModelPricing
			input, cached, price string
		)
		if err := rows.Scan(&p.ID, &p.Model, &p.VersionTag, &p.Provider, &input, &cached, &price, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan pricing: %w", err)
		}
		if p.InputPrice, err = decimal.NewFromString(input); err != nil {
			return nil, fmt.Errorf("store: parse input_price: %w", err)
		}
		if p.CachedInputPrice, err = decimal.NewFromString(cached); err != nil {
			return nil, fmt.Errorf("store: parse cached_input_price: %w", err)
		}
		if p.OutputPrice, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("store: parse output_price: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertPricing inserts price rows, skipping (model, version_tag) pairs that
// already exist. Price rows are immutable by version.
func (s *Store) UpsertPricing(ctx context.Context, rows []pricing.ModelPricing) error {
	for _, p := range rows {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO model_pricing (model, version_tag, provider, input_price, cached_input_price, output_price, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (model, version_tag) DO NOTHING
		`, p.Model, p.VersionTag, p.Provider,
			p.InputPrice.String(), p.CachedInputPrice.String(), p.OutputPrice.String(),
			time.Now().UTC())
		if err != nil {
			return fmt.Errorf("store: upsert pricing %s: %w", p.Model, err)
		}
	}
	return nil
}

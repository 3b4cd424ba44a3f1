package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spendgate/spendgate/pkg/budget"
	"github.com/spendgate/spendgate/pkg/usage"
)

// forUpdate returns the row-lock suffix where the dialect supports it.
// sqlite serializes writers at the connection level, so the suffix is
// unnecessary there.
func (s *Store) forUpdate() string {
	if s.dialect == Postgres {
		return " FOR UPDATE"
	}
	return ""
}

// AddCounter adds delta to one ledger window inside a transaction and
// returns the new total. The row is created on first use.
func (s *Store) AddCounter(ctx context.Context, tenantName, ledgerKey string, delta decimal.Decimal) (decimal.Decimal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("store: add counter: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	total, err := addCounterTx(ctx, tx, s.forUpdate(), tenantName, ledgerKey, delta)
	if err != nil {
		return decimal.Zero, err
	}
	if err := tx.Commit(); err != nil {
		return decimal.Zero, fmt.Errorf("store: add counter: commit: %w", err)
	}
	return total, nil
}

// AdjustCounter is AddCounter with a signed delta; used to roll back a
// charge when a later step of the same event fails. The total is floored
// at zero.
func (s *Store) AdjustCounter(ctx context.Context, tenantName, ledgerKey string, delta decimal.Decimal) (decimal.Decimal, error) {
	return s.AddCounter(ctx, tenantName, ledgerKey, delta)
}

func addCounterTx(ctx context.Context, tx *sql.Tx, lock, tenantName, ledgerKey string, delta decimal.Decimal) (decimal.Decimal, error) {
	var cur string
	err := tx.QueryRowContext(ctx, `
		SELECT total_usd FROM counters WHERE tenant_name = $1 AND ledger_key = $2`+lock,
		tenantName, ledgerKey).Scan(&cur)
	now := time.Now().UTC()
	switch {
	case errors.Is(err, sql.ErrNoRows):
		total := delta
		if total.IsNegative() {
			total = decimal.Zero
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO counters (tenant_name, ledger_key, total_usd, updated_at)
			VALUES ($1, $2, $3, $4)
		`, tenantName, ledgerKey, total.String(), now)
		if err != nil {
			return decimal.Zero, fmt.Errorf("store: insert counter: %w", err)
		}
		return total, nil
	case err != nil:
		return decimal.Zero, fmt.Errorf("store: read counter: %w", err)
	}

	prev, err := decimal.NewFromString(cur)
	if err != nil {
		return decimal.Zero, fmt.Errorf("store: parse counter: %w", err)
	}
	total := prev.Add(delta)
	if total.IsNegative() {
		total = decimal.Zero
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE counters SET total_usd = $1, updated_at = $2
		WHERE tenant_name = $3 AND ledger_key = $4
	`, total.String(), now, tenantName, ledgerKey)
	if err != nil {
		return decimal.Zero, fmt.Errorf("store: update counter: %w", err)
	}
	return total, nil
}

// AddTagUsage adds the weighted charge to the tag's day bucket for one
// period family.
func (s *Store) AddTagUsage(ctx context.Context, tenantName string, charge usage.TagCharge, weighted decimal.Decimal) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: add tag usage: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var cur string
	err = tx.QueryRowContext(ctx, `
		SELECT total_usd FROM tag_usage
		WHERE tenant_name = $1 AND tag_id = $2 AND period = $3 AND day = $4`+s.forUpdate(),
		tenantName, charge.TagID, string(charge.Period), charge.Day).Scan(&cur)
	now := time.Now().UTC()
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tag_usage (tenant_name, tag_id, period, day, total_usd, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, tenantName, charge.TagID, string(charge.Period), charge.Day, weighted.String(), now)
		if err != nil {
			return fmt.Errorf("store: insert tag usage: %w", err)
		}
	case err != nil:
		return fmt.Errorf("store: read tag usage: %w", err)
	default:
		prev, perr := decimal.NewFromString(cur)
		if perr != nil {
			return fmt.Errorf("store: parse tag usage: %w", perr)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE tag_usage SET total_usd = $1, updated_at = $2
			WHERE tenant_name = $3 AND tag_id = $4 AND period = $5 AND day = $6
		`, prev.Add(weighted).String(), now, tenantName, charge.TagID, string(charge.Period), charge.Day)
		if err != nil {
			return fmt.Errorf("store: update tag usage: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: add tag usage: commit: %w", err)
	}
	return nil
}

// ApplySessionCost charges the session, creating the row on first sight,
// and returns the updated state. Status only moves forward: an active
// session that crosses its ceiling becomes budget_exceeded, and terminal
// statuses are never overwritten.
func (s *Store) ApplySessionCost(ctx context.Context, sessionID string, tenantID int64, effectiveBudget *decimal.Decimal, cost decimal.Decimal, at time.Time) (*budget.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: apply session cost: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	at = at.UTC()
	row := tx.QueryRowContext(ctx, `
		SELECT session_id, tenant_id, name, effective_budget_usd, current_cost_usd, status,
		       created_at, last_active_at, request_count
		FROM sessions WHERE session_id = $1`+s.forUpdate(), sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		sess = &budget.Session{
			SessionID:          sessionID,
			TenantID:           tenantID,
			EffectiveBudgetUSD: effectiveBudget,
			CurrentCostUSD:     cost,
			Status:             budget.SessionActive,
			CreatedAt:          at,
			LastActiveAt:       at,
			RequestCount:       1,
		}
		if sess.EffectiveBudgetUSD != nil && sess.CurrentCostUSD.GreaterThanOrEqual(*sess.EffectiveBudgetUSD) {
			sess.Status = budget.SessionBudgetExceeded
		}
		var budgetStr *string
		if sess.EffectiveBudgetUSD != nil {
			v := sess.EffectiveBudgetUSD.String()
			budgetStr = &v
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sessions (session_id, tenant_id, name, effective_budget_usd, current_cost_usd,
			                      status, created_at, last_active_at, request_count)
			VALUES ($1, $2, '', $3, $4, $5, $6, $7, 1)
		`, sess.SessionID, sess.TenantID, budgetStr, sess.CurrentCostUSD.String(), sess.Status, at, at)
		if err != nil {
			return nil, fmt.Errorf("store: insert session: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("store: apply session cost: commit: %w", err)
		}
		return sess, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: apply session cost: %w", err)
	}

	sess.CurrentCostUSD = sess.CurrentCostUSD.Add(cost)
	sess.LastActiveAt = at
	sess.RequestCount++
	if sess.Status == budget.SessionActive &&
		sess.EffectiveBudgetUSD != nil &&
		sess.CurrentCostUSD.GreaterThanOrEqual(*sess.EffectiveBudgetUSD) {
		sess.Status = budget.SessionBudgetExceeded
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET current_cost_usd = $1, status = $2, last_active_at = $3, request_count = $4
		WHERE session_id = $5
	`, sess.CurrentCostUSD.String(), sess.Status, at, sess.RequestCount, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: update session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: apply session cost: commit: %w", err)
	}
	return sess, nil
}

// InsertLedgerEntry records one usage event row. The fingerprint unique
// constraint makes the insert idempotent; a duplicate is not an error.
func (s *Store) InsertLedgerEntry(ctx context.Context, e usage.Event) error {
	var tagsJSON *string
	if len(e.Tags) > 0 {
		b, err := json.Marshal(e.Tags)
		if err != nil {
			return fmt.Errorf("store: marshal ledger tags: %w", err)
		}
		v := string(b)
		tagsJSON = &v
	}
	var sessionID *string
	if e.SessionID != "" {
		sessionID = &e.SessionID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_ledger (ts, tenant_id, route, model, prompt_tokens, cached_prompt_tokens,
		                          completion_tokens, usd, session_id, outcome, tags, fingerprint)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (fingerprint) DO NOTHING
	`, e.Timestamp.UTC(), e.TenantID, e.Route, e.Model, e.PromptTokens, e.CachedPromptTokens,
		e.CompletionTokens, e.USD.String(), sessionID, e.Outcome, tagsJSON, e.Fingerprint)
	if err != nil {
		return fmt.Errorf("store: insert ledger entry: %w", err)
	}
	return nil
}

// MarkProcessed claims an event fingerprint for accounting. It reports
// true exactly once per fingerprint; redeliveries see false and must not
// charge again.
func (s *Store) MarkProcessed(ctx context.Context, fingerprint string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_events (fingerprint, processed_at)
		VALUES ($1, $2)
		ON CONFLICT (fingerprint) DO NOTHING
	`, fingerprint, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("store: mark processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: mark processed: rows: %w", err)
	}
	return n == 1, nil
}

// ReleaseProcessed drops a fingerprint claim after a failed charge so the
// redelivered event can claim and charge again.
func (s *Store) ReleaseProcessed(ctx context.Context, fingerprint string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_events WHERE fingerprint = $1`, fingerprint); err != nil {
		return fmt.Errorf("store: release processed: %w", err)
	}
	return nil
}

// CompactTagUsage folds closed monthly day buckets into one month row per
// (tenant, tag) and prunes daily buckets older than keepDays. Day keys
// sort lexically, so string compares select the closed range.
func (s *Store) CompactTagUsage(ctx context.Context, now time.Time, keepDays int) error {
	now = now.UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).Format("2006-01-02")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: compact: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Closed monthly day buckets: day rows (YYYY-MM-DD) strictly before the
	// current month. Compacted month rows (YYYY-MM) are shorter and sort
	// before any day row of the same month, so the length guard skips them.
	rows, err := tx.QueryContext(ctx, `
		SELECT tenant_name, tag_id, day, total_usd FROM tag_usage
		WHERE period = 'monthly' AND day < $1 AND LENGTH(day) = 10
	`, monthStart)
	if err != nil {
		return fmt.Errorf("store: compact: select: %w", err)
	}

	type monthKey struct {
		tenant string
		tagID  int64
		month  string
	}
	folded := make(map[monthKey]decimal.Decimal)
	for rows.Next() {
		var (
			tenant, day, total string
			tagID              int64
		)
		if err := rows.Scan(&tenant, &tagID, &day, &total); err != nil {
			_ = rows.Close()
			return fmt.Errorf("store: compact: scan: %w", err)
		}
		d, err := decimal.NewFromString(total)
		if err != nil {
			_ = rows.Close()
			return fmt.Errorf("store: compact: parse: %w", err)
		}
		k := monthKey{tenant: tenant, tagID: tagID, month: day[:7]}
		folded[k] = folded[k].Add(d)
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("store: compact: close: %w", err)
	}

	now2 := time.Now().UTC()
	for k, add := range folded {
		var cur string
		err := tx.QueryRowContext(ctx, `
			SELECT total_usd FROM tag_usage
			WHERE tenant_name = $1 AND tag_id = $2 AND period = 'monthly' AND day = $3
		`, k.tenant, k.tagID, k.month).Scan(&cur)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx, `
				INSERT INTO tag_usage (tenant_name, tag_id, period, day, total_usd, updated_at)
				VALUES ($1, $2, 'monthly', $3, $4, $5)
			`, k.tenant, k.tagID, k.month, add.String(), now2)
		case err == nil:
			prev, perr := decimal.NewFromString(cur)
			if perr != nil {
				return fmt.Errorf("store: compact: parse month row: %w", perr)
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE tag_usage SET total_usd = $1, updated_at = $2
				WHERE tenant_name = $3 AND tag_id = $4 AND period = 'monthly' AND day = $5
			`, prev.Add(add).String(), now2, k.tenant, k.tagID, k.month)
		}
		if err != nil {
			return fmt.Errorf("store: compact: fold month: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			DELETE FROM tag_usage
			WHERE tenant_name = $1 AND tag_id = $2 AND period = 'monthly' AND day LIKE $3
		`, k.tenant, k.tagID, k.month+"-%")
		if err != nil {
			return fmt.Errorf("store: compact: prune folded: %w", err)
		}
	}

	if keepDays > 0 {
		cutoff := now.AddDate(0, 0, -keepDays).Format("2006-01-02")
		_, err = tx.ExecContext(ctx, `
			DELETE FROM tag_usage WHERE period = 'daily' AND day < $1
		`, cutoff)
		if err != nil {
			return fmt.Errorf("store: compact: prune daily: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: compact: commit: %w", err)
	}
	return nil
}

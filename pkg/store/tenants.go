package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spendgate/spendgate/pkg/tenants"
)

// CreateTenant inserts a tenant row and backfills its id.
func (s *Store) CreateTenant(ctx context.Context, t *tenants.Tenant) error {
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	var budgetStr *string
	if t.DefaultSessionBudgetUSD != nil {
		v := t.DefaultSessionBudgetUSD.String()
		budgetStr = &v
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tenants (name, is_active, rate_limit_per_min, default_session_budget_usd, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, t.Name, t.IsActive, t.RateLimitPerMin, budgetStr, now, now).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("store: create tenant: %w", err)
	}
	return nil
}

// TenantByName returns the tenant row, or nil when absent.
func (s *Store) TenantByName(ctx context.Context, name string) (*tenants.Tenant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, is_active, rate_limit_per_min, default_session_budget_usd, created_at, updated_at
		FROM tenants WHERE name = $1
	`, name)
	t, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: tenant by name: %w", err)
	}
	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (*tenants.Tenant, error) {
	var (
		t         tenants.Tenant
		rateLimit sql.NullInt64
		budgetStr sql.NullString
	)
	err := row.Scan(&t.ID, &t.Name, &t.IsActive, &rateLimit, &budgetStr, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if rateLimit.Valid {
		t.RateLimitPerMin = &rateLimit.Int64
	}
	if budgetStr.Valid {
		d, err := decimal.NewFromString(budgetStr.String)
		if err != nil {
			return nil, fmt.Errorf("parse default_session_budget_usd: %w", err)
		}
		t.DefaultSessionBudgetUSD = &d
	}
	return &t, nil
}

// CreateAPIKey inserts a credential row; the raw secret must already be
// digested by the caller.
func (s *Store) CreateAPIKey(ctx context.Context, k *tenants.APIKey) error {
	k.CreatedAt = time.Now().UTC()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO api_keys (tenant_id, name, secret_digest, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, k.TenantID, k.Name, k.SecretDigest, k.IsActive, k.CreatedAt).Scan(&k.ID)
	if err != nil {
		return fmt.Errorf("store: create api key: %w", err)
	}
	return nil
}

// APIKeyByDigest returns the credential and its tenant in one query, or
// (nil, nil) when the digest is unknown.
func (s *Store) APIKeyByDigest(ctx context.Context, digest string) (*tenants.APIKey, *tenants.Tenant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT k.id, k.tenant_id, k.name, k.secret_digest, k.is_active, k.created_at, k.last_used_at,
		       t.id, t.name, t.is_active, t.rate_limit_per_min, t.default_session_budget_usd, t.created_at, t.updated_at
		FROM api_keys k
		JOIN tenants t ON t.id = k.tenant_id
		WHERE k.secret_digest = $1
	`, digest)

	var (
		k          tenants.APIKey
		t          tenants.Tenant
		lastUsed   sql.NullTime
		rateLimit  sql.NullInt64
		sessBudget sql.NullString
	)
	err := row.Scan(
		&k.ID, &k.TenantID, &k.Name, &k.SecretDigest, &k.IsActive, &k.CreatedAt, &lastUsed,
		&t.ID, &t.Name, &t.IsActive, &rateLimit, &sessBudget, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("store: api key by digest: %w", err)
	}
	if lastUsed.Valid {
		k.LastUsedAt = &lastUsed.Time
	}
	if rateLimit.Valid {
		t.RateLimitPerMin = &rateLimit.Int64
	}
	if sessBudget.Valid {
		d, err := decimal.NewFromString(sessBudget.String)
		if err != nil {
			return nil, nil, fmt.Errorf("store: parse session budget: %w", err)
		}
		t.DefaultSessionBudgetUSD = &d
	}
	return &k, &t, nil
}

// TouchAPIKey records credential use. Best effort; callers ignore errors.
func (s *Store) TouchAPIKey(ctx context.Context, keyID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = $1 WHERE id = $2`, at.UTC(), keyID)
	if err != nil {
		return fmt.Errorf("store: touch api key: %w", err)
	}
	return nil
}

// Package tenants defines the tenant and API key records shared by the
// gateway, the budget resolver and the stores.
package tenants

import (
	"encoding/hex"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/blake2b"
)

// Tenant is one billing principal. Name is unique and doubles as the cache
// and counter key component.
type Tenant struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	IsActive bool   `json:"is_active"`

	// RateLimitPerMin caps requests per fixed one-minute window. Nil means
	// unlimited.
	RateLimitPerMin *int64 `json:"rate_limit_per_min,omitempty"`

	// DefaultSessionBudgetUSD applies to sessions created without an explicit
	// budget. Nil means sessions are unbudgeted by default.
	DefaultSessionBudgetUSD *decimal.Decimal `json:"default_session_budget_usd,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// APIKey is one credential bound to a tenant. The raw secret is shown once at
// creation; only its digest is stored and cached.
type APIKey struct {
	ID           int64      `json:"id"`
	TenantID     int64      `json:"tenant_id"`
	Name         string     `json:"name"`
	SecretDigest string     `json:"-"`
	IsActive     bool       `json:"is_active"`
	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
}

// DigestSecret hashes a raw API key for storage and cache addressing. Raw
// secrets must never appear in the cache keyspace or in logs.
func DigestSecret(secret string) string {
	sum := blake2b.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

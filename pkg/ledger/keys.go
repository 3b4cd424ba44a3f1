package ledger

import (
	"fmt"
	"time"
)

// Cache key families. All keys are plain strings with a fixed family prefix;
// TTLs are per-family constants. Pattern deletes are allowed only for the
// tenant-scoped families, via TenantPattern.
const (
	TTLTenant              = time.Hour
	TTLRateLimitCeiling    = time.Hour
	TTLBudgetConfig        = 10 * time.Minute
	TTLSession             = 10 * time.Minute
	TTLSessionCost         = 10 * time.Minute
	TTLTagList             = 5 * time.Minute
	TTLTagBudgetConfig     = 30 * time.Minute
	TTLTenantSessionBudget = time.Hour
	TTLTagUsage            = 6 * time.Hour
	TTLModelPricing        = time.Hour
	TTLAPIKey              = 10 * time.Minute
)

// TenantKey caches the tenant row by unique name.
func TenantKey(name string) string { return "tenant:" + name }

// RateLimitKey caches the tenant's rate-limit ceiling.
func RateLimitKey(name string) string { return "ratelimit:" + name }

// RateWindowKey addresses the fixed-window request counter for the window
// containing at. The bucket is the epoch timestamp truncated to the window
// length, so all requests inside one window share a key.
func RateWindowKey(name string, at time.Time, window time.Duration) string {
	bucket := at.UTC().Unix() / int64(window.Seconds())
	return fmt.Sprintf("rlwindow:%s:%d", name, bucket)
}

// BudgetKey caches the tenant's budget config for one period.
func BudgetKey(name string, period Period) string {
	return fmt.Sprintf("budget:%s:%s", name, period)
}

// CounterKey addresses the running monetary total for one ledger window.
func CounterKey(name, ledgerKey string) string {
	return fmt.Sprintf("ledger:%s:%s", name, ledgerKey)
}

// SessionKey caches the session row.
func SessionKey(sessionID string) string { return "session:" + sessionID }

// SessionCostKey caches the session's cumulative cost.
func SessionCostKey(sessionID string) string { return "session_cost:" + sessionID }

// TagListKey caches the tenant's full tag arena.
func TagListKey(tenantID int64) string {
	return fmt.Sprintf("tags:tenant:%d", tenantID)
}

// TagBudgetKey caches the budget configs attached to one tag.
func TagBudgetKey(tagID int64) string {
	return fmt.Sprintf("tag_session_budget:%d", tagID)
}

// TenantSessionBudgetKey caches the tenant's default session budget.
func TenantSessionBudgetKey(tenantID int64) string {
	return fmt.Sprintf("tenant_session_budget:%d", tenantID)
}

// TagUsageKey addresses a tag's weighted-usage counter for one day bucket.
func TagUsageKey(name string, tagID int64, period Period, day string) string {
	return fmt.Sprintf("tag_usage:%s:%d:%s:%s", name, tagID, period, day)
}

// ModelPricingKey caches the current pricing row for a model.
func ModelPricingKey(model string) string { return "model_pricing:" + model }

// APIKeyKey caches the API key row by digest. Raw secrets never enter the
// cache keyspace; callers pass a blake2b digest.
func APIKeyKey(digest string) string { return "apikey:" + digest }

// TenantPattern matches every tenant-scoped key family for name. Used by
// admin mutations to invalidate tenant caches atomically with the DB write.
func TenantPattern(name string) []string {
	return []string{
		"tenant:" + name,
		"ratelimit:" + name,
		"budget:" + name + ":*",
		"ledger:" + name + ":*",
		"tag_usage:" + name + ":*",
	}
}

// Package config loads server configuration from environment variables,
// 12-factor style. Absent variables get dev-safe defaults; malformed
// monetary values are rejected at startup rather than silently ignored.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spendgate/spendgate/pkg/budget"
	"github.com/spendgate/spendgate/pkg/ledger"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// DatabaseURL accepts a postgres:// DSN or a sqlite file path.
	DatabaseURL string
	// RedisURL empty disables the cache facade; every read falls through to
	// the database.
	RedisURL string

	// Fallback ceilings applied when a tenant has no configured budget.
	DefaultBudgetUSD *decimal.Decimal
	DailyBudgetUSD   *decimal.Decimal
	MonthlyBudgetUSD *decimal.Decimal
	BudgetPeriods    []ledger.Period

	OpenAIKey        string
	OpenAIBaseURL    string
	AnthropicKey     string
	AnthropicBaseURL string
	GoogleKey        string
	GoogleBaseURL    string

	AdminAPIKey string

	OTLPEndpoint    string
	PolicyRulesFile string
	PolicyWASMFile  string
	PricingFile     string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:             getenv("PORT", "8080"),
		LogLevel:         getenv("LOG_LEVEL", "INFO"),
		DatabaseURL:      getenv("DATABASE_URL", "file:spendgate.db"),
		RedisURL:         os.Getenv("REDIS_URL"),
		OpenAIKey:        os.Getenv("OPENAI_KEY"),
		OpenAIBaseURL:    os.Getenv("OPENAI_BASE_URL"),
		AnthropicKey:     os.Getenv("ANTHROPIC_KEY"),
		AnthropicBaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
		GoogleKey:        os.Getenv("GOOGLE_KEY"),
		GoogleBaseURL:    os.Getenv("GOOGLE_BASE_URL"),
		AdminAPIKey:      os.Getenv("ADMIN_API_KEY"),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		PolicyRulesFile:  os.Getenv("POLICY_RULES_FILE"),
		PolicyWASMFile:   os.Getenv("POLICY_WASM_FILE"),
		PricingFile:      os.Getenv("PRICING_FILE"),
	}

	var err error
	if cfg.DefaultBudgetUSD, err = optionalDecimal("DEFAULT_BUDGET_USD"); err != nil {
		return nil, err
	}
	if cfg.DailyBudgetUSD, err = optionalDecimal("BUDGET_DAILY_USD"); err != nil {
		return nil, err
	}
	if cfg.MonthlyBudgetUSD, err = optionalDecimal("BUDGET_MONTHLY_USD"); err != nil {
		return nil, err
	}
	if cfg.BudgetPeriods, err = parsePeriods(getenv("BUDGET_PERIODS", "daily,monthly")); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Fallback returns the environment ceilings in resolver form.
func (c *Config) Fallback() budget.Fallback {
	return budget.Fallback{
		DefaultUSD: c.DefaultBudgetUSD,
		DailyUSD:   c.DailyBudgetUSD,
		MonthlyUSD: c.MonthlyBudgetUSD,
		Periods:    c.BudgetPeriods,
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func optionalDecimal(key string) (*decimal.Decimal, error) {
	v := os.Getenv(key)
	if v == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", key, err)
	}
	return &d, nil
}

// parsePeriods accepts a comma-separated subset of {daily, monthly}. Custom
// windows are per-tenant configuration and cannot be enforced from the
// environment.
func parsePeriods(raw string) ([]ledger.Period, error) {
	var out []ledger.Period
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		p := ledger.Period(strings.ToLower(part))
		if p != ledger.PeriodDaily && p != ledger.PeriodMonthly {
			return nil, fmt.Errorf("config: BUDGET_PERIODS: unsupported period %q", part)
		}
		out = append(out, p)
	}
	return out, nil
}

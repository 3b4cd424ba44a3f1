package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spendgate/spendgate/pkg/tenants"
)

// runBootstrap creates a tenant and a first API key, printing the raw
// secret exactly once. The secret is never stored; only its digest is.
func runBootstrap(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("bootstrap", flag.ContinueOnError)
	fs.SetOutput(stderr)
	name := fs.String("tenant", "", "tenant name (required)")
	keyName := fs.String("key-name", "default", "name for the generated API key")
	rateLimit := fs.Int64("rate-limit", 0, "requests per minute, 0 means unlimited")
	sessionBudget := fs.String("session-budget", "", "default session budget in USD")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *name == "" {
		fmt.Fprintln(stderr, "spendgate: bootstrap: --tenant is required")
		fs.Usage()
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "spendgate:", err)
		return 1
	}
	defer a.close()

	if a.cfg.AdminAPIKey == "" {
		fmt.Fprintln(stderr, "spendgate: bootstrap: ADMIN_API_KEY must be set")
		return 2
	}

	t := &tenants.Tenant{Name: *name, IsActive: true}
	if *rateLimit > 0 {
		t.RateLimitPerMin = rateLimit
	}
	if *sessionBudget != "" {
		d, err := decimal.NewFromString(*sessionBudget)
		if err != nil {
			fmt.Fprintf(stderr, "spendgate: bootstrap: invalid --session-budget %q\n", *sessionBudget)
			return 2
		}
		t.DefaultSessionBudgetUSD = &d
	}
	if err := a.store.CreateTenant(ctx, t); err != nil {
		fmt.Fprintln(stderr, "spendgate:", err)
		return 1
	}

	secret, err := newSecret()
	if err != nil {
		fmt.Fprintln(stderr, "spendgate:", err)
		return 1
	}
	key := &tenants.APIKey{
		TenantID:     t.ID,
		Name:         *keyName,
		SecretDigest: tenants.DigestSecret(secret),
		IsActive:     true,
	}
	if err := a.store.CreateAPIKey(ctx, key); err != nil {
		fmt.Fprintln(stderr, "spendgate:", err)
		return 1
	}

	fmt.Fprintf(stdout, "tenant %q created (id %d)\n", t.Name, t.ID)
	fmt.Fprintf(stdout, "api key: %s\n", secret)
	fmt.Fprintln(stdout, "store this key now; it cannot be recovered")
	return 0
}

func newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("spendgate: secret: %w", err)
	}
	return "sg-" + hex.EncodeToString(buf), nil
}

package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spendgate/spendgate/pkg/provider"
)

// runDoctor probes the configured backends and reports what the gateway
// would run with. Exit status is nonzero when the database is unreachable.
func runDoctor(stdout, stderr io.Writer) int {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "spendgate:", err)
		return 1
	}
	defer a.close()

	code := 0
	if err := a.store.Ping(ctx); err != nil {
		fmt.Fprintf(stdout, "database: unreachable (%v)\n", err)
		code = 1
	} else {
		fmt.Fprintln(stdout, "database: ok")
	}

	if a.rdb == nil {
		fmt.Fprintln(stdout, "redis: not configured (cache disabled, outbox stream)")
	} else if err := a.rdb.Ping(ctx).Err(); err != nil {
		fmt.Fprintf(stdout, "redis: unreachable (%v)\n", err)
	} else {
		fmt.Fprintln(stdout, "redis: ok")
	}

	d := provider.NewDispatcher(a.credentials(), nil)
	for _, p := range []provider.Provider{provider.OpenAI, provider.Anthropic, provider.Google} {
		state := "disabled"
		if d.Enabled(p) {
			state = "enabled"
		}
		fmt.Fprintf(stdout, "provider %s: %s\n", p, state)
	}

	switch {
	case a.cfg.PolicyWASMFile != "":
		fmt.Fprintf(stdout, "policy: wasm (%s)\n", a.cfg.PolicyWASMFile)
	case a.cfg.PolicyRulesFile != "":
		fmt.Fprintf(stdout, "policy: cel (%s)\n", a.cfg.PolicyRulesFile)
	default:
		fmt.Fprintln(stdout, "policy: built-in rules")
	}
	return code
}

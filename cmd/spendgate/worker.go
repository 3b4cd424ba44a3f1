package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spendgate/spendgate/pkg/accounting"
)

// runWorker drains the usage event stream without serving HTTP. Useful when
// accounting is scaled independently of the gateway.
func runWorker(stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "spendgate:", err)
		return 1
	}
	defer a.close()

	err = accounting.New(a.stream, a.store, a.cache).Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(stderr, "spendgate:", err)
		return 1
	}
	return 0
}

// Command billingctl is the operator CLI for the billing engine: schema
// migrations, analysis group migration, consistency checks, corrections
// and one-off sweeps.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(defaultWiring()).ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

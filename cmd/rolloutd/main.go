// Command rolloutd runs the rollout server: it ticks rollouts through the
// configured workflow engine and serves Prometheus metrics.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "rolloutd: %v\n", err)
		os.Exit(1)
	}
}

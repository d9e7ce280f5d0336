package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// notifyContext returns a context cancelled on SIGINT or SIGTERM. The interpreter processes started with the
// context are killed by the bridge, and the cases of an interrupted run are reverted to NotRun.
func notifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

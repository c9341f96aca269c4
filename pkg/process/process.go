// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package process

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Ctx returns a context cancelled by SIGINT or SIGTERM, for graceful
// shutdown of the daemons.
func Ctx() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

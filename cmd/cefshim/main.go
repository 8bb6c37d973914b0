// Command cefshim drives an embedded browser engine through a scripted
// sequence of steps.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/grafana/cefshim/native"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr, native.Library{})
	stop()
	os.Exit(code)
}

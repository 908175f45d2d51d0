// lineserver accepts TCP connections and relays every delimiter-terminated
// line it receives to a configurable sink.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "lineserver: %v\n", err)
		os.Exit(1)
	}
}

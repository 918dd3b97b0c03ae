// File: cmd/evold/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/nxshade/evold/cmd"
	"github.com/nxshade/evold/internal/observability"
)

const panicLogFile = "panic.log"

// Function variables for dependency injection in tests.
var (
	osWriteFile = os.WriteFile
	// Allows mocking os.Exit in tests.
	osExit = os.Exit
)

func main() {
	defer handlePanic()

	// Interrupts cancel the context so a running cycle can roll back
	// cleanly instead of dying mid-mutation.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cmd.Execute(ctx)
	stop()
	observability.Sync()

	if err != nil {
		// cmd.Execute already logged the failure; only the exit code is
		// decided here. Cancellation is a clean shutdown.
		if errors.Is(err, context.Canceled) {
			osExit(0)
		}
		osExit(1)
	}
}

// handlePanic writes the stack to panic.log so a crash during an unattended
// daemon run leaves evidence next to the state, then exits non-zero.
func handlePanic() {
	r := recover()
	if r == nil {
		return
	}
	observability.Sync()

	message := fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack())
	if err := osWriteFile(panicLogFile, []byte(message), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL: failed to write %s: %v\n", panicLogFile, err)
		fmt.Fprintf(os.Stderr, "%s\n", message)
	}
	osExit(1)
}

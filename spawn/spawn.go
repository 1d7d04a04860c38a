// Package spawn defines how worker processes are launched. A Spawner turns a
// Request into a running Process exposing the two byte streams the
// supervision protocol runs over, plus signal and wait primitives.
// Implementations cover child processes on the local host and Docker
// containers, and are designed for a minimal implementation footprint so
// other backends are easy to add.
package spawn

import (
	"context"
	"io"
	"syscall"
)

// Request describes the worker to launch.
type Request struct {
	Command string
	Args    []string
	Env     []string
	WD      string

	// Stderr receives the worker's stderr stream. Protocol traffic never
	// flows over stderr, so this is diagnostic only. Nil discards it.
	Stderr io.Writer
}

// Process is a started worker. Its stdin and stdout streams are owned
// exclusively by the caller; nothing else may read or write them.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser

	// Signal delivers sig to the process. Signaling a process that has
	// already exited is not an error.
	Signal(ctx context.Context, sig syscall.Signal) error

	// Wait blocks until the process exits and returns its exit code.
	Wait(ctx context.Context) (int, error)

	// Exited is closed once the process has exited.
	Exited() <-chan struct{}

	// Close releases resources held for the process without stopping it.
	// Close is idempotent.
	Close() error
}

// Spawner launches worker processes.
type Spawner interface {
	Spawn(ctx context.Context, req Request) (Process, error)
}

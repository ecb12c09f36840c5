// Package worker supervises the long-lived tasks of a validator: consensus,
// execution, persistence, aggregation, and the network.
package worker

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// ErrTaskExited is returned when a task stops before it was told to.
var ErrTaskExited = errors.New("task exited")

// EventHandler defines a function that is called when events
// occur in the supervision of tasks.
type EventHandler func(v string, args ...any)

// Task is a named function that runs until its context is cancelled.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// =============================================================================

// Run starts every task and does not return until they have all stopped.
// The first task to exit, with or without an error, cancels the others.
// Run returns nil only when the context was cancelled and every task
// stopped cleanly.
func Run(ctx context.Context, evHandler EventHandler, tasks ...Task) error {

	// Build a safe event handler function for use.
	ev := func(v string, args ...any) {
		if evHandler != nil {
			evHandler(v, args...)
		}
	}

	ev("worker: Run: started: tasks[%d]", len(tasks))
	defer ev("worker: Run: completed")

	g, ctx := errgroup.WithContext(ctx)

	// We don't want to report running until we know all the G's are up.
	hasStarted := make(chan bool)

	for _, task := range tasks {
		g.Go(func() error {
			hasStarted <- true

			err := task.Run(ctx)

			switch {
			case err != nil:
				ev("worker: %s: ERROR: %s", task.Name, err)
				return fmt.Errorf("%s: %w", task.Name, err)

			case ctx.Err() == nil:
				ev("worker: %s: exited early", task.Name)
				return fmt.Errorf("%s: %w", task.Name, ErrTaskExited)
			}

			ev("worker: %s: stopped", task.Name)
			return nil
		})
	}

	// Wait for the G's to report they are running.
	for range tasks {
		<-hasStarted
	}
	ev("worker: Run: running")

	return g.Wait()
}

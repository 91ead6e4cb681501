package harness

import (
	"context"
	"fmt"
)

// Task is a handle on one background goroutine. The goroutine's result is
// kept until collected with Err; it never escapes as a panic.
type Task struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Go runs fn on a new goroutine. The task is cancelled only through Cancel:
// the parent context contributes its values, not its deadline.
func Go(parent context.Context, name string, fn func(ctx context.Context) error) *Task {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	t := &Task{
		name:   name,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(t.done)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				t.err = fmt.Errorf("%s panicked: %v", name, r)
			}
		}()
		t.err = fn(ctx)
	}()

	return t
}

// Name returns the name given to Go.
func (t *Task) Name() string { return t.name }

// Alive reports whether the goroutine is still running.
func (t *Task) Alive() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Cancel asks the task to stop. It does not wait.
func (t *Task) Cancel() { t.cancel() }

// Done is closed when the goroutine has exited.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the goroutine exits and returns its error.
func (t *Task) Wait() error {
	<-t.done
	return t.err
}

// Err returns the task's error once it has exited, nil while it runs.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

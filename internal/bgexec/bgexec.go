// Package bgexec provides the scoped background executor spec §5
// requires: work that must outlive the response it was scheduled from
// (cache store, version bump), acquired from a long-lived context
// rather than the request's context (which is cancelled the moment the
// client disconnects). It generalizes the teacher's single-purpose
// goroutine-and-done-channel pattern in internal/stream.TeeToStore into
// a small golang.org/x/sync/errgroup-backed pool.
package bgexec

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

type ctxKey struct{}

// Executor runs background work on an errgroup.Group that outlives any
// single request. It has no bound on outstanding goroutines by design:
// callers (the Cache Orchestrator) schedule bounded, idempotent work
// (one store + one version bump per miss).
type Executor struct {
	group *errgroup.Group
}

// New constructs an Executor bound to baseCtx; baseCtx should be the
// server's lifetime context, not any individual request's.
func New(baseCtx context.Context) *Executor {
	group, _ := errgroup.WithContext(detach(baseCtx))
	return &Executor{group: group}
}

// detach strips baseCtx's deadline/cancellation while keeping its
// values, so background work is not torn down early from server
// shutdown signals it hasn't been given a chance to observe. The
// server's own shutdown sequence is responsible for draining the
// executor (Wait) before exiting.
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// WithExecutor attaches e to ctx, for request handlers to retrieve via
// FromContext.
func WithExecutor(ctx context.Context, e *Executor) context.Context {
	return context.WithValue(ctx, ctxKey{}, e)
}

// FromContext retrieves the Executor attached to ctx, if any.
func FromContext(ctx context.Context) (*Executor, bool) {
	e, ok := ctx.Value(ctxKey{}).(*Executor)
	return e, ok
}

// Go schedules fn to run on e's pool. A panic inside fn is recovered
// and logged rather than crashing the background pool — one failed
// store must never take down unrelated in-flight background work.
func (e *Executor) Go(fn func(ctx context.Context) error) {
	e.group.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("background task panicked", "recover", r)
				err = nil
			}
		}()
		if err := fn(context.Background()); err != nil {
			slog.Warn("background task failed", "error", err)
		}
		return nil
	})
}

// Wait blocks until all scheduled background work completes. Used by
// graceful shutdown.
func (e *Executor) Wait() error {
	return e.group.Wait()
}

// Schedule runs fn on the Executor attached to ctx if one is present,
// falling back to synchronous execution otherwise (spec §5: "when
// absent — e.g., tests — writes fall back to synchronous execution
// before returning").
func Schedule(ctx context.Context, fn func(ctx context.Context) error) {
	if e, ok := FromContext(ctx); ok {
		e.Go(fn)
		return
	}
	if err := fn(context.Background()); err != nil {
		slog.Warn("synchronous background task failed", "error", err)
	}
}

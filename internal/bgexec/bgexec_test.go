package bgexec

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestScheduleFallsBackToSynchronous(t *testing.T) {
	ran := false
	Schedule(context.Background(), func(ctx context.Context) error {
		ran = true
		return nil
	})
	if !ran {
		t.Fatalf("expected synchronous fallback to run immediately")
	}
}

func TestScheduleUsesExecutorFromContext(t *testing.T) {
	e := New(context.Background())
	ctx := WithExecutor(context.Background(), e)

	var mu sync.Mutex
	ran := false
	Schedule(ctx, func(ctx context.Context) error {
		mu.Lock()
		ran = true
		mu.Unlock()
		return nil
	})

	if err := e.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !ran {
		t.Fatalf("expected background task to run")
	}
}

func TestExecutorSurvivesCancelledRequestContext(t *testing.T) {
	e := New(context.Background())
	reqCtx, cancel := context.WithCancel(context.Background())
	ctx := WithExecutor(reqCtx, e)

	started := make(chan struct{})
	done := make(chan struct{})
	Schedule(ctx, func(ctx context.Context) error {
		close(started)
		<-time.After(20 * time.Millisecond)
		close(done)
		return nil
	})

	<-started
	cancel() // simulate client disconnect

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("background work did not complete after request context cancellation")
	}
}

func TestExecutorRecoversPanics(t *testing.T) {
	e := New(context.Background())
	e.Go(func(ctx context.Context) error {
		panic("boom")
	})
	if err := e.Wait(); err != nil {
		t.Fatalf("expected panic recovery to yield nil error, got %v", err)
	}
}

func TestExecutorLogsFailureWithoutPropagating(t *testing.T) {
	e := New(context.Background())
	e.Go(func(ctx context.Context) error {
		return errors.New("boom")
	})
	if err := e.Wait(); err != nil {
		t.Fatalf("expected failed background task to not fail Wait, got %v", err)
	}
}

package main

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRunLoop_RunsImmediatelyThenOnTicks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		runLoop(ctx, zerolog.Nop(), "test", time.Millisecond, func(context.Context) error {
			if runs.Add(1) >= 3 {
				cancel()
			}
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runLoop did not stop after cancel")
	}
	if got := runs.Load(); got < 3 {
		t.Errorf("expected at least 3 runs, got %d", got)
	}
}

func TestRunLoop_KeepsGoingAfterFailedRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		runLoop(ctx, zerolog.Nop(), "test", time.Millisecond, func(context.Context) error {
			if runs.Add(1) >= 2 {
				cancel()
				return nil
			}
			return errors.New("transient failure")
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runLoop stopped after a failed run")
	}
	if got := runs.Load(); got < 2 {
		t.Errorf("expected the loop to survive a failure, got %d runs", got)
	}
}

func TestRunLoop_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var runs atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		runLoop(ctx, zerolog.Nop(), "test", time.Hour, func(context.Context) error {
			runs.Add(1)
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runLoop did not exit with a cancelled context")
	}
	// The first run always happens; the loop must exit before a second.
	if got := runs.Load(); got > 1 {
		t.Errorf("expected at most 1 run with a cancelled context, got %d", got)
	}
}

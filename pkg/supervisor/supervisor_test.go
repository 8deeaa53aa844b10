package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/archivelabs/chainindexer/pkg/types"
	"github.com/rs/zerolog"
)

func noop(context.Context) error { return nil }

func disconnected(context.Context) error { return fmt.Errorf("wrap: %w", types.ErrDisconnected) }

func TestTickContinuesWhenAnyOperationSucceeds(t *testing.T) {
	stop := tick(context.Background(), noop, disconnected, disconnected, zerolog.Nop())
	if stop {
		t.Fatal("expected tick loop to continue when one operation still succeeds")
	}
}

func TestTickStopsWhenAllThreeDisconnected(t *testing.T) {
	stop := tick(context.Background(), disconnected, disconnected, disconnected, zerolog.Nop())
	if !stop {
		t.Fatal("expected tick loop to stop when all three mailboxes report disconnected")
	}
}

func TestTickContinuesOnOtherErrors(t *testing.T) {
	failing := func(context.Context) error { return errors.New("transient") }
	stop := tick(context.Background(), failing, noop, noop, zerolog.Nop())
	if stop {
		t.Fatal("a non-disconnect error must not trip the stop condition")
	}
}

func TestTickRunsAllThreeConcurrently(t *testing.T) {
	var calls int32
	slow := func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		time.Sleep(10 * time.Millisecond)
		return nil
	}
	start := time.Now()
	tick(context.Background(), slow, slow, slow, zerolog.Nop())
	if elapsed := time.Since(start); elapsed > 25*time.Millisecond {
		t.Fatalf("expected concurrent execution, took %s", elapsed)
	}
	if calls != 3 {
		t.Fatalf("expected all 3 operations invoked, got %d", calls)
	}
}

func TestDriveTasksSleepsBetweenEmptyPasses(t *testing.T) {
	var mu sync.Mutex
	var calls int
	run := func(context.Context) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Millisecond)
	defer cancel()
	stopCh := make(chan struct{})

	runDriveLoop(ctx, stopCh, run, 10*time.Millisecond, zerolog.Nop())

	mu.Lock()
	defer mu.Unlock()
	if calls < 2 || calls > 5 {
		t.Fatalf("expected a handful of paced passes, got %d", calls)
	}
}

func TestDriveTasksLoopsImmediatelyWhileJobsRemain(t *testing.T) {
	var mu sync.Mutex
	var calls int
	run := func(context.Context) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls >= 5 {
			return 0, nil
		}
		return 1, nil
	}

	stopCh := make(chan struct{})
	done := make(chan struct{})
	go func() {
		runDriveLoop(context.Background(), stopCh, run, time.Hour, zerolog.Nop())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drive loop should not block on pollInterval while jobs remain")
	}
}

func TestDriveTasksStopsOnStopChannel(t *testing.T) {
	run := func(context.Context) (int, error) { return 0, nil }
	stopCh := make(chan struct{})
	close(stopCh)

	done := make(chan struct{})
	go func() {
		runDriveLoop(context.Background(), stopCh, run, time.Hour, zerolog.Nop())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drive loop should exit promptly once stopCh is closed")
	}
}

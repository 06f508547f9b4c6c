package jobs

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"coachletter/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ============================================================================
// Registration
// ============================================================================

func TestRegister_InvalidSpecReturnsError(t *testing.T) {
	r := NewRegistry(context.Background(), testLogger())

	err := r.Register("bad", "not a cron spec", func(ctx context.Context) error {
		return nil
	})
	if err == nil {
		t.Fatal("expected error for invalid cron spec, got nil")
	}
}

func TestRegister_ValidSpecs(t *testing.T) {
	r := NewRegistry(context.Background(), testLogger())

	specs := []string{"*/5 * * * *", "15 * * * *", "0 0 * * *", "@every 1h"}
	for _, spec := range specs {
		if err := r.Register("job-"+spec, spec, func(ctx context.Context) error {
			return nil
		}); err != nil {
			t.Errorf("spec %q: expected no error, got: %v", spec, err)
		}
	}
}

// ============================================================================
// Execution
// ============================================================================

func TestRegistry_JobFires(t *testing.T) {
	r := NewRegistry(context.Background(), testLogger())

	var runs atomic.Int32
	err := r.Register("ticker", "@every 50ms", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("failed to register job: %v", err)
	}

	r.Start()
	defer r.Stop(time.Second)

	deadline := time.After(2 * time.Second)
	for runs.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("job never fired")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRegistry_RunContextCarriesRunID(t *testing.T) {
	r := NewRegistry(context.Background(), testLogger())

	gotRunID := make(chan string, 1)
	err := r.Register("run-id", "@every 50ms", func(ctx context.Context) error {
		select {
		case gotRunID <- types.GetRunID(ctx):
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("failed to register job: %v", err)
	}

	r.Start()
	defer r.Stop(time.Second)

	select {
	case runID := <-gotRunID:
		if runID == "" {
			t.Error("expected a non-empty run ID in the job context")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("job never fired")
	}
}

func TestRegistry_OverlappingRunsSkipped(t *testing.T) {
	r := NewRegistry(context.Background(), testLogger())

	var starts atomic.Int32
	release := make(chan struct{})
	err := r.Register("slow", "@every 30ms", func(ctx context.Context) error {
		starts.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	if err != nil {
		t.Fatalf("failed to register job: %v", err)
	}

	r.Start()

	// Let several ticks elapse while the first run is still blocked. Skipped
	// ticks must not stack new runs.
	time.Sleep(200 * time.Millisecond)
	if got := starts.Load(); got != 1 {
		t.Errorf("expected exactly 1 start while the first run is in flight, got %d", got)
	}

	close(release)
	r.Stop(time.Second)
}

func TestRegistry_PanicDoesNotKillScheduling(t *testing.T) {
	r := NewRegistry(context.Background(), testLogger())

	var runs atomic.Int32
	err := r.Register("panicky", "@every 30ms", func(ctx context.Context) error {
		runs.Add(1)
		panic("boom")
	})
	if err != nil {
		t.Fatalf("failed to register job: %v", err)
	}

	r.Start()
	defer r.Stop(time.Second)

	// The job should keep firing despite panicking every run.
	deadline := time.After(2 * time.Second)
	for runs.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected at least 2 runs after a panic, got %d", runs.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// ============================================================================
// Shutdown
// ============================================================================

func TestRegistry_StopCancelsInFlightRuns(t *testing.T) {
	r := NewRegistry(context.Background(), testLogger())

	canceled := make(chan struct{})
	started := make(chan struct{}, 1)
	err := r.Register("long", "@every 30ms", func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		close(canceled)
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("failed to register job: %v", err)
	}

	r.Start()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}

	r.Stop(time.Second)

	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("in-flight run was not canceled by Stop")
	}
}

func TestRegistry_StopWithNothingRunning(t *testing.T) {
	r := NewRegistry(context.Background(), testLogger())
	r.Start()
	r.Stop(100 * time.Millisecond) // must return promptly without panicking
}

package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/i474232898/station-ingest/internal/ingest"
)

type countingCycles struct {
	calls atomic.Int32
	err   error
}

func (c *countingCycles) RunCycle(context.Context) (ingest.CycleReport, error) {
	c.calls.Add(1)
	return ingest.CycleReport{ID: "c"}, c.err
}

type countingHealth struct {
	calls       atomic.Int32
	hadDeadline atomic.Bool
}

func (h *countingHealth) Run(ctx context.Context) error {
	_, ok := ctx.Deadline()
	h.hadDeadline.Store(ok)
	h.calls.Add(1)
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestSchedulerRunsBothJobs(t *testing.T) {
	cycles := &countingCycles{err: ingest.ErrTaskRunning}
	health := &countingHealth{}

	s := New(cycles, time.Hour, health, time.Hour, zerolog.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	waitFor(t, func() bool { return cycles.calls.Load() >= 1 && health.calls.Load() >= 1 })
	if !health.hadDeadline.Load() {
		t.Fatalf("expected health run to be bounded by a deadline")
	}
}

func TestSchedulerWithoutHealth(t *testing.T) {
	cycles := &countingCycles{}

	s := New(cycles, time.Hour, nil, 0, zerolog.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	waitFor(t, func() bool { return cycles.calls.Load() >= 1 })
}

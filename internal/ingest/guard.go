package ingest

import (
	"context"
	"time"
)

// StoreGuard is a TaskGuard backed by the conditional lease update of a TaskStore.
type StoreGuard struct {
	tasks    TaskStore
	interval time.Duration
	now      func() time.Time
}

// NewStoreGuard returns a guard that records interval on the task row.
func NewStoreGuard(tasks TaskStore, interval time.Duration) *StoreGuard {
	return &StoreGuard{tasks: tasks, interval: interval, now: time.Now}
}

func (g *StoreGuard) Acquire(ctx context.Context, task, owner string, lease time.Duration) (bool, error) {
	return g.tasks.AcquireTask(ctx, task, g.interval, owner, lease, g.now())
}

func (g *StoreGuard) Release(ctx context.Context, task, owner string, status TaskStatus, message string) error {
	return g.tasks.FinishTask(ctx, task, owner, status, message, g.now())
}

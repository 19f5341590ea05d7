package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/i474232898/station-ingest/internal/config"
	"github.com/i474232898/station-ingest/internal/ingest"
)

const keyPrefix = "station-ingest:lock:"

// releaseScript deletes the lock only while it still holds the caller's token.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// scripter is the subset of *redis.Client the guard needs.
type scripter interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisGuard is an ingest.TaskGuard holding a SET NX PX lease in Redis.
// Task status is still recorded in the task store for reporting.
type RedisGuard struct {
	client   scripter
	tasks    ingest.TaskStore
	interval time.Duration
	now      func() time.Time
}

// Connect opens a Redis client and verifies it with PING.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

func NewRedisGuard(client *redis.Client, tasks ingest.TaskStore, interval time.Duration) *RedisGuard {
	return newRedisGuard(client, tasks, interval)
}

func newRedisGuard(client scripter, tasks ingest.TaskStore, interval time.Duration) *RedisGuard {
	return &RedisGuard{client: client, tasks: tasks, interval: interval, now: time.Now}
}

func lockKey(task string) string {
	return keyPrefix + task
}

func (g *RedisGuard) Acquire(ctx context.Context, task, owner string, lease time.Duration) (bool, error) {
	ok, err := g.client.SetNX(ctx, lockKey(task), owner, lease).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s lock: %w", task, err)
	}
	if !ok {
		return false, nil
	}
	if err := g.tasks.RecordTask(ctx, task, g.interval, ingest.TaskRunning, "", g.now()); err != nil {
		_ = g.client.Eval(context.WithoutCancel(ctx), releaseScript, []string{lockKey(task)}, owner).Err()
		return false, fmt.Errorf("record %s running: %w", task, err)
	}
	return true, nil
}

// Release records the final status. A timed out run leaves its key to expire
// on its own, so no new cycle starts while the old one may still be writing.
func (g *RedisGuard) Release(ctx context.Context, task, owner string, status ingest.TaskStatus, message string) error {
	if status != ingest.TaskTimeout {
		if err := g.client.Eval(ctx, releaseScript, []string{lockKey(task)}, owner).Err(); err != nil {
			return fmt.Errorf("release %s lock: %w", task, err)
		}
	}
	return g.tasks.RecordTask(ctx, task, g.interval, status, message, g.now())
}

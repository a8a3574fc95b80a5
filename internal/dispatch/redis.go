package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultClaimBatch = 20

// RedisDispatcher keeps due jobs in a sorted set scored by due time (unix ms).
// A Poller in the same service claims and executes them.
type RedisDispatcher struct {
	rdb *redis.Client
	key string
}

func NewRedisDispatcher(rdb *redis.Client, key string) *RedisDispatcher {
	return &RedisDispatcher{rdb: rdb, key: key}
}

func (d *RedisDispatcher) Schedule(ctx context.Context, job Job) error {
	if d.rdb == nil {
		return errors.New("dispatch: redis client is nil")
	}
	if err := job.validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return d.rdb.ZAdd(ctx, d.key, redis.Z{
		Score:  float64(job.ScheduledAt.UnixMilli()),
		Member: string(raw),
	}).Err()
}

var claimDueScript = redis.NewScript(`
-- KEYS[1] = sorted set of jobs scored by due time (unix ms)
-- ARGV[1] = now (unix ms)
-- ARGV[2] = max jobs to claim
--
-- Returns the claimed members. Each member is removed in the same script, so
-- a job is handed to exactly one poller.
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, member in ipairs(due) do
  redis.call('ZREM', KEYS[1], member)
end
return due
`)

// Poller claims due jobs from a RedisDispatcher's set and runs the handler.
// A handler failure is logged; the retry queue entry stays pending and the
// overdue sweeper picks it up.
type Poller struct {
	rdb      *redis.Client
	key      string
	interval time.Duration
	batch    int
	handler  Handler
	logger   *slog.Logger
	clock    func() time.Time
}

func NewPoller(rdb *redis.Client, key string, interval time.Duration, handler Handler, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		rdb:      rdb,
		key:      key,
		interval: interval,
		batch:    defaultClaimBatch,
		handler:  handler,
		logger:   logger,
		clock:    time.Now,
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.logger.Info("retry job poller started", "key", p.key, "interval", p.interval)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("retry job poller stopped")
			return
		case <-ticker.C:
			if _, err := p.PollOnce(ctx); err != nil {
				p.logger.Error("retry job poll failed", "err", err)
			}
		}
	}
}

// PollOnce claims every currently due job and runs the handler on each. It
// returns the number of jobs claimed.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	members, err := claimDueScript.Run(ctx, p.rdb, []string{p.key}, p.clock().UnixMilli(), p.batch).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("dispatch: claim due jobs: %w", err)
	}
	for _, m := range members {
		var job Job
		if err := json.Unmarshal([]byte(m), &job); err != nil {
			p.logger.Error("retry job decode failed", "err", err)
			continue
		}
		if err := p.handler(ctx, job); err != nil {
			p.logger.Error("retry job failed", "queue_id", job.QueueID, "err", err)
		}
	}
	return len(members), nil
}

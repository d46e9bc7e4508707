package workers

import (
	"context"
	"log/slog"
	"time"
)

// Housekeeper is the part of the offline queue the janitor drives.
type Housekeeper interface {
	Expire(before time.Time) (int, error)
	SweepOrphans(before time.Time) (int, error)
}

// Janitor periodically drops pending deliveries older than the TTL and
// removes staged bodies nothing references any more. A zero TTL keeps
// pending deliveries forever.
type Janitor struct {
	log      *slog.Logger
	queue    Housekeeper
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
}

func NewJanitor(log *slog.Logger, queue Housekeeper, ttl, interval time.Duration) *Janitor {
	return &Janitor{
		log:      log,
		queue:    queue,
		ttl:      ttl,
		interval: interval,
		now:      time.Now,
	}
}

func (j *Janitor) Run(ctx context.Context) error {
	j.log.Info("Starting janitor", "ttl", j.ttl, "interval", j.interval)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			j.sweep()
		}
	}
}

func (j *Janitor) sweep() {
	now := j.now()
	if j.ttl > 0 {
		expired, err := j.queue.Expire(now.Add(-j.ttl))
		if err != nil {
			j.log.Error("Expiring pending deliveries failed", "error", err)
		} else if expired > 0 {
			j.log.Info("Pending deliveries expired", "count", expired)
		}
	}

	// Bodies younger than one interval may still be between write and commit
	removed, err := j.queue.SweepOrphans(now.Add(-j.interval))
	if err != nil {
		j.log.Error("Sweeping staged files failed", "error", err)
		return
	}
	if removed > 0 {
		j.log.Info("Orphan staged files removed", "count", removed)
	}
}

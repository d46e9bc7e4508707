package workers

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/process"
)

// StatsSource exposes the counters the reporter logs.
type StatsSource interface {
	Sessions() int
	Groups() int
	Connections() int64
	PendingByUser() (map[string]int, error)
}

type Stats struct {
	Sessions     int
	Groups       int
	Connections  int64
	PendingUsers int
	Pending      int
	RSS          uint64
	CPUPercent   float64
}

// StatsReporter logs the relay's load and the process footprint at a
// fixed interval.
type StatsReporter struct {
	log      *slog.Logger
	source   StatsSource
	interval time.Duration
}

func NewStatsReporter(log *slog.Logger, source StatsSource, interval time.Duration) *StatsReporter {
	return &StatsReporter{log: log, source: source, interval: interval}
}

func (w *StatsReporter) Run(ctx context.Context) error {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return err
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			stats, err := w.collect(p)
			if err != nil {
				w.log.Warn("Failed to collect stats", "error", err)
				continue
			}
			w.log.Info("Relay stats",
				"sessions", stats.Sessions,
				"groups", stats.Groups,
				"connections", stats.Connections,
				"pending_users", stats.PendingUsers,
				"pending", stats.Pending,
				"rss_bytes", stats.RSS,
				"cpu_percent", stats.CPUPercent,
			)
		}
	}
}

func (w *StatsReporter) collect(p *process.Process) (Stats, error) {
	pending, err := w.source.PendingByUser()
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{
		Sessions:     w.source.Sessions(),
		Groups:       w.source.Groups(),
		Connections:  w.source.Connections(),
		PendingUsers: len(pending),
	}
	for _, count := range pending {
		stats.Pending += count
	}

	memInfo, err := p.MemoryInfo()
	if err != nil {
		return Stats{}, err
	}
	cpuPercent, err := p.CPUPercent()
	if err != nil {
		return Stats{}, err
	}
	stats.RSS = memInfo.RSS
	stats.CPUPercent = cpuPercent
	return stats, nil
}

package defense

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// SweepTask is one store's reclamation step. Sweep returns how many entries
// it removed.
type SweepTask struct {
	Name  string
	Sweep func() int
}

// Janitor periodically reclaims memory from every stateful store. Each sweep
// takes the same per-shard locks the request paths take, so it never deletes
// a record mid-update, and each store's sweep only removes entries whose
// window has already logically expired on read.
type Janitor struct {
	interval time.Duration
	tasks    []SweepTask
	logger   zerolog.Logger
}

// NewJanitor creates a janitor over the given tasks.
func NewJanitor(interval time.Duration, logger zerolog.Logger, tasks ...SweepTask) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{
		interval: interval,
		tasks:    tasks,
		logger:   logger.With().Str("component", "janitor").Logger(),
	}
}

// Start runs the sweep loop until ctx is cancelled.
func (j *Janitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.RunOnce()
			}
		}
	}()
	j.logger.Info().Dur("interval", j.interval).Int("tasks", len(j.tasks)).Msg("janitor started")
}

// RunOnce executes every sweep task a single time.
func (j *Janitor) RunOnce() {
	total := 0
	for _, task := range j.tasks {
		removed := task.Sweep()
		total += removed
		if removed > 0 {
			j.logger.Debug().Str("store", task.Name).Int("removed", removed).Msg("swept expired entries")
		}
	}
	if total > 0 {
		j.logger.Info().Int("removed", total).Msg("janitor sweep complete")
	}
}

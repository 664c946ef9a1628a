package stage

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the stale-dir sweep hourly.
const DefaultSweepSchedule = "@every 1h"

// Sweeper periodically removes stale id directories.
type Sweeper struct {
	area *Area
	ttl  time.Duration
	cron *cron.Cron
}

// NewSweeper schedules Sweep(ttl) on the area using a cron spec such as
// "@every 30m" or "0 */2 * * *".
func NewSweeper(area *Area, schedule string, ttl time.Duration) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("sweep ttl must be positive, got %s", ttl)
	}

	s := &Sweeper{area: area, ttl: ttl, cron: cron.New()}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Sweeper) run() {
	if _, err := s.area.Sweep(s.ttl, time.Now()); err != nil {
		s.area.logger.Warn("sweep failed", "err", err)
	}
}

// Start runs the schedule in the background.
func (s *Sweeper) Start() { s.cron.Start() }

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

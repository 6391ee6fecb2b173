package capability

import (
	"context"
	"math"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultDecaySchedule runs the usage-stat decay pass once an hour.
const DefaultDecaySchedule = "0 * * * *"

// DecayHalfLife is the period over which a capability's success rate
// relaxes 50% of the way back toward the population baseline absent new
// observations, keeping stale capabilities from permanently monopolizing
// search results on a single lucky trace.
const DecayHalfLife = 30 * 24 * time.Hour

// StartResync schedules the background usage-stat decay loop on schedule
// (standard 5-field cron syntax, in the registry process's local time). It
// is idempotent; calling it twice replaces the previous schedule.
func (r *Registry) StartResync(schedule string) error {
	r.StopResync()
	if schedule == "" {
		schedule = DefaultDecaySchedule
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, r.runDecay); err != nil {
		return err
	}
	c.Start()
	r.cron = c
	return nil
}

// StopResync stops the background decay loop, if running.
func (r *Registry) StopResync() {
	if r.cron == nil {
		return
	}
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.cron = nil
}

// runDecay relaxes every capability's success rate toward 0.5 in
// proportion to elapsed time since LastUsed, so capabilities nobody has
// replayed recently stop outranking actively-validated ones.
func (r *Registry) runDecay() {
	all, err := r.store.All()
	if err != nil {
		r.tele.Logger.Warn(context.Background(), "capability decay scan failed", "error", err)
		return
	}
	if r.decayFn != nil {
		r.decayFn(all)
		return
	}
	for _, c := range all {
		decayed := decaySuccessRate(c.SuccessRate, time.Since(c.LastUsed))
		if decayed == c.SuccessRate {
			continue
		}
		if err := r.store.UpdateSuccessRate(c.ID, decayed); err != nil {
			r.tele.Logger.Warn(context.Background(), "capability decay write failed", "id", c.ID, "error", err)
			continue
		}
		r.cache.Invalidate(c.ID)
	}
}

func decaySuccessRate(rate float64, age time.Duration) float64 {
	if age <= 0 {
		return rate
	}
	halfLives := float64(age) / float64(DecayHalfLife)
	factor := math.Exp2(-halfLives)
	return 0.5 + (rate-0.5)*factor
}

// Package retention runs the background sweep that evicts cache entries
// whose TTL has passed, so memory doesn't grow unbounded between reads of
// a stale key.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// minInterval floors how often a sweep can run, regardless of what the
// caller requests.
const minInterval = time.Second

// Sweeper is anything with an expiry-driven eviction pass. The Minter
// Cache and POT Cache both satisfy this trivially: their own freshness
// checks on read already make a sweep optional, but running one anyway
// keeps key cardinality from growing unbounded on a quiet process.
type Sweeper interface {
	Sweep()
}

// Janitor runs every Sweeper's Sweep on a fixed interval until its context
// is cancelled.
type Janitor struct {
	sweepers []Sweeper
	interval time.Duration
}

// New builds a Janitor that sweeps every interval (floored at minInterval).
func New(interval time.Duration, sweepers ...Sweeper) *Janitor {
	if interval < minInterval {
		interval = minInterval
	}
	return &Janitor{sweepers: sweepers, interval: interval}
}

// Run blocks, sweeping on each tick, until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("retention: janitor stopping")
			return
		case <-ticker.C:
			j.sweepOnce()
		}
	}
}

func (j *Janitor) sweepOnce() {
	for _, s := range j.sweepers {
		s.Sweep()
	}
}

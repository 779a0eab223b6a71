package bus

import (
	"context"
	"log"
	"time"

	"github.com/opencast/castbus/observability"
)

// Sweeper is the maintenance task watching one (stream, group): it gauges
// pending-ledger depth and escalates entries that exceeded max deliveries to
// the dead-letter sink. Reclaiming healthy stragglers is done by live
// subscriber loops; the sweeper only surfaces the permanently stuck ones.
type Sweeper struct {
	bus      *Bus
	stream   string
	group    string
	interval time.Duration
}

// NewSweeper builds a sweeper for one consumer group.
func NewSweeper(b *Bus, stream, group string, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		bus:      b,
		stream:   stream,
		group:    group,
		interval: interval,
	}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	log.Printf("[sweeper] watching %s/%s every %v", s.stream, s.group, s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	pend, err := s.bus.store.Pending(ctx, s.stream, s.group, 1024)
	if err != nil {
		log.Printf("[sweeper] pending scan on %s/%s failed: %v", s.stream, s.group, err)
		return
	}
	observability.PendingDepth.WithLabelValues(s.stream, s.group).Set(float64(len(pend)))

	for _, p := range pend {
		if p.DeliveryCount < s.bus.opts.MaxDeliveries || p.Idle < s.bus.opts.VisibilityTimeout {
			continue
		}
		// reportDeadLetter dedupes across sweeps and subscriber loops.
		s.bus.reportDeadLetter(ctx, s.stream, s.group, p, nil)
	}
}

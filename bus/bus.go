// Package bus is the log-backed publish/subscribe layer coordinating the
// pipeline services: at-least-once delivery to consumer groups, pending-entry
// resumption after crashes, and claim-after-timeout recovery of dead
// consumers' work. Payloads are opaque bytes; dedup is the consumer's job.
package bus

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/opencast/castbus/logstore"
)

// Handler processes one delivered entry. Returning nil acknowledges the
// entry; returning an error (or panicking) leaves it pending for retry.
type Handler func(ctx context.Context, d logstore.Delivery) error

// DeadLetter describes an entry that exceeded the max delivery count.
type DeadLetter struct {
	Stream        string    `json:"stream"`
	Group         string    `json:"group"`
	EntryID       string    `json:"entry_id"`
	Consumer      string    `json:"consumer"`
	DeliveryCount int64     `json:"delivery_count"`
	Payload       []byte    `json:"payload,omitempty"`
	FirstSeen     time.Time `json:"first_seen"`
}

// DeadLetterSink receives entries that exceeded max deliveries. Sinks must
// tolerate duplicate reports for the same (stream, group, entry).
type DeadLetterSink interface {
	Report(ctx context.Context, dl DeadLetter) error
}

// Activity is a bus lifecycle notification for observability surfaces
// (the admin websocket tail). Best effort, never load bearing.
type Activity struct {
	Kind          string    `json:"kind"` // published, delivered, acked, handler_failed, reclaimed, dead_lettered
	Stream        string    `json:"stream"`
	Group         string    `json:"group,omitempty"`
	Consumer      string    `json:"consumer,omitempty"`
	EntryID       string    `json:"entry_id,omitempty"`
	DeliveryCount int64     `json:"delivery_count,omitempty"`
	Error         string    `json:"error,omitempty"`
	At            time.Time `json:"at"`
}

// Bus wires a log store to publishers and subscriber loops.
type Bus struct {
	store    logstore.Store
	opts     Options
	deadSink DeadLetterSink
	activity func(Activity)
	claimLim *rate.Limiter

	// deadReported dedupes dead-letter reports across all subscriber loops
	// and sweepers in this process; the sink itself is idempotent across
	// processes.
	deadMu       sync.Mutex
	deadReported map[string]struct{}
}

// New builds a Bus over the given log store.
func New(store logstore.Store, opts Options) *Bus {
	opts = opts.withDefaults()
	return &Bus{
		store:        store,
		opts:         opts,
		claimLim:     rate.NewLimiter(rate.Limit(opts.ClaimRate), 1),
		deadReported: make(map[string]struct{}),
	}
}

// WithDeadLetterSink routes exceeded-retry entries to sink. The entries
// themselves stay pending in the log store.
func (b *Bus) WithDeadLetterSink(sink DeadLetterSink) *Bus {
	b.deadSink = sink
	return b
}

// WithActivityFunc installs a best-effort activity callback. The callback
// must not block.
func (b *Bus) WithActivityFunc(fn func(Activity)) *Bus {
	b.activity = fn
	return b
}

// Store exposes the underlying log store for inspection surfaces.
func (b *Bus) Store() logstore.Store { return b.store }

// Options returns the effective (defaulted) options.
func (b *Bus) Options() Options { return b.opts }

func (b *Bus) notify(a Activity) {
	if b.activity != nil {
		a.At = time.Now()
		b.activity(a)
	}
}

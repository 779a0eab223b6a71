package bus

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/opencast/castbus/logstore"
	"github.com/opencast/castbus/observability"
)

// Subscribe runs a consumer loop for (stream, group, consumer) until ctx is
// cancelled. It first drains the consumer's own pending entries (work
// delivered before a crash), then reads new group entries in ID order,
// invoking handler and acknowledging on success. Handler errors leave the
// entry pending and never terminate the loop. Store connectivity failures
// are retried with bounded backoff; the loop returns *StoreUnavailableError
// only after MaxStoreFailures consecutive failures.
func (b *Bus) Subscribe(ctx context.Context, stream, group, consumer string, handler Handler) error {
	if stream == "" || group == "" || consumer == "" {
		return fmt.Errorf("subscribe: stream, group and consumer are required")
	}
	if handler == nil {
		return fmt.Errorf("subscribe: handler is required")
	}

	log.Printf("[bus] consumer %s joining %s/%s", consumer, stream, group)

	if err := b.resumePending(ctx, stream, group, consumer, handler); err != nil {
		return err
	}
	return b.liveLoop(ctx, stream, group, consumer, handler)
}

// resumePending replays every entry that was delivered to this consumer
// identity but never acknowledged. Entries that fail again stay pending; the
// pass pages past them by ID and terminates once the ledger snapshot at call
// time is exhausted.
func (b *Bus) resumePending(ctx context.Context, stream, group, consumer string, handler Handler) error {
	fromID := ""
	replayed := 0
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := b.store.ReadOwnPending(ctx, stream, group, consumer, fromID, b.opts.ReadCount)
		if err != nil {
			retry, rerr := b.storeRetry(ctx, stream, group, "resume read", err, &failures)
			if rerr != nil {
				return rerr
			}
			if retry {
				continue
			}
			return err
		}
		failures = 0
		if len(batch) == 0 {
			break
		}
		for _, d := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			observability.EntriesDelivered.WithLabelValues(stream, group, "resume").Inc()
			b.processDelivery(ctx, stream, group, consumer, d, handler)
			replayed++
			fromID = d.ID
		}
	}
	if replayed > 0 {
		log.Printf("[bus] consumer %s replayed %d pending entries on %s/%s", consumer, replayed, stream, group)
	}
	return nil
}

// liveLoop reads not-yet-delivered entries for the group, blocking up to the
// poll interval when the stream is idle. Idle moments are also used to
// reclaim entries other consumers left past the visibility timeout.
func (b *Bus) liveLoop(ctx context.Context, stream, group, consumer string, handler Handler) error {
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := b.store.ReadNew(ctx, stream, group, consumer, b.opts.ReadCount, b.opts.Block)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			retry, rerr := b.storeRetry(ctx, stream, group, "live read", err, &failures)
			if rerr != nil {
				return rerr
			}
			if retry {
				continue
			}
			return err
		}
		failures = 0

		for _, d := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			observability.EntriesDelivered.WithLabelValues(stream, group, "live").Inc()
			b.processDelivery(ctx, stream, group, consumer, d, handler)
		}

		if len(batch) == 0 {
			// Stream is quiet; pick up work stranded with dead consumers.
			b.reclaimOnce(ctx, stream, group, consumer, handler)
		}
	}
}

// processDelivery invokes the handler and records the outcome: ack on
// success, leave pending on failure. A panic in the handler is treated as a
// failed delivery, not a loop crash.
func (b *Bus) processDelivery(ctx context.Context, stream, group, consumer string, d logstore.Delivery, handler Handler) {
	err := b.invoke(ctx, d, handler)
	if err != nil {
		derr := &DeliveryError{Stream: stream, Group: group, EntryID: d.ID, DeliveryCount: d.DeliveryCount, Err: err}
		log.Printf("[bus] %v", derr)
		observability.HandlerFailures.WithLabelValues(stream, group).Inc()
		b.notify(Activity{Kind: "handler_failed", Stream: stream, Group: group, Consumer: consumer,
			EntryID: d.ID, DeliveryCount: d.DeliveryCount, Error: err.Error()})
		return
	}

	acked, err := b.store.Ack(ctx, stream, group, consumer, d.ID)
	if err != nil {
		// The handler side effects are applied but the ack did not land; the
		// entry stays pending and will be redelivered. At-least-once, not
		// exactly-once.
		log.Printf("[bus] ack of %s on %s/%s failed: %v", d.ID, stream, group, err)
		return
	}
	if !acked {
		// Claimed away while we were processing; the new owner's ack wins.
		log.Printf("[bus] stale ack of %s on %s/%s ignored (entry no longer owned by %s)", d.ID, stream, group, consumer)
		return
	}
	observability.EntriesAcked.WithLabelValues(stream, group).Inc()
	b.notify(Activity{Kind: "acked", Stream: stream, Group: group, Consumer: consumer,
		EntryID: d.ID, DeliveryCount: d.DeliveryCount})
}

func (b *Bus) invoke(ctx context.Context, d logstore.Delivery, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, d)
}

// reclaimOnce claims entries idle past the visibility timeout to this
// consumer and processes them immediately. Entries past MaxDeliveries are
// reported to the dead-letter sink instead and remain pending.
func (b *Bus) reclaimOnce(ctx context.Context, stream, group, consumer string, handler Handler) {
	pend, err := b.store.Pending(ctx, stream, group, b.opts.ReadCount)
	if err != nil {
		if !logstore.IsUnavailable(err) {
			log.Printf("[bus] pending scan on %s/%s failed: %v", stream, group, err)
		}
		return
	}

	for _, p := range pend {
		if p.Idle < b.opts.VisibilityTimeout || p.Consumer == consumer {
			continue
		}
		if p.DeliveryCount >= b.opts.MaxDeliveries {
			b.reportDeadLetter(ctx, stream, group, p, nil)
			continue
		}
		if !b.claimLim.Allow() {
			return // pace claims; the next idle moment continues the sweep
		}
		d, claimed, err := b.store.Claim(ctx, stream, group, p.ID, consumer, b.opts.VisibilityTimeout)
		if err != nil {
			log.Printf("[bus] claim of %s on %s/%s failed: %v", p.ID, stream, group, err)
			continue
		}
		if !claimed {
			continue // acked or refreshed in the meantime
		}
		observability.EntriesReclaimed.WithLabelValues(stream, group).Inc()
		b.notify(Activity{Kind: "reclaimed", Stream: stream, Group: group, Consumer: consumer,
			EntryID: d.ID, DeliveryCount: d.DeliveryCount})
		observability.EntriesDelivered.WithLabelValues(stream, group, "resume").Inc()
		b.processDelivery(ctx, stream, group, consumer, d, handler)
	}
}

func (b *Bus) reportDeadLetter(ctx context.Context, stream, group string, p logstore.PendingEntry, payload []byte) {
	key := stream + "\x00" + group + "\x00" + p.ID
	b.deadMu.Lock()
	if _, done := b.deadReported[key]; done {
		b.deadMu.Unlock()
		return
	}
	b.deadReported[key] = struct{}{}
	b.deadMu.Unlock()

	rerr := &ExceededRetryError{Stream: stream, Group: group, EntryID: p.ID,
		Consumer: p.Consumer, DeliveryCount: p.DeliveryCount}
	log.Printf("[bus] %v", rerr)
	observability.DeadLetters.WithLabelValues(stream, group).Inc()
	b.notify(Activity{Kind: "dead_lettered", Stream: stream, Group: group, Consumer: p.Consumer,
		EntryID: p.ID, DeliveryCount: p.DeliveryCount, Error: rerr.Error()})

	if b.deadSink == nil {
		return
	}
	if err := b.deadSink.Report(ctx, DeadLetter{
		Stream:        stream,
		Group:         group,
		EntryID:       p.ID,
		Consumer:      p.Consumer,
		DeliveryCount: p.DeliveryCount,
		Payload:       payload,
		FirstSeen:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[bus] dead-letter report for %s on %s/%s failed: %v", p.ID, stream, group, err)
	}
}

// storeRetry applies bounded backoff after a store connectivity error.
// Returns retry=true when the caller should try again, or a terminal
// *StoreUnavailableError once the failure budget is spent. Non-connectivity
// errors are returned to the caller untouched (retry=false, err=nil).
func (b *Bus) storeRetry(ctx context.Context, stream, group, op string, err error, failures *int) (bool, error) {
	if !logstore.IsUnavailable(err) {
		return false, nil
	}
	*failures++
	observability.StoreRetries.WithLabelValues(stream, group).Inc()
	if *failures >= b.opts.MaxStoreFailures {
		return false, &StoreUnavailableError{Op: op, Attempts: *failures, Err: err}
	}
	delay := retryBackoff(*failures)
	log.Printf("[bus] %s on %s/%s hit store error (attempt %d, retrying in %v): %v",
		op, stream, group, *failures, delay, err)
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(delay):
		return true, nil
	}
}

// retryBackoff is exponential with full jitter, capped at 10s.
func retryBackoff(attempt int) time.Duration {
	base := 100 * time.Millisecond
	max := 10 * time.Second
	d := base << uint(attempt-1)
	if d > max || d <= 0 {
		d = max
	}
	return time.Duration(rand.Int63n(int64(d)) + int64(base)/2)
}

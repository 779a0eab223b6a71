package bus

import (
	"context"

	"github.com/opencast/castbus/logstore"
	"github.com/opencast/castbus/observability"
)

// Ack acknowledges one entry out of band (subscriber loops ack internally).
// Returns false when the entry was not pending anymore, or when consumer no
// longer owns it because it was claimed away: the late ack is a no-op.
func (b *Bus) Ack(ctx context.Context, stream, group, consumer, id string) (bool, error) {
	acked, err := b.store.Ack(ctx, stream, group, consumer, id)
	if err != nil {
		return false, err
	}
	if acked {
		observability.EntriesAcked.WithLabelValues(stream, group).Inc()
	}
	return acked, nil
}

// Claim reassigns a pending entry to newConsumer, provided it has been idle
// at least the visibility timeout. The delivery count is incremented; the
// previous owner's late ack becomes a no-op.
func (b *Bus) Claim(ctx context.Context, stream, group, id, newConsumer string) (logstore.Delivery, bool, error) {
	d, claimed, err := b.store.Claim(ctx, stream, group, id, newConsumer, b.opts.VisibilityTimeout)
	if err != nil {
		return logstore.Delivery{}, false, err
	}
	if claimed {
		observability.EntriesReclaimed.WithLabelValues(stream, group).Inc()
		b.notify(Activity{Kind: "reclaimed", Stream: stream, Group: group, Consumer: newConsumer,
			EntryID: d.ID, DeliveryCount: d.DeliveryCount})
	}
	return d, claimed, err
}

// PendingEntries lists the group's pending ledger, oldest first, for the
// maintenance surface.
func (b *Bus) PendingEntries(ctx context.Context, stream, group string, count int) ([]logstore.PendingEntry, error) {
	if count <= 0 {
		count = b.opts.ReadCount
	}
	return b.store.Pending(ctx, stream, group, count)
}

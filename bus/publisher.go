package bus

import (
	"context"
	"errors"

	"github.com/opencast/castbus/observability"
)

// Publish appends one entry to the stream and returns its assigned ID. On
// success the entry is durable and visible to every group on the stream.
// Failures come back as *PublishError and are never retried here.
func (b *Bus) Publish(ctx context.Context, stream string, payload []byte) (string, error) {
	if stream == "" {
		return "", &PublishError{Stream: stream, Err: errors.New("stream name is empty")}
	}

	id, err := b.store.Append(ctx, stream, payload)
	if err != nil {
		observability.PublishFailures.WithLabelValues(stream).Inc()
		return "", &PublishError{Stream: stream, Err: err}
	}

	observability.EntriesPublished.WithLabelValues(stream).Inc()
	b.notify(Activity{Kind: "published", Stream: stream, EntryID: id})
	return id, nil
}

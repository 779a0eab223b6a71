package bus

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/opencast/castbus/logstore"
)

// EnsureGroup creates the consumer group on the stream if it does not exist
// yet, anchored at start. Idempotent: an existing group is left untouched.
// Call this before starting subscriber loops so entries published in between
// are not lost to the group.
func (b *Bus) EnsureGroup(ctx context.Context, stream, group string, start logstore.StartPosition) error {
	if stream == "" || group == "" {
		return fmt.Errorf("ensure group: stream and group are required (stream=%q group=%q)", stream, group)
	}

	err := b.store.CreateGroup(ctx, stream, group, start)
	if errors.Is(err, logstore.ErrGroupExists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ensure group %s on %s: %w", group, stream, err)
	}
	log.Printf("[bus] created consumer group %s on stream %s (start=%d)", group, stream, start)
	return nil
}

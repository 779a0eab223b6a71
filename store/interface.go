package store

import (
	"context"
	"time"

	"github.com/opencast/castbus/bus"
)

// DeadLetters archives entries that exceeded max deliveries. Reports are
// idempotent on (stream, group, entry id): the sweeper and subscriber loops
// may both report the same entry.
type DeadLetters interface {
	bus.DeadLetterSink
	List(ctx context.Context, limit int) ([]bus.DeadLetter, error)
}

// Idempotency keeps "already processed" markers for consumer-side dedup.
// The bus guarantees delivery, not uniqueness of effect; handlers check Seen
// before applying side effects and Mark after they succeed.
type Idempotency interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string, ttl time.Duration) error
}

package bus

import (
	"fmt"
)

// PublishError wraps an append failure. The bus never retries a publish on
// its own: re-publishing risks a duplicate entry, so the decision belongs to
// the caller (who should carry an idempotency key if it does retry).
type PublishError struct {
	Stream string
	Err    error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %q failed: %v", e.Stream, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// DeliveryError records a handler failure for one entry. The entry stays in
// the pending ledger and will be retried via resumption or claim.
type DeliveryError struct {
	Stream        string
	Group         string
	EntryID       string
	DeliveryCount int64
	Err           error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery of %s to %s/%s failed (attempt %d): %v",
		e.EntryID, e.Stream, e.Group, e.DeliveryCount, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// ExceededRetryError marks an entry whose delivery count passed the
// configured maximum. The entry is surfaced to the dead-letter path but kept
// in the pending ledger so no work is silently lost.
type ExceededRetryError struct {
	Stream        string
	Group         string
	EntryID       string
	Consumer      string
	DeliveryCount int64
}

func (e *ExceededRetryError) Error() string {
	return fmt.Sprintf("entry %s in %s/%s exceeded max deliveries (%d attempts, last consumer %s)",
		e.EntryID, e.Stream, e.Group, e.DeliveryCount, e.Consumer)
}

// StoreUnavailableError reports that the log store stayed unreachable past
// the configured number of consecutive backoff-and-retry cycles.
type StoreUnavailableError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("log store unavailable during %s after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

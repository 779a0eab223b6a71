package logstore

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"
)

// StartPosition anchors a newly created consumer group on a stream.
type StartPosition int

const (
	// StartBeginning delivers every entry already in the stream.
	StartBeginning StartPosition = iota
	// StartNew delivers only entries appended after group creation.
	StartNew
)

var (
	// ErrGroupExists is returned by CreateGroup when the group was already
	// created. Callers treat it as success (EnsureGroup is idempotent).
	ErrGroupExists = errors.New("consumer group already exists")

	// ErrNoGroup is returned when reading or acking against a group that was
	// never created on the stream.
	ErrNoGroup = errors.New("consumer group does not exist")
)

// Entry is one immutable record in a stream.
type Entry struct {
	ID      string
	Stream  string
	Payload []byte
}

// Delivery is an entry handed to a specific consumer, together with its
// ledger state at delivery time.
type Delivery struct {
	Entry
	DeliveryCount int64
}

// PendingEntry describes one unacknowledged entry in a group's ledger.
type PendingEntry struct {
	ID            string        `json:"id"`
	Consumer      string        `json:"consumer"`
	DeliveryCount int64         `json:"delivery_count"`
	Idle          time.Duration `json:"idle_ms"`
}

// Store is the log store the bus is built on: an append-only ordered log per
// stream with per-group cursors and a per-group pending-entries ledger.
// Implementations must serialize concurrent reads, acks and claims so that a
// pending entry is owned by at most one consumer at a time.
type Store interface {
	// Append adds one entry to the stream and returns its assigned ID.
	// IDs within a stream are strictly increasing.
	Append(ctx context.Context, stream string, payload []byte) (string, error)

	// CreateGroup creates a consumer group anchored at start. Returns
	// ErrGroupExists if the group is already present.
	CreateGroup(ctx context.Context, stream, group string, start StartPosition) error

	// ReadNew delivers up to count not-yet-delivered entries to consumer,
	// recording them in the group's pending ledger. When no entries are
	// available it blocks up to block (0 means do not block).
	ReadNew(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Delivery, error)

	// ReadOwnPending re-reads entries already in consumer's own pending
	// ledger, oldest first, without reassigning ownership. Only entries with
	// ID strictly greater than fromID are returned ("" means from the
	// beginning), so callers can page through without re-reading failures.
	ReadOwnPending(ctx context.Context, stream, group, consumer, fromID string, count int) ([]Delivery, error)

	// Ack removes the entry from the group's pending ledger, provided
	// consumer still owns it. Returns false when the entry was not pending
	// (already acked) or has been claimed away: a prior owner's late ack is
	// a no-op and must not remove the new owner's pending entry.
	Ack(ctx context.Context, stream, group, consumer, id string) (bool, error)

	// Claim reassigns a pending entry to newConsumer if it has been idle for
	// at least minIdle, incrementing its delivery count. Returns false when
	// the entry is not pending or not idle long enough.
	Claim(ctx context.Context, stream, group, id, newConsumer string, minIdle time.Duration) (Delivery, bool, error)

	// Pending lists up to count entries from the group's pending ledger,
	// oldest first, for inspection and reclaim scans.
	Pending(ctx context.Context, stream, group string, count int) ([]PendingEntry, error)

	Close() error
}

// CompareIDs orders two entry IDs of the form "<ms>-<seq>".
// Returns -1, 0 or 1.
func CompareIDs(a, b string) int {
	ams, aseq := splitID(a)
	bms, bseq := splitID(b)
	switch {
	case ams != bms:
		if ams < bms {
			return -1
		}
		return 1
	case aseq != bseq:
		if aseq < bseq {
			return -1
		}
		return 1
	default:
		return 0
	}
}

func splitID(id string) (int64, int64) {
	dash := strings.IndexByte(id, '-')
	if dash < 0 {
		ms, _ := strconv.ParseInt(id, 10, 64)
		return ms, 0
	}
	ms, _ := strconv.ParseInt(id[:dash], 10, 64)
	seq, _ := strconv.ParseInt(id[dash+1:], 10, 64)
	return ms, seq
}

// IsUnavailable reports whether err looks like a store connectivity failure
// (as opposed to a usage error such as ErrNoGroup). Subscriber loops retry
// these with backoff instead of failing the current entry.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset")
}

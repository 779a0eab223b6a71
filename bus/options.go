package bus

import (
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Options tunes delivery and recovery behavior. Zero values fall back to the
// defaults below; env overrides are applied by FromEnv.
type Options struct {
	// VisibilityTimeout is how long a pending entry may sit unacknowledged
	// with one consumer before another may claim it. Choose several times
	// the expected handler duration.
	VisibilityTimeout time.Duration

	// MaxDeliveries is the delivery count past which an entry is reported to
	// the dead-letter path instead of being claimed again.
	MaxDeliveries int64

	// Block is how long a live-phase read waits for new entries before
	// returning empty (the loop's poll interval).
	Block time.Duration

	// ReadCount is the batch size for reads and pending scans.
	ReadCount int

	// MaxStoreFailures is the number of consecutive store connectivity
	// failures tolerated (with backoff) before a subscriber loop gives up.
	MaxStoreFailures int

	// EphemeralConsumers appends a random suffix to consumer identities.
	// Fixed identities recover their own pending entries on restart;
	// ephemeral ones rely on claim-after-timeout instead.
	EphemeralConsumers bool

	// ClaimRate caps claim operations per second during reclaim sweeps.
	ClaimRate float64
}

// DefaultOptions returns conservative production defaults.
func DefaultOptions() Options {
	return Options{
		VisibilityTimeout: 60 * time.Second,
		MaxDeliveries:     5,
		Block:             5 * time.Second,
		ReadCount:         16,
		MaxStoreFailures:  10,
		ClaimRate:         50,
	}
}

// FromEnv overlays CASTBUS_* environment variables onto o.
func (o Options) FromEnv() Options {
	if v := os.Getenv("CASTBUS_VISIBILITY_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
			o.VisibilityTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("CASTBUS_MAX_DELIVERIES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			o.MaxDeliveries = n
		}
	}
	if v := os.Getenv("CASTBUS_BLOCK_MS"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
			o.Block = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("CASTBUS_READ_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			o.ReadCount = n
		}
	}
	if v := os.Getenv("CASTBUS_EPHEMERAL_CONSUMERS"); v == "true" {
		o.EphemeralConsumers = true
	}
	return o
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = def.VisibilityTimeout
	}
	if o.MaxDeliveries <= 0 {
		o.MaxDeliveries = def.MaxDeliveries
	}
	if o.Block <= 0 {
		o.Block = def.Block
	}
	if o.ReadCount <= 0 {
		o.ReadCount = def.ReadCount
	}
	if o.MaxStoreFailures <= 0 {
		o.MaxStoreFailures = def.MaxStoreFailures
	}
	if o.ClaimRate <= 0 {
		o.ClaimRate = def.ClaimRate
	}
	return o
}

// ConsumerIdentity resolves the identity a replica should subscribe with.
// With ephemeral consumers enabled, each call yields a fresh identity.
func (o Options) ConsumerIdentity(base string) string {
	if o.EphemeralConsumers {
		return base + "-" + uuid.NewString()[:8]
	}
	return base
}

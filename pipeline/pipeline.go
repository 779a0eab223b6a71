// Package pipeline holds the shared contract between the podcast pipeline
// services: stream and group names, event types, and the consumer-side
// idempotency guard. The bus delivers at least once; these helpers are what
// keep a redelivered entry from transcribing or indexing an episode twice.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/opencast/castbus/bus"
	"github.com/opencast/castbus/event"
	"github.com/opencast/castbus/logstore"
	"github.com/opencast/castbus/store"
)

// Stream names: one per logical event type. Publishers and group
// registration must agree on these process-wide.
const (
	StreamEpisodeRecorded    = "episodes:recorded"
	StreamEpisodeTranscribed = "episodes:transcribed"
	StreamEpisodeSummarized  = "episodes:summarized"
)

// Group names: one per consuming service; all replicas of a service share
// the group's cursor and pending ledger.
const (
	GroupTranscriber = "transcriber_group"
	GroupSummarizer  = "summarizer_group"
	GroupIndexer     = "indexer_group"
)

// Event types carried in envelopes.
const (
	TypeEpisodeRecorded    = "recorded"
	TypeEpisodeTranscribed = "transcribed"
	TypeEpisodeSummarized  = "summarized"
)

// Binding ties a consuming service's group to the stream it reads.
type Binding struct {
	Stream string
	Group  string
}

// Bindings lists every (stream, group) pair in the pipeline: the
// transcriber consumes recorded episodes, the summarizer consumes
// transcripts, and the indexer consumes both transcripts and summaries.
var Bindings = []Binding{
	{StreamEpisodeRecorded, GroupTranscriber},
	{StreamEpisodeTranscribed, GroupSummarizer},
	{StreamEpisodeTranscribed, GroupIndexer},
	{StreamEpisodeSummarized, GroupIndexer},
}

// EnsureGroups registers every pipeline group anchored at the beginning of
// its stream, so events published before a service first starts are still
// delivered to it.
func EnsureGroups(ctx context.Context, b *bus.Bus) error {
	for _, bd := range Bindings {
		if err := b.EnsureGroup(ctx, bd.Stream, bd.Group, logstore.StartBeginning); err != nil {
			return err
		}
	}
	return nil
}

// Publish encodes the envelope and appends it to the stream.
func Publish(ctx context.Context, b *bus.Bus, stream string, env event.Envelope) (string, error) {
	payload, err := env.Encode()
	if err != nil {
		return "", fmt.Errorf("encode %s event for %s: %w", env.Type, env.SubjectID, err)
	}
	return b.Publish(ctx, stream, payload)
}

// EnvelopeHandler is a handler operating on the decoded payload.
type EnvelopeHandler func(ctx context.Context, d logstore.Delivery, env event.Envelope) error

// Handle adapts an EnvelopeHandler to the bus handler signature. A payload
// that fails to decode is treated as a failed delivery so it surfaces via
// the dead-letter path instead of being dropped.
func Handle(fn EnvelopeHandler) bus.Handler {
	return func(ctx context.Context, d logstore.Delivery) error {
		env, err := event.Decode(d.Payload)
		if err != nil {
			return fmt.Errorf("decode payload of entry %s: %w", d.ID, err)
		}
		return fn(ctx, d, env)
	}
}

// Guarded wraps an EnvelopeHandler with the consumer-side dedup check:
// skip work whose idempotency key was already applied, and mark the key only
// after the handler succeeds. ttl bounds marker retention (0 = keep forever).
func Guarded(idem store.Idempotency, ttl time.Duration, fn EnvelopeHandler) bus.Handler {
	return Handle(func(ctx context.Context, d logstore.Delivery, env event.Envelope) error {
		if env.IdempotencyKey != "" {
			seen, err := idem.Seen(ctx, env.IdempotencyKey)
			if err != nil {
				return fmt.Errorf("idempotency check for %s: %w", env.IdempotencyKey, err)
			}
			if seen {
				log.Printf("[pipeline] skipping already-applied %s event for %s (entry %s, attempt %d)",
					env.Type, env.SubjectID, d.ID, d.DeliveryCount)
				return nil
			}
		}
		if err := fn(ctx, d, env); err != nil {
			return err
		}
		if env.IdempotencyKey != "" {
			if err := idem.Mark(ctx, env.IdempotencyKey, ttl); err != nil {
				// The work is applied but unmarked; a redelivery would redo
				// it. Fail the delivery so the marker gets another chance.
				return fmt.Errorf("idempotency mark for %s: %w", env.IdempotencyKey, err)
			}
		}
		return nil
	})
}

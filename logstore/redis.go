package logstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opencast/castbus/observability"
)

// Redis implements Store on Redis Streams. Streams map to XADD/XRANGE,
// consumer groups to XGROUP/XREADGROUP, the pending ledger to the stream's
// PEL (XPENDING/XACK/XCLAIM). Redis serializes all of these, which is what
// makes the atomic-claim invariant hold without bus-side locking.
type Redis struct {
	client *redis.Client
}

const payloadField = "payload"

// NewRedis connects to the Redis log store and verifies the connection.
func NewRedis(addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &Redis{client: client}, nil
}

func (s *Redis) Append(ctx context.Context, stream string, payload []byte) (string, error) {
	start := time.Now()
	defer func() {
		observability.StoreLatency.Observe(time.Since(start).Seconds())
	}()

	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{payloadField: payload},
	}).Result()
}

func (s *Redis) CreateGroup(ctx context.Context, stream, group string, startPos StartPosition) error {
	anchor := "0"
	if startPos == StartNew {
		anchor = "$"
	}
	err := s.client.XGroupCreateMkStream(ctx, stream, group, anchor).Err()
	if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
		return ErrGroupExists
	}
	return err
}

func (s *Redis) ReadNew(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Delivery, error) {
	start := time.Now()
	defer func() {
		observability.StoreLatency.Observe(time.Since(start).Seconds())
	}()

	// go-redis: Block < 0 omits the BLOCK option entirely.
	if block <= 0 {
		block = -1
	}
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil // Block window elapsed with no entries
	}
	if err != nil {
		return nil, mapGroupErr(err)
	}

	var out []Delivery
	for _, xs := range res {
		for _, msg := range xs.Messages {
			e, ok := toEntry(stream, msg)
			if !ok {
				continue
			}
			out = append(out, Delivery{Entry: e, DeliveryCount: 1})
		}
	}
	return out, nil
}

func (s *Redis) ReadOwnPending(ctx context.Context, stream, group, consumer, fromID string, count int) ([]Delivery, error) {
	if fromID == "" {
		fromID = "0"
	}
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, fromID},
		Count:    int64(count),
		Block:    -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, mapGroupErr(err)
	}

	// XREADGROUP with "0" does not report delivery counts; pull them from
	// the PEL so callers can apply the max-deliveries policy. The scan must
	// start at the same cursor as the read or the counts drift off the page.
	counts := map[string]int64{}
	pend, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   stream,
		Group:    group,
		Start:    pendingScanStart(fromID),
		End:      "+",
		Count:    int64(count),
		Consumer: consumer,
	}).Result()
	if err == nil {
		for _, p := range pend {
			counts[p.ID] = p.RetryCount
		}
	}

	var out []Delivery
	for _, xs := range res {
		for _, msg := range xs.Messages {
			e, ok := toEntry(stream, msg)
			if !ok {
				// Entry trimmed from the stream but still in the PEL;
				// nothing left to process.
				continue
			}
			dc := counts[msg.ID]
			if dc == 0 {
				dc = 1
			}
			out = append(out, Delivery{Entry: e, DeliveryCount: dc})
		}
	}
	return out, nil
}

func (s *Redis) Ack(ctx context.Context, stream, group, consumer, id string) (bool, error) {
	start := time.Now()
	defer func() {
		observability.StoreLatency.Observe(time.Since(start).Seconds())
	}()

	// XACK is not consumer-scoped, so check PEL ownership first and refuse
	// the ack when the entry has been claimed to someone else. Best effort:
	// a claim landing between the check and the XACK can still ack the new
	// owner's entry, which at-least-once semantics tolerate.
	pend, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return false, mapGroupErr(err)
	}
	if len(pend) == 0 {
		return false, nil
	}
	if pend[0].Consumer != consumer {
		return false, nil
	}

	n, err := s.client.XAck(ctx, stream, group, id).Result()
	if err != nil {
		return false, mapGroupErr(err)
	}
	return n > 0, nil
}

func (s *Redis) Claim(ctx context.Context, stream, group, id, newConsumer string, minIdle time.Duration) (Delivery, bool, error) {
	msgs, err := s.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: newConsumer,
		MinIdle:  minIdle,
		Messages: []string{id},
	}).Result()
	if errors.Is(err, redis.Nil) {
		return Delivery{}, false, nil
	}
	if err != nil {
		return Delivery{}, false, mapGroupErr(err)
	}
	if len(msgs) == 0 {
		// Not pending, or not idle long enough.
		return Delivery{}, false, nil
	}

	e, ok := toEntry(stream, msgs[0])
	if !ok {
		return Delivery{}, false, nil
	}
	dc := int64(1)
	pend, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err == nil && len(pend) == 1 {
		dc = pend[0].RetryCount
	}
	return Delivery{Entry: e, DeliveryCount: dc}, true, nil
}

func (s *Redis) Pending(ctx context.Context, stream, group string, count int) ([]PendingEntry, error) {
	pend, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  int64(count),
	}).Result()
	if err != nil {
		return nil, mapGroupErr(err)
	}

	out := make([]PendingEntry, 0, len(pend))
	for _, p := range pend {
		out = append(out, PendingEntry{
			ID:            p.ID,
			Consumer:      p.Consumer,
			DeliveryCount: p.RetryCount,
			Idle:          p.Idle,
		})
	}
	return out, nil
}

func (s *Redis) Close() error { return s.client.Close() }

func toEntry(stream string, msg redis.XMessage) (Entry, bool) {
	raw, ok := msg.Values[payloadField]
	if !ok {
		return Entry{}, false
	}
	str, ok := raw.(string)
	if !ok {
		return Entry{}, false
	}
	return Entry{ID: msg.ID, Stream: stream, Payload: []byte(str)}, true
}

// pendingScanStart maps an exclusive read cursor onto an XPENDING range
// start. "(" makes the bound exclusive, matching ReadOwnPending's paging.
func pendingScanStart(fromID string) string {
	if fromID == "" || fromID == "0" {
		return "-"
	}
	return "(" + fromID
}

func mapGroupErr(err error) error {
	if err != nil && strings.Contains(err.Error(), "NOGROUP") {
		return ErrNoGroup
	}
	return err
}

package logstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store with the same semantics as the Redis
// implementation. It backs the bus tests and single-node runs where no
// external log store is configured.
type Memory struct {
	mu      sync.Mutex
	streams map[string]*memStream
}

type memStream struct {
	entries []Entry
	lastMS  int64
	lastSeq int64
	// notify is closed and replaced on every append so blocked readers wake.
	notify chan struct{}
	groups map[string]*memGroup
}

type memGroup struct {
	// cursor is the last-delivered entry ID; "" means beginning of stream.
	cursor  string
	pending map[string]*memPending
}

type memPending struct {
	consumer      string
	deliveryCount int64
	lastDelivery  time.Time
}

// NewMemory initializes an empty in-memory log store.
func NewMemory() *Memory {
	return &Memory{streams: make(map[string]*memStream)}
}

func (m *Memory) getStream(name string) *memStream {
	st, ok := m.streams[name]
	if !ok {
		st = &memStream{
			notify: make(chan struct{}),
			groups: make(map[string]*memGroup),
		}
		m.streams[name] = st
	}
	return st
}

func (m *Memory) Append(ctx context.Context, stream string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.getStream(stream)
	ms := time.Now().UnixMilli()
	if ms <= st.lastMS {
		ms = st.lastMS
		st.lastSeq++
	} else {
		st.lastMS = ms
		st.lastSeq = 0
	}
	id := fmt.Sprintf("%d-%d", ms, st.lastSeq)

	buf := make([]byte, len(payload))
	copy(buf, payload)
	st.entries = append(st.entries, Entry{ID: id, Stream: stream, Payload: buf})

	// Wake blocked readers.
	close(st.notify)
	st.notify = make(chan struct{})
	return id, nil
}

func (m *Memory) CreateGroup(ctx context.Context, stream, group string, start StartPosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.getStream(stream)
	if _, ok := st.groups[group]; ok {
		return ErrGroupExists
	}
	g := &memGroup{pending: make(map[string]*memPending)}
	if start == StartNew && len(st.entries) > 0 {
		g.cursor = st.entries[len(st.entries)-1].ID
	}
	st.groups[group] = g
	return nil
}

func (m *Memory) ReadNew(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Delivery, error) {
	var deadline <-chan time.Time
	if block > 0 {
		timer := time.NewTimer(block)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		m.mu.Lock()
		st, ok := m.streams[stream]
		if !ok {
			m.mu.Unlock()
			return nil, ErrNoGroup
		}
		g, ok := st.groups[group]
		if !ok {
			m.mu.Unlock()
			return nil, ErrNoGroup
		}

		now := time.Now()
		var out []Delivery
		for _, e := range st.entries {
			if g.cursor != "" && CompareIDs(e.ID, g.cursor) <= 0 {
				continue
			}
			g.pending[e.ID] = &memPending{consumer: consumer, deliveryCount: 1, lastDelivery: now}
			g.cursor = e.ID
			out = append(out, Delivery{Entry: e, DeliveryCount: 1})
			if count > 0 && len(out) >= count {
				break
			}
		}
		if len(out) > 0 || block <= 0 {
			m.mu.Unlock()
			return out, nil
		}
		notify := st.notify
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-notify:
			// New entry appended; retry the read.
		}
	}
}

func (m *Memory) ReadOwnPending(ctx context.Context, stream, group, consumer, fromID string, count int) ([]Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.streams[stream]
	if !ok {
		return nil, ErrNoGroup
	}
	g, ok := st.groups[group]
	if !ok {
		return nil, ErrNoGroup
	}

	var ids []string
	for id, p := range g.pending {
		if p.consumer != consumer {
			continue
		}
		if fromID != "" && CompareIDs(id, fromID) <= 0 {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return CompareIDs(ids[i], ids[j]) < 0 })
	if count > 0 && len(ids) > count {
		ids = ids[:count]
	}

	out := make([]Delivery, 0, len(ids))
	for _, id := range ids {
		e, ok := st.entryByID(id)
		if !ok {
			continue
		}
		out = append(out, Delivery{Entry: e, DeliveryCount: g.pending[id].deliveryCount})
	}
	return out, nil
}

func (m *Memory) Ack(ctx context.Context, stream, group, consumer, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.streams[stream]
	if !ok {
		return false, ErrNoGroup
	}
	g, ok := st.groups[group]
	if !ok {
		return false, ErrNoGroup
	}
	p, pending := g.pending[id]
	if !pending {
		return false, nil
	}
	if p.consumer != consumer {
		// Claimed away; the stale ack must not touch the new owner's entry.
		return false, nil
	}
	delete(g.pending, id)
	return true, nil
}

func (m *Memory) Claim(ctx context.Context, stream, group, id, newConsumer string, minIdle time.Duration) (Delivery, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.streams[stream]
	if !ok {
		return Delivery{}, false, ErrNoGroup
	}
	g, ok := st.groups[group]
	if !ok {
		return Delivery{}, false, ErrNoGroup
	}
	p, pending := g.pending[id]
	if !pending {
		return Delivery{}, false, nil
	}
	now := time.Now()
	if now.Sub(p.lastDelivery) < minIdle {
		return Delivery{}, false, nil
	}
	p.consumer = newConsumer
	p.deliveryCount++
	p.lastDelivery = now

	e, ok := st.entryByID(id)
	if !ok {
		return Delivery{}, false, nil
	}
	return Delivery{Entry: e, DeliveryCount: p.deliveryCount}, true, nil
}

func (m *Memory) Pending(ctx context.Context, stream, group string, count int) ([]PendingEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.streams[stream]
	if !ok {
		return nil, ErrNoGroup
	}
	g, ok := st.groups[group]
	if !ok {
		return nil, ErrNoGroup
	}

	now := time.Now()
	out := make([]PendingEntry, 0, len(g.pending))
	for id, p := range g.pending {
		out = append(out, PendingEntry{
			ID:            id,
			Consumer:      p.consumer,
			DeliveryCount: p.deliveryCount,
			Idle:          now.Sub(p.lastDelivery),
		})
	}
	sort.Slice(out, func(i, j int) bool { return CompareIDs(out[i].ID, out[j].ID) < 0 })
	if count > 0 && len(out) > count {
		out = out[:count]
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }

func (s *memStream) entryByID(id string) (Entry, bool) {
	i := sort.Search(len(s.entries), func(i int) bool {
		return CompareIDs(s.entries[i].ID, id) >= 0
	})
	if i < len(s.entries) && s.entries[i].ID == id {
		return s.entries[i], true
	}
	return Entry{}, false
}

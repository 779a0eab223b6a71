package store

import (
	"context"
	"testing"
	"time"

	"github.com/opencast/castbus/bus"
)

func TestDeadLettersDedupedAndNewestFirst(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	first := bus.DeadLetter{Stream: "s", Group: "g", EntryID: "1-0", DeliveryCount: 5}
	second := bus.DeadLetter{Stream: "s", Group: "g", EntryID: "2-0", DeliveryCount: 5}

	if err := m.Report(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := m.Report(ctx, first); err != nil {
		t.Fatal(err) // duplicate report, must be absorbed
	}
	if err := m.Report(ctx, second); err != nil {
		t.Fatal(err)
	}

	got, err := m.List(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 dead letters, got %d", len(got))
	}
	if got[0].EntryID != "2-0" || got[1].EntryID != "1-0" {
		t.Fatalf("expected newest first, got %+v", got)
	}

	limited, err := m.List(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 || limited[0].EntryID != "2-0" {
		t.Fatalf("limit must keep the newest, got %+v", limited)
	}
}

func TestSameEntryDifferentGroupsKeptSeparately(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.Report(ctx, bus.DeadLetter{Stream: "s", Group: "summarizer_group", EntryID: "1-0"})
	m.Report(ctx, bus.DeadLetter{Stream: "s", Group: "indexer_group", EntryID: "1-0"})

	got, _ := m.List(ctx, 10)
	if len(got) != 2 {
		t.Fatalf("dead letters are per group, got %+v", got)
	}
}

func TestIdempotencyMarkAndSeen(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	seen, err := m.Seen(ctx, "k1")
	if err != nil || seen {
		t.Fatalf("fresh key must be unseen: %v %v", seen, err)
	}
	if err := m.Mark(ctx, "k1", 0); err != nil {
		t.Fatal(err)
	}
	seen, err = m.Seen(ctx, "k1")
	if err != nil || !seen {
		t.Fatalf("marked key must be seen: %v %v", seen, err)
	}
}

func TestIdempotencyKeyExpires(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Mark(ctx, "k2", 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(25 * time.Millisecond)
	seen, err := m.Seen(ctx, "k2")
	if err != nil || seen {
		t.Fatalf("expired key must read as unseen: %v %v", seen, err)
	}
}

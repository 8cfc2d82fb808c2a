package genlog

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestAppendAndRecent(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := New(rdb)
	ctx := context.Background()

	for i, id := range []string{"gen-1", "gen-2", "gen-3"} {
		err := l.Append(ctx, Entry{
			KeyID:        "dev-1",
			GenerationID: id,
			Model:        "pro",
			CreditsUsed:  1,
			Timestamp:    time.Now().Add(time.Duration(i) * time.Second).Unix(),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	// Another device's entries must not leak in.
	if err := l.Append(ctx, Entry{KeyID: "dev-2", GenerationID: "gen-x", Model: "max", CreditsUsed: 2}); err != nil {
		t.Fatal(err)
	}

	entries, err := l.Recent(ctx, "dev-1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].GenerationID != "gen-3" {
		t.Errorf("expected newest first, got %s", entries[0].GenerationID)
	}
}

func TestOldEntriesPruned(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := New(rdb)
	ctx := context.Background()

	stale := Entry{
		KeyID:        "dev-1",
		GenerationID: "gen-old",
		Model:        "pro",
		CreditsUsed:  1,
		Timestamp:    time.Now().Add(-31 * 24 * time.Hour).Unix(),
	}
	if err := l.Append(ctx, stale); err != nil {
		t.Fatal(err)
	}
	if err := l.Append(ctx, Entry{KeyID: "dev-1", GenerationID: "gen-new", Model: "pro", CreditsUsed: 1}); err != nil {
		t.Fatal(err)
	}

	entries, err := l.Recent(ctx, "dev-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].GenerationID != "gen-new" {
		t.Fatalf("expected only the fresh entry, got %+v", entries)
	}
}

func TestEntriesExpire(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := New(rdb)
	ctx := context.Background()

	if err := l.Append(ctx, Entry{KeyID: "dev-1", GenerationID: "gen-1", Model: "pro", CreditsUsed: 1}); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(31 * 24 * time.Hour)

	entries, err := l.Recent(ctx, "dev-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected entries to expire, got %d", len(entries))
	}
}

package pgsink

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/hazyhaar/tarif/history"
)

// testDSN skips unless a scratch Postgres is provided via env.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("TARIF_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TARIF_TEST_PG_DSN not set")
	}
	return dsn
}

func TestOpen_BadDSN(t *testing.T) {
	// WHAT: A malformed DSN fails fast, before any network dial.
	_, err := Open(context.Background(), "://not-a-dsn")
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSink_WriteIdempotent(t *testing.T) {
	// WHAT: Writing the same snapshots twice adds rows only once.
	// WHY: The pipeline mirrors the full merged history every cycle.
	ctx := context.Background()
	sink, err := Open(ctx, testDSN(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sink.Close()

	// Tag rows with a unique source so parallel runs cannot collide.
	source := fmt.Sprintf("tarif_test_%d", time.Now().UnixNano())
	t.Cleanup(func() {
		sink.pool.Exec(context.Background(), `DELETE FROM price_history WHERE source = $1`, source)
	})

	ts := time.Date(2026, 8, 20, 6, 0, 0, 0, time.UTC)
	snaps := []history.Snapshot{
		{Timestamp: ts, Source: source, Model: "iphone_15", Title: "iPhone 15", Currency: "EUR", Price: 799},
		{Timestamp: ts, Source: source, Model: "iphone_16", Title: "iPhone 16", Currency: "EUR", Price: 999},
	}

	n, err := sink.Write(ctx, snaps)
	if err != nil {
		t.Fatalf("first write: %v", err)
	}
	if n != 2 {
		t.Errorf("first write: got %d rows, want 2", n)
	}

	n, err = sink.Write(ctx, snaps)
	if err != nil {
		t.Fatalf("second write: %v", err)
	}
	if n != 0 {
		t.Errorf("second write: got %d rows, want 0", n)
	}

	// A price change at a later timestamp is a new row, not a conflict.
	changed := snaps[0]
	changed.Timestamp = ts.Add(24 * time.Hour)
	changed.Price = 789
	n, err = sink.Write(ctx, []history.Snapshot{changed})
	if err != nil {
		t.Fatalf("third write: %v", err)
	}
	if n != 1 {
		t.Errorf("price change: got %d rows, want 1", n)
	}
}

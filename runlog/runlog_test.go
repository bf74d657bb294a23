package runlog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hazyhaar/tarif/dbopen"
	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	return NewStore(db)
}

func TestRunLifecycle(t *testing.T) {
	// WHAT: A run opens as "running" and closes as "ok" with its counts.
	// WHY: The watch loop relies on status to tell crashed cycles apart.
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.StartRun(ctx, time.Now())
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	runs, err := s.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != StatusRunning {
		t.Fatalf("after start: got %+v, want one running run", runs)
	}
	if runs[0].FinishedAt != nil {
		t.Errorf("finished_at set before finish: %d", *runs[0].FinishedAt)
	}

	if err := s.FinishRun(ctx, id, 3, 42, nil); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	runs, err = s.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	r := runs[0]
	if r.Status != StatusOK || r.SnapshotCount != 3 || r.MergedCount != 42 {
		t.Errorf("finished run: %+v", r)
	}
	if r.FinishedAt == nil || *r.FinishedAt < r.StartedAt {
		t.Errorf("finished_at not recorded: %+v", r)
	}
}

func TestFinishRun_Error(t *testing.T) {
	// WHAT: Closing a run with an error stores status "error" and the message.
	// WHY: Operators read the message from the runs API after a failed cycle.
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.StartRun(ctx, time.Now())
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if err := s.FinishRun(ctx, id, 0, 0, errors.New("price text unparseable")); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	runs, err := s.RecentRuns(ctx, 1)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if runs[0].Status != StatusError {
		t.Errorf("status: got %q, want %q", runs[0].Status, StatusError)
	}
	if runs[0].ErrorMessage != "price text unparseable" {
		t.Errorf("error message: got %q", runs[0].ErrorMessage)
	}
}

func TestRecordFetch(t *testing.T) {
	// WHAT: Fetch outcomes land in the run's log in request order.
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.StartRun(ctx, time.Now())
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if err := s.RecordFetch(ctx, id, "https://shop.example/iphone-15.html", 200, 120*time.Millisecond, nil); err != nil {
		t.Fatalf("RecordFetch: %v", err)
	}
	if err := s.RecordFetch(ctx, id, "https://shop.example/iphone-16.html", 503, 10*time.Millisecond, errors.New("http 503")); err != nil {
		t.Fatalf("RecordFetch: %v", err)
	}

	fetches, err := s.RunFetches(ctx, id)
	if err != nil {
		t.Fatalf("RunFetches: %v", err)
	}
	if len(fetches) != 2 {
		t.Fatalf("fetches: got %d, want 2", len(fetches))
	}
	first, second := fetches[0], fetches[1]
	if first.URL != "https://shop.example/iphone-15.html" || first.StatusCode != 200 || first.DurationMs != 120 {
		t.Errorf("first fetch: %+v", first)
	}
	if second.StatusCode != 503 || second.ErrorMessage != "http 503" {
		t.Errorf("second fetch: %+v", second)
	}
}

func TestFinishRun_PrunesOldRuns(t *testing.T) {
	// WHAT: Completed runs beyond the keep window are deleted, and the
	// cascade removes their fetch log rows.
	// WHY: The database must not grow without bound under watch mode.
	s := newTestStore(t)
	s.keep = 2
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	var ids []int64
	for i := range 4 {
		id, err := s.StartRun(ctx, base.Add(time.Duration(i)*time.Minute))
		if err != nil {
			t.Fatalf("StartRun %d: %v", i, err)
		}
		if err := s.RecordFetch(ctx, id, "https://shop.example/page.html", 200, time.Millisecond, nil); err != nil {
			t.Fatalf("RecordFetch %d: %v", i, err)
		}
		if err := s.FinishRun(ctx, id, 1, 1, nil); err != nil {
			t.Fatalf("FinishRun %d: %v", i, err)
		}
		ids = append(ids, id)
	}

	runs, err := s.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs after prune: got %d, want 2", len(runs))
	}
	if runs[0].ID != ids[3] || runs[1].ID != ids[2] {
		t.Errorf("survivors: got %d,%d, want %d,%d", runs[0].ID, runs[1].ID, ids[3], ids[2])
	}

	var orphans int
	if err := s.DB.QueryRow(`SELECT COUNT(*) FROM fetch_log WHERE run_id = ?`, ids[0]).Scan(&orphans); err != nil {
		t.Fatalf("count orphans: %v", err)
	}
	if orphans != 0 {
		t.Errorf("fetch_log rows survived pruning: %d", orphans)
	}
}

func TestFinishRun_PruneSparesRunning(t *testing.T) {
	// WHAT: An in-flight run is never pruned, however old it is.
	s := newTestStore(t)
	s.keep = 1
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	inflight, err := s.StartRun(ctx, base)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	for i := range 3 {
		id, err := s.StartRun(ctx, base.Add(time.Duration(i+1)*time.Minute))
		if err != nil {
			t.Fatalf("StartRun %d: %v", i, err)
		}
		if err := s.FinishRun(ctx, id, 0, 0, nil); err != nil {
			t.Fatalf("FinishRun %d: %v", i, err)
		}
	}

	runs, err := s.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs: got %d, want completed survivor plus in-flight", len(runs))
	}
	found := false
	for _, r := range runs {
		if r.ID == inflight && r.Status == StatusRunning {
			found = true
		}
	}
	if !found {
		t.Errorf("in-flight run pruned: %+v", runs)
	}
}

func TestRecentRuns_Limit(t *testing.T) {
	// WHAT: The limit caps results and ordering is newest first.
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := range 5 {
		id, err := s.StartRun(ctx, base.Add(time.Duration(i)*time.Minute))
		if err != nil {
			t.Fatalf("StartRun %d: %v", i, err)
		}
		if err := s.FinishRun(ctx, id, 0, 0, nil); err != nil {
			t.Fatalf("FinishRun %d: %v", i, err)
		}
	}

	runs, err := s.RecentRuns(ctx, 3)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("limit: got %d runs, want 3", len(runs))
	}
	if runs[0].StartedAt < runs[1].StartedAt || runs[1].StartedAt < runs[2].StartedAt {
		t.Errorf("not newest first: %d, %d, %d", runs[0].StartedAt, runs[1].StartedAt, runs[2].StartedAt)
	}
}

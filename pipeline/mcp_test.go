package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/tarif/history"
	"github.com/hazyhaar/tarif/runlog"
)

var testMCPImpl = &mcp.Implementation{Name: "tarif-test", Version: "0.1.0"}

func mcpSession(t *testing.T, svc *Service) *mcp.ClientSession {
	t.Helper()
	srv := mcp.NewServer(testMCPImpl, nil)
	svc.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testMCPImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func mcpCallTool(t *testing.T, session *mcp.ClientSession, name string, args any) string {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if err := result.GetError(); err != nil {
		t.Fatalf("CallTool(%s) tool error: %v", name, err)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent", name)
	}
	return tc.Text
}

// --- tarif_scrape ---

func TestMCP_Scrape(t *testing.T) {
	svc, cfg := testService(t, newShop(t))
	session := mcpSession(t, svc)

	text := mcpCallTool(t, session, "tarif_scrape", map[string]any{})

	var snaps []history.Snapshot
	if err := json.Unmarshal([]byte(text), &snaps); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(snaps) != 3 {
		t.Fatalf("snapshots: got %d, want 3", len(snaps))
	}
	// Scrape must not persist anything.
	if _, err := os.Stat(cfg.HistoryPath()); !os.IsNotExist(err) {
		t.Errorf("history file: %v", err)
	}
}

// --- tarif_run / tarif_history / tarif_latest ---

func TestMCP_RunThenHistory(t *testing.T) {
	svc, _ := testService(t, newShop(t), WithRunLog(testRunLog(t)))
	session := mcpSession(t, svc)

	text := mcpCallTool(t, session, "tarif_run", map[string]any{})
	var sum Summary
	if err := json.Unmarshal([]byte(text), &sum); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if sum.Fetched != 3 || sum.Total != 3 {
		t.Errorf("summary: %+v", sum)
	}
	if sum.RunID == 0 {
		t.Error("summary has no run id")
	}

	text = mcpCallTool(t, session, "tarif_history", map[string]any{})
	var snaps []history.Snapshot
	if err := json.Unmarshal([]byte(text), &snaps); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(snaps) != 3 {
		t.Errorf("history rows: got %d, want 3", len(snaps))
	}

	text = mcpCallTool(t, session, "tarif_latest", map[string]any{})
	var latest map[string]history.Snapshot
	if err := json.Unmarshal([]byte(text), &latest); err != nil {
		t.Fatalf("unmarshal latest: %v", err)
	}
	if len(latest) != 3 {
		t.Errorf("latest models: got %d, want 3", len(latest))
	}
	if latest["iphone_16"].Price != 999 {
		t.Errorf("iphone_16 latest price: got %v", latest["iphone_16"].Price)
	}
}

func TestMCP_HistoryFilterAndLimit(t *testing.T) {
	now := time.Date(2026, 8, 20, 6, 0, 0, 0, time.UTC)
	svc, _ := testService(t, newShop(t), WithNow(func() time.Time { return now }))
	session := mcpSession(t, svc)

	mcpCallTool(t, session, "tarif_run", map[string]any{})
	now = now.Add(24 * time.Hour)
	mcpCallTool(t, session, "tarif_run", map[string]any{})

	// Model filter narrows six rows to the two iphone_15 readings.
	text := mcpCallTool(t, session, "tarif_history", map[string]any{"model": "iphone_15"})
	var snaps []history.Snapshot
	if err := json.Unmarshal([]byte(text), &snaps); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("filtered rows: got %d, want 2", len(snaps))
	}
	for _, s := range snaps {
		if s.Model != "iphone_15" {
			t.Errorf("unexpected model %q", s.Model)
		}
	}

	// Limit keeps the newest readings.
	text = mcpCallTool(t, session, "tarif_history", map[string]any{"limit": 3})
	snaps = nil
	if err := json.Unmarshal([]byte(text), &snaps); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(snaps) != 3 {
		t.Fatalf("limited rows: got %d, want 3", len(snaps))
	}
	for _, s := range snaps {
		if !s.Timestamp.Equal(now) {
			t.Errorf("limit kept old reading from %v", s.Timestamp)
		}
	}
}

// --- tarif_runs / tarif_run_fetches ---

func TestMCP_RunsAndFetches(t *testing.T) {
	svc, _ := testService(t, newShop(t), WithRunLog(testRunLog(t)))
	session := mcpSession(t, svc)

	text := mcpCallTool(t, session, "tarif_run", map[string]any{})
	var sum Summary
	if err := json.Unmarshal([]byte(text), &sum); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}

	text = mcpCallTool(t, session, "tarif_runs", map[string]any{})
	var runs []runlog.Run
	if err := json.Unmarshal([]byte(text), &runs); err != nil {
		t.Fatalf("unmarshal runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs: got %d, want 1", len(runs))
	}
	if runs[0].Status != runlog.StatusOK {
		t.Errorf("run status: got %q", runs[0].Status)
	}

	text = mcpCallTool(t, session, "tarif_run_fetches", map[string]any{"run_id": sum.RunID})
	var fetches []runlog.FetchEntry
	if err := json.Unmarshal([]byte(text), &fetches); err != nil {
		t.Fatalf("unmarshal fetches: %v", err)
	}
	if len(fetches) != 6 {
		t.Errorf("fetch entries: got %d, want 6", len(fetches))
	}
}

func TestMCP_RunFetchesRequiresRunID(t *testing.T) {
	svc, _ := testService(t, newShop(t), WithRunLog(testRunLog(t)))
	session := mcpSession(t, svc)

	// The schema marks run_id required; rejection may land as a call
	// error or as a tool error depending on where validation runs.
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "tarif_run_fetches",
		Arguments: map[string]any{},
	})
	if err == nil && result.GetError() == nil {
		t.Fatal("expected an error without run_id")
	}
}

// --- without a run log ---

func TestMCP_RunsWithoutRunLog(t *testing.T) {
	// WHAT: The run tools answer with empty lists when no run log is
	// attached, rather than erroring.
	svc, _ := testService(t, newShop(t))
	session := mcpSession(t, svc)

	text := mcpCallTool(t, session, "tarif_runs", map[string]any{})
	if text != "[]" {
		t.Errorf("runs without log: got %q, want []", text)
	}
}

package pipeline

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/tarif/history"
	"github.com/hazyhaar/tarif/kit"
	"github.com/hazyhaar/tarif/runlog"
)

// RegisterMCP registers all tarif tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerScrape(srv)
	s.registerRun(srv)
	s.registerHistory(srv)
	s.registerLatest(srv)
	s.registerRuns(srv)
	s.registerRunFetches(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func mcpCtx(ctx context.Context) context.Context {
	return kit.WithTransport(ctx, "mcp")
}

func (s *Service) register(srv *mcp.Server, tool *mcp.Tool, endpoint kit.Endpoint, decode func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error)) {
	wrapped := kit.Chain(kit.Logging(s.logger, tool.Name))(endpoint)
	kit.RegisterMCPTool(srv, tool, wrapped, decode)
}

func decodeEmpty(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	return &kit.MCPDecodeResult{Request: nil, EnrichCtx: mcpCtx}, nil
}

func (s *Service) registerScrape(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "tarif_scrape",
		Description: "Fetch the catalog pages once and return the snapshots without persisting anything",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		snaps, err := s.Scrape(ctx)
		if err != nil {
			return nil, err
		}
		if snaps == nil {
			snaps = []history.Snapshot{}
		}
		return snaps, nil
	}

	s.register(srv, tool, endpoint, decodeEmpty)
}

func (s *Service) registerRun(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "tarif_run",
		Description: "Execute one full pipeline cycle: scrape, cache images, merge history, write JSON/CSV and refresh the report",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return s.Run(ctx)
	}

	s.register(srv, tool, endpoint, decodeEmpty)
}

func (s *Service) registerHistory(srv *mcp.Server) {
	type req struct {
		Model string `json:"model"`
		Limit int    `json:"limit"`
	}

	tool := &mcp.Tool{
		Name:        "tarif_history",
		Description: "Return the stored price history, optionally filtered by model and limited to the newest entries",
		InputSchema: inputSchema(map[string]any{
			"model": map[string]any{"type": "string", "description": "Model identifier, e.g. iphone_15"},
			"limit": map[string]any{"type": "integer", "description": "Max entries, newest kept"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		snaps, err := s.HistoryFiltered(p.Model, p.Limit)
		if err != nil {
			return nil, err
		}
		if snaps == nil {
			snaps = []history.Snapshot{}
		}
		return snaps, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if len(r.Params.Arguments) > 0 {
			if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
				return nil, err
			}
		}
		return &kit.MCPDecodeResult{Request: &p, EnrichCtx: mcpCtx}, nil
	}

	s.register(srv, tool, endpoint, decode)
}

func (s *Service) registerLatest(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "tarif_latest",
		Description: "Return the newest stored snapshot per model",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return s.Latest()
	}

	s.register(srv, tool, endpoint, decodeEmpty)
}

func (s *Service) registerRuns(srv *mcp.Server) {
	type req struct {
		Limit int `json:"limit"`
	}

	tool := &mcp.Tool{
		Name:        "tarif_runs",
		Description: "List recent pipeline runs with status and counts, newest first",
		InputSchema: inputSchema(map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Max runs"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		runs, err := s.RecentRuns(ctx, p.Limit)
		if err != nil {
			return nil, err
		}
		if runs == nil {
			runs = []*runlog.Run{}
		}
		return runs, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if len(r.Params.Arguments) > 0 {
			if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
				return nil, err
			}
		}
		return &kit.MCPDecodeResult{Request: &p, EnrichCtx: mcpCtx}, nil
	}

	s.register(srv, tool, endpoint, decode)
}

func (s *Service) registerRunFetches(srv *mcp.Server) {
	type req struct {
		RunID int64 `json:"run_id"`
	}

	tool := &mcp.Tool{
		Name:        "tarif_run_fetches",
		Description: "List the HTTP requests made during one run",
		InputSchema: inputSchema(map[string]any{
			"run_id": map[string]any{"type": "integer", "description": "Run ID"},
		}, []string{"run_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		fetches, err := s.RunFetches(ctx, p.RunID)
		if err != nil {
			return nil, err
		}
		if fetches == nil {
			fetches = []*runlog.FetchEntry{}
		}
		return fetches, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		if p.RunID == 0 {
			return nil, errors.New("run_id required")
		}
		return &kit.MCPDecodeResult{Request: &p, EnrichCtx: mcpCtx}, nil
	}

	s.register(srv, tool, endpoint, decode)
}

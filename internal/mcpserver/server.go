// Package mcpserver exposes the analytics operations as MCP tools, so an agent can
// trigger a batch or read the dashboard numbers.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/comigor/friday-analytics/internal/logger"
	"github.com/comigor/friday-analytics/internal/pipeline"
	"github.com/comigor/friday-analytics/internal/store"
)

const (
	serverName    = "friday-analytics"
	serverVersion = "0.1.0"

	maxOverviewLimit = 1000
)

// Store is the read side used by the reporting tools.
type Store interface {
	Overview(ctx context.Context, latest, keywords int) (store.Overview, error)
	Stats(ctx context.Context) (store.Stats, error)
}

// Processor runs the analytics paths.
type Processor interface {
	RunOnce(ctx context.Context) pipeline.RunResult
	ProcessSession(ctx context.Context, sessionID string) pipeline.SessionResult
}

// Tools holds the tool handlers.
type Tools struct {
	store         Store
	proc          Processor
	overviewLimit int
	keywordLimit  int
}

// NewTools creates the handlers. overviewLimit and keywordLimit are the
// analytics_overview defaults.
func NewTools(st Store, proc Processor, overviewLimit, keywordLimit int) *Tools {
	return &Tools{store: st, proc: proc, overviewLimit: overviewLimit, keywordLimit: keywordLimit}
}

// New builds an MCP server with every analytics tool registered.
func New(t *Tools) *server.MCPServer {
	s := server.NewMCPServer(serverName, serverVersion, server.WithToolCapabilities(false))

	s.AddTool(mcp.NewTool("run_analytics",
		mcp.WithDescription("Analyze every message waiting in the change-capture queue and report the batch result."),
	), t.RunAnalytics)

	s.AddTool(mcp.NewTool("process_session",
		mcp.WithDescription("Analyze the user messages of one conversation session."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session identifier, e.g. the room name")),
	), t.ProcessSession)

	s.AddTool(mcp.NewTool("analytics_overview",
		mcp.WithDescription("Latest analyses, sentiment distribution and most frequent keywords."),
		mcp.WithNumber("limit", mcp.Description("Number of latest analyses to include")),
	), t.Overview)

	s.AddTool(mcp.NewTool("analytics_stats",
		mcp.WithDescription("Message, queue and analytics table counts."),
	), t.Stats)

	return s
}

// Serve runs the server over stdin/stdout until the client disconnects.
func Serve(s *server.MCPServer) error {
	logger.L.Info("serving MCP over stdio", "name", serverName)
	return server.ServeStdio(s)
}

func (t *Tools) RunAnalytics(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res := t.proc.RunOnce(ctx)
	return jsonResult(res, !res.Success)
}

func (t *Tools) ProcessSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, _ := request.GetArguments()["session_id"].(string)
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	res := t.proc.ProcessSession(ctx, sessionID)
	return jsonResult(res, !res.Success)
}

func (t *Tools) Overview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := t.overviewLimit
	if v, ok := request.GetArguments()["limit"]; ok {
		n, ok := v.(float64)
		if !ok || n != math.Trunc(n) || n < 1 || n > maxOverviewLimit {
			return mcp.NewToolResultError(fmt.Sprintf("limit must be an integer between 1 and %d", maxOverviewLimit)), nil
		}
		limit = int(n)
	}
	ov, err := t.store.Overview(ctx, limit, t.keywordLimit)
	if err != nil {
		logger.L.Error("analytics_overview failed", "error", err)
		return mcp.NewToolResultError("failed to build overview: " + err.Error()), nil
	}
	return jsonResult(ov, false)
}

func (t *Tools) Stats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := t.store.Stats(ctx)
	if err != nil {
		logger.L.Error("analytics_stats failed", "error", err)
		return mcp.NewToolResultError("failed to read stats: " + err.Error()), nil
	}
	return jsonResult(st, false)
}

func jsonResult(v any, isError bool) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	if isError {
		return mcp.NewToolResultError(string(b)), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}

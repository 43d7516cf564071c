package mcpserver

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/comigor/friday-analytics/internal/analyzer"
	"github.com/comigor/friday-analytics/internal/pipeline"
	"github.com/comigor/friday-analytics/internal/store"
)

type joyAnalyzer struct{}

func (joyAnalyzer) Analyze(ctx context.Context, text string) analyzer.Analysis {
	return analyzer.Analysis{SentimentScore: 0.7, SentimentLabel: analyzer.Positive, EmotionLabel: analyzer.Joy, Keywords: []string{"music"}}
}

func setup(t *testing.T) (*Tools, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "friday.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewTools(s, pipeline.New(s, joyAnalyzer{}), 50, 20), s
}

func call(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{Params: mcp.CallToolParams{Name: name, Arguments: args}}
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func seed(t *testing.T, s *store.Store) {
	t.Helper()
	for _, m := range []store.Message{
		{UserID: 1, SessionID: "room_1", Role: store.RoleUser, Content: "play some jazz"},
		{UserID: 1, SessionID: "room_1", Role: store.RoleAssistant, Content: "playing jazz now"},
	} {
		_, err := s.SaveMessage(context.Background(), m)
		require.NoError(t, err)
	}
}

func TestRunAnalytics(t *testing.T) {
	tools, s := setup(t)
	seed(t, s)

	res, err := tools.RunAnalytics(context.Background(), call("run_analytics", nil))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var run pipeline.RunResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &run))
	require.True(t, run.Success)
	require.Equal(t, 2, run.ProcessedCount)
}

func TestProcessSession(t *testing.T) {
	tools, s := setup(t)
	seed(t, s)

	res, err := tools.ProcessSession(context.Background(), call("process_session", map[string]any{"session_id": "room_1"}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var out pipeline.SessionResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	require.Equal(t, 1, out.ProcessedCount)

	res, err = tools.ProcessSession(context.Background(), call("process_session", map[string]any{"session_id": "nope"}))
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.Contains(t, resultText(t, res), "no messages found for session")

	res, err = tools.ProcessSession(context.Background(), call("process_session", map[string]any{}))
	require.NoError(t, err)
	require.True(t, res.IsError)
}

func TestOverviewAndStats(t *testing.T) {
	tools, s := setup(t)
	seed(t, s)
	_, err := tools.RunAnalytics(context.Background(), call("run_analytics", nil))
	require.NoError(t, err)

	res, err := tools.Overview(context.Background(), call("analytics_overview", map[string]any{"limit": 1.0}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	var ov store.Overview
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &ov))
	require.Len(t, ov.Latest, 1)
	require.EqualValues(t, 2, ov.Total)

	res, err = tools.Overview(context.Background(), call("analytics_overview", map[string]any{"limit": 2.5}))
	require.NoError(t, err)
	require.True(t, res.IsError)

	res, err = tools.Stats(context.Background(), call("analytics_stats", nil))
	require.NoError(t, err)
	var st store.Stats
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &st))
	require.EqualValues(t, 2, st.TotalMessages)
	require.EqualValues(t, 2, st.AnalyticsRows)
}

func TestNew(t *testing.T) {
	tools, _ := setup(t)
	require.NotNil(t, New(tools))
}

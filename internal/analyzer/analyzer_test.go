package analyzer

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/comigor/friday-analytics/internal/config"
	"github.com/comigor/friday-analytics/internal/logger"
)

type mockLLM struct {
	responses []string
	err       error
	requests  []openai.ChatCompletionRequest
}

func (m *mockLLM) CreateChatCompletion(ctx context.Context, r openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	m.requests = append(m.requests, r)
	if m.err != nil {
		return openai.ChatCompletionResponse{}, m.err
	}
	if len(m.responses) == 0 {
		panic("mockLLM: no more responses configured for request: " + r.Messages[len(r.Messages)-1].Content)
	}
	content := m.responses[0]
	m.responses = m.responses[1:]
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: content}}},
	}, nil
}

var testCfg = config.LLMConfig{Model: "gemini-1.5-flash", APIKey: "k"}

func TestAnalyze_WellFormed(t *testing.T) {
	m := &mockLLM{responses: []string{`{"sentiment_score": 0.8, "sentiment_label": "positive", "emotion_label": "joy", "contains_keywords": ["weekend", "hiking"]}`}}
	a := New(m, testCfg)

	got := a.Analyze(context.Background(), "I loved hiking this weekend")
	require.Equal(t, Analysis{SentimentScore: 0.8, SentimentLabel: Positive, EmotionLabel: Joy, Keywords: []string{"weekend", "hiking"}}, got)

	require.Len(t, m.requests, 1)
	req := m.requests[0]
	require.Equal(t, "gemini-1.5-flash", req.Model)
	require.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	require.Contains(t, req.Messages[1].Content, "I loved hiking this weekend")
	require.Nil(t, req.ResponseFormat)
}

func TestAnalyze_JSONModeRequestsObject(t *testing.T) {
	m := &mockLLM{responses: []string{`{}`}}
	cfg := testCfg
	cfg.JSONMode = true

	New(m, cfg).Analyze(context.Background(), "hi")
	require.NotNil(t, m.requests[0].ResponseFormat)
	require.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, m.requests[0].ResponseFormat.Type)
}

func TestAnalyze_FencedResponse(t *testing.T) {
	m := &mockLLM{responses: []string{"```json\n{\"sentiment_score\": -0.6, \"sentiment_label\": \"negative\", \"emotion_label\": \"anger\", \"contains_keywords\": [\"late\"]}\n```"}}

	got := New(m, testCfg).Analyze(context.Background(), "you are late again")
	require.Equal(t, Negative, got.SentimentLabel)
	require.Equal(t, Anger, got.EmotionLabel)
	require.Equal(t, -0.6, got.SentimentScore)
	require.Equal(t, []string{"late"}, got.Keywords)
}

func TestAnalyze_ProseAroundObject(t *testing.T) {
	m := &mockLLM{responses: []string{`Sure! Here is the analysis: {"sentiment_score": 0.2, "sentiment_label": "positive", "emotion_label": "surprise", "contains_keywords": []} Hope that helps.`}}

	got := New(m, testCfg).Analyze(context.Background(), "oh, nice")
	require.Equal(t, Surprise, got.EmotionLabel)
	require.Equal(t, Positive, got.SentimentLabel)
}

func TestAnalyze_FallsBackToNeutral(t *testing.T) {
	tests := []struct {
		name string
		llm  *mockLLM
	}{
		{name: "invalid json", llm: &mockLLM{responses: []string{"I think it is positive"}}},
		{name: "broken object", llm: &mockLLM{responses: []string{`{"sentiment_score": 0.5,`}}},
		{name: "json array", llm: &mockLLM{responses: []string{`["positive"]`}}},
		{name: "empty answer", llm: &mockLLM{responses: []string{"   "}}},
		{name: "call error", llm: &mockLLM{err: context.DeadlineExceeded}},
		{name: "transport error", llm: &mockLLM{err: errors.New("connection refused")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := New(tt.llm, testCfg).Analyze(context.Background(), "anything")
			require.Equal(t, NeutralDefault(), got)
		})
	}
}

func TestAnalyze_Unconfigured(t *testing.T) {
	got := New(nil, config.LLMConfig{}).Analyze(context.Background(), "hello")
	require.Equal(t, Analysis{SentimentScore: 0, SentimentLabel: "neutral", EmotionLabel: "neutral", Keywords: []string{}}, got)

	var a *Analyzer
	require.False(t, a.Available())
	require.Equal(t, NeutralDefault(), a.Analyze(context.Background(), "hello"))
}

func TestAnalyze_UnconfiguredWarnsOnce(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, logger.Configure(&buf, "debug", "json"))
	t.Cleanup(func() { require.NoError(t, logger.Configure(os.Stdout, "info", "json")) })

	a := New(nil, config.LLMConfig{})
	for i := 0; i < 3; i++ {
		require.Equal(t, NeutralDefault(), a.Analyze(context.Background(), "hello"))
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	require.Contains(t, lines[0], `"component":"analyzer"`)
	require.Contains(t, lines[0], "analysis model not configured")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]any
		want Analysis
	}{
		{
			name: "score clamped high",
			raw:  map[string]any{"sentiment_score": 5.0, "sentiment_label": "positive", "emotion_label": "joy"},
			want: Analysis{SentimentScore: 1.0, SentimentLabel: Positive, EmotionLabel: Joy, Keywords: []string{}},
		},
		{
			name: "score clamped low",
			raw:  map[string]any{"sentiment_score": -3.0, "sentiment_label": "negative", "emotion_label": "fear"},
			want: Analysis{SentimentScore: -1.0, SentimentLabel: Negative, EmotionLabel: Fear, Keywords: []string{}},
		},
		{
			name: "label case normalized",
			raw:  map[string]any{"sentiment_score": 0.4, "sentiment_label": "Positive", "emotion_label": "JOY"},
			want: Analysis{SentimentScore: 0.4, SentimentLabel: Positive, EmotionLabel: Joy, Keywords: []string{}},
		},
		{
			name: "invalid label derived positive",
			raw:  map[string]any{"sentiment_score": 0.5, "sentiment_label": "upbeat"},
			want: Analysis{SentimentScore: 0.5, SentimentLabel: Positive, EmotionLabel: EmotionNeutral, Keywords: []string{}},
		},
		{
			name: "invalid label derived negative",
			raw:  map[string]any{"sentiment_score": -0.2, "sentiment_label": 7.0},
			want: Analysis{SentimentScore: -0.2, SentimentLabel: Negative, EmotionLabel: EmotionNeutral, Keywords: []string{}},
		},
		{
			name: "invalid label within threshold",
			raw:  map[string]any{"sentiment_score": 0.1, "sentiment_label": "mixed"},
			want: Analysis{SentimentScore: 0.1, SentimentLabel: Neutral, EmotionLabel: EmotionNeutral, Keywords: []string{}},
		},
		{
			name: "unknown emotion coerced",
			raw:  map[string]any{"sentiment_score": 0.9, "sentiment_label": "positive", "emotion_label": "ecstatic"},
			want: Analysis{SentimentScore: 0.9, SentimentLabel: Positive, EmotionLabel: EmotionNeutral, Keywords: []string{}},
		},
		{
			name: "non numeric score",
			raw:  map[string]any{"sentiment_score": "very", "sentiment_label": "neutral"},
			want: NeutralDefault(),
		},
		{
			name: "keywords truncated and cleaned",
			raw: map[string]any{"contains_keywords": []any{
				"one", "  two ", "", 4.0, "   ", "six", "seven", "eight",
			}},
			want: Analysis{SentimentLabel: Neutral, EmotionLabel: EmotionNeutral, Keywords: []string{"one", "two", "4"}},
		},
		{
			name: "eight keywords become five",
			raw: map[string]any{"contains_keywords": []any{
				"a", "b", "c", "d", "e", "f", "g", "h",
			}},
			want: Analysis{SentimentLabel: Neutral, EmotionLabel: EmotionNeutral, Keywords: []string{"a", "b", "c", "d", "e"}},
		},
		{
			name: "keywords not a list",
			raw:  map[string]any{"contains_keywords": "a, b"},
			want: NeutralDefault(),
		},
		{
			name: "empty object",
			raw:  map[string]any{},
			want: NeutralDefault(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Validate(tt.raw))
		})
	}
}

func TestDecode(t *testing.T) {
	raw, err := Decode("```\n{\"a\": 1}\n```")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"a": 1.0}, raw)

	_, err = Decode("null")
	require.Error(t, err)

	_, err = Decode("no json here")
	require.Error(t, err)
}

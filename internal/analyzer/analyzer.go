// Package analyzer asks an external language model for a sentiment, emotion and
// keyword judgment of one message and validates the answer. Whatever the model
// returns, or fails to return, Analyze yields an in-range Analysis.
package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/friday-analytics/internal/config"
	"github.com/comigor/friday-analytics/internal/llm"
	"github.com/comigor/friday-analytics/internal/logger"
	"github.com/comigor/friday-analytics/internal/metrics"
)

const instructionPrompt = `Analyze the user's message for sentiment, emotion, and keywords.

Please provide your analysis in the following JSON format:
{
    "sentiment_score": <float between -1.0 and 1.0, where -1 is very negative, 0 is neutral, 1 is very positive>,
    "sentiment_label": "<positive|neutral|negative>",
    "emotion_label": "<primary emotion: joy, sadness, anger, fear, surprise, disgust, neutral>",
    "contains_keywords": [<list of 3-5 relevant keywords or phrases from the message>]
}

Only return the JSON, no additional text.`

var (
	fenceOpen  = regexp.MustCompile("^```(?:json)?\\s*")
	fenceClose = regexp.MustCompile("\\s*```$")
)

// Analyzer turns message text into a validated Analysis.
type Analyzer struct {
	client llm.Client
	cfg    config.LLMConfig
	log    *slog.Logger
}

// New creates an analyzer. A nil client makes every call return the neutral default.
func New(client llm.Client, cfg config.LLMConfig) *Analyzer {
	a := &Analyzer{client: client, cfg: cfg, log: logger.With("analyzer")}
	if client == nil {
		a.log.Warn("analysis model not configured; every message will get the neutral default",
			"hint", "set llm.api_key and llm.model")
	}
	return a
}

// Available reports whether an external model is wired in.
func (a *Analyzer) Available() bool {
	return a != nil && a.client != nil
}

// Analyze issues one model call for text. It never fails: an unavailable model, a
// call error or an unreadable answer all produce NeutralDefault.
func (a *Analyzer) Analyze(ctx context.Context, text string) Analysis {
	if !a.Available() {
		// Warned once in New; the metric tracks the volume.
		metrics.AnalyzerFallbacks.WithLabelValues("unconfigured").Inc()
		return NeutralDefault()
	}

	req := openai.ChatCompletionRequest{
		Model:       a.cfg.Model,
		Temperature: a.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: instructionPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("Message: %q", text)},
		},
	}
	if a.cfg.JSONMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	start := time.Now()
	resp, err := a.client.CreateChatCompletion(ctx, req)
	metrics.AnalyzerLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		a.log.Error("analysis call failed", "error", err)
		metrics.AnalyzerFallbacks.WithLabelValues("call_error").Inc()
		return NeutralDefault()
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		a.log.Warn("analysis call returned no content")
		metrics.AnalyzerFallbacks.WithLabelValues("empty_response").Inc()
		return NeutralDefault()
	}

	content := resp.Choices[0].Message.Content
	raw, err := Decode(content)
	if err != nil {
		a.log.Error("failed to parse analysis response as JSON", "error", err, "response", content)
		metrics.AnalyzerFallbacks.WithLabelValues("invalid_json").Inc()
		return NeutralDefault()
	}
	return Validate(raw)
}

// Decode extracts the JSON object from a model answer, tolerating markdown code
// fences and stray prose around the object.
func Decode(content string) (map[string]any, error) {
	text := strings.TrimSpace(content)
	if strings.HasPrefix(text, "```") {
		text = fenceOpen.ReplaceAllString(text, "")
		text = fenceClose.ReplaceAllString(text, "")
	}

	var raw map[string]any
	err := json.Unmarshal([]byte(text), &raw)
	if err == nil && raw != nil {
		return raw, nil
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		if err == nil {
			err = errors.New("response is not a JSON object")
		}
		return nil, err
	}
	raw = nil
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.New("response is not a JSON object")
	}
	return raw, nil
}

package analyzer

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Validate coerces a decoded model answer into a well-typed Analysis:
//   - sentiment_score is clamped to [-1, 1]; non-numbers become 0
//   - sentiment_label is lower-cased; an unknown label is derived from the score
//   - emotion_label is lower-cased; an unknown emotion becomes neutral
//   - contains_keywords keeps the first five entries, stringified, blanks dropped
func Validate(raw map[string]any) Analysis {
	out := NeutralDefault()

	if score, ok := toFloat(raw["sentiment_score"]); ok {
		out.SentimentScore = math.Max(-1, math.Min(1, score))
	}

	label := "neutral"
	if v, present := raw["sentiment_label"]; present {
		s, _ := v.(string)
		label = s
	}
	if s, ok := parseSentiment(label); ok {
		out.SentimentLabel = s
	} else {
		out.SentimentLabel = SentimentFromScore(out.SentimentScore)
	}

	if s, ok := raw["emotion_label"].(string); ok {
		if e, ok := parseEmotion(s); ok {
			out.EmotionLabel = e
		}
	}

	if list, ok := raw["contains_keywords"].([]any); ok {
		if len(list) > MaxKeywords {
			list = list[:MaxKeywords]
		}
		for _, item := range list {
			if kw := strings.TrimSpace(stringify(item)); kw != "" {
				out.Keywords = append(out.Keywords, kw)
			}
		}
	}

	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) {
			return 0, false
		}
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil && !math.IsNaN(f)
	}
	return 0, false
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

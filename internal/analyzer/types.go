package analyzer

import "strings"

// Sentiment is the polarity label of a message.
type Sentiment string

const (
	Positive Sentiment = "positive"
	Neutral  Sentiment = "neutral"
	Negative Sentiment = "negative"
)

// Emotion is the primary emotion of a message.
type Emotion string

const (
	Joy            Emotion = "joy"
	Sadness        Emotion = "sadness"
	Anger          Emotion = "anger"
	Fear           Emotion = "fear"
	Surprise       Emotion = "surprise"
	Disgust        Emotion = "disgust"
	EmotionNeutral Emotion = "neutral"
)

const (
	// MaxKeywords bounds the keyword list of one analysis.
	MaxKeywords = 5
	// labelThreshold separates neutral from polar scores when a label has to be derived.
	labelThreshold = 0.1
)

func parseSentiment(raw string) (Sentiment, bool) {
	switch s := Sentiment(strings.ToLower(strings.TrimSpace(raw))); s {
	case Positive, Neutral, Negative:
		return s, true
	}
	return "", false
}

func parseEmotion(raw string) (Emotion, bool) {
	switch e := Emotion(strings.ToLower(strings.TrimSpace(raw))); e {
	case Joy, Sadness, Anger, Fear, Surprise, Disgust, EmotionNeutral:
		return e, true
	}
	return "", false
}

// SentimentFromScore derives a label from a score.
func SentimentFromScore(score float64) Sentiment {
	switch {
	case score > labelThreshold:
		return Positive
	case score < -labelThreshold:
		return Negative
	default:
		return Neutral
	}
}

// Analysis is the validated judgment for one message. Every field is always within
// its declared range.
type Analysis struct {
	SentimentScore float64   `json:"sentiment_score"`
	SentimentLabel Sentiment `json:"sentiment_label"`
	EmotionLabel   Emotion   `json:"emotion_label"`
	Keywords       []string  `json:"contains_keywords"`
}

// NeutralDefault is the analysis used whenever the model is unavailable or its answer unusable.
func NeutralDefault() Analysis {
	return Analysis{
		SentimentScore: 0.0,
		SentimentLabel: Neutral,
		EmotionLabel:   EmotionNeutral,
		Keywords:       []string{},
	}
}

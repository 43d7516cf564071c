package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"
)

var (
	validSentiments = map[string]bool{"positive": true, "neutral": true, "negative": true}
	validEmotions   = map[string]bool{
		"joy": true, "sadness": true, "anger": true, "fear": true,
		"surprise": true, "disgust": true, "neutral": true,
	}
)

// AnalysisResult is the persisted judgment for one analyzed message.
type AnalysisResult struct {
	ID             int64     `json:"id"`
	MessageID      int64     `json:"message_id,omitempty"`
	UserID         int64     `json:"user_id"`
	SessionID      string    `json:"session_id"`
	Message        string    `json:"message"`
	Role           string    `json:"role"`
	SequenceNumber int       `json:"sequence_number"`
	MessageLength  int       `json:"message_length"`
	SentimentScore float64   `json:"sentiment_score"`
	SentimentLabel string    `json:"sentiment_label"`
	EmotionLabel   string    `json:"emotion_label"`
	ToxicityFlag   bool      `json:"toxicity_flag"`
	Keywords       []string  `json:"keywords"`
	CreatedAt      time.Time `json:"created_at"`
}

func (r AnalysisResult) validate() error {
	if math.IsNaN(r.SentimentScore) || r.SentimentScore < -1 || r.SentimentScore > 1 {
		return fmt.Errorf("%w: sentiment score %v", ErrInvalidAnalysis, r.SentimentScore)
	}
	if !validSentiments[r.SentimentLabel] {
		return fmt.Errorf("%w: sentiment label %q", ErrInvalidAnalysis, r.SentimentLabel)
	}
	if !validEmotions[r.EmotionLabel] {
		return fmt.Errorf("%w: emotion label %q", ErrInvalidAnalysis, r.EmotionLabel)
	}
	if len(r.Keywords) > 5 {
		return fmt.Errorf("%w: %d keywords", ErrInvalidAnalysis, len(r.Keywords))
	}
	return nil
}

// SaveAnalysis appends one result row and returns its id. Reprocessing a message
// appends another row; there is no uniqueness on message_id.
func (s *Store) SaveAnalysis(ctx context.Context, r AnalysisResult) (int64, error) {
	if err := r.validate(); err != nil {
		return 0, err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	keywords := r.Keywords
	if keywords == nil {
		keywords = []string{}
	}
	kw, err := json.Marshal(keywords)
	if err != nil {
		return 0, fmt.Errorf("encode keywords: %w", err)
	}
	var messageID sql.NullInt64
	if r.MessageID > 0 {
		messageID = sql.NullInt64{Int64: r.MessageID, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO message_analytics
(message_id, user_id, session_id, message, role, sequence_number, message_length, sentiment_score,
 sentiment_label, emotion_label, toxicity_flag, contains_keywords, created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?);`,
		messageID, r.UserID, r.SessionID, r.Message, r.Role, r.SequenceNumber, r.MessageLength, r.SentimentScore,
		r.SentimentLabel, r.EmotionLabel, r.ToxicityFlag, string(kw), r.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert analysis: %w", err)
	}
	return res.LastInsertId()
}

// ListAnalyses returns the results recorded for a session in insertion order.
func (s *Store) ListAnalyses(ctx context.Context, sessionID string) ([]AnalysisResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, message_id, user_id, session_id, message, role, sequence_number,
    message_length, sentiment_score, sentiment_label, emotion_label, toxicity_flag, contains_keywords, created_at
FROM message_analytics WHERE session_id = ? ORDER BY id ASC;`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query analyses: %w", err)
	}
	defer rows.Close()

	var out []AnalysisResult
	for rows.Next() {
		var (
			r         AnalysisResult
			messageID sql.NullInt64
			kw        sql.NullString
			createdAt sql.NullTime
		)
		if err := rows.Scan(&r.ID, &messageID, &r.UserID, &r.SessionID, &r.Message, &r.Role, &r.SequenceNumber,
			&r.MessageLength, &r.SentimentScore, &r.SentimentLabel, &r.EmotionLabel, &r.ToxicityFlag, &kw, &createdAt); err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		r.MessageID = messageID.Int64
		r.Keywords = decodeKeywords(kw.String)
		r.CreatedAt = createdAt.Time
		out = append(out, r)
	}
	return out, rows.Err()
}

func decodeKeywords(raw string) []string {
	if raw == "" {
		return []string{}
	}
	var kws []string
	if err := json.Unmarshal([]byte(raw), &kws); err != nil {
		return []string{}
	}
	return kws
}

// LatestAnalysis is one row of the overview table.
type LatestAnalysis struct {
	Message        string    `json:"message"`
	SentimentLabel string    `json:"sentiment_label"`
	EmotionLabel   string    `json:"emotion_label"`
	SentimentScore float64   `json:"sentiment_score"`
	Keywords       []string  `json:"keywords"`
	CreatedAt      time.Time `json:"created_at"`
}

// SentimentBucket is one bar of the sentiment histogram.
type SentimentBucket struct {
	Sentiment string  `json:"sentiment"`
	Count     int64   `json:"count"`
	AvgScore  float64 `json:"avg_score"`
}

// KeywordCount is one entry of the keyword frequency table.
type KeywordCount struct {
	Keyword string `json:"keyword"`
	Count   int    `json:"count"`
}

// Overview is the dashboard summary of the analytics table.
type Overview struct {
	Latest    []LatestAnalysis  `json:"latest_analytics"`
	Sentiment []SentimentBucket `json:"sentiment_data"`
	Keywords  []KeywordCount    `json:"keyword_frequency"`
	Total     int64             `json:"total_messages"`
}

const previewLen = 100

func preview(msg string) string {
	r := []rune(msg)
	if len(r) > previewLen {
		return string(r[:previewLen]) + "..."
	}
	return msg
}

// Overview aggregates the analytics table: the latest rows, the sentiment-label
// histogram with per-label mean score, the most frequent keywords and the total count.
func (s *Store) Overview(ctx context.Context, latest, keywords int) (Overview, error) {
	ov := Overview{Latest: []LatestAnalysis{}, Sentiment: []SentimentBucket{}, Keywords: []KeywordCount{}}

	rows, err := s.db.QueryContext(ctx, `SELECT message, sentiment_label, emotion_label, sentiment_score, contains_keywords, created_at
FROM message_analytics ORDER BY created_at DESC, id DESC LIMIT ?;`, latest)
	if err != nil {
		return ov, fmt.Errorf("query latest analyses: %w", err)
	}
	for rows.Next() {
		var (
			la        LatestAnalysis
			kw        sql.NullString
			createdAt sql.NullTime
		)
		if err := rows.Scan(&la.Message, &la.SentimentLabel, &la.EmotionLabel, &la.SentimentScore, &kw, &createdAt); err != nil {
			rows.Close()
			return ov, fmt.Errorf("scan latest analysis: %w", err)
		}
		la.Message = preview(la.Message)
		la.Keywords = decodeKeywords(kw.String)
		la.CreatedAt = createdAt.Time
		ov.Latest = append(ov.Latest, la)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return ov, fmt.Errorf("iterate latest analyses: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `SELECT sentiment_label, COUNT(*) AS count, AVG(sentiment_score)
FROM message_analytics GROUP BY sentiment_label ORDER BY count DESC, sentiment_label ASC;`)
	if err != nil {
		return ov, fmt.Errorf("query sentiment distribution: %w", err)
	}
	for rows.Next() {
		var (
			b   SentimentBucket
			avg sql.NullFloat64
		)
		if err := rows.Scan(&b.Sentiment, &b.Count, &avg); err != nil {
			rows.Close()
			return ov, fmt.Errorf("scan sentiment bucket: %w", err)
		}
		b.AvgScore = math.Round(avg.Float64*1000) / 1000
		ov.Sentiment = append(ov.Sentiment, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return ov, fmt.Errorf("iterate sentiment distribution: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `SELECT contains_keywords FROM message_analytics
WHERE contains_keywords IS NOT NULL AND contains_keywords != '' ORDER BY id ASC;`)
	if err != nil {
		return ov, fmt.Errorf("query keywords: %w", err)
	}
	counts := map[string]int{}
	var order []string
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return ov, fmt.Errorf("scan keywords: %w", err)
		}
		for _, kw := range decodeKeywords(raw) {
			if _, seen := counts[kw]; !seen {
				order = append(order, kw)
			}
			counts[kw]++
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return ov, fmt.Errorf("iterate keywords: %w", err)
	}
	ov.Keywords = topKeywords(counts, order, keywords)

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM message_analytics;`).Scan(&ov.Total); err != nil {
		return ov, fmt.Errorf("count analyses: %w", err)
	}
	return ov, nil
}

// topKeywords orders by frequency, breaking ties by first appearance.
func topKeywords(counts map[string]int, order []string, limit int) []KeywordCount {
	out := make([]KeywordCount, 0, len(order))
	for _, kw := range order {
		out = append(out, KeywordCount{Keyword: kw, Count: counts[kw]})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

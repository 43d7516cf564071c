package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/comigor/friday-analytics/internal/metrics"
)

// SessionResult reports one session-scoped run.
type SessionResult struct {
	SessionID      string `json:"session_id"`
	TotalMessages  int    `json:"total_messages"`
	Eligible       int    `json:"eligible"`
	ProcessedCount int    `json:"processed_count"`
	Skipped        int    `json:"skipped"`
	Failed         int    `json:"failed"`
	Success        bool   `json:"success"`
	NotFound       bool   `json:"not_found,omitempty"`
	Error          string `json:"error,omitempty"`
}

// ProcessSession analyzes every eligible message of one session in timestamp
// order. It does not touch the queue and takes no lock; sequence numbers count
// eligible messages only.
func (p *Processor) ProcessSession(ctx context.Context, sessionID string) SessionResult {
	start := time.Now()
	res := SessionResult{SessionID: sessionID}
	log := p.log.With("session_id", sessionID)

	msgs, err := p.store.GetMessagesForSession(ctx, sessionID)
	if err != nil {
		log.Error("failed to load session messages", "error", err)
		res.Error = err.Error()
		return res
	}
	res.TotalMessages = len(msgs)
	if len(msgs) == 0 {
		res.NotFound = true
		res.Error = ErrNoSessionMessages.Error()
		return res
	}

	seq := 0
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			res.Error = fmt.Sprintf("session processing interrupted: %v", err)
			return res
		}
		// Eligibility needs the parsed role, so parse once here and again in process.
		if !p.sessionRoles.Allows(p.parser.Parse(msg.Content).Role, msg.Role) {
			metrics.MessagesTotal.WithLabelValues(pathSession, outcomeFiltered.String()).Inc()
			continue
		}
		seq++
		res.Eligible++
		switch p.process(ctx, msg, seq, AllRoles, pathSession) {
		case outcomeAnalyzed:
			res.ProcessedCount++
		case outcomeEmpty, outcomeFiltered:
			res.Skipped++
		case outcomeFailed:
			res.Failed++
		}
	}

	switch {
	case res.Eligible == 0:
		res.Error = ErrNoEligible.Error()
	case res.ProcessedCount == 0:
		res.Error = ErrNothingProcessed.Error()
	default:
		res.Success = true
	}
	log.Info("session processed",
		"messages", res.TotalMessages,
		"eligible", res.Eligible,
		"processed", res.ProcessedCount,
		"failed", res.Failed,
		"duration", time.Since(start))
	return res
}

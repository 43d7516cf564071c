// Package pipeline drains the change-capture queue into analytics rows. A run
// claims the processing lock, joins pending queue entries to their messages,
// parses and analyzes each one, persists the result, and retires the entries.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/comigor/friday-analytics/internal/analyzer"
	"github.com/comigor/friday-analytics/internal/config"
	"github.com/comigor/friday-analytics/internal/logger"
	"github.com/comigor/friday-analytics/internal/metrics"
	"github.com/comigor/friday-analytics/internal/parser"
	"github.com/comigor/friday-analytics/internal/store"
)

// Store is the storage the processor reads from and writes to.
type Store interface {
	ListPending(ctx context.Context) ([]int64, error)
	GetMessagesByIDs(ctx context.Context, ids []int64) ([]store.Message, error)
	GetMessagesForSession(ctx context.Context, sessionID string) ([]store.Message, error)
	SaveAnalysis(ctx context.Context, r store.AnalysisResult) (int64, error)
	MarkProcessed(ctx context.Context, ids []int64) error
	ClearProcessed(ctx context.Context) (int64, error)
	RecordSkipped(ctx context.Context, skips []store.Skip) error
	Claim(ctx context.Context, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, owner string) error
}

// Analyzer judges one message text. It must not fail.
type Analyzer interface {
	Analyze(ctx context.Context, text string) analyzer.Analysis
}

// Publisher receives every persisted analysis. Publication failures never fail
// the message.
type Publisher interface {
	Publish(ctx context.Context, r store.AnalysisResult) error
}

const (
	pathQueue   = "queue"
	pathSession = "session"

	defaultLockTTL = 10 * time.Minute
)

type outcome int

const (
	outcomeAnalyzed outcome = iota
	outcomeFiltered
	outcomeEmpty
	outcomeFailed
	outcomeOrphaned
)

func (o outcome) String() string {
	switch o {
	case outcomeAnalyzed:
		return "analyzed"
	case outcomeFiltered:
		return "filtered"
	case outcomeEmpty:
		return "skipped"
	case outcomeFailed:
		return "failed"
	case outcomeOrphaned:
		return "orphaned"
	}
	return "unknown"
}

// RunResult reports one queue run. Only Success and Error are meaningful when the
// lock could not be taken.
type RunResult struct {
	BatchID          string `json:"batch_id"`
	ProcessedCount   int    `json:"processed_count"`
	TotalUnprocessed int    `json:"total_unprocessed"`
	TotalRetrieved   int    `json:"total_retrieved"`
	MarkedProcessed  int    `json:"marked_processed"`
	Skipped          int    `json:"skipped"`
	Failed           int    `json:"failed"`
	Orphaned         int    `json:"orphaned"`
	Cleared          int64  `json:"cleared"`
	Success          bool   `json:"success"`
	Busy             bool   `json:"busy,omitempty"`
	Message          string `json:"message,omitempty"`
	Error            string `json:"error,omitempty"`
}

// Processor runs the queue and session analytics paths.
type Processor struct {
	store        Store
	analyzer     Analyzer
	parser       parser.Chain
	publisher    Publisher
	queueRoles   RolePolicy
	sessionRoles RolePolicy
	lockTTL      time.Duration
	log          *slog.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithQueueRoles sets the role policy of the queue path (default AllRoles).
func WithQueueRoles(p RolePolicy) Option { return func(pr *Processor) { pr.queueRoles = p } }

// WithSessionRoles sets the role policy of the session path (default UserOnly).
func WithSessionRoles(p RolePolicy) Option { return func(pr *Processor) { pr.sessionRoles = p } }

// WithLockTTL sets how long a claim is honored before another run may take it over.
func WithLockTTL(ttl time.Duration) Option { return func(pr *Processor) { pr.lockTTL = ttl } }

// WithPublisher forwards every persisted analysis to pub.
func WithPublisher(pub Publisher) Option { return func(pr *Processor) { pr.publisher = pub } }

// WithParser replaces the default parse strategies.
func WithParser(c parser.Chain) Option { return func(pr *Processor) { pr.parser = c } }

// OptionsFromConfig translates the pipeline section of the configuration.
func OptionsFromConfig(cfg config.PipelineConfig) ([]Option, error) {
	queue, err := ParseRolePolicy(cfg.QueueRoles)
	if err != nil {
		return nil, fmt.Errorf("pipeline.queue_roles: %w", err)
	}
	session, err := ParseRolePolicy(cfg.SessionRoles)
	if err != nil {
		return nil, fmt.Errorf("pipeline.session_roles: %w", err)
	}
	opts := []Option{WithQueueRoles(queue), WithSessionRoles(session)}
	if cfg.LockTTL > 0 {
		opts = append(opts, WithLockTTL(cfg.LockTTL))
	}
	return opts, nil
}

// New creates a processor over st using a to judge messages.
func New(st Store, a Analyzer, opts ...Option) *Processor {
	p := &Processor{
		store:        st,
		analyzer:     a,
		parser:       parser.Default,
		queueRoles:   AllRoles,
		sessionRoles: UserOnly,
		lockTTL:      defaultLockTTL,
		log:          logger.With("pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RunOnce drains the queue once. It never returns an error: storage failures,
// a busy lock and a run with nothing analyzed are reported through the result.
func (p *Processor) RunOnce(ctx context.Context) RunResult {
	start := time.Now()
	b := &batch{
		p:      p,
		owner:  uuid.NewString(),
		result: RunResult{BatchID: uuid.NewString()},
	}
	log := p.log.With("batch_id", b.result.BatchID)
	log.Info("batch started")

	fsm := newBatchMachine(b)
	fireErr := fsm.FireCtx(ctx, triggerStart)

	if b.claimed {
		// Release even when ctx is already cancelled.
		if err := p.store.Release(context.WithoutCancel(ctx), b.owner); err != nil {
			log.Error("failed to release processing lock", "error", err)
		}
	}

	state := fsm.MustState()
	res := b.result
	outcomeLabel := "failed"
	switch {
	case fireErr != nil:
		res.Error = fmt.Sprintf("batch state machine: %v", fireErr)
	case state == stateFailed && errors.Is(b.err, ErrBusy):
		res.Error = b.err.Error()
		res.Busy = true
		outcomeLabel = "busy"
	case state == stateFailed && errors.Is(b.err, ErrLockLost):
		res.Error = b.err.Error()
		outcomeLabel = "lock_lost"
	case state == stateFailed:
		res.Error = b.err.Error()
	case state != stateDone:
		res.Error = fmt.Sprintf("batch ended in unexpected state %v", state)
	case res.TotalUnprocessed == 0:
		res.Success = true
		res.Message = "no unprocessed messages"
		outcomeLabel = "empty"
	case res.ProcessedCount > 0:
		res.Success = true
		res.Message = fmt.Sprintf("processed %d of %d messages", res.ProcessedCount, res.TotalUnprocessed)
		outcomeLabel = "success"
	default:
		res.Error = ErrNothingProcessed.Error()
	}

	metrics.BatchesTotal.WithLabelValues(outcomeLabel).Inc()
	metrics.BatchDuration.Observe(time.Since(start).Seconds())
	log.Info("batch finished",
		"outcome", outcomeLabel,
		"processed", res.ProcessedCount,
		"pending", res.TotalUnprocessed,
		"skipped", res.Skipped,
		"failed", res.Failed,
		"orphaned", res.Orphaned,
		"error", res.Error,
		"duration", time.Since(start))
	return res
}

// process runs one message through parse, policy, analysis and persistence. Any
// failure, including a panic, is logged and reported as outcomeFailed.
func (p *Processor) process(ctx context.Context, msg store.Message, seq int, policy RolePolicy, path string) (out outcome) {
	log := p.log.With("path", path, "message_id", msg.ID, "session_id", msg.SessionID)
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while processing message", "panic", r)
			out = outcomeFailed
		}
		metrics.MessagesTotal.WithLabelValues(path, out.String()).Inc()
	}()

	parsed := p.parser.Parse(msg.Content)
	if !policy.Allows(parsed.Role, msg.Role) {
		log.Debug("message filtered by role policy", "policy", policy, "role", msg.Role, "parsed_role", parsed.Role)
		return outcomeFiltered
	}
	text := strings.TrimSpace(parsed.Text)
	if text == "" {
		log.Debug("skipping empty message")
		return outcomeEmpty
	}

	role := string(msg.Role)
	if parsed.HasRole() {
		role = parsed.Role
	}

	a := p.analyzer.Analyze(ctx, text)
	result := store.AnalysisResult{
		MessageID:      msg.ID,
		UserID:         msg.UserID,
		SessionID:      msg.SessionID,
		Message:        text,
		Role:           role,
		SequenceNumber: seq,
		MessageLength:  len(strings.Fields(text)),
		SentimentScore: a.SentimentScore,
		SentimentLabel: string(a.SentimentLabel),
		EmotionLabel:   string(a.EmotionLabel),
		ToxicityFlag:   false,
		Keywords:       a.Keywords,
	}
	id, err := p.store.SaveAnalysis(ctx, result)
	if err != nil {
		log.Error("failed to save analysis", "error", err)
		return outcomeFailed
	}
	result.ID = id
	log.Debug("message analyzed", "sequence", seq, "sentiment", result.SentimentLabel, "emotion", result.EmotionLabel)

	if p.publisher != nil {
		if err := p.publisher.Publish(ctx, result); err != nil {
			metrics.PublishErrors.Inc()
			log.Warn("failed to publish analysis", "analysis_id", id, "error", err)
		}
	}
	return outcomeAnalyzed
}

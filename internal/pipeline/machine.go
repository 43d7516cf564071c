package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/qmuntal/stateless"

	"github.com/comigor/friday-analytics/internal/metrics"
	"github.com/comigor/friday-analytics/internal/store"
)

// Batch lifecycle states.
type runState string

const (
	stateIdle       runState = "idle"
	stateClaiming   runState = "claiming"
	stateCollecting runState = "collecting"
	stateAnalyzing  runState = "analyzing"
	stateCommitting runState = "committing"
	stateDone       runState = "done"   // terminal: the run completed, possibly with nothing to do
	stateFailed     runState = "failed" // terminal: lock busy or lost, or storage error
)

// Batch lifecycle triggers.
type runTrigger string

const (
	triggerStart     runTrigger = "start"
	triggerClaimed   runTrigger = "claimed"
	triggerCollected runTrigger = "collected"
	triggerNoWork    runTrigger = "no_work"
	triggerAnalyzed  runTrigger = "analyzed"
	triggerCommitted runTrigger = "committed"
	triggerFail      runTrigger = "fail"
)

// Failure reasons reported through RunResult.Error and SessionResult.Error.
var (
	ErrBusy              = errors.New("batch already in progress")
	ErrLockLost          = errors.New("processing lock lost to another run")
	ErrNothingProcessed  = errors.New("no messages were successfully processed")
	ErrNoSessionMessages = errors.New("no messages found for session")
	ErrNoEligible        = errors.New("no user messages found for session")
)

// batch carries the data of one RunOnce invocation through the state machine.
type batch struct {
	p        *Processor
	owner    string
	claimed  bool
	pending  []int64
	messages []store.Message
	handled  []int64
	skips    []store.Skip
	result   RunResult
	err      error
}

// newBatchMachine wires the run lifecycle. Every OnEntry action finishes by firing
// the next trigger; in the default queued firing mode those triggers are handled
// after the action returns, so one Fire of triggerStart drives the run to a
// terminal state.
func newBatchMachine(b *batch) *stateless.StateMachine {
	fsm := stateless.NewStateMachine(stateIdle)

	fail := func(ctx context.Context, err error) error {
		b.err = err
		return fsm.FireCtx(ctx, triggerFail)
	}

	// hold refreshes the claim. Losing it means another run took over after the
	// TTL lapsed; committing now would double-process its work.
	hold := func(ctx context.Context) error {
		ok, err := b.p.store.Claim(ctx, b.owner, b.p.lockTTL)
		if err != nil {
			return err
		}
		if !ok {
			return ErrLockLost
		}
		return nil
	}

	fsm.Configure(stateIdle).
		Permit(triggerStart, stateClaiming)

	// Claiming: take the single-row processing lock.
	fsm.Configure(stateClaiming).
		OnEntry(func(ctx context.Context, _ ...any) error {
			ok, err := b.p.store.Claim(ctx, b.owner, b.p.lockTTL)
			if err != nil {
				return fail(ctx, err)
			}
			if !ok {
				return fail(ctx, ErrBusy)
			}
			b.claimed = true
			return fsm.FireCtx(ctx, triggerClaimed)
		}).
		Permit(triggerClaimed, stateCollecting).
		Permit(triggerFail, stateFailed)

	// Collecting: read the pending ids and join them to their messages.
	fsm.Configure(stateCollecting).
		OnEntry(func(ctx context.Context, _ ...any) error {
			pending, err := b.p.store.ListPending(ctx)
			if err != nil {
				return fail(ctx, err)
			}
			b.pending = pending
			b.result.TotalUnprocessed = len(pending)
			metrics.QueuePending.Set(float64(len(pending)))
			if len(pending) == 0 {
				return fsm.FireCtx(ctx, triggerNoWork)
			}

			msgs, err := b.p.store.GetMessagesByIDs(ctx, pending)
			if err != nil {
				return fail(ctx, err)
			}
			b.messages = msgs
			b.result.TotalRetrieved = len(msgs)

			found := make(map[int64]struct{}, len(msgs))
			for _, m := range msgs {
				found[m.ID] = struct{}{}
			}
			for _, id := range pending {
				if _, ok := found[id]; ok {
					continue
				}
				// Queue entry outlived its message (session deleted); retire it.
				b.p.log.Warn("queue entry without message", "batch_id", b.result.BatchID, "message_id", id)
				b.handled = append(b.handled, id)
				b.result.Orphaned++
				metrics.MessagesTotal.WithLabelValues(pathQueue, outcomeOrphaned.String()).Inc()
			}
			return fsm.FireCtx(ctx, triggerCollected)
		}).
		Permit(triggerCollected, stateAnalyzing).
		Permit(triggerNoWork, stateDone).
		Permit(triggerFail, stateFailed)

	// Analyzing: one message at a time, in ascending id order.
	fsm.Configure(stateAnalyzing).
		OnEntry(func(ctx context.Context, _ ...any) error {
			for i, msg := range b.messages {
				if err := ctx.Err(); err != nil {
					// Leave the rest pending; the next run picks them up.
					return fail(ctx, fmt.Errorf("batch interrupted: %w", err))
				}
				if err := hold(ctx); err != nil {
					return fail(ctx, err)
				}
				switch out := b.p.process(ctx, msg, i+1, b.p.queueRoles, pathQueue); out {
				case outcomeAnalyzed:
					b.result.ProcessedCount++
				case outcomeFiltered, outcomeEmpty:
					b.result.Skipped++
					b.skips = append(b.skips, store.Skip{MessageID: msg.ID, Reason: out.String()})
				case outcomeFailed:
					b.result.Failed++
				}
				b.handled = append(b.handled, msg.ID)
			}
			return fsm.FireCtx(ctx, triggerAnalyzed)
		}).
		Permit(triggerAnalyzed, stateCommitting).
		Permit(triggerFail, stateFailed)

	// Committing: retire handled entries, then drop retired rows.
	fsm.Configure(stateCommitting).
		OnEntry(func(ctx context.Context, _ ...any) error {
			if err := hold(ctx); err != nil {
				return fail(ctx, err)
			}
			if err := b.p.store.RecordSkipped(ctx, b.skips); err != nil {
				return fail(ctx, err)
			}
			if err := b.p.store.MarkProcessed(ctx, b.handled); err != nil {
				return fail(ctx, err)
			}
			b.result.MarkedProcessed = len(b.handled)

			cleared, err := b.p.store.ClearProcessed(ctx)
			if err != nil {
				b.p.log.Error("failed to clear processed queue entries", "batch_id", b.result.BatchID, "error", err)
			}
			b.result.Cleared = cleared
			return fsm.FireCtx(ctx, triggerCommitted)
		}).
		Permit(triggerCommitted, stateDone).
		Permit(triggerFail, stateFailed)

	fsm.Configure(stateDone)
	fsm.Configure(stateFailed)

	return fsm
}

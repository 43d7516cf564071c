package pipeline

import (
	"context"
	"time"
)

// Schedule calls RunOnce every interval until ctx is done. Runs never overlap
// within one process; across processes the claim lock serializes them.
func (p *Processor) Schedule(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	p.log.Info("periodic analytics enabled", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.log.Info("periodic analytics stopped")
			return
		case <-ticker.C:
			res := p.RunOnce(ctx)
			if !res.Success && res.TotalUnprocessed > 0 {
				p.log.Warn("scheduled batch did not succeed", "batch_id", res.BatchID, "error", res.Error)
			}
		}
	}
}

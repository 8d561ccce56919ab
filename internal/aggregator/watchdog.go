package aggregator

import (
	"context"
	"time"

	"chat-sync-core/internal/model"
)

// RunWatchdog force-fails streams that stall mid-delivery, so a dropped
// connection never leaves a permanently "typing" message. Blocks until ctx
// is cancelled; run it on its own goroutine.
func (a *Aggregator) RunWatchdog(ctx context.Context) {
	ticker := time.NewTicker(a.opts.WatchdogSweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweepStalledStreams(time.Now())
		}
	}
}

func (a *Aggregator) sweepStalledStreams(now time.Time) {
	a.mutate(func() bool {
		changed := false
		for _, msg := range a.transcript.entries {
			stream := msg.Stream
			if stream == nil {
				continue
			}
			if stream.Status != model.StreamPending && stream.Status != model.StreamStreaming {
				continue
			}
			last := stream.LastChunkAt
			if last.IsZero() {
				last = stream.StartedAt
			}
			if now.Sub(last) < a.opts.WatchdogTimeout {
				continue
			}
			ended := now
			stream.Status = model.StreamFailed
			stream.EndedAt = &ended
			changed = true
			a.logger.Warn("Aggregator", "Stream stalled, marked failed by watchdog", map[string]interface{}{
				"messageId":   msg.Id,
				"partialText": stream.AssembledText,
			})
		}
		return changed
	})
}

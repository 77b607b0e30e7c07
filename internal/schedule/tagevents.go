package schedule

import (
	"context"

	"go.uber.org/zap"

	"github.com/vaultedge/coreledger/internal/outbox"
	"github.com/vaultedge/coreledger/pkg/messaging"
)

// TagEventEmitter returns a listener that publishes the single tag-completion
// notification on the bus through the durable outbox.
func TagEventEmitter(ob *outbox.Outbox, clock Clock, logger *zap.Logger) TagListener {
	if clock == nil {
		clock = RealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(tag string, jobs []*Job) {
		failed := 0
		for _, j := range jobs {
			if j.Status == StatusFailed {
				failed++
			}
		}
		if err := ob.Emit(context.Background(), messaging.EventTypeTagCompleted, tag,
			messaging.TagCompletedEvent{
				Tag:         tag,
				Jobs:        len(jobs),
				Failed:      failed,
				CompletedAt: clock.Now(),
			}); err != nil {
			logger.Error("failed to enqueue tag completion event",
				zap.String("tag", tag), zap.Error(err))
		}
	}
}

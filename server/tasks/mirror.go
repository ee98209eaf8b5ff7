package tasks

import (
	"log/slog"

	"github.com/asaskevich/EventBus"
	"github.com/snapload/snapload/server/internal/progress"
)

// SubscribeProgress mirrors bus progress updates into the task records,
// best effort: a failing write must never reach the engine.
func (r *Repository) SubscribeProgress(bus EventBus.Bus) error {
	return bus.SubscribeAsync(progress.TopicProgress, func(u progress.Update) {
		err := r.MarkStatus(u.SessionID, string(u.Snapshot.Status), u.Snapshot.Message, u.Snapshot)
		if err != nil {
			slog.Debug("progress mirror failed",
				slog.String("id", u.SessionID),
				slog.String("err", err.Error()),
			)
		}
	}, false)
}

package pipeline

import (
	"context"
	"errors"

	"calnotify/internal/eventbus"
	"calnotify/internal/notifier"
	"calnotify/internal/storage"
	"calnotify/pkg/logx"
)

// TrackRetries consumes notifier.dispatched events and settles the queue
// rows of retried summary and conflict messages. Rows are keyed by the root
// message id, so "<root>_retry_<n>" results update "<root>:<channel>". It
// returns when ctx ends or events is closed.
func (p *Runner) TrackRetries(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			ev, ok := e.Data.(notifier.DispatchEvent)
			if !ok || !ev.IsRetry() {
				continue
			}
			p.recordRetry(ctx, ev)
		}
	}
}

func (p *Runner) recordRetry(ctx context.Context, ev notifier.DispatchEvent) {
	if p.store == nil {
		return
	}
	switch ev.Kind {
	case notifier.KindSummary, notifier.KindConflict:
	default:
		return
	}
	log := p.log.With(logx.String("message_id", ev.MessageID), logx.String("original_id", ev.OriginalID))
	for _, d := range ev.Results {
		id := ev.OriginalID + ":" + d.Channel
		err := p.store.UpdateNotificationStatus(ctx, id, notificationStatus(d.Status), d.Error)
		if errors.Is(err, storage.ErrNotFound) {
			log.Debug("retried notification has no queue row", logx.String("id", id))
			continue
		}
		if err != nil {
			log.Warn("record retry failed", logx.String("channel", d.Channel), logx.Err(err))
		}
		p.appendNotifyLog(ctx, log, ev.EventID, d)
	}
	log.Info("retry outcome recorded", logx.Int("successful", ev.Successful), logx.Int("undelivered", len(ev.Channels)))
}

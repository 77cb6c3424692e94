package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"calnotify/internal/eventbus"
	"calnotify/internal/notifier"
	"calnotify/internal/reconcile"
	"calnotify/internal/storage"
	"calnotify/internal/summary"
	"calnotify/pkg/logx"
)

// dispatcher is the part of *notifier.Dispatcher used for alerts.
type dispatcher interface {
	Dispatch(ctx context.Context, msg notifier.Message) notifier.Result
}

// alertSender is the logx alert sink: it forwards rendered log records to a
// single notification channel. Alert messages are never retried.
type alertSender struct {
	disp    dispatcher
	channel string
}

var _ logx.AlertSender = (*alertSender)(nil)

func (s *alertSender) Alert(ctx context.Context, text string) error {
	res := s.disp.Dispatch(ctx, notifier.Message{
		ID:        "alert_" + uuid.NewString(),
		Title:     "calnotify alert",
		Content:   text,
		Priority:  notifier.PriorityHigh,
		Channels:  []string{s.channel},
		Metadata:  map[string]string{notifier.MetaKind: notifier.KindAlert},
		CreatedAt: time.Now(),
	})
	if res.Successful == 0 {
		return errors.New("alert not delivered: " + res.Summary())
	}
	return nil
}

// reviewer turns manual-review conflicts into a sync log entry and a
// high-priority notification.
type reviewer struct {
	disp       dispatcher
	store      storage.Store
	log        logx.Logger
	loc        *time.Location
	channels   []string
	maxRetries int
}

func (r *reviewer) loop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			c, ok := e.Data.(reconcile.EventConflict)
			if !ok {
				continue
			}
			r.handle(ctx, c)
		}
	}
}

func (r *reviewer) handle(ctx context.Context, c reconcile.EventConflict) {
	if r.store != nil {
		err := r.store.AppendSyncLog(ctx, storage.SyncLog{
			EventID: c.SourceAID,
			Action:  storage.ActionConflict,
			Source:  "source_a",
			Target:  "source_b",
			Status:  storage.SyncConflict,
			Error:   c.Summary(),
		})
		if err != nil {
			r.log.Warn("append conflict log failed", logx.String("event_id", c.SourceAID), logx.Err(err))
		}
	}

	prio := notifier.PriorityHigh
	if c.Critical() {
		prio = notifier.PriorityUrgent
	}
	now := time.Now()
	title, content := summary.Conflict(c, r.loc)
	msg := notifier.Message{
		ID:         fmt.Sprintf("conflict_%s_%s_%s", c.SourceAID, c.SourceBID, strconv.FormatInt(now.Unix(), 10)),
		Title:      title,
		Content:    content,
		Priority:   prio,
		Channels:   r.channels,
		MaxRetries: r.maxRetries,
		Metadata:   map[string]string{notifier.MetaKind: notifier.KindConflict, notifier.MetaEventID: c.SourceAID},
		CreatedAt:  now,
	}
	res := r.disp.Dispatch(ctx, msg)
	if res.Successful == 0 {
		r.log.Warn("conflict alert not delivered", logx.String("source_a_id", c.SourceAID), logx.String("summary", res.Summary()))
	}
	r.record(ctx, msg, c.SourceAID, res)
}

func (r *reviewer) record(ctx context.Context, msg notifier.Message, eventID string, res notifier.Result) {
	if r.store == nil {
		return
	}
	for _, d := range res.Channels {
		id := msg.ID + ":" + d.Channel
		_, err := r.store.AddNotification(ctx, storage.QueuedNotification{
			ID:          id,
			EventID:     eventID,
			Type:        storage.TypeConflictAlert,
			Channel:     d.Channel,
			Priority:    msg.Priority.String(),
			Title:       msg.Title,
			Content:     msg.Content,
			ScheduledAt: msg.CreatedAt,
		})
		if err != nil {
			r.log.Warn("record conflict alert failed", logx.String("channel", d.Channel), logx.Err(err))
			continue
		}
		status := storage.NotificationFailed
		if d.Status == notifier.StatusSuccess {
			status = storage.NotificationSent
		}
		if err := r.store.UpdateNotificationStatus(ctx, id, status, d.Error); err != nil {
			r.log.Warn("record conflict alert failed", logx.String("channel", d.Channel), logx.Err(err))
		}
	}
}

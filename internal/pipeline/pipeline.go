// Package pipeline runs one sync pass: load the collector exports,
// reconcile them, persist the result, format the daily summary, dispatch it
// and record what happened. It also drains the persisted reminder queue.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"calnotify/internal/eventbus"
	"calnotify/internal/notifier"
	"calnotify/internal/reconcile"
	"calnotify/internal/source"
	"calnotify/internal/storage"
	"calnotify/internal/summary"
	"calnotify/pkg/logx"
)

// DefaultReminderHorizon is how far ahead reminders are queued. Runs are
// expected at least daily.
const DefaultReminderHorizon = 36 * time.Hour

const drainBatch = 50

type Dispatcher interface {
	Dispatch(ctx context.Context, msg notifier.Message) notifier.Result
	Channels() []string
}

type Resolver interface {
	Resolve(ctx context.Context, eventsA, eventsB []reconcile.EventRecord) (reconcile.Report, error)
}

// Loader reads one collector export.
type Loader func(path string) ([]reconcile.EventRecord, error)

type Config struct {
	SourceA string
	SourceB string
	// Reconcile enables conflict resolution against SourceB.
	Reconcile bool
	Location  *time.Location

	SummaryChannels []string
	SummaryPriority notifier.Priority
	MaxEvents       int
	// MaxRetries is the in-memory retry budget of the summary message.
	MaxRetries int

	Reminders        []time.Duration
	ReminderChannels []string
	ReminderHorizon  time.Duration
	// MaxAttempts bounds queue deliveries of one notification.
	MaxAttempts int
}

// Report describes one sync run.
type Report struct {
	RunID        string          `json:"run_id"`
	StartedAt    time.Time       `json:"started_at"`
	Duration     time.Duration   `json:"duration"`
	EventsA      int             `json:"events_a"`
	EventsB      int             `json:"events_b"`
	Events       int             `json:"events"`
	Conflicts    int             `json:"conflicts"`
	Resolved     int             `json:"resolved"`
	ManualReview int             `json:"manual_review"`
	Stored       int             `json:"stored"`
	StoreErrors  int             `json:"store_errors"`
	Reminders    int             `json:"reminders_queued"`
	Dispatch     notifier.Result `json:"dispatch"`
	Error        string          `json:"error,omitempty"`
}

type Stats struct {
	Runs     uint64  `json:"runs"`
	Failures uint64  `json:"failures"`
	Drained  uint64  `json:"drained"`
	Last     *Report `json:"last,omitempty"`
}

type Option func(*Runner)

func WithResolver(r Resolver) Option { return func(p *Runner) { p.resolver = r } }

// WithStore enables persistence. A nil store keeps the runner stateless.
func WithStore(s storage.Store) Option { return func(p *Runner) { p.store = s } }

func WithBus(b eventbus.Bus) Option {
	return func(p *Runner) {
		if b != nil {
			p.bus = b
		}
	}
}

func WithLoader(l Loader) Option {
	return func(p *Runner) {
		if l != nil {
			p.load = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Runner) {
		if now != nil {
			p.now = now
		}
	}
}

// Runner serializes sync runs. Run and DrainPending may be called from cron
// jobs concurrently; each holds its own lock.
type Runner struct {
	cfg      Config
	log      logx.Logger
	disp     Dispatcher
	resolver Resolver
	store    storage.Store
	bus      eventbus.Bus
	load     Loader
	now      func() time.Time

	runMu   sync.Mutex
	drainMu sync.Mutex

	runs     atomic.Uint64
	failures atomic.Uint64
	drained  atomic.Uint64
	last     atomic.Pointer[Report]
}

func New(cfg Config, disp Dispatcher, log logx.Logger, opts ...Option) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.SummaryPriority == 0 {
		cfg.SummaryPriority = notifier.PriorityNormal
	}
	if cfg.ReminderHorizon <= 0 {
		cfg.ReminderHorizon = DefaultReminderHorizon
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	p := &Runner{
		cfg:  cfg,
		log:  log,
		disp: disp,
		bus:  eventbus.Nop(),
		load: source.LoadFile,
		now:  time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run executes one sync pass. Load and reconcile failures abort the run;
// storage failures are logged and counted but do not stop delivery.
func (p *Runner) Run(ctx context.Context) (Report, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	now := p.now()
	rep := Report{RunID: uuid.NewString(), StartedAt: now}
	log := p.log.With(logx.String("run_id", rep.RunID))
	log.Info("sync run started", logx.String("source_a", p.cfg.SourceA), logx.Bool("reconcile", p.reconciling()))

	err := p.run(ctx, log, now, &rep)
	rep.Duration = p.now().Sub(now)
	p.runs.Add(1)
	if err != nil {
		p.failures.Add(1)
		rep.Error = err.Error()
		log.Error("sync run failed", logx.Err(err), logx.Duration("took", rep.Duration))
	} else {
		log.Info("sync run completed",
			logx.Int("events", rep.Events),
			logx.Int("conflicts", rep.Conflicts),
			logx.Int("manual_review", rep.ManualReview),
			logx.Int("reminders", rep.Reminders),
			logx.String("dispatch", rep.Dispatch.Summary()),
			logx.Duration("took", rep.Duration),
		)
	}
	p.last.Store(&rep)
	p.bus.Publish(eventbus.Event{Type: eventbus.TypeSyncCompleted, Data: rep})
	return rep, err
}

func (p *Runner) reconciling() bool {
	return p.cfg.Reconcile && p.resolver != nil && p.cfg.SourceB != ""
}

func (p *Runner) run(ctx context.Context, log logx.Logger, now time.Time, rep *Report) error {
	eventsA, err := p.load(p.cfg.SourceA)
	if err != nil {
		return fmt.Errorf("load source a: %w", err)
	}
	rep.EventsA = len(eventsA)
	events := eventsA

	status := map[string]storage.SyncStatus{}
	if p.reconciling() {
		eventsB, err := p.load(p.cfg.SourceB)
		if err != nil {
			return fmt.Errorf("load source b: %w", err)
		}
		rep.EventsB = len(eventsB)

		rr, err := p.resolver.Resolve(ctx, eventsA, eventsB)
		if err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
		events = rr.Events
		rep.Conflicts, rep.Resolved, rep.ManualReview = len(rr.Conflicts), rr.Resolved, rr.ManualReview
		for _, c := range rr.Conflicts {
			if c.State == reconcile.StateManualReview {
				status[c.SourceAID] = storage.SyncConflict
			}
		}
	}
	rep.Events = len(events)
	if err := ctx.Err(); err != nil {
		return err
	}

	p.persistEvents(ctx, log, events, status, rep)

	title, content := summary.Daily(now, events, summary.Options{Location: p.cfg.Location, MaxEvents: p.cfg.MaxEvents})
	msg := notifier.Message{
		ID:         "summary_" + now.In(p.cfg.Location).Format("20060102") + "_" + rep.RunID[:8],
		Title:      title,
		Content:    content,
		Priority:   p.cfg.SummaryPriority,
		Channels:   p.cfg.SummaryChannels,
		MaxRetries: p.cfg.MaxRetries,
		Metadata:   map[string]string{notifier.MetaKind: notifier.KindSummary},
		CreatedAt:  now,
	}
	rep.Dispatch = p.disp.Dispatch(ctx, msg)
	p.recordDeliveries(ctx, log, msg, storage.TypeDailySummary, "", rep.Dispatch)

	rep.Reminders = p.queueReminders(ctx, log, events, now)
	return nil
}

func (p *Runner) persistEvents(ctx context.Context, log logx.Logger, events []reconcile.EventRecord, status map[string]storage.SyncStatus, rep *Report) {
	if p.store == nil {
		return
	}
	for _, e := range events {
		st, ok := status[e.ID]
		if !ok {
			st = storage.SyncSuccess
		}
		err := p.store.StoreEvent(ctx, storage.StoredEvent{
			ID:          e.ID,
			Title:       e.Title,
			Start:       e.Start,
			End:         e.End,
			AllDay:      e.AllDay,
			Description: e.Description,
			Location:    e.Location,
			LinkedID:    e.LinkedID,
			SyncStatus:  st,
		})
		if err != nil {
			rep.StoreErrors++
			log.Warn("store event failed", logx.String("event_id", e.ID), logx.Err(err))
			continue
		}
		rep.Stored++
	}
}

// recordDeliveries persists one queue row and one sync log entry per channel
// result of an immediate dispatch.
func (p *Runner) recordDeliveries(ctx context.Context, log logx.Logger, msg notifier.Message, kind, eventID string, res notifier.Result) {
	if p.store == nil {
		return
	}
	for _, d := range res.Channels {
		id := msg.ID + ":" + d.Channel
		_, err := p.store.AddNotification(ctx, storage.QueuedNotification{
			ID:          id,
			EventID:     eventID,
			Type:        kind,
			Channel:     d.Channel,
			Priority:    msg.Priority.String(),
			Title:       msg.Title,
			Content:     msg.Content,
			ScheduledAt: msg.CreatedAt,
		})
		if err == nil {
			err = p.store.UpdateNotificationStatus(ctx, id, notificationStatus(d.Status), d.Error)
		}
		if err != nil {
			log.Warn("record notification failed", logx.String("channel", d.Channel), logx.Err(err))
		}
		p.appendNotifyLog(ctx, log, eventID, d)
	}
}

func (p *Runner) appendNotifyLog(ctx context.Context, log logx.Logger, eventID string, d notifier.DeliveryResult) {
	st := storage.SyncSuccess
	if d.Status != notifier.StatusSuccess {
		st = storage.SyncFailed
	}
	err := p.store.AppendSyncLog(ctx, storage.SyncLog{
		EventID: eventID,
		Action:  storage.ActionNotify,
		Source:  "dispatcher",
		Target:  d.Channel,
		Status:  st,
		Error:   d.Error,
		At:      d.AttemptedAt,
	})
	if err != nil {
		log.Warn("append sync log failed", logx.String("channel", d.Channel), logx.Err(err))
	}
}

func notificationStatus(s notifier.Status) storage.NotificationStatus {
	if s == notifier.StatusSuccess {
		return storage.NotificationSent
	}
	return storage.NotificationFailed
}

// queueReminders schedules one pending notification per (event, lead,
// channel) for timed events starting within the horizon. Ids are
// deterministic so repeated runs do not duplicate or requeue them.
func (p *Runner) queueReminders(ctx context.Context, log logx.Logger, events []reconcile.EventRecord, now time.Time) int {
	if p.store == nil || len(p.cfg.Reminders) == 0 {
		return 0
	}
	channels := p.cfg.ReminderChannels
	if len(channels) == 0 {
		channels = p.disp.Channels()
	}
	horizon := now.Add(p.cfg.ReminderHorizon)

	queued := 0
	for _, e := range events {
		if e.AllDay || e.Start.IsZero() || !e.Start.After(now) || e.Start.After(horizon) {
			continue
		}
		for _, lead := range p.cfg.Reminders {
			at := e.Start.Add(-lead)
			if at.Before(now) {
				continue
			}
			title, content := summary.Reminder(e, lead, p.cfg.Location)
			for _, ch := range channels {
				_, err := p.store.AddNotification(ctx, storage.QueuedNotification{
					ID:          reminderID(e, lead, ch),
					EventID:     e.ID,
					Type:        storage.TypeReminder,
					Channel:     ch,
					Priority:    notifier.PriorityNormal.String(),
					Title:       title,
					Content:     content,
					ScheduledAt: at,
				})
				if err != nil {
					log.Warn("queue reminder failed", logx.String("event_id", e.ID), logx.String("channel", ch), logx.Err(err))
					continue
				}
				queued++
			}
		}
	}
	return queued
}

func reminderID(e reconcile.EventRecord, lead time.Duration, channel string) string {
	return fmt.Sprintf("reminder_%s_%d_%s_%s", e.ID, e.Start.Unix(), lead, channel)
}

// DrainPending delivers due notifications from the queue. A failed delivery
// stays pending until it has used MaxAttempts.
func (p *Runner) DrainPending(ctx context.Context) (int, error) {
	if p.store == nil {
		return 0, storage.ErrDisabled
	}
	p.drainMu.Lock()
	defer p.drainMu.Unlock()

	pending, err := p.store.GetPendingNotifications(ctx, drainBatch)
	if err != nil {
		return 0, fmt.Errorf("pending notifications: %w", err)
	}
	sent := 0
	for _, n := range pending {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		prio, err := notifier.ParsePriority(n.Priority)
		if err != nil {
			p.log.Warn("queued notification has unknown priority", logx.String("id", n.ID), logx.String("priority", n.Priority))
		}
		msg := notifier.Message{
			ID:        n.ID,
			Title:     n.Title,
			Content:   n.Content,
			Priority:  prio,
			Channels:  []string{n.Channel},
			Metadata:  map[string]string{notifier.MetaKind: n.Type},
			CreatedAt: n.CreatedAt,
		}
		res := p.disp.Dispatch(ctx, msg)

		status, errText := storage.NotificationFailed, "no deliverable channel"
		if len(res.Channels) > 0 {
			d := res.Channels[0]
			status, errText = notificationStatus(d.Status), d.Error
			p.appendNotifyLog(ctx, p.log, n.EventID, d)
		}
		if status == storage.NotificationSent {
			sent++
		} else if n.Attempts+1 < p.cfg.MaxAttempts {
			status = storage.NotificationPending
		}
		if err := p.store.UpdateNotificationStatus(ctx, n.ID, status, errText); err != nil && !errors.Is(err, storage.ErrNotFound) {
			p.log.Warn("update notification failed", logx.String("id", n.ID), logx.Err(err))
		}
	}
	p.drained.Add(uint64(sent))
	if len(pending) > 0 {
		p.log.Info("pending notifications drained", logx.Int("due", len(pending)), logx.Int("sent", sent))
	}
	return sent, nil
}

func (p *Runner) Stats() Stats {
	return Stats{
		Runs:     p.runs.Load(),
		Failures: p.failures.Load(),
		Drained:  p.drained.Load(),
		Last:     p.last.Load(),
	}
}

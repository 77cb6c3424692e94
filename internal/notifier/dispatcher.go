package notifier

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"calnotify/internal/eventbus"
	rtsup "calnotify/internal/runtime/supervisor"
	"calnotify/pkg/logx"
)

// Config controls dispatch fan-out and the retry loop.
type Config struct {
	// MaxConcurrentDeliveries bounds in-flight sends across all dispatches.
	MaxConcurrentDeliveries int
	// PrimaryChannels are the only channels that receive low priority messages.
	PrimaryChannels []string
	// BackoffBase is raised to the retry count to get the retry delay in seconds.
	BackoffBase float64
	MaxBackoff  time.Duration
	Jitter      bool
	// RetryQueueSize bounds pending retries. Zero means unbounded.
	RetryQueueSize int
	PollInterval   time.Duration
	ErrorCooldown  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentDeliveries <= 0 {
		c.MaxConcurrentDeliveries = 10
	}
	if c.PrimaryChannels == nil {
		c.PrimaryChannels = []string{"line"}
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2.0
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ErrorCooldown <= 0 {
		c.ErrorCooldown = 5 * time.Second
	}
	return c
}

// Dispatcher owns the channel registry and the retry queue.
//
// It is safe for concurrent use.
type Dispatcher struct {
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	sem     *semaphore.Weighted
	now     func() time.Time
	metrics Metrics

	mu       sync.RWMutex
	channels map[string]Channel
	primary  map[string]struct{}

	retries *retryQueue
	// pending counts retries from a successful push until their dispatch
	// returns, so it includes the one waiting out its backoff.
	pending atomic.Int64

	// lifecycle, guarded by lmu
	lmu      sync.Mutex
	sup      *rtsup.Supervisor
	stopping bool

	messages    atomic.Uint64
	deliveries  atomic.Uint64
	successful  atomic.Uint64
	failed      atomic.Uint64
	rateLimited atomic.Uint64
	queued      atomic.Uint64
	dropped     atomic.Uint64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Dispatcher {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	d := &Dispatcher{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentDeliveries)),
		now:      time.Now,
		metrics:  nopMetrics{},
		channels: map[string]Channel{},
		primary:  map[string]struct{}{},
		retries:  newRetryQueue(cfg.RetryQueueSize),
	}
	for _, o := range opts {
		o(d)
	}
	for _, name := range cfg.PrimaryChannels {
		d.primary[name] = struct{}{}
	}
	return d
}

// Register adds ch under its name, replacing any channel with the same name.
func (d *Dispatcher) Register(ch Channel) {
	if ch == nil {
		return
	}
	d.mu.Lock()
	_, replaced := d.channels[ch.Name()]
	d.channels[ch.Name()] = ch
	d.mu.Unlock()

	if replaced {
		d.log.Warn("notification channel replaced", logx.String("channel", ch.Name()))
		return
	}
	d.log.Info("notification channel registered", logx.String("channel", ch.Name()))
}

// Channels returns the registered channel names, sorted.
func (d *Dispatcher) Channels() []string {
	d.mu.RLock()
	out := make([]string, 0, len(d.channels))
	for name := range d.channels {
		out = append(out, name)
	}
	d.mu.RUnlock()
	sort.Strings(out)
	return out
}

// targets resolves the channels msg should go to, preserving the requested
// order and dropping unknown or duplicate names.
func (d *Dispatcher) targets(msg Message) []Channel {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var names []string
	if len(msg.Channels) > 0 {
		names = make([]string, 0, len(msg.Channels))
		for _, n := range msg.Channels {
			if _, ok := d.channels[n]; ok && !slices.Contains(names, n) {
				names = append(names, n)
			}
		}
	} else {
		names = make([]string, 0, len(d.channels))
		for n := range d.channels {
			names = append(names, n)
		}
		sort.Strings(names)
	}

	out := make([]Channel, 0, len(names))
	for _, n := range names {
		if msg.Priority == PriorityLow {
			if _, ok := d.primary[n]; !ok {
				continue
			}
		}
		out = append(out, d.channels[n])
	}
	return out
}

// Dispatch sends msg to its target channels concurrently and returns the
// aggregated result. It never fails; per-channel errors are in the result.
// Undelivered channels are queued for retry while msg.ShouldRetry().
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) Result {
	start := d.now()
	log := d.log.With(logx.String("message_id", msg.ID))

	targets := d.targets(msg)
	res := Result{MessageID: msg.ID, TotalChannels: len(targets)}
	if len(targets) == 0 {
		fields := []logx.Field{logx.Strings("requested", msg.Channels), logx.String("priority", msg.Priority.String())}
		// Alert messages come from the log sink; a warning here would feed it.
		if msg.Metadata[MetaKind] == KindAlert {
			log.Debug("no valid channels for message", fields...)
		} else {
			log.Warn("no valid channels for message", fields...)
		}
		res.Duration = d.now().Sub(start)
		return res
	}

	log.Info("dispatching message", logx.Int("channels", len(targets)), logx.String("priority", msg.Priority.String()))

	res.Channels = make([]DeliveryResult, len(targets))
	var wg sync.WaitGroup
	for i, ch := range targets {
		wg.Add(1)
		go func(i int, ch Channel) {
			defer wg.Done()
			res.Channels[i] = d.deliver(ctx, ch, msg)
		}(i, ch)
	}
	wg.Wait()

	for _, r := range res.Channels {
		d.metrics.ObserveDelivery(r)
		switch r.Status {
		case StatusSuccess:
			res.Successful++
		case StatusFailed:
			res.Failed++
		case StatusRateLimited:
			res.RateLimited++
		}
	}
	res.Duration = d.now().Sub(start)

	d.messages.Add(1)
	d.deliveries.Add(uint64(len(res.Channels)))
	d.successful.Add(uint64(res.Successful))
	d.failed.Add(uint64(res.Failed))
	d.rateLimited.Add(uint64(res.RateLimited))

	log.Info("dispatch completed", logx.String("summary", res.Summary()), logx.Duration("took", res.Duration))
	d.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatched, Data: DispatchEvent{
		MessageID:   msg.ID,
		OriginalID:  msg.Metadata[MetaOriginalID],
		Kind:        msg.Metadata[MetaKind],
		EventID:     msg.Metadata[MetaEventID],
		Successful:  res.Successful,
		Failed:      res.Failed,
		RateLimited: res.RateLimited,
		Channels:    res.Undelivered(),
		Results:     slices.Clone(res.Channels),
		At:          d.now(),
	}})

	d.scheduleRetry(msg, res)
	return res
}

// deliver runs one channel send under the global concurrency bound. A panic
// becomes a Failed result so one channel cannot break the dispatch.
func (d *Dispatcher) deliver(ctx context.Context, ch Channel, msg Message) (res DeliveryResult) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("channel send panicked", logx.String("channel", ch.Name()), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			res = DeliveryResult{
				Channel:     ch.Name(),
				MessageID:   msg.ID,
				Status:      StatusFailed,
				AttemptedAt: d.now(),
				Error:       fmt.Sprintf("panic: %v", r),
			}
		}
	}()

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return DeliveryResult{
			Channel:     ch.Name(),
			MessageID:   msg.ID,
			Status:      StatusFailed,
			AttemptedAt: d.now(),
			Error:       err.Error(),
		}
	}
	defer d.sem.Release(1)
	return ch.SendWithRateLimit(ctx, msg)
}

// retryMessage builds the follow-up message for the undelivered channels.
// MetaOriginalID keeps pointing at the first message of the chain.
func retryMessage(msg Message, channels []string) Message {
	meta := make(map[string]string, len(msg.Metadata)+1)
	for k, v := range msg.Metadata {
		meta[k] = v
	}
	if meta[MetaOriginalID] == "" {
		meta[MetaOriginalID] = msg.ID
	}
	n := msg.RetryCount + 1
	return Message{
		ID:         msg.ID + "_retry_" + strconv.Itoa(n),
		Content:    msg.Content,
		Title:      msg.Title,
		Priority:   msg.Priority,
		Channels:   channels,
		RetryCount: n,
		MaxRetries: msg.MaxRetries,
		Metadata:   meta,
		CreatedAt:  msg.CreatedAt,
	}
}

func (d *Dispatcher) scheduleRetry(msg Message, res Result) {
	if !msg.ShouldRetry() {
		return
	}
	undelivered := res.Undelivered()
	if len(undelivered) == 0 {
		return
	}
	rm := retryMessage(msg, undelivered)

	d.lmu.Lock()
	stopping := d.stopping
	d.lmu.Unlock()

	err := ErrStopped
	if !stopping {
		d.pending.Add(1)
		if err = d.retries.push(rm); err != nil {
			d.pending.Add(-1)
		}
	}
	if err != nil {
		d.dropped.Add(1)
		d.metrics.RetryDropped()
		d.log.Warn("retry dropped", logx.String("message_id", msg.ID), logx.Err(err))
		d.bus.Publish(eventbus.Event{Type: eventbus.TypeRetryDropped, Data: d.retryEvent(rm, undelivered, err)})
		return
	}
	d.queued.Add(1)
	d.metrics.SetRetryQueueDepth(d.retries.len())
	d.log.Info("queued retry", logx.String("message_id", msg.ID), logx.String("retry_id", rm.ID), logx.Strings("channels", undelivered))
	d.bus.Publish(eventbus.Event{Type: eventbus.TypeRetryScheduled, Data: d.retryEvent(rm, undelivered, nil)})
}

func (d *Dispatcher) retryEvent(rm Message, channels []string, err error) DispatchEvent {
	ev := DispatchEvent{
		MessageID:  rm.ID,
		OriginalID: rm.Metadata[MetaOriginalID],
		Kind:       rm.Metadata[MetaKind],
		EventID:    rm.Metadata[MetaEventID],
		Channels:   channels,
		At:         d.now(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// PendingRetries returns the number of retries not yet settled: queued ones
// plus the one the retry loop is backing off or dispatching.
func (d *Dispatcher) PendingRetries() int { return int(d.pending.Load()) }

// Idle reports whether no retry is queued or in flight.
func (d *Dispatcher) Idle() bool { return d.pending.Load() == 0 }

func (d *Dispatcher) Stats() DispatcherStats {
	d.mu.RLock()
	chans := make([]Channel, 0, len(d.channels))
	for _, ch := range d.channels {
		chans = append(chans, ch)
	}
	d.mu.RUnlock()
	sort.Slice(chans, func(i, j int) bool { return chans[i].Name() < chans[j].Name() })

	st := DispatcherStats{
		Messages:       d.messages.Load(),
		Deliveries:     d.deliveries.Load(),
		Successful:     d.successful.Load(),
		Failed:         d.failed.Load(),
		RateLimited:    d.rateLimited.Load(),
		RetriesQueued:  d.queued.Load(),
		RetriesDropped: d.dropped.Load(),
		PendingRetries: d.PendingRetries(),
		Running:        d.Running(),
		Channels:       make([]ChannelStats, 0, len(chans)),
	}
	for _, ch := range chans {
		st.Channels = append(st.Channels, ch.Stats())
	}
	return st
}

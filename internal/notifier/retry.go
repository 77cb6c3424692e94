package notifier

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"time"

	rtsup "calnotify/internal/runtime/supervisor"
	"calnotify/pkg/logx"
)

// retryQueue is a FIFO of retry messages with a wakeup signal for the single
// consumer. limit <= 0 means unbounded.
type retryQueue struct {
	mu     sync.Mutex
	items  []Message
	limit  int
	signal chan struct{}
}

func newRetryQueue(limit int) *retryQueue {
	return &retryQueue{limit: limit, signal: make(chan struct{}, 1)}
}

func (q *retryQueue) push(m Message) error {
	q.mu.Lock()
	if q.limit > 0 && len(q.items) >= q.limit {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.items = append(q.items, m)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

func (q *retryQueue) tryPop() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Message{}, false
	}
	m := q.items[0]
	q.items[0] = Message{}
	q.items = q.items[1:]
	return m, true
}

// pop waits up to wait for a message.
func (q *retryQueue) pop(ctx context.Context, wait time.Duration) (Message, bool) {
	if m, ok := q.tryPop(); ok {
		return m, true
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return Message{}, false
	case <-t.C:
		return Message{}, false
	case <-q.signal:
		return q.tryPop()
	}
}

func (q *retryQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// RetryDelay returns base^retryCount seconds, scaled by a random factor in
// [0.8, 1.2] when jitter is set, and capped at maxDelay.
func RetryDelay(base float64, retryCount int, maxDelay time.Duration, jitter bool) time.Duration {
	ns := math.Pow(base, float64(retryCount)) * float64(time.Second)
	if maxDelay <= 0 {
		maxDelay = time.Duration(math.MaxInt64)
	}
	if jitter {
		ns *= 0.8 + rand.Float64()*0.4
	}
	if math.IsNaN(ns) || ns < 0 {
		return 0
	}
	if ns >= float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(ns)
}

// Start launches the retry loop. It is idempotent.
func (d *Dispatcher) Start(ctx context.Context) {
	d.lmu.Lock()
	defer d.lmu.Unlock()
	if d.sup != nil {
		return
	}
	d.stopping = false
	d.sup = rtsup.New(ctx, rtsup.WithLogger(d.log))
	d.sup.GoRestart("retry", d.retryLoop, rtsup.WithPublishFirstError(true))
	d.log.Info("retry processing started")
}

// Stop stops scheduling retries and waits for the retry loop to exit,
// bounded by ctx. A retry waiting on its backoff is abandoned; one that is
// already sending runs to completion under its endpoint timeout.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.lmu.Lock()
	sup := d.sup
	d.sup = nil
	d.stopping = true
	d.lmu.Unlock()

	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	d.log.Info("retry processing stopped", logx.Int("queued", d.retries.len()))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Running reports whether the retry loop is active.
func (d *Dispatcher) Running() bool {
	d.lmu.Lock()
	defer d.lmu.Unlock()
	return d.sup != nil
}

func (d *Dispatcher) retryLoop(ctx context.Context) error {
	for {
		msg, ok := d.retries.pop(ctx, d.cfg.PollInterval)
		if err := ctx.Err(); err != nil {
			if ok {
				d.abandon(msg)
			}
			return err
		}
		if !ok {
			continue
		}
		d.metrics.SetRetryQueueDepth(d.retries.len())

		err := d.processRetry(ctx, msg)
		switch {
		case err == nil:
			d.pending.Add(-1)
		case ctx.Err() != nil:
			d.abandon(msg)
			return ctx.Err()
		default:
			d.pending.Add(-1)
			d.log.Error("retry processing failed", logx.String("message_id", msg.ID), logx.Err(err))
			if !sleepCtx(ctx, d.cfg.ErrorCooldown) {
				return ctx.Err()
			}
		}
	}
}

// abandon settles a popped retry that will not be sent.
func (d *Dispatcher) abandon(msg Message) {
	d.pending.Add(-1)
	d.dropped.Add(1)
	d.metrics.RetryDropped()
	d.log.Info("retry abandoned on shutdown", logx.String("message_id", msg.ID))
}

func (d *Dispatcher) processRetry(ctx context.Context, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("retry panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	delay := RetryDelay(d.cfg.BackoffBase, msg.RetryCount, d.cfg.MaxBackoff, d.cfg.Jitter)
	d.log.Debug("retry backoff", logx.String("message_id", msg.ID), logx.Duration("delay", delay))
	if !sleepCtx(ctx, delay) {
		return ctx.Err()
	}
	// Stop cancels ctx; a send that has started is allowed to finish.
	res := d.Dispatch(context.WithoutCancel(ctx), msg)
	d.log.Info("retry completed", logx.String("message_id", msg.ID), logx.Int("retry", msg.RetryCount), logx.String("summary", res.Summary()))
	return nil
}

// sleepCtx sleeps for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

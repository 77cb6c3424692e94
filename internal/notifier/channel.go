package notifier

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"calnotify/pkg/logx"
)

// Channel is a named delivery destination held by the Dispatcher registry.
// SendWithRateLimit must not return an error; failures, including a denied
// rate limit, are reported in the DeliveryResult.
type Channel interface {
	Name() string
	SendWithRateLimit(ctx context.Context, msg Message) DeliveryResult
	Stats() ChannelStats
}

var _ Channel = (*Endpoint)(nil)

// Transport performs the platform-specific delivery for an Endpoint. The
// returned map, if any, is attached to the DeliveryResult as the response.
type Transport interface {
	Deliver(ctx context.Context, msg Message) (map[string]any, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, msg Message) (map[string]any, error)

func (f TransportFunc) Deliver(ctx context.Context, msg Message) (map[string]any, error) {
	return f(ctx, msg)
}

type EndpointConfig struct {
	// RateLimit is a rate spec such as "30/minute". Empty disables limiting.
	RateLimit string
	// Timeout bounds a single Deliver call. Zero means 30s.
	Timeout time.Duration
}

// Endpoint is the Channel implementation used by the Dispatcher: a
// Transport plus an optional rate limiter and delivery counters.
type Endpoint struct {
	name      string
	transport Transport
	limiter   *RateLimiter
	timeout   time.Duration
	log       logx.Logger
	now       func() time.Time

	sent        atomic.Uint64
	success     atomic.Uint64
	failed      atomic.Uint64
	rateLimited atomic.Uint64
}

func NewEndpoint(name string, t Transport, cfg EndpointConfig, log logx.Logger) *Endpoint {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("channel", name))
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Endpoint{
		name:      name,
		transport: t,
		limiter:   NewRateLimiterFromSpec(cfg.RateLimit, log),
		timeout:   cfg.Timeout,
		log:       log,
		now:       time.Now,
	}
}

func (e *Endpoint) Name() string { return e.name }

// Send delivers msg through the transport, bypassing the rate limiter.
func (e *Endpoint) Send(ctx context.Context, msg Message) (res DeliveryResult) {
	start := e.now()
	res = DeliveryResult{
		Channel:     e.name,
		MessageID:   msg.ID,
		Status:      StatusSending,
		AttemptedAt: start,
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("transport panicked", logx.String("message_id", msg.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			res.Status = StatusFailed
			res.Error = fmt.Sprintf("panic: %v", r)
		}
		res.Duration = e.now().Sub(start)
	}()

	if e.transport == nil {
		res.Status = StatusFailed
		res.Error = "no transport configured"
		return res
	}

	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	resp, err := e.transport.Deliver(cctx, msg)
	res.Response = resp
	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		return res
	}
	res.Status = StatusSuccess
	return res
}

// SendWithRateLimit checks the rate limiter first and only calls Send when
// the request is admitted.
func (e *Endpoint) SendWithRateLimit(ctx context.Context, msg Message) DeliveryResult {
	if e.limiter != nil && !e.limiter.Acquire() {
		e.rateLimited.Add(1)
		e.log.Debug("rate limited", logx.String("message_id", msg.ID), logx.Duration("retry_in", e.limiter.WaitForAvailability()))
		return DeliveryResult{
			Channel:     e.name,
			MessageID:   msg.ID,
			Status:      StatusRateLimited,
			AttemptedAt: e.now(),
			Error:       "Rate limit exceeded",
		}
	}

	res := e.Send(ctx, msg)
	e.sent.Add(1)
	if res.Status == StatusSuccess {
		e.success.Add(1)
	} else {
		e.failed.Add(1)
		// Alert deliveries log quietly so a broken alert channel cannot feed itself.
		if msg.Metadata[MetaKind] == KindAlert {
			e.log.Debug("alert delivery failed", logx.String("message_id", msg.ID), logx.String("error", res.Error))
		} else {
			e.log.Warn("delivery failed", logx.String("message_id", msg.ID), logx.String("error", res.Error))
		}
	}
	return res
}

func (e *Endpoint) Stats() ChannelStats {
	st := ChannelStats{
		Name:        e.name,
		Sent:        e.sent.Load(),
		Success:     e.success.Load(),
		Failed:      e.failed.Load(),
		RateLimited: e.rateLimited.Load(),
	}
	if e.limiter != nil {
		st.RateLimit = e.limiter.String()
	}
	if st.Sent > 0 {
		st.SuccessRate = float64(st.Success) / float64(st.Sent) * 100
	}
	return st
}

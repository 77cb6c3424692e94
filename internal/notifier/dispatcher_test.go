package notifier

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calnotify/internal/eventbus"
	"calnotify/pkg/logx"
)

type recordingTransport struct {
	mu    sync.Mutex
	calls []Message
	err   error
}

func (r *recordingTransport) Deliver(_ context.Context, msg Message) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, msg)
	if r.err != nil {
		return nil, r.err
	}
	return map[string]any{"ok": true}, nil
}

func (r *recordingTransport) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestDispatcher(cfg Config) *Dispatcher {
	return New(cfg, logx.Nop(), eventbus.New())
}

func TestDispatchRateLimitedSecondUrgentMessage(t *testing.T) {
	d := newTestDispatcher(Config{})
	tr := &recordingTransport{}
	d.Register(NewEndpoint("slack", tr, EndpointConfig{RateLimit: "1/second"}, logx.Nop()))

	first := d.Dispatch(context.Background(), Message{ID: "m1", Content: "hello", Priority: PriorityUrgent})
	second := d.Dispatch(context.Background(), Message{ID: "m2", Content: "hello", Priority: PriorityUrgent})

	require.Len(t, first.Channels, 1)
	require.Len(t, second.Channels, 1)
	assert.Equal(t, StatusSuccess, first.Channels[0].Status)
	assert.Equal(t, StatusRateLimited, second.Channels[0].Status)
	assert.Equal(t, "Rate limit exceeded", second.Channels[0].Error)
	assert.Equal(t, 1, second.RateLimited)
	assert.Equal(t, 1, tr.count(), "rate limited attempt must not reach the transport")

	st := d.Stats()
	assert.EqualValues(t, 2, st.Messages)
	assert.EqualValues(t, 2, st.Deliveries)
	assert.EqualValues(t, 1, st.Successful)
	assert.EqualValues(t, 1, st.RateLimited)
	require.Len(t, st.Channels, 1)
	assert.EqualValues(t, 1, st.Channels[0].Sent)
	assert.EqualValues(t, 1, st.Channels[0].RateLimited)
	assert.InDelta(t, 100.0, st.Channels[0].SuccessRate, 0.001)
}

func TestDispatchTargetResolution(t *testing.T) {
	d := newTestDispatcher(Config{PrimaryChannels: []string{"line"}})
	for _, name := range []string{"line", "slack", "discord"} {
		d.Register(NewEndpoint(name, &recordingTransport{}, EndpointConfig{}, logx.Nop()))
	}

	names := func(r Result) []string {
		var out []string
		for _, c := range r.Channels {
			out = append(out, c.Channel)
		}
		return out
	}

	tests := []struct {
		name string
		msg  Message
		want []string
	}{
		{name: "all channels sorted", msg: Message{ID: "a", Priority: PriorityNormal}, want: []string{"discord", "line", "slack"}},
		{name: "requested order kept", msg: Message{ID: "b", Priority: PriorityHigh, Channels: []string{"slack", "line", "slack"}}, want: []string{"slack", "line"}},
		{name: "unknown dropped", msg: Message{ID: "c", Priority: PriorityNormal, Channels: []string{"teams", "discord"}}, want: []string{"discord"}},
		{name: "low goes to primary only", msg: Message{ID: "d", Priority: PriorityLow}, want: []string{"line"}},
		{name: "low with no primary requested", msg: Message{ID: "e", Priority: PriorityLow, Channels: []string{"slack"}}, want: nil},
		{name: "urgent bypasses filtering", msg: Message{ID: "f", Priority: PriorityUrgent}, want: []string{"discord", "line", "slack"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := d.Dispatch(context.Background(), tt.msg)
			assert.Equal(t, tt.want, names(res))
			assert.Equal(t, len(tt.want), res.TotalChannels)
		})
	}
}

func TestDispatchWithNoTargetsReturnsEmptyResult(t *testing.T) {
	d := newTestDispatcher(Config{})
	res := d.Dispatch(context.Background(), Message{ID: "m", MaxRetries: 3})

	assert.Equal(t, 0, res.TotalChannels)
	assert.Empty(t, res.Channels)
	assert.Equal(t, 0, d.PendingRetries())
	assert.Equal(t, "delivered to 0 of 0 channels (0.0%)", res.Summary())
}

func TestDispatchQueuesRetryForUndeliveredChannels(t *testing.T) {
	d := newTestDispatcher(Config{})
	d.Register(NewEndpoint("ok", &recordingTransport{}, EndpointConfig{}, logx.Nop()))
	d.Register(NewEndpoint("down", &recordingTransport{err: errors.New("503 unavailable")}, EndpointConfig{}, logx.Nop()))

	ch, unsub := d.bus.Subscribe(4, eventbus.TypeRetryScheduled)
	defer unsub()

	res := d.Dispatch(context.Background(), Message{
		ID:         "msg",
		Content:    "body",
		Priority:   PriorityNormal,
		MaxRetries: 2,
		Metadata:   map[string]string{"source": "daily"},
	})
	assert.Equal(t, 1, res.Successful)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, []string{"down"}, res.Undelivered())
	assert.Contains(t, res.Channels[0].Error, "503")

	require.Equal(t, 1, d.PendingRetries())
	rm, ok := d.retries.tryPop()
	require.True(t, ok)
	assert.Equal(t, "msg_retry_1", rm.ID)
	assert.Equal(t, []string{"down"}, rm.Channels)
	assert.Equal(t, 1, rm.RetryCount)
	assert.Equal(t, 2, rm.MaxRetries)
	assert.Equal(t, "msg", rm.Metadata[MetaOriginalID])
	assert.Equal(t, "daily", rm.Metadata["source"])
	assert.Equal(t, "body", rm.Content)

	select {
	case e := <-ch:
		ev, ok := e.Data.(DispatchEvent)
		require.True(t, ok)
		assert.Equal(t, "msg_retry_1", ev.MessageID)
		assert.Equal(t, "msg", ev.OriginalID)
	case <-time.After(time.Second):
		t.Fatal("retry event not published")
	}
}

func TestDispatchDoesNotRetryExhaustedMessage(t *testing.T) {
	d := newTestDispatcher(Config{})
	d.Register(NewEndpoint("down", &recordingTransport{err: errors.New("boom")}, EndpointConfig{}, logx.Nop()))

	d.Dispatch(context.Background(), Message{ID: "m_retry_3", Priority: PriorityNormal, RetryCount: 3, MaxRetries: 3})
	assert.Equal(t, 0, d.PendingRetries())
}

func TestDispatchIsolatesPanickingTransport(t *testing.T) {
	d := newTestDispatcher(Config{})
	d.Register(NewEndpoint("ok", &recordingTransport{}, EndpointConfig{}, logx.Nop()))
	d.Register(NewEndpoint("panics", TransportFunc(func(context.Context, Message) (map[string]any, error) {
		panic("nil map")
	}), EndpointConfig{}, logx.Nop()))

	res := d.Dispatch(context.Background(), Message{ID: "m", Priority: PriorityNormal})
	require.Len(t, res.Channels, 2)
	assert.Equal(t, 1, res.Successful)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, "panics", res.Channels[1].Channel)
	assert.Contains(t, res.Channels[1].Error, "panic")
}

func TestDispatchBoundsConcurrency(t *testing.T) {
	const limit = 2
	d := newTestDispatcher(Config{MaxConcurrentDeliveries: limit})

	var inFlight, peak atomic.Int32
	slow := TransportFunc(func(ctx context.Context, _ Message) (map[string]any, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return nil, nil
	})
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		d.Register(NewEndpoint(name, slow, EndpointConfig{}, logx.Nop()))
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := d.Dispatch(context.Background(), Message{ID: "m", Priority: PriorityUrgent})
			assert.Equal(t, 5, res.Successful)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(limit))
}

func TestRegisterReplacesByName(t *testing.T) {
	d := newTestDispatcher(Config{})
	first := &recordingTransport{}
	second := &recordingTransport{}
	d.Register(NewEndpoint("slack", first, EndpointConfig{}, logx.Nop()))
	d.Register(NewEndpoint("slack", second, EndpointConfig{}, logx.Nop()))

	d.Dispatch(context.Background(), Message{ID: "m", Priority: PriorityNormal})
	assert.Equal(t, []string{"slack"}, d.Channels())
	assert.Equal(t, 0, first.count())
	assert.Equal(t, 1, second.count())
}

func TestEndpointTimeoutIsFailure(t *testing.T) {
	ep := NewEndpoint("slow", TransportFunc(func(ctx context.Context, _ Message) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), EndpointConfig{Timeout: 10 * time.Millisecond}, logx.Nop())

	res := ep.SendWithRateLimit(context.Background(), Message{ID: "m"})
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, "deadline exceeded")
	assert.EqualValues(t, 1, ep.Stats().Failed)
}

func TestRetryChainKeepsRootID(t *testing.T) {
	root := Message{ID: "summary_1", Priority: PriorityNormal, MaxRetries: 3, Metadata: map[string]string{MetaKind: KindSummary}}
	first := retryMessage(root, []string{"slack"})
	second := retryMessage(first, []string{"slack"})

	assert.Equal(t, "summary_1_retry_1_retry_2", second.ID)
	assert.Equal(t, 2, second.RetryCount)
	assert.Equal(t, "summary_1", second.Metadata[MetaOriginalID])
	assert.Equal(t, KindSummary, second.Metadata[MetaKind])
	assert.Empty(t, root.Metadata[MetaOriginalID], "parent metadata must not be shared")
}

func TestUnroutableAlertDoesNotWarn(t *testing.T) {
	var buf bytes.Buffer
	d := New(Config{}, logx.NewWriter(&buf, "warn"), eventbus.New())
	d.Register(NewEndpoint("line", &recordingTransport{}, EndpointConfig{}, logx.Nop()))

	res := d.Dispatch(context.Background(), Message{
		ID:       "alert_1",
		Priority: PriorityHigh,
		Channels: []string{"ops"},
		Metadata: map[string]string{MetaKind: KindAlert},
	})
	assert.Equal(t, 0, res.TotalChannels)
	assert.Empty(t, buf.String(), "an alert with no target must not produce a warning")

	d.Dispatch(context.Background(), Message{ID: "m", Priority: PriorityNormal, Channels: []string{"ops"}})
	assert.Contains(t, buf.String(), "no valid channels for message")
}

// staticChannel is a Channel that is not an Endpoint.
type staticChannel struct {
	name  string
	sends atomic.Int32
}

func (c *staticChannel) Name() string { return c.name }

func (c *staticChannel) SendWithRateLimit(_ context.Context, msg Message) DeliveryResult {
	c.sends.Add(1)
	return DeliveryResult{Channel: c.name, MessageID: msg.ID, Status: StatusSuccess, AttemptedAt: time.Now()}
}

func (c *staticChannel) Stats() ChannelStats {
	return ChannelStats{Name: c.name, Sent: uint64(c.sends.Load()), Success: uint64(c.sends.Load())}
}

func TestRegisterCustomChannel(t *testing.T) {
	d := newTestDispatcher(Config{})
	custom := &staticChannel{name: "pager"}
	d.Register(custom)
	d.Register(NewEndpoint("slack", &recordingTransport{}, EndpointConfig{RateLimit: "10/minute"}, logx.Nop()))

	events, unsub := d.bus.Subscribe(4, eventbus.TypeDispatched)
	defer unsub()

	res := d.Dispatch(context.Background(), Message{
		ID:       "m",
		Priority: PriorityNormal,
		Metadata: map[string]string{MetaKind: KindConflict, MetaEventID: "evt-1"},
	})
	assert.Equal(t, 2, res.Successful)
	assert.EqualValues(t, 1, custom.sends.Load())

	st := d.Stats()
	require.Len(t, st.Channels, 2)
	assert.Equal(t, "pager", st.Channels[0].Name)
	assert.EqualValues(t, 1, st.Channels[0].Sent)
	assert.Equal(t, "10/1m0s", st.Channels[1].RateLimit)

	select {
	case e := <-events:
		ev := e.Data.(DispatchEvent)
		assert.Equal(t, KindConflict, ev.Kind)
		assert.Equal(t, "evt-1", ev.EventID)
		assert.False(t, ev.IsRetry())
		require.Len(t, ev.Results, 2)
		assert.Equal(t, "pager", ev.Results[0].Channel)
	case <-time.After(time.Second):
		t.Fatal("dispatch event not published")
	}
}

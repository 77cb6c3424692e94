package notifier

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calnotify/internal/eventbus"
	"calnotify/pkg/logx"
)

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, time.Second, RetryDelay(2, 0, 0, false))
	assert.Equal(t, 2*time.Second, RetryDelay(2, 1, 0, false))
	assert.Equal(t, 8*time.Second, RetryDelay(2, 3, 0, false))
	assert.Equal(t, 5*time.Second, RetryDelay(2, 10, 5*time.Second, false))
	assert.Equal(t, time.Minute, RetryDelay(10, 400, time.Minute, false), "overflow must clamp")

	for i := 0; i < 50; i++ {
		d := RetryDelay(2, 2, 0, true)
		assert.GreaterOrEqual(t, d, 3200*time.Millisecond)
		assert.LessOrEqual(t, d, 4800*time.Millisecond)
	}
}

func TestRetryLoopRedeliversOnlyFailedChannels(t *testing.T) {
	d := New(Config{BackoffBase: 0.01, PollInterval: 10 * time.Millisecond}, logx.Nop(), eventbus.New())

	okCalls := &recordingTransport{}
	var flakyCalls atomic.Int32
	flaky := TransportFunc(func(context.Context, Message) (map[string]any, error) {
		if flakyCalls.Add(1) == 1 {
			return nil, errors.New("temporary")
		}
		return nil, nil
	})
	d.Register(NewEndpoint("ok", okCalls, EndpointConfig{}, logx.Nop()))
	d.Register(NewEndpoint("flaky", flaky, EndpointConfig{}, logx.Nop()))

	events, unsub := d.bus.Subscribe(8, eventbus.TypeDispatched)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	assert.True(t, d.Running())

	first := d.Dispatch(ctx, Message{ID: "m", Priority: PriorityNormal, MaxRetries: 3})
	require.Equal(t, 1, first.Failed)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			ev := e.Data.(DispatchEvent)
			if ev.MessageID != "m_retry_1" {
				continue
			}
			assert.Equal(t, 1, ev.Successful)
			assert.Equal(t, 0, ev.Failed)
			assert.Equal(t, "m", ev.OriginalID)
			assert.Equal(t, 1, okCalls.count(), "succeeded channel must not be retried")
			assert.EqualValues(t, 2, flakyCalls.Load())

			stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
			defer stopCancel()
			require.NoError(t, d.Stop(stopCtx))
			assert.False(t, d.Running())
			return
		case <-deadline:
			t.Fatal("retry was not dispatched")
		}
	}
}

func TestStopInterruptsBackoff(t *testing.T) {
	d := New(Config{BackoffBase: 100, PollInterval: 10 * time.Millisecond}, logx.Nop(), eventbus.New())
	down := &recordingTransport{err: errors.New("down")}
	d.Register(NewEndpoint("down", down, EndpointConfig{}, logx.Nop()))

	d.Start(context.Background())
	d.Dispatch(context.Background(), Message{ID: "m", Priority: PriorityNormal, MaxRetries: 1})

	// Let the loop pick the retry up and enter its 100s backoff.
	require.Eventually(t, func() bool { return d.retries.len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, d.PendingRetries(), "a retry in backoff is still pending")
	assert.False(t, d.Idle())

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, down.count(), "abandoned retry must not be sent")
	assert.True(t, d.Idle())
	assert.EqualValues(t, 1, d.Stats().RetriesDropped)
}

func TestPendingRetriesSettleAfterRedelivery(t *testing.T) {
	d := New(Config{BackoffBase: 0.3, PollInterval: 10 * time.Millisecond}, logx.Nop(), eventbus.New())
	var calls atomic.Int32
	d.Register(NewEndpoint("flaky", TransportFunc(func(context.Context, Message) (map[string]any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("temporary")
		}
		return nil, nil
	}), EndpointConfig{}, logx.Nop()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer func() { _ = d.Stop(context.Background()) }()

	d.Dispatch(ctx, Message{ID: "m", Priority: PriorityNormal, MaxRetries: 2})
	assert.Equal(t, 1, d.PendingRetries())

	// Popped but still backing off: not idle and not yet redelivered.
	require.Eventually(t, func() bool { return d.retries.len() == 0 }, time.Second, 5*time.Millisecond)
	assert.False(t, d.Idle())
	assert.EqualValues(t, 1, calls.Load())

	require.Eventually(t, d.Idle, 3*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, 0, d.Stats().PendingRetries)
}

func TestStopLetsInFlightRetryFinish(t *testing.T) {
	d := New(Config{BackoffBase: 0.01, PollInterval: 10 * time.Millisecond}, logx.Nop(), eventbus.New())

	sending := make(chan struct{})
	outcome := make(chan error, 1)
	var calls atomic.Int32
	d.Register(NewEndpoint("slow", TransportFunc(func(ctx context.Context, _ Message) (map[string]any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("temporary")
		}
		close(sending)
		select {
		case <-ctx.Done():
			outcome <- ctx.Err()
			return nil, ctx.Err()
		case <-time.After(300 * time.Millisecond):
			outcome <- nil
			return nil, nil
		}
	}), EndpointConfig{Timeout: 5 * time.Second}, logx.Nop()))

	d.Start(context.Background())
	d.Dispatch(context.Background(), Message{ID: "m", Priority: PriorityNormal, MaxRetries: 1})

	select {
	case <-sending:
	case <-time.After(2 * time.Second):
		t.Fatal("retry send did not start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))

	select {
	case err := <-outcome:
		assert.NoError(t, err, "stop must not cancel a send in flight")
	default:
		t.Fatal("stop returned before the in-flight send finished")
	}
	st := d.Stats()
	assert.EqualValues(t, 1, st.Successful)
	assert.EqualValues(t, 0, st.RetriesDropped)
	assert.True(t, d.Idle())
}

func TestDispatchAfterStopDropsRetries(t *testing.T) {
	d := New(Config{}, logx.Nop(), eventbus.New())
	d.Register(NewEndpoint("down", &recordingTransport{err: errors.New("down")}, EndpointConfig{}, logx.Nop()))

	d.Start(context.Background())
	require.NoError(t, d.Stop(context.Background()))

	d.Dispatch(context.Background(), Message{ID: "m", Priority: PriorityNormal, MaxRetries: 2})
	assert.Equal(t, 0, d.PendingRetries())
	assert.EqualValues(t, 1, d.Stats().RetriesDropped)
}

func TestBoundedRetryQueue(t *testing.T) {
	q := newRetryQueue(1)
	require.NoError(t, q.push(Message{ID: "a"}))
	assert.ErrorIs(t, q.push(Message{ID: "b"}), ErrQueueFull)

	m, ok := q.pop(context.Background(), time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, "a", m.ID)

	_, ok = q.pop(context.Background(), time.Millisecond)
	assert.False(t, ok)
}

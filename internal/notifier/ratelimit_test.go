package notifier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calnotify/pkg/logx"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestRateLimiterSlidingWindow(t *testing.T) {
	clk := &fakeClock{t: time.Date(2025, 9, 1, 9, 0, 0, 0, time.UTC)}
	l := NewRateLimiter(2, time.Minute, WithClock(clk.Now))

	assert.True(t, l.Acquire())
	clk.Advance(10 * time.Second)
	assert.True(t, l.Acquire())
	assert.False(t, l.Acquire(), "third request inside the window must be denied")
	assert.Equal(t, 50*time.Second, l.WaitForAvailability())

	// Denials are not recorded: once the first stamp leaves, one slot frees.
	clk.Advance(50 * time.Second)
	assert.Equal(t, time.Duration(0), l.WaitForAvailability())
	assert.True(t, l.Acquire())
	assert.False(t, l.Acquire())
}

func TestRateLimiterNeverExceedsMax(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	l := NewRateLimiter(3, time.Second, WithClock(clk.Now))

	admitted := 0
	for i := 0; i < 100; i++ {
		if l.Acquire() {
			admitted++
		}
		clk.Advance(100 * time.Millisecond)
	}
	// 10s of traffic at 3 per second.
	assert.LessOrEqual(t, admitted, 30)
	assert.GreaterOrEqual(t, admitted, 27)
}

func TestParseRateSpec(t *testing.T) {
	tests := []struct {
		spec    string
		count   int
		window  time.Duration
		wantErr bool
	}{
		{spec: "30/minute", count: 30, window: time.Minute},
		{spec: "1/second", count: 1, window: time.Second},
		{spec: " 100 / hour ", count: 100, window: time.Hour},
		{spec: "", count: 0, window: 0},
		{spec: "10/fortnight", count: 10, window: time.Minute, wantErr: true},
		{spec: "abc/minute", wantErr: true},
		{spec: "0/minute", wantErr: true},
		{spec: "30", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			count, window, err := ParseRateSpec(tt.spec)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			if !tt.wantErr || tt.count > 0 {
				assert.Equal(t, tt.count, count)
				assert.Equal(t, tt.window, window)
			}
		})
	}
}

func TestNewRateLimiterFromSpecFailsClosed(t *testing.T) {
	log := logx.Nop()

	assert.Nil(t, NewRateLimiterFromSpec("garbage", log))
	assert.Nil(t, NewRateLimiterFromSpec("", log))

	l := NewRateLimiterFromSpec("5/fortnight", log)
	require.NotNil(t, l)
	assert.Equal(t, "5/1m0s", l.String())
}

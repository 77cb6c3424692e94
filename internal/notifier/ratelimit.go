package notifier

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"calnotify/pkg/logx"
)

// RateLimiter is a sliding-window log: it admits at most max requests in any
// window-long interval ending now.
type RateLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	now    func() time.Time
	stamps []time.Time
}

type RateLimiterOption func(*RateLimiter)

// WithClock replaces time.Now. Used by tests.
func WithClock(now func() time.Time) RateLimiterOption {
	return func(l *RateLimiter) {
		if now != nil {
			l.now = now
		}
	}
}

func NewRateLimiter(maxRequests int, window time.Duration, opts ...RateLimiterOption) *RateLimiter {
	l := &RateLimiter{
		max:    max(1, maxRequests),
		window: window,
		now:    time.Now,
	}
	if l.window <= 0 {
		l.window = time.Minute
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// evictLocked drops timestamps at or before now-window.
func (l *RateLimiter) evictLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
}

// Acquire admits the request and records it, or denies it without side
// effects.
func (l *RateLimiter) Acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.evictLocked(now)
	if len(l.stamps) >= l.max {
		return false
	}
	l.stamps = append(l.stamps, now)
	return true
}

// WaitForAvailability reports how long until the next Acquire would succeed.
// It is informational only.
func (l *RateLimiter) WaitForAvailability() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.evictLocked(now)
	if len(l.stamps) < l.max {
		return 0
	}
	return l.stamps[0].Add(l.window).Sub(now)
}

func (l *RateLimiter) String() string {
	return fmt.Sprintf("%d/%s", l.max, l.window)
}

// ParseRateSpec parses "<count>/<second|minute|hour>". An empty spec means no
// limiting.
//
// An unknown period falls back to one minute. Both cases that cannot be
// interpreted at all (bad shape, bad count) return an error; callers treat
// that as "no limiting".
func ParseRateSpec(spec string) (count int, window time.Duration, err error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return 0, 0, nil
	}
	n, unit, ok := strings.Cut(spec, "/")
	if !ok {
		return 0, 0, fmt.Errorf("rate spec %q: want <count>/<period>", spec)
	}
	count, err = strconv.Atoi(strings.TrimSpace(n))
	if err != nil || count <= 0 {
		return 0, 0, fmt.Errorf("rate spec %q: invalid count", spec)
	}
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "s", "sec", "second":
		window = time.Second
	case "m", "min", "minute":
		window = time.Minute
	case "h", "hour":
		window = time.Hour
	default:
		return count, time.Minute, errUnknownPeriod
	}
	return count, window, nil
}

var errUnknownPeriod = errors.New("unknown rate period, using minute")

// NewRateLimiterFromSpec builds a limiter from a rate spec. It never fails:
// an unusable spec disables limiting and is logged.
func NewRateLimiterFromSpec(spec string, log logx.Logger) *RateLimiter {
	count, window, err := ParseRateSpec(spec)
	switch {
	case errors.Is(err, errUnknownPeriod):
		log.Warn("unknown rate limit period, assuming per minute", logx.String("rate_limit", spec))
	case err != nil:
		log.Warn("invalid rate limit, limiting disabled", logx.String("rate_limit", spec), logx.Err(err))
		return nil
	case count == 0:
		return nil
	}
	return NewRateLimiter(count, window)
}

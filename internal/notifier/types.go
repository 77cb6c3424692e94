package notifier

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrQueueFull = errors.New("notifier retry queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Priority orders messages. Low messages only reach primary channels, urgent
// messages bypass channel filtering.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority accepts the names returned by Priority.String and the
// numeric levels 1..4.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "1":
		return PriorityLow, nil
	case "", "normal", "2":
		return PriorityNormal, nil
	case "high", "3":
		return PriorityHigh, nil
	case "urgent", "4":
		return PriorityUrgent, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// Status is the outcome of one delivery attempt.
type Status string

const (
	StatusPending     Status = "pending"
	StatusSending     Status = "sending"
	StatusSuccess     Status = "success"
	StatusFailed      Status = "failed"
	StatusRateLimited Status = "rate_limited"
	StatusRetry       Status = "retry"
)

// Well-known Message.Metadata keys.
const (
	// MetaOriginalID is the id of the first message in a retry chain.
	MetaOriginalID = "original_id"
	MetaKind       = "kind"
	MetaEventID    = "event_id"

	KindAlert    = "alert"
	KindSummary  = "summary"
	KindConflict = "conflict"
)

// Message is one logical notification. Content is opaque to the dispatcher.
type Message struct {
	ID         string
	Content    string
	Title      string
	Priority   Priority
	Channels   []string // empty means every registered channel
	RetryCount int
	MaxRetries int
	Metadata   map[string]string
	CreatedAt  time.Time
}

func (m Message) ShouldRetry() bool { return m.RetryCount < m.MaxRetries }

// DeliveryResult is the outcome of one (message, channel) attempt.
type DeliveryResult struct {
	Channel     string         `json:"channel"`
	MessageID   string         `json:"message_id"`
	Status      Status         `json:"status"`
	AttemptedAt time.Time      `json:"attempted_at"`
	Duration    time.Duration  `json:"duration"`
	Response    map[string]any `json:"response,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Result aggregates one dispatch across all target channels.
type Result struct {
	MessageID     string           `json:"message_id"`
	TotalChannels int              `json:"total_channels"`
	Successful    int              `json:"successful"`
	Failed        int              `json:"failed"`
	RateLimited   int              `json:"rate_limited"`
	Duration      time.Duration    `json:"duration"`
	Channels      []DeliveryResult `json:"channels"`
}

// SuccessRate returns the share of successful deliveries in percent.
func (r Result) SuccessRate() float64 {
	if r.TotalChannels == 0 {
		return 0
	}
	return float64(r.Successful) / float64(r.TotalChannels) * 100
}

func (r Result) Summary() string {
	return fmt.Sprintf("delivered to %d of %d channels (%.1f%%)", r.Successful, r.TotalChannels, r.SuccessRate())
}

// Undelivered returns the channels whose attempt failed or was rate limited,
// in result order.
func (r Result) Undelivered() []string {
	var out []string
	for _, d := range r.Channels {
		if d.Status == StatusFailed || d.Status == StatusRateLimited {
			out = append(out, d.Channel)
		}
	}
	return out
}

type ChannelStats struct {
	Name        string  `json:"name"`
	Sent        uint64  `json:"total_sent"`
	Success     uint64  `json:"total_success"`
	Failed      uint64  `json:"total_failed"`
	RateLimited uint64  `json:"total_rate_limited"`
	SuccessRate float64 `json:"success_rate"`
	RateLimit   string  `json:"rate_limit,omitempty"`
}

type DispatcherStats struct {
	Messages       uint64         `json:"total_messages"`
	Deliveries     uint64         `json:"total_deliveries"`
	Successful     uint64         `json:"successful_deliveries"`
	Failed         uint64         `json:"failed_deliveries"`
	RateLimited    uint64         `json:"rate_limited_deliveries"`
	RetriesQueued  uint64         `json:"retries_queued"`
	RetriesDropped uint64         `json:"retries_dropped"`
	PendingRetries int            `json:"pending_retries"`
	Running        bool           `json:"running"`
	Channels       []ChannelStats `json:"channels"`
}

// DispatchEvent is published on the event bus after each dispatch. Channels
// lists the undelivered channels; Results carries every attempt of a
// dispatched message.
type DispatchEvent struct {
	MessageID   string           `json:"message_id"`
	OriginalID  string           `json:"original_id,omitempty"`
	Kind        string           `json:"kind,omitempty"`
	EventID     string           `json:"event_id,omitempty"`
	Successful  int              `json:"successful"`
	Failed      int              `json:"failed"`
	RateLimited int              `json:"rate_limited"`
	Channels    []string         `json:"channels,omitempty"`
	Results     []DeliveryResult `json:"results,omitempty"`
	At          time.Time        `json:"at"`
	Error       string           `json:"error,omitempty"`
}

// IsRetry reports whether the event belongs to a retry of an earlier message.
func (e DispatchEvent) IsRetry() bool {
	return e.OriginalID != "" && e.OriginalID != e.MessageID
}

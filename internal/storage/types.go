package storage

import (
	"errors"
	"fmt"
	"hash/fnv"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "file": snapshot + journal files next to Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

type SyncStatus string

const (
	SyncPending  SyncStatus = "pending"
	SyncSuccess  SyncStatus = "success"
	SyncFailed   SyncStatus = "failed"
	SyncConflict SyncStatus = "conflict"
)

// Sync log actions.
const (
	ActionCreate   = "CREATE"
	ActionUpdate   = "UPDATE"
	ActionDelete   = "DELETE"
	ActionSync     = "SYNC"
	ActionConflict = "CONFLICT"
	ActionNotify   = "NOTIFY"
)

// StoredEvent is a reconciled event as persisted.
type StoredEvent struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Start       time.Time  `json:"start"`
	End         time.Time  `json:"end,omitempty"`
	AllDay      bool       `json:"all_day,omitempty"`
	Description string     `json:"description,omitempty"`
	Location    string     `json:"location,omitempty"`
	LinkedID    string     `json:"linked_id,omitempty"`
	SourceHash  string     `json:"source_hash"`
	SyncStatus  SyncStatus `json:"sync_status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Hash fingerprints the event content. Two events with the same hash need no
// update.
func (e StoredEvent) Hash() string {
	h := fnv.New64a()
	for _, s := range []string{e.Title, e.Start.UTC().Format(time.RFC3339), e.End.UTC().Format(time.RFC3339), e.Description, e.Location} {
		_, _ = h.Write([]byte(s))
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

type SyncLog struct {
	ID      int64      `json:"id"`
	EventID string     `json:"event_id"`
	Action  string     `json:"action"`
	Source  string     `json:"source"`
	Target  string     `json:"target"`
	Status  SyncStatus `json:"status"`
	Error   string     `json:"error,omitempty"`
	At      time.Time  `json:"at"`
}

type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
)

// Notification types.
const (
	TypeDailySummary  = "daily_summary"
	TypeConflictAlert = "conflict_alert"
	TypeReminder      = "reminder"
)

// QueuedNotification is one scheduled delivery of a message to a channel.
type QueuedNotification struct {
	ID          string             `json:"id"`
	EventID     string             `json:"event_id,omitempty"`
	Type        string             `json:"type"`
	Channel     string             `json:"channel"`
	Priority    string             `json:"priority,omitempty"`
	Title       string             `json:"title,omitempty"`
	Content     string             `json:"content"`
	ScheduledAt time.Time          `json:"scheduled_at"`
	Status      NotificationStatus `json:"status"`
	Attempts    int                `json:"attempts"`
	LastAttempt time.Time          `json:"last_attempt,omitempty"`
	LastError   string             `json:"last_error,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}

type Stats struct {
	Events               int `json:"events"`
	SyncedEvents         int `json:"synced_events"`
	SyncLogs             int `json:"sync_logs"`
	PendingNotifications int `json:"pending_notifications"`
	SentNotifications    int `json:"sent_notifications"`
	FailedNotifications  int `json:"failed_notifications"`
}

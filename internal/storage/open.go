package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"calnotify/pkg/logx"
)

// Store is the persistence boundary. Every write is an idempotent upsert
// keyed by id.
type Store interface {
	// StoreEvent upserts the event and records a CREATE or UPDATE sync log
	// entry.
	StoreEvent(ctx context.Context, e StoredEvent) error
	GetEvent(ctx context.Context, id string) (StoredEvent, error)
	AppendSyncLog(ctx context.Context, l SyncLog) error
	// SyncLogs returns the newest entries first. An empty eventID lists all.
	SyncLogs(ctx context.Context, eventID string, limit int) ([]SyncLog, error)

	// AddNotification upserts n. A missing ID is generated. A notification
	// that is no longer pending is left untouched.
	AddNotification(ctx context.Context, n QueuedNotification) (string, error)
	// GetPendingNotifications lists pending notifications scheduled at or
	// before now, oldest first.
	GetPendingNotifications(ctx context.Context, limit int) ([]QueuedNotification, error)
	// UpdateNotificationStatus sets the status, counts the attempt and
	// stamps it with the current time.
	UpdateNotificationStatus(ctx context.Context, id string, status NotificationStatus, errText string) error

	// Cleanup removes sync logs and settled notifications older than
	// retention.
	Cleanup(ctx context.Context, retention time.Duration) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func newID() string { return uuid.NewString() }

// prepareEvent fills derived fields before an upsert.
func prepareEvent(e StoredEvent, now time.Time) StoredEvent {
	e.SourceHash = e.Hash()
	if e.SyncStatus == "" {
		e.SyncStatus = SyncPending
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	return e
}

func prepareNotification(n QueuedNotification, now time.Time) QueuedNotification {
	if n.ID == "" {
		n.ID = newID()
	}
	if n.Status == "" {
		n.Status = NotificationPending
	}
	if n.ScheduledAt.IsZero() {
		n.ScheduledAt = now
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	return n
}

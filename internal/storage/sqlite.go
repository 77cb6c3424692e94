package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"calnotify/pkg/logx"
)

//go:embed migrations.sql
var migrationsSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log, now: time.Now}
	if _, err := db.ExecContext(context.Background(), migrationsSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite storage opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) StoreEvent(ctx context.Context, e StoredEvent) error {
	if e.ID == "" {
		return errors.New("event id is required")
	}
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var createdMS int64
	action := ActionUpdate
	err = tx.QueryRowContext(ctx, `SELECT created_ms FROM events WHERE id = ?`, e.ID).Scan(&createdMS)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		action = ActionCreate
	case err != nil:
		return err
	default:
		e.CreatedAt = time.UnixMilli(createdMS)
	}
	e = prepareEvent(e, now)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events(id, title, start_ms, end_ms, all_day, description, location, linked_id, source_hash, sync_status, created_ms, updated_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   title=excluded.title, start_ms=excluded.start_ms, end_ms=excluded.end_ms, all_day=excluded.all_day,
		   description=excluded.description, location=excluded.location, linked_id=excluded.linked_id,
		   source_hash=excluded.source_hash, sync_status=excluded.sync_status, updated_ms=excluded.updated_ms`,
		e.ID, e.Title, ms(e.Start), ms(e.End), boolInt(e.AllDay), e.Description, e.Location, nullStr(e.LinkedID),
		e.SourceHash, string(e.SyncStatus), ms(e.CreatedAt), ms(e.UpdatedAt),
	)
	if err != nil {
		return err
	}
	if err := insertSyncLog(ctx, tx, SyncLog{EventID: e.ID, Action: action, Source: "source_a", Target: "local_storage", Status: SyncSuccess, At: now}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) GetEvent(ctx context.Context, id string) (StoredEvent, error) {
	var (
		e                                   StoredEvent
		startMS, endMS, createdMS, updatedMS int64
		allDay                               int
		linked                               sql.NullString
		status                               string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, start_ms, end_ms, all_day, description, location, linked_id, source_hash, sync_status, created_ms, updated_ms
		 FROM events WHERE id = ?`, id,
	).Scan(&e.ID, &e.Title, &startMS, &endMS, &allDay, &e.Description, &e.Location, &linked, &e.SourceHash, &status, &createdMS, &updatedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return StoredEvent{}, ErrNotFound
	}
	if err != nil {
		return StoredEvent{}, err
	}
	e.Start, e.End = fromMS(startMS), fromMS(endMS)
	e.CreatedAt, e.UpdatedAt = fromMS(createdMS), fromMS(updatedMS)
	e.AllDay = allDay != 0
	e.LinkedID = linked.String
	e.SyncStatus = SyncStatus(status)
	return e, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertSyncLog(ctx context.Context, db execer, l SyncLog) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO sync_logs(event_id, action, source, target, status, err, at_ms) VALUES(?,?,?,?,?,?,?)`,
		nullStr(l.EventID), l.Action, l.Source, l.Target, string(l.Status), nullStr(l.Error), ms(l.At),
	)
	return err
}

func (s *sqliteStore) AppendSyncLog(ctx context.Context, l SyncLog) error {
	if l.At.IsZero() {
		l.At = s.now()
	}
	return insertSyncLog(ctx, s.db, l)
}

func (s *sqliteStore) SyncLogs(ctx context.Context, eventID string, limit int) ([]SyncLog, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id, event_id, action, source, target, status, err, at_ms FROM sync_logs`
	args := []any{}
	if eventID != "" {
		q += ` WHERE event_id = ?`
		args = append(args, eventID)
	}
	q += ` ORDER BY at_ms DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SyncLog
	for rows.Next() {
		var (
			l          SyncLog
			ev, errTxt sql.NullString
			status     string
			atMS       int64
		)
		if err := rows.Scan(&l.ID, &ev, &l.Action, &l.Source, &l.Target, &status, &errTxt, &atMS); err != nil {
			return nil, err
		}
		l.EventID, l.Error, l.Status, l.At = ev.String, errTxt.String, SyncStatus(status), fromMS(atMS)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AddNotification(ctx context.Context, n QueuedNotification) (string, error) {
	n = prepareNotification(n, s.now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_queue(id, event_id, type, channel, priority, title, content, scheduled_ms, status, attempts, last_attempt_ms, last_error, created_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   event_id=excluded.event_id, type=excluded.type, channel=excluded.channel, priority=excluded.priority,
		   title=excluded.title, content=excluded.content, scheduled_ms=excluded.scheduled_ms, status=excluded.status
		 WHERE notification_queue.status = 'pending'`,
		n.ID, nullStr(n.EventID), n.Type, n.Channel, nullStr(n.Priority), nullStr(n.Title), n.Content,
		ms(n.ScheduledAt), string(n.Status), n.Attempts, ms(n.LastAttempt), nullStr(n.LastError), ms(n.CreatedAt),
	)
	if err != nil {
		return "", err
	}
	return n.ID, nil
}

func (s *sqliteStore) GetPendingNotifications(ctx context.Context, limit int) ([]QueuedNotification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_id, type, channel, priority, title, content, scheduled_ms, status, attempts, last_attempt_ms, last_error, created_ms
		 FROM notification_queue
		 WHERE status = ? AND scheduled_ms <= ?
		 ORDER BY scheduled_ms ASC, created_ms ASC LIMIT ?`,
		string(NotificationPending), ms(s.now()), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueuedNotification
	for rows.Next() {
		var (
			n                                  QueuedNotification
			ev, prio, title, lastErr           sql.NullString
			status                             string
			scheduledMS, lastAttemptMS, created int64
		)
		if err := rows.Scan(&n.ID, &ev, &n.Type, &n.Channel, &prio, &title, &n.Content, &scheduledMS, &status, &n.Attempts, &lastAttemptMS, &lastErr, &created); err != nil {
			return nil, err
		}
		n.EventID, n.Priority, n.Title, n.LastError = ev.String, prio.String, title.String, lastErr.String
		n.Status = NotificationStatus(status)
		n.ScheduledAt, n.LastAttempt, n.CreatedAt = fromMS(scheduledMS), fromMS(lastAttemptMS), fromMS(created)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateNotificationStatus(ctx context.Context, id string, status NotificationStatus, errText string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notification_queue SET status = ?, attempts = attempts + 1, last_attempt_ms = ?, last_error = ? WHERE id = ?`,
		string(status), ms(s.now()), nullStr(errText), id,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) Cleanup(ctx context.Context, retention time.Duration) error {
	cutoff := ms(s.now().Add(-retention))
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_logs WHERE at_ms < ?`, cutoff); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM notification_queue WHERE created_ms < ? AND status != ?`, cutoff, string(NotificationPending))
	return err
}

func (s *sqliteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT
		   (SELECT COUNT(*) FROM events),
		   (SELECT COUNT(*) FROM events WHERE sync_status = ?),
		   (SELECT COUNT(*) FROM sync_logs),
		   (SELECT COUNT(*) FROM notification_queue WHERE status = ?),
		   (SELECT COUNT(*) FROM notification_queue WHERE status = ?),
		   (SELECT COUNT(*) FROM notification_queue WHERE status = ?)`,
		string(SyncSuccess), string(NotificationPending), string(NotificationSent), string(NotificationFailed),
	).Scan(&st.Events, &st.SyncedEvents, &st.SyncLogs, &st.PendingNotifications, &st.SentNotifications, &st.FailedNotifications)
	return st, err
}

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

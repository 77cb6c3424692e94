package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"calnotify/pkg/logx"
)

// fileStore keeps everything in memory and persists it as:
//   - <prefix>.snapshot.json (periodic snapshot)
//   - <prefix>.journal.jsonl (append-only journal)
//
// The journal is compacted into the snapshot every compactEvery writes and
// on Cleanup.
type fileStore struct {
	log logx.Logger
	now func() time.Time

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	writes       int

	state fileState
}

const compactEvery = 1000

type fileState struct {
	Events        map[string]StoredEvent        `json:"events"`
	SyncLogs      []SyncLog                     `json:"sync_logs"`
	Notifications map[string]QueuedNotification `json:"notifications"`
	NextLogID     int64                         `json:"next_log_id"`
}

// journalRecord carries exactly one of its payloads.
type journalRecord struct {
	Event        *StoredEvent        `json:"event,omitempty"`
	SyncLog      *SyncLog            `json:"sync_log,omitempty"`
	Notification *QueuedNotification `json:"notification,omitempty"`
}

func newFileState() fileState {
	return fileState{
		Events:        map[string]StoredEvent{},
		Notifications: map[string]QueuedNotification{},
	}
}

func (st *fileState) apply(r journalRecord) {
	if r.Event != nil {
		st.Events[r.Event.ID] = *r.Event
	}
	if r.SyncLog != nil {
		st.SyncLogs = append(st.SyncLogs, *r.SyncLog)
		st.NextLogID = max(st.NextLogID, r.SyncLog.ID)
	}
	if r.Notification != nil {
		st.Notifications[r.Notification.ID] = *r.Notification
	}
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	state := newFileState()
	if err := loadSnapshot(snapPath, &state); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("storage snapshot unreadable, starting from journal", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, &state); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("file storage opened", logx.String("prefix", prefix), logx.Int("events", len(state.Events)))
	return &fileStore{
		log:          log,
		now:          time.Now,
		snapshotPath: snapPath,
		journal:      jf,
		state:        state,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

// writeLocked journals r, then applies it to the in-memory state.
func (s *fileStore) writeLocked(r journalRecord) error {
	if s.journal == nil {
		return errors.New("storage closed")
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.state.apply(r)
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("storage compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) StoreEvent(_ context.Context, e StoredEvent) error {
	if e.ID == "" {
		return errors.New("event id is required")
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	action := ActionCreate
	if prev, ok := s.state.Events[e.ID]; ok {
		action = ActionUpdate
		e.CreatedAt = prev.CreatedAt
	}
	e = prepareEvent(e, now)
	if err := s.writeLocked(journalRecord{Event: &e}); err != nil {
		return err
	}
	return s.appendLogLocked(SyncLog{EventID: e.ID, Action: action, Source: "source_a", Target: "local_storage", Status: SyncSuccess, At: now})
}

func (s *fileStore) GetEvent(_ context.Context, id string) (StoredEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.state.Events[id]
	if !ok {
		return StoredEvent{}, ErrNotFound
	}
	return e, nil
}

func (s *fileStore) appendLogLocked(l SyncLog) error {
	l.ID = s.state.NextLogID + 1
	if l.At.IsZero() {
		l.At = s.now()
	}
	return s.writeLocked(journalRecord{SyncLog: &l})
}

func (s *fileStore) AppendSyncLog(_ context.Context, l SyncLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLogLocked(l)
}

func (s *fileStore) SyncLogs(_ context.Context, eventID string, limit int) ([]SyncLog, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []SyncLog
	for i := len(s.state.SyncLogs) - 1; i >= 0 && len(out) < limit; i-- {
		l := s.state.SyncLogs[i]
		if eventID == "" || l.EventID == eventID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *fileStore) AddNotification(_ context.Context, n QueuedNotification) (string, error) {
	n = prepareNotification(n, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.state.Notifications[n.ID]; ok {
		if prev.Status != NotificationPending {
			return n.ID, nil
		}
		n.Attempts = prev.Attempts
		n.LastAttempt = prev.LastAttempt
		n.LastError = prev.LastError
		n.CreatedAt = prev.CreatedAt
	}
	if err := s.writeLocked(journalRecord{Notification: &n}); err != nil {
		return "", err
	}
	return n.ID, nil
}

func (s *fileStore) GetPendingNotifications(_ context.Context, limit int) ([]QueuedNotification, error) {
	if limit <= 0 {
		limit = 50
	}
	now := s.now()

	s.mu.Lock()
	var out []QueuedNotification
	for _, n := range s.state.Notifications {
		if n.Status == NotificationPending && !n.ScheduledAt.After(now) {
			out = append(out, n)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fileStore) UpdateNotificationStatus(_ context.Context, id string, status NotificationStatus, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.state.Notifications[id]
	if !ok {
		return ErrNotFound
	}
	n.Status = status
	n.Attempts++
	n.LastAttempt = s.now()
	n.LastError = errText
	return s.writeLocked(journalRecord{Notification: &n})
}

func (s *fileStore) Cleanup(_ context.Context, retention time.Duration) error {
	cutoff := s.now().Add(-retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.state.SyncLogs[:0]
	for _, l := range s.state.SyncLogs {
		if !l.At.Before(cutoff) {
			kept = append(kept, l)
		}
	}
	s.state.SyncLogs = kept
	for id, n := range s.state.Notifications {
		if n.Status != NotificationPending && n.CreatedAt.Before(cutoff) {
			delete(s.state.Notifications, id)
		}
	}
	return s.compactLocked()
}

func (s *fileStore) Stats(context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Events: len(s.state.Events), SyncLogs: len(s.state.SyncLogs)}
	for _, e := range s.state.Events {
		if e.SyncStatus == SyncSuccess {
			st.SyncedEvents++
		}
	}
	for _, n := range s.state.Notifications {
		switch n.Status {
		case NotificationPending:
			st.PendingNotifications++
		case NotificationSent:
			st.SentNotifications++
		case NotificationFailed:
			st.FailedNotifications++
		}
	}
	return st, nil
}

// compactLocked writes the snapshot atomically and truncates the journal.
func (s *fileStore) compactLocked() error {
	if s.journal == nil {
		return nil
	}
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var st fileState
	if err := json.NewDecoder(f).Decode(&st); err != nil {
		return err
	}
	if st.Events == nil {
		st.Events = map[string]StoredEvent{}
	}
	if st.Notifications == nil {
		st.Notifications = map[string]QueuedNotification{}
	}
	*out = st
	return nil
}

func replayJournal(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// A torn final line after a crash is expected.
			continue
		}
		out.apply(r)
	}
	return sc.Err()
}

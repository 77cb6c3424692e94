// Package storage persists what calnotify learns between runs:
//   - reconciled events, with a content hash and sync status
//   - a sync log of every store, conflict and delivery action
//   - the notification queue (scheduled deliveries and their attempts)
//
// Two backends exist: SQLite (modernc.org/sqlite, no cgo) and a
// snapshot+journal file store for hosts where a database file is unwanted.
package storage

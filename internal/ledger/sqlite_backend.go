package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLiteBackend is the device-local default: one row per ledger event, read
// state stored alongside.
type SQLiteBackend struct {
	mu sync.Mutex
	db *sqlx.DB
}

func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	const schema = `
		CREATE TABLE IF NOT EXISTS ledger_events (
			position INTEGER NOT NULL,
			event_id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			actor_id TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '{}',
			occurred_at TEXT NOT NULL,
			is_read INTEGER NOT NULL DEFAULT 0
		)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating ledger schema: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

type ledgerEventRow struct {
	Position   int    `db:"position"`
	EventID    string `db:"event_id"`
	EventType  string `db:"event_type"`
	ActorID    string `db:"actor_id"`
	Message    string `db:"message"`
	Payload    string `db:"payload"`
	OccurredAt string `db:"occurred_at"`
	IsRead     bool   `db:"is_read"`
}

func (b *SQLiteBackend) Load() (*persistedLedger, error) {
	if b == nil || b.db == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var rows []ledgerEventRow
	err := b.db.Select(&rows, "SELECT position, event_id, event_type, actor_id, message, payload, occurred_at, is_read FROM ledger_events ORDER BY position ASC")
	if err != nil {
		return nil, fmt.Errorf("loading ledger events: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	snapshot := &persistedLedger{Events: make([]Event, 0, len(rows))}
	for _, row := range rows {
		payload, err := DecodePayload(EventType(row.EventType), json.RawMessage(row.Payload))
		if err != nil {
			// Rows written by a newer client are skipped, not fatal.
			continue
		}
		timestamp, _ := time.Parse(time.RFC3339Nano, row.OccurredAt)
		snapshot.Events = append(snapshot.Events, Event{
			EventID:   row.EventID,
			Type:      EventType(row.EventType),
			ActorID:   row.ActorID,
			Message:   row.Message,
			Payload:   payload,
			Timestamp: timestamp,
			Read:      row.IsRead,
		})
		if !row.IsRead {
			snapshot.HasUnread = true
		}
	}
	return snapshot, nil
}

func (b *SQLiteBackend) Save(snapshot *persistedLedger) error {
	if b == nil || b.db == nil || snapshot == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	tx, err := b.db.Beginx()
	if err != nil {
		return fmt.Errorf("beginning ledger save: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.Exec("DELETE FROM ledger_events"); err != nil {
		return fmt.Errorf("clearing ledger events: %w", err)
	}
	const insert = `
		INSERT INTO ledger_events (
			position, event_id, event_type, actor_id,
			message, payload, occurred_at, is_read
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	stmt, err := tx.Preparex(insert)
	if err != nil {
		return fmt.Errorf("preparing ledger insert: %w", err)
	}
	defer stmt.Close()
	for position, event := range snapshot.Events {
		payload := "{}"
		if event.Payload != nil {
			raw, marshalErr := json.Marshal(event.Payload)
			if marshalErr != nil {
				return marshalErr
			}
			payload = string(raw)
		}
		_, err := stmt.Exec(
			position, event.EventID, string(event.Type), event.ActorID,
			event.Message, payload, event.Timestamp.Format(time.RFC3339Nano), event.Read,
		)
		if err != nil {
			return fmt.Errorf("inserting ledger event %s: %w", event.EventID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing ledger save: %w", err)
	}
	committed = true
	return nil
}

func (b *SQLiteBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

var _ Backend = (*SQLiteBackend)(nil)

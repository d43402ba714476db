package eventlog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/logabell/conversator/internal/common/logger"
)

// InboxItem is a notification derived from an event, persisted in the same
// transaction as the event it references.
type InboxItem struct {
	ID             string     `db:"id" json:"id"`
	TaskID         string     `db:"task_id" json:"task_id,omitempty"`
	Severity       string     `db:"severity" json:"severity"`
	Title          string     `db:"title" json:"title"`
	Body           string     `db:"body" json:"body,omitempty"`
	EventSeq       int64      `db:"event_seq" json:"event_seq"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	DeliveredAt    *time.Time `db:"delivered_at" json:"delivered_at,omitempty"`
	AcknowledgedAt *time.Time `db:"acknowledged_at" json:"acknowledged_at,omitempty"`
}

// Acknowledged reports whether the item has been acknowledged.
func (i *InboxItem) Acknowledged() bool { return i.AcknowledgedAt != nil }

type eventRow struct {
	Seq     int64          `db:"seq"`
	Time    time.Time      `db:"time"`
	Type    string         `db:"type"`
	TaskID  sql.NullString `db:"task_id"`
	Refs    sql.NullString `db:"refs"`
	Payload string         `db:"payload"`
	IdemKey sql.NullString `db:"idem_key"`
}

// Store persists events and inbox items in a single SQLite database.
type Store struct {
	db  *sqlx.DB
	log *logger.Logger
}

// OpenStore opens (creating if needed) the event database at path.
func OpenStore(path string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create event log directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open event database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, log: log}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		seq       INTEGER PRIMARY KEY,
		time      TIMESTAMP NOT NULL,
		type      TEXT NOT NULL,
		task_id   TEXT,
		refs      TEXT,
		payload   TEXT NOT NULL,
		idem_key  TEXT UNIQUE
	);
	CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id);

	CREATE TABLE IF NOT EXISTS inbox_items (
		id              TEXT PRIMARY KEY,
		task_id         TEXT,
		severity        TEXT NOT NULL,
		title           TEXT NOT NULL,
		body            TEXT,
		event_seq       INTEGER NOT NULL REFERENCES events(seq),
		created_at      TIMESTAMP NOT NULL,
		delivered_at    TIMESTAMP,
		acknowledged_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_inbox_pending
		ON inbox_items(acknowledged_at) WHERE acknowledged_at IS NULL;
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize event schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// AppendTx writes an event and its derived inbox items in one transaction.
func (s *Store) AppendTx(ev *Event, items []*InboxItem) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin append transaction: %w", err)
	}
	defer tx.Rollback()

	refsJSON := ""
	if !ev.Refs.IsZero() {
		b, err := json.Marshal(ev.Refs)
		if err != nil {
			return fmt.Errorf("failed to encode event refs: %w", err)
		}
		refsJSON = string(b)
	}
	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode event payload: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO events (seq, time, type, task_id, refs, payload, idem_key)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.Seq, ev.Time, string(ev.Type),
		nullable(ev.TaskID), nullable(refsJSON), string(payloadJSON),
		nullable(ev.IdempotencyKey),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event %d: %w", ev.Seq, err)
	}

	for _, item := range items {
		_, err = tx.Exec(`
			INSERT INTO inbox_items (id, task_id, severity, title, body, event_seq, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			item.ID, nullable(item.TaskID), item.Severity, item.Title,
			item.Body, item.EventSeq, item.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert inbox item %s: %w", item.ID, err)
		}
	}

	return tx.Commit()
}

// LoadAll reads the full event stream in seq order, truncating any torn tail:
// if a row fails to decode, that row and everything after it is deleted and
// the surviving prefix is returned.
func (s *Store) LoadAll() ([]*Event, error) {
	var rows []eventRow
	if err := s.db.Select(&rows, `SELECT * FROM events ORDER BY seq ASC`); err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}

	events := make([]*Event, 0, len(rows))
	for _, row := range rows {
		ev, err := decodeRow(row)
		if err != nil {
			s.log.Warn("truncating torn event log tail",
				zap.Int64("first_bad_seq", row.Seq),
				zap.Int("surviving", len(events)),
				zap.Error(err))
			// Children first: inbox items reference events and foreign
			// keys are enforced on this connection.
			if _, derr := s.db.Exec(`DELETE FROM inbox_items WHERE event_seq >= ?`, row.Seq); derr != nil {
				return nil, fmt.Errorf("failed to prune inbox past seq %d: %w", row.Seq, derr)
			}
			if _, derr := s.db.Exec(`DELETE FROM events WHERE seq >= ?`, row.Seq); derr != nil {
				return nil, fmt.Errorf("failed to truncate torn tail at seq %d: %w", row.Seq, derr)
			}
			break
		}
		events = append(events, ev)
	}
	return events, nil
}

// LoadRange reads events with seq in (afterSeq, afterSeq+limit].
func (s *Store) LoadRange(afterSeq int64, limit int) ([]*Event, error) {
	q := `SELECT * FROM events WHERE seq > ? ORDER BY seq ASC`
	args := []interface{}{afterSeq}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []eventRow
	if err := s.db.Select(&rows, q, args...); err != nil {
		return nil, fmt.Errorf("failed to load events after %d: %w", afterSeq, err)
	}
	events := make([]*Event, 0, len(rows))
	for _, row := range rows {
		ev, err := decodeRow(row)
		if err != nil {
			return nil, fmt.Errorf("failed to decode event %d: %w", row.Seq, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// SeqForIdempotencyKey returns the seq of the event previously appended with
// the given key, or 0 when the key is unknown.
func (s *Store) SeqForIdempotencyKey(key string) (int64, error) {
	var seq int64
	err := s.db.Get(&seq, `SELECT seq FROM events WHERE idem_key = ?`, key)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	return seq, nil
}

// PendingInbox returns unacknowledged items, blocking severity first, then
// oldest first.
func (s *Store) PendingInbox(limit int) ([]*InboxItem, error) {
	q := `
		SELECT * FROM inbox_items
		WHERE acknowledged_at IS NULL
		ORDER BY CASE WHEN severity = 'blocking' THEN 0 ELSE 1 END, event_seq ASC`
	args := []interface{}{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	var items []*InboxItem
	if err := s.db.Select(&items, q, args...); err != nil {
		return nil, fmt.Errorf("failed to load pending inbox items: %w", err)
	}
	return items, nil
}

// ListInbox returns all items for a task (or all tasks when taskID is empty),
// newest first.
func (s *Store) ListInbox(taskID string, limit int) ([]*InboxItem, error) {
	q := `SELECT * FROM inbox_items`
	args := []interface{}{}
	if taskID != "" {
		q += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	q += ` ORDER BY event_seq DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	var items []*InboxItem
	if err := s.db.Select(&items, q, args...); err != nil {
		return nil, fmt.Errorf("failed to list inbox items: %w", err)
	}
	return items, nil
}

// GetInboxItem returns one item by id, or nil when it does not exist.
func (s *Store) GetInboxItem(id string) (*InboxItem, error) {
	var item InboxItem
	err := s.db.Get(&item, `SELECT * FROM inbox_items WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load inbox item %s: %w", id, err)
	}
	return &item, nil
}

// ItemsForEvent returns the inbox items created alongside one event.
func (s *Store) ItemsForEvent(seq int64) ([]*InboxItem, error) {
	var items []*InboxItem
	if err := s.db.Select(&items,
		`SELECT * FROM inbox_items WHERE event_seq = ?`, seq); err != nil {
		return nil, fmt.Errorf("failed to load inbox items for event %d: %w", seq, err)
	}
	return items, nil
}

// UndeliveredInbox returns unacknowledged, never-delivered items, blocking
// severity first.
func (s *Store) UndeliveredInbox(limit int) ([]*InboxItem, error) {
	q := `
		SELECT * FROM inbox_items
		WHERE acknowledged_at IS NULL AND delivered_at IS NULL
		ORDER BY CASE WHEN severity = 'blocking' THEN 0 ELSE 1 END, event_seq ASC`
	args := []interface{}{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	var items []*InboxItem
	if err := s.db.Select(&items, q, args...); err != nil {
		return nil, fmt.Errorf("failed to load undelivered inbox items: %w", err)
	}
	return items, nil
}

// MarkInboxDelivered stamps delivered_at on the given items if not set.
func (s *Store) MarkInboxDelivered(ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	q, args, err := sqlx.In(
		`UPDATE inbox_items SET delivered_at = ? WHERE id IN (?) AND delivered_at IS NULL`,
		at, ids)
	if err != nil {
		return fmt.Errorf("failed to build delivery update: %w", err)
	}
	if _, err := s.db.Exec(q, args...); err != nil {
		return fmt.Errorf("failed to mark inbox items delivered: %w", err)
	}
	return nil
}

// AcknowledgeInbox stamps acknowledged_at. Returns false when the item does
// not exist or was already acknowledged.
func (s *Store) AcknowledgeInbox(id string, at time.Time) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE inbox_items SET acknowledged_at = ? WHERE id = ? AND acknowledged_at IS NULL`,
		at, id)
	if err != nil {
		return false, fmt.Errorf("failed to acknowledge inbox item %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func decodeRow(row eventRow) (*Event, error) {
	ev := &Event{
		Seq:    row.Seq,
		Time:   row.Time,
		Type:   EventType(row.Type),
		TaskID: row.TaskID.String,
	}
	if row.IdemKey.Valid {
		ev.IdempotencyKey = row.IdemKey.String
	}
	if row.Refs.Valid && row.Refs.String != "" {
		if err := json.Unmarshal([]byte(row.Refs.String), &ev.Refs); err != nil {
			return nil, fmt.Errorf("bad refs: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(row.Payload), &ev.Payload); err != nil {
		return nil, fmt.Errorf("bad payload: %w", err)
	}
	if !knownTypes[ev.Type] {
		return nil, fmt.Errorf("unknown event type %q", ev.Type)
	}
	return ev, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bbq191/find-my-android-sub002/internal/model"
	"github.com/bbq191/find-my-android-sub002/internal/queue"

	_ "modernc.org/sqlite"
)

const lastReportKey = "last_report"

// Store wraps the SQLite database holding the pending message queue, the
// processed message ledger and small pieces of locator state.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pending_messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			topic TEXT NOT NULL,
			payload BLOB NOT NULL,
			enqueued_at TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS processed_messages (
			message_id TEXT PRIMARY KEY,
			first_seen TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS app_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Append stores msg at the tail of the queue.
func (s *Store) Append(ctx context.Context, msg model.PendingMessage) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO pending_messages (id, topic, payload, enqueued_at, retry_count) VALUES (?, ?, ?, ?, ?);`,
		msg.ID,
		msg.Topic,
		msg.Payload,
		msg.EnqueuedAt.UTC().Format(time.RFC3339Nano),
		msg.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("insert pending message: %w", err)
	}
	return nil
}

// Remove deletes the message with id.
func (s *Store) Remove(ctx context.Context, id string) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_messages WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete pending message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete pending message: %w", err)
	}
	if n == 0 {
		return queue.ErrNotFound
	}
	return nil
}

// IncrementRetry bumps the retry counter of id and returns the new value.
func (s *Store) IncrementRetry(ctx context.Context, id string) (int, error) {
	if s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}

	var count int
	err := s.db.QueryRowContext(
		ctx,
		`UPDATE pending_messages SET retry_count = retry_count + 1 WHERE id = ? RETURNING retry_count;`,
		id,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, queue.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment retry count: %w", err)
	}
	return count, nil
}

// List returns every pending message in enqueue order.
func (s *Store) List(ctx context.Context) ([]model.PendingMessage, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, topic, payload, enqueued_at, retry_count FROM pending_messages ORDER BY seq ASC;`,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.PendingMessage
	for rows.Next() {
		var (
			msg        model.PendingMessage
			enqueuedAt string
		)
		if err := rows.Scan(&msg.ID, &msg.Topic, &msg.Payload, &enqueuedAt, &msg.RetryCount); err != nil {
			return nil, fmt.Errorf("scan pending message: %w", err)
		}
		msg.EnqueuedAt, err = time.Parse(time.RFC3339Nano, enqueuedAt)
		if err != nil {
			return nil, fmt.Errorf("parse enqueued_at for %s: %w", msg.ID, err)
		}
		msgs = append(msgs, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending messages: %w", err)
	}
	return msgs, nil
}

// Count returns the number of pending messages.
func (s *Store) Count(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_messages;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending messages: %w", err)
	}
	return n, nil
}

// SaveProcessed replaces the processed message ledger with records.
func (s *Store) SaveProcessed(ctx context.Context, records []model.ProcessedMessageRecord) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM processed_messages;`); err != nil {
		return fmt.Errorf("clear processed messages: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO processed_messages (message_id, first_seen) VALUES (?, ?);`)
	if err != nil {
		return fmt.Errorf("prepare processed insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx, rec.MessageID, rec.FirstSeen.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert processed message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit processed messages: %w", err)
	}
	return nil
}

// LoadProcessed returns the persisted ledger, oldest first.
func (s *Store) LoadProcessed(ctx context.Context) ([]model.ProcessedMessageRecord, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT message_id, first_seen FROM processed_messages ORDER BY first_seen ASC;`)
	if err != nil {
		return nil, fmt.Errorf("query processed messages: %w", err)
	}
	defer rows.Close()

	var records []model.ProcessedMessageRecord
	for rows.Next() {
		var (
			rec       model.ProcessedMessageRecord
			firstSeen string
		)
		if err := rows.Scan(&rec.MessageID, &firstSeen); err != nil {
			return nil, fmt.Errorf("scan processed message: %w", err)
		}
		rec.FirstSeen, err = time.Parse(time.RFC3339Nano, firstSeen)
		if err != nil {
			return nil, fmt.Errorf("parse first_seen for %s: %w", rec.MessageID, err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate processed messages: %w", err)
	}
	return records, nil
}

// SaveLastReport persists the most recent successful report.
func (s *Store) SaveLastReport(ctx context.Context, rec model.ReportRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode last report: %w", err)
	}
	return s.UpsertAppConfig(ctx, lastReportKey, string(payload))
}

// LastReport returns the persisted report record, or nil when none exists.
func (s *Store) LastReport(ctx context.Context) (*model.ReportRecord, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_config WHERE key = ?;`, lastReportKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query last report: %w", err)
	}

	var rec model.ReportRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode last report: %w", err)
	}
	return &rec, nil
}

// UpsertAppConfig stores a key/value entry.
func (s *Store) UpsertAppConfig(ctx context.Context, key, value string) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO app_config (key, value, updated_at) VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`,
		key,
		value,
	)
	if err != nil {
		return fmt.Errorf("upsert app config: %w", err)
	}
	return nil
}

// AppConfig returns all configuration entries as a map.
func (s *Store) AppConfig(ctx context.Context) (map[string]string, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM app_config;`)
	if err != nil {
		return nil, fmt.Errorf("query app config: %w", err)
	}
	defer rows.Close()

	config := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan app config: %w", err)
		}
		config[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate app config: %w", err)
	}
	return config, nil
}

package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/SAP-F-2025/exam-session/internal/models"
	_ "modernc.org/sqlite" // driver: sqlite
)

const (
	kindSnapshot  = "answers"
	kindWatermark = "last_sync"
	kindPayload   = "payload"
)

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS session_records (
  attempt_id TEXT NOT NULL,
  kind       TEXT NOT NULL,
  data       TEXT NOT NULL,
  updated_at INTEGER NOT NULL,
  PRIMARY KEY (attempt_id, kind)
);
`

// SQLiteStore persists records in one sqlite table keyed by (attempt_id, kind).
type SQLiteStore struct {
	db *sql.DB
}

// DefaultDSN is used when OpenSQLite gets an empty dsn.
const DefaultDSN = "file:exam-session.db?cache=shared&mode=rwc&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

// OpenSQLite opens the database and ensures the schema exists.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		dsn = DefaultDSN
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	// one writer keeps every mutation ordered
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach local store: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQLite); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create local store schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) put(ctx context.Context, attemptID, kind string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s record: %w", kind, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session_records (attempt_id, kind, data, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (attempt_id, kind) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		attemptID, kind, string(data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to write %s record: %w", kind, err)
	}
	return nil
}

func (s *SQLiteStore) get(ctx context.Context, attemptID, kind string, dest interface{}) error {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM session_records WHERE attempt_id = ? AND kind = ?`,
		attemptID, kind).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read %s record: %w", kind, err)
	}
	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return fmt.Errorf("failed to decode %s record: %w", kind, err)
	}
	return nil
}

func (s *SQLiteStore) delete(ctx context.Context, attemptID, kind string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM session_records WHERE attempt_id = ? AND kind = ?`, attemptID, kind); err != nil {
		return fmt.Errorf("failed to delete %s record: %w", kind, err)
	}
	return nil
}

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, attemptID string, snap Snapshot) error {
	if snap.Answers == nil {
		snap.Answers = []models.Answer{}
	}
	return s.put(ctx, attemptID, kindSnapshot, snap)
}

func (s *SQLiteStore) LoadSnapshot(ctx context.Context, attemptID string) (*Snapshot, error) {
	var snap Snapshot
	if err := s.get(ctx, attemptID, kindSnapshot, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *SQLiteStore) DeleteSnapshot(ctx context.Context, attemptID string) error {
	return s.delete(ctx, attemptID, kindSnapshot)
}

func (s *SQLiteStore) SaveWatermark(ctx context.Context, attemptID string, watermark time.Time) error {
	return s.put(ctx, attemptID, kindWatermark, watermark.UTC().Format(time.RFC3339Nano))
}

func (s *SQLiteStore) LoadWatermark(ctx context.Context, attemptID string) (time.Time, error) {
	var raw string
	if err := s.get(ctx, attemptID, kindWatermark, &raw); err != nil {
		return time.Time{}, err
	}
	wm, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse watermark: %w", err)
	}
	return wm, nil
}

func (s *SQLiteStore) DeleteWatermark(ctx context.Context, attemptID string) error {
	return s.delete(ctx, attemptID, kindWatermark)
}

func (s *SQLiteStore) SavePayload(ctx context.Context, attemptID string, payload *models.AttemptPayload) error {
	if payload == nil {
		return errors.New("nil payload")
	}
	return s.put(ctx, attemptID, kindPayload, payload)
}

func (s *SQLiteStore) LoadPayload(ctx context.Context, attemptID string) (*models.AttemptPayload, error) {
	var payload models.AttemptPayload
	if err := s.get(ctx, attemptID, kindPayload, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

func (s *SQLiteStore) DeletePayload(ctx context.Context, attemptID string) error {
	return s.delete(ctx, attemptID, kindPayload)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

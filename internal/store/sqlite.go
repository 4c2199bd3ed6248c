package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/atmx/priors-engine/internal/model"
)

// SQLiteStore implements Store on a single SQLite file. It replaces the
// flat priors JSON file for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at path. ":memory:" gives a
// throwaway database for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS posterior_records (
			event_id       TEXT    NOT NULL,
			as_of          INTEGER NOT NULL,
			run_id         TEXT    NOT NULL,
			model          TEXT    NOT NULL,
			low_confidence INTEGER NOT NULL DEFAULT 0,
			payload        TEXT    NOT NULL,
			created_at     INTEGER NOT NULL,
			PRIMARY KEY (event_id, as_of)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_created_at ON posterior_records(created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, rec *model.Record) error {
	payload, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO posterior_records
			(event_id, as_of, run_id, model, low_confidence, payload, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		rec.EventID, rec.AsOf.UnixNano(), rec.RunID,
		rec.Posterior.Model.Name, rec.Posterior.Model.LowConfidence,
		payload, rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Latest(ctx context.Context, eventID string) (*model.Record, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM posterior_records
		WHERE event_id = ?
		ORDER BY as_of DESC LIMIT 1`, eventID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest: %w", err)
	}
	return decodeRecord([]byte(payload))
}

func (s *SQLiteStore) History(ctx context.Context, eventID string) (*model.EventHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM posterior_records
		WHERE event_id = ?
		ORDER BY as_of ASC`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	h := &model.EventHistory{EventID: eventID}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		rec, err := decodeRecord([]byte(payload))
		if err != nil {
			return nil, err
		}
		h.Snapshots = append(h.Snapshots, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(h.Snapshots) == 0 {
		return nil, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	return h, nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT event_id FROM posterior_records ORDER BY event_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func encodeRecord(rec *model.Record) (string, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	return string(data), nil
}

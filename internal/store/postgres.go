package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/priors-engine/internal/model"
)

// postgresSchema is applied by Migrate. The full record lives in payload;
// the other columns exist for keying and ad-hoc queries.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS posterior_records (
	event_id       TEXT        NOT NULL,
	as_of          TIMESTAMPTZ NOT NULL,
	run_id         UUID        NOT NULL,
	model          TEXT        NOT NULL,
	low_confidence BOOLEAN     NOT NULL DEFAULT FALSE,
	payload        JSONB       NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (event_id, as_of)
)`

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the records table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate posterior_records: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, rec *model.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO posterior_records (event_id, as_of, run_id, model, low_confidence, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (event_id, as_of) DO UPDATE SET
		     run_id = EXCLUDED.run_id,
		     model = EXCLUDED.model,
		     low_confidence = EXCLUDED.low_confidence,
		     payload = EXCLUDED.payload,
		     created_at = EXCLUDED.created_at`,
		rec.EventID, rec.AsOf, rec.RunID,
		rec.Posterior.Model.Name, rec.Posterior.Model.LowConfidence,
		payload, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append record %s@%s: %w", rec.EventID, rec.AsOf, err)
	}
	return nil
}

func (s *PostgresStore) Latest(ctx context.Context, eventID string) (*model.Record, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM posterior_records
		 WHERE event_id = $1
		 ORDER BY as_of DESC LIMIT 1`, eventID).
		Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get latest %s: %w", eventID, err)
	}
	return decodeRecord(payload)
}

func (s *PostgresStore) History(ctx context.Context, eventID string) (*model.EventHistory, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM posterior_records
		 WHERE event_id = $1
		 ORDER BY as_of ASC`, eventID)
	if err != nil {
		return nil, fmt.Errorf("get history %s: %w", eventID, err)
	}
	defer rows.Close()

	h := &model.EventHistory{EventID: eventID}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		rec, err := decodeRecord(payload)
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

func (s *PostgresStore) ListEvents(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
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

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func decodeRecord(payload []byte) (*model.Record, error) {
	var rec model.Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}

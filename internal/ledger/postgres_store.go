package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dqalarm/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS trigger_alerts (
	id         BIGSERIAL PRIMARY KEY,
	trigger_id TEXT        NOT NULL,
	ts         TIMESTAMPTZ NOT NULL,
	message    TEXT        NOT NULL,
	in_alarm   BOOLEAN     NOT NULL
);
CREATE INDEX IF NOT EXISTS trigger_alerts_latest_idx ON trigger_alerts (trigger_id, ts DESC, id DESC);`

const selectLatestAlert = `
SELECT id, trigger_id, ts, message, in_alarm
FROM trigger_alerts
WHERE trigger_id = $1
ORDER BY ts DESC, id DESC
LIMIT 1`

// PostgresStore persists alerts in one table; the revision is the latest alert id.
// Params: pgx connection pool.
// Returns: SQL-backed ledger store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings, and optionally creates the schema.
// Params: context, DSN, and whether to run CREATE TABLE IF NOT EXISTS.
// Returns: initialized store or connection error.
func NewPostgresStore(ctx context.Context, dsn string, ensureSchema bool) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if ensureSchema {
		if _, err := pool.Exec(ctx, ledgerSchema); err != nil {
			pool.Close()
			return nil, fmt.Errorf("create ledger schema: %w", err)
		}
	}
	return &PostgresStore{pool: pool}, nil
}

// Latest returns the newest alert ordered by (ts, id).
func (s *PostgresStore) Latest(ctx context.Context, triggerID string) (domain.Alert, uint64, error) {
	alert, err := scanAlert(s.pool.QueryRow(ctx, selectLatestAlert, triggerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Alert{}, 0, ErrNotFound
		}
		return domain.Alert{}, 0, fmt.Errorf("select latest alert: %w", err)
	}
	return alert, alert.ID, nil
}

// Append inserts inside a transaction holding a per-trigger advisory lock.
// Params: alert and the latest alert id read by the caller (0 when none).
// Returns: stored alert or ErrConflict when a newer head exists.
func (s *PostgresStore) Append(ctx context.Context, alert domain.Alert, expectedRevision uint64) (domain.Alert, uint64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Alert{}, 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, alert.TriggerID); err != nil {
		return domain.Alert{}, 0, fmt.Errorf("advisory lock: %w", err)
	}

	var head uint64
	current, err := scanAlert(tx.QueryRow(ctx, selectLatestAlert, alert.TriggerID))
	switch {
	case err == nil:
		head = current.ID
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return domain.Alert{}, 0, fmt.Errorf("select head: %w", err)
	}
	if head != expectedRevision {
		return domain.Alert{}, 0, ErrConflict
	}

	var id int64
	if err := tx.QueryRow(ctx, `
		INSERT INTO trigger_alerts (trigger_id, ts, message, in_alarm)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		alert.TriggerID, alert.Timestamp, alert.Message, alert.InAlarm,
	).Scan(&id); err != nil {
		return domain.Alert{}, 0, fmt.Errorf("insert alert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Alert{}, 0, fmt.Errorf("commit: %w", err)
	}
	alert.ID = uint64(id)
	return alert, alert.ID, nil
}

// History lists alerts newest first.
func (s *PostgresStore) History(ctx context.Context, triggerID string, limit int) ([]domain.Alert, error) {
	query := `
		SELECT id, trigger_id, ts, message, in_alarm
		FROM trigger_alerts
		WHERE trigger_id = $1
		ORDER BY ts DESC, id DESC`
	args := []any{triggerID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select history: %w", err)
	}
	defer rows.Close()
	out := []domain.Alert{}
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, alert)
	}
	return out, rows.Err()
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanAlert(row pgx.Row) (domain.Alert, error) {
	var (
		alert domain.Alert
		id    int64
	)
	if err := row.Scan(&id, &alert.TriggerID, &alert.Timestamp, &alert.Message, &alert.InAlarm); err != nil {
		return domain.Alert{}, err
	}
	alert.ID = uint64(id)
	alert.Timestamp = alert.Timestamp.UTC()
	return alert, nil
}

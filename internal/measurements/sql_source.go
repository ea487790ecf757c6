package measurements

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"dqalarm/internal/domain"
	"dqalarm/internal/engine"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
)

// ErrUnreachable marks failures to reach the measurement store at all.
var ErrUnreachable = errors.New("measurement store unreachable")

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// SQLSettings configures the SQL measurement source.
type SQLSettings struct {
	// Driver is "postgres" (lib/pq) or "pgx" (pgx stdlib).
	Driver       string
	DSN          string
	Table        string
	MaxOpenConns int
	MaxIdleConns int
}

// SQLSource reads measurements from a table with columns
// (metric, channel, value, starttime, endtime) and a unique key on (metric, channel, starttime).
// Params: database handle and validated table name.
// Returns: engine.MeasurementSource backed by Postgres.
type SQLSource struct {
	db    *sql.DB
	table string
}

// OpenSQLSource opens the database handle and pings it.
// Params: context and SQL settings.
// Returns: ready source or connection error.
func OpenSQLSource(ctx context.Context, settings SQLSettings) (*SQLSource, error) {
	switch settings.Driver {
	case "postgres", "pgx":
	default:
		return nil, fmt.Errorf("unsupported measurements driver %q", settings.Driver)
	}
	db, err := sql.Open(settings.Driver, settings.DSN)
	if err != nil {
		return nil, fmt.Errorf("open measurements database: %w", err)
	}
	if settings.MaxOpenConns > 0 {
		db.SetMaxOpenConns(settings.MaxOpenConns)
	}
	if settings.MaxIdleConns > 0 {
		db.SetMaxIdleConns(settings.MaxIdleConns)
	}
	source, err := NewSQLSource(db, settings.Table)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := source.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return source, nil
}

// NewSQLSource wraps an existing handle.
func NewSQLSource(db *sql.DB, table string) (*SQLSource, error) {
	if table == "" {
		table = "measurements"
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid measurements table name %q", table)
	}
	return &SQLSource{db: db, table: table}, nil
}

// Ping checks that the database is reachable.
func (s *SQLSource) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("%w: ping measurements database: %w", ErrUnreachable, err)
	}
	return nil
}

// Fetch runs the windowed or last-N query for one monitor.
func (s *SQLSource) Fetch(ctx context.Context, query engine.Query) ([]domain.Measurement, error) {
	if len(query.Channels) == 0 {
		return []domain.Measurement{}, nil
	}
	var (
		stmt string
		args []any
	)
	switch {
	case query.LimitPerChannel > 0:
		stmt = fmt.Sprintf(`
			SELECT channel, value, starttime, endtime FROM (
				SELECT channel, value, starttime, endtime,
					ROW_NUMBER() OVER (PARTITION BY channel ORDER BY starttime DESC) AS rn
				FROM %s
				WHERE metric = $1 AND channel = ANY($2) AND starttime < $3
			) ranked
			WHERE rn <= $4
			ORDER BY channel, starttime DESC`, s.table)
		args = []any{query.MetricID, pq.Array(query.Channels), query.End, query.LimitPerChannel}
	case query.Start != nil:
		stmt = fmt.Sprintf(`
			SELECT channel, value, starttime, endtime
			FROM %s
			WHERE metric = $1 AND channel = ANY($2) AND starttime >= $3 AND starttime < $4
			ORDER BY channel, starttime`, s.table)
		args = []any{query.MetricID, pq.Array(query.Channels), *query.Start, query.End}
	default:
		return nil, errors.New("query needs a start time or a per-channel limit")
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query measurements: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Measurement, 0)
	for rows.Next() {
		m := domain.Measurement{Metric: query.MetricID}
		var endtime sql.NullTime
		if err := rows.Scan(&m.Channel, &m.Value, &m.Starttime, &endtime); err != nil {
			return nil, fmt.Errorf("scan measurement: %w", err)
		}
		m.Starttime = m.Starttime.UTC()
		if endtime.Valid {
			m.Endtime = endtime.Time.UTC()
		} else {
			m.Endtime = m.Starttime
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate measurements: %w", err)
	}
	return out, nil
}

// Append upserts measurements by (metric, channel, starttime) in one transaction.
func (s *SQLSource) Append(ctx context.Context, measurements []domain.Measurement) error {
	if len(measurements) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (metric, channel, value, starttime, endtime) VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (metric, channel, starttime) DO UPDATE SET value = EXCLUDED.value, endtime = EXCLUDED.endtime`, s.table))
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()
	for _, m := range measurements {
		endtime := m.Endtime
		if endtime.IsZero() {
			endtime = m.Starttime
		}
		if _, err := stmt.ExecContext(ctx, m.Metric, m.Channel, m.Value, m.Starttime.UTC(), endtime.UTC()); err != nil {
			return fmt.Errorf("upsert measurement: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *SQLSource) Close() error {
	return s.db.Close()
}

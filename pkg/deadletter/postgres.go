package deadletter

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/driftsync/driftsync/pkg/errors"
	jsonpool "github.com/driftsync/driftsync/pkg/json"
	"github.com/driftsync/driftsync/pkg/record"
)

const deadLetterSchema = `
CREATE TABLE IF NOT EXISTS driftsync_dead_letters (
	id              TEXT PRIMARY KEY,
	pair_id         TEXT NOT NULL,
	record_key      TEXT NOT NULL,
	record          JSONB NOT NULL,
	reason          TEXT NOT NULL,
	detail          TEXT,
	attempts        INT NOT NULL,
	first_failed_at TIMESTAMPTZ NOT NULL,
	last_failed_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS driftsync_dead_letters_pair_idx
	ON driftsync_dead_letters (pair_id, last_failed_at)`

// PostgresSink stores dead-letter entries in a PostgreSQL table.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink connects to PostgreSQL and ensures the dead-letter
// table exists.
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse dead-letter sink DSN")
	}
	poolConfig.MaxConns = 4
	poolConfig.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnectorUnavailable, "failed to create dead-letter sink pool")
	}

	if _, err := pool.Exec(ctx, deadLetterSchema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to ensure dead-letter table")
	}

	return &PostgresSink{pool: pool}, nil
}

// Put inserts the entry.
func (s *PostgresSink) Put(ctx context.Context, entry *Entry) error {
	recJSON, err := jsonpool.Marshal(entry.Record)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode dead-letter record")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO driftsync_dead_letters
			(id, pair_id, record_key, record, reason, detail, attempts, first_failed_at, last_failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, entry.Pair, entry.Record.Key, recJSON, entry.Reason, entry.Detail,
		entry.Attempts, entry.FirstFailedAt, entry.LastFailedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to insert dead-letter entry")
	}
	return nil
}

// List returns matching entries ordered oldest first.
func (s *PostgresSink) List(ctx context.Context, filter Filter) ([]*Entry, error) {
	query := `
		SELECT id, pair_id, record, reason, detail, attempts, first_failed_at, last_failed_at
		FROM driftsync_dead_letters
		WHERE ($1 = '' OR pair_id = $1)
		  AND ($2 = '' OR reason = $2)
		  AND ($3 = '' OR record_key = $3)
		  AND ($4::timestamptz IS NULL OR last_failed_at >= $4)
		ORDER BY first_failed_at`

	var since interface{}
	if !filter.Since.IsZero() {
		since = filter.Since
	}

	args := []interface{}{filter.Pair, filter.Reason, filter.Key, since}
	if filter.Limit > 0 {
		query += ` LIMIT $5`
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to list dead-letter entries")
	}
	defer rows.Close()

	out := make([]*Entry, 0)
	for rows.Next() {
		var (
			entry   Entry
			recJSON []byte
		)
		if err := rows.Scan(&entry.ID, &entry.Pair, &recJSON, &entry.Reason, &entry.Detail,
			&entry.Attempts, &entry.FirstFailedAt, &entry.LastFailedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to scan dead-letter entry")
		}
		var rec record.Record
		if err := jsonpool.Unmarshal(recJSON, &rec); err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeInternal, "corrupt dead-letter record %s", entry.ID)
		}
		entry.Record = &rec
		out = append(out, &entry)
	}
	return out, rows.Err()
}

// Requeue deletes the entry and returns its record.
func (s *PostgresSink) Requeue(ctx context.Context, id string) (*record.Record, error) {
	var recJSON []byte
	err := s.pool.QueryRow(ctx, `
		DELETE FROM driftsync_dead_letters WHERE id = $1 RETURNING record`, id).Scan(&recJSON)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.Newf(errors.ErrorTypeNotFound, "no dead-letter entry with id %s", id)
		}
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to requeue dead-letter entry")
	}

	var rec record.Record
	if err := jsonpool.Unmarshal(recJSON, &rec); err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeInternal, "corrupt dead-letter record %s", id)
	}
	return &rec, nil
}

// Purge deletes entries older than the cutoff.
func (s *PostgresSink) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM driftsync_dead_letters WHERE last_failed_at < $1`, olderThan)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeInternal, "failed to purge dead-letter entries")
	}
	return int(tag.RowsAffected()), nil
}

// Size counts entries, optionally scoped to one pair.
func (s *PostgresSink) Size(ctx context.Context, pair string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM driftsync_dead_letters WHERE ($1 = '' OR pair_id = $1)`, pair).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeInternal, "failed to count dead-letter entries")
	}
	return n, nil
}

// Close releases the connection pool.
func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}

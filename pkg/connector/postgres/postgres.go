// Package postgres provides a connector backed by a PostgreSQL sync
// table. Rows are soft-deleted and every write advances a change
// sequence, so ListChanges serves incremental reads with a plain
// indexed range scan and deletions still reach the other side of the
// pair. Checkpoints are the decimal change sequence of the last
// delivered row.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/driftsync/driftsync/pkg/checkpoint"
	"github.com/driftsync/driftsync/pkg/config"
	"github.com/driftsync/driftsync/pkg/connector/base"
	"github.com/driftsync/driftsync/pkg/connector/core"
	"github.com/driftsync/driftsync/pkg/errors"
	jsonpool "github.com/driftsync/driftsync/pkg/json"
	"github.com/driftsync/driftsync/pkg/record"
)

// Type is the registry name of this connector.
const Type = "postgres"

const defaultTable = "driftsync_records"

// identifierPattern constrains table names interpolated into DDL.
var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*(\.[a-zA-Z_][a-zA-Z0-9_]*)?$`)

// Connector reads and writes a PostgreSQL sync table through a pgx
// connection pool.
type Connector struct {
	*base.BaseConnector

	dsn   string
	table string
	pool  *pgxpool.Pool
}

// New creates an uninitialized postgres connector.
func New(name string) *Connector {
	return &Connector{
		BaseConnector: base.NewBaseConnector(name, Type),
		table:         defaultTable,
	}
}

// Initialize connects the pool and ensures the sync table exists.
//
// Settings:
//
//	dsn   postgres connection string (also read from
//	      security.credentials for setups that keep secrets there)
//	table sync table name (default driftsync_records)
func (c *Connector) Initialize(ctx context.Context, cfg *config.ConnectorConfig) error {
	if err := c.BaseConnector.Initialize(ctx, cfg); err != nil {
		return err
	}

	c.dsn = cfg.Settings["dsn"]
	if c.dsn == "" {
		c.dsn = cfg.Security.Credentials["dsn"]
	}
	if c.dsn == "" {
		return errors.New(errors.ErrorTypeConfig, "postgres connector requires a dsn setting")
	}

	if table := cfg.Settings["table"]; table != "" {
		c.table = table
	}
	if !identifierPattern.MatchString(c.table) {
		return errors.Newf(errors.ErrorTypeConfig, "invalid table name %q", c.table)
	}

	poolCfg, err := pgxpool.ParseConfig(c.dsn)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse dsn")
	}
	poolCfg.MaxConns = int32(cfg.Performance.MaxConcurrency)
	if poolCfg.MaxConns <= 0 {
		poolCfg.MaxConns = 10
	}
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute
	if cfg.Timeouts.Connection > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.Timeouts.Connection
	}

	c.pool, err = pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnectorUnavailable, "failed to create connection pool")
	}

	if err := c.ensureSchema(ctx); err != nil {
		c.pool.Close()
		return err
	}

	c.SetHealthCheck(func(ctx context.Context) error {
		return c.pool.Ping(ctx)
	})

	c.Logger().Info("postgres connector initialized",
		zap.String("table", c.table),
		zap.Int32("max_connections", poolCfg.MaxConns))

	return nil
}

func (c *Connector) ensureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			record_key  TEXT PRIMARY KEY,
			payload     JSONB,
			metadata    JSONB,
			operation   TEXT NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL,
			version     BIGINT NOT NULL DEFAULT 1,
			deleted     BOOLEAN NOT NULL DEFAULT FALSE,
			change_seq  BIGSERIAL
		)`, c.table)
	if _, err := c.pool.Exec(ctx, ddl); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnectorUnavailable, "failed to create sync table")
	}

	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_change_seq_idx ON %s (change_seq)`,
		indexSafe(c.table), c.table)
	if _, err := c.pool.Exec(ctx, idx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnectorUnavailable, "failed to create change index")
	}
	return nil
}

// indexSafe flattens a possibly schema-qualified name for use inside
// an index identifier.
func indexSafe(table string) string {
	out := make([]byte, 0, len(table))
	for i := 0; i < len(table); i++ {
		if table[i] == '.' {
			out = append(out, '_')
			continue
		}
		out = append(out, table[i])
	}
	return string(out)
}

// ListChanges returns rows whose change sequence is past the
// checkpoint, oldest first.
func (c *Connector) ListChanges(ctx context.Context, since *checkpoint.Checkpoint, limit int) (*core.ChangeBatch, error) {
	var from int64
	if since != nil && since.Position != "" {
		parsed, err := strconv.ParseInt(since.Position, 10, 64)
		if err != nil {
			return nil, errors.Newf(errors.ErrorTypeValidation, "invalid checkpoint position %q", since.Position)
		}
		from = parsed
	}

	if limit <= 0 {
		limit = c.Config().Performance.BatchSize
	}

	// Fetch one extra row to learn whether more changes remain.
	query := fmt.Sprintf(`
		SELECT record_key, payload, metadata, operation, updated_at, version, deleted, change_seq
		FROM %s
		WHERE change_seq > $1
		ORDER BY change_seq ASC
		LIMIT $2`, c.table)

	rows, err := c.pool.Query(ctx, query, from, limit+1)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnectorUnavailable, "failed to query changes")
	}
	defer rows.Close()

	records := make([]*record.Record, 0, limit)
	next := from
	hasMore := false

	for rows.Next() {
		if len(records) == limit {
			hasMore = true
			break
		}

		rec, seq, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
		next = seq
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnectorUnavailable, "failed to read change rows")
	}

	c.ObserveRead(len(records))

	return &core.ChangeBatch{
		Records:        records,
		NextCheckpoint: checkpoint.New(strconv.FormatInt(next, 10)),
		HasMore:        hasMore,
	}, nil
}

func scanRecord(rows pgx.Rows) (*record.Record, int64, error) {
	var (
		key        string
		payloadRaw []byte
		metaRaw    []byte
		operation  string
		updatedAt  time.Time
		version    int64
		deleted    bool
		seq        int64
	)
	if err := rows.Scan(&key, &payloadRaw, &metaRaw, &operation, &updatedAt, &version, &deleted, &seq); err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrorTypeConnectorUnavailable, "failed to scan change row")
	}

	rec := &record.Record{
		Key:       key,
		Operation: record.Operation(operation),
		Timestamp: updatedAt,
		Version:   strconv.FormatInt(version, 10),
	}
	if deleted {
		rec.Operation = record.OpDelete
	}
	if len(payloadRaw) > 0 {
		if err := jsonpool.Unmarshal(payloadRaw, &rec.Payload); err != nil {
			return nil, 0, errors.Wrapf(err, errors.ErrorTypeSchemaMismatch, "corrupt payload for key %s", key)
		}
	}
	if len(metaRaw) > 0 {
		if err := jsonpool.Unmarshal(metaRaw, &rec.Metadata); err != nil {
			return nil, 0, errors.Wrapf(err, errors.ErrorTypeSchemaMismatch, "corrupt metadata for key %s", key)
		}
	}

	return rec, seq, nil
}

// Fetch returns the live version of each key that exists.
func (c *Connector) Fetch(ctx context.Context, keys []string) (map[string]*record.Record, error) {
	if len(keys) == 0 {
		return map[string]*record.Record{}, nil
	}

	query := fmt.Sprintf(`
		SELECT record_key, payload, metadata, operation, updated_at, version, deleted, change_seq
		FROM %s
		WHERE record_key = ANY($1) AND NOT deleted`, c.table)

	rows, err := c.pool.Query(ctx, query, keys)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnectorUnavailable, "failed to fetch records")
	}
	defer rows.Close()

	out := make(map[string]*record.Record, len(keys))
	for rows.Next() {
		rec, _, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out[rec.Key] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnectorUnavailable, "failed to read fetched rows")
	}

	return out, nil
}

// ApplyChanges upserts records in one round trip using a pgx batch.
// Deletes are soft so they remain visible to downstream ListChanges.
func (c *Connector) ApplyChanges(ctx context.Context, records []*record.Record) ([]core.ApplyResult, error) {
	results := make([]core.ApplyResult, len(records))
	batch := &pgx.Batch{}
	queued := make([]int, 0, len(records))

	upsert := fmt.Sprintf(`
		INSERT INTO %s (record_key, payload, metadata, operation, updated_at, deleted)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (record_key) DO UPDATE SET
			payload    = EXCLUDED.payload,
			metadata   = EXCLUDED.metadata,
			operation  = EXCLUDED.operation,
			updated_at = EXCLUDED.updated_at,
			deleted    = EXCLUDED.deleted,
			version    = %s.version + 1,
			change_seq = nextval(pg_get_serial_sequence('%s', 'change_seq'))`,
		c.table, c.table, c.table)

	applied, failed := 0, 0

	for i, rec := range records {
		if err := c.Validate(rec); err != nil {
			results[i] = core.ApplyResult{Record: rec, Status: core.ApplyStatusFailed, Error: err}
			failed++
			continue
		}

		var payloadRaw, metaRaw []byte
		var err error
		if rec.HasPayload() {
			if payloadRaw, err = jsonpool.Marshal(rec.Payload); err != nil {
				results[i] = core.ApplyResult{Record: rec, Status: core.ApplyStatusFailed,
					Error: errors.Wrap(err, errors.ErrorTypeValidation, "failed to encode payload")}
				failed++
				continue
			}
		}
		if len(rec.Metadata) > 0 {
			if metaRaw, err = jsonpool.Marshal(rec.Metadata); err != nil {
				results[i] = core.ApplyResult{Record: rec, Status: core.ApplyStatusFailed,
					Error: errors.Wrap(err, errors.ErrorTypeValidation, "failed to encode metadata")}
				failed++
				continue
			}
		}

		ts := rec.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}

		batch.Queue(upsert, rec.Key, payloadRaw, metaRaw, string(rec.Operation), ts, rec.IsDelete())
		queued = append(queued, i)
	}

	if batch.Len() > 0 {
		br := c.pool.SendBatch(ctx, batch)
		for _, i := range queued {
			if _, err := br.Exec(); err != nil {
				results[i] = core.ApplyResult{Record: records[i], Status: core.ApplyStatusFailed,
					Error: errors.Wrapf(err, errors.ErrorTypeConnectorUnavailable, "failed to apply key %s", records[i].Key)}
				failed++
				continue
			}
			results[i] = core.ApplyResult{Record: records[i], Status: core.ApplyStatusApplied}
			applied++
		}
		if err := br.Close(); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConnectorUnavailable, "failed to close batch")
		}
	}

	c.ObserveApply(applied, failed)
	return results, nil
}

// GetLatestCheckpoint returns the highest change sequence in the table.
func (c *Connector) GetLatestCheckpoint(ctx context.Context) (*checkpoint.Checkpoint, error) {
	query := fmt.Sprintf(`SELECT COALESCE(MAX(change_seq), 0) FROM %s`, c.table)

	var head int64
	if err := c.pool.QueryRow(ctx, query).Scan(&head); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnectorUnavailable, "failed to read head sequence")
	}

	return checkpoint.New(strconv.FormatInt(head, 10)), nil
}

// Close releases the connection pool.
func (c *Connector) Close(ctx context.Context) error {
	if c.pool != nil {
		c.pool.Close()
		c.pool = nil
	}
	return c.BaseConnector.Close(ctx)
}

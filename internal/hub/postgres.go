// File: internal/hub/postgres.go
package hub

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/nxshade/evold/api/schemas"
	"github.com/nxshade/evold/internal/config"
)

// DBPool is the slice of pgxpool.Pool the archive needs. Tests swap in a
// mock pool behind the same methods.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

const (
	createMessagesTable = `
CREATE TABLE IF NOT EXISTS hub_messages (
    id     TEXT PRIMARY KEY,
    sender TEXT NOT NULL,
    type   TEXT NOT NULL,
    ts     TIMESTAMPTZ NOT NULL,
    body   JSONB NOT NULL
)`
	createTimestampIndex = `CREATE INDEX IF NOT EXISTS hub_messages_ts_idx ON hub_messages (ts)`
	createTypeIndex      = `CREATE INDEX IF NOT EXISTS hub_messages_type_idx ON hub_messages (type)`

	insertMessage = `
INSERT INTO hub_messages (id, sender, type, ts, body)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO NOTHING`

	// Keeps the newest N rows. Everything past the retention horizon goes.
	pruneMessages = `
DELETE FROM hub_messages
WHERE id IN (SELECT id FROM hub_messages ORDER BY ts DESC OFFSET $1)`

	selectSince  = `SELECT body FROM hub_messages WHERE ts > $1 ORDER BY ts ASC LIMIT $2`
	selectByType = `SELECT body FROM hub_messages WHERE type = $1 ORDER BY ts ASC LIMIT $2`
	countRows    = `SELECT COUNT(*) FROM hub_messages`
)

// PostgresArchive persists hub traffic in a single table, with the raw
// message body alongside the columns queries filter on.
type PostgresArchive struct {
	logger    *zap.Logger
	pool      DBPool
	retention int
}

func openPostgresArchive(ctx context.Context, logger *zap.Logger, cfg config.HubConfig) (Archive, error) {
	pool, err := pgxpool.New(ctx, cfg.Postgres.DSN())
	if err != nil {
		return nil, fmt.Errorf("hub: failed to open postgres pool: %w", err)
	}
	return NewPostgresArchive(ctx, logger, pool, cfg.Retention)
}

// NewPostgresArchive pings the pool and makes sure the schema exists.
func NewPostgresArchive(ctx context.Context, logger *zap.Logger, pool DBPool, retention int) (*PostgresArchive, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("hub: failed to ping database: %w", err)
	}
	for _, stmt := range []string{createMessagesTable, createTimestampIndex, createTypeIndex} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("hub: failed to create schema: %w", err)
		}
	}
	if retention <= 0 {
		retention = 4096
	}
	logger.Info("Hub archive schema verified.")
	return &PostgresArchive{logger: logger, pool: pool, retention: retention}, nil
}

func (a *PostgresArchive) Save(ctx context.Context, msg schemas.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("hub: failed to encode message %s: %w", msg.ID, err)
	}
	if _, err := a.pool.Exec(ctx, insertMessage, msg.ID, msg.SenderID, string(msg.Type), msg.Timestamp, body); err != nil {
		return fmt.Errorf("hub: failed to insert message %s: %w", msg.ID, err)
	}
	// Pruning rides along with every save.
	if _, err := a.pool.Exec(ctx, pruneMessages, a.retention); err != nil {
		return fmt.Errorf("hub: failed to prune archive: %w", err)
	}
	return nil
}

func (a *PostgresArchive) Since(ctx context.Context, after time.Time, limit int) ([]schemas.Message, error) {
	return a.query(ctx, selectSince, after, a.clamp(limit))
}

func (a *PostgresArchive) ByType(ctx context.Context, mt schemas.MessageType, limit int) ([]schemas.Message, error) {
	return a.query(ctx, selectByType, string(mt), a.clamp(limit))
}

func (a *PostgresArchive) Count(ctx context.Context) (int, error) {
	var n int
	if err := a.pool.QueryRow(ctx, countRows).Scan(&n); err != nil {
		return 0, fmt.Errorf("hub: failed to count archive: %w", err)
	}
	return n, nil
}

func (a *PostgresArchive) Close() {
	a.pool.Close()
}

func (a *PostgresArchive) clamp(limit int) int {
	if limit <= 0 || limit > a.retention {
		return a.retention
	}
	return limit
}

func (a *PostgresArchive) query(ctx context.Context, sql string, args ...any) ([]schemas.Message, error) {
	rows, err := a.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("hub: failed to query archive: %w", err)
	}
	defer rows.Close()

	var out []schemas.Message
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("hub: failed to scan archive row: %w", err)
		}
		var msg schemas.Message
		if err := json.Unmarshal(body, &msg); err != nil {
			a.logger.Warn("Skipping undecodable archive row.", zap.Error(err))
			continue
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("hub: archive rows failed: %w", err)
	}
	return out, nil
}

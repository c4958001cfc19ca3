package engine

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresLockTableName        = "writersync_locks"
	postgresLockOperationTimeout = 5 * time.Second
)

// BuildLockBackendFromDSN selects a lock persistence backend by scheme. An
// empty DSN and memory:// both mean process-local claims only.
func BuildLockBackendFromDSN(dsn string) (LockBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "", "memory", "mem", "inmem":
		return nil, nil
	case "postgres", "postgresql":
		return NewPostgresLockBackend(dsn)
	default:
		return nil, fmt.Errorf("unsupported lock backend scheme: %s", parsed.Scheme)
	}
}

type PostgresLockBackend struct {
	dsn       string
	tableName string
	openDB    func(driverName, dsn string) (*sql.DB, error)

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresLockBackend(dsn string) (*PostgresLockBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres lock backend requires a dsn")
	}
	return &PostgresLockBackend{
		dsn:       dsn,
		tableName: postgresLockTableName,
		openDB:    sql.Open,
	}, nil
}

func (b *PostgresLockBackend) Load() (map[string]int64, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresLockOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT document_id, remote_id FROM %s", postgresQuoteIdentifier(b.tableName))
	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	claims := map[string]int64{}
	for rows.Next() {
		var documentID string
		var remoteID int64
		if err := rows.Scan(&documentID, &remoteID); err != nil {
			return nil, err
		}
		claims[documentID] = remoteID
	}
	return claims, rows.Err()
}

func (b *PostgresLockBackend) Put(documentID string, remoteID int64) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresLockOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (document_id, remote_id, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (document_id)
		DO UPDATE SET remote_id = EXCLUDED.remote_id, updated_at = NOW()`, postgresQuoteIdentifier(b.tableName))
	_, err := b.db.ExecContext(ctx, query, documentID, remoteID)
	return err
}

func (b *PostgresLockBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresLockBackend) ensureReady() error {
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresLockOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				document_id TEXT PRIMARY KEY,
				remote_id BIGINT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func postgresQuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

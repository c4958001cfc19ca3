package engine

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationLockBackendRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	backend, err := NewPostgresLockBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres lock backend: %v", err)
	}
	backend.tableName = postgresIntegrationTableName("writersync_locks_it")
	t.Cleanup(func() {
		_ = backend.Close()
		postgresIntegrationDropTable(t, dsn, backend.tableName)
	})

	claims, err := backend.Load()
	if err != nil {
		t.Fatalf("initial load failed: %v", err)
	}
	if len(claims) != 0 {
		t.Fatalf("expected empty initial claims, got %v", claims)
	}

	if err := backend.Put("doc-1", 42); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := backend.Put("doc-1", 43); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := backend.Put("doc-2", 7); err != nil {
		t.Fatalf("second put failed: %v", err)
	}

	claims, err = backend.Load()
	if err != nil {
		t.Fatalf("load after puts failed: %v", err)
	}
	if len(claims) != 2 || claims["doc-1"] != 43 || claims["doc-2"] != 7 {
		t.Fatalf("unexpected claims: %v", claims)
	}

	// A LockMap built on the same backend starts with the persisted claims.
	locks, err := NewLockMap(backend)
	if err != nil {
		t.Fatalf("lock map over backend failed: %v", err)
	}
	if id, ok := locks.Claim("doc-1"); !ok || id != 43 {
		t.Fatalf("claim = %d/%v, want 43/true", id, ok)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("WRITERSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set WRITERSYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}

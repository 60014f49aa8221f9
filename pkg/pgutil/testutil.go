package pgutil

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"

	"github.com/abcd5251/1inch-on-sui-sub001/pkg/config"
)

const (
	testImage    = "postgres:15-alpine"
	testDatabase = "relayer_test"
	testUser     = "relayer"
	testPassword = "relayer"
)

// RequireDockerAccess skips the test when no Docker daemon socket is reachable.
func RequireDockerAccess(t *testing.T) {
	t.Helper()

	candidates := []string{
		"/var/run/docker.sock",
		filepath.Join(os.Getenv("HOME"), ".docker/run/docker.sock"),
	}

	for _, sock := range candidates {
		if sock == "" {
			continue
		}
		if _, err := os.Stat(sock); err != nil {
			continue
		}
		conn, err := (&net.Dialer{}).DialContext(context.Background(), "unix", sock)
		if err == nil {
			_ = conn.Close()
			return
		}
	}

	t.Skip("docker daemon socket is not accessible; skipping testcontainer-backed tests")
}

// SetupTestDB boots a throwaway PostgreSQL container and returns a bun
// connection to it plus a cleanup function that tears both down.
func SetupTestDB(t *testing.T) (*bun.DB, func()) {
	t.Helper()
	ctx := context.Background()

	ready := wait.ForLog("database system is ready to accept connections").
		WithOccurrence(2).
		WithStartupTimeout(60 * time.Second)

	container, err := postgres.Run(ctx, testImage,
		postgres.WithDatabase(testDatabase),
		postgres.WithUsername(testUser),
		postgres.WithPassword(testPassword),
		testcontainers.WithWaitStrategy(ready),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	db, err := connectContainer(ctx, container)
	if err != nil {
		_ = testcontainers.TerminateContainer(container)
		t.Fatalf("failed to connect to test database: %v", err)
	}

	cleanup := func() {
		_ = db.Close()
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}
	return db, cleanup
}

// connectContainer resolves the container's mapped address and dials it.
// The log wait strategy covers most of the boot, but the first
// connections can still race it, so the dial retries with backoff.
func connectContainer(ctx context.Context, container *postgres.PostgresContainer) (*bun.DB, error) {
	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	cfg := &config.DatabaseConfig{
		Host:     host,
		Port:     port.Int(),
		User:     testUser,
		Password: testPassword,
		Database: testDatabase,
		SSLMode:  "disable",
	}

	var db *bun.DB
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	err = backoff.Retry(func() error {
		var dialErr error
		db, dialErr = ConnectDB(cfg)
		return dialErr
	}, backoff.WithContext(backoff.WithMaxRetries(bo, 10), ctx))
	if err != nil {
		return nil, err
	}
	return db, nil
}

// existsIn runs an EXISTS probe against a catalog view.
func existsIn(t *testing.T, db *bun.DB, what, expr string, args ...any) bool {
	t.Helper()

	var exists bool
	err := db.NewSelect().
		ColumnExpr(expr, args...).
		Scan(context.Background(), &exists)
	if err != nil {
		t.Fatalf("failed to check %s: %v", what, err)
	}
	return exists
}

// AssertTableExists fails the test when the table is missing from the
// public schema.
func AssertTableExists(t *testing.T, db *bun.DB, table string) {
	t.Helper()
	what := fmt.Sprintf("table %s", table)
	if !existsIn(t, db, what, "EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = ? AND table_name = ?)", "public", table) {
		t.Errorf("table %s does not exist", table)
	}
}

// AssertTableNotExists fails the test when the table is still present.
func AssertTableNotExists(t *testing.T, db *bun.DB, table string) {
	t.Helper()
	what := fmt.Sprintf("table %s", table)
	if existsIn(t, db, what, "EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = ? AND table_name = ?)", "public", table) {
		t.Errorf("table %s should not exist but it does", table)
	}
}

// AssertIndexExists fails the test when the index is missing.
func AssertIndexExists(t *testing.T, db *bun.DB, index string) {
	t.Helper()
	what := fmt.Sprintf("index %s", index)
	if !existsIn(t, db, what, "EXISTS (SELECT 1 FROM pg_indexes WHERE schemaname = ? AND indexname = ?)", "public", index) {
		t.Errorf("index %s does not exist", index)
	}
}

// AssertRowCount fails the test when the table holds a different number
// of rows than expected.
func AssertRowCount(t *testing.T, db *bun.DB, table string, expected int) {
	t.Helper()

	var count int
	err := db.NewSelect().
		TableExpr("?", bun.Ident(table)).
		ColumnExpr("COUNT(*)").
		Scan(context.Background(), &count)
	if err != nil {
		t.Fatalf("failed to count rows in table %s: %v", table, err)
	}
	if count != expected {
		t.Errorf("table %s: expected %d rows, got %d", table, expected, count)
	}
}

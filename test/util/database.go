// Package util provides shared database helpers for store integration
// tests.
package util

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/trafficcontrol/trafficcontrol/pkg/store"
)

var (
	// Shared connection string for all tests in local dev.
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// SetupTestStore creates an isolated schema with migrations applied and
// returns a store bound to it. Both CI and local dev use per-test schemas:
//   - CI connects to an external PostgreSQL via CI_DATABASE_URL
//   - local dev shares one testcontainer per package, started on first use
func SetupTestStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()

	connStr := getOrCreateSharedDatabase(t)
	schemaName := GenerateSchemaName(t)

	// Create the schema on an administrative connection.
	admin, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	_, err = admin.Exec(ctx, fmt.Sprintf("CREATE SCHEMA %s", schemaName))
	require.NoError(t, err)

	// Run migrations and all queries with search_path pinned to the schema.
	schemaConnStr := AddSearchPathToConnString(connStr, schemaName)
	require.NoError(t, store.Migrate(schemaConnStr))

	pool, err := pgxpool.New(ctx, schemaConnStr)
	require.NoError(t, err)

	t.Cleanup(func() {
		pool.Close()
		_, err := admin.Exec(context.Background(),
			fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schemaName))
		if err != nil {
			t.Logf("Warning: failed to drop schema %s: %v", schemaName, err)
		}
		admin.Close()
	})

	return store.NewWithPool(pool)
}

// getOrCreateSharedDatabase returns a connection string to the shared
// database, starting the local testcontainer once per package if needed.
func getOrCreateSharedDatabase(t *testing.T) string {
	if ciDatabaseURL := os.Getenv("CI_DATABASE_URL"); ciDatabaseURL != "" {
		t.Log("Using external PostgreSQL from CI_DATABASE_URL")
		return ciDatabaseURL
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		t.Log("Starting shared PostgreSQL testcontainer for all tests")

		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("failed to start postgres container: %w", err)
			return
		}

		connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = fmt.Errorf("failed to get connection string: %w", err)
			return
		}
		sharedConnStr = connStr
	})

	require.NoError(t, containerErr, "Failed to setup shared test container")
	return sharedConnStr
}

// GenerateSchemaName creates a unique, PostgreSQL-safe schema name for the
// test. Format: test_<sanitized_test_name>_<random_hex>.
func GenerateSchemaName(t *testing.T) string {
	testName := strings.ToLower(t.Name())
	testName = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, testName)
	if len(testName) > 32 {
		testName = testName[:32]
	}

	suffix := make([]byte, 4)
	_, _ = rand.Read(suffix)
	return fmt.Sprintf("test_%s_%s", testName, hex.EncodeToString(suffix))
}

// AddSearchPathToConnString pins search_path for every connection opened
// from the string. Works for URL-style connection strings.
func AddSearchPathToConnString(connStr, schemaName string) string {
	sep := "?"
	if strings.Contains(connStr, "?") {
		sep = "&"
	}
	return connStr + sep + "options=-csearch_path%3D" + schemaName
}

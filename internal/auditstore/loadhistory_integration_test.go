package auditstore

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupTestAuditDB(t *testing.T) *PostgresPool {
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("confd_audit_test"),
		postgres.WithUsername("confd"),
		postgres.WithPassword("confd"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("pgx", connStr)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, Migrate(db))

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	cfg := &PostgresConfig{
		Host: host, Port: port.Int(), Database: "confd_audit_test",
		User: "confd", Password: "confd", SSLMode: "disable",
		MaxConns: 5, MinConns: 1,
		MaxConnLifetime: time.Hour, MaxConnIdleTime: 5 * time.Minute,
		HealthCheckPeriod: 30 * time.Second, ConnectTimeout: 10 * time.Second,
	}
	pool := NewPostgresPool(cfg, nil)
	require.NoError(t, pool.Connect(ctx))
	t.Cleanup(func() { _ = pool.Disconnect(ctx) })
	return pool
}

func TestRecordLoad_PersistsAndGeneratesRequestID(t *testing.T) {
	pool := setupTestAuditDB(t)
	ctx := context.Background()

	rec := LoadRecord{
		SegmentType: "preferences",
		Name:        "org-preferences",
		Generation:  7,
		Digest:      "deadbeef",
		Duration:    250 * time.Millisecond,
	}
	require.NoError(t, RecordLoad(ctx, pool, rec))

	var (
		name     string
		failed   bool
		reqIDStr string
	)
	row := pool.QueryRow(ctx, `SELECT name, failed, request_id::text FROM load_history WHERE segment_type = $1`, "preferences")
	require.NoError(t, row.Scan(&name, &failed, &reqIDStr))
	require.Equal(t, "org-preferences", name)
	require.False(t, failed)
	require.NotEmpty(t, reqIDStr)
}

func TestRecordLoad_RecordsRejectReasonOnFailure(t *testing.T) {
	pool := setupTestAuditDB(t)
	ctx := context.Background()

	rec := LoadRecord{
		SegmentType:  "preferences",
		Name:         "broken-type",
		Generation:   3,
		Digest:       "",
		Failed:       true,
		RejectReason: "ccb baseline validation failed",
	}
	require.NoError(t, RecordLoad(ctx, pool, rec))

	var reason string
	row := pool.QueryRow(ctx, `SELECT reject_reason FROM load_history WHERE name = $1`, "broken-type")
	require.NoError(t, row.Scan(&reason))
	require.Equal(t, "ccb baseline validation failed", reason)
}

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/storops/internal/history"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	sink, err := New(connStr)
	require.NoError(t, err)
	defer func() { assert.NoError(t, sink.Close()) }()

	events := []history.Event{
		history.NewEvent(history.EventJobCompleted, history.Record{JobID: "N-3078", State: 4, StateName: "COMPLETED", WaitedFor: 3 * time.Second}),
		history.NewEvent(history.EventJobTimeout, history.Record{JobID: "N-3078", State: 2, StateName: "RUNNING", WaitedFor: time.Hour}),
	}
	for _, e := range events {
		require.NoError(t, sink.Send(ctx, e))
	}

	var count int
	require.NoError(t, sink.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM job_history WHERE job_id = $1", "N-3078").Scan(&count))
	assert.Equal(t, 2, count)

	var waited float64
	require.NoError(t, sink.db.QueryRowContext(ctx, "SELECT waited_seconds FROM job_history WHERE event = $1", "job_timeout").Scan(&waited))
	assert.Equal(t, 3600.0, waited)
}

func TestPostgresSink_EmptyDSN(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}

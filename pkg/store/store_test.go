package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/agentfleet/fleetd/pkg/events"
)

func TestPgxURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@h:5432/db", pgxURL("postgres://u:p@h:5432/db"))
	assert.Equal(t, "pgx5://u:p@h:5432/db", pgxURL("postgresql://u:p@h:5432/db"))
	assert.Equal(t, "pgx5://already", pgxURL("pgx5://already"))
}

// setupPostgres starts a throwaway Postgres and returns its URL.
func setupPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("fleetd_test"),
		postgres.WithUsername("fleetd"),
		postgres.WithPassword("fleetd"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(2*time.Minute)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminating postgres container: %v", err)
		}
	})

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return url
}

func TestStoreRoundTrip(t *testing.T) {
	url := setupPostgres(t)
	ctx := context.Background()

	require.NoError(t, Migrate(url))
	// Re-running migrations is a no-op, not an error.
	require.NoError(t, Migrate(url))

	st, err := New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(st.Close)

	invoked, err := events.New(events.EventTypeAgentInvoked, "sess-db", "trace-db", events.AgentInvokedPayload{
		AgentName: "scout", TaskType: "log_summary",
	})
	require.NoError(t, err)
	completed, err := events.New(events.EventTypeAgentCompleted, "sess-db", "trace-db", events.AgentCompletedPayload{
		AgentName: "scout", DurationMS: 42,
	})
	require.NoError(t, err)

	require.NoError(t, st.Handle(ctx, invoked))
	require.NoError(t, st.Handle(ctx, completed))

	rows, err := st.EventsBySession(ctx, "sess-db", 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, events.EventTypeAgentInvoked, rows[0].EventType)
	assert.Equal(t, "scout", rows[0].Agent)
	assert.Equal(t, "trace-db", rows[0].TraceID)
	assert.Equal(t, "log_summary", rows[0].Payload["task_type"])

	counts, err := st.CountByType(ctx, "sess-db")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[events.EventTypeAgentInvoked])
	assert.Equal(t, int64(1), counts[events.EventTypeAgentCompleted])

	inserted, insertErrors := st.Stats()
	assert.Equal(t, uint64(2), inserted)
	assert.Equal(t, uint64(0), insertErrors)
}

func TestStoreBusIntegration(t *testing.T) {
	url := setupPostgres(t)
	ctx := context.Background()

	require.NoError(t, Migrate(url))
	st, err := New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(st.Close)

	bus := events.NewBus()
	t.Cleanup(bus.Close)
	st.Attach(bus)

	e, err := events.New(events.EventTypeWorkflowStarted, "sess-bus", "", events.WorkflowPayload{
		WorkflowID: "wf-db", TaskCount: 2,
	})
	require.NoError(t, err)
	bus.Publish(e)

	require.Eventually(t, func() bool {
		inserted, _ := st.Stats()
		return inserted == 1
	}, 10*time.Second, 50*time.Millisecond)

	rows, err := st.EventsBySession(ctx, "sess-bus", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "wf-db", rows[0].Payload["workflow_id"])
}

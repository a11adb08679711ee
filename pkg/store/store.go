// Package store persists every published event into Postgres for external
// analytics. The core never reads these tables; the store is a best-effort
// sink with the same isolation contract as any other bus subscriber.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentfleet/fleetd/pkg/events"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// StoredEvent is one row read back from the events table.
type StoredEvent struct {
	ID        int64          `json:"id"`
	EventType string         `json:"event_type"`
	SessionID string         `json:"session_id"`
	TraceID   string         `json:"trace_id"`
	Agent     string         `json:"agent"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// Store writes events into Postgres via a pgx pool.
type Store struct {
	pool *pgxpool.Pool

	inserted     atomic.Uint64
	insertErrors atomic.Uint64
}

// Migrate applies the embedded schema migrations to the database.
func Migrate(databaseURL string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, pgxURL(databaseURL))
	if err != nil {
		return fmt.Errorf("opening migration target: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// pgxURL rewrites a postgres:// URL to the scheme the migrate pgx/v5 driver
// registers under.
func pgxURL(databaseURL string) string {
	if rest, ok := strings.CutPrefix(databaseURL, "postgres://"); ok {
		return "pgx5://" + rest
	}
	if rest, ok := strings.CutPrefix(databaseURL, "postgresql://"); ok {
		return "pgx5://" + rest
	}
	return databaseURL
}

// New connects a Store to the database. Call Migrate first.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Attach subscribes the store to every event type.
func (s *Store) Attach(bus *events.Bus) {
	for _, t := range events.Types() {
		bus.Subscribe(t, s.Handle)
	}
}

// Handle inserts one event row.
func (s *Store) Handle(ctx context.Context, e *events.Event) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO fleet_events (event_type, session_id, trace_id, agent, ts, payload)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.Type(), e.SessionID(), e.TraceID(), e.StringField("agent.name"), e.Timestamp(), e.Payload())
	if err != nil {
		s.insertErrors.Add(1)
		slog.Error("Event insert failed", "event_type", e.Type(), "session_id", e.SessionID(), "error", err)
		return err
	}
	s.inserted.Add(1)
	return nil
}

// EventsBySession returns a session's events in timestamp order, newest last.
func (s *Store) EventsBySession(ctx context.Context, sessionID string, limit int) ([]StoredEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, event_type, session_id, trace_id, agent, ts, payload
		 FROM fleet_events WHERE session_id = $1 ORDER BY ts, id LIMIT $2`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying session events: %w", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var se StoredEvent
		if err := rows.Scan(&se.ID, &se.EventType, &se.SessionID, &se.TraceID, &se.Agent, &se.Timestamp, &se.Payload); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		out = append(out, se)
	}
	return out, rows.Err()
}

// CountByType returns per-event-type row counts for one session.
func (s *Store) CountByType(ctx context.Context, sessionID string) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT event_type, COUNT(*) FROM fleet_events WHERE session_id = $1 GROUP BY event_type`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("counting events: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var eventType string
		var count int64
		if err := rows.Scan(&eventType, &count); err != nil {
			return nil, fmt.Errorf("scanning count row: %w", err)
		}
		out[eventType] = count
	}
	return out, rows.Err()
}

// Stats returns insert counters.
func (s *Store) Stats() (inserted, insertErrors uint64) {
	return s.inserted.Load(), s.insertErrors.Load()
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

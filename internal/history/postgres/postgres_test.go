package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/stationd/internal/history"
	"github.com/loykin/stationd/internal/store"
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
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	sink, err := New(connStr)
	if err != nil {
		t.Fatalf("Failed to create PostgreSQL sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	base := history.Event{
		RunID:     "run-1",
		EventID:   42,
		Category:  store.CategorySatellitePass,
		Satellite: "METEOR-M 2",
	}
	running := base
	running.OccurredAt = time.Now().UTC()
	running.From, running.To = store.StatusScheduled, store.StatusRunning
	if err := sink.Send(ctx, running); err != nil {
		t.Fatalf("Failed to send running transition: %v", err)
	}

	done := base
	done.OccurredAt = time.Now().UTC()
	done.From, done.To = store.StatusRunning, store.StatusDone
	done.Result = json.RawMessage(`{"output":"MSU-MR-RGB-221-EQU.png"}`)
	if err := sink.Send(ctx, done); err != nil {
		t.Fatalf("Failed to send done transition: %v", err)
	}

	var count int
	if err := sink.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM event_history WHERE schedule_id = $1", base.EventID).Scan(&count); err != nil {
		t.Fatalf("Failed to query event_history: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 events in history, got %d", count)
	}
}

package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/stationd/internal/history"
	"github.com/loykin/stationd/internal/store"
)

func transition(id int64, from, to store.Status, result json.RawMessage) history.Event {
	return history.Event{
		OccurredAt: time.Now().UTC(),
		RunID:      "run-1",
		EventID:    id,
		Category:   store.CategorySatellitePass,
		From:       from,
		To:         to,
		Satellite:  "NOAA 19",
		Result:     result,
	}
}

func TestSQLiteSink_File(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	if err := sink.Send(ctx, transition(7, store.StatusScheduled, store.StatusRunning, nil)); err != nil {
		t.Fatalf("Failed to send running transition: %v", err)
	}
	if err := sink.Send(ctx, transition(7, store.StatusRunning, store.StatusDone, json.RawMessage(`{"output":"a.png"}`))); err != nil {
		t.Fatalf("Failed to send done transition: %v", err)
	}

	n, err := sink.Count(ctx, 7)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows, got %d", n)
	}
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create in-memory sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	if err := sink.Send(context.Background(), transition(1, store.StatusScheduled, store.StatusLate, store.ErrorResult("pass over"))); err != nil {
		t.Fatalf("send: %v", err)
	}
	n, err := sink.Count(context.Background(), 1)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 row, got %d (%v)", n, err)
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
}

package history

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func TestMultiFansOut(t *testing.T) {
	a, b := &memSink{}, &memSink{err: errors.New("down")}
	m := Multi{a, nil, b}
	err := m.Send(context.Background(), Event{EventID: 3})
	if err == nil {
		t.Fatalf("expected joined error")
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("expected both sinks to receive the event")
	}
}

func TestResultText(t *testing.T) {
	if (Event{}).ResultText() != "" {
		t.Fatalf("expected empty result text")
	}
	e := Event{Result: json.RawMessage(`{"error":"late"}`)}
	if e.ResultText() != `{"error":"late"}` {
		t.Fatalf("unexpected %q", e.ResultText())
	}
	if err := (Nop{}).Send(context.Background(), e); err != nil {
		t.Fatalf("nop: %v", err)
	}
}

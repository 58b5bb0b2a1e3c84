package history

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/loykin/stationd/internal/store"
)

// Event is one status transition of a scheduled event, exported to
// external analytics systems.
type Event struct {
	OccurredAt time.Time       `json:"occurred_at"`
	RunID      string          `json:"run_id"`
	EventID    int64           `json:"schedule_id"`
	Category   store.Category  `json:"schedule_type"`
	From       store.Status    `json:"from"`
	To         store.Status    `json:"to"`
	Satellite  string          `json:"satellite,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// ResultText returns the result document as a string, or "" when absent.
func (e Event) ResultText() string {
	if len(e.Result) == 0 {
		return ""
	}
	return string(e.Result)
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Send(context.Context, Event) error { return nil }

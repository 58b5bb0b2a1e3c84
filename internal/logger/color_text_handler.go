package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

const (
	ansiReset  = "\033[0m"
	ansiBold   = "\033[1m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"

	// clockFormat is the console timestamp; the log file keeps RFC 3339.
	clockFormat = "15:04:05.000"

	componentKey = "component"
)

// ColorTextHandler is the interactive console handler. Each line starts with
// a coloured level and the component attribute attached with Logger.With,
// written raw so the escapes are not quoted by the text encoder.
type ColorTextHandler struct {
	w         io.Writer
	mu        *sync.Mutex
	inner     slog.Handler
	component string
	grouped   bool
}

// NewColorTextHandler wraps a text handler writing to w. With showTime the
// record time is shortened to a wall clock.
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	var o slog.HandlerOptions
	if opts != nil {
		o = *opts
	}
	next := o.ReplaceAttr
	o.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) == 0 {
			switch a.Key {
			case slog.LevelKey:
				return slog.Attr{}
			case slog.TimeKey:
				if showTime && a.Value.Kind() == slog.KindTime {
					a.Value = slog.StringValue(a.Value.Time().Format(clockFormat))
				}
			}
		}
		if next != nil {
			return next(groups, a)
		}
		return a
	}
	return &ColorTextHandler{w: w, mu: &sync.Mutex{}, inner: slog.NewTextHandler(w, &o)}
}

func (h *ColorTextHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.inner.Enabled(ctx, l)
}

func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	prefix := levelColor(r.Level) + fmt.Sprintf("%-5s", r.Level.String()) + ansiReset + " "
	if h.component != "" {
		prefix += ansiBold + "[" + h.component + "]" + ansiReset + " "
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := io.WriteString(h.w, prefix); err != nil {
		return err
	}
	return h.inner.Handle(ctx, r)
}

// WithAttrs lifts a top-level component attribute into the prefix.
func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	rest := attrs
	if !h.grouped {
		rest = make([]slog.Attr, 0, len(attrs))
		for _, a := range attrs {
			if a.Key == componentKey && a.Value.Kind() == slog.KindString {
				c.component = a.Value.String()
				continue
			}
			rest = append(rest, a)
		}
	}
	c.inner = h.inner.WithAttrs(rest)
	return &c
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.inner = h.inner.WithGroup(name)
	c.grouped = true
	return &c
}

func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return ansiRed
	case l >= slog.LevelWarn:
		return ansiYellow
	case l >= slog.LevelInfo:
		return ansiGreen
	default:
		return ansiCyan
	}
}

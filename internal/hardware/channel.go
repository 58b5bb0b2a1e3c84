package hardware

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/loykin/stationd/internal/metrics"
)

const (
	DefaultCommandTimeout   = 3 * time.Second
	DefaultReconnectBackoff = 10 * time.Second
)

var (
	// ErrNotReady is returned while the link is down or when it drops with a
	// command in flight.
	ErrNotReady = errors.New("positioner link not ready")
	ErrTimeout  = errors.New("positioner command timed out")
	ErrClosed   = errors.New("positioner channel closed")
)

type reply struct {
	line string
	err  error
}

// Channel is the single command/response link to the positioner. At most
// one command is outstanding at any time; a reply line is matched to the
// command in flight, and lines arriving with nothing in flight are dropped.
type Channel struct {
	dialer  Dialer
	timeout time.Duration
	backoff time.Duration
	logger  *slog.Logger

	sem *semaphore.Weighted

	mu      sync.Mutex
	conn    io.ReadWriteCloser
	pending chan reply
	closed  bool
}

// Option configures a Channel.
type Option func(*Channel)

func WithTimeout(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithReconnectBackoff(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.backoff = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewChannel(d Dialer, opts ...Option) *Channel {
	c := &Channel{
		dialer:  d,
		timeout: DefaultCommandTimeout,
		backoff: DefaultReconnectBackoff,
		logger:  slog.Default(),
		sem:     semaphore.NewWeighted(1),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Ready reports whether the link is currently open.
func (c *Channel) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send writes one command line and waits for its single reply line.
// Callers are serialized; a second Send is written only after the first
// has received its reply or timed out.
func (c *Channel) Send(ctx context.Context, line string) (string, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer c.sem.Release(1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return "", ErrNotReady
	}
	wait := make(chan reply, 1)
	c.pending = wait
	c.mu.Unlock()

	if _, err := io.WriteString(conn, line+"\n"); err != nil {
		c.clearPending(wait)
		// a failed write means the link itself is broken
		_ = conn.Close()
		return "", fmt.Errorf("%w: write: %v", ErrNotReady, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case r := <-wait:
		return r.line, r.err
	case <-timer.C:
		c.clearPending(wait)
		return "", fmt.Errorf("%w after %s: %q", ErrTimeout, c.timeout, line)
	case <-ctx.Done():
		c.clearPending(wait)
		return "", ctx.Err()
	}
}

func (c *Channel) clearPending(wait chan reply) {
	c.mu.Lock()
	if c.pending == wait {
		c.pending = nil
	}
	c.mu.Unlock()
}

// Run keeps the link open until ctx is cancelled, redialing after a fixed
// backoff whenever it fails or closes.
func (c *Channel) Run(ctx context.Context) error {
	b := backoff.WithContext(backoff.NewConstantBackOff(c.backoff), ctx)
	err := backoff.RetryNotify(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		conn, err := c.dialer.Dial(ctx)
		if err != nil {
			return err
		}
		c.serve(ctx, conn)
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		return errors.New("positioner link closed")
	}, b, func(err error, wait time.Duration) {
		c.logger.Warn("positioner link down, reconnecting", "error", err, "backoff", wait)
	})

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (c *Channel) serve(ctx context.Context, conn io.ReadWriteCloser) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	metrics.SetTrackerConnected(true)
	c.logger.Info("positioner link open")

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		c.mu.Lock()
		wait := c.pending
		c.pending = nil
		c.mu.Unlock()
		if wait == nil {
			c.logger.Debug("dropping unsolicited positioner line", "line", line)
			continue
		}
		wait <- reply{line: line}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		c.logger.Warn("positioner read failed", "error", err)
	}

	c.mu.Lock()
	c.conn = nil
	if c.pending != nil {
		c.pending <- reply{err: ErrNotReady}
		c.pending = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
	metrics.SetTrackerConnected(false)
}

// Status queries current and target positions.
func (c *Channel) Status(ctx context.Context) (Status, error) {
	start := time.Now()
	line, err := c.Send(ctx, StatusQuery)
	if err == nil {
		var st Status
		st, err = ParseStatus(line)
		observe("status", start, err)
		return st, err
	}
	observe("status", start, err)
	return Status{}, err
}

// Move commands an axis move to azimuth/elevation in degrees.
func (c *Channel) Move(ctx context.Context, azimuth, elevation float64) error {
	start := time.Now()
	line, err := c.Send(ctx, MoveCommand(azimuth, elevation))
	if err == nil {
		err = CheckOK(line)
	}
	observe("move", start, err)
	return err
}

func observe(cmd string, start time.Time, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrTimeout):
		result = "timeout"
	case errors.Is(err, ErrNotReady):
		result = "not_ready"
	case errors.Is(err, ErrRejected):
		result = "rejected"
	default:
		result = "error"
	}
	metrics.ObserveCommand(cmd, result, time.Since(start).Seconds())
}

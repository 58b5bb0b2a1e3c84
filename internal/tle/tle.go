package tle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loykin/stationd/internal/metrics"
	"github.com/loykin/stationd/internal/orbit"
	"github.com/loykin/stationd/internal/store"
)

const (
	DefaultBaseURL = "https://celestrak.org/NORAD/elements/"
	DefaultMaxAge  = 72 * time.Hour
	maxBody        = 4 << 20
)

var ErrNotInFile = errors.New("element set not found")

type Config struct {
	BaseURL  string        `mapstructure:"base_url"`
	MaxAge   time.Duration `mapstructure:"max_age"`
	Schedule string        `mapstructure:"schedule"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Updater refreshes catalog TLEs from element files published by CelesTrak
// or a mirror.
type Updater struct {
	store  store.Store
	cfg    Config
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

func NewUpdater(st store.Store, cfg Config) *Updater {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Updater{
		store:  st,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: slog.Default().With("component", "tle"),
		now:    time.Now,
	}
}

func (u *Updater) SetLogger(l *slog.Logger) {
	if l != nil {
		u.logger = l.With("component", "tle")
	}
}

// Stale reports whether any satellite has no TLE update or one older than
// MaxAge.
func (u *Updater) Stale(sats []store.Satellite) bool {
	limit := u.now().Add(-u.cfg.MaxAge).UnixMilli()
	for _, s := range sats {
		if s.LastUpdate == 0 || s.LastUpdate < limit {
			return true
		}
	}
	return false
}

// Update downloads each distinct TLE file once and stores the element set
// of every catalog satellite. Unless force is set nothing happens while all
// TLEs are fresh. It returns the number of satellites updated.
func (u *Updater) Update(ctx context.Context, force bool) (int, error) {
	sats, err := u.store.ListSatellites(ctx)
	if err != nil {
		return 0, fmt.Errorf("list satellites: %w", err)
	}
	if !force && !u.Stale(sats) {
		u.logger.Info("TLEs up to date", "satellites", len(sats))
		return 0, nil
	}

	files := map[string]string{}
	updated := 0
	var errs []error
	for _, s := range sats {
		if s.TLEFile == "" {
			continue
		}
		body, ok := files[s.TLEFile]
		if !ok {
			body, err = u.fetch(ctx, s.TLEFile)
			if err != nil {
				metrics.IncTLEUpdate("error")
				errs = append(errs, fmt.Errorf("%s: %w", s.TLEFile, err))
				continue
			}
			files[s.TLEFile] = body
		}
		el, err := Find(body, s.CatalogNumber)
		if err != nil {
			metrics.IncTLEUpdate("error")
			errs = append(errs, fmt.Errorf("%s (%d): %w", s.Name, s.CatalogNumber, err))
			continue
		}
		ok, err = u.store.UpdateTLE(ctx, s.CatalogNumber, el.String(), u.now())
		if err != nil {
			metrics.IncTLEUpdate("error")
			errs = append(errs, err)
			continue
		}
		if ok {
			updated++
			metrics.IncTLEUpdate("ok")
			u.logger.Debug("TLE updated", "satellite", s.Name, "catalog_number", s.CatalogNumber)
		}
	}
	u.logger.Info("TLE update finished", "updated", updated, "satellites", len(sats), "failed", len(errs))
	return updated, errors.Join(errs...)
}

func (u *Updater) fetch(ctx context.Context, file string) (string, error) {
	url := strings.TrimRight(u.cfg.BaseURL, "/") + "/" + strings.TrimLeft(file, "/")
	var body string
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := u.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("GET %s: status %d", url, resp.StatusCode))
		}
		b, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		if err != nil {
			return err
		}
		body = string(b)
		return nil
	}
	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), 2)
	err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), func(err error, d time.Duration) {
		u.logger.Warn("TLE download failed, retrying", "url", url, "error", err, "in", d)
	})
	return body, err
}

// Find extracts the 3-line element set for catalogNumber from a TLE file.
func Find(body string, catalogNumber int) (orbit.Elements, error) {
	var lines []string
	for _, l := range strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, strings.TrimRight(l, " \t"))
		}
	}
	for i := 0; i+1 < len(lines); i++ {
		l1 := lines[i]
		if !strings.HasPrefix(l1, "1 ") || !strings.HasPrefix(lines[i+1], "2 ") {
			continue
		}
		el := orbit.Elements{Line1: l1, Line2: lines[i+1]}
		n, err := el.CatalogNumber()
		if err != nil || n != catalogNumber {
			continue
		}
		if i > 0 && !strings.HasPrefix(lines[i-1], "1 ") && !strings.HasPrefix(lines[i-1], "2 ") {
			el.Name = strings.TrimSpace(lines[i-1])
		}
		if err := el.Validate(); err != nil {
			return orbit.Elements{}, err
		}
		return el, nil
	}
	return orbit.Elements{}, fmt.Errorf("%w: catalog number %d", ErrNotInFile, catalogNumber)
}

package positioner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/stationd/internal/hardware"
	"github.com/loykin/stationd/internal/lease"
	"github.com/loykin/stationd/internal/metrics"
	"github.com/loykin/stationd/internal/orbit"
	"github.com/loykin/stationd/internal/power"
	"github.com/loykin/stationd/internal/store"
)

var ErrStillTracking = errors.New("positioner still tracking")

// Device is the command side of the hardware channel.
type Device interface {
	Status(ctx context.Context) (hardware.Status, error)
	Move(ctx context.Context, azimuth, elevation float64) error
}

// Observer computes live look angles.
type Observer interface {
	Observe(el orbit.Elements, st orbit.Station, t time.Time) (orbit.LookAngles, error)
}

// Target is a satellite to follow.
type Target struct {
	Satellite store.Satellite
	Elements  orbit.Elements
}

type Config struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	TrackInterval   time.Duration `mapstructure:"track_interval"`
	DefaultDuration time.Duration `mapstructure:"default_duration"`
	ParkElevation   float64       `mapstructure:"park_elevation"`
	StartPowered    bool          `mapstructure:"start_powered"`
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.TrackInterval <= 0 {
		c.TrackInterval = time.Second
	}
	if c.DefaultDuration <= 0 {
		c.DefaultDuration = 15 * time.Minute
	}
	if c.ParkElevation == 0 {
		c.ParkElevation = 90
	}
	return c
}

// Status is the tracker broadcast.
type Status struct {
	Azimuth         float64          `json:"azimuth"`
	Elevation       float64          `json:"elevation"`
	TargetAzimuth   float64          `json:"target_azimuth"`
	TargetElevation float64          `json:"target_elevation"`
	DriversPower    bool             `json:"drivers_power"`
	Satellite       *store.Satellite `json:"satellite"`
	LastPoll        int64            `json:"last_poll"`
	TrackerPower    bool             `json:"tracker_power"`
}

// session is one tracking run.
type session struct {
	target  Target
	cancel  context.CancelFunc
	done    chan struct{}
	release func()
}

// Controller owns the positioner: it polls status, follows a target during
// a pass and parks the antenna afterwards.
type Controller struct {
	dev     Device
	power   power.Controller
	obs     Observer
	station orbit.Station
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	lease *lease.Lease
	// powerMu serialises idle power-down against tracking power-up.
	powerMu sync.Mutex

	mu      sync.Mutex
	base    context.Context
	state   Status
	powered bool
	wrap    Wrap
	sess    *session

	subsMu sync.Mutex
	subs   map[int]chan Status
	nextID int
}

func NewController(dev Device, pc power.Controller, obs Observer, st orbit.Station, cfg Config) *Controller {
	if pc == nil {
		pc = power.AlwaysOn{}
	}
	return &Controller{
		dev:     dev,
		power:   pc,
		obs:     obs,
		station: st,
		cfg:     cfg.withDefaults(),
		logger:  slog.Default().With("component", "positioner"),
		now:     time.Now,
		lease:   lease.New("positioner"),
		base:    context.Background(),
		subs:    make(map[int]chan Status),
	}
}

// SetLogger replaces the component logger.
func (c *Controller) SetLogger(l *slog.Logger) {
	if l != nil {
		c.logger = l.With("component", "positioner")
	}
}

// Run polls the positioner until ctx is cancelled, then stops any tracking
// session and parks.
func (c *Controller) Run(ctx context.Context) {
	c.mu.Lock()
	c.base = ctx
	c.mu.Unlock()
	if c.cfg.StartPowered {
		if err := c.setPower(ctx, true); err != nil {
			c.logger.Error("initial power on failed", "error", err)
		}
	}
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.StopTracking(sctx); err != nil {
				c.logger.Warn("park on shutdown failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			c.Poll(ctx)
		}
	}
}

// Poll runs one status cycle. With power off it publishes a synthetic
// status without touching the link.
func (c *Controller) Poll(ctx context.Context) {
	c.mu.Lock()
	powered := c.powered
	tracking := c.sess != nil
	if !powered {
		c.state.DriversPower = false
		c.state.TrackerPower = false
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()
	if !powered {
		c.publish(snap)
		return
	}

	st, err := c.dev.Status(ctx)
	if err != nil {
		c.logger.Warn("status poll failed", "error", err)
		return
	}
	c.mu.Lock()
	c.state.Azimuth = st.Azimuth
	c.state.Elevation = st.Elevation
	c.state.TargetAzimuth = st.TargetAzimuth
	c.state.TargetElevation = st.TargetElevation
	c.state.DriversPower = st.DriversPower
	c.state.LastPoll = c.now().UnixMilli()
	snap = c.snapshotLocked()
	c.mu.Unlock()
	metrics.SetTrackerPosition(st.Azimuth, st.Elevation)
	c.publish(snap)

	if !st.DriversPower && !tracking {
		c.powerDownIdle(ctx)
	}
}

// powerDownIdle cuts power unless a session started while the status
// request was outstanding.
func (c *Controller) powerDownIdle(ctx context.Context) {
	c.powerMu.Lock()
	defer c.powerMu.Unlock()
	c.mu.Lock()
	busy := c.sess != nil || !c.powered
	c.mu.Unlock()
	if busy || c.lease.Held() {
		return
	}
	c.logger.Info("drivers idle, powering down positioner")
	if err := c.setPower(ctx, false); err != nil {
		c.logger.Warn("power down failed", "error", err)
	}
}

// Tracking returns the satellite currently followed.
func (c *Controller) Tracking() (store.Satellite, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return store.Satellite{}, false
	}
	return c.sess.target.Satellite, true
}

// StartTracking powers the positioner on and follows t for d (the default
// duration when d <= 0). It returns once the session is running; the
// session ends by itself when d elapses and then parks. Restarting the
// satellite already tracked replaces its session.
func (c *Controller) StartTracking(ctx context.Context, t Target, d time.Duration) error {
	if cur, ok := c.Tracking(); ok && cur.CatalogNumber == t.Satellite.CatalogNumber {
		c.endSession()
	}
	c.powerMu.Lock()
	release, err := c.lease.Acquire(t.Satellite.Name)
	if err != nil {
		c.powerMu.Unlock()
		return err
	}
	if err := c.setPower(ctx, true); err != nil {
		c.powerMu.Unlock()
		release()
		return fmt.Errorf("power on positioner: %w", err)
	}
	c.powerMu.Unlock()
	if d <= 0 {
		d = c.cfg.DefaultDuration
		c.logger.Warn("tracking duration not specified, using default", "duration", d)
	}

	c.mu.Lock()
	loopCtx, cancel := context.WithCancel(c.base)
	s := &session{target: t, cancel: cancel, done: make(chan struct{}), release: release}
	c.sess = s
	c.wrap.Reset()
	sat := t.Satellite
	c.state.Satellite = &sat
	c.mu.Unlock()

	c.logger.Info("tracking started", "satellite", t.Satellite.Name, "catalog_number", t.Satellite.CatalogNumber, "duration", d)
	go c.trackLoop(loopCtx, s, d)
	return nil
}

func (c *Controller) trackLoop(ctx context.Context, s *session, d time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(c.cfg.TrackInterval)
	defer ticker.Stop()
	timer := time.NewTimer(d)
	defer timer.Stop()

	var (
		inFlight atomic.Bool
		moves    sync.WaitGroup
	)
	// The wrap state advances every tick; only the move is skipped while
	// the previous one is outstanding.
	tick := func() {
		az, el, ok := c.aim(s.target)
		if !ok || !inFlight.CompareAndSwap(false, true) {
			return
		}
		moves.Add(1)
		go func() {
			defer moves.Done()
			defer inFlight.Store(false)
			if err := c.dev.Move(ctx, az, el); err != nil && ctx.Err() == nil {
				c.logger.Warn("tracking move failed", "azimuth", az, "elevation", el, "error", err)
			}
		}()
	}

	tick()
	expired := false
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-timer.C:
			expired = true
			break loop
		case <-ticker.C:
			tick()
		}
	}
	moves.Wait()
	c.clearSession(s)
	if expired {
		c.logger.Info("tracking duration elapsed", "satellite", s.target.Satellite.Name)
		pctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.Park(pctx); err != nil {
			c.logger.Warn("park after tracking failed", "error", err)
		}
	}
}

// aim computes the next commanded position for target.
func (c *Controller) aim(t Target) (az, el float64, ok bool) {
	la, err := c.obs.Observe(t.Elements, c.station, c.now())
	if err != nil {
		c.logger.Warn("observe failed", "satellite", t.Satellite.Name, "error", err)
		return 0, 0, false
	}
	el = la.Elevation
	if el < 0 {
		el = 0
	}
	c.mu.Lock()
	az = c.wrap.Next(la.Azimuth)
	c.state.TargetAzimuth = az
	c.state.TargetElevation = el
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap)
	return az, el, true
}

// clearSession resets tracking state if s is still the active session.
func (c *Controller) clearSession(s *session) {
	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
		c.wrap.Reset()
		c.state.Satellite = nil
	}
	c.mu.Unlock()
	s.release()
}

// endSession cancels the active session and waits for its loop to exit.
func (c *Controller) endSession() {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return
	}
	s.cancel()
	<-s.done
}

// StopTracking ends the active session, if any, and parks.
func (c *Controller) StopTracking(ctx context.Context) error {
	c.endSession()
	return c.Park(ctx)
}

// Park moves to azimuth 0 and the park elevation. It fails while a
// satellite is tracked.
func (c *Controller) Park(ctx context.Context) error {
	c.mu.Lock()
	if c.sess != nil {
		name := c.sess.target.Satellite.Name
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrStillTracking, name)
	}
	c.state.TargetAzimuth = 0
	c.state.TargetElevation = c.cfg.ParkElevation
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap)
	if err := c.dev.Move(ctx, 0, c.cfg.ParkElevation); err != nil {
		return fmt.Errorf("park: %w", err)
	}
	return nil
}

// Powered reports the administrative power state.
func (c *Controller) Powered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.powered
}

func (c *Controller) setPower(ctx context.Context, on bool) error {
	if err := c.power.SetPower(ctx, on); err != nil {
		return err
	}
	c.mu.Lock()
	c.powered = on
	c.state.TrackerPower = on
	c.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the current status.
func (c *Controller) Snapshot() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Status {
	s := c.state
	if s.Satellite != nil {
		sat := *s.Satellite
		s.Satellite = &sat
	}
	return s
}

// Subscribe registers for status broadcasts. Slow subscribers miss updates.
func (c *Controller) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 8)
	c.subsMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	c.subsMu.Unlock()
	return ch, func() {
		c.subsMu.Lock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
		c.subsMu.Unlock()
	}
}

func (c *Controller) publish(s Status) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

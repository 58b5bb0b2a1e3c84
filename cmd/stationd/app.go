package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/stationd/internal/capture"
	"github.com/loykin/stationd/internal/config"
	"github.com/loykin/stationd/internal/cron"
	"github.com/loykin/stationd/internal/hardware"
	"github.com/loykin/stationd/internal/history"
	historyfactory "github.com/loykin/stationd/internal/history/factory"
	"github.com/loykin/stationd/internal/metrics"
	"github.com/loykin/stationd/internal/observability"
	"github.com/loykin/stationd/internal/orbit"
	"github.com/loykin/stationd/internal/pipeline"
	"github.com/loykin/stationd/internal/positioner"
	"github.com/loykin/stationd/internal/power"
	"github.com/loykin/stationd/internal/predict"
	"github.com/loykin/stationd/internal/process"
	"github.com/loykin/stationd/internal/remote"
	"github.com/loykin/stationd/internal/runner"
	"github.com/loykin/stationd/internal/server"
	"github.com/loykin/stationd/internal/store"
	storefactory "github.com/loykin/stationd/internal/store/factory"
	"github.com/loykin/stationd/internal/tle"
	stationtls "github.com/loykin/stationd/internal/tls"
)

// app holds the components shared by every command: configuration,
// the event store seeded with the satellite catalog, the pass planner
// and the TLE updater.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	store   store.Store
	prop    *orbit.Propagator
	planner *predict.Planner
	tle     *tle.Updater
	now     func() time.Time
}

func openApp(ctx context.Context, path string) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	log := cfg.Log.NewSlogger()
	slog.SetDefault(log)

	st, err := storefactory.NewFromDSN(cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.EnsureSchema(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	for _, sat := range cfg.Satellites {
		if err := st.UpsertSatellite(ctx, sat); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("seed satellite %s: %w", sat.Name, err)
		}
	}

	prop := orbit.NewPropagator()
	pl := predict.NewPlanner(st, prop, cfg.Station)
	pl.MinElevation = cfg.Prediction.MinElevation
	pl.Horizon = cfg.Prediction.Horizon
	pl.MaxPerSatellite = cfg.Prediction.MaxPerSatellite
	pl.SafetyMargin = cfg.Prediction.SafetyMargin
	pl.Refiner.Floor = cfg.Prediction.StartEndElevation
	pl.Logger = log.With("component", "planner")

	up := tle.NewUpdater(st, cfg.TLE)
	up.SetLogger(log)

	return &app{cfg: cfg, log: log, store: st, prop: prop, planner: pl, tle: up, now: time.Now}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn("closing store", "error", err)
	}
}

// refresh updates stale TLEs and regenerates the pass plan when any
// element set changed.
func (a *app) refresh(ctx context.Context) error {
	n, err := a.tle.Update(ctx, false)
	if err != nil {
		a.log.Warn("TLE update incomplete", "error", err)
	}
	if n == 0 {
		return nil
	}
	_, err = a.planner.Generate(ctx, true)
	return err
}

func runServe(parent context.Context, path string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, path)
	if err != nil {
		return err
	}
	defer a.close()
	cfg, log := a.cfg, a.log

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return err
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	procs := metrics.NewProcessMetricsCollector(cfg.ProcessMetrics)
	if err := procs.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register process metrics: %w", err)
	}

	sink, closeSink, err := openHistory(cfg.History.DSN)
	if err != nil {
		return err
	}
	defer closeSink()

	toolEnv, err := cfg.ToolEnv()
	if err != nil {
		return fmt.Errorf("tool environment: %w", err)
	}

	local := process.NewLocal(procs)
	local.Logger = log.With("component", "process")
	var tools process.Executor = local
	if cfg.Capture.Remote.Enabled {
		tools = remote.NewExecutor(cfg.Capture.Remote)
		log.Info("capture runs on remote host", "address", cfg.Capture.Remote.Address)
	}

	radio := cfg.Capture.Radio
	radio.Log = cfg.Log
	radio.Env = toolEnv
	coord := capture.NewCoordinator(radio, tools)
	coord.SetLogger(log)

	decoder := pipeline.New(cfg.Pipeline.BinDir, tools)
	decoder.Env = toolEnv
	decoder.Log = cfg.Log
	decoder.Logger = log.With("component", "pipeline")

	dialer, err := hardware.NewDialer(cfg.Tracker.Transport, cfg.Tracker.Address, cfg.Tracker.Baud)
	if err != nil {
		return err
	}
	link := hardware.NewChannel(dialer,
		hardware.WithTimeout(cfg.Tracker.CommandTimeout),
		hardware.WithReconnectBackoff(cfg.Tracker.ReconnectBackoff),
		hardware.WithLogger(log.With("component", "hardware")),
	)
	pc := power.New(cfg.Power.OnCommand, cfg.Power.OffCommand, local)
	if cmd, ok := pc.(*power.Command); ok {
		cmd.Logger = log.With("component", "power")
	}
	ctrl := positioner.NewController(link, pc, a.prop, cfg.Station, cfg.Tracker.Config)
	ctrl.SetLogger(log)

	run := runner.New(a.store, ctrl, coord, decoder, cfg.Runner,
		runner.WithHistory(sink),
		runner.WithLogger(log),
	)

	sched := cron.NewScheduler(time.Local)
	sched.SetLogger(log)
	if err := sched.Add(&cron.Job{
		Name:     "predict",
		Schedule: cfg.Prediction.Schedule,
		Run: func(ctx context.Context) error {
			_, err := a.planner.Generate(ctx, false)
			return err
		},
	}); err != nil {
		return err
	}
	if err := sched.Add(&cron.Job{Name: "tle", Schedule: cfg.TLE.Schedule, Run: a.refresh}); err != nil {
		return err
	}

	router := server.NewRouter(a.store, ctrl, cfg.Station, server.Options{
		BasePath:  cfg.Server.BasePath,
		Metrics:   cfg.Server.Metrics,
		Processes: procs,
		Logger:    log.With("component", "server"),
	})
	srv := server.NewServer(cfg.Server.Listen, router.Handler())
	if srv.TLSConfig, err = stationtls.Setup(cfg.Server.TLS); err != nil {
		return fmt.Errorf("status API TLS: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return link.Run(gctx) })
	g.Go(func() error {
		ctrl.Run(gctx)
		return nil
	})
	g.Go(func() error { return run.Run(gctx) })
	g.Go(func() error {
		procs.Start(gctx)
		<-gctx.Done()
		procs.Stop()
		return nil
	})
	g.Go(func() error {
		if err := sched.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		sched.Stop()
		return nil
	})
	g.Go(func() error {
		if err := a.refresh(gctx); err != nil {
			log.Warn("startup TLE refresh failed", "error", err)
		}
		if _, err := a.planner.Generate(gctx, false); err != nil && gctx.Err() == nil {
			log.Warn("startup prediction failed", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info("status API listening", "addr", srv.Addr, "tls", srv.TLSConfig != nil)
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("status API: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	log.Info("stationd started", "lat", cfg.Station.Lat, "lon", cfg.Station.Lon, "satellites", len(cfg.Satellites))
	err = g.Wait()
	log.Info("stationd stopped")
	return err
}

// openHistory returns the configured transition sink, or history.Nop
// when none is configured.
func openHistory(dsn string) (history.Sink, func(), error) {
	if dsn == "" {
		return history.Nop{}, func() {}, nil
	}
	sink, err := historyfactory.NewSinkFromDSN(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open history sink: %w", err)
	}
	closeSink := func() {}
	if c, ok := sink.(io.Closer); ok {
		closeSink = func() { _ = c.Close() }
	}
	return sink, closeSink, nil
}

package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/stationd/internal/metrics"
	"github.com/loykin/stationd/internal/orbit"
	"github.com/loykin/stationd/internal/positioner"
	"github.com/loykin/stationd/internal/predict"
	"github.com/loykin/stationd/internal/store"
)

// Tracker is the positioner surface exposed over HTTP.
type Tracker interface {
	Snapshot() positioner.Status
	Subscribe() (<-chan positioner.Status, func())
}

// Router serves the read-only station status API.
// Endpoints:
//
//	GET {basePath}/status          positioner snapshot
//	GET {basePath}/tracker/stream  server-sent "tracker" events
//	GET {basePath}/passes          upcoming satellite passes
//	GET {basePath}/satellites      satellite catalog
//	GET {basePath}/location        ground station coordinates
//	GET {basePath}/events/:id      one scheduled event with its result
//	GET {basePath}/processes       sampled CPU/memory of running tools
//	GET {basePath}/metrics         prometheus exposition (when enabled)
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	store    store.Store
	tracker  Tracker
	station  orbit.Station
	procs    *metrics.ProcessMetricsCollector
	metrics  bool
	basePath string
	now      func() time.Time
	logger   *slog.Logger
}

// Options carries the optional parts of the API.
type Options struct {
	BasePath  string
	Metrics   bool
	Processes *metrics.ProcessMetricsCollector
	Logger    *slog.Logger
}

func NewRouter(st store.Store, tr Tracker, station orbit.Station, opts Options) *Router {
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Router{
		store:    st,
		tracker:  tr,
		station:  station,
		procs:    opts.Processes,
		metrics:  opts.Metrics,
		basePath: sanitizeBase(opts.BasePath),
		now:      time.Now,
		logger:   l,
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/tracker/stream", r.handleStream)
	group.GET("/passes", r.handlePasses)
	group.GET("/satellites", r.handleSatellites)
	group.GET("/location", r.handleLocation)
	group.GET("/events/:id", r.handleEvent)
	group.GET("/processes", r.handleProcesses)
	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer builds the HTTP server for addr; the caller runs ListenAndServe.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

// pass is one upcoming satellite pass as listed by /passes.
type pass struct {
	ID            int64              `json:"schedule_id"`
	Status        store.Status       `json:"run_status"`
	Satellite     string             `json:"satellite"`
	CatalogNumber int                `json:"catalog_number"`
	Frequency     float64            `json:"frequency"`
	Prediction    predict.Prediction `json:"prediction"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.tracker.Snapshot())
}

func (r *Router) handleStream(c *gin.Context) {
	ch, unsubscribe := r.tracker.Subscribe()
	defer unsubscribe()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.SSEvent("tracker", r.tracker.Snapshot())
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(_ io.Writer) bool {
		select {
		case st, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent("tracker", st)
			return true
		case <-ctx.Done():
			return false
		}
	})
}

func (r *Router) handlePasses(c *gin.Context) {
	events, err := r.store.ListUpcoming(c.Request.Context(), r.now(), store.CategorySatellitePass)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	out := make([]pass, 0, len(events))
	for _, ev := range events {
		action, err := predict.DecodePassAction(ev.Action)
		if err != nil {
			r.logger.Warn("skipping undecodable pass", "event_id", ev.ID, "error", err)
			continue
		}
		out = append(out, pass{
			ID:            ev.ID,
			Status:        ev.Status,
			Satellite:     action.Satellite.Name,
			CatalogNumber: action.Satellite.CatalogNumber,
			Frequency:     action.Satellite.Frequency,
			Prediction:    action.Prediction,
		})
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleSatellites(c *gin.Context) {
	sats, err := r.store.ListSatellites(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if sats == nil {
		sats = []store.Satellite{}
	}
	writeJSON(c, http.StatusOK, sats)
}

func (r *Router) handleLocation(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.station)
}

func (r *Router) handleEvent(c *gin.Context) {
	id, ok := parseID(c.Param("id"))
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid event id"})
		return
	}
	ev, err := r.store.Get(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "event not found"})
		return
	}
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, ev)
}

func (r *Router) handleProcesses(c *gin.Context) {
	if !r.procs.IsEnabled() {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "process metrics disabled"})
		return
	}
	if name := c.Query("name"); name != "" {
		hist, ok := r.procs.GetHistory(name)
		if !ok {
			writeJSON(c, http.StatusNotFound, errorResp{Error: "no samples for " + name})
			return
		}
		writeJSON(c, http.StatusOK, hist)
		return
	}
	writeJSON(c, http.StatusOK, r.procs.GetAllMetrics())
}

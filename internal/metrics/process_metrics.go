package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessMetrics holds CPU and memory usage of one external tool process
// (receiver, decoder or power command).
type ProcessMetrics struct {
	PID        int32     `json:"pid"`
	Name       string    `json:"name"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// ProcessMetricsConfig holds configuration for process metrics collection
type ProcessMetricsConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxHistory int           `mapstructure:"max_history"`
}

// ProcessMetricsCollector samples processes registered with Track until
// they are removed with Untrack.
type ProcessMetricsCollector struct {
	enabled    bool
	interval   time.Duration
	maxHistory int

	mu      sync.RWMutex
	tracked map[string]int32
	latest  map[string]ProcessMetrics
	history map[string][]ProcessMetrics

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
}

// NewProcessMetricsCollector creates a new process metrics collector
func NewProcessMetricsCollector(config ProcessMetricsConfig) *ProcessMetricsCollector {
	maxHistory := config.MaxHistory
	if maxHistory <= 0 {
		maxHistory = 100
	}
	interval := config.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ProcessMetricsCollector{
		enabled:    config.Enabled,
		interval:   interval,
		maxHistory: maxHistory,
		tracked:    make(map[string]int32),
		latest:     make(map[string]ProcessMetrics),
		history:    make(map[string][]ProcessMetrics),
		stopCh:     make(chan struct{}),
		cpuPercent: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "process",
				Name:      "cpu_percent",
				Help:      "CPU usage percentage of external tool processes.",
			}, []string{"process_name"},
		),
		memoryMB: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "process",
				Name:      "memory_mb",
				Help:      "Resident memory in MB of external tool processes.",
			}, []string{"process_name"},
		),
	}
}

// RegisterMetrics registers the process gauges with the provided registerer
func (c *ProcessMetricsCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	for _, collector := range []prometheus.Collector{c.cpuPercent, c.memoryMB} {
		if err := r.Register(collector); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

func (c *ProcessMetricsCollector) IsEnabled() bool { return c != nil && c.enabled }

// Track starts sampling pid under name.
func (c *ProcessMetricsCollector) Track(name string, pid int32) {
	if !c.IsEnabled() || pid <= 0 {
		return
	}
	c.mu.Lock()
	c.tracked[name] = pid
	c.mu.Unlock()
}

// Untrack stops sampling name and drops its gauges. History is kept.
func (c *ProcessMetricsCollector) Untrack(name string) {
	if !c.IsEnabled() {
		return
	}
	c.mu.Lock()
	delete(c.tracked, name)
	delete(c.latest, name)
	c.mu.Unlock()
	c.cpuPercent.DeleteLabelValues(name)
	c.memoryMB.DeleteLabelValues(name)
}

// Start begins the periodic collection of process metrics
func (c *ProcessMetricsCollector) Start(ctx context.Context) {
	if !c.IsEnabled() {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.collect()
			}
		}
	}()
}

// Stop stops the metrics collection
func (c *ProcessMetricsCollector) Stop() {
	if !c.IsEnabled() {
		return
	}
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *ProcessMetricsCollector) collect() {
	c.mu.RLock()
	targets := make(map[string]int32, len(c.tracked))
	for k, v := range c.tracked {
		targets[k] = v
	}
	c.mu.RUnlock()

	now := time.Now()
	for name, pid := range targets {
		m, err := sample(name, pid, now)
		if err != nil {
			slog.Debug("Failed to collect metrics for process", "name", name, "pid", pid, "error", err)
			continue
		}
		c.cpuPercent.WithLabelValues(name).Set(m.CPUPercent)
		c.memoryMB.WithLabelValues(name).Set(m.MemoryMB)
		c.record(m)
	}
}

func sample(name string, pid int32, ts time.Time) (ProcessMetrics, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return ProcessMetrics{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	cpu, err := proc.CPUPercent()
	if err != nil {
		cpu = 0
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return ProcessMetrics{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	threads, _ := proc.NumThreads()
	return ProcessMetrics{
		PID:        pid,
		Name:       name,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		MemoryRSS:  mem.RSS,
		NumThreads: threads,
		Timestamp:  ts,
	}, nil
}

func (c *ProcessMetricsCollector) record(m ProcessMetrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest[m.Name] = m
	h := append(c.history[m.Name], m)
	if len(h) > c.maxHistory {
		h = h[len(h)-c.maxHistory:]
	}
	c.history[m.Name] = h
}

// GetMetrics returns the latest sample for a tracked process.
func (c *ProcessMetricsCollector) GetMetrics(name string) (ProcessMetrics, bool) {
	if !c.IsEnabled() {
		return ProcessMetrics{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.latest[name]
	return m, ok
}

// GetHistory returns a copy of the samples recorded for name, oldest first.
func (c *ProcessMetricsCollector) GetHistory(name string) ([]ProcessMetrics, bool) {
	if !c.IsEnabled() {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.history[name]
	if !ok {
		return nil, false
	}
	out := make([]ProcessMetrics, len(h))
	copy(out, h)
	return out, true
}

// GetAllMetrics returns the latest sample of every tracked process.
func (c *ProcessMetricsCollector) GetAllMetrics() map[string]ProcessMetrics {
	out := make(map[string]ProcessMetrics)
	if !c.IsEnabled() {
		return out
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, v := range c.latest {
		out[k] = v
	}
	return out
}

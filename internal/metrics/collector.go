package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cuenv/cuenv/pkg/cueerrors"
)

// Config represents metrics configuration.
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// OperationMetrics tracks aggregate counts for one operation kind
// (task_execute, wal_append, cache_evict, ...).
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalSize     int64         `json:"total_size"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
	AvgSize       float64       `json:"avg_size"`
}

// Collector aggregates Prometheus counters, histograms, and gauges for the
// cache and task-execution engine, alongside a lightweight in-process
// operation table served by the /debug endpoints.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	cacheRequests     *prometheus.CounterVec
	cacheSizeGauge    *prometheus.GaugeVec
	inFlightActions   prometheus.Gauge
	errorCounter      *prometheus.CounterVec

	operations map[string]*OperationMetrics
	lastReset  time.Time

	server *http.Server
}

// NewCollector creates a new metrics collector. A nil config enables
// collection with the defaults; a disabled config produces a collector
// whose recording methods are no-ops.
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Port:      8080,
			Path:      "/metrics",
			Namespace: "cuenv",
			Labels:    make(map[string]string),
		}
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	c := &Collector{
		config:     config,
		registry:   prometheus.NewRegistry(),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}
	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return c, nil
}

func (c *Collector) initMetrics() {
	ns, sub := c.config.Namespace, c.config.Subsystem

	c.operationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "operations_total",
			Help: "Total engine operations (task executions, WAL appends, evictions) by outcome",
		},
		[]string{"operation", "status"},
	)

	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub,
			Name:    "operation_duration_seconds",
			Help:    "Operation latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"operation"},
	)

	c.cacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "cache_requests_total",
			Help: "Cache lookups by result and the tier that served them",
		},
		[]string{"result", "tier"},
	)

	c.cacheSizeGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "cache_size_bytes",
			Help: "Resident cache bytes per tier",
		},
		[]string{"tier"},
	)

	c.inFlightActions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "inflight_actions",
			Help: "Action digests currently running their single-flight builder",
		},
	)

	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "errors_total",
			Help: "Errors by operation and error code",
		},
		[]string{"operation", "code"},
	)
}

func (c *Collector) registerMetrics() error {
	for _, m := range []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.cacheRequests,
		c.cacheSizeGauge,
		c.inFlightActions,
		c.errorCounter,
	} {
		if err := c.registry.Register(m); err != nil {
			return err
		}
	}
	return nil
}

// Start serves the Prometheus scrape endpoint plus /health and
// /debug/operations on the configured port.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("Metrics server error: %v\n", err)
		}
	}()
	return nil
}

// Stop shuts the metrics server down.
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// RecordOperation records one operation's outcome, updating both the
// Prometheus series and the in-process operation table.
func (c *Collector) RecordOperation(operation string, duration time.Duration, size int64, success bool) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	om, exists := c.operations[operation]
	if !exists {
		om = &OperationMetrics{}
		c.operations[operation] = om
	}
	om.Count++
	om.TotalDuration += duration
	om.TotalSize += size
	if !success {
		om.Errors++
	}
	om.LastOperation = time.Now()
	om.AvgDuration = om.TotalDuration / time.Duration(om.Count)
	om.AvgSize = float64(om.TotalSize) / float64(om.Count)
	c.mu.Unlock()

	status := "success"
	if !success {
		status = "error"
	}
	c.operationCounter.WithLabelValues(operation, status).Inc()
	c.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordCacheHit records a cache lookup served by tier
// (fastpath, memory, or disk).
func (c *Collector) RecordCacheHit(tier string, size int64) {
	if !c.config.Enabled {
		return
	}
	c.cacheRequests.WithLabelValues("hit", tier).Inc()
}

// RecordCacheMiss records a lookup no tier could serve.
func (c *Collector) RecordCacheMiss(tier string, size int64) {
	if !c.config.Enabled {
		return
	}
	c.cacheRequests.WithLabelValues("miss", tier).Inc()
}

// RecordError records an error against operation, labeled with the
// cueerrors code when err carries one.
func (c *Collector) RecordError(operation string, err error) {
	if !c.config.Enabled {
		return
	}
	code := "unknown"
	if ec, ok := cueerrors.GetCode(err); ok {
		code = string(ec)
	}
	c.errorCounter.WithLabelValues(operation, code).Inc()
}

// UpdateCacheSize sets the resident-bytes gauge for tier.
func (c *Collector) UpdateCacheSize(tier string, size int64) {
	if !c.config.Enabled {
		return
	}
	c.cacheSizeGauge.WithLabelValues(tier).Set(float64(size))
}

// UpdateActiveConnections sets the gauge of digests currently computing
// their single-flight builder.
func (c *Collector) UpdateActiveConnections(count int) {
	if !c.config.Enabled {
		return
	}
	c.inFlightActions.Set(float64(count))
}

// GetMetrics returns a snapshot of the in-process operation table.
func (c *Collector) GetMetrics() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	operations := make(map[string]*OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		copied := *v
		operations[k] = &copied
	}
	return map[string]interface{}{
		"operations": operations,
		"last_reset": c.lastReset,
		"uptime":     time.Since(c.lastReset),
	}
}

// ResetMetrics clears the in-process operation table. The Prometheus
// series are cumulative and are not reset.
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"cuenv-metrics"}`))
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	type row struct {
		Operation   string        `json:"operation"`
		Count       int64         `json:"count"`
		Errors      int64         `json:"errors"`
		AvgDuration time.Duration `json:"avg_duration"`
		AvgSize     float64       `json:"avg_size"`
	}
	rows := make([]row, 0, len(c.operations))
	for name, op := range c.operations {
		rows = append(rows, row{
			Operation:   name,
			Count:       op.Count,
			Errors:      op.Errors,
			AvgDuration: op.AvgDuration,
			AvgSize:     op.AvgSize,
		})
	}
	uptime := time.Since(c.lastReset)
	c.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool { return rows[i].Operation < rows[j].Operation })

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"uptime":     uptime.String(),
		"operations": rows,
	})
}

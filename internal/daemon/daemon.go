// Package daemon runs scan passes on an interval and reports health.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/posture/internal/emitter"
)

// Config holds daemon configuration
type Config struct {
	Interval time.Duration
	// Timeout bounds a single scan pass. Zero means no bound.
	Timeout time.Duration
}

// ScanFunc runs one full scan pass.
type ScanFunc func(ctx context.Context) emitter.Report

// Daemon manages the periodic scan loop
type Daemon struct {
	interval  time.Duration
	timeout   time.Duration
	scan      ScanFunc
	emit      emitter.Emitter
	metrics   *DaemonMetrics
	startTime time.Time
	scanCount atomic.Int64
	ready     atomic.Bool

	mu       sync.RWMutex
	lastScan time.Time
	lastErrs int
}

// NewDaemon creates a new daemon instance. metrics may be nil.
func NewDaemon(config Config, scan ScanFunc, emit emitter.Emitter, metrics *DaemonMetrics) *Daemon {
	return &Daemon{
		interval:  config.Interval,
		timeout:   config.Timeout,
		scan:      scan,
		emit:      emit,
		metrics:   metrics,
		startTime: time.Now(),
	}
}

// Start scans immediately, then on every tick until ctx is done.
func (d *Daemon) Start(ctx context.Context) error {
	if d.interval <= 0 {
		return fmt.Errorf("daemon: interval must be positive (got %s)", d.interval)
	}

	d.runScan(ctx)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.runScan(ctx)
		}
	}
}

func (d *Daemon) runScan(ctx context.Context) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	report := d.scan(ctx)
	if err := ctx.Err(); err != nil {
		log.Warn().Err(err).Msg("scan pass interrupted")
	}

	if err := d.emit.Emit(ctx, report); err != nil {
		log.Error().Err(err).Msg("emit failed")
	}

	status := "success"
	if report.Unavailable() > 0 {
		status = "partial"
	}
	d.metrics.RecordScan(ctx, status, report.Duration)
	d.metrics.RecordFailedFindings(ctx, int64(report.Failed()))

	d.mu.Lock()
	d.lastScan = report.StartedAt
	d.lastErrs = report.Unavailable()
	d.mu.Unlock()

	d.scanCount.Add(1)
	d.ready.Store(true)
}

// Health returns daemon health status
func (d *Daemon) Health() HealthStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return HealthStatus{
		Status:      "healthy",
		Uptime:      int64(time.Since(d.startTime).Seconds()),
		Scans:       d.scanCount.Load(),
		LastScan:    d.lastScan,
		Unavailable: d.lastErrs,
	}
}

// HealthStatus represents daemon health
type HealthStatus struct {
	Status      string    `json:"status"`
	Uptime      int64     `json:"uptime_seconds"`
	Scans       int64     `json:"scans"`
	LastScan    time.Time `json:"last_scan"`
	Unavailable int       `json:"unavailable_targets"`
}

// ScanCount returns total scan passes run
func (d *Daemon) ScanCount() int64 {
	return d.scanCount.Load()
}

// Ready reports whether the first scan pass has completed.
func (d *Daemon) Ready() bool {
	return d.ready.Load()
}

// RegisterHandlers mounts /health, /-/healthy and /-/ready on mux.
func (d *Daemon) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/health", d.handleHealth)
	mux.HandleFunc("/-/healthy", d.handleHealth)
	mux.HandleFunc("/-/ready", d.handleReady)
}

func (d *Daemon) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := jsoniter.NewEncoder(w).Encode(d.Health()); err != nil {
		log.Debug().Err(err).Msg("write health response")
	}
}

func (d *Daemon) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !d.Ready() {
		http.Error(w, "first scan pending", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}

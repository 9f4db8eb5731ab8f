// Package relay bridges the kernel provenance relay to userspace consumers.
//
// The kernel emits fixed-size provenance records on two per-CPU channel
// files. The engine owns one reader per channel, decodes and classifies each
// record, and routes it to the consumer's callback table. Consumers register
// once; the engine then runs until stopped, surviving every per-record
// failure.
package relay

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/MichaelXi3/libprovenance/pkg/provenance"
)

// Engine lifecycle states. Transitions are driver-triggered only: Register
// moves uninitialized to running, Stop moves running to stopped. One
// lifecycle per process; Register after Stop is rejected.
const (
	stateUninitialized int32 = iota
	stateStarting
	stateRunning
	stateStopping
	stateStopped
)

// engineMetrics holds the OTEL instruments shared by all readers. Instrument
// creation failures are logged and leave the instrument nil; recording
// methods tolerate that.
type engineMetrics struct {
	ctx              context.Context
	recordsProcessed metric.Int64Counter
	recordsFiltered  metric.Int64Counter
	errorsTotal      metric.Int64Counter
	dispatchDuration metric.Float64Histogram
}

func newEngineMetrics(logger *zap.Logger) *engineMetrics {
	meter := otel.Meter("provenance-relay")
	m := &engineMetrics{ctx: context.Background()}

	var err error
	m.recordsProcessed, err = meter.Int64Counter(
		"relay_records_processed_total",
		metric.WithDescription("Total records dispatched to consumer callbacks"),
	)
	if err != nil {
		logger.Warn("Failed to create records processed counter", zap.Error(err))
	}
	m.recordsFiltered, err = meter.Int64Counter(
		"relay_records_filtered_total",
		metric.WithDescription("Total records dropped by the filter predicate"),
	)
	if err != nil {
		logger.Warn("Failed to create records filtered counter", zap.Error(err))
	}
	m.errorsTotal, err = meter.Int64Counter(
		"relay_errors_total",
		metric.WithDescription("Total non-fatal record errors"),
	)
	if err != nil {
		logger.Warn("Failed to create errors counter", zap.Error(err))
	}
	m.dispatchDuration, err = meter.Float64Histogram(
		"relay_dispatch_duration_ms",
		metric.WithDescription("Per-record dispatch duration in milliseconds"),
	)
	if err != nil {
		logger.Warn("Failed to create dispatch duration histogram", zap.Error(err))
	}
	return m
}

func (m *engineMetrics) incProcessed() {
	if m != nil && m.recordsProcessed != nil {
		m.recordsProcessed.Add(m.ctx, 1)
	}
}

func (m *engineMetrics) incFiltered() {
	if m != nil && m.recordsFiltered != nil {
		m.recordsFiltered.Add(m.ctx, 1)
	}
}

func (m *engineMetrics) incError() {
	if m != nil && m.errorsTotal != nil {
		m.errorsTotal.Add(m.ctx, 1)
	}
}

func (m *engineMetrics) observeDispatch(d time.Duration) {
	if m != nil && m.dispatchDuration != nil {
		m.dispatchDuration.Record(m.ctx, float64(d.Microseconds())/1000.0)
	}
}

// Engine owns the relay lifecycle: channel files, reader pool, name cache and
// the registered callback table.
type Engine struct {
	cfg     *Config
	logger  *zap.Logger
	tracer  trace.Tracer
	runID   string
	state   atomic.Int32
	ops     Ops
	cache   *NameCache
	stats   *Stats
	metrics *engineMetrics
	pool    *workerPool
}

// NewEngine creates an engine. A nil config selects defaults; a nil logger
// selects zap's production logger.
func NewEngine(cfg *Config, logger *zap.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid relay config: %w", err)
	}
	if logger == nil {
		var err error
		logger, err = zap.NewProduction()
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
	}

	e := &Engine{
		cfg:     cfg,
		logger:  logger.Named("relay"),
		tracer:  otel.Tracer("provenance-relay"),
		runID:   uuid.NewString(),
		cache:   NewNameCache(),
		stats:   NewStats(),
		metrics: newEngineMetrics(logger),
	}

	e.logger.Info("Relay engine created",
		zap.String("run_id", e.runID),
		zap.String("relay_path", cfg.RelayPath),
		zap.String("long_relay_path", cfg.LongRelayPath),
		zap.Int("batch_size", cfg.BatchSize),
		zap.Duration("poll_timeout", cfg.PollTimeout),
		zap.Duration("sleep_interval", cfg.SleepInterval),
	)
	return e, nil
}

// Register snapshots the callback table and starts the engine: it validates
// the CPU count, opens two channel files per CPU, writes the pid marker and
// spawns one pinned reader per channel. On any failure everything opened is
// closed and an InitError is returned, with nothing left running.
func (e *Engine) Register(ops *Ops) error {
	_, span := e.tracer.Start(context.Background(), "relay.engine.register")
	defer span.End()

	if ops == nil {
		return &InitError{Stage: "ops", Err: fmt.Errorf("callback table must not be nil")}
	}
	if !e.state.CompareAndSwap(stateUninitialized, stateStarting) {
		return &InitError{Stage: "state", Err: fmt.Errorf("engine already registered")}
	}

	// The table is copied once and treated as read-only from here on.
	e.ops = *ops

	numCPUs := e.cfg.NumCPUs
	if numCPUs == 0 {
		numCPUs = runtime.NumCPU()
	}
	if numCPUs > MaxSupportedCPUs {
		e.state.Store(stateUninitialized)
		err := fmt.Errorf("%d CPUs exceeds the supported maximum of %d", numCPUs, MaxSupportedCPUs)
		span.SetAttributes(attribute.String("error", "cpu_count"))
		return &InitError{Stage: "cpu-count", Err: err}
	}

	pool, err := newWorkerPool(e.cfg, numCPUs, &e.ops, e.cache, e.stats, e.metrics, e.logger)
	if err != nil {
		e.state.Store(stateUninitialized)
		span.SetAttributes(attribute.String("error", "open_channels"))
		return &InitError{Stage: "channels", Err: err}
	}

	if err := e.writePIDFile(); err != nil {
		closeAll(pool.relayFDs)
		closeAll(pool.longFDs)
		e.state.Store(stateUninitialized)
		span.SetAttributes(attribute.String("error", "pid_file"))
		return &InitError{Stage: "pid-file", Err: err}
	}

	e.pool = pool
	pool.start()
	e.state.Store(stateRunning)

	e.logger.Info("Relay engine started",
		zap.String("run_id", e.runID),
		zap.Int("cpus", numCPUs),
		zap.Bool("query_mode", e.ops.IsQuery),
	)
	span.SetAttributes(attribute.Bool("success", true))
	return nil
}

// Stop raises the stop signal, waits for readers to finish their current
// cycle and closes the channel files. After Stop returns no further callback
// fires; elapsed time is bounded by the poll timeout plus the grace delay.
func (e *Engine) Stop() error {
	if !e.state.CompareAndSwap(stateRunning, stateStopping) {
		return fmt.Errorf("relay engine is not running")
	}
	e.logger.Info("Stopping relay engine")
	e.pool.stop()
	e.stats.SetHealthy(false)
	e.state.Store(stateStopped)
	e.logger.Info("Relay engine stopped", zap.String("run_id", e.runID))
	return nil
}

// LookupName resolves an identifier seen in a node record to the path that
// first named it, if one has been observed.
func (e *Engine) LookupName(id provenance.Identifier) (string, bool) {
	return e.cache.Lookup(id)
}

// RunID identifies this engine run in logs and exported metrics.
func (e *Engine) RunID() string { return e.runID }

// Statistics returns a snapshot of the engine counters.
func (e *Engine) Statistics() Statistics { return e.stats.Snapshot() }

// Health reports whether the engine is operating normally.
func (e *Engine) Health() HealthStatus { return e.stats.Health() }

// writePIDFile records the collector's pid at the configured marker path so
// external tooling can identify the running process.
func (e *Engine) writePIDFile() error {
	if e.cfg.PIDFile == "" {
		return nil
	}
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(e.cfg.PIDFile, []byte(pid), 0o644); err != nil {
		return fmt.Errorf("writing pid file %s: %w", e.cfg.PIDFile, err)
	}
	e.logger.Info("Wrote pid marker",
		zap.String("path", e.cfg.PIDFile),
		zap.String("pid", pid),
		zap.String("run_id", e.runID),
	)
	return nil
}

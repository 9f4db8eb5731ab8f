package relay

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap/zaptest"

	"github.com/MichaelXi3/libprovenance/pkg/provenance"
)

// testEngineConfig builds a single-CPU config over channel files in dir,
// creating empty channels unless the caller wrote them already.
func testEngineConfig(t *testing.T, dir string) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RelayPath = filepath.Join(dir, "provenance")
	cfg.LongRelayPath = filepath.Join(dir, "long_provenance")
	cfg.PIDFile = filepath.Join(dir, "provenance-service.pid")
	cfg.NumCPUs = 1
	cfg.BatchSize = 16
	cfg.PollTimeout = 50 * time.Millisecond
	cfg.SleepInterval = time.Millisecond
	cfg.PinCPU = false

	for _, base := range []string{cfg.RelayPath, cfg.LongRelayPath} {
		name := base + "0"
		if _, err := os.Stat(name); errors.Is(err, os.ErrNotExist) {
			require.NoError(t, os.WriteFile(name, nil, 0o644))
		}
	}
	return cfg
}

func TestEngineRegisterAndStop(t *testing.T) {
	dir := t.TempDir()

	var shortData []byte
	for i := uint64(1); i <= 3; i++ {
		shortData = append(shortData, shortRecord(provenance.EntProc, i)...)
	}
	cfg := testEngineConfig(t, dir)
	require.NoError(t, os.WriteFile(cfg.RelayPath+"0", shortData, 0o644))
	require.NoError(t, os.WriteFile(cfg.LongRelayPath+"0", pathRecord(9, "/etc/passwd"), 0o644))

	engine, err := NewEngine(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	var mu sync.Mutex
	var procs []uint64
	var paths []string
	err = engine.Register(&Ops{
		Proc: func(p *provenance.ProcInfo) {
			mu.Lock()
			procs = append(procs, p.Header.ID.ObjectID())
			mu.Unlock()
		},
		Path: func(p *provenance.PathInfo) {
			mu.Lock()
			paths = append(paths, p.Path())
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(procs) == 3 && len(paths) == 1
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []uint64{1, 2, 3}, procs)
	assert.Equal(t, []string{"/etc/passwd"}, paths)
	mu.Unlock()

	// The path record fed the name cache.
	name, ok := engine.LookupName(ident(9))
	require.True(t, ok)
	assert.Equal(t, "/etc/passwd", name)

	// The pid marker names this process.
	pid, err := os.ReadFile(cfg.PIDFile)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(pid))

	stats := engine.Statistics()
	assert.Equal(t, int64(4), stats.RecordsProcessed)
	assert.True(t, engine.Health().Healthy)

	require.NoError(t, engine.Stop())
	assert.False(t, engine.Health().Healthy)
}

// Stop must return within the poll timeout plus the grace delay, and no
// callback may fire afterwards.
func TestEngineStopBoundedAndSilent(t *testing.T) {
	dir := t.TempDir()
	cfg := testEngineConfig(t, dir)

	engine, err := NewEngine(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	var mu sync.Mutex
	dispatched := 0
	require.NoError(t, engine.Register(&Ops{
		Proc: func(*provenance.ProcInfo) {
			mu.Lock()
			dispatched++
			mu.Unlock()
		},
	}))

	start := time.Now()
	require.NoError(t, engine.Stop())
	elapsed := time.Since(start)
	assert.Less(t, elapsed, cfg.PollTimeout+shutdownGrace+2*time.Second)

	mu.Lock()
	after := dispatched
	mu.Unlock()

	// New data after Stop must never reach a callback.
	f, err := os.OpenFile(cfg.RelayPath+"0", os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.Write(shortRecord(provenance.EntProc, 7))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, after, dispatched)
	mu.Unlock()
}

func TestEngineCPUCountOverflow(t *testing.T) {
	dir := t.TempDir()
	cfg := testEngineConfig(t, dir)
	cfg.NumCPUs = 300

	engine, err := NewEngine(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	err = engine.Register(&Ops{})
	require.Error(t, err)

	var initErr *InitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, "cpu-count", initErr.Stage)
	assert.Error(t, engine.Stop(), "engine must not be running after a failed register")
}

func TestEngineChannelOpenFailure(t *testing.T) {
	dir := t.TempDir()
	cfg := testEngineConfig(t, dir)
	require.NoError(t, os.Remove(cfg.LongRelayPath+"0"))

	engine, err := NewEngine(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	err = engine.Register(&Ops{})
	require.Error(t, err)

	var initErr *InitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, "channels", initErr.Stage)

	// Failure is before the pid marker: nothing of the engine is left behind.
	_, statErr := os.Stat(cfg.PIDFile)
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestEnginePIDFileFailure(t *testing.T) {
	dir := t.TempDir()
	cfg := testEngineConfig(t, dir)
	cfg.PIDFile = filepath.Join(dir, "missing", "nested", "pid")

	engine, err := NewEngine(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	err = engine.Register(&Ops{})
	require.Error(t, err)

	var initErr *InitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, "pid-file", initErr.Stage)
}

func TestEngineSingleLifecycle(t *testing.T) {
	dir := t.TempDir()
	cfg := testEngineConfig(t, dir)

	engine, err := NewEngine(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, engine.Register(&Ops{}))
	assert.Error(t, engine.Register(&Ops{}), "second register must fail")

	require.NoError(t, engine.Stop())
	assert.Error(t, engine.Stop(), "second stop must fail")
	assert.Error(t, engine.Register(&Ops{}), "register after stop must fail")
}

func TestEngineNilOps(t *testing.T) {
	engine, err := NewEngine(testEngineConfig(t, t.TempDir()), zaptest.NewLogger(t))
	require.NoError(t, err)

	err = engine.Register(nil)
	var initErr *InitError
	require.ErrorAs(t, err, &initErr)
}

func TestEngineConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty relay path", func(c *Config) { c.RelayPath = "" }},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }},
		{"zero poll timeout", func(c *Config) { c.PollTimeout = 0 }},
		{"negative sleep", func(c *Config) { c.SleepInterval = -time.Millisecond }},
		{"negative cpus", func(c *Config) { c.NumCPUs = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			_, err := NewEngine(cfg, zaptest.NewLogger(t))
			assert.Error(t, err)
		})
	}
}

func TestEngineDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, DefaultRelayPath, cfg.RelayPath)
	assert.Equal(t, DefaultLongRelayPath, cfg.LongRelayPath)
	assert.Equal(t, DefaultPIDFile, cfg.PIDFile)
	assert.Equal(t, DefaultBatchSize, cfg.BatchSize)
	assert.Equal(t, DefaultPollTimeout, cfg.PollTimeout)
	assert.Equal(t, DefaultSleepInterval, cfg.SleepInterval)
	assert.True(t, cfg.PinCPU)
	assert.NoError(t, cfg.Validate())
}

// Records flow into OTEL instruments when a real meter provider is installed.
func TestEngineWithMeterProvider(t *testing.T) {
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider())
	defer otel.SetMeterProvider(prev)

	dir := t.TempDir()
	cfg := testEngineConfig(t, dir)
	require.NoError(t, os.WriteFile(cfg.RelayPath+"0",
		shortRecord(provenance.EntProc, 1), 0o644))

	engine, err := NewEngine(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	var mu sync.Mutex
	seen := 0
	require.NoError(t, engine.Register(&Ops{
		Proc: func(*provenance.ProcInfo) {
			mu.Lock()
			seen++
			mu.Unlock()
		},
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen == 1
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, engine.Stop())
	assert.Equal(t, int64(1), engine.Statistics().RecordsProcessed)
}

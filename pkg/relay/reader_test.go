package relay

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"

	"github.com/MichaelXi3/libprovenance/pkg/provenance"
)

func testReaderConfig() *Config {
	cfg := DefaultConfig()
	cfg.BatchSize = 16
	cfg.PollTimeout = 50 * time.Millisecond
	cfg.SleepInterval = time.Millisecond
	cfg.PinCPU = false
	return cfg
}

// openTestChannel writes raw records to a file and opens it the way the pool
// opens a channel.
func openTestChannel(t *testing.T, data []byte) int {
	t.Helper()
	path := filepath.Join(t.TempDir(), "channel0")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fd) })
	return fd
}

func TestReaderDispatchesInArrivalOrder(t *testing.T) {
	var data []byte
	for i := uint64(0); i < 5; i++ {
		data = append(data, shortRecord(provenance.EntProc, i)...)
	}
	fd := openTestChannel(t, data)

	var mu sync.Mutex
	var seen []uint64
	dispatch := func(b []byte) {
		rec, err := provenance.DecodeRecord(b)
		require.NoError(t, err)
		id := rec.ID()
		mu.Lock()
		seen = append(seen, id.ObjectID())
		mu.Unlock()
	}

	r := newChannelReader(0, 1, fd, provenance.RecordSize, 16, dispatch,
		testReaderConfig(), NewStats(), zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.run(ctx)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 5
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	assert.Equal(t, []uint64{0, 1, 2, 3, 4}, seen)
}

// A batch larger than the buffer is drained across successive read cycles
// without losing or reordering records.
func TestReaderDrainsAcrossCycles(t *testing.T) {
	const total = 40 // buffer holds 16
	var data []byte
	for i := uint64(0); i < total; i++ {
		data = append(data, shortRecord(provenance.ActTask, i)...)
	}
	fd := openTestChannel(t, data)

	var mu sync.Mutex
	var seen []uint64
	dispatch := func(b []byte) {
		rec, err := provenance.DecodeRecord(b)
		require.NoError(t, err)
		id := rec.ID()
		mu.Lock()
		seen = append(seen, id.ObjectID())
		mu.Unlock()
	}

	r := newChannelReader(0, 1, fd, provenance.RecordSize, 16, dispatch,
		testReaderConfig(), NewStats(), zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.run(ctx)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == total
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	for i := uint64(0); i < total; i++ {
		assert.Equal(t, i, seen[i])
	}
}

func TestReaderStopsOnCancel(t *testing.T) {
	fd := openTestChannel(t, nil)

	r := newChannelReader(0, 1, fd, provenance.RecordSize, 16,
		func([]byte) { t.Error("no dispatch expected") },
		testReaderConfig(), NewStats(), zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.run(ctx)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not stop after cancellation")
	}
}

// Records appended after the reader has drained the channel are picked up on
// a later poll cycle.
func TestReaderPicksUpNewData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channel0")
	require.NoError(t, os.WriteFile(path, shortRecord(provenance.EntProc, 1), 0o644))
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	require.NoError(t, err)
	defer unix.Close(fd)

	var mu sync.Mutex
	var seen []uint64
	dispatch := func(b []byte) {
		rec, derr := provenance.DecodeRecord(b)
		require.NoError(t, derr)
		id := rec.ID()
		mu.Lock()
		seen = append(seen, id.ObjectID())
		mu.Unlock()
	}

	r := newChannelReader(0, 1, fd, provenance.RecordSize, 16, dispatch,
		testReaderConfig(), NewStats(), zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.run(ctx)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, 2*time.Second, 10*time.Millisecond)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.Write(shortRecord(provenance.EntProc, 2))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, []uint64{1, 2}, seen)
}

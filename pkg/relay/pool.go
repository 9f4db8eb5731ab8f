package relay

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/MichaelXi3/libprovenance/pkg/provenance"
)

// workerPool owns the 2xN channel descriptors and the readers draining them:
// one short-record and one long-record reader per CPU, each pinned to the CPU
// whose channel it reads. The pool is the only component that starts or stops
// readers.
type workerPool struct {
	cfg     *Config
	numCPUs int

	relayFDs []int
	longFDs  []int
	readers  []*channelReader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *zap.Logger
}

// openChannelFiles opens one non-blocking descriptor per CPU for the given
// base path. On any failure everything already opened is closed again.
func openChannelFiles(base string, numCPUs int) ([]int, error) {
	fds := make([]int, 0, numCPUs)
	for cpu := 0; cpu < numCPUs; cpu++ {
		name := base + strconv.Itoa(cpu)
		fd, err := unix.Open(name, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if err != nil {
			closeAll(fds)
			return nil, fmt.Errorf("opening channel %s: %w", name, err)
		}
		fds = append(fds, fd)
	}
	return fds, nil
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

// newWorkerPool opens all channel files and builds the readers without
// starting them. Each reader gets its own dispatcher so the per-worker init
// flag stays reader-local.
func newWorkerPool(cfg *Config, numCPUs int, ops *Ops, cache *NameCache, stats *Stats, metrics *engineMetrics, logger *zap.Logger) (*workerPool, error) {
	relayFDs, err := openChannelFiles(cfg.RelayPath, numCPUs)
	if err != nil {
		return nil, err
	}
	longFDs, err := openChannelFiles(cfg.LongRelayPath, numCPUs)
	if err != nil {
		closeAll(relayFDs)
		return nil, err
	}

	p := &workerPool{
		cfg:      cfg,
		numCPUs:  numCPUs,
		relayFDs: relayFDs,
		longFDs:  longFDs,
		logger:   logger,
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())

	for cpu := 0; cpu < numCPUs; cpu++ {
		short := newDispatcher(ops, cache, stats, metrics, logger)
		p.readers = append(p.readers, newChannelReader(
			cpu, numCPUs, relayFDs[cpu],
			provenance.RecordSize, cfg.BatchSize,
			short.DispatchRecord, cfg, stats,
			logger.Named("reader"),
		))
		long := newDispatcher(ops, cache, stats, metrics, logger)
		p.readers = append(p.readers, newChannelReader(
			cpu, numCPUs, longFDs[cpu],
			provenance.LongRecordSize, cfg.BatchSize,
			long.DispatchLongRecord, cfg, stats,
			logger.Named("long-reader"),
		))
	}
	return p, nil
}

// start launches every reader.
func (p *workerPool) start() {
	for _, r := range p.readers {
		p.wg.Add(1)
		go func(r *channelReader) {
			defer p.wg.Done()
			r.run(p.ctx)
		}(r)
	}
	p.logger.Info("worker pool started",
		zap.Int("cpus", p.numCPUs),
		zap.Int("readers", len(p.readers)))
}

// stop raises the shared stop signal, waits the grace period so readers can
// finish their current cycle, then closes the channel files and joins the
// readers. In-flight dispatch completes before stop returns; total latency is
// bounded by the poll timeout plus the grace delay.
func (p *workerPool) stop() {
	p.cancel()
	time.Sleep(shutdownGrace)
	closeAll(p.relayFDs)
	closeAll(p.longFDs)
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

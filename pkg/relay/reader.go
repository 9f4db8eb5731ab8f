package relay

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// x/sys/unix does not export POLLRDNORM on linux; <poll.h> defines it as 0x40.
const pollRDNORM = 0x40

const pollFlags = unix.POLLIN | pollRDNORM | unix.POLLERR

// channelReader drains one per-CPU channel descriptor. It exclusively owns
// its fd: the descriptor is never shared or duplicated across readers.
//
// The loop alternates a fixed pre-poll sleep, a bounded poll and a bulk read
// cycle. The sleep bounds CPU usage against delivery latency; an earlier
// busy-wait design burned a core per channel.
type channelReader struct {
	cpu        int
	numCPUs    int
	fd         int
	recordSize int
	buf        []byte
	dispatch   func([]byte)

	sleep       time.Duration
	pollTimeout time.Duration
	pin         bool

	stats  *Stats
	logger *zap.Logger
}

func newChannelReader(cpu, numCPUs, fd, recordSize, batch int, dispatch func([]byte), cfg *Config, stats *Stats, logger *zap.Logger) *channelReader {
	return &channelReader{
		cpu:         cpu,
		numCPUs:     numCPUs,
		fd:          fd,
		recordSize:  recordSize,
		buf:         make([]byte, batch*recordSize),
		dispatch:    dispatch,
		sleep:       cfg.SleepInterval,
		pollTimeout: cfg.PollTimeout,
		pin:         cfg.PinCPU,
		stats:       stats,
		logger:      logger.With(zap.Int("cpu", cpu)),
	}
}

// run is the reader loop. It exits only once ctx is cancelled; per-cycle
// errors are recorded and the loop continues.
func (r *channelReader) run(ctx context.Context) {
	if r.pin {
		if r.cpu < 0 || r.cpu >= r.numCPUs {
			r.logger.Warn("reader cpu out of range, not pinning")
		} else if err := pinToCPU(r.cpu); err != nil {
			r.logger.Warn("failed to pin reader to cpu", zap.Error(err))
		}
	}

	pfd := make([]unix.PollFd, 1)
	timeoutMs := int(r.pollTimeout.Milliseconds())
	for {
		if ctx.Err() != nil {
			return
		}
		time.Sleep(r.sleep)

		pfd[0] = unix.PollFd{Fd: int32(r.fd), Events: pollFlags}
		if _, err := unix.Poll(pfd, timeoutMs); err != nil {
			if err == unix.EINTR || ctx.Err() != nil {
				continue
			}
			// Transient: record and keep polling.
			r.stats.RecordError(err)
			r.logger.Warn("poll failed", zap.Error(err))
			continue
		}
		r.drain(ctx)
	}
}

// drain reads until a whole number of records has been accumulated, then
// hands them to the dispatcher in arrival order. EAGAIN with a partial record
// at the tail is retried in place; any other read error discards the batch
// and returns the reader to polling.
func (r *channelReader) drain(ctx context.Context) {
	size := 0
	for {
		n, err := unix.Read(r.fd, r.buf[size:])
		if err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				if size%r.recordSize == 0 {
					break
				}
				if ctx.Err() != nil {
					return
				}
				continue
			}
			if ctx.Err() != nil {
				// Descriptor closed under us during shutdown.
				return
			}
			r.stats.RecordError(err)
			r.logger.Warn("read failed, discarding batch",
				zap.Int("discarded_bytes", size),
				zap.Error(err))
			return
		}
		if n == 0 {
			// No data ready. Mid-record this is retried like EAGAIN;
			// relayfs reports an empty channel as a zero-byte read.
			if size%r.recordSize == 0 {
				break
			}
			if ctx.Err() != nil {
				return
			}
			continue
		}
		size += n
		if size%r.recordSize == 0 {
			break
		}
	}

	for off := 0; off < size; off += r.recordSize {
		r.dispatch(r.buf[off : off+r.recordSize])
	}
}

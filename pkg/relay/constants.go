package relay

import "time"

// CPU topology constants
const (
	// MaxSupportedCPUs caps the number of per-CPU channel pairs the engine
	// will open. Registration fails when the machine reports more.
	MaxSupportedCPUs = 256
)

// Reader loop constants. The pre-poll sleep plus bounded poll timeout is a
// deliberate CPU-versus-latency policy, replacing an earlier busy-wait.
const (
	// DefaultBatchSize is the number of records the reusable read buffer
	// holds per read cycle.
	DefaultBatchSize = 1000

	// DefaultPollTimeout bounds each poll on a channel descriptor.
	DefaultPollTimeout = 1000 * time.Millisecond

	// DefaultSleepInterval is slept before every poll.
	DefaultSleepInterval = 5 * time.Millisecond

	// shutdownGrace is how long Stop waits after raising the stop signal
	// before closing channel descriptors under the readers.
	shutdownGrace = 1 * time.Second
)

// Default filesystem locations
const (
	// DefaultRelayPath is the base path of the short-record channels; the
	// CPU index is appended (provenance0, provenance1, ...).
	DefaultRelayPath = "/sys/kernel/debug/provenance"

	// DefaultLongRelayPath is the base path of the long-record channels.
	DefaultLongRelayPath = "/sys/kernel/debug/long_provenance"

	// DefaultPIDFile is where the engine records its process id so external
	// tooling can find the running collector.
	DefaultPIDFile = "/run/provenance-service.pid"
)

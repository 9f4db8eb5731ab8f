package relay

import (
	"fmt"
	"time"
)

// Config holds relay engine configuration
type Config struct {
	// RelayPath and LongRelayPath are the channel base paths; the CPU index
	// is appended to form each per-CPU file name.
	RelayPath     string `json:"relay_path" yaml:"relay_path"`
	LongRelayPath string `json:"long_relay_path" yaml:"long_relay_path"`

	// PIDFile is the process identity marker written at registration.
	PIDFile string `json:"pid_file" yaml:"pid_file"`

	// NumCPUs overrides CPU detection when non-zero. One reader pair is
	// spawned per CPU.
	NumCPUs int `json:"num_cpus" yaml:"num_cpus"`

	// BatchSize is the per-cycle read buffer capacity, in records.
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// PollTimeout bounds each poll; SleepInterval is slept before it.
	PollTimeout   time.Duration `json:"poll_timeout" yaml:"poll_timeout"`
	SleepInterval time.Duration `json:"sleep_interval" yaml:"sleep_interval"`

	// PinCPU pins each reader to its channel's CPU. Disable where affinity
	// syscalls are unavailable (restricted containers, tests).
	PinCPU bool `json:"pin_cpu" yaml:"pin_cpu"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		RelayPath:     DefaultRelayPath,
		LongRelayPath: DefaultLongRelayPath,
		PIDFile:       DefaultPIDFile,
		BatchSize:     DefaultBatchSize,
		PollTimeout:   DefaultPollTimeout,
		SleepInterval: DefaultSleepInterval,
		PinCPU:        true,
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.RelayPath == "" || c.LongRelayPath == "" {
		return fmt.Errorf("relay base paths must be set")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("poll timeout must be positive, got %v", c.PollTimeout)
	}
	if c.SleepInterval < 0 {
		return fmt.Errorf("sleep interval must not be negative, got %v", c.SleepInterval)
	}
	if c.NumCPUs < 0 {
		return fmt.Errorf("num_cpus must not be negative, got %d", c.NumCPUs)
	}
	return nil
}

//go:build linux
// +build linux

package relay

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// pinToCPU binds the calling goroutine's OS thread to the given CPU for the
// reader's lifetime. The kernel producer writes each channel from its own
// CPU, so keeping the consumer on the same CPU preserves cache locality and
// avoids cross-CPU contention on the kernel side.
func pinToCPU(cpu int) error {
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}

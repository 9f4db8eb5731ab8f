//go:build !linux
// +build !linux

package relay

import "errors"

// pinToCPU is Linux-only; elsewhere readers run unpinned.
func pinToCPU(cpu int) error {
	return errors.New("cpu affinity not supported on this platform")
}

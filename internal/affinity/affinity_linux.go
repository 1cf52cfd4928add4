//go:build linux

// Package affinity wraps CPU-affinity syscalls for per-worker pinning,
// built on the same golang.org/x/sys/unix surface an epoll-based event
// loop would use for OS-thread-level plumbing (Sched_setaffinity,
// Sched_getcpu).
package affinity

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/lagopus-project/pipeline-runtime/pkg/lgresult"
)

// Mask is a CPU affinity set. The zero value means "no mask installed".
type Mask struct {
	set   unix.CPUSet
	dirty bool
}

// Clear removes every bit from the mask.
func (m *Mask) Clear() {
	m.set = unix.CPUSet{}
	m.dirty = true
}

// SetCPU sets the bit for cpu. cpu < 0 clears the whole mask instead.
func (m *Mask) SetCPU(cpu int) error {
	if cpu < 0 {
		m.Clear()
		return nil
	}
	m.set.Set(cpu)
	m.dirty = true
	return nil
}

// Installed reports whether SetCPU or Clear has ever been called on this
// mask, even if no bit is set now.
func (m *Mask) Installed() bool { return m.dirty }

// Lowest returns the lowest CPU index present in the mask, or
// lgresult.ErrNotDefined if the mask is empty or was never installed.
func (m *Mask) Lowest() (int, error) {
	if !m.dirty {
		return 0, lgresult.ErrNotDefined
	}
	const maxCPUBits = 1024
	for cpu := 0; cpu < maxCPUBits; cpu++ {
		if m.set.IsSet(cpu) {
			return cpu, nil
		}
	}
	return 0, lgresult.ErrNotDefined
}

// ApplyToOSThread applies the mask to the calling OS thread. The caller
// must have called runtime.LockOSThread first, since Go goroutines can
// otherwise migrate across OS threads between this call and the work it
// is meant to pin.
func (m *Mask) ApplyToOSThread() error {
	if !m.dirty {
		return nil
	}
	if err := unix.SchedSetaffinity(0, &m.set); err != nil {
		return fmt.Errorf("affinity: sched_setaffinity: %v: %w", err, lgresult.ErrPosixAPIError)
	}
	return nil
}

// CurrentOSThreadCPU returns the CPU the calling OS thread is currently
// scheduled on. Nothing in this module calls it; GetCPUAffinity reports
// the stored mask without checking where the thread is running.
func CurrentOSThreadCPU() (int, error) {
	cpu, err := unix.SchedGetcpu()
	if err != nil {
		return 0, fmt.Errorf("affinity: sched_getcpu: %v: %w", err, lgresult.ErrPosixAPIError)
	}
	return cpu, nil
}

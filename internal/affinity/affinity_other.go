//go:build !linux

// CPU affinity is a Linux-only concept (sched_setaffinity has no
// portable equivalent). On other platforms the mask is tracked for
// bookkeeping — GetCPUAffinity still reports what was requested — but
// never applied to the OS scheduler.
package affinity

import "github.com/lagopus-project/pipeline-runtime/pkg/lgresult"

// Mask is a CPU affinity set. The zero value means "no mask installed".
type Mask struct {
	bits  map[int]struct{}
	dirty bool
}

func (m *Mask) Clear() {
	m.bits = nil
	m.dirty = true
}

func (m *Mask) SetCPU(cpu int) error {
	if cpu < 0 {
		m.Clear()
		return nil
	}
	if m.bits == nil {
		m.bits = make(map[int]struct{})
	}
	m.bits[cpu] = struct{}{}
	m.dirty = true
	return nil
}

func (m *Mask) Installed() bool { return m.dirty }

func (m *Mask) Lowest() (int, error) {
	if !m.dirty || len(m.bits) == 0 {
		return 0, lgresult.ErrNotDefined
	}
	lowest := -1
	for cpu := range m.bits {
		if lowest == -1 || cpu < lowest {
			lowest = cpu
		}
	}
	return lowest, nil
}

func (m *Mask) ApplyToOSThread() error { return nil }

func CurrentOSThreadCPU() (int, error) { return 0, lgresult.ErrNotDefined }

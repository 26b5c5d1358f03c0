package virtio

import (
	"sync/atomic"

	"github.com/tinyrange/ccpmem/internal/eventio"
)

// InterruptStatusUsedRing is the bit in the shared interrupt status word
// that signals "the used ring has new entries to examine". Other bits
// (e.g. config-changed) are reserved and never set by this device.
const InterruptStatusUsedRing uint32 = 1 << 0

// InterruptStatus is the process-shared interrupt status word (ISR status,
// in virtio-PCI terms). It is mutated concurrently by the worker (Assert)
// and by whichever collaborator clears bits on guest acknowledge, so it is
// never guarded by a mutex; doing so would serialize the fast path for no
// benefit.
type InterruptStatus struct {
	word atomic.Uint32
}

// Load reads the current status bits.
func (s *InterruptStatus) Load() uint32 {
	return s.word.Load()
}

// Assert sets bit, sequentially consistent, then signals event. This is the
// device's half of interrupt delivery: fetch-or the bit, then notify.
func (s *InterruptStatus) Assert(bit uint32, event *eventio.EventFD) error {
	for {
		old := s.word.Load()
		if old&bit == bit {
			break
		}
		if s.word.CompareAndSwap(old, old|bit) {
			break
		}
	}
	return event.Signal()
}

// Resample rearms resampleEvent and, if any status bit is still set,
// re-signals event. Clearing bits is the collaborator's responsibility (it
// happens when the guest acknowledges the interrupt); this type never
// clears bits on its own.
func (s *InterruptStatus) Resample(resampleEvent, event *eventio.EventFD) error {
	if _, err := resampleEvent.Read(); err != nil {
		return err
	}
	if s.word.Load() != 0 {
		return event.Signal()
	}
	return nil
}

// Package eventio wraps the Linux event-notification primitives a virtio
// worker loop needs: eventfd(2) as the cross-thread signalling primitive,
// and epoll(2) as the multi-source readiness wait. This package is the
// concrete collaborator a real VMM would otherwise supply, following the
// usual pattern for wrapping a Linux syscall in Go: open the descriptor,
// check the error, wrap it, expose a typed API over the raw int.
package eventio

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// EventFD is a Linux eventfd(2) descriptor used as a one-shot wakeup signal
// between goroutines (or, in a real VMM, between the guest/host and the
// worker thread). It is safe to Signal from any goroutine; Read should only
// be called by the goroutine that owns the wakeup.
type EventFD struct {
	fd int
}

// NewEventFD creates a non-blocking eventfd in counter (not semaphore) mode.
func NewEventFD() (*EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("eventio: eventfd: %w", err)
	}
	return &EventFD{fd: fd}, nil
}

// Fd returns the raw descriptor, for registration with a WaitContext or for
// handing to another process (e.g. a guest's irqfd).
func (e *EventFD) Fd() int { return e.fd }

// Signal writes 1 to the counter, waking anyone blocked in epoll_wait on
// this descriptor. Non-blocking: on a saturated counter this is a no-op
// from the caller's perspective, which is fine because the event is
// level-like (another Read will still observe it pending).
func (e *EventFD) Signal() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(e.fd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("eventio: eventfd write: %w", err)
	}
	return nil
}

// Read drains and returns the counter, rearming the descriptor for the next
// edge. Callers that only care about the wakeup, not the count, can ignore
// the returned value.
func (e *EventFD) Read() (uint64, error) {
	var buf [8]byte
	n, err := unix.Read(e.fd, buf[:])
	if err != nil {
		return 0, fmt.Errorf("eventio: eventfd read: %w", err)
	}
	if n != 8 {
		return 0, fmt.Errorf("eventio: short eventfd read: %d bytes", n)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Close releases the descriptor.
func (e *EventFD) Close() error {
	return unix.Close(e.fd)
}

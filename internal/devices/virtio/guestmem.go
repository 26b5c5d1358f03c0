package virtio

import (
	"fmt"
	"io"
)

// GuestMemory provides access to guest physical memory. This abstracts the
// memory access needed for virtqueue and device payload operations; a real
// VMM backs it with a mapping of the guest's physical address space, but
// nothing in this package assumes that.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

// GuestMemoryError reports a failed guest memory access (out of bounds,
// unmapped, or a short read/write returned by the backing GuestMemory).
type GuestMemoryError struct {
	Addr   uint64
	Length int
	Err    error
}

func (e *GuestMemoryError) Error() string {
	return fmt.Sprintf("guest memory access at %#x len %d: %v", e.Addr, e.Length, e.Err)
}

func (e *GuestMemoryError) Unwrap() error { return e.Err }

func readGuest(mem GuestMemory, addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	off, err := guestOffset(addr, len(buf))
	if err != nil {
		return &GuestMemoryError{Addr: addr, Length: len(buf), Err: err}
	}
	n, err := mem.ReadAt(buf, off)
	if err != nil {
		return &GuestMemoryError{Addr: addr, Length: len(buf), Err: err}
	}
	if n != len(buf) {
		return &GuestMemoryError{Addr: addr, Length: len(buf), Err: fmt.Errorf("short read: got %d want %d", n, len(buf))}
	}
	return nil
}

func writeGuest(mem GuestMemory, addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	off, err := guestOffset(addr, len(data))
	if err != nil {
		return &GuestMemoryError{Addr: addr, Length: len(data), Err: err}
	}
	n, err := mem.WriteAt(data, off)
	if err != nil {
		return &GuestMemoryError{Addr: addr, Length: len(data), Err: err}
	}
	if n != len(data) {
		return &GuestMemoryError{Addr: addr, Length: len(data), Err: fmt.Errorf("short write: got %d want %d", n, len(data))}
	}
	return nil
}

// guestOffset converts a guest physical address plus an access length into
// the io.ReaderAt/WriterAt offset, rejecting addresses that would overflow
// an int64 offset before the backing implementation ever sees them.
func guestOffset(addr uint64, length int) (int64, error) {
	if length < 0 {
		return 0, fmt.Errorf("negative length %d", length)
	}
	end := addr + uint64(length)
	if end < addr {
		return 0, fmt.Errorf("address range overflow: addr=%#x length=%d", addr, length)
	}
	if addr > uint64(1)<<62 {
		return 0, fmt.Errorf("address %#x out of range", addr)
	}
	return int64(addr), nil
}

// SliceGuestMemory is a GuestMemory backed by a plain byte slice, standing in
// for a guest's mapped physical address space starting at address 0. It is
// used by the demo command and by tests that do not need a real mmap.
type SliceGuestMemory struct {
	Bytes []byte
}

func (m *SliceGuestMemory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off) > len(m.Bytes) {
		return 0, fmt.Errorf("offset %d out of range (size %d)", off, len(m.Bytes))
	}
	n := copy(p, m.Bytes[off:])
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

func (m *SliceGuestMemory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off) > len(m.Bytes) {
		return 0, fmt.Errorf("offset %d out of range (size %d)", off, len(m.Bytes))
	}
	n := copy(m.Bytes[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

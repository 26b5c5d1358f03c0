package virtio

import (
	"encoding/binary"
	"fmt"
)

const (
	virtqDescFNext  = 1 << 0
	virtqDescFWrite = 1 << 1
)

const descriptorSize = 16 // addr(8) + length(4) + flags(2) + next(2)

// Queue is the host-side view of a single virtqueue: the descriptor table,
// available ring and used ring addresses plus the bookkeeping needed to pop
// descriptor chains and publish completions. In a production VMM this ring
// walking typically lives in a shared virtqueue library; it is reproduced
// here so the package is self-contained and testable.
type Queue struct {
	Size          uint16
	MaxSize       uint16
	Ready         bool
	DescTableAddr uint64
	AvailRingAddr uint64
	UsedRingAddr  uint64

	lastAvailIdx uint16
	usedIdx      uint16
}

// NewQueue creates a Queue with the given maximum size (advertised to the
// guest via the common-config register file).
func NewQueue(maxSize uint16) *Queue {
	return &Queue{MaxSize: maxSize}
}

// Reset clears all queue state except MaxSize.
func (q *Queue) Reset() {
	*q = Queue{MaxSize: q.MaxSize}
}

// Usable reports whether the queue is ready and has a non-zero size, the
// precondition every queue operation requires.
func (q *Queue) Usable() bool {
	return q.Ready && q.Size != 0
}

// Descriptor is a single buffer in a descriptor chain.
type Descriptor struct {
	Addr      uint64
	Length    uint32
	WriteOnly bool
}

// DescriptorChain is the sequence of descriptors reachable from one
// available-ring entry, plus the head index needed to publish the
// completion.
type DescriptorChain struct {
	Head        uint16
	Descriptors []Descriptor
}

func (q *Queue) readDescriptor(mem GuestMemory, idx uint16) (addr uint64, length uint32, flags uint16, next uint16, err error) {
	if idx >= q.Size {
		return 0, 0, 0, 0, fmt.Errorf("descriptor index %d out of bounds (size %d)", idx, q.Size)
	}
	var buf [descriptorSize]byte
	if err := readGuest(mem, q.DescTableAddr+uint64(idx)*descriptorSize, buf[:]); err != nil {
		return 0, 0, 0, 0, err
	}
	addr = binary.LittleEndian.Uint64(buf[0:8])
	length = binary.LittleEndian.Uint32(buf[8:12])
	flags = binary.LittleEndian.Uint16(buf[12:14])
	next = binary.LittleEndian.Uint16(buf[14:16])
	return addr, length, flags, next, nil
}

// Pop reads the next available descriptor chain, if any. A false second
// return means the avail ring has nothing new, not an error.
func (q *Queue) Pop(mem GuestMemory) (*DescriptorChain, bool, error) {
	if !q.Usable() {
		return nil, false, fmt.Errorf("virtio: queue not ready")
	}

	var header [4]byte
	if err := readGuest(mem, q.AvailRingAddr, header[:]); err != nil {
		return nil, false, err
	}
	availIdx := binary.LittleEndian.Uint16(header[2:4])
	if q.lastAvailIdx == availIdx {
		return nil, false, nil
	}

	ringIndex := q.lastAvailIdx % q.Size
	var headBuf [2]byte
	entryOff := q.AvailRingAddr + 4 + uint64(ringIndex)*2
	if err := readGuest(mem, entryOff, headBuf[:]); err != nil {
		return nil, false, err
	}
	head := binary.LittleEndian.Uint16(headBuf[:])
	q.lastAvailIdx++

	chain := &DescriptorChain{Head: head}
	index := head
	for i := uint16(0); i < q.Size; i++ {
		addr, length, flags, next, err := q.readDescriptor(mem, index)
		if err != nil {
			return nil, false, err
		}
		chain.Descriptors = append(chain.Descriptors, Descriptor{
			Addr:      addr,
			Length:    length,
			WriteOnly: flags&virtqDescFWrite != 0,
		})
		if flags&virtqDescFNext == 0 {
			break
		}
		index = next
	}
	return chain, true, nil
}

// AddUsed publishes a completion for the chain whose head descriptor index
// is headIndex, advancing the used ring.
func (q *Queue) AddUsed(mem GuestMemory, headIndex uint16, length uint32) error {
	if !q.Usable() {
		return fmt.Errorf("virtio: queue not ready")
	}
	slot := q.usedIdx % q.Size
	base := q.UsedRingAddr + 4 + uint64(slot)*8

	var elem [8]byte
	binary.LittleEndian.PutUint32(elem[0:4], uint32(headIndex))
	binary.LittleEndian.PutUint32(elem[4:8], length)
	if err := writeGuest(mem, base, elem[:]); err != nil {
		return err
	}

	q.usedIdx++
	var idxBuf [2]byte
	binary.LittleEndian.PutUint16(idxBuf[:], q.usedIdx)
	return writeGuest(mem, q.UsedRingAddr+2, idxBuf[:])
}

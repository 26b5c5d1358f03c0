package virtio

import (
	"log/slog"
	"os"

	"github.com/tinyrange/ccpmem/internal/eventio"
)

// VirtioFeatureVersion1 is the only feature bit this device advertises.
const VirtioFeatureVersion1 uint64 = 1 << 32

// Device is the pmem virtio device object. It holds exactly one of two
// dispositions at any moment: pre-activation it owns the backing file and
// has neither worker nor kill event; post-activation it has handed the file
// to the worker and instead owns a kill event paired with the worker
// goroutine. Activation is one-shot: once the file has been moved out, a
// second Activate call is necessarily a no-op.
type Device struct {
	config PmemConfig

	file *os.File // owned pre-activation; nil afterward

	killEvent *eventio.EventFD
	done      chan struct{}
}

// NewDevice constructs a pmem device for the given mapping, taking
// ownership of file (created and opened by the caller; the backing file is
// opened by the collaborator and handed in).
func NewDevice(file *os.File, mappingAddress, mappingSize uint64) *Device {
	return &Device{
		config: PmemConfig{StartAddress: mappingAddress, Size: mappingSize},
		file:   file,
	}
}

// DeviceType returns the virtio device type identifier for pmem.
func (d *Device) DeviceType() uint32 { return PmemDeviceType }

// QueueMaxSizes returns the fixed maximum size of the device's single queue.
func (d *Device) QueueMaxSizes() []uint16 { return []uint16{PmemQueueMaxSize} }

// Features returns the device's advertised feature bitset: VERSION_1 only.
func (d *Device) Features() uint64 { return VirtioFeatureVersion1 }

// ReadConfig serializes the config space and copies the requested slice
// into out, clamped to the structure's length. Offsets beyond the
// structure produce no bytes written.
func (d *Device) ReadConfig(offset uint64, out []byte) {
	bytes := d.config.Bytes()
	if offset >= uint64(len(bytes)) {
		return
	}
	n := copy(out, bytes[offset:])
	_ = n
}

// KeepFDs returns the backing file's raw descriptor while the device still
// owns it, or nil once it has been transferred to the worker.
func (d *Device) KeepFDs() []int {
	if d.file == nil {
		return nil
	}
	return []int{int(d.file.Fd())}
}

// Activate hands the programmed queue, guest memory, shared interrupt
// state and event descriptors to a freshly spawned worker. Preconditions:
// exactly one queue and one queue-notification event; a violation is logged
// and otherwise a no-op, and a second activation is a silent no-op.
func (d *Device) Activate(
	mem GuestMemory,
	interruptEvent *eventio.EventFD,
	resampleEvent *eventio.EventFD,
	status *InterruptStatus,
	queues []*Queue,
	queueEvents []*eventio.EventFD,
) {
	if d.file == nil {
		return // already activated
	}
	if len(queues) != 1 || len(queueEvents) != 1 {
		slog.Error("virtio-pmem: activate requires exactly one queue", "queues", len(queues), "queue_events", len(queueEvents))
		return
	}

	killEvent, err := eventio.NewEventFD()
	if err != nil {
		slog.Error("virtio-pmem: activate: create kill event failed", "err", err)
		return
	}

	worker := &Worker{
		queue:          queues[0],
		mem:            mem,
		status:         status,
		interruptEvent: interruptEvent,
		resampleEvent:  resampleEvent,
		queueEvent:     queueEvents[0],
		killEvent:      killEvent,
		file:           d.file,
	}

	d.file = nil
	d.killEvent = killEvent
	d.done = make(chan struct{})

	go func() {
		defer close(d.done)
		worker.Run()
	}()
}

// Close tears the device down: if activated, it signals the kill event and
// joins the worker; both operations ignore errors, as there is no path
// back to the caller on teardown. Close may block indefinitely if the
// worker is stuck inside a synchronous file-durability operation; the
// collaborator is expected to kill the process if that matters.
func (d *Device) Close() {
	if d.killEvent != nil {
		_ = d.killEvent.Signal()
	}
	if d.done != nil {
		<-d.done
	}
}

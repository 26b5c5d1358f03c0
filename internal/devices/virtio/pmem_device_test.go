package virtio

import (
	"encoding/binary"
	"os"
	"testing"
	"time"

	"github.com/tinyrange/ccpmem/internal/eventio"
)

func TestDeviceReadConfigEncodesMappingLittleEndian(t *testing.T) {
	file, err := os.CreateTemp(t.TempDir(), "pmem")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer file.Close()

	d := NewDevice(file, 0x1_0000_0000, 0x40_000_000)

	out := make([]byte, pmemConfigSize)
	d.ReadConfig(0, out)

	if got := binary.LittleEndian.Uint64(out[0:8]); got != 0x1_0000_0000 {
		t.Errorf("start_address = %#x, want 0x100000000", got)
	}
	if got := binary.LittleEndian.Uint64(out[8:16]); got != 0x40_000_000 {
		t.Errorf("size = %#x, want 0x40000000", got)
	}
}

func TestDeviceReadConfigPastStructureWritesNothing(t *testing.T) {
	file, err := os.CreateTemp(t.TempDir(), "pmem")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer file.Close()

	d := NewDevice(file, 1, 2)
	out := []byte{0xaa, 0xaa}
	d.ReadConfig(pmemConfigSize, out)
	if out[0] != 0xaa || out[1] != 0xaa {
		t.Errorf("out = %v, want untouched", out)
	}
}

func TestDeviceFeaturesAdvertisesVersion1Only(t *testing.T) {
	file, err := os.CreateTemp(t.TempDir(), "pmem")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer file.Close()

	d := NewDevice(file, 0, 0)
	if d.Features() != VirtioFeatureVersion1 {
		t.Errorf("Features() = %#x, want %#x", d.Features(), VirtioFeatureVersion1)
	}
}

func TestDeviceKeepFDsReflectsOwnership(t *testing.T) {
	file, err := os.CreateTemp(t.TempDir(), "pmem")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer file.Close()

	d := NewDevice(file, 0, 0)
	if len(d.KeepFDs()) != 1 {
		t.Fatalf("KeepFDs before activation = %v, want one fd", d.KeepFDs())
	}

	activateDeviceForTest(t, d)

	if d.KeepFDs() != nil {
		t.Errorf("KeepFDs after activation = %v, want nil", d.KeepFDs())
	}
	d.Close()
}

func TestDeviceActivateTwiceIsNoOp(t *testing.T) {
	file, err := os.CreateTemp(t.TempDir(), "pmem")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer file.Close()

	d := NewDevice(file, 0, 0)
	activateDeviceForTest(t, d)
	firstDone := d.done

	// second activation: file is already nil, must be a silent no-op.
	mem := &SliceGuestMemory{Bytes: make([]byte, 0x1000)}
	status := &InterruptStatus{}
	q := newReadyQueue(4)
	qe, _ := eventio.NewEventFD()
	defer qe.Close()
	ie, _ := eventio.NewEventFD()
	defer ie.Close()
	re, _ := eventio.NewEventFD()
	defer re.Close()
	d.Activate(mem, ie, re, status, []*Queue{q}, []*eventio.EventFD{qe})

	if d.done != firstDone {
		t.Error("second Activate call should not spawn a new worker")
	}
	d.Close()
}

func TestDeviceActivateRejectsWrongQueueCount(t *testing.T) {
	file, err := os.CreateTemp(t.TempDir(), "pmem")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer file.Close()

	d := NewDevice(file, 0, 0)
	mem := &SliceGuestMemory{Bytes: make([]byte, 0x1000)}
	status := &InterruptStatus{}
	ie, _ := eventio.NewEventFD()
	defer ie.Close()
	re, _ := eventio.NewEventFD()
	defer re.Close()

	d.Activate(mem, ie, re, status, nil, nil)

	if d.KeepFDs() == nil {
		t.Error("activation with zero queues should leave the device unactivated")
	}
}

// activateDeviceForTest activates d with a single queue that has nothing
// pending, and waits briefly for the worker goroutine to reach its poll.
func activateDeviceForTest(t *testing.T, d *Device) {
	t.Helper()
	mem := &SliceGuestMemory{Bytes: make([]byte, 0x1000)}
	status := &InterruptStatus{}
	q := newReadyQueue(4)
	qe, err := eventio.NewEventFD()
	if err != nil {
		t.Fatalf("NewEventFD: %v", err)
	}
	t.Cleanup(func() { qe.Close() })
	ie, err := eventio.NewEventFD()
	if err != nil {
		t.Fatalf("NewEventFD: %v", err)
	}
	t.Cleanup(func() { ie.Close() })
	re, err := eventio.NewEventFD()
	if err != nil {
		t.Fatalf("NewEventFD: %v", err)
	}
	t.Cleanup(func() { re.Close() })

	d.Activate(mem, ie, re, status, []*Queue{q}, []*eventio.EventFD{qe})
	time.Sleep(10 * time.Millisecond)
}

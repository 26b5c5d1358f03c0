// Command pmemdemo wires a single virtio-pmem device end to end against an
// in-process guest-memory buffer, for manual exercise of the device core
// outside a real VMM. It is deliberately thin: all the behavior lives in
// internal/devices/virtio.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/ccpmem/internal/devices/virtio"
	"github.com/tinyrange/ccpmem/internal/eventio"
)

// PmemDeviceConfig is the on-disk manifest for one demo device instance.
type PmemDeviceConfig struct {
	BackingFile    string `yaml:"backing_file"`
	MappingAddress uint64 `yaml:"mapping_address"`
	MappingSize    uint64 `yaml:"mapping_size"`
	GuestMemoryMB  uint64 `yaml:"guest_memory_mb"`
}

func main() {
	configPath := flag.String("config", "", "path to a pmem device manifest (YAML)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("pmemdemo: fatal", "err", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	if configPath == "" {
		return fmt.Errorf("pmemdemo: -config is required")
	}

	raw, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("pmemdemo: reading config: %w", err)
	}
	var cfg PmemDeviceConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("pmemdemo: parsing config: %w", err)
	}
	if cfg.GuestMemoryMB == 0 {
		cfg.GuestMemoryMB = 64
	}

	file, err := os.OpenFile(cfg.BackingFile, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("pmemdemo: opening backing file: %w", err)
	}

	device := virtio.NewDevice(file, cfg.MappingAddress, cfg.MappingSize)
	queue := virtio.NewQueue(virtio.PmemQueueMaxSize)
	common := virtio.NewCommonConfig(device.Features(), []*virtio.Queue{queue})

	mem := &virtio.SliceGuestMemory{Bytes: make([]byte, cfg.GuestMemoryMB<<20)}
	status := &virtio.InterruptStatus{}

	interruptEvent, err := eventio.NewEventFD()
	if err != nil {
		return fmt.Errorf("pmemdemo: creating interrupt event: %w", err)
	}
	defer interruptEvent.Close()
	resampleEvent, err := eventio.NewEventFD()
	if err != nil {
		return fmt.Errorf("pmemdemo: creating resample event: %w", err)
	}
	defer resampleEvent.Close()
	queueEvent, err := eventio.NewEventFD()
	if err != nil {
		return fmt.Errorf("pmemdemo: creating queue event: %w", err)
	}
	defer queueEvent.Close()

	common.OnStatusChange = func(old, new uint8) {
		slog.Info("pmemdemo: device_status changed", "old", old, "new", new)
		if new&virtio.DeviceStatusDriverOK != 0 && old&virtio.DeviceStatusDriverOK == 0 {
			device.Activate(mem, interruptEvent, resampleEvent, status, []*virtio.Queue{queue}, []*eventio.EventFD{queueEvent})
		}
	}

	slog.Info("pmemdemo: device configured",
		"mapping_address", cfg.MappingAddress,
		"mapping_size", cfg.MappingSize,
		"backing_file", cfg.BackingFile,
	)
	defer device.Close()

	// Drive the status register through the same sequence a real driver
	// would, so the demo always reaches an activated worker.
	common.Write(virtio.RegQueueSelect, 2, 0)
	common.Write(virtio.RegQueueSize, 2, uint64(virtio.PmemQueueMaxSize))
	common.Write(virtio.RegQueueEnable, 2, 1)
	common.Write(virtio.RegDeviceStatus, 1, uint64(virtio.DeviceStatusAcknowledge))
	common.Write(virtio.RegDeviceStatus, 1, uint64(virtio.DeviceStatusAcknowledge|virtio.DeviceStatusDriver))
	common.Write(virtio.RegDeviceStatus, 1, uint64(virtio.DeviceStatusAcknowledge|virtio.DeviceStatusDriver|virtio.DeviceStatusFeaturesOK))
	common.Write(virtio.RegDeviceStatus, 1, uint64(virtio.DeviceStatusAcknowledge|virtio.DeviceStatusDriver|virtio.DeviceStatusFeaturesOK|virtio.DeviceStatusDriverOK))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	slog.Info("pmemdemo: shutting down")

	return nil
}

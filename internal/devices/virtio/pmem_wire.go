package virtio

import "encoding/binary"

// PmemDeviceType is the virtio device type identifier for persistent
// memory, per the virtio specification.
const PmemDeviceType uint32 = 27

// PmemQueueMaxSize is the fixed maximum size of the device's single queue.
const PmemQueueMaxSize uint16 = 256

// PmemRequestFlush is the only defined pmem request type.
const PmemRequestFlush uint32 = 0

// Pmem response status codes.
const (
	PmemStatusOK  uint32 = 0
	PmemStatusEIO uint32 = 1
)

const (
	pmemConfigSize = 16 // start_address(8) + size(8)
	pmemReqSize    = 4  // type(4)
	pmemRespSize   = 4  // status_code(4)
)

// PmemConfig is the device's read-only config space: two little-endian
// 64-bit fields describing the guest-physical mapping backed by this
// device.
type PmemConfig struct {
	StartAddress uint64
	Size         uint64
}

// Bytes serializes the config structure to its exact 16-byte wire layout.
func (c PmemConfig) Bytes() []byte {
	buf := make([]byte, pmemConfigSize)
	binary.LittleEndian.PutUint64(buf[0:8], c.StartAddress)
	binary.LittleEndian.PutUint64(buf[8:16], c.Size)
	return buf
}

// pmemReq is the wire layout of a guest's request header: a single
// little-endian 32-bit type field.
type pmemReq struct {
	Type uint32
}

func decodePmemReq(buf []byte) pmemReq {
	return pmemReq{Type: binary.LittleEndian.Uint32(buf)}
}

// pmemResp is the wire layout of the device's response: a single
// little-endian 32-bit status field.
type pmemResp struct {
	StatusCode uint32
}

func (r pmemResp) Bytes() []byte {
	buf := make([]byte, pmemRespSize)
	binary.LittleEndian.PutUint32(buf, r.StatusCode)
	return buf
}

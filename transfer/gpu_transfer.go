package transfer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/databloom/ollama-kv-cache-tiering/cache"
)

var (
	// ErrDeviceNotAvailable means the device id is out of range.
	ErrDeviceNotAvailable = errors.New("GPU device not available")
	// ErrBufferTooSmall means the payload exceeds the reserved region.
	ErrBufferTooSmall = errors.New("transfer buffer too small")
)

// GpuTransferStats counts copy activity per direction.
type GpuTransferStats struct {
	TotalD2hBytes     uint64
	TotalH2dBytes     uint64
	TotalD2hTransfers uint64
	TotalH2dTransfers uint64
}

// GpuTransferEngine copies block payloads between GPU VRAM and host
// RAM. Without CUDA compiled in, each device's VRAM region is simulated
// by a host-memory slab, so copies are real byte movement and the rest
// of the system behaves identically.
//
// Each device gets one staging buffer, owned here and sized once at
// construction. The simulated copy path does not pass through it, and
// there is no round-robin rotation among several buffers.
type GpuTransferEngine struct {
	mu sync.Mutex

	// slabs simulates each device's KV cache region.
	slabs map[int][]byte

	// staging holds the per-device reusable staging buffer.
	staging map[int][]byte

	stats GpuTransferStats
}

// NewGpuTransferEngine creates the engine. deviceVram maps device id
// to the byte size of its KV cache region; stagingBufferSize sizes the
// per-device staging buffer.
func NewGpuTransferEngine(deviceVram map[int]int, stagingBufferSize int) *GpuTransferEngine {
	slabs := make(map[int][]byte, len(deviceVram))
	staging := make(map[int][]byte, len(deviceVram))
	for id, vram := range deviceVram {
		slabs[id] = make([]byte, vram)
		staging[id] = make([]byte, stagingBufferSize)
	}
	return &GpuTransferEngine{slabs: slabs, staging: staging}
}

// CopyToHost reads a block's bytes out of device memory (D2H).
//
// A CUDA build would issue cudaMemcpyAsync on a dedicated copy stream
// through the pinned staging buffer; the simulated path copies from
// the device slab.
func (e *GpuTransferEngine) CopyToHost(loc cache.GpuLocation) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	slab, ok := e.slabs[loc.DeviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrDeviceNotAvailable, loc.DeviceID)
	}
	if loc.Offset+loc.Size > len(slab) {
		return nil, fmt.Errorf("%w: offset %d + size %d exceeds device %d region",
			ErrBufferTooSmall, loc.Offset, loc.Size, loc.DeviceID)
	}

	data := make([]byte, loc.Size)
	copy(data, slab[loc.Offset:loc.Offset+loc.Size])

	e.stats.TotalD2hBytes += uint64(loc.Size)
	e.stats.TotalD2hTransfers++
	logrus.Debugf("D2H transfer: device %d offset %d size %d", loc.DeviceID, loc.Offset, loc.Size)
	return data, nil
}

// CopyToDevice writes bytes into a reserved device location (H2D).
func (e *GpuTransferEngine) CopyToDevice(data []byte, loc cache.GpuLocation) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	slab, ok := e.slabs[loc.DeviceID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrDeviceNotAvailable, loc.DeviceID)
	}
	if len(data) > loc.Size {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrBufferTooSmall, len(data), loc.Size)
	}
	if loc.Offset+loc.Size > len(slab) {
		return fmt.Errorf("%w: offset %d + size %d exceeds device %d region",
			ErrBufferTooSmall, loc.Offset, loc.Size, loc.DeviceID)
	}

	copy(slab[loc.Offset:loc.Offset+len(data)], data)

	e.stats.TotalH2dBytes += uint64(len(data))
	e.stats.TotalH2dTransfers++
	logrus.Debugf("H2D transfer: device %d offset %d size %d", loc.DeviceID, loc.Offset, len(data))
	return nil
}

// Stats returns a copy of the counters.
func (e *GpuTransferEngine) Stats() GpuTransferStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

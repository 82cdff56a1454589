package gpu

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/databloom/ollama-kv-cache-tiering/cache"
)

var (
	// ErrOutOfMemory means a device has no free blocks left.
	ErrOutOfMemory = errors.New("out of GPU VRAM")
	// ErrBlockNotFound means a freed offset does not map to a block.
	ErrBlockNotFound = errors.New("GPU block not found")
	// ErrDeviceNotInitialized means the device id is unknown.
	ErrDeviceNotInitialized = errors.New("device not initialized")
)

// deviceAllocator manages one device's pre-allocated VRAM region as a
// pool of fixed-size blocks with an O(1) free-list.
type deviceAllocator struct {
	deviceID    int
	blockSize   int
	totalBlocks int
	freeList    []int // free block offsets, FIFO
	allocated   int
}

func newDeviceAllocator(deviceID, totalVram, blockSize int) *deviceAllocator {
	totalBlocks := totalVram / blockSize
	freeList := make([]int, 0, totalBlocks)
	for i := 0; i < totalBlocks; i++ {
		freeList = append(freeList, i*blockSize)
	}
	return &deviceAllocator{
		deviceID:    deviceID,
		blockSize:   blockSize,
		totalBlocks: totalBlocks,
		freeList:    freeList,
	}
}

func (d *deviceAllocator) allocate() (cache.GpuLocation, error) {
	if len(d.freeList) == 0 {
		return cache.GpuLocation{}, fmt.Errorf("%w: no free blocks on device %d", ErrOutOfMemory, d.deviceID)
	}
	offset := d.freeList[0]
	d.freeList = d.freeList[1:]
	d.allocated++
	return cache.GpuLocation{
		DeviceID: d.deviceID,
		Offset:   offset,
		Size:     d.blockSize,
	}, nil
}

func (d *deviceAllocator) free(offset int) error {
	if offset%d.blockSize != 0 || offset/d.blockSize >= d.totalBlocks {
		return fmt.Errorf("%w: offset %d on device %d", ErrBlockNotFound, offset, d.deviceID)
	}
	d.freeList = append(d.freeList, offset)
	if d.allocated > 0 {
		d.allocated--
	}
	return nil
}

func (d *deviceAllocator) utilization() float64 {
	if d.totalBlocks == 0 {
		return 0.0
	}
	return float64(d.allocated) / float64(d.totalBlocks)
}

// VramAllocator hands out fixed-size KV blocks across multiple GPUs.
// The pager serializes cross-device placement decisions through it;
// the internal mutex keeps direct concurrent callers safe too.
type VramAllocator struct {
	mu        sync.Mutex
	devices   []*deviceAllocator
	blockSize int
}

// NewVramAllocator creates an allocator over the given devices.
// deviceVram maps device id -> VRAM budget in bytes; blockSize is the
// byte size of one KV block.
func NewVramAllocator(deviceVram map[int]int, blockSize int) *VramAllocator {
	devices := make([]*deviceAllocator, 0, len(deviceVram))
	for id, vram := range deviceVram {
		devices = append(devices, newDeviceAllocator(id, vram, blockSize))
	}
	// Stable device order for deterministic tie-breaking.
	for i := 0; i < len(devices); i++ {
		for j := i + 1; j < len(devices); j++ {
			if devices[j].deviceID < devices[i].deviceID {
				devices[i], devices[j] = devices[j], devices[i]
			}
		}
	}
	return &VramAllocator{devices: devices, blockSize: blockSize}
}

// Allocate reserves a block on the given device.
func (a *VramAllocator) Allocate(deviceID int) (cache.GpuLocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	dev := a.deviceLocked(deviceID)
	if dev == nil {
		return cache.GpuLocation{}, fmt.Errorf("%w: %d", ErrDeviceNotInitialized, deviceID)
	}
	loc, err := dev.allocate()
	if err != nil {
		return cache.GpuLocation{}, err
	}
	logrus.Debugf("allocated GPU block at offset %d on device %d", loc.Offset, deviceID)
	return loc, nil
}

// AllocateBest reserves a block on the device with the most free
// blocks. Ties break toward the lowest device id.
func (a *VramAllocator) AllocateBest() (cache.GpuLocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var best *deviceAllocator
	for _, dev := range a.devices {
		if len(dev.freeList) == 0 {
			continue
		}
		if best == nil || len(dev.freeList) > len(best.freeList) {
			best = dev
		}
	}
	if best == nil {
		return cache.GpuLocation{}, fmt.Errorf("%w: all devices full", ErrOutOfMemory)
	}
	return best.allocate()
}

// Free returns a block to its device's pool. The offset must be
// block-aligned and in range; anything else reports ErrBlockNotFound
// so a double-free from a corrupted location cannot poison the list.
func (a *VramAllocator) Free(loc cache.GpuLocation) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	dev := a.deviceLocked(loc.DeviceID)
	if dev == nil {
		return fmt.Errorf("%w: %d", ErrDeviceNotInitialized, loc.DeviceID)
	}
	return dev.free(loc.Offset)
}

// Utilization reports allocated/total per device id.
func (a *VramAllocator) Utilization() map[int]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[int]float64, len(a.devices))
	for _, dev := range a.devices {
		out[dev.deviceID] = dev.utilization()
	}
	return out
}

// TotalBlocks reports the pool size per device id.
func (a *VramAllocator) TotalBlocks() map[int]int {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[int]int, len(a.devices))
	for _, dev := range a.devices {
		out[dev.deviceID] = dev.totalBlocks
	}
	return out
}

// FreeBlocks reports the free-list length per device id.
func (a *VramAllocator) FreeBlocks() map[int]int {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[int]int, len(a.devices))
	for _, dev := range a.devices {
		out[dev.deviceID] = len(dev.freeList)
	}
	return out
}

func (a *VramAllocator) deviceLocked(deviceID int) *deviceAllocator {
	for _, dev := range a.devices {
		if dev.deviceID == deviceID {
			return dev
		}
	}
	return nil
}

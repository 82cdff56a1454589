// Package gpu manages GPU device discovery and VRAM block allocation
// for the KV cache.
package gpu

import "github.com/sirupsen/logrus"

// DeviceInfo describes a single GPU device.
type DeviceInfo struct {
	// ID is the device index.
	ID int
	// Name is the device name (e.g. "NVIDIA GeForce GTX 1070").
	Name string
	// TotalVram is the total VRAM in bytes.
	TotalVram int
	// FreeVram is the free VRAM in bytes at detection time.
	FreeVram int
	// ComputeMajor and ComputeMinor are the compute capability.
	ComputeMajor int
	ComputeMinor int
	// PcieBandwidth is the theoretical max PCIe bandwidth in bytes/sec.
	PcieBandwidth int64
}

// DetectDevices enumerates available GPU devices. Without CUDA support
// compiled in, the list is empty and the server runs in host-only mode
// with simulated device memory.
func DetectDevices() []DeviceInfo {
	logrus.Info("CUDA not enabled, running in host-only mode")
	return nil
}

// StubDevicesMolly simulates the molly test host: 2x GTX 1070, 8 GB each.
func StubDevicesMolly() []DeviceInfo {
	return []DeviceInfo{
		{
			ID:            0,
			Name:          "NVIDIA GeForce GTX 1070",
			TotalVram:     8 << 30,
			FreeVram:      7 << 30,
			ComputeMajor:  6,
			ComputeMinor:  1,
			PcieBandwidth: 12_000_000_000, // ~12 GB/s PCIe 3.0 x16
		},
		{
			ID:            1,
			Name:          "NVIDIA GeForce GTX 1070",
			TotalVram:     8 << 30,
			FreeVram:      7 << 30,
			ComputeMajor:  6,
			ComputeMinor:  1,
			PcieBandwidth: 12_000_000_000,
		},
	}
}

// StubDevicesWintermute simulates the wintermute test host: 2x Quadro
// M6000, 24 GB each.
func StubDevicesWintermute() []DeviceInfo {
	return []DeviceInfo{
		{
			ID:            0,
			Name:          "NVIDIA Quadro M6000",
			TotalVram:     24 << 30,
			FreeVram:      22 << 30,
			ComputeMajor:  5,
			ComputeMinor:  2,
			PcieBandwidth: 12_000_000_000,
		},
		{
			ID:            1,
			Name:          "NVIDIA Quadro M6000",
			TotalVram:     24 << 30,
			FreeVram:      22 << 30,
			ComputeMajor:  5,
			ComputeMinor:  2,
			PcieBandwidth: 12_000_000_000,
		},
	}
}

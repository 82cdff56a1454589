// Package cache implements the tiered KV-cache core: the block index,
// the pager that moves blocks between storage tiers, the eviction and
// prefetch policies, and the compression pipeline applied on tier
// transitions.
package cache

// Tier identifies the storage class a block currently resides in.
// Tiers are totally ordered: a lower level is faster and smaller.
type Tier int

const (
	// TierGpu is tier 0: GPU VRAM (hot).
	TierGpu Tier = iota
	// TierRam is tier 1: host RAM (warm).
	TierRam
	// TierLocalDisk is tier 2: local SSD (cool).
	TierLocalDisk
	// TierNfs is tier 3: NFS / remote HDD (cold).
	TierNfs
)

// AllTiers lists every tier from hottest to coldest.
var AllTiers = []Tier{TierGpu, TierRam, TierLocalDisk, TierNfs}

// Level returns the numeric tier level (lower = faster).
func (t Tier) Level() int {
	return int(t)
}

// Demote returns the next slower tier, or false if already coldest.
func (t Tier) Demote() (Tier, bool) {
	if t == TierNfs {
		return t, false
	}
	return t + 1, true
}

// Promote returns the next faster tier, or false if already hottest.
func (t Tier) Promote() (Tier, bool) {
	if t == TierGpu {
		return t, false
	}
	return t - 1, true
}

func (t Tier) String() string {
	switch t {
	case TierGpu:
		return "GPU"
	case TierRam:
		return "RAM"
	case TierLocalDisk:
		return "SSD"
	case TierNfs:
		return "NFS"
	default:
		return "unknown"
	}
}

// CacheFormat is the quantization / storage format of a block's data.
type CacheFormat int

const (
	// FormatFp16 is full-precision FP16, the native GPU format.
	FormatFp16 CacheFormat = iota
	// FormatQ8 is 8-bit quantized.
	FormatQ8
	// FormatQ4 is 4-bit quantized.
	FormatQ4
	// FormatQ4Zstd is 4-bit quantized plus zstd stream compression,
	// the on-disk format for cold tiers.
	FormatQ4Zstd
)

// BytesPerElement returns the approximate bytes per stored element.
func (f CacheFormat) BytesPerElement() float64 {
	switch f {
	case FormatFp16:
		return 2.0
	case FormatQ8:
		return 1.0
	case FormatQ4:
		return 0.5
	case FormatQ4Zstd:
		return 0.33 // ~1.5x zstd compression on top of Q4
	default:
		return 0
	}
}

func (f CacheFormat) String() string {
	switch f {
	case FormatFp16:
		return "fp16"
	case FormatQ8:
		return "q8"
	case FormatQ4:
		return "q4"
	case FormatQ4Zstd:
		return "q4+zstd"
	default:
		return "unknown"
	}
}

// NativeFormat returns the format blocks normally carry while resident
// in the given tier, assuming the full compression pipeline is enabled.
func NativeFormat(t Tier) CacheFormat {
	switch t {
	case TierGpu:
		return FormatFp16
	case TierRam:
		return FormatQ8
	case TierLocalDisk:
		return FormatQ4Zstd
	default:
		return FormatQ4Zstd
	}
}

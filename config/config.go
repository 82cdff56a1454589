// Package config holds the runtime configuration for the tiered
// KV-cache server. Configuration is loaded from a YAML file with
// defaults filled in for missing fields.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Model       ModelConfig       `yaml:"model"`
	Tiers       TierConfig        `yaml:"tiers"`
	Eviction    EvictionConfig    `yaml:"eviction"`
	Compression CompressionConfig `yaml:"compression"`
	Prefetch    PrefetchConfig    `yaml:"prefetch"`
	Transfer    TransferConfig    `yaml:"transfer"`
}

// ServerConfig holds front-end settings.
type ServerConfig struct {
	// Listen is the bind address, e.g. "0.0.0.0:8080".
	Listen string `yaml:"listen"`
	// MaxConcurrentRequests caps simultaneously running generations.
	MaxConcurrentRequests int `yaml:"max_concurrent_requests"`
	// RequestTimeoutSecs is the configured per-request time limit in
	// seconds. The engine does not read it; generations are not cut off.
	RequestTimeoutSecs int `yaml:"request_timeout_secs"`
}

// ModelConfig describes the model whose KV cache is being tiered.
// The dimensions determine the byte size of a KV block.
type ModelConfig struct {
	// ModelPath points at the GGUF model file.
	ModelPath string `yaml:"model_path"`
	// NGpuLayers is the number of layers offloaded to GPU (-1 = all).
	NGpuLayers int `yaml:"n_gpu_layers"`
	// ContextSize is the context window in tokens.
	ContextSize int `yaml:"context_size"`
	// NHeads is the number of attention heads.
	NHeads int `yaml:"n_heads"`
	// NKvHeads is the number of KV heads (GQA/MQA).
	NKvHeads int `yaml:"n_kv_heads"`
	// HeadDim is the per-head dimension.
	HeadDim int `yaml:"head_dim"`
	// NLayers is the number of transformer layers.
	NLayers int `yaml:"n_layers"`
	// BlockSize is the KV block size in tokens.
	BlockSize int `yaml:"block_size"`
}

// TierConfig holds per-tier capacity budgets, storage roots and the
// eviction watermarks.
type TierConfig struct {
	// GpuVramBudget is the VRAM budget for KV cache in bytes (0 = auto-detect).
	GpuVramBudget int `yaml:"gpu_vram_budget"`
	// HostRamBudget is the host RAM budget in bytes.
	HostRamBudget int `yaml:"host_ram_budget"`
	// LocalSsdPath is the local SSD storage root.
	LocalSsdPath string `yaml:"local_ssd_path"`
	// LocalSsdBudget is the maximum bytes on local SSD.
	LocalSsdBudget int `yaml:"local_ssd_budget"`
	// NfsPath is the NFS/HDD storage root; empty disables the NFS tier.
	NfsPath string `yaml:"nfs_path"`
	// NfsBudget is the maximum bytes on NFS.
	NfsBudget int `yaml:"nfs_budget"`
	// HighWatermark starts eviction when tier usage exceeds this fraction.
	HighWatermark float64 `yaml:"high_watermark"`
	// LowWatermark is the usage fraction eviction drives a tier down to.
	LowWatermark float64 `yaml:"low_watermark"`
}

// EvictionConfig tunes the weighted eviction score.
type EvictionConfig struct {
	// Alpha weights the inverse attention score.
	Alpha float64 `yaml:"alpha"`
	// Beta weights seconds since last access.
	Beta float64 `yaml:"beta"`
	// Gamma weights the GPU-tier preference.
	Gamma float64 `yaml:"gamma"`
	// AttentionEmaDecay is the EMA decay for attention score updates.
	AttentionEmaDecay float64 `yaml:"attention_ema_decay"`
	// MinHotBlocks is the minimum number of GPU blocks any eviction
	// round must leave resident.
	MinHotBlocks int `yaml:"min_hot_blocks"`
}

// CompressionConfig selects the transforms applied per tier transition.
type CompressionConfig struct {
	// GpuToRamQuantize enables FP16->Q8 when moving GPU -> RAM.
	GpuToRamQuantize bool `yaml:"gpu_to_ram_quantize"`
	// RamToDiskQuantize enables Q8->Q4 when moving RAM -> disk.
	RamToDiskQuantize bool `yaml:"ram_to_disk_quantize"`
	// DiskStreamCompression enables zstd when writing to disk.
	DiskStreamCompression bool `yaml:"disk_stream_compression"`
	// StreamLevel is the zstd compression level (1-22).
	StreamLevel int `yaml:"stream_level"`
}

// PrefetchConfig tunes the sliding-window prefetch strategy.
type PrefetchConfig struct {
	// HotWindowTokens is the size of the sliding hot window in tokens.
	HotWindowTokens int `yaml:"hot_window_tokens"`
	// PrefetchAheadBlocks is how many blocks beyond the hot window to
	// stage into RAM.
	PrefetchAheadBlocks int `yaml:"prefetch_ahead_blocks"`
	// AttentionBased enables attention-pattern prefetching (unimplemented hook).
	AttentionBased bool `yaml:"attention_based"`
}

// TransferConfig tunes the DMA scheduler and staging buffers.
type TransferConfig struct {
	// MaxConcurrent caps simultaneous in-flight transfers.
	MaxConcurrent int `yaml:"max_concurrent"`
	// StagingBufferBytes sizes each per-device staging buffer.
	StagingBufferBytes int `yaml:"staging_buffer_bytes"`
}

// Default returns the configuration defaults used when a field (or the
// whole file) is absent.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:                "0.0.0.0:8080",
			MaxConcurrentRequests: 4,
			RequestTimeoutSecs:    300,
		},
		Model: ModelConfig{
			ModelPath:   "model.gguf",
			NGpuLayers:  -1,
			ContextSize: 32768,
			NHeads:      40,
			NKvHeads:    8,
			HeadDim:     128,
			NLayers:     40,
			BlockSize:   256,
		},
		Tiers: TierConfig{
			GpuVramBudget:  0, // auto-detect
			HostRamBudget:  8 << 30,
			LocalSsdPath:   "/tmp/kv-cache",
			LocalSsdBudget: 20 << 30,
			NfsPath:        "",
			NfsBudget:      0,
			HighWatermark:  0.85,
			LowWatermark:   0.70,
		},
		Eviction: EvictionConfig{
			Alpha:             0.6,
			Beta:              0.3,
			Gamma:             0.1,
			AttentionEmaDecay: 0.9,
			MinHotBlocks:      8, // 2048 tokens at block_size=256
		},
		Compression: CompressionConfig{
			GpuToRamQuantize:      true,
			RamToDiskQuantize:     true,
			DiskStreamCompression: true,
			StreamLevel:           3,
		},
		Prefetch: PrefetchConfig{
			HotWindowTokens:     2048,
			PrefetchAheadBlocks: 4,
			AttentionBased:      false,
		},
		Transfer: TransferConfig{
			MaxConcurrent:      4,
			StagingBufferBytes: 64 << 20,
		},
	}
}

// Load reads configuration from a YAML file. A missing file is not an
// error: defaults are returned with a warning, matching server behavior
// on first run.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logrus.Warnf("config file not found at %s, using defaults", path)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the pager cannot run with.
func (c *Config) Validate() error {
	if c.Model.BlockSize <= 0 {
		return fmt.Errorf("model.block_size must be positive, got %d", c.Model.BlockSize)
	}
	if c.Tiers.LowWatermark <= 0 || c.Tiers.HighWatermark >= 1 {
		return fmt.Errorf("watermarks must lie in (0,1), got low=%.2f high=%.2f",
			c.Tiers.LowWatermark, c.Tiers.HighWatermark)
	}
	if c.Tiers.LowWatermark >= c.Tiers.HighWatermark {
		return fmt.Errorf("low_watermark (%.2f) must be below high_watermark (%.2f)",
			c.Tiers.LowWatermark, c.Tiers.HighWatermark)
	}
	if c.Compression.StreamLevel < 1 || c.Compression.StreamLevel > 22 {
		return fmt.Errorf("compression.stream_level must be 1..22, got %d", c.Compression.StreamLevel)
	}
	if c.Transfer.MaxConcurrent <= 0 {
		return fmt.Errorf("transfer.max_concurrent must be positive, got %d", c.Transfer.MaxConcurrent)
	}
	return nil
}

// KVBlockBytes returns the size of one KV block in bytes at FP16:
// K and V, each block_size * n_kv_heads * head_dim * 2 bytes, across
// all layers.
func (c *Config) KVBlockBytes() int {
	perLayer := c.Model.BlockSize * c.Model.NKvHeads * c.Model.HeadDim * 2 * 2
	return perLayer * c.Model.NLayers
}

// TokensForBudget returns how many tokens fit in a byte budget at FP16.
func (c *Config) TokensForBudget(budgetBytes int) int {
	blockBytes := c.KVBlockBytes()
	if blockBytes == 0 {
		return 0
	}
	return budgetBytes / blockBytes * c.Model.BlockSize
}

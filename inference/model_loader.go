// Package inference drives the decode loop against the tiered cache:
// prefill allocates GPU blocks, each decode step reports attention and
// position updates to the pager, and eviction/prefetch run between
// steps so transfers overlap the next forward pass.
package inference

import (
	"fmt"

	gguf_parser "github.com/gpustack/gguf-parser-go"
	"github.com/sirupsen/logrus"

	"github.com/databloom/ollama-kv-cache-tiering/config"
)

// ModelMetadata is the subset of GGUF metadata that determines KV
// block geometry.
type ModelMetadata struct {
	Architecture string
	NLayers      int
	NHeads       int
	NKvHeads     int
	HeadDim      int
	ContextSize  int
}

// LoadModelMetadata reads layer and head dimensions from a GGUF file.
func LoadModelMetadata(path string) (*ModelMetadata, error) {
	gf, err := gguf_parser.ParseGGUFFile(path)
	if err != nil {
		return nil, fmt.Errorf("parse GGUF file %s: %w", path, err)
	}

	arch := gf.Architecture()
	md := &ModelMetadata{
		Architecture: arch.Architecture,
		NLayers:      int(arch.BlockCount),
		NHeads:       int(arch.AttentionHeadCount),
		NKvHeads:     int(arch.AttentionHeadCountKV),
		HeadDim:      int(arch.AttentionKeyLength),
		ContextSize:  int(arch.MaximumContextLength),
	}
	if md.NKvHeads == 0 {
		md.NKvHeads = md.NHeads
	}
	if md.HeadDim == 0 && md.NHeads > 0 {
		md.HeadDim = int(arch.EmbeddingLength) / md.NHeads
	}

	logrus.Infof("loaded model metadata: arch=%s layers=%d heads=%d kv_heads=%d head_dim=%d ctx=%d",
		md.Architecture, md.NLayers, md.NHeads, md.NKvHeads, md.HeadDim, md.ContextSize)
	return md, nil
}

// ApplyToConfig overlays the GGUF-derived dimensions onto the model
// configuration. Layer and head dimensions from the file replace the
// config values whenever the file carries them; context_size is only
// clamped down to the model maximum, never raised.
func (md *ModelMetadata) ApplyToConfig(mc *config.ModelConfig) {
	if md.NLayers > 0 {
		mc.NLayers = md.NLayers
	}
	if md.NHeads > 0 {
		mc.NHeads = md.NHeads
	}
	if md.NKvHeads > 0 {
		mc.NKvHeads = md.NKvHeads
	}
	if md.HeadDim > 0 {
		mc.HeadDim = md.HeadDim
	}
	if md.ContextSize > 0 && mc.ContextSize > md.ContextSize {
		logrus.Warnf("configured context_size %d exceeds model maximum %d, clamping",
			mc.ContextSize, md.ContextSize)
		mc.ContextSize = md.ContextSize
	}
}

package cache

import (
	"sort"

	"github.com/databloom/ollama-kv-cache-tiering/config"
)

// PrefetchRequest asks for a block to be promoted toward a faster tier
// before the decode loop needs it.
type PrefetchRequest struct {
	BlockID     BlockId
	CurrentTier Tier
	TargetTier  Tier
	Priority    float64
}

// TierLookup resolves the current tier of a block id. It returns false
// for unknown blocks, which the prefetcher skips.
type TierLookup func(BlockId) (Tier, bool)

// Prefetcher decides which blocks to proactively promote.
//
// The default strategy is a sliding window: blocks covering the most
// recent hot_window_tokens must be on GPU, and a configurable number of
// blocks beyond the window are staged from disk into RAM. The
// attention-based strategy is a config hook, not yet implemented.
type Prefetcher struct {
	cfg config.PrefetchConfig
}

// NewPrefetcher creates a prefetcher with the given window settings.
func NewPrefetcher(cfg config.PrefetchConfig) *Prefetcher {
	return &Prefetcher{cfg: cfg}
}

// ComputePrefetchRequests returns promotion requests for one sequence
// at the given token position, sorted by descending priority. Sorting
// is stable, so equal priorities keep window order.
func (p *Prefetcher) ComputePrefetchRequests(table *BlockTable, currentTokenPos int, tiers TierLookup) []PrefetchRequest {
	if table.IsEmpty() {
		return nil
	}

	var requests []PrefetchRequest
	blockSize := table.BlockSize

	// Hot window: blocks covering [pos - hot_window .. pos] must be on GPU.
	hotStart := currentTokenPos - p.cfg.HotWindowTokens
	if hotStart < 0 {
		hotStart = 0
	}
	hotBlocks := table.BlocksInRange(hotStart, currentTokenPos+1)

	for i, blockID := range hotBlocks {
		tier, ok := tiers(blockID)
		if !ok || tier == TierGpu {
			continue
		}
		requests = append(requests, PrefetchRequest{
			BlockID:     blockID,
			CurrentTier: tier,
			TargetTier:  TierGpu,
			Priority:    100.0 - float64(i), // closer to current position = more urgent
		})
	}

	// Look-ahead: blocks just outside the hot window get staged to RAM
	// if they are on disk.
	prefetchStart := currentTokenPos - p.cfg.HotWindowTokens - p.cfg.PrefetchAheadBlocks*blockSize
	if prefetchStart < 0 {
		prefetchStart = 0
	}
	if hotStart > prefetchStart {
		for _, blockID := range table.BlocksInRange(prefetchStart, hotStart) {
			tier, ok := tiers(blockID)
			if !ok {
				continue
			}
			if tier == TierLocalDisk || tier == TierNfs {
				requests = append(requests, PrefetchRequest{
					BlockID:     blockID,
					CurrentTier: tier,
					TargetTier:  TierRam,
					Priority:    50.0,
				})
			}
		}
	}

	sort.SliceStable(requests, func(i, j int) bool {
		return requests[i].Priority > requests[j].Priority
	})
	return requests
}

// ProtectedBlocks returns the hot-window block ids for a sequence. The
// pager pulls this set at eviction time so hot blocks are never demoted
// out from under the decode loop; it must not be cached across steps.
func (p *Prefetcher) ProtectedBlocks(table *BlockTable, currentTokenPos int) map[BlockId]bool {
	hotStart := currentTokenPos - p.cfg.HotWindowTokens
	if hotStart < 0 {
		hotStart = 0
	}
	protected := make(map[BlockId]bool)
	for _, id := range table.BlocksInRange(hotStart, currentTokenPos+1) {
		protected[id] = true
	}
	return protected
}

package cache

import (
	"testing"

	"github.com/databloom/ollama-kv-cache-tiering/config"
)

func windowConfig() config.PrefetchConfig {
	return config.PrefetchConfig{
		HotWindowTokens:     512,
		PrefetchAheadBlocks: 2,
		AttentionBased:      false,
	}
}

func tenBlockTable() *BlockTable {
	table := NewBlockTable(1, 256)
	for i := 0; i < 10; i++ {
		table.Push(BlockId(i), 256)
	}
	return table
}

func TestSlidingWindowPrefetch_PromotesColdHotWindowBlocks(t *testing.T) {
	// GIVEN ten blocks where 6 and 7 sit on SSD and the rest on GPU
	prefetcher := NewPrefetcher(windowConfig())
	table := tenBlockTable()
	tiers := func(id BlockId) (Tier, bool) {
		if id == 6 || id == 7 {
			return TierLocalDisk, true
		}
		return TierGpu, true
	}

	// WHEN the decode position is token 2048
	requests := prefetcher.ComputePrefetchRequests(table, 2048, tiers)

	// THEN blocks 6 and 7 are requested onto GPU
	toGpu := make(map[BlockId]bool)
	for _, r := range requests {
		if r.TargetTier == TierGpu {
			toGpu[r.BlockID] = true
		}
	}
	if !toGpu[6] || !toGpu[7] {
		t.Errorf("expected GPU promotions for blocks 6 and 7, got %v", requests)
	}
}

func TestSlidingWindowPrefetch_PrioritySortedDescending(t *testing.T) {
	prefetcher := NewPrefetcher(windowConfig())
	table := tenBlockTable()
	tiers := func(id BlockId) (Tier, bool) {
		return TierLocalDisk, true // everything cold
	}

	requests := prefetcher.ComputePrefetchRequests(table, 2048, tiers)

	if len(requests) == 0 {
		t.Fatal("expected requests for a fully cold table")
	}
	for i := 1; i < len(requests); i++ {
		if requests[i].Priority > requests[i-1].Priority {
			t.Fatalf("requests not sorted: %.1f before %.1f", requests[i-1].Priority, requests[i].Priority)
		}
	}
	// Hot-window promotions outrank look-ahead staging.
	if requests[0].TargetTier != TierGpu || requests[0].Priority != 100.0 {
		t.Errorf("expected hot-window head with priority 100, got %+v", requests[0])
	}
	last := requests[len(requests)-1]
	if last.TargetTier != TierRam || last.Priority != 50.0 {
		t.Errorf("expected look-ahead tail with priority 50, got %+v", last)
	}
}

func TestSlidingWindowPrefetch_LookAheadOnlyFromDisk(t *testing.T) {
	// GIVEN look-ahead blocks already in RAM
	prefetcher := NewPrefetcher(windowConfig())
	table := tenBlockTable()
	tiers := func(id BlockId) (Tier, bool) {
		if id < 6 {
			return TierRam, true
		}
		return TierGpu, true
	}

	requests := prefetcher.ComputePrefetchRequests(table, 2048, tiers)

	// THEN nothing is staged: RAM blocks need no look-ahead move
	for _, r := range requests {
		if r.TargetTier == TierRam {
			t.Errorf("unexpected RAM staging request for block %d", r.BlockID)
		}
	}
}

func TestProtectedBlocks_CoversHotWindowOnly(t *testing.T) {
	prefetcher := NewPrefetcher(windowConfig())
	table := tenBlockTable()

	protected := prefetcher.ProtectedBlocks(table, 2048)

	if !protected[6] || !protected[7] {
		t.Error("expected blocks 6 and 7 protected")
	}
	if protected[5] {
		t.Error("block 5 is outside the hot window and must not be protected")
	}
}

func TestPrefetch_EmptyTableYieldsNothing(t *testing.T) {
	prefetcher := NewPrefetcher(windowConfig())
	table := NewBlockTable(1, 256)

	requests := prefetcher.ComputePrefetchRequests(table, 0, func(BlockId) (Tier, bool) { return TierGpu, true })
	if len(requests) != 0 {
		t.Errorf("expected no requests for an empty table, got %d", len(requests))
	}
}

func TestPrefetch_PositionNearZeroClampsWindow(t *testing.T) {
	prefetcher := NewPrefetcher(windowConfig())
	table := tenBlockTable()
	tiers := func(id BlockId) (Tier, bool) { return TierLocalDisk, true }

	// Position inside the first block: the window clamps to [0, 1].
	requests := prefetcher.ComputePrefetchRequests(table, 0, tiers)
	if len(requests) != 1 || requests[0].BlockID != 0 || requests[0].TargetTier != TierGpu {
		t.Errorf("expected a single GPU promotion for block 0, got %v", requests)
	}
}

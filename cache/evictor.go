package cache

import (
	"container/heap"
	"math"
	"time"

	"github.com/databloom/ollama-kv-cache-tiering/config"
)

// EvictionCandidate is a block selected for demotion, with the score
// that ranked it.
type EvictionCandidate struct {
	BlockID BlockId
	Score   float64
	Tier    Tier
}

// Evictor picks which blocks to move to slower tiers.
//
// The score combines three signals: inverse cumulative attention (low
// attention is evictable), seconds since last access, and a preference
// for freeing VRAM over other tiers. SelectVictims is pure; it never
// mutates blocks.
type Evictor struct {
	cfg config.EvictionConfig
}

// NewEvictor creates an evictor with the given weights.
func NewEvictor(cfg config.EvictionConfig) *Evictor {
	return &Evictor{cfg: cfg}
}

// ComputePriority scores one block. Higher means more evictable:
//
//	alpha * (1 / attention_score) + beta * age_seconds + gamma * [tier == GPU]
//
// Attention scores at or below 1e-10 saturate to a 1e10 inverse so
// never-attended blocks always sort first. NaN scores clamp to the
// saturated value so the ordering stays total.
func (e *Evictor) ComputePriority(b *KvBlock, now time.Time) float64 {
	attention := 1e10
	if b.AttentionScore > 1e-10 {
		attention = 1.0 / b.AttentionScore
	}

	ageSecs := now.Sub(b.LastAccess).Seconds()

	tierComponent := 0.0
	if b.Tier == TierGpu {
		tierComponent = 1.0
	}

	score := e.cfg.Alpha*attention + e.cfg.Beta*ageSecs + e.cfg.Gamma*tierComponent
	if math.IsNaN(score) {
		score = 1e10
	}
	return score
}

// SelectVictims returns up to count blocks from the given tier, ordered
// by descending eviction priority. Blocks outside the tier, in the
// protected set, or mid-transition are skipped. Ties on score break by
// ascending block id so the ordering is deterministic.
//
// Selection keeps a bounded min-heap of size count over the candidates,
// so a large tier costs O(n log k) rather than a full sort.
func (e *Evictor) SelectVictims(blocks []*KvBlock, tier Tier, count int, protected map[BlockId]bool) []EvictionCandidate {
	if count <= 0 {
		return nil
	}
	now := time.Now()

	h := &candidateMinHeap{}
	for _, b := range blocks {
		if b.Tier != tier || b.InTransit {
			continue
		}
		if protected[b.ID] {
			continue
		}
		cand := EvictionCandidate{
			BlockID: b.ID,
			Score:   e.ComputePriority(b, now),
			Tier:    b.Tier,
		}
		if h.Len() < count {
			heap.Push(h, cand)
		} else if candidateLess((*h)[0], cand) {
			// New candidate outranks the weakest kept one.
			(*h)[0] = cand
			heap.Fix(h, 0)
		}
	}

	// Drain the heap weakest-first, then reverse for descending order.
	victims := make([]EvictionCandidate, h.Len())
	for i := len(victims) - 1; i >= 0; i-- {
		victims[i] = heap.Pop(h).(EvictionCandidate)
	}
	return victims
}

// candidateLess orders candidates by eviction priority: higher score
// first, ties broken by lower block id.
func candidateLess(weaker, stronger EvictionCandidate) bool {
	if weaker.Score != stronger.Score {
		return weaker.Score < stronger.Score
	}
	return weaker.BlockID > stronger.BlockID
}

// candidateMinHeap keeps the weakest retained candidate at the root so
// it can be displaced in O(log k).
type candidateMinHeap []EvictionCandidate

func (h candidateMinHeap) Len() int            { return len(h) }
func (h candidateMinHeap) Less(i, j int) bool  { return candidateLess(h[i], h[j]) }
func (h candidateMinHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *candidateMinHeap) Push(x interface{}) { *h = append(*h, x.(EvictionCandidate)) }
func (h *candidateMinHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

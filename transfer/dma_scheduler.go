// Package transfer moves block payloads between tiers: the DMA
// scheduler orders and throttles transfers, the disk engine owns the
// SSD/NFS block files, and the GPU engine copies between device and
// host memory.
package transfer

import (
	"container/heap"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/databloom/ollama-kv-cache-tiering/cache"
)

// TransferOp is one scheduled block movement.
type TransferOp struct {
	// BlockID is the block being transferred.
	BlockID cache.BlockId
	// From is the source tier.
	From cache.Tier
	// To is the destination tier.
	To cache.Tier
	// Priority orders the queue; higher is more urgent.
	Priority float64
	// IsPrefetch marks speculative transfers that may be cancelled
	// wholesale when the access pattern shifts.
	IsPrefetch bool

	// seq preserves FIFO order among equal priorities.
	seq uint64
}

// DmaStats counts scheduler outcomes.
type DmaStats struct {
	Scheduled uint64
	Completed uint64
	Cancelled uint64
	Failed    uint64
}

// DmaScheduler is a priority queue of transfer operations with a
// concurrency cap. It owns no transfer primitives: callers pop
// operations with Next, execute them, and report back via Complete.
//
// Equal priorities dequeue in FIFO order; a monotonic sequence number
// makes the order deterministic under concurrent producers.
type DmaScheduler struct {
	mu            sync.Mutex
	queue         opHeap
	nextSeq       uint64
	maxConcurrent int
	inFlight      int
	stats         DmaStats
}

// NewDmaScheduler creates a scheduler allowing up to maxConcurrent
// simultaneous transfers.
func NewDmaScheduler(maxConcurrent int) *DmaScheduler {
	return &DmaScheduler{maxConcurrent: maxConcurrent}
}

// Schedule enqueues a transfer operation.
func (s *DmaScheduler) Schedule(op TransferOp) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op.seq = s.nextSeq
	s.nextSeq++
	heap.Push(&s.queue, op)
	s.stats.Scheduled++

	logrus.Debugf("scheduled transfer: block %d %s -> %s (priority %.1f)",
		op.BlockID, op.From, op.To, op.Priority)
}

// Next pops the highest-priority operation if there is capacity for
// another in-flight transfer. Returns false when the queue is empty or
// the concurrency cap is reached. Non-blocking.
func (s *DmaScheduler) Next() (TransferOp, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inFlight >= s.maxConcurrent || s.queue.Len() == 0 {
		return TransferOp{}, false
	}
	op := heap.Pop(&s.queue).(TransferOp)
	s.inFlight++
	return op, true
}

// Complete reports the outcome of a popped operation, releasing its
// concurrency slot.
func (s *DmaScheduler) Complete(blockID cache.BlockId, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inFlight > 0 {
		s.inFlight--
	}
	if success {
		s.stats.Completed++
	} else {
		s.stats.Failed++
		logrus.Warnf("transfer of block %d failed", blockID)
	}
}

// CancelPrefetches drops every queued prefetch operation and returns
// how many were removed. In-flight transfers are unaffected.
func (s *DmaScheduler) CancelPrefetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cancelled := s.removeIf(func(op TransferOp) bool { return op.IsPrefetch })
	s.stats.Cancelled += uint64(cancelled)
	return cancelled
}

// CancelBlock drops every queued operation for a block. Returns true
// if anything was removed.
func (s *DmaScheduler) CancelBlock(blockID cache.BlockId) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := s.removeIf(func(op TransferOp) bool { return op.BlockID == blockID })
	if removed > 0 {
		s.stats.Cancelled++
		return true
	}
	return false
}

// removeIf filters the queue in place and restores heap order.
func (s *DmaScheduler) removeIf(drop func(TransferOp) bool) int {
	kept := s.queue[:0]
	removed := 0
	for _, op := range s.queue {
		if drop(op) {
			removed++
		} else {
			kept = append(kept, op)
		}
	}
	s.queue = kept
	if removed > 0 {
		heap.Init(&s.queue)
	}
	return removed
}

// PendingCount returns the number of queued operations.
func (s *DmaScheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// InFlightCount returns the number of running transfers.
func (s *DmaScheduler) InFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// Stats returns a copy of the counters.
func (s *DmaScheduler) Stats() DmaStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// opHeap orders by priority descending, then sequence ascending.
type opHeap []TransferOp

func (h opHeap) Len() int { return len(h) }
func (h opHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h opHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *opHeap) Push(x interface{}) { *h = append(*h, x.(TransferOp)) }
func (h *opHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

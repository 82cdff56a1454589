package inference

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/databloom/ollama-kv-cache-tiering/cache"
	"github.com/databloom/ollama-kv-cache-tiering/config"
	"github.com/databloom/ollama-kv-cache-tiering/transfer"
)

// TokenId is a vocabulary token id.
type TokenId int32

// GenerationRequest describes one generation job.
type GenerationRequest struct {
	// RequestID identifies the request; generated when empty.
	RequestID string
	// PromptTokens is the tokenized prompt.
	PromptTokens []TokenId
	// MaxTokens caps the number of generated tokens.
	MaxTokens int
	// Temperature is the sampling temperature (0 = greedy).
	Temperature float64
	// TopP is the nucleus sampling threshold.
	TopP float64
	// StopTokens ends generation when one is produced.
	StopTokens []TokenId
}

// EventKind discriminates generation events.
type EventKind int

const (
	// EventToken carries one generated token.
	EventToken EventKind = iota
	// EventDone closes a generation with its token counts.
	EventDone
	// EventError reports a failed generation.
	EventError
)

// GenerationEvent is one item on a generation stream.
type GenerationEvent struct {
	Kind    EventKind
	TokenID TokenId
	Text    string

	PromptTokens     int
	CompletionTokens int
	TotalTokens      int

	Err error
}

// Engine is the inference orchestrator. It owns sequence ids, drives
// prefill and the decode loop, and coordinates the pager, prefetcher
// and DMA scheduler between decode steps so transfers overlap the next
// forward pass.
//
// Model execution itself is simulated until the llama backend is wired
// in; cache behavior is identical either way.
type Engine struct {
	pager     *cache.Pager
	scheduler *transfer.DmaScheduler
	allocator cache.GpuBlockAllocator
	cfg       *config.Config

	nextSeqID atomic.Uint64

	mu        sync.Mutex
	sequences map[string]uint64 // request id -> sequence id

	eg errgroup.Group
}

// NewEngine creates an engine. Concurrent generations are capped by
// server.max_concurrent_requests.
func NewEngine(cfg *config.Config, pager *cache.Pager, scheduler *transfer.DmaScheduler, allocator cache.GpuBlockAllocator) *Engine {
	e := &Engine{
		pager:     pager,
		scheduler: scheduler,
		allocator: allocator,
		cfg:       cfg,
		sequences: make(map[string]uint64),
	}
	e.eg.SetLimit(cfg.Server.MaxConcurrentRequests)
	return e
}

// Generate starts a generation and returns its event stream. The
// stream is closed after the Done or Error event.
func (e *Engine) Generate(req GenerationRequest) <-chan GenerationEvent {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	seqID := e.nextSeqID.Add(1) - 1

	e.mu.Lock()
	e.sequences[req.RequestID] = seqID
	e.mu.Unlock()

	events := make(chan GenerationEvent, 32)
	e.eg.Go(func() error {
		defer close(events)
		e.run(req, seqID, events)
		return nil
	})
	return events
}

// Wait blocks until all running generations finish.
func (e *Engine) Wait() {
	_ = e.eg.Wait()
}

// ReleaseSequence drops the cached blocks of a finished request.
// Returns false if the request id is unknown.
func (e *Engine) ReleaseSequence(requestID string) bool {
	e.mu.Lock()
	seqID, ok := e.sequences[requestID]
	if ok {
		delete(e.sequences, requestID)
	}
	e.mu.Unlock()
	if !ok {
		return false
	}
	removed := e.pager.RemoveSequence(seqID)
	logrus.Debugf("released request %s: %d blocks removed", requestID, len(removed))
	return true
}

func (e *Engine) run(req GenerationRequest, seqID uint64, events chan<- GenerationEvent) {
	logrus.Infof("starting generation %s: %d prompt tokens, max %d new",
		req.RequestID, len(req.PromptTokens), req.MaxTokens)

	e.pager.GetOrCreateSequence(seqID)

	if err := e.prefill(seqID, len(req.PromptTokens)); err != nil {
		events <- GenerationEvent{Kind: EventError, Err: err}
		return
	}

	stop := make(map[TokenId]bool, len(req.StopTokens))
	for _, t := range req.StopTokens {
		stop[t] = true
	}

	generated := 0
	for i := 0; i < req.MaxTokens; i++ {
		pos := len(req.PromptTokens) + i

		if err := e.extendSequence(seqID, pos); err != nil {
			events <- GenerationEvent{Kind: EventError, Err: err}
			return
		}
		e.stepCache(seqID, pos)

		// Simulated sampling stands in for the model forward pass.
		tokenID := TokenId(i % 100)
		generated++
		events <- GenerationEvent{
			Kind:    EventToken,
			TokenID: tokenID,
			Text:    fmt.Sprintf("tok%d", tokenID),
		}

		if stop[tokenID] {
			logrus.Debugf("generation %s hit stop token %d", req.RequestID, tokenID)
			break
		}
	}

	events <- GenerationEvent{
		Kind:             EventDone,
		PromptTokens:     len(req.PromptTokens),
		CompletionTokens: generated,
		TotalTokens:      len(req.PromptTokens) + generated,
	}
	logrus.Infof("generation %s complete: %d tokens", req.RequestID, generated)
}

// prefill allocates GPU blocks covering the whole prompt.
func (e *Engine) prefill(seqID uint64, promptTokens int) error {
	blockSize := e.cfg.Model.BlockSize
	for start := 0; start < promptTokens; start += blockSize {
		count := blockSize
		if start+count > promptTokens {
			count = promptTokens - start
		}
		if err := e.appendGpuBlock(seqID, start, count); err != nil {
			return err
		}
	}
	return nil
}

// extendSequence grows the block table when the decode position
// crosses into a new block, or tops up the last partial block.
func (e *Engine) extendSequence(seqID uint64, pos int) error {
	table, ok := e.pager.GetSequence(seqID)
	if !ok {
		return fmt.Errorf("sequence %d disappeared mid-generation", seqID)
	}
	if pos < table.TotalTokens {
		return nil
	}
	if e.pager.ExtendLastBlock(seqID) {
		return nil
	}
	return e.appendGpuBlock(seqID, table.TotalTokens, 1)
}

// appendGpuBlock allocates VRAM for a new block, evicting from the GPU
// tier once if the pool is exhausted.
func (e *Engine) appendGpuBlock(seqID uint64, tokenStart, tokenCount int) error {
	loc, err := e.allocator.AllocateBest()
	if err != nil {
		// Try to make room, then retry once.
		if _, evictErr := e.pager.Evict(cache.TierGpu); evictErr != nil {
			return fmt.Errorf("allocate GPU block: %w", err)
		}
		loc, err = e.allocator.AllocateBest()
		if err != nil {
			return fmt.Errorf("allocate GPU block after eviction: %w", err)
		}
	}

	block := cache.NewGpuBlock(seqID, tokenStart, tokenCount, loc, loc.Size)
	e.pager.InsertBlock(block)
	if err := e.pager.PushBlockToSequence(seqID, block.ID, tokenCount); err != nil {
		return err
	}
	return nil
}

// stepCache runs the between-steps cache work: report the decode
// position, refresh attention on the current block, schedule prefetch
// promotions, drain transfers, and evict over-watermark tiers.
func (e *Engine) stepCache(seqID uint64, pos int) {
	e.pager.NoteDecodePosition(seqID, pos)

	table, ok := e.pager.GetSequence(seqID)
	if !ok {
		return
	}
	if id, ok := table.BlockForToken(pos); ok {
		e.pager.Touch(id)
		e.pager.UpdateAttention(id, 1.0, e.cfg.Eviction.AttentionEmaDecay)
	}

	// Prefetch: ask the sliding window what must move, then queue it.
	requests := e.pager.Prefetcher().ComputePrefetchRequests(table, pos, func(id cache.BlockId) (cache.Tier, bool) {
		return e.pager.BlockTier(id)
	})
	for _, r := range requests {
		e.scheduler.Schedule(transfer.TransferOp{
			BlockID:    r.BlockID,
			From:       r.CurrentTier,
			To:         r.TargetTier,
			Priority:   r.Priority,
			IsPrefetch: r.TargetTier != cache.TierGpu,
		})
	}

	e.drainTransfers()

	// Eviction: bounded rounds so one step never stalls on a long
	// demotion chain; the next step picks up whatever is left.
	for round := 0; round < 4; round++ {
		tier, needed := e.pager.NeedsEviction()
		if !needed {
			break
		}
		evicted, err := e.pager.Evict(tier)
		if err != nil {
			logrus.Warnf("eviction of %s failed: %v", tier, err)
			break
		}
		if evicted == 0 {
			break
		}
	}
}

// drainTransfers pops operations while the scheduler has capacity and
// executes them as promotions.
func (e *Engine) drainTransfers() {
	for {
		op, ok := e.scheduler.Next()
		if !ok {
			return
		}
		err := e.pager.Promote(op.BlockID, op.To, op.IsPrefetch)
		if err != nil {
			logrus.Debugf("promotion of block %d to %s failed: %v", op.BlockID, op.To, err)
		}
		e.scheduler.Complete(op.BlockID, err == nil)
	}
}

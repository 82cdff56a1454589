package cache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/databloom/ollama-kv-cache-tiering/config"
)

var (
	// ErrBlockNotFound means the block id is unknown to the pager.
	ErrBlockNotFound = errors.New("block not found")
	// ErrTierNotConfigured means the target tier has no storage root or
	// byte budget configured.
	ErrTierNotConfigured = errors.New("tier not configured")
	// ErrMissingPayload means the payload variant a transition expected
	// is not present, an internal invariant violation.
	ErrMissingPayload = errors.New("missing payload")
	// ErrTransferFailed wraps I/O or device-copy errors during a
	// transition; the block reverts to its source tier.
	ErrTransferFailed = errors.New("transfer failed")
	// ErrBlockInTransit means the block is mid-transition and cannot
	// start another one.
	ErrBlockInTransit = errors.New("block in transit")
)

// DeviceCopier is the GPU-host copy capability the pager consumes.
type DeviceCopier interface {
	// CopyToHost reads a block's bytes out of GPU memory.
	CopyToHost(loc GpuLocation) ([]byte, error)
	// CopyToDevice writes bytes into a reserved GPU location.
	CopyToDevice(data []byte, loc GpuLocation) error
}

// BlockStore is the disk I/O capability for the SSD and NFS tiers.
type BlockStore interface {
	WriteBlock(id BlockId, data []byte, tier Tier) (string, error)
	ReadBlock(id BlockId, tier Tier) ([]byte, error)
	DeleteBlock(id BlockId, tier Tier) error
	CopyBlock(id BlockId, from, to Tier) (string, error)
}

// GpuBlockAllocator is the VRAM allocation capability for promotions
// back onto GPU and for releasing GPU payloads of removed blocks.
type GpuBlockAllocator interface {
	AllocateBest() (GpuLocation, error)
	Free(loc GpuLocation) error
}

// TransferCanceller drops queued transfer operations. Removing a
// sequence cancels its blocks' pending transfers through this.
type TransferCanceller interface {
	CancelBlock(id BlockId) bool
	CancelPrefetches() int
}

// Pager is the central coordinator of the tiered cache. It owns every
// block and sequence, enforces the per-tier watermarks, and is the only
// mutator of block state after insertion.
//
// All in-memory bookkeeping happens under a reader/writer lock. Byte
// movement never does: a transition is planned under the write lock
// (victims chosen, blocks marked in transit), executed with the lock
// released, and committed under the write lock again, reconciling
// accounting exactly once.
type Pager struct {
	mu sync.RWMutex

	blocks    map[BlockId]*KvBlock
	sequences map[uint64]*BlockTable

	// positions records the last decode position the orchestrator
	// reported per sequence, for deriving the protected set.
	positions map[uint64]int

	tierStats map[Tier]*TierStats

	evictor    *Evictor
	compressor *Compressor
	prefetcher *Prefetcher

	cfg *config.Config

	device    DeviceCopier
	store     BlockStore
	allocator GpuBlockAllocator
	canceller TransferCanceller
	trace     *DecisionTrace
}

// NewPager creates a pager with the given configuration. Transfer and
// allocation capabilities are attached separately before any cross-tier
// movement is possible.
func NewPager(cfg *config.Config) (*Pager, error) {
	compressor, err := NewCompressor(cfg.Compression)
	if err != nil {
		return nil, err
	}

	tierStats := map[Tier]*TierStats{
		TierGpu:       {Capacity: cfg.Tiers.GpuVramBudget},
		TierRam:       {Capacity: cfg.Tiers.HostRamBudget},
		TierLocalDisk: {Capacity: cfg.Tiers.LocalSsdBudget},
	}
	if cfg.Tiers.NfsPath != "" {
		tierStats[TierNfs] = &TierStats{Capacity: cfg.Tiers.NfsBudget}
	}

	return &Pager{
		blocks:     make(map[BlockId]*KvBlock),
		sequences:  make(map[uint64]*BlockTable),
		positions:  make(map[uint64]int),
		tierStats:  tierStats,
		evictor:    NewEvictor(cfg.Eviction),
		compressor: compressor,
		prefetcher: NewPrefetcher(cfg.Prefetch),
		cfg:        cfg,
	}, nil
}

// AttachTransport wires the device-copy and disk capabilities.
func (p *Pager) AttachTransport(device DeviceCopier, store BlockStore) {
	p.device = device
	p.store = store
}

// AttachAllocator wires the VRAM allocator.
func (p *Pager) AttachAllocator(a GpuBlockAllocator) {
	p.allocator = a
}

// AttachScheduler wires the transfer queue for cancellation.
func (p *Pager) AttachScheduler(c TransferCanceller) {
	p.canceller = c
}

// AttachTrace enables decision tracing.
func (p *Pager) AttachTrace(t *DecisionTrace) {
	p.trace = t
}

// Prefetcher returns the pager's prefetch policy, shared with the
// orchestrator so both consult the same window settings.
func (p *Pager) Prefetcher() *Prefetcher {
	return p.prefetcher
}

// Compressor returns the pager's compression engine.
func (p *Pager) Compressor() *Compressor {
	return p.compressor
}

// InsertBlock registers a new block and charges its source tier.
func (p *Pager) InsertBlock(b *KvBlock) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if stats, ok := p.tierStats[b.Tier]; ok {
		stats.add(b.DataSize)
	}
	p.blocks[b.ID] = b
}

// GetBlock returns the block for an id. The returned block must be
// treated as read-only; all mutation goes through pager methods.
func (p *Pager) GetBlock(id BlockId) (*KvBlock, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	b, ok := p.blocks[id]
	return b, ok
}

// BlockTier resolves a block's current tier. In-transit blocks report
// their source tier until the transition commits.
func (p *Pager) BlockTier(id BlockId) (Tier, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	b, ok := p.blocks[id]
	if !ok {
		return 0, false
	}
	return b.Tier, true
}

// GetOrCreateSequence lazily creates the block table for a sequence.
func (p *Pager) GetOrCreateSequence(sequenceID uint64) *BlockTable {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.getOrCreateSequenceLocked(sequenceID)
}

func (p *Pager) getOrCreateSequenceLocked(sequenceID uint64) *BlockTable {
	table, ok := p.sequences[sequenceID]
	if !ok {
		table = NewBlockTable(sequenceID, p.cfg.Model.BlockSize)
		p.sequences[sequenceID] = table
	}
	return table
}

// GetSequence returns the block table for a sequence.
func (p *Pager) GetSequence(sequenceID uint64) (*BlockTable, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	table, ok := p.sequences[sequenceID]
	return table, ok
}

// PushBlockToSequence appends an already-inserted block to its
// sequence's table.
func (p *Pager) PushBlockToSequence(sequenceID uint64, blockID BlockId, tokenCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.blocks[blockID]; !ok {
		return fmt.Errorf("%w: %d", ErrBlockNotFound, blockID)
	}
	table := p.getOrCreateSequenceLocked(sequenceID)
	table.Push(blockID, tokenCount)
	return nil
}

// ExtendLastBlock accounts one more decoded token in the sequence's
// trailing partial block. Returns false when the last block is already
// full (or the sequence is empty), in which case the caller appends a
// fresh block.
func (p *Pager) ExtendLastBlock(sequenceID uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	table, ok := p.sequences[sequenceID]
	if !ok || len(table.Blocks) == 0 {
		return false
	}
	b, ok := p.blocks[table.Blocks[len(table.Blocks)-1]]
	if !ok || b.TokenCount >= table.BlockSize {
		return false
	}
	b.TokenCount++
	table.TotalTokens++
	return true
}

// NoteDecodePosition records the orchestrator's current token position
// for a sequence. The pager derives the eviction protected set from
// the latest reported positions.
func (p *Pager) NoteDecodePosition(sequenceID uint64, tokenPos int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.sequences[sequenceID]; ok {
		p.positions[sequenceID] = tokenPos
	}
}

// UpdateAttention folds a new attention score into a block's EMA.
// Returns false for unknown blocks.
func (p *Pager) UpdateAttention(id BlockId, score, decay float64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.blocks[id]
	if !ok {
		return false
	}
	b.UpdateAttention(score, decay)
	return true
}

// Touch records an access on a block. Returns false for unknown blocks.
func (p *Pager) Touch(id BlockId) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.blocks[id]
	if !ok {
		return false
	}
	b.Touch()
	return true
}

// RemoveSequence drops a sequence's table and all its blocks, releasing
// GPU allocations and cancelling queued transfers. In-flight transfers
// run to completion; their commits become no-ops. Returns the removed
// block ids.
func (p *Pager) RemoveSequence(sequenceID uint64) []BlockId {
	type deadFile struct {
		id   BlockId
		tier Tier
	}
	var files []deadFile
	var removed []BlockId

	p.mu.Lock()
	table, ok := p.sequences[sequenceID]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	delete(p.sequences, sequenceID)
	delete(p.positions, sequenceID)

	for _, blockID := range table.Blocks {
		b, ok := p.blocks[blockID]
		if !ok {
			continue
		}
		if p.canceller != nil {
			p.canceller.CancelBlock(blockID)
		}
		if stats, ok := p.tierStats[b.Tier]; ok {
			stats.remove(b.DataSize)
		}
		if b.GpuLocation != nil && p.allocator != nil {
			if err := p.allocator.Free(*b.GpuLocation); err != nil {
				logrus.Warnf("failed to free GPU block %d: %v", blockID, err)
			}
		}
		if b.DiskPath != "" {
			files = append(files, deadFile{id: blockID, tier: b.Tier})
		}
		if b.Tier == TierNfs {
			// The SSD copy retained by the identity move to NFS goes
			// away with the block.
			files = append(files, deadFile{id: blockID, tier: TierLocalDisk})
		}
		delete(p.blocks, blockID)
		removed = append(removed, blockID)
	}
	p.mu.Unlock()

	// File deletion happens outside the lock; failures leave stale
	// files that external cleanup reclaims.
	if p.store != nil {
		for _, f := range files {
			if err := p.store.DeleteBlock(f.id, f.tier); err != nil {
				logrus.Debugf("failed to delete block file %d on %s: %v", f.id, f.tier, err)
			}
		}
	}
	return removed
}

// NeedsEviction returns the hottest tier above its high watermark.
// NFS is the terminal tier and is never an eviction source.
func (p *Pager) NeedsEviction() (Tier, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, tier := range []Tier{TierGpu, TierRam, TierLocalDisk} {
		if stats, ok := p.tierStats[tier]; ok {
			if stats.AboveHighWatermark(p.cfg.Tiers.HighWatermark) {
				return tier, true
			}
		}
	}
	return 0, false
}

// transitionPlan snapshots everything one block move needs so the byte
// work can run without the pager lock.
type transitionPlan struct {
	id      BlockId
	from    Tier
	to      Tier
	format  CacheFormat
	score   float64
	gpuLoc  *GpuLocation
	ramData []byte
}

// transitionResult carries the outcome back into the commit phase.
type transitionResult struct {
	plan      transitionPlan
	newFormat CacheFormat
	newSize   int
	ramData   []byte
	diskPath  string
	gpuLoc    *GpuLocation
	err       error
}

// Evict runs one eviction round for the given tier: select victims,
// compress and demote them one tier colder. Returns the number of
// blocks moved. A failed transition aborts that victim only.
//
// One round targets the low watermark but may under-estimate when
// block sizes vary; callers loop while NeedsEviction reports the tier.
func (p *Pager) Evict(tier Tier) (int, error) {
	target, ok := tier.Demote()
	if !ok {
		logrus.Warnf("cannot evict from coldest tier (%s)", tier)
		return 0, nil
	}

	plans, protectedSize := p.planEviction(tier, target)
	if len(plans) == 0 {
		return 0, nil
	}

	results := make([]transitionResult, 0, len(plans))
	for _, plan := range plans {
		results = append(results, p.executeTransition(plan))
	}

	evicted := p.commitTransitions(results, protectedSize)
	if evicted > 0 {
		logrus.Infof("eviction round complete: %d blocks %s -> %s", evicted, tier, target)
	}
	return evicted, nil
}

// planEviction chooses victims under the write lock and marks them
// in transit. Returns the per-victim plans and the protected-set size
// (for tracing).
func (p *Pager) planEviction(tier, target Tier) ([]transitionPlan, int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.tierStats[target]; !ok {
		logrus.Warnf("eviction target %s is not configured, leaving %s over watermark", target, tier)
		return nil, 0
	}

	stats, ok := p.tierStats[tier]
	if !ok {
		return nil, 0
	}
	targetBytes := int(p.cfg.Tiers.LowWatermark * float64(stats.Capacity))
	if stats.BytesUsed <= targetBytes || stats.BlockCount == 0 {
		return nil, 0
	}
	excess := stats.BytesUsed - targetBytes

	avgBlockSize := stats.BytesUsed / stats.BlockCount
	if avgBlockSize == 0 {
		return nil, 0
	}
	count := excess / avgBlockSize
	if count < 1 {
		count = 1
	}
	// Keep the configured floor of hot blocks resident on GPU no matter
	// what the watermark math says.
	if tier == TierGpu {
		maxEvictable := stats.BlockCount - p.cfg.Eviction.MinHotBlocks
		if maxEvictable <= 0 {
			return nil, 0
		}
		if count > maxEvictable {
			count = maxEvictable
		}
	}

	protected := p.protectedSetLocked()

	candidates := make([]*KvBlock, 0, len(p.blocks))
	for _, b := range p.blocks {
		candidates = append(candidates, b)
	}
	victims := p.evictor.SelectVictims(candidates, tier, count, protected)

	plans := make([]transitionPlan, 0, len(victims))
	for _, v := range victims {
		b := p.blocks[v.BlockID]
		if b == nil {
			continue
		}
		b.InTransit = true
		b.PendingTarget = target
		plans = append(plans, transitionPlan{
			id:      b.ID,
			from:    tier,
			to:      target,
			format:  b.Format,
			score:   v.Score,
			gpuLoc:  b.GpuLocation,
			ramData: b.RamData,
		})
	}
	return plans, len(protected)
}

// protectedSetLocked unions the prefetcher's hot windows across every
// sequence with a reported decode position. Pulled fresh each round;
// never cached between decode steps.
func (p *Pager) protectedSetLocked() map[BlockId]bool {
	protected := make(map[BlockId]bool)
	for seqID, pos := range p.positions {
		table, ok := p.sequences[seqID]
		if !ok {
			continue
		}
		for id := range p.prefetcher.ProtectedBlocks(table, pos) {
			protected[id] = true
		}
	}
	return protected
}

// executeTransition performs the byte movement and transformation for
// one plan, without holding the pager lock.
func (p *Pager) executeTransition(plan transitionPlan) transitionResult {
	res := transitionResult{plan: plan}

	switch {
	case plan.from == TierGpu && plan.to == TierRam:
		if plan.gpuLoc == nil {
			res.err = fmt.Errorf("%w: block %d has no GPU location", ErrMissingPayload, plan.id)
			return res
		}
		if p.device == nil {
			res.err = fmt.Errorf("%w: no device copier attached", ErrTransferFailed)
			return res
		}
		raw, err := p.device.CopyToHost(*plan.gpuLoc)
		if err != nil {
			res.err = fmt.Errorf("%w: D2H block %d: %v", ErrTransferFailed, plan.id, err)
			return res
		}
		data, format, err := p.compressor.Compress(raw, plan.from, plan.to, plan.format)
		if err != nil {
			res.err = err
			return res
		}
		res.ramData = data
		res.newFormat = format
		res.newSize = len(data)

	case plan.from == TierRam && (plan.to == TierLocalDisk || plan.to == TierNfs):
		if plan.ramData == nil {
			res.err = fmt.Errorf("%w: block %d has no RAM data", ErrMissingPayload, plan.id)
			return res
		}
		data, format, err := p.compressor.Compress(plan.ramData, plan.from, plan.to, plan.format)
		if err != nil {
			res.err = err
			return res
		}
		if p.store == nil {
			res.err = fmt.Errorf("%w: no block store attached", ErrTransferFailed)
			return res
		}
		path, err := p.store.WriteBlock(plan.id, data, plan.to)
		if err != nil {
			res.err = fmt.Errorf("%w: write block %d: %v", ErrTransferFailed, plan.id, err)
			return res
		}
		res.diskPath = path
		res.newFormat = format
		res.newSize = len(data)

	case plan.from == TierLocalDisk && plan.to == TierNfs:
		// Identity transition: the bytes are already in their coldest
		// format, so copy the file across storage roots. The SSD copy
		// is retained until the block itself goes away.
		if p.store == nil {
			res.err = fmt.Errorf("%w: no block store attached", ErrTransferFailed)
			return res
		}
		path, err := p.store.CopyBlock(plan.id, plan.from, plan.to)
		if err != nil {
			res.err = fmt.Errorf("%w: copy block %d to NFS: %v", ErrTransferFailed, plan.id, err)
			return res
		}
		res.diskPath = path
		res.newFormat = plan.format
		res.newSize = p.blockSizeHint(plan.id)

	default:
		res.err = fmt.Errorf("%w: unsupported transition %s -> %s", ErrTransferFailed, plan.from, plan.to)
	}
	return res
}

// blockSizeHint reads a block's current size under the read lock, for
// identity transitions that never touch the payload bytes.
func (p *Pager) blockSizeHint(id BlockId) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if b, ok := p.blocks[id]; ok {
		return b.DataSize
	}
	return 0
}

// commitTransitions applies transition outcomes under the write lock,
// reconciling accounting exactly once per block. Blocks removed while
// in flight are skipped; their artifacts become stale files.
func (p *Pager) commitTransitions(results []transitionResult, protectedSize int) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	committed := 0
	for _, res := range results {
		b, ok := p.blocks[res.plan.id]
		if !ok {
			// Removed mid-flight: the removal already settled the
			// accounting for the source tier.
			logrus.Debugf("block %d removed during transition, dropping commit", res.plan.id)
			continue
		}

		if res.err != nil {
			logrus.Warnf("transition of block %d (%s -> %s) failed: %v",
				res.plan.id, res.plan.from, res.plan.to, res.err)
			b.InTransit = false
			b.flushPendingAttention()
			continue
		}

		srcStats := p.tierStats[res.plan.from]
		dstStats := p.tierStats[res.plan.to]
		bytesBefore := 0
		if srcStats != nil {
			bytesBefore = srcStats.BytesUsed
			srcStats.remove(b.DataSize)
		}

		// Release the GPU allocation once the payload has left VRAM.
		if res.plan.from == TierGpu && b.GpuLocation != nil && p.allocator != nil {
			if err := p.allocator.Free(*b.GpuLocation); err != nil {
				logrus.Warnf("failed to free GPU block %d: %v", b.ID, err)
			}
		}

		b.clearPayload()
		switch {
		case res.ramData != nil:
			b.RamData = res.ramData
		case res.diskPath != "":
			b.DiskPath = res.diskPath
		case res.gpuLoc != nil:
			b.GpuLocation = res.gpuLoc
		}
		b.Tier = res.plan.to
		b.Format = res.newFormat
		b.DataSize = res.newSize
		b.InTransit = false
		b.flushPendingAttention()

		if dstStats != nil {
			dstStats.add(b.DataSize)
		}
		committed++

		bytesAfter := 0
		if srcStats != nil {
			bytesAfter = srcStats.BytesUsed
		}
		p.trace.RecordEviction(EvictionRecord{
			BlockID:       b.ID,
			From:          res.plan.from,
			To:            res.plan.to,
			Score:         res.plan.score,
			BytesBefore:   bytesBefore,
			BytesAfter:    bytesAfter,
			ProtectedSize: protectedSize,
		})
		logrus.Debugf("moved block %d %s -> %s (%d bytes, %s)",
			b.ID, res.plan.from, res.plan.to, b.DataSize, b.Format)
	}
	return committed
}

// Promote moves a block to a faster tier, decompressing along the way.
// Promotion to GPU allocates VRAM through the attached allocator and
// copies the restored FP16 payload onto the device.
func (p *Pager) Promote(id BlockId, target Tier, prefetch bool) error {
	plan, err := p.planPromotion(id, target)
	if err != nil {
		return err
	}

	res := p.executePromotion(plan)
	return p.commitPromotion(res, prefetch)
}

func (p *Pager) planPromotion(id BlockId, target Tier) (transitionPlan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.blocks[id]
	if !ok {
		return transitionPlan{}, fmt.Errorf("%w: %d", ErrBlockNotFound, id)
	}
	if b.InTransit {
		return transitionPlan{}, fmt.Errorf("%w: %d", ErrBlockInTransit, id)
	}
	if target.Level() >= b.Tier.Level() {
		return transitionPlan{}, fmt.Errorf("promotion target %s is not faster than %s", target, b.Tier)
	}
	if _, ok := p.tierStats[target]; !ok {
		return transitionPlan{}, fmt.Errorf("%w: %s", ErrTierNotConfigured, target)
	}

	b.InTransit = true
	b.PendingTarget = target
	return transitionPlan{
		id:      b.ID,
		from:    b.Tier,
		to:      target,
		format:  b.Format,
		gpuLoc:  b.GpuLocation,
		ramData: b.RamData,
	}, nil
}

func (p *Pager) executePromotion(plan transitionPlan) transitionResult {
	res := transitionResult{plan: plan}

	var raw []byte
	switch plan.from {
	case TierRam:
		if plan.ramData == nil {
			res.err = fmt.Errorf("%w: block %d has no RAM data", ErrMissingPayload, plan.id)
			return res
		}
		raw = plan.ramData
	case TierLocalDisk, TierNfs:
		if p.store == nil {
			res.err = fmt.Errorf("%w: no block store attached", ErrTransferFailed)
			return res
		}
		data, err := p.store.ReadBlock(plan.id, plan.from)
		if err != nil {
			res.err = fmt.Errorf("%w: read block %d from %s: %v", ErrTransferFailed, plan.id, plan.from, err)
			return res
		}
		raw = data
	default:
		res.err = fmt.Errorf("%w: cannot promote from %s", ErrTransferFailed, plan.from)
		return res
	}

	data, format, err := p.compressor.DecompressForTier(raw, plan.format, plan.to)
	if err != nil {
		res.err = err
		return res
	}

	switch plan.to {
	case TierGpu:
		if p.allocator == nil || p.device == nil {
			res.err = fmt.Errorf("%w: no GPU allocator or device copier attached", ErrTransferFailed)
			return res
		}
		loc, err := p.allocator.AllocateBest()
		if err != nil {
			res.err = fmt.Errorf("%w: allocate for block %d: %v", ErrTransferFailed, plan.id, err)
			return res
		}
		if err := p.device.CopyToDevice(data, loc); err != nil {
			if ferr := p.allocator.Free(loc); ferr != nil {
				logrus.Warnf("failed to free GPU block %d after H2D error: %v", plan.id, ferr)
			}
			res.err = fmt.Errorf("%w: H2D block %d: %v", ErrTransferFailed, plan.id, err)
			return res
		}
		res.gpuLoc = &loc
		res.newFormat = format
		res.newSize = len(data)

	case TierRam:
		res.ramData = data
		res.newFormat = format
		res.newSize = len(data)

	case TierLocalDisk:
		// NFS -> SSD: land the bytes under the SSD root.
		path, err := p.store.WriteBlock(plan.id, data, TierLocalDisk)
		if err != nil {
			res.err = fmt.Errorf("%w: write block %d: %v", ErrTransferFailed, plan.id, err)
			return res
		}
		res.diskPath = path
		res.newFormat = format
		res.newSize = len(data)
	}
	return res
}

func (p *Pager) commitPromotion(res transitionResult, prefetch bool) error {
	type deadFile struct {
		id   BlockId
		tier Tier
	}
	var stale *deadFile

	p.mu.Lock()
	b, ok := p.blocks[res.plan.id]
	if !ok {
		p.mu.Unlock()
		logrus.Debugf("block %d removed during promotion, dropping commit", res.plan.id)
		return nil
	}

	if res.err != nil {
		b.InTransit = false
		b.flushPendingAttention()
		p.mu.Unlock()
		return res.err
	}

	if srcStats := p.tierStats[res.plan.from]; srcStats != nil {
		srcStats.remove(b.DataSize)
	}
	if res.plan.from == TierLocalDisk || res.plan.from == TierNfs {
		stale = &deadFile{id: b.ID, tier: res.plan.from}
	}

	b.clearPayload()
	switch {
	case res.gpuLoc != nil:
		b.GpuLocation = res.gpuLoc
	case res.ramData != nil:
		b.RamData = res.ramData
	case res.diskPath != "":
		b.DiskPath = res.diskPath
	}
	b.Tier = res.plan.to
	b.Format = res.newFormat
	b.DataSize = res.newSize
	b.InTransit = false
	b.flushPendingAttention()
	b.Touch()

	if dstStats := p.tierStats[res.plan.to]; dstStats != nil {
		dstStats.add(b.DataSize)
	}

	p.trace.RecordPromotion(PromotionRecord{
		BlockID:  b.ID,
		From:     res.plan.from,
		To:       res.plan.to,
		Prefetch: prefetch,
	})
	p.mu.Unlock()

	if stale != nil && p.store != nil {
		if err := p.store.DeleteBlock(stale.id, stale.tier); err != nil {
			logrus.Debugf("failed to delete promoted block file %d on %s: %v", stale.id, stale.tier, err)
		}
	}

	logrus.Debugf("promoted block %d %s -> %s (%d bytes, %s)",
		res.plan.id, res.plan.from, res.plan.to, res.newSize, res.newFormat)
	return nil
}

// TierStatsSnapshot returns a copy of the per-tier accounting.
func (p *Pager) TierStatsSnapshot() map[Tier]TierStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[Tier]TierStats, len(p.tierStats))
	for tier, stats := range p.tierStats {
		out[tier] = *stats
	}
	return out
}

// TotalBlocks returns the number of blocks across all tiers.
func (p *Pager) TotalBlocks() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.blocks)
}

// TotalSequences returns the number of active sequences.
func (p *Pager) TotalSequences() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sequences)
}

// CancelPrefetches drops all queued prefetch transfers. The
// orchestrator calls this on sharp context shifts.
func (p *Pager) CancelPrefetches() int {
	if p.canceller == nil {
		return 0
	}
	return p.canceller.CancelPrefetches()
}

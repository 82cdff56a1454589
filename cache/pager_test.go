package cache

import (
	"errors"
	"fmt"
	"testing"

	"github.com/databloom/ollama-kv-cache-tiering/config"
)

// fakeStore keeps block files in memory.
type fakeStore struct {
	files    map[string][]byte
	failNext bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{files: make(map[string][]byte)}
}

func (s *fakeStore) key(id BlockId, tier Tier) string {
	return fmt.Sprintf("/fake/%s/%d/%d.kvblock", tier, uint64(id)/1000, id)
}

func (s *fakeStore) WriteBlock(id BlockId, data []byte, tier Tier) (string, error) {
	if s.failNext {
		s.failNext = false
		return "", errors.New("disk full")
	}
	path := s.key(id, tier)
	s.files[path] = append([]byte(nil), data...)
	return path, nil
}

func (s *fakeStore) ReadBlock(id BlockId, tier Tier) ([]byte, error) {
	data, ok := s.files[s.key(id, tier)]
	if !ok {
		return nil, errors.New("not found")
	}
	return append([]byte(nil), data...), nil
}

func (s *fakeStore) DeleteBlock(id BlockId, tier Tier) error {
	delete(s.files, s.key(id, tier))
	return nil
}

func (s *fakeStore) CopyBlock(id BlockId, from, to Tier) (string, error) {
	data, ok := s.files[s.key(id, from)]
	if !ok {
		return "", errors.New("not found")
	}
	path := s.key(id, to)
	s.files[path] = append([]byte(nil), data...)
	return path, nil
}

// fakeDevice simulates D2H/H2D with zero-filled reads.
type fakeDevice struct {
	d2h, h2d int
}

func (d *fakeDevice) CopyToHost(loc GpuLocation) ([]byte, error) {
	d.d2h++
	return make([]byte, loc.Size), nil
}

func (d *fakeDevice) CopyToDevice(data []byte, loc GpuLocation) error {
	d.h2d++
	return nil
}

// fakeAllocator hands out sequential offsets and records frees.
type fakeAllocator struct {
	blockSize int
	next      int
	freed     []GpuLocation
}

func (a *fakeAllocator) AllocateBest() (GpuLocation, error) {
	loc := GpuLocation{DeviceID: 0, Offset: a.next, Size: a.blockSize}
	a.next += a.blockSize
	return loc, nil
}

func (a *fakeAllocator) Free(loc GpuLocation) error {
	a.freed = append(a.freed, loc)
	return nil
}

// fakeCanceller records cancelled block ids.
type fakeCanceller struct {
	cancelled  []BlockId
	prefetches int
}

func (c *fakeCanceller) CancelBlock(id BlockId) bool {
	c.cancelled = append(c.cancelled, id)
	return true
}

func (c *fakeCanceller) CancelPrefetches() int {
	c.prefetches++
	return 0
}

func pagerTestConfig() *config.Config {
	cfg := config.Default()
	cfg.Tiers.GpuVramBudget = 10000
	cfg.Tiers.HostRamBudget = 10000
	cfg.Tiers.LocalSsdBudget = 50000
	cfg.Tiers.NfsPath = "/nfs/kv-cache"
	cfg.Tiers.NfsBudget = 100000
	cfg.Tiers.HighWatermark = 0.80
	cfg.Tiers.LowWatermark = 0.50
	cfg.Eviction.MinHotBlocks = 0
	return cfg
}

func newTestPager(t *testing.T, cfg *config.Config) (*Pager, *fakeStore, *fakeDevice, *fakeAllocator) {
	t.Helper()
	pager, err := NewPager(cfg)
	if err != nil {
		t.Fatalf("NewPager: %v", err)
	}
	store := newFakeStore()
	device := &fakeDevice{}
	allocator := &fakeAllocator{blockSize: 1000}
	pager.AttachTransport(device, store)
	pager.AttachAllocator(allocator)
	return pager, store, device, allocator
}

func TestPagerInsertAndStats(t *testing.T) {
	pager, _, _, _ := newTestPager(t, pagerTestConfig())

	block := NewRamBlock(1, 0, 256, make([]byte, 5000), FormatQ8)
	pager.InsertBlock(block)

	stats := pager.TierStatsSnapshot()[TierRam]
	if stats.BlockCount != 1 || stats.BytesUsed != 5000 {
		t.Errorf("expected 1 block / 5000 bytes, got %d / %d", stats.BlockCount, stats.BytesUsed)
	}
}

func TestPagerRemoveSequenceRestoresStats(t *testing.T) {
	// GIVEN a sequence of one RAM block
	pager, _, _, _ := newTestPager(t, pagerTestConfig())
	before := pager.TierStatsSnapshot()

	block := NewRamBlock(42, 0, 256, make([]byte, 1000), FormatQ8)
	pager.InsertBlock(block)
	if err := pager.PushBlockToSequence(42, block.ID, 256); err != nil {
		t.Fatal(err)
	}

	// WHEN the sequence is removed
	removed := pager.RemoveSequence(42)

	// THEN the block is gone and accounting is back to the baseline
	if len(removed) != 1 || removed[0] != block.ID {
		t.Fatalf("expected removal of block %d, got %v", block.ID, removed)
	}
	if pager.TotalBlocks() != 0 {
		t.Errorf("expected 0 blocks, got %d", pager.TotalBlocks())
	}
	after := pager.TierStatsSnapshot()
	for tier, s := range after {
		if s != before[tier] {
			t.Errorf("tier %s stats not restored: before %+v after %+v", tier, before[tier], s)
		}
	}
	if _, ok := pager.GetBlock(block.ID); ok {
		t.Error("block lookup must be absent after removal")
	}
}

func TestPagerRemoveSequenceFreesGpuAndCancelsTransfers(t *testing.T) {
	pager, _, _, allocator := newTestPager(t, pagerTestConfig())
	canceller := &fakeCanceller{}
	pager.AttachScheduler(canceller)

	loc := GpuLocation{DeviceID: 0, Offset: 0, Size: 1000}
	block := NewGpuBlock(7, 0, 256, loc, 1000)
	pager.InsertBlock(block)
	if err := pager.PushBlockToSequence(7, block.ID, 256); err != nil {
		t.Fatal(err)
	}

	pager.RemoveSequence(7)

	if len(allocator.freed) != 1 || allocator.freed[0] != loc {
		t.Errorf("expected GPU location freed, got %v", allocator.freed)
	}
	if len(canceller.cancelled) != 1 || canceller.cancelled[0] != block.ID {
		t.Errorf("expected cancel for block %d, got %v", block.ID, canceller.cancelled)
	}
}

func TestPagerNeedsEvictionWatermark(t *testing.T) {
	// GIVEN host_ram_budget=10000 and high watermark 0.80
	pager, _, _, _ := newTestPager(t, pagerTestConfig())

	// WHEN nine 1000-byte blocks land in RAM
	for i := 0; i < 9; i++ {
		pager.InsertBlock(NewRamBlock(1, i*256, 256, make([]byte, 1000), FormatQ8))
	}

	// THEN RAM is over watermark
	tier, needed := pager.NeedsEviction()
	if !needed || tier != TierRam {
		t.Fatalf("expected RAM eviction needed, got %v %v", tier, needed)
	}

	// WHEN the cache holds only five such blocks instead
	pager2, _, _, _ := newTestPager(t, pagerTestConfig())
	for i := 0; i < 5; i++ {
		pager2.InsertBlock(NewRamBlock(1, i*256, 256, make([]byte, 1000), FormatQ8))
	}

	// THEN no tier needs eviction
	if _, needed := pager2.NeedsEviction(); needed {
		t.Error("expected no eviction at 50% usage")
	}
}

func TestPagerEvictRamToDisk(t *testing.T) {
	// GIVEN RAM over its watermark
	pager, store, _, _ := newTestPager(t, pagerTestConfig())
	var ids []BlockId
	for i := 0; i < 9; i++ {
		b := NewRamBlock(1, i*256, 256, make([]byte, 1000), FormatQ8)
		pager.InsertBlock(b)
		ids = append(ids, b.ID)
	}

	// WHEN one eviction round runs
	evicted, err := pager.Evict(TierRam)
	if err != nil {
		t.Fatal(err)
	}

	// THEN enough blocks moved to SSD to reach the low watermark
	if evicted == 0 {
		t.Fatal("expected at least one eviction")
	}
	stats := pager.TierStatsSnapshot()
	low := pagerTestConfig().Tiers.LowWatermark
	if frac := stats[TierRam].UsageFraction(); frac > low+0.11 {
		t.Errorf("RAM usage %.2f still above low watermark %.2f", frac, low)
	}
	if stats[TierLocalDisk].BlockCount != evicted {
		t.Errorf("expected %d blocks on SSD, got %d", evicted, stats[TierLocalDisk].BlockCount)
	}
	// The moved blocks now carry disk payloads and the on-disk format.
	moved := 0
	for _, id := range ids {
		b, ok := pager.GetBlock(id)
		if !ok {
			t.Fatalf("block %d vanished", id)
		}
		if b.Tier == TierLocalDisk {
			moved++
			if b.DiskPath == "" || b.RamData != nil {
				t.Errorf("block %d: expected disk payload only", id)
			}
			if b.Format != FormatQ4Zstd {
				t.Errorf("block %d: expected q4+zstd, got %s", id, b.Format)
			}
			if _, err := store.ReadBlock(id, TierLocalDisk); err != nil {
				t.Errorf("block %d: missing file: %v", id, err)
			}
		}
	}
	if moved != evicted {
		t.Errorf("expected %d moved blocks, found %d", evicted, moved)
	}
}

func TestPagerEvictionAccountingInvariant(t *testing.T) {
	// GIVEN a mixed population and one eviction round
	pager, _, _, _ := newTestPager(t, pagerTestConfig())
	for i := 0; i < 9; i++ {
		pager.InsertBlock(NewRamBlock(1, i*256, 256, make([]byte, 1000), FormatQ8))
	}
	if _, err := pager.Evict(TierRam); err != nil {
		t.Fatal(err)
	}

	// THEN no block is lost and every tier's bytes match its count
	// times the uniform per-tier block size.
	stats := pager.TierStatsSnapshot()
	total := 0
	for _, s := range stats {
		total += s.BlockCount
	}
	if total != 9 {
		t.Errorf("expected 9 blocks across tiers, got %d", total)
	}
	if ram := stats[TierRam]; ram.BytesUsed != ram.BlockCount*1000 {
		t.Errorf("RAM accounting off: %d blocks, %d bytes", ram.BlockCount, ram.BytesUsed)
	}
}

func TestPagerEvictRespectsProtectedSet(t *testing.T) {
	// GIVEN a sequence whose hot window covers all its blocks
	cfg := pagerTestConfig()
	cfg.Prefetch.HotWindowTokens = 10000
	pager, _, _, _ := newTestPager(t, cfg)

	for i := 0; i < 9; i++ {
		b := NewRamBlock(5, i*256, 256, make([]byte, 1000), FormatQ8)
		b.Tier = TierRam
		pager.InsertBlock(b)
		if err := pager.PushBlockToSequence(5, b.ID, 256); err != nil {
			t.Fatal(err)
		}
	}
	pager.NoteDecodePosition(5, 9*256-1)

	// WHEN eviction runs
	evicted, err := pager.Evict(TierRam)
	if err != nil {
		t.Fatal(err)
	}

	// THEN nothing moved: every candidate was protected
	if evicted != 0 {
		t.Errorf("expected no evictions with a fully protected tier, got %d", evicted)
	}
}

func TestPagerEvictGpuKeepsMinHotBlocks(t *testing.T) {
	// GIVEN a GPU tier over watermark but a floor of hot blocks
	cfg := pagerTestConfig()
	cfg.Eviction.MinHotBlocks = 8
	pager, _, _, _ := newTestPager(t, cfg)

	for i := 0; i < 9; i++ {
		loc := GpuLocation{DeviceID: 0, Offset: i * 1000, Size: 1000}
		pager.InsertBlock(NewGpuBlock(1, i*256, 256, loc, 1000))
	}

	evicted, err := pager.Evict(TierGpu)
	if err != nil {
		t.Fatal(err)
	}

	// THEN at most one block may leave (9 resident - 8 floor)
	if evicted > 1 {
		t.Errorf("expected at most 1 eviction, got %d", evicted)
	}
	if got := pager.TierStatsSnapshot()[TierGpu].BlockCount; got < 8 {
		t.Errorf("GPU tier dropped below the hot floor: %d blocks", got)
	}
}

func TestPagerEvictFromTerminalTier(t *testing.T) {
	pager, _, _, _ := newTestPager(t, pagerTestConfig())
	evicted, err := pager.Evict(TierNfs)
	if err != nil || evicted != 0 {
		t.Errorf("expected no-op eviction from NFS, got %d, %v", evicted, err)
	}
}

func TestPagerEvictToUnconfiguredTier(t *testing.T) {
	// GIVEN no NFS root configured
	cfg := pagerTestConfig()
	cfg.Tiers.NfsPath = ""
	pager, _, _, _ := newTestPager(t, cfg)

	for i := 0; i < 50; i++ {
		b := NewRamBlock(1, i*256, 256, make([]byte, 1000), FormatQ8)
		b.Tier = TierLocalDisk
		b.RamData = nil
		b.DiskPath = fmt.Sprintf("/fake/SSD/%d.kvblock", b.ID)
		pager.InsertBlock(b)
	}

	// WHEN SSD would evict toward NFS
	evicted, err := pager.Evict(TierLocalDisk)

	// THEN the round is a logged no-op
	if err != nil || evicted != 0 {
		t.Errorf("expected no-op eviction toward unconfigured NFS, got %d, %v", evicted, err)
	}
}

func TestPagerDiskWriteFailureAbortsVictimOnly(t *testing.T) {
	// GIVEN one block whose disk write will fail
	pager, store, _, _ := newTestPager(t, pagerTestConfig())
	for i := 0; i < 9; i++ {
		pager.InsertBlock(NewRamBlock(1, i*256, 256, make([]byte, 1000), FormatQ8))
	}
	store.failNext = true

	evicted, err := pager.Evict(TierRam)
	if err != nil {
		t.Fatal(err)
	}

	// THEN the other victims still moved and no block is stuck in transit
	if evicted == 0 {
		t.Fatal("expected surviving evictions after one failure")
	}
	stats := pager.TierStatsSnapshot()
	if stats[TierRam].BlockCount+stats[TierLocalDisk].BlockCount != 9 {
		t.Errorf("blocks lost: RAM %d + SSD %d != 9",
			stats[TierRam].BlockCount, stats[TierLocalDisk].BlockCount)
	}
}

func TestPagerPromoteDiskToRam(t *testing.T) {
	// GIVEN blocks demoted to SSD by an eviction round
	pager, store, _, _ := newTestPager(t, pagerTestConfig())
	var ids []BlockId
	for i := 0; i < 9; i++ {
		b := NewRamBlock(1, i*256, 256, make([]byte, 1000), FormatQ8)
		pager.InsertBlock(b)
		ids = append(ids, b.ID)
	}
	if _, err := pager.Evict(TierRam); err != nil {
		t.Fatal(err)
	}
	var demoted BlockId
	found := false
	for _, id := range ids {
		if b, _ := pager.GetBlock(id); b.Tier == TierLocalDisk {
			demoted = id
			found = true
			break
		}
	}
	if !found {
		t.Fatal("expected at least one demoted block")
	}

	// WHEN one is promoted back to RAM
	if err := pager.Promote(demoted, TierRam, true); err != nil {
		t.Fatal(err)
	}

	// THEN it carries a Q8 RAM payload of the original length again
	got, _ := pager.GetBlock(demoted)
	if got.Tier != TierRam || got.Format != FormatQ8 {
		t.Errorf("expected RAM/q8, got %s/%s", got.Tier, got.Format)
	}
	if len(got.RamData) != 1000 || got.DataSize != 1000 {
		t.Errorf("expected 1000-byte payload, got %d (DataSize %d)", len(got.RamData), got.DataSize)
	}
	// The stale SSD file was cleaned up at commit.
	if _, err := store.ReadBlock(demoted, TierLocalDisk); err == nil {
		t.Error("expected SSD file deleted after promotion")
	}
}

func TestPagerPromoteRamToGpu(t *testing.T) {
	pager, _, device, _ := newTestPager(t, pagerTestConfig())
	b := NewRamBlock(1, 0, 256, make([]byte, 500), FormatQ8)
	pager.InsertBlock(b)

	if err := pager.Promote(b.ID, TierGpu, false); err != nil {
		t.Fatal(err)
	}

	got, _ := pager.GetBlock(b.ID)
	if got.Tier != TierGpu || got.Format != FormatFp16 {
		t.Errorf("expected GPU/fp16, got %s/%s", got.Tier, got.Format)
	}
	if got.GpuLocation == nil || got.RamData != nil {
		t.Error("expected GPU payload only")
	}
	if got.DataSize != 1000 {
		t.Errorf("expected fp16 size 1000, got %d", got.DataSize)
	}
	if device.h2d != 1 {
		t.Errorf("expected one H2D copy, got %d", device.h2d)
	}
}

func TestPagerPromoteErrors(t *testing.T) {
	pager, _, _, _ := newTestPager(t, pagerTestConfig())

	if err := pager.Promote(9999, TierRam, false); !errors.Is(err, ErrBlockNotFound) {
		t.Errorf("expected ErrBlockNotFound, got %v", err)
	}

	b := NewRamBlock(1, 0, 256, make([]byte, 100), FormatQ8)
	pager.InsertBlock(b)
	if err := pager.Promote(b.ID, TierLocalDisk, false); err == nil {
		t.Error("promotion to a slower tier must fail")
	}
}

func TestPagerSequenceLifecycle(t *testing.T) {
	pager, _, _, _ := newTestPager(t, pagerTestConfig())

	table := pager.GetOrCreateSequence(11)
	if table.SequenceID != 11 || table.BlockSize != pagerTestConfig().Model.BlockSize {
		t.Errorf("unexpected table %+v", table)
	}
	if pager.TotalSequences() != 1 {
		t.Errorf("expected 1 sequence, got %d", pager.TotalSequences())
	}
	// Creation is idempotent.
	again := pager.GetOrCreateSequence(11)
	if again != table {
		t.Error("expected the same table on repeat creation")
	}
	if pager.RemoveSequence(999) != nil {
		t.Error("removing an unknown sequence must return nil")
	}
}

func TestPagerPushBlockUnknownBlock(t *testing.T) {
	pager, _, _, _ := newTestPager(t, pagerTestConfig())
	if err := pager.PushBlockToSequence(1, 12345, 256); !errors.Is(err, ErrBlockNotFound) {
		t.Errorf("expected ErrBlockNotFound, got %v", err)
	}
}

func TestPagerTouchAndUpdateAttention(t *testing.T) {
	pager, _, _, _ := newTestPager(t, pagerTestConfig())
	b := NewRamBlock(1, 0, 256, make([]byte, 100), FormatQ8)
	pager.InsertBlock(b)

	if !pager.Touch(b.ID) || !pager.UpdateAttention(b.ID, 0.0, 0.9) {
		t.Error("expected updates on a known block to succeed")
	}
	got, _ := pager.GetBlock(b.ID)
	if got.AccessCount != 1 {
		t.Errorf("expected access count 1, got %d", got.AccessCount)
	}
	if pager.Touch(4242) || pager.UpdateAttention(4242, 1, 0.9) {
		t.Error("expected updates on unknown blocks to report false")
	}
}

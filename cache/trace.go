package cache

import "sync"

// TraceLevel controls the verbosity of pager decision tracing.
type TraceLevel string

const (
	// TraceLevelNone disables tracing (zero overhead).
	TraceLevelNone TraceLevel = "none"
	// TraceLevelDecisions captures eviction and promotion decisions.
	TraceLevelDecisions TraceLevel = "decisions"
)

// validTraceLevels maps accepted trace level strings.
var validTraceLevels = map[TraceLevel]bool{
	TraceLevelNone:      true,
	TraceLevelDecisions: true,
	"":                  true, // empty defaults to none
}

// IsValidTraceLevel returns true if the level string is recognized.
func IsValidTraceLevel(level string) bool {
	return validTraceLevels[TraceLevel(level)]
}

// EvictionRecord captures one committed tier demotion.
type EvictionRecord struct {
	BlockID       BlockId
	From          Tier
	To            Tier
	Score         float64
	BytesBefore   int
	BytesAfter    int
	ProtectedSize int
}

// PromotionRecord captures one committed tier promotion.
type PromotionRecord struct {
	BlockID  BlockId
	From     Tier
	To       Tier
	Prefetch bool
}

// DecisionTrace collects pager decisions for offline analysis.
// Recording is a no-op below TraceLevelDecisions.
type DecisionTrace struct {
	mu         sync.Mutex
	level      TraceLevel
	Evictions  []EvictionRecord
	Promotions []PromotionRecord
}

// NewDecisionTrace creates a trace at the given level.
func NewDecisionTrace(level TraceLevel) *DecisionTrace {
	return &DecisionTrace{level: level}
}

// RecordEviction appends an eviction record when tracing is enabled.
func (dt *DecisionTrace) RecordEviction(rec EvictionRecord) {
	if dt == nil || dt.level != TraceLevelDecisions {
		return
	}
	dt.mu.Lock()
	dt.Evictions = append(dt.Evictions, rec)
	dt.mu.Unlock()
}

// RecordPromotion appends a promotion record when tracing is enabled.
func (dt *DecisionTrace) RecordPromotion(rec PromotionRecord) {
	if dt == nil || dt.level != TraceLevelDecisions {
		return
	}
	dt.mu.Lock()
	dt.Promotions = append(dt.Promotions, rec)
	dt.mu.Unlock()
}

// Snapshot returns copies of the recorded decisions.
func (dt *DecisionTrace) Snapshot() ([]EvictionRecord, []PromotionRecord) {
	if dt == nil {
		return nil, nil
	}
	dt.mu.Lock()
	defer dt.mu.Unlock()
	ev := make([]EvictionRecord, len(dt.Evictions))
	copy(ev, dt.Evictions)
	pr := make([]PromotionRecord, len(dt.Promotions))
	copy(pr, dt.Promotions)
	return ev, pr
}

package cache

import "testing"

func TestDecisionTrace_RecordsAtDecisionsLevel(t *testing.T) {
	dt := NewDecisionTrace(TraceLevelDecisions)

	dt.RecordEviction(EvictionRecord{BlockID: 1, From: TierRam, To: TierLocalDisk, Score: 2.5})
	dt.RecordPromotion(PromotionRecord{BlockID: 2, From: TierLocalDisk, To: TierRam, Prefetch: true})

	evictions, promotions := dt.Snapshot()
	if len(evictions) != 1 || evictions[0].BlockID != 1 {
		t.Errorf("expected one eviction record, got %v", evictions)
	}
	if len(promotions) != 1 || !promotions[0].Prefetch {
		t.Errorf("expected one prefetch promotion record, got %v", promotions)
	}
}

func TestDecisionTrace_NoneLevelIsNoop(t *testing.T) {
	dt := NewDecisionTrace(TraceLevelNone)
	dt.RecordEviction(EvictionRecord{BlockID: 1})
	if evictions, _ := dt.Snapshot(); len(evictions) != 0 {
		t.Error("expected no records at level none")
	}
}

func TestDecisionTrace_NilReceiverIsSafe(t *testing.T) {
	var dt *DecisionTrace
	dt.RecordEviction(EvictionRecord{})
	dt.RecordPromotion(PromotionRecord{})
	if ev, pr := dt.Snapshot(); ev != nil || pr != nil {
		t.Error("nil trace must snapshot to nil")
	}
}

func TestIsValidTraceLevel(t *testing.T) {
	for _, level := range []string{"", "none", "decisions"} {
		if !IsValidTraceLevel(level) {
			t.Errorf("expected %q to be valid", level)
		}
	}
	if IsValidTraceLevel("verbose") {
		t.Error("expected unrecognized level to be rejected")
	}
}

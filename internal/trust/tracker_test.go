package trust

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func newTestTracker() *Tracker {
	return NewTracker(Config{MaxHistory: 10, PriorAlpha: 1, PriorBeta: 1})
}

func TestUpdateInvariants(t *testing.T) {
	tr := newTestTracker()

	tr.Update("rule-a", true, 3)
	tr.Update("rule-a", false, 1)
	tr.Update("rule-a", true, 2)

	mu := tr.GetTrust("rule-a")
	if mu <= 0 || mu >= 1 {
		t.Fatalf("expected mean in (0,1), got %v", mu)
	}

	// alpha = 1 + 3 + 2 = 6, beta = 1 + 1 = 2
	want := 6.0 / 8.0
	if math.Abs(mu-want) > 1e-9 {
		t.Fatalf("mean = %v, want %v", mu, want)
	}
}

func TestBatchUpdateCommutativeWithIndividualUpdates(t *testing.T) {
	seq := []Update{
		{Key: "r1", Succeeded: true, Weight: 2},
		{Key: "r1", Succeeded: false, Weight: 1},
		{Key: "r2", Succeeded: true, Weight: 5},
		{Key: "r1", Succeeded: true, Weight: 1},
	}

	individual := newTestTracker()
	for _, u := range seq {
		individual.Update(u.Key, u.Succeeded, u.Weight)
	}

	batched := newTestTracker()
	batched.BatchUpdate(seq)

	for _, key := range []string{"r1", "r2"} {
		a := individual.GetTrust(key)
		b := batched.GetTrust(key)
		if math.Abs(a-b) > 1e-9 {
			t.Fatalf("key %s: individual=%v batched=%v", key, a, b)
		}
	}
}

func TestApplyDecayBounds(t *testing.T) {
	tr := newTestTracker()
	tr.Update("rule", true, 50)
	tr.Update("rule", false, 20)

	before := tr.GetTrust("rule")
	_ = before

	tr.ApplyDecay("rule", 0.5, 5)

	tr.mu.RLock()
	rs := tr.rules["rule"]
	a, b := rs.alpha, rs.beta
	tr.mu.RUnlock()

	if a < 1 || b < 1 {
		t.Fatalf("decayed alpha/beta must stay >= 1, got a=%v b=%v", a, b)
	}
}

func TestApplyDecayNoOpBelowMinCount(t *testing.T) {
	tr := newTestTracker()
	tr.Update("rule", true, 1)

	tr.mu.RLock()
	before := *tr.rules["rule"]
	tr.mu.RUnlock()

	tr.ApplyDecay("rule", 0.5, 1000)

	tr.mu.RLock()
	after := *tr.rules["rule"]
	tr.mu.RUnlock()

	if before.alpha != after.alpha || before.beta != after.beta {
		t.Fatalf("decay should be a no-op when alpha+beta <= minCount")
	}
}

func TestConfidenceIntervalClipped(t *testing.T) {
	tr := newTestTracker()
	for i := 0; i < 100; i++ {
		tr.Update("rule", true, 1)
	}

	ci := tr.GetConfidenceInterval("rule", 1.96)
	if ci.Lower < 0 || ci.Upper > 1 {
		t.Fatalf("interval must be clipped to [0,1], got %+v", ci)
	}
	if ci.Lower > ci.Upper {
		t.Fatalf("lower bound must not exceed upper bound")
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	tr := newTestTracker()
	tr.Update("rule-a", true, 4)
	tr.Update("rule-a", false, 1)
	tr.Update("rule-b", true, 10)

	dir := t.TempDir()
	path := filepath.Join(dir, "trust.json")

	if err := tr.ExportToFile(path); err != nil {
		t.Fatalf("export failed: %v", err)
	}

	imported := NewTracker(Config{MaxHistory: 10})
	if ok := imported.ImportFromFile(path); !ok {
		t.Fatalf("import failed")
	}

	for _, key := range []string{"rule-a", "rule-b"} {
		want := tr.GetTrust(key)
		got := imported.GetTrust(key)
		if math.Abs(want-got) > 1e-9 {
			t.Fatalf("key %s: want %v got %v", key, want, got)
		}
	}
}

func TestImportFromMissingFileLeavesStateUntouched(t *testing.T) {
	tr := newTestTracker()
	tr.Update("rule", true, 5)
	before := tr.GetTrust("rule")

	ok := tr.ImportFromFile(filepath.Join(os.TempDir(), "does-not-exist-trust.json"))
	if ok {
		t.Fatalf("expected import of missing file to fail")
	}

	after := tr.GetTrust("rule")
	if before != after {
		t.Fatalf("failed import must not mutate existing state")
	}
}

func TestGetTrustBatch(t *testing.T) {
	tr := newTestTracker()
	tr.Update("a", true, 1)
	tr.Update("b", false, 1)

	out := tr.GetTrustBatch([]string{"a", "b", "c"})
	if len(out) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(out))
	}
	if out["c"] != 0.5 {
		t.Fatalf("unseen key should default to prior mean 0.5, got %v", out["c"])
	}
}

func TestGetTrustDoesNotCreateState(t *testing.T) {
	tr := newTestTracker()

	if mu := tr.GetTrust("never-updated"); mu != 0.5 {
		t.Fatalf("expected prior mean 0.5, got %v", mu)
	}
	tr.GetTrustBatch([]string{"also-never-updated"})

	tr.mu.RLock()
	_, a := tr.rules["never-updated"]
	_, b := tr.rules["also-never-updated"]
	n := len(tr.rules)
	tr.mu.RUnlock()

	if a || b {
		t.Fatalf("GetTrust/GetTrustBatch must not insert state for unread keys")
	}
	if n != 0 {
		t.Fatalf("expected empty rules map, got %d entries", n)
	}
}

func TestPurgeOldTimestampsTruncatesTail(t *testing.T) {
	tr := newTestTracker()
	for i := 0; i < 8; i++ {
		tr.Update("rule", true, 1)
	}

	tr.PurgeOldTimestamps(3)

	tr.mu.RLock()
	n := len(tr.rules["rule"].history)
	tr.mu.RUnlock()

	if n != 3 {
		t.Fatalf("expected history truncated to 3 entries, got %d", n)
	}
}

package readeringest

import "testing"

func TestCurrentDefaultsToOneForUnseenReader(t *testing.T) {
	tr := NewEpochTracker(nil)
	if got := tr.Current("10.0.0.1"); got != 1 {
		t.Fatalf("Current for unseen reader = %d, want 1", got)
	}
}

func TestNewEpochTrackerSeedFloorsBelowOne(t *testing.T) {
	tr := NewEpochTracker(map[string]int64{"10.0.0.1": 0, "10.0.0.2": 3})
	if got := tr.Current("10.0.0.1"); got != 1 {
		t.Fatalf("seeded epoch 0 = %d, want floored to 1", got)
	}
	if got := tr.Current("10.0.0.2"); got != 3 {
		t.Fatalf("seeded epoch = %d, want 3", got)
	}
}

func TestBumpAdvancesEpoch(t *testing.T) {
	tr := NewEpochTracker(nil)
	tr.Bump("10.0.0.1", 2)
	if got := tr.Current("10.0.0.1"); got != 2 {
		t.Fatalf("Current after Bump(2) = %d, want 2", got)
	}
}

func TestBumpRefusesToRegress(t *testing.T) {
	tr := NewEpochTracker(map[string]int64{"10.0.0.1": 5})
	tr.Bump("10.0.0.1", 3)
	if got := tr.Current("10.0.0.1"); got != 5 {
		t.Fatalf("Current after regressive Bump = %d, want unchanged 5", got)
	}
	tr.Bump("10.0.0.1", 5)
	if got := tr.Current("10.0.0.1"); got != 5 {
		t.Fatalf("Current after equal-value Bump = %d, want unchanged 5", got)
	}
}

func TestEpochsTrackedIndependentlyPerReader(t *testing.T) {
	tr := NewEpochTracker(nil)
	tr.Bump("10.0.0.1", 4)
	if got := tr.Current("10.0.0.2"); got != 1 {
		t.Fatalf("unrelated reader Current = %d, want unaffected default of 1", got)
	}
}

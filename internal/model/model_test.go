package model

import "testing"

func TestAdvanceNeverRegresses(t *testing.T) {
	if got := Advance(5, 3); got != 5 {
		t.Fatalf("Advance(5, 3) = %d, want 5 (no regression)", got)
	}
	if got := Advance(5, 5); got != 5 {
		t.Fatalf("Advance(5, 5) = %d, want 5 (equal is not an advance)", got)
	}
	if got := Advance(5, 9); got != 9 {
		t.Fatalf("Advance(5, 9) = %d, want 9", got)
	}
}

func TestReplayPolicyValid(t *testing.T) {
	for _, p := range []ReplayPolicy{ReplayPolicyResume, ReplayPolicyLiveOnly, ReplayPolicyTargeted} {
		if !p.Valid() {
			t.Fatalf("ReplayPolicy(%q).Valid() = false, want true", p)
		}
	}
	if ReplayPolicy("bogus").Valid() {
		t.Fatalf("ReplayPolicy(%q).Valid() = true, want false", "bogus")
	}
}

func TestManualSelectionBuildsKindAndStreams(t *testing.T) {
	ref := StreamRef{ForwarderID: "F1", ReaderIP: "10.0.0.1"}
	sel := ManualSelection(ref)
	if sel.Kind != SelectionKindManual {
		t.Fatalf("ManualSelection().Kind = %q, want manual", sel.Kind)
	}
	if len(sel.Streams) != 1 || sel.Streams[0] != ref {
		t.Fatalf("ManualSelection().Streams = %+v, want [%+v]", sel.Streams, ref)
	}
}

func TestRaceSelectionBuildsKindAndScope(t *testing.T) {
	sel := RaceSelection(RaceID(7), EpochScopeAll)
	if sel.Kind != SelectionKindRace {
		t.Fatalf("RaceSelection().Kind = %q, want race", sel.Kind)
	}
	if sel.RaceID != 7 || sel.EpochScope != EpochScopeAll {
		t.Fatalf("RaceSelection() = %+v, want RaceID=7 EpochScope=all", sel)
	}
}

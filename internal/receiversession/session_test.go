package receiversession

import (
	"testing"

	"racetiming/ipicoforward/internal/model"
)

func TestRememberEpochTracksHighWaterMark(t *testing.T) {
	s := NewSession("R1", State{}, NewLocalFanout(nil), nil)
	key := model.NaturalKey{ForwarderID: "F1", ReaderIP: "10.0.0.1"}

	if _, ok := s.LastEpoch(key); ok {
		t.Fatalf("LastEpoch before any delivery: want not-ok")
	}

	s.rememberEpoch(key, 2)
	epoch, ok := s.LastEpoch(key)
	if !ok || epoch != 2 {
		t.Fatalf("LastEpoch after remembering 2 = (%d, %v), want (2, true)", epoch, ok)
	}

	s.rememberEpoch(key, 1)
	epoch, ok = s.LastEpoch(key)
	if !ok || epoch != 2 {
		t.Fatalf("LastEpoch must not regress: got (%d, %v), want (2, true)", epoch, ok)
	}

	s.rememberEpoch(key, 5)
	epoch, ok = s.LastEpoch(key)
	if !ok || epoch != 5 {
		t.Fatalf("LastEpoch after remembering 5 = (%d, %v), want (5, true)", epoch, ok)
	}
}

func TestRequestCursorResetWithoutLiveSessionFails(t *testing.T) {
	s := NewSession("R1", State{}, NewLocalFanout(nil), nil)
	err := s.RequestCursorReset(model.StreamRef{ForwarderID: "F1", ReaderIP: "10.0.0.1"}, 2)
	if err != ErrNotConnected {
		t.Fatalf("RequestCursorReset with no live session = %v, want ErrNotConnected", err)
	}
}

func TestSetProfileAndSubscriptionsUpdateState(t *testing.T) {
	s := NewSession("R1", State{}, NewLocalFanout(nil), nil)

	s.SetProfile(Profile{ServerURL: "https://example.test", Token: "tok", UpdateMode: "auto"})
	s.SetSubscriptions([]Subscription{{StreamRef: model.StreamRef{ForwarderID: "F1", ReaderIP: "10.0.0.1"}, LocalPort: 9001}})

	got := s.State()
	if got.Profile.ServerURL != "https://example.test" {
		t.Fatalf("State().Profile = %+v, want updated server URL", got.Profile)
	}
	if len(got.Subscriptions) != 1 || got.Subscriptions[0].LocalPort != 9001 {
		t.Fatalf("State().Subscriptions = %+v, want the one set", got.Subscriptions)
	}
}

func TestSetSelectionWithoutLiveSessionOnlyUpdatesState(t *testing.T) {
	s := NewSession("R1", State{}, NewLocalFanout(nil), nil)
	sel := model.ManualSelection(model.StreamRef{ForwarderID: "F1", ReaderIP: "10.0.0.1"})

	if err := s.SetSelection(sel, model.ReplayPolicyLiveOnly, nil); err != nil {
		t.Fatalf("SetSelection with no live session: %v", err)
	}
	got := s.State()
	if got.ReplayPolicy != model.ReplayPolicyLiveOnly {
		t.Fatalf("State().ReplayPolicy = %q, want live_only", got.ReplayPolicy)
	}
	if len(got.Selection.Streams) != 1 {
		t.Fatalf("State().Selection = %+v, want the manual selection set", got.Selection)
	}
}

package manager

import (
	"testing"
	"time"

	"github.com/nerrad567/iron-rail-core/internal/model"
)

// End-to-end automode flow through the manager: hardware feedback events
// fan in, the engine drives the locomotive across a route with a switch
// relation, and the interlocking releases behind it.
func TestAutomodeEndToEnd(t *testing.T) {
	m, _ := newTestManager(t)

	t1 := model.NewTrack(1, "T1")
	t1.SetFeedbacks([]model.FeedbackID{1})
	t2 := model.NewTrack(2, "T2")
	t2.SetFeedbacks([]model.FeedbackID{2})
	if err := m.SaveTrack(t1); err != nil {
		t.Fatal(err)
	}
	if err := m.SaveTrack(t2); err != nil {
		t.Fatal(err)
	}
	for pin, id := range map[model.FeedbackPin]model.FeedbackID{11: 1, 12: 2} {
		if err := m.SaveFeedback(model.NewFeedback(id, "", 1, pin)); err != nil {
			t.Fatal(err)
		}
	}
	// re-save tracks so the sensors pick up their back-references
	if err := m.SaveTrack(t1); err != nil {
		t.Fatal(err)
	}
	if err := m.SaveTrack(t2); err != nil {
		t.Fatal(err)
	}

	sw := model.NewSwitch(1, "W1", 1, model.ProtocolMM, 20)
	if err := m.SaveSwitch(sw); err != nil {
		t.Fatal(err)
	}

	route := model.NewRoute(m, 1, "T1-T2")
	route.SetAutomode(true)
	route.SetEndpoints(t1.ObjectIdentifier(), model.OrientationRight, t2.ObjectIdentifier(), model.OrientationRight)
	route.SetFeedbacks(model.FeedbackNone, model.FeedbackNone, 2, model.FeedbackNone)
	route.SetDelay(0)
	if err := route.AssignRelations([]*model.Relation{
		model.NewRelation(m, 1, model.ObjectIdentifier{Type: model.ObjectTypeSwitch, ID: 1}, uint8(model.SwitchStateTurnout), 1, false),
	}, nil); err != nil {
		t.Fatal(err)
	}
	if err := m.SaveRoute(route); err != nil {
		t.Fatal(err)
	}

	loco := model.NewLoco(m, 1, "L1")
	loco.SetTrainLength(100)
	loco.SetSpeedPresets(200, 80, 40, 20)
	if err := m.SaveLoco(loco); err != nil {
		t.Fatal(err)
	}
	if err := m.TrackSetLoco(t1.ObjectIdentifier(), 1); err != nil {
		t.Fatal(err)
	}
	if err := m.SetBooster(model.BoosterGo); err != nil {
		t.Fatal(err)
	}
	if err := m.LocoAutoMode(1); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = m.LocoRelease(1) }()

	waitForCond(t, "route locked and executed", func() bool {
		return route.LockState() == model.LockStateHardLocked &&
			sw.State() == model.SwitchStateTurnout &&
			loco.Speed() == 80
	})
	if sw.LockedBy() != 1 || t2.LockedBy() != 1 {
		t.Fatalf("interlocking incomplete: switch=%d dest=%d", sw.LockedBy(), t2.LockedBy())
	}

	// the train reaches the stop sensor of T2
	m.HardwareFeedbackState(1, 12, model.FeedbackStateOccupied)

	waitForCond(t, "tail slid to T2", func() bool {
		return loco.Track() == t2 && loco.Speed() == model.MinSpeed
	})
	if route.IsInUse() || sw.IsInUse() || t1.IsInUse() {
		t.Fatalf("resources not released behind the train")
	}
	if t2.LockedBy() != 1 {
		t.Fatalf("new tail lost")
	}
}

func waitForCond(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

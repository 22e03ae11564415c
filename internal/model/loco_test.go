package model

import (
	"errors"
	"testing"
	"time"
)

// autoFixture is a small layout for automode scenarios:
//
//	T1 --R1--> T2 [--R2--> T3]
//
// R1 drives on stop feedback 2, overrun feedback 3; R2 on stop feedback
// 4. The locomotive starts on T1 with travel speed 80.
type autoFixture struct {
	control *testControl
	loco    *Loco
	t1, t2  *Track
	t3      *Track
	r1, r2  *Route
}

func newAutoFixture(t *testing.T, withSecond bool) *autoFixture {
	t.Helper()
	control := newTestControl()

	f := &autoFixture{control: control}
	f.t1 = NewTrack(1, "T1")
	f.t2 = NewTrack(2, "T2")
	control.addTrack(f.t1)
	control.addTrack(f.t2)

	f.r1 = NewRoute(control, 1, "R1")
	f.r1.SetAutomode(true)
	f.r1.SetEndpoints(f.t1.ObjectIdentifier(), OrientationRight, f.t2.ObjectIdentifier(), OrientationRight)
	f.r1.SetFeedbacks(FeedbackNone, FeedbackNone, 2, 3)
	f.r1.SetDelay(0)
	control.routes[1] = f.r1
	f.t1.AddRouteFrom(f.r1)

	if withSecond {
		f.t3 = NewTrack(3, "T3")
		control.addTrack(f.t3)
		f.r2 = NewRoute(control, 2, "R2")
		f.r2.SetAutomode(true)
		f.r2.SetEndpoints(f.t2.ObjectIdentifier(), OrientationRight, f.t3.ObjectIdentifier(), OrientationRight)
		f.r2.SetFeedbacks(FeedbackNone, FeedbackNone, 4, FeedbackNone)
		f.r2.SetDelay(0)
		control.routes[2] = f.r2
		f.t2.AddRouteFrom(f.r2)
	}

	f.loco = NewLoco(control, 7, "L7")
	f.loco.SetTrainLength(100)
	f.loco.SetSpeedPresets(200, 80, 40, 20)
	control.locos[7] = f.loco

	if err := f.loco.SetTrack(f.t1); err != nil {
		t.Fatalf("placing loco: %v", err)
	}
	return f
}

func (f *autoFixture) stop(t *testing.T) {
	t.Helper()
	if err := f.loco.Release(); err != nil {
		t.Errorf("releasing loco: %v", err)
	}
}

// S1: happy path with one head.
func TestAutomodeHappyPath(t *testing.T) {
	f := newAutoFixture(t, false)
	defer f.stop(t)

	if err := f.loco.GoToAutoMode(); err != nil {
		t.Fatalf("go to automode: %v", err)
	}

	// the engine locks R1, executes it, and commands travel speed
	waitFor(t, "route locked and loco running", func() bool {
		speed, ok := f.control.lastSpeed()
		return ok && speed == 80 && f.r1.LockState() == LockStateHardLocked
	})
	if f.t2.LockedBy() != f.loco.LocoID() {
		t.Fatalf("destination not owned: %d", f.t2.LockedBy())
	}
	if f.loco.Orientation() != f.r1.FromOrientation() {
		t.Fatalf("orientation %v, want %v", f.loco.Orientation(), f.r1.FromOrientation())
	}

	// P1: in a non-manual state the tail is owned by the loco
	if f.loco.Track() != f.t1 || f.t1.LockedBy() != f.loco.LocoID() {
		t.Fatalf("tail invariant violated")
	}

	// stop feedback fires
	f.loco.LocationReached(2)

	waitFor(t, "stop sequence", func() bool {
		speed, ok := f.control.lastSpeed()
		return ok && speed == MinSpeed && f.loco.Track() == f.t2
	})
	if f.r1.IsInUse() {
		t.Errorf("R1 still owned after stop")
	}
	if f.t1.IsInUse() {
		t.Errorf("T1 still owned after stop")
	}
	if f.t2.LockedBy() != f.loco.LocoID() {
		t.Errorf("T2 not the new tail owner")
	}
}

// S4: the overrun feedback is fatal.
func TestAutomodeOverrun(t *testing.T) {
	f := newAutoFixture(t, false)
	defer f.stop(t)

	if err := f.loco.GoToAutoMode(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "running", func() bool {
		return f.r1.LockState() == LockStateHardLocked
	})

	// overrun fires before stop
	f.loco.LocationReached(3)

	waitFor(t, "error state", func() bool {
		return f.loco.State() == LocoStateError
	})
	if speed, _ := f.control.lastSpeed(); speed != MinSpeed {
		t.Errorf("loco not stopped: %d", speed)
	}
	if f.t1.IsInUse() || f.t2.IsInUse() || f.r1.IsInUse() {
		t.Errorf("resources still owned after overrun")
	}

	// explicit recover returns to manual
	if err := f.loco.RecoverFromError(); err != nil {
		t.Fatalf("recover: %v", err)
	}
	waitFor(t, "manual after recover", func() bool {
		return f.loco.State() == LocoStateManual
	})
}

// S5: a manual request during a run takes effect after the stop
// sequence.
func TestAutomodeManualRequestMidRun(t *testing.T) {
	f := newAutoFixture(t, false)
	defer f.stop(t)

	if err := f.loco.GoToAutoMode(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "running", func() bool {
		return f.r1.LockState() == LockStateHardLocked
	})

	f.loco.RequestManualMode()

	// still in automode until the head route completes
	if f.loco.State() == LocoStateManual {
		t.Fatalf("manual entered before stop sequence")
	}

	f.loco.LocationReached(2)

	waitFor(t, "manual mode", func() bool {
		return f.loco.State() == LocoStateManual
	})
	if f.r1.IsInUse() || f.t1.IsInUse() {
		t.Errorf("R1/T1 still owned after manual transition")
	}
	// the loco keeps its new tail
	if f.loco.Track() != f.t2 || f.t2.LockedBy() != f.loco.LocoID() {
		t.Errorf("tail lost on manual transition")
	}
}

// A manual request while idle between routes takes effect within a tick.
func TestAutomodeManualRequestWhileSearching(t *testing.T) {
	control := newTestControl()
	t1 := NewTrack(1, "T1")
	control.addTrack(t1)
	loco := NewLoco(control, 1, "L1")
	control.locos[1] = loco
	if err := loco.SetTrack(t1); err != nil {
		t.Fatal(err)
	}
	if err := loco.GoToAutoMode(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "searching", func() bool {
		return loco.State() == LocoStateSearchingFirst
	})

	loco.RequestManualMode()
	waitFor(t, "manual", func() bool {
		return loco.State() == LocoStateManual
	})
	// the tail stays locked: the loco is still standing on it
	if t1.LockedBy() != loco.LocoID() {
		t.Errorf("tail released on manual transition")
	}
	if err := loco.Release(); err != nil {
		t.Fatal(err)
	}
	if t1.IsInUse() {
		t.Errorf("tail still owned after release")
	}
}

// S6: two-reserve pipelining.
func TestAutomodeTwoReserve(t *testing.T) {
	f := newAutoFixture(t, true)
	f.control.nrToReserve = 2
	defer f.stop(t)

	if err := f.loco.GoToAutoMode(); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "both routes locked", func() bool {
		return f.r1.LockState() == LockStateHardLocked &&
			f.r2.LockState() == LockStateHardLocked
	})
	if f.t2.LockedBy() != f.loco.LocoID() || f.t3.LockedBy() != f.loco.LocoID() {
		t.Fatalf("heads not owned: T2=%d T3=%d", f.t2.LockedBy(), f.t3.LockedBy())
	}

	// stop of R1: tail slides, R2 stays locked as the new head
	f.loco.LocationReached(2)

	waitFor(t, "tail slid to T2", func() bool {
		return f.loco.Track() == f.t2
	})
	if f.t1.IsInUse() {
		t.Errorf("T1 still owned after slide")
	}
	if f.r2.LockState() != LockStateHardLocked || f.t3.LockedBy() != f.loco.LocoID() {
		t.Errorf("new head lost during slide")
	}
	if f.r1.IsInUse() {
		t.Errorf("R1 still owned after slide")
	}
}

// Booster off pauses the engine: feedback events stay queued and no state
// advances until power returns.
func TestAutomodePausesWithBoosterOff(t *testing.T) {
	f := newAutoFixture(t, false)
	defer f.stop(t)

	if err := f.loco.GoToAutoMode(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "running", func() bool {
		return f.r1.LockState() == LockStateHardLocked
	})

	f.control.setBooster(BoosterStop)
	f.loco.LocationReached(2)

	// give the engine a few ticks: nothing may advance
	time.Sleep(3 * automodeTick)
	if f.loco.Track() != f.t1 {
		t.Fatalf("state advanced with booster off")
	}

	f.control.setBooster(BoosterGo)
	waitFor(t, "queued stop processed after power on", func() bool {
		return f.loco.Track() == f.t2
	})
}

func TestGoToAutoModeRequiresTrack(t *testing.T) {
	control := newTestControl()
	loco := NewLoco(control, 1, "L1")
	control.locos[1] = loco
	if err := loco.GoToAutoMode(); !errors.Is(err, ErrNotOnTrack) {
		t.Fatalf("expected ErrNotOnTrack, got %v", err)
	}
}

func TestSetTrackRefusedInAutomode(t *testing.T) {
	f := newAutoFixture(t, false)
	other := NewTrack(9, "T9")
	f.control.addTrack(other)
	defer f.stop(t)
	if err := f.loco.GoToAutoMode(); err != nil {
		t.Fatal(err)
	}
	if err := f.loco.SetTrack(other); !errors.Is(err, ErrWrongState) {
		t.Fatalf("expected ErrWrongState, got %v", err)
	}
}

// No admissible route: the engine keeps searching without error.
func TestAutomodeKeepsSearchingWithoutRoute(t *testing.T) {
	control := newTestControl()
	t1 := NewTrack(1, "T1")
	control.addTrack(t1)
	loco := NewLoco(control, 1, "L1")
	control.locos[1] = loco
	if err := loco.SetTrack(t1); err != nil {
		t.Fatal(err)
	}
	if err := loco.GoToAutoMode(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "searching", func() bool {
		return loco.State() == LocoStateSearchingFirst
	})
	time.Sleep(2 * automodeTick)
	if loco.State() != LocoStateSearchingFirst {
		t.Fatalf("left searching state without a route: %v", loco.State())
	}
	if err := loco.Release(); err != nil {
		t.Fatal(err)
	}
}

// A blocked destination is never chosen.
func TestAutomodeSkipsBlockedDestination(t *testing.T) {
	f := newAutoFixture(t, false)
	f.t2.SetBlocked(true)
	defer f.stop(t)

	if err := f.loco.GoToAutoMode(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "searching", func() bool {
		return f.loco.State() == LocoStateSearchingFirst
	})
	time.Sleep(2 * automodeTick)
	if f.r1.IsInUse() || f.t2.IsInUse() {
		t.Fatalf("blocked destination was reserved")
	}
}

// A destination owned by another loco is skipped; reservation contention
// surfaces as staying in the searching state, never as a deadlock.
func TestAutomodeSkipsOccupiedDestination(t *testing.T) {
	f := newAutoFixture(t, false)
	if err := f.t2.Reserve(99); err != nil {
		t.Fatal(err)
	}
	defer f.stop(t)

	if err := f.loco.GoToAutoMode(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(3 * automodeTick)
	if f.r1.IsInUse() {
		t.Fatalf("route reserved despite occupied destination")
	}
	if f.t2.LockedBy() != 99 {
		t.Fatalf("destination owner changed: %d", f.t2.LockedBy())
	}
}

// Slaves mirror nothing at the model level; their relations simply do not
// participate in reservation.
func TestSlaveRelationsSkipReservation(t *testing.T) {
	control := newTestControl()
	master := NewLoco(control, 1, "master")
	slave := NewLoco(control, 2, "slave")
	control.locos[1] = master
	control.locos[2] = slave

	rel := NewRelation(control, RouteNone, ObjectIdentifier{Type: ObjectTypeLoco, ID: 2}, 0, 0, false)
	if err := master.AssignSlaves([]*Relation{rel}); err != nil {
		t.Fatal(err)
	}
	if err := rel.Reserve(1); err != nil {
		t.Fatalf("loco-target relation reserve should be a no-op: %v", err)
	}
	if err := rel.Lock(1); err != nil {
		t.Fatalf("loco-target relation lock should be a no-op: %v", err)
	}
}

// Speed phase feedbacks: reduced and creep lower the speed, in order, and
// never raise it.
func TestAutomodeSpeedPhases(t *testing.T) {
	f := newAutoFixture(t, false)
	f.r1.SetFeedbacks(5, 6, 2, 3)
	defer f.stop(t)

	if err := f.loco.GoToAutoMode(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "travel speed", func() bool {
		speed, ok := f.control.lastSpeed()
		return ok && speed == 80
	})

	f.loco.LocationReached(5)
	waitFor(t, "reduced speed", func() bool {
		speed, _ := f.control.lastSpeed()
		return speed == 40
	})

	f.loco.LocationReached(6)
	waitFor(t, "creeping speed", func() bool {
		speed, _ := f.control.lastSpeed()
		return speed == 20
	})

	// a late reduced feedback must not speed the loco back up
	f.loco.LocationReached(5)
	time.Sleep(2 * automodeTick)
	if speed, _ := f.control.lastSpeed(); speed != 20 {
		t.Fatalf("speed raised by late phase feedback: %d", speed)
	}
}

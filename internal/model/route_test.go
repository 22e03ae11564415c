package model

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// newRouteFixture builds T1 -route-> T2 on a fresh control.
func newRouteFixture(relations ...*Relation) (*testControl, *Route, *Track, *Track) {
	control := newTestControl()
	t1 := NewTrack(1, "T1")
	t2 := NewTrack(2, "T2")
	control.addTrack(t1)
	control.addTrack(t2)

	route := NewRoute(control, 1, "T1-T2")
	route.SetAutomode(true)
	route.SetEndpoints(t1.ObjectIdentifier(), OrientationRight, t2.ObjectIdentifier(), OrientationRight)
	route.SetFeedbacks(FeedbackNone, FeedbackNone, 2, FeedbackNone)
	route.SetDelay(0)
	control.routes[route.RouteID()] = route
	t1.AddRouteFrom(route)

	var atLock []*Relation
	atLock = append(atLock, relations...)
	_ = route.AssignRelations(atLock, nil)
	return control, route, t1, t2
}

// P4: reserve fully succeeds, claiming route, destination, and every
// at-lock relation.
func TestRouteReserveClaimsEverything(t *testing.T) {
	control := newTestControl()
	sw := NewSwitch(9, "W9", 1, ProtocolMM, 24)
	control.switches[9] = sw
	rel := NewRelation(control, 1, ObjectIdentifier{Type: ObjectTypeSwitch, ID: 9}, uint8(SwitchStateStraight), 1, false)

	t1 := NewTrack(1, "T1")
	dst := NewTrack(2, "T2")
	control.addTrack(t1)
	control.addTrack(dst)
	route := NewRoute(control, 1, "T1-T2")
	route.SetAutomode(true)
	route.SetEndpoints(t1.ObjectIdentifier(), OrientationRight, dst.ObjectIdentifier(), OrientationRight)
	route.SetDelay(0)
	control.routes[1] = route
	if err := route.AssignRelations([]*Relation{rel}, nil); err != nil {
		t.Fatal(err)
	}

	if err := route.Reserve(5); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if route.LockedBy() != 5 || dst.LockedBy() != 5 || sw.LockedBy() != 5 {
		t.Fatalf("not everything reserved: route=%d dest=%d switch=%d",
			route.LockedBy(), dst.LockedBy(), sw.LockedBy())
	}

	// P3: after lock, every at-lock relation is hard-locked
	if err := route.Lock(5); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if sw.LockState() != LockStateHardLocked || dst.LockState() != LockStateHardLocked {
		t.Fatalf("relations not hard-locked: switch=%v dest=%v", sw.LockState(), dst.LockState())
	}

	// P5: release frees relations and route but not the destination
	if err := route.Release(5); err != nil {
		t.Fatalf("release: %v", err)
	}
	if sw.IsInUse() || route.IsInUse() {
		t.Fatalf("relation or route still owned after release")
	}
	if dst.LockedBy() != 5 {
		t.Fatalf("destination lost its owner on route release")
	}
}

// S3: a relation already owned by another loco rolls the whole
// reservation back, freeing earlier relations, without touching the
// conflicting relation's owner.
func TestRouteReserveRollsBack(t *testing.T) {
	control := newTestControl()
	sw1 := NewSwitch(1, "W1", 1, ProtocolMM, 11)
	sw2 := NewSwitch(2, "W2", 1, ProtocolMM, 12)
	control.switches[1] = sw1
	control.switches[2] = sw2

	t1 := NewTrack(1, "T1")
	dst := NewTrack(2, "T2")
	control.addTrack(t1)
	control.addTrack(dst)

	route := NewRoute(control, 1, "T1-T2")
	route.SetAutomode(true)
	route.SetEndpoints(t1.ObjectIdentifier(), OrientationRight, dst.ObjectIdentifier(), OrientationRight)
	route.SetDelay(0)
	control.routes[1] = route
	rels := []*Relation{
		NewRelation(control, 1, ObjectIdentifier{Type: ObjectTypeSwitch, ID: 1}, uint8(SwitchStateStraight), 1, false),
		NewRelation(control, 1, ObjectIdentifier{Type: ObjectTypeSwitch, ID: 2}, uint8(SwitchStateTurnout), 2, false),
	}
	if err := route.AssignRelations(rels, nil); err != nil {
		t.Fatal(err)
	}

	// Sw2 is already owned by loco 2
	if err := sw2.Reserve(2); err != nil {
		t.Fatal(err)
	}

	err := route.Reserve(1)
	if !errors.Is(err, ErrAlreadyLocked) {
		t.Fatalf("expected ErrAlreadyLocked, got %v", err)
	}

	if sw1.IsInUse() {
		t.Errorf("sw1 still owned after rollback: %d", sw1.LockedBy())
	}
	if route.LockState() != LockStateFree {
		t.Errorf("route not free after rollback: %v", route.LockState())
	}
	if dst.IsInUse() {
		t.Errorf("destination still owned after rollback: %d", dst.LockedBy())
	}
	if sw2.LockedBy() != 2 {
		t.Errorf("sw2 owner changed: %d", sw2.LockedBy())
	}
}

// S2: two locos contending for one route; exactly one wins, the other
// fails without altering the relation's owner.
func TestRouteContention(t *testing.T) {
	control := newTestControl()
	sw := NewSwitch(1, "W1", 1, ProtocolMM, 11)
	control.switches[1] = sw
	t1 := NewTrack(1, "T1")
	dst := NewTrack(2, "T2")
	control.addTrack(t1)
	control.addTrack(dst)
	route := NewRoute(control, 1, "T1-T2")
	route.SetAutomode(true)
	route.SetEndpoints(t1.ObjectIdentifier(), OrientationRight, dst.ObjectIdentifier(), OrientationRight)
	route.SetDelay(0)
	control.routes[1] = route
	_ = route.AssignRelations([]*Relation{
		NewRelation(control, 1, ObjectIdentifier{Type: ObjectTypeSwitch, ID: 1}, uint8(SwitchStateStraight), 1, false),
	}, nil)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n] = route.Reserve(LocoID(n + 1))
		}(i)
	}
	wg.Wait()

	var successes int
	var winner LocoID
	for i, err := range results {
		if err == nil {
			successes++
			winner = LocoID(i + 1)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one successful reserve, got %d", successes)
	}
	if sw.LockedBy() != winner {
		t.Fatalf("switch owner %d is not the winner %d", sw.LockedBy(), winner)
	}
}

func TestRouteAdmissibilityGate(t *testing.T) {
	control := newTestControl()
	from := ObjectIdentifier{Type: ObjectTypeTrack, ID: 1}

	route := NewRoute(control, 1, "gate")
	route.SetAutomode(true)
	route.SetEndpoints(from, OrientationRight, ObjectIdentifier{Type: ObjectTypeTrack, ID: 2}, OrientationLeft)
	route.SetTrainLengthBounds(50, 200)
	route.SetPushpull(PushpullBoth)

	loco := NewLoco(control, 1, "L")
	loco.SetTrainLength(100)

	cases := []struct {
		name      string
		prep      func()
		from      ObjectIdentifier
		orient    Orientation
		allowTurn bool
		want      bool
	}{
		{"matching", func() {}, from, OrientationRight, false, true},
		{"wrong origin", func() {}, ObjectIdentifier{Type: ObjectTypeTrack, ID: 9}, OrientationRight, false, false},
		{"wrong orientation", func() {}, from, OrientationLeft, false, false},
		{"turn allowed without pushpull", func() {}, from, OrientationLeft, true, false},
		{"turn allowed with pushpull", func() { loco.SetPushpull(true) }, from, OrientationLeft, true, true},
		{"too short", func() { loco.SetTrainLength(10) }, from, OrientationRight, false, false},
		{"too long", func() { loco.SetTrainLength(500) }, from, OrientationRight, false, false},
		{"unbounded max", func() {
			loco.SetTrainLength(500)
			route.SetTrainLengthBounds(50, 0)
		}, from, OrientationRight, false, true},
		{"pushpull only rejects plain", func() {
			loco.SetTrainLength(100)
			loco.SetPushpull(false)
			route.SetPushpull(PushpullOnly)
		}, from, OrientationRight, false, false},
		{"pushpull no rejects pushpull", func() {
			loco.SetPushpull(true)
			route.SetPushpull(PushpullNo)
		}, from, OrientationRight, false, false},
		{"automode off", func() {
			route.SetPushpull(PushpullBoth)
			loco.SetPushpull(false)
			route.SetAutomode(false)
		}, from, OrientationRight, false, false},
	}
	for _, tc := range cases {
		tc.prep()
		if got := route.FromTrackDirection(nil, tc.from, tc.orient, loco, tc.allowTurn); got != tc.want {
			t.Errorf("%s: got %t, want %t", tc.name, got, tc.want)
		}
	}
}

func TestRouteExecuteSetsRelationStates(t *testing.T) {
	control := newTestControl()
	sw := NewSwitch(1, "W1", 1, ProtocolMM, 11)
	control.switches[1] = sw
	t1 := NewTrack(1, "T1")
	dst := NewTrack(2, "T2")
	control.addTrack(t1)
	control.addTrack(dst)

	route := NewRoute(control, 1, "T1-T2")
	route.SetAutomode(true)
	route.SetEndpoints(t1.ObjectIdentifier(), OrientationRight, dst.ObjectIdentifier(), OrientationRight)
	route.SetDelay(0)
	control.routes[1] = route
	_ = route.AssignRelations([]*Relation{
		NewRelation(control, 1, ObjectIdentifier{Type: ObjectTypeSwitch, ID: 1}, uint8(SwitchStateTurnout), 1, false),
	}, nil)

	before := route.Counter()
	if err := route.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if sw.State() != SwitchStateTurnout {
		t.Errorf("switch state = %v", sw.State())
	}
	if route.Counter() != before+1 {
		t.Errorf("counter not bumped")
	}
	if route.LastUsed().IsZero() {
		t.Errorf("last used not stamped")
	}
}

// A failing relation mid-execute leaves earlier relations' effects in
// place: execute does not roll back side effects.
func TestRouteExecuteDoesNotRollBack(t *testing.T) {
	control := newTestControl()
	sw := NewSwitch(1, "W1", 1, ProtocolMM, 11)
	control.switches[1] = sw
	t1 := NewTrack(1, "T1")
	dst := NewTrack(2, "T2")
	control.addTrack(t1)
	control.addTrack(dst)

	route := NewRoute(control, 1, "T1-T2")
	route.SetAutomode(true)
	route.SetEndpoints(t1.ObjectIdentifier(), OrientationRight, dst.ObjectIdentifier(), OrientationRight)
	route.SetDelay(0)
	control.routes[1] = route
	_ = route.AssignRelations([]*Relation{
		NewRelation(control, 1, ObjectIdentifier{Type: ObjectTypeSwitch, ID: 1}, uint8(SwitchStateTurnout), 1, false),
		// unknown switch: execution fails here
		NewRelation(control, 1, ObjectIdentifier{Type: ObjectTypeSwitch, ID: 99}, uint8(SwitchStateStraight), 2, false),
	}, nil)

	if err := route.Execute(); err == nil {
		t.Fatal("expected execute failure")
	}
	if sw.State() != SwitchStateTurnout {
		t.Errorf("earlier relation effect rolled back: %v", sw.State())
	}
}

func TestRouteRefusesWithBoosterOff(t *testing.T) {
	control, route, _, _ := newRouteFixture()
	control.setBooster(BoosterStop)

	if err := route.Reserve(1); !errors.Is(err, ErrBoosterOff) {
		t.Errorf("reserve with booster off: %v", err)
	}
	if err := route.Execute(); !errors.Is(err, ErrBoosterOff) {
		t.Errorf("execute with booster off: %v", err)
	}
}

func TestRouteAssignRelationsRefusedInUse(t *testing.T) {
	control, route, _, _ := newRouteFixture()
	_ = control
	if err := route.Reserve(1); err != nil {
		t.Fatal(err)
	}
	if err := route.AssignRelations(nil, nil); !errors.Is(err, ErrInUse) {
		t.Fatalf("expected ErrInUse, got %v", err)
	}
}

func TestRouteRelationOrdering(t *testing.T) {
	control := newTestControl()
	route := NewRoute(control, 1, "ordered")
	rels := []*Relation{
		NewRelation(control, 1, ObjectIdentifier{Type: ObjectTypeSwitch, ID: 3}, 0, 3, false),
		NewRelation(control, 1, ObjectIdentifier{Type: ObjectTypeSwitch, ID: 1}, 0, 1, false),
		NewRelation(control, 1, ObjectIdentifier{Type: ObjectTypeSwitch, ID: 2}, 0, 2, false),
	}
	if err := route.AssignRelations(rels, nil); err != nil {
		t.Fatal(err)
	}
	got := route.AtLock()
	for i, want := range []ObjectID{1, 2, 3} {
		if got[i].Target().ID != want {
			t.Fatalf("relation %d target %d, want %d", i, got[i].Target().ID, want)
		}
	}
}

func TestSelectRouteApproaches(t *testing.T) {
	control := newTestControl()
	short := NewTrack(1, "short")
	short.SetLength(50)
	long := NewTrack(2, "long")
	long.SetLength(500)
	control.addTrack(short)
	control.addTrack(long)

	toShort := NewRoute(control, 1, "to short")
	toShort.SetEndpoints(ObjectIdentifier{}, OrientationRight, short.ObjectIdentifier(), OrientationRight)
	toLong := NewRoute(control, 2, "to long")
	toLong.SetEndpoints(ObjectIdentifier{}, OrientationRight, long.ObjectIdentifier(), OrientationRight)

	toShort.updateMu.Lock()
	toShort.lastUsed = time.Now()
	toShort.updateMu.Unlock()
	// toLong never used

	byLength := orderRoutes([]*Route{toLong, toShort}, SelectRouteMinTrackLength, control)
	if byLength[0] != toShort {
		t.Errorf("min-track-length should prefer the short destination")
	}

	byAge := orderRoutes([]*Route{toShort, toLong}, SelectRouteLongestUnused, control)
	if byAge[0] != toLong {
		t.Errorf("longest-unused should prefer the never-used route")
	}

	keep := orderRoutes([]*Route{toShort, toLong}, SelectRouteDoNotCare, control)
	if keep[0] != toShort || keep[1] != toLong {
		t.Errorf("do-not-care should keep declaration order")
	}
}

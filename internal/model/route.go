package model

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// PushpullType is the push-pull admission policy of a route.
type PushpullType uint8

// Push-pull policies.
const (
	PushpullNo   PushpullType = 0
	PushpullOnly PushpullType = 1
	PushpullBoth PushpullType = 2
)

// RouteSpeed is the speed class a route prescribes while it is driven.
type RouteSpeed uint8

// Route speed classes, mapping onto the locomotive's speed presets.
const (
	RouteSpeedMax      RouteSpeed = 0
	RouteSpeedTravel   RouteSpeed = 1
	RouteSpeedReduced  RouteSpeed = 2
	RouteSpeedCreeping RouteSpeed = 3
)

// DefaultRouteDelay is the inter-command spacing applied between relation
// executions when a route does not configure its own.
const DefaultRouteDelay = 250 * time.Millisecond

// Route is a directed edge between two track-bases. Locking a route
// reserves and hard-locks its destination and every at-lock relation
// target; executing it drives the relation targets to their prescribed
// states; releasing it frees everything except the destination, which the
// locomotive keeps as its new tail.
type Route struct {
	LayoutItem
	Lockable

	control Control

	// updateMu covers relation traversal and the mutable route attributes.
	// The embedded Lockable has its own mutex; lock ordering is always
	// updateMu before any Lockable.
	updateMu sync.Mutex

	automode         bool
	delay            time.Duration
	pushpull         PushpullType
	minTrainLength   Length
	maxTrainLength   Length
	speed            RouteSpeed
	from             ObjectIdentifier
	fromOrientation  Orientation
	to               ObjectIdentifier
	toOrientation    Orientation
	feedbackReduced  FeedbackID
	feedbackCreep    FeedbackID
	feedbackStop     FeedbackID
	feedbackOver     FeedbackID
	waitAfterRelease time.Duration

	lastUsed time.Time
	counter  uint32

	atLock   []*Relation
	atUnlock []*Relation
}

// NewRoute creates a route edge.
func NewRoute(control Control, id RouteID, name string) *Route {
	r := &Route{control: control}
	r.Object = NewObject(ObjectID(id), name)
	r.visible = true
	r.pushpull = PushpullBoth
	r.speed = RouteSpeedTravel
	r.delay = DefaultRouteDelay
	return r
}

// RouteID returns the typed identifier.
func (r *Route) RouteID() RouteID { return RouteID(r.id) }

// Automode reports whether the route may be used by automatic mode.
func (r *Route) Automode() bool { return r.automode }

// SetAutomode admits or bars the route for automatic mode.
func (r *Route) SetAutomode(v bool) { r.automode = v }

// From returns the origin track-base.
func (r *Route) From() ObjectIdentifier { return r.from }

// FromOrientation returns the departure orientation at the origin.
func (r *Route) FromOrientation() Orientation { return r.fromOrientation }

// To returns the destination track-base.
func (r *Route) To() ObjectIdentifier { return r.to }

// ToOrientation returns the arrival orientation at the destination.
func (r *Route) ToOrientation() Orientation { return r.toOrientation }

// SetEndpoints wires the route between two track-bases.
func (r *Route) SetEndpoints(from ObjectIdentifier, fromOrientation Orientation, to ObjectIdentifier, toOrientation Orientation) {
	r.from = from
	r.fromOrientation = fromOrientation
	r.to = to
	r.toOrientation = toOrientation
}

// Speed returns the speed class.
func (r *Route) Speed() RouteSpeed { return r.speed }

// SetSpeed sets the speed class.
func (r *Route) SetSpeed(s RouteSpeed) { r.speed = s }

// Pushpull returns the push-pull admission policy.
func (r *Route) Pushpull() PushpullType { return r.pushpull }

// SetPushpull sets the push-pull admission policy.
func (r *Route) SetPushpull(p PushpullType) { r.pushpull = p }

// TrainLengthBounds returns the admissible train length interval. Zero
// means unbounded on either side.
func (r *Route) TrainLengthBounds() (min, max Length) {
	return r.minTrainLength, r.maxTrainLength
}

// SetTrainLengthBounds sets the admissible train length interval.
func (r *Route) SetTrainLengthBounds(min, max Length) {
	r.minTrainLength = min
	r.maxTrainLength = max
}

// Delay returns the inter-command spacing of relation execution.
func (r *Route) Delay() time.Duration { return r.delay }

// SetDelay sets the inter-command spacing of relation execution.
func (r *Route) SetDelay(d time.Duration) { r.delay = d }

// WaitAfterRelease returns the pause the locomotive honours after this
// route is released before it searches again.
func (r *Route) WaitAfterRelease() time.Duration { return r.waitAfterRelease }

// SetWaitAfterRelease sets the post-release pause.
func (r *Route) SetWaitAfterRelease(d time.Duration) { r.waitAfterRelease = d }

// Feedbacks returns the four phase feedbacks (reduced, creep, stop, over).
// Any may be FeedbackNone except stop for automode routes.
func (r *Route) Feedbacks() (reduced, creep, stop, over FeedbackID) {
	return r.feedbackReduced, r.feedbackCreep, r.feedbackStop, r.feedbackOver
}

// SetFeedbacks assigns the phase feedbacks.
func (r *Route) SetFeedbacks(reduced, creep, stop, over FeedbackID) {
	r.feedbackReduced = reduced
	r.feedbackCreep = creep
	r.feedbackStop = stop
	r.feedbackOver = over
}

// LastUsed returns the time the route was last executed.
func (r *Route) LastUsed() time.Time {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()
	return r.lastUsed
}

// Counter returns how many times the route has been executed.
func (r *Route) Counter() uint32 {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()
	return r.counter
}

// AtLock returns the ordered at-lock relations.
func (r *Route) AtLock() []*Relation {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()
	out := make([]*Relation, len(r.atLock))
	copy(out, r.atLock)
	return out
}

// AtUnlock returns the ordered at-unlock relations.
func (r *Route) AtUnlock() []*Relation {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()
	out := make([]*Relation, len(r.atUnlock))
	copy(out, r.atUnlock)
	return out
}

// AssignRelations replaces both relation lists. Refused while the route is
// not free; the lists are kept sorted by ascending priority, which is the
// lock acquisition order.
func (r *Route) AssignRelations(atLock, atUnlock []*Relation) error {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()
	if r.Lockable.IsInUse() {
		return fmt.Errorf("%w: route %q", ErrInUse, r.name)
	}
	sortRelations(atLock)
	sortRelations(atUnlock)
	r.atLock = atLock
	r.atUnlock = atUnlock
	return nil
}

func sortRelations(relations []*Relation) {
	sort.SliceStable(relations, func(i, j int) bool {
		return relations[i].Priority() < relations[j].Priority()
	})
}

// FromTrackDirection is the admissibility gate of route selection: the
// route must be enabled for automode, leave the requested origin in the
// requested orientation (or the locomotive can turn), admit the train's
// length, and accept its push-pull type.
func (r *Route) FromTrackDirection(logger Logger, from ObjectIdentifier, orientation Orientation, loco *Loco, allowLocoTurn bool) bool {
	if logger == nil {
		logger = noopLogger{}
	}
	if !r.automode {
		return false
	}
	if r.from != from {
		return false
	}

	locoLength := loco.TrainLength()
	if locoLength < r.minTrainLength {
		logger.Debug("train too short for route", "route", r.name)
		return false
	}
	if r.maxTrainLength > 0 && locoLength > r.maxTrainLength {
		logger.Debug("train too long for route", "route", r.name)
		return false
	}

	pushpull := loco.Pushpull()
	if r.pushpull != PushpullBoth {
		if (r.pushpull == PushpullOnly) != pushpull {
			logger.Debug("push-pull type not admitted", "route", r.name)
			return false
		}
	}

	if allowLocoTurn && pushpull {
		return true
	}
	if r.fromOrientation != orientation {
		logger.Debug("departure orientation differs", "route", r.name)
		return false
	}
	return true
}

// Reserve soft-claims the route, its destination track-base, and every
// at-lock relation target for loco, in relation priority order. On any
// failure everything reserved so far is rolled back and the route is left
// exactly as before the call.
func (r *Route) Reserve(loco LocoID) error {
	if r.control.Booster() != BoosterGo {
		return ErrBoosterOff
	}
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	if err := r.Lockable.Reserve(loco); err != nil {
		return fmt.Errorf("route %q: %w", r.name, err)
	}

	if r.automode {
		track, err := r.destination()
		if err != nil {
			r.releaseInternal(loco)
			return err
		}
		if track.Blocked() {
			r.releaseInternal(loco)
			return fmt.Errorf("%w: destination %q blocked", ErrAlreadyLocked, track.BaseName())
		}
		if err := track.Reserve(loco); err != nil {
			r.releaseInternal(loco)
			return fmt.Errorf("destination %q: %w", track.BaseName(), err)
		}
	}

	for i, relation := range r.atLock {
		if err := relation.Reserve(loco); err != nil {
			r.rollbackRelations(loco, i)
			r.releaseDestination(loco)
			r.releaseSelf(loco)
			return fmt.Errorf("route %q relation %d: %w", r.name, i, err)
		}
	}
	return nil
}

// Lock upgrades a reservation held by loco to hard locks: the route
// itself, the destination, and every at-lock relation target. When the
// destination cannot be locked, the route and its relations are released;
// when a relation cannot be locked, the destination is released too. A
// refusal because the booster is off, or because loco does not hold the
// route, leaves the existing reservation unchanged.
func (r *Route) Lock(loco LocoID) error {
	if r.control.Booster() != BoosterGo {
		return ErrBoosterOff
	}
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	if err := r.Lockable.Lock(loco); err != nil {
		return fmt.Errorf("route %q: %w", r.name, err)
	}

	if r.automode {
		track, err := r.destination()
		if err != nil {
			r.releaseInternal(loco)
			return err
		}
		if err := track.Lock(loco); err != nil {
			r.releaseInternal(loco)
			return fmt.Errorf("destination %q: %w", track.BaseName(), err)
		}
	}

	for _, relation := range r.atLock {
		if err := relation.Lock(loco); err != nil {
			r.releaseInternalWithToTrack(loco)
			return fmt.Errorf("route %q: %w", r.name, err)
		}
	}
	return nil
}

// Execute drives every at-lock relation target to its prescribed state
// with the route's inter-command spacing. Relations already executed stand
// when a later one fails; drivers handle physical idempotence. The use
// counter and last-used stamp are updated on success.
func (r *Route) Execute() error {
	if r.control.Booster() != BoosterGo {
		return ErrBoosterOff
	}
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	for i, relation := range r.atLock {
		if err := relation.Execute(r.delay); err != nil {
			return fmt.Errorf("route %q relation %d: %w", r.name, i, err)
		}
	}
	r.lastUsed = time.Now()
	r.counter++
	return nil
}

// ExecuteAtUnlock drives the at-unlock relation targets. It runs when the
// locomotive completes the route, before the route is released.
func (r *Route) ExecuteAtUnlock() error {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()
	for i, relation := range r.atUnlock {
		if err := relation.Execute(r.delay); err != nil {
			return fmt.Errorf("route %q unlock relation %d: %w", r.name, i, err)
		}
	}
	return nil
}

// Release frees every at-lock relation target and the route itself. The
// destination track-base stays with the locomotive: it is the new tail and
// is released separately when the locomotive leaves it.
func (r *Route) Release(loco LocoID) error {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()
	return r.releaseInternal(loco)
}

// ReleaseWithDestination frees the route, its relations, and the
// destination track-base. Used for rollback and for force-releasing a
// locomotive.
func (r *Route) ReleaseWithDestination(loco LocoID) {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()
	r.releaseInternalWithToTrack(loco)
}

// releaseInternal releases relations in reverse priority order, then the
// route. Callers hold updateMu.
func (r *Route) releaseInternal(loco LocoID) error {
	r.rollbackRelations(loco, len(r.atLock))
	return r.releaseSelf(loco)
}

func (r *Route) releaseInternalWithToTrack(loco LocoID) {
	r.releaseDestination(loco)
	_ = r.releaseInternal(loco)
}

// rollbackRelations releases the first n relations in reverse order.
func (r *Route) rollbackRelations(loco LocoID, n int) {
	for i := n - 1; i >= 0; i-- {
		r.atLock[i].Release(loco)
	}
}

func (r *Route) releaseDestination(loco LocoID) {
	if !r.automode {
		return
	}
	track, err := r.destination()
	if err != nil {
		return
	}
	_ = track.Release(loco)
	r.control.TrackBaseStateChanged(r.to)
}

func (r *Route) releaseSelf(loco LocoID) error {
	if err := r.Lockable.Release(loco); err != nil {
		return err
	}
	return nil
}

func (r *Route) destination() (TrackBase, error) {
	if !r.to.IsTrackBase() {
		return nil, fmt.Errorf("%w: route %q has no destination", ErrUnknownObject, r.name)
	}
	return r.control.TrackBaseFor(r.to)
}

// Serialize renders the persisted form. Relations persist separately in
// the relations table.
func (r *Route) Serialize() string {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()
	b := newSerialBuilder(ObjectTypeRoute)
	r.serializeLayoutItem(b)
	r.serializeLockable(b)
	b.addBool("automode", r.automode)
	b.addInt("delay", int(r.delay/time.Millisecond))
	b.addInt("pushpull", int(r.pushpull))
	b.addInt("mintrainlength", int(r.minTrainLength))
	b.addInt("maxtrainlength", int(r.maxTrainLength))
	b.addInt("speed", int(r.speed))
	b.add("fromTrack", r.from.String())
	b.add("fromOrientation", r.fromOrientation.serial())
	b.add("toTrack", r.to.String())
	b.add("toOrientation", r.toOrientation.serial())
	b.addInt("feedbackIdReduced", int(r.feedbackReduced))
	b.addInt("feedbackIdCreep", int(r.feedbackCreep))
	b.addInt("feedbackIdStop", int(r.feedbackStop))
	b.addInt("feedbackIdOver", int(r.feedbackOver))
	b.addInt("waitafterrelease", int(r.waitAfterRelease/time.Second))
	b.addInt("lastused", int(r.lastUsed.Unix()))
	b.addInt("counter", int(r.counter))
	return b.String()
}

// Deserialize restores the route from its persisted form.
func (r *Route) Deserialize(serialized string) error {
	args := ParseArguments(serialized)
	if objectTypeOf(args) != ObjectTypeRoute.String() {
		return fmt.Errorf("%w: not a route: %q", ErrInvalidSerialization, serialized)
	}
	r.updateMu.Lock()
	defer r.updateMu.Unlock()
	r.deserializeLayoutItem(args)
	r.deserializeLockable(args)
	r.automode = argBool(args, "automode", false)
	r.delay = time.Duration(argInt(args, "delay", int(DefaultRouteDelay/time.Millisecond))) * time.Millisecond
	r.pushpull = PushpullType(argInt(args, "pushpull", int(PushpullBoth)))
	r.minTrainLength = Length(argInt(args, "mintrainlength", 0))
	r.maxTrainLength = Length(argInt(args, "maxtrainlength", 0))
	r.speed = RouteSpeed(argInt(args, "speed", int(RouteSpeedTravel)))
	from, err := ParseObjectIdentifier(argString(args, "fromTrack", ""))
	if err != nil {
		return err
	}
	to, err := ParseObjectIdentifier(argString(args, "toTrack", ""))
	if err != nil {
		return err
	}
	r.from = from
	r.fromOrientation = orientationFromSerial(argString(args, "fromOrientation", "1"))
	r.to = to
	r.toOrientation = orientationFromSerial(argString(args, "toOrientation", "0"))
	r.feedbackReduced = FeedbackID(argInt(args, "feedbackIdReduced", int(FeedbackNone)))
	r.feedbackCreep = FeedbackID(argInt(args, "feedbackIdCreep", int(FeedbackNone)))
	r.feedbackStop = FeedbackID(argInt(args, "feedbackIdStop", int(FeedbackNone)))
	r.feedbackOver = FeedbackID(argInt(args, "feedbackIdOver", int(FeedbackNone)))
	r.waitAfterRelease = time.Duration(argInt(args, "waitafterrelease", 0)) * time.Second
	if lastUsed := argInt(args, "lastused", 0); lastUsed > 0 {
		r.lastUsed = time.Unix(int64(lastUsed), 0)
	}
	r.counter = uint32(argInt(args, "counter", 0))
	return nil
}

package model

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// LocoState is the automode engine state of a locomotive.
type LocoState uint8

// Locomotive states. Manual and Terminated are the only states without a
// running automode goroutine.
const (
	LocoStateManual LocoState = iota
	LocoStateTerminated
	LocoStateOff
	LocoStateSearchingFirst
	LocoStateSearchingSecond
	LocoStateRunning
	LocoStateStopping
	LocoStateError
)

// String returns the state name shown in the UI.
func (s LocoState) String() string {
	switch s {
	case LocoStateTerminated:
		return "terminated"
	case LocoStateOff:
		return "off"
	case LocoStateSearchingFirst:
		return "searching-first"
	case LocoStateSearchingSecond:
		return "searching-second"
	case LocoStateRunning:
		return "running"
	case LocoStateStopping:
		return "stopping"
	case LocoStateError:
		return "error"
	default:
		return "manual"
	}
}

// automodeTick bounds the wake latency of the automode loop: manual-mode
// requests and booster changes are observed within this period even when
// no feedback arrives.
const automodeTick = 250 * time.Millisecond

// feedbackQueueSize bounds the per-locomotive feedback queue. Events
// beyond it are dropped with a warning; a healthy layout produces a
// handful of events per block passage.
const feedbackQueueSize = 64

// LocoFunctions is the 32-slot function state array of a locomotive.
// It serializes as a bit string.
type LocoFunctions struct {
	states [MaxLocoFunctions]bool
}

// Set stores the state of one function slot.
func (f *LocoFunctions) Set(nr FunctionNr, on bool) {
	if nr >= MaxLocoFunctions {
		return
	}
	f.states[nr] = on
}

// Get returns the state of one function slot.
func (f *LocoFunctions) Get(nr FunctionNr) bool {
	if nr >= MaxLocoFunctions {
		return false
	}
	return f.states[nr]
}

// Serialize renders the bit-string form.
func (f *LocoFunctions) Serialize() string {
	var sb strings.Builder
	for _, on := range f.states {
		if on {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}

// Deserialize restores the bit-string form.
func (f *LocoFunctions) Deserialize(s string) {
	for i := range f.states {
		f.states[i] = i < len(s) && s[i] == '1'
	}
}

// Loco is a locomotive: its decoder addressing, speed presets, and the
// automode engine driving it between track-bases.
//
// While the engine runs, the locomotive owns a tail track-base (trackFrom)
// and up to two head resources (trackFirst and, in two-reserve mode,
// trackSecond), all hard-locked. Feedback events for blocks it owns arrive
// on a FIFO queue and are processed by the engine goroutine in
// hardware-delivery order.
type Loco struct {
	Object

	control Control
	logger  Logger

	controlID ControlID
	protocol  Protocol
	address   Address
	length    Length
	pushpull  bool

	maxSpeed      Speed
	travelSpeed   Speed
	reducedSpeed  Speed
	creepingSpeed Speed

	// stateMu guards every runtime field below.
	stateMu sync.Mutex

	speed       Speed
	orientation Orientation
	functions   LocoFunctions
	slaves      []*Relation

	state             LocoState
	requestManualMode bool
	terminate         bool

	trackFrom   TrackBase
	trackFirst  TrackBase
	trackSecond TrackBase
	routeFirst  *Route
	routeSecond *Route

	feedbackReduced FeedbackID
	feedbackCreep   FeedbackID
	feedbackStop    FeedbackID
	feedbackOver    FeedbackID

	waitUntil time.Time

	feedbackReached chan FeedbackID
	engineDone      chan struct{}
}

// NewLoco creates a locomotive.
func NewLoco(control Control, id LocoID, name string) *Loco {
	l := &Loco{
		control:         control,
		logger:          noopLogger{},
		orientation:     OrientationRight,
		state:           LocoStateManual,
		feedbackReached: make(chan FeedbackID, feedbackQueueSize),
	}
	l.Object = NewObject(ObjectID(id), name)
	return l
}

// SetLogger installs the locomotive's named logger.
func (l *Loco) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	l.logger = logger
}

// LocoID returns the typed identifier.
func (l *Loco) LocoID() LocoID { return LocoID(l.id) }

// ControlID returns the control driving the decoder.
func (l *Loco) ControlID() ControlID { return l.controlID }

// Protocol returns the decoder protocol.
func (l *Loco) Protocol() Protocol { return l.protocol }

// Address returns the decoder address.
func (l *Loco) Address() Address { return l.address }

// SetAddressing updates the decoder addressing.
func (l *Loco) SetAddressing(controlID ControlID, protocol Protocol, address Address) {
	l.controlID = controlID
	l.protocol = protocol
	l.address = address
}

// TrainLength returns the train length used by route admissibility.
func (l *Loco) TrainLength() Length { return l.length }

// SetTrainLength sets the train length.
func (l *Loco) SetTrainLength(length Length) { l.length = length }

// Pushpull reports whether the train can run equivalently in either
// orientation without being turned.
func (l *Loco) Pushpull() bool { return l.pushpull }

// SetPushpull sets the push-pull capability.
func (l *Loco) SetPushpull(v bool) { l.pushpull = v }

// SpeedPresets returns the four speed presets.
func (l *Loco) SpeedPresets() (max, travel, reduced, creeping Speed) {
	return l.maxSpeed, l.travelSpeed, l.reducedSpeed, l.creepingSpeed
}

// SetSpeedPresets sets the four speed presets.
func (l *Loco) SetSpeedPresets(max, travel, reduced, creeping Speed) {
	l.maxSpeed = max
	l.travelSpeed = travel
	l.reducedSpeed = reduced
	l.creepingSpeed = creeping
}

// Speed returns the current commanded speed.
func (l *Loco) Speed() Speed {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return l.speed
}

// StoreSpeed records the commanded speed. Dispatch to hardware and slaves
// is the manager's job; entities never talk to drivers directly.
func (l *Loco) StoreSpeed(speed Speed) {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	l.speed = speed
}

// Orientation returns the current orientation.
func (l *Loco) Orientation() Orientation {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return l.orientation
}

// StoreOrientation records the orientation.
func (l *Loco) StoreOrientation(o Orientation) {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	l.orientation = o
}

// Function returns the state of a function slot.
func (l *Loco) Function(nr FunctionNr) bool {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return l.functions.Get(nr)
}

// StoreFunction records the state of a function slot.
func (l *Loco) StoreFunction(nr FunctionNr, on bool) {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	l.functions.Set(nr, on)
}

// Slaves returns the multiple-unit slave relations.
func (l *Loco) Slaves() []*Relation {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	out := make([]*Relation, len(l.slaves))
	copy(out, l.slaves)
	return out
}

// AssignSlaves replaces the multiple-unit slave relations. Slaves mirror
// the master's speed, orientation, and function commands; they do not take
// part in reservation.
func (l *Loco) AssignSlaves(slaves []*Relation) error {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	if l.state != LocoStateManual && l.state != LocoStateTerminated {
		return fmt.Errorf("%w: loco %q is in automode", ErrInUse, l.name)
	}
	l.slaves = slaves
	return nil
}

// State returns the automode engine state.
func (l *Loco) State() LocoState {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return l.state
}

// IsInAutoMode reports whether the automode engine owns this locomotive.
func (l *Loco) IsInAutoMode() bool {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return l.state != LocoStateManual && l.state != LocoStateTerminated
}

// IsInUse reports whether the locomotive may be mutated or deleted.
func (l *Loco) IsInUse() bool {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return l.speed > 0 ||
		(l.state != LocoStateManual && l.state != LocoStateTerminated) ||
		l.trackFrom != nil ||
		l.routeFirst != nil
}

// Track returns the tail track-base the locomotive currently sits on.
func (l *Loco) Track() TrackBase {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return l.trackFrom
}

// SetTrack places the locomotive on a track-base, reserving and
// hard-locking it. Only allowed outside automode and when the locomotive
// is not already placed.
func (l *Loco) SetTrack(track TrackBase) error {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	if l.state != LocoStateManual && l.state != LocoStateTerminated {
		return fmt.Errorf("%w: loco %q is in automode", ErrWrongState, l.name)
	}
	if l.trackFrom != nil {
		return fmt.Errorf("%w: loco %q already on %q", ErrInUse, l.name, l.trackFrom.BaseName())
	}
	if err := track.Reserve(l.LocoID()); err != nil {
		return err
	}
	if err := track.Lock(l.LocoID()); err != nil {
		_ = track.Release(l.LocoID())
		return err
	}
	l.trackFrom = track
	l.orientation = track.Orientation()
	return nil
}

// Release frees everything the locomotive owns and puts it back into
// manual mode. The automode engine, if running, is terminated first.
func (l *Loco) Release() error {
	l.stateMu.Lock()
	var done chan struct{}
	if l.state != LocoStateManual && l.state != LocoStateTerminated {
		l.terminate = true
		done = l.engineDone
	}
	l.stateMu.Unlock()
	if done != nil {
		<-done
	}

	l.stateMu.Lock()
	l.releaseEverything()
	l.state = LocoStateManual
	l.requestManualMode = false
	l.terminate = false
	l.stateMu.Unlock()

	l.control.LocoReleased(l.LocoID())
	return nil
}

// releaseEverything frees routes and tracks. Callers hold stateMu.
func (l *Loco) releaseEverything() {
	id := l.LocoID()
	if l.routeSecond != nil {
		l.routeSecond.ReleaseWithDestination(id)
		l.control.RouteReleased(l.routeSecond.RouteID())
		l.routeSecond = nil
		l.trackSecond = nil
	}
	if l.routeFirst != nil {
		l.routeFirst.ReleaseWithDestination(id)
		l.control.RouteReleased(l.routeFirst.RouteID())
		l.routeFirst = nil
		l.trackFirst = nil
	}
	if l.trackSecond != nil {
		_ = l.trackSecond.Release(id)
		l.control.TrackBaseStateChanged(l.trackSecond.ObjectIdentifier())
		l.trackSecond = nil
	}
	if l.trackFirst != nil {
		_ = l.trackFirst.Release(id)
		l.control.TrackBaseStateChanged(l.trackFirst.ObjectIdentifier())
		l.trackFirst = nil
	}
	if l.trackFrom != nil {
		_ = l.trackFrom.Release(id)
		l.control.TrackBaseStateChanged(l.trackFrom.ObjectIdentifier())
		l.trackFrom = nil
	}
	l.clearPhaseFeedbacks()
}

func (l *Loco) clearPhaseFeedbacks() {
	l.feedbackReduced = FeedbackNone
	l.feedbackCreep = FeedbackNone
	l.feedbackStop = FeedbackNone
	l.feedbackOver = FeedbackNone
}

// GoToAutoMode hands the locomotive to the automode engine. The locomotive
// must be placed on a track-base; the track is hard-locked and the engine
// goroutine starts in the Off state, waiting for track power.
func (l *Loco) GoToAutoMode() error {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	switch l.state {
	case LocoStateManual, LocoStateTerminated:
	default:
		return fmt.Errorf("%w: loco %q already in automode", ErrWrongState, l.name)
	}
	if l.trackFrom == nil {
		return fmt.Errorf("%w: loco %q", ErrNotOnTrack, l.name)
	}
	if err := l.trackFrom.Reserve(l.LocoID()); err != nil {
		return err
	}
	if err := l.trackFrom.Lock(l.LocoID()); err != nil {
		return err
	}

	// drain feedback events left over from a previous run
	for {
		select {
		case <-l.feedbackReached:
			continue
		default:
		}
		break
	}

	l.state = LocoStateOff
	l.requestManualMode = false
	l.terminate = false
	l.engineDone = make(chan struct{})
	go l.autoMode(l.engineDone)
	l.logger.Info("automode started", "track", l.trackFrom.BaseName())
	return nil
}

// RequestManualMode asks the engine to hand the locomotive back. The flag
// is sticky: if the locomotive is at rest between routes it takes effect
// within a tick, otherwise after the current head route's stop sequence.
func (l *Loco) RequestManualMode() {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	if l.state == LocoStateManual || l.state == LocoStateTerminated {
		return
	}
	l.requestManualMode = true
	l.logger.Info("manual mode requested")
}

// RecoverFromError returns a locomotive from the Error state to Manual.
func (l *Loco) RecoverFromError() error {
	l.stateMu.Lock()
	done := l.engineDone
	if l.state != LocoStateError {
		l.stateMu.Unlock()
		return fmt.Errorf("%w: loco %q not in error state", ErrWrongState, l.name)
	}
	l.requestManualMode = true
	l.stateMu.Unlock()
	if done != nil {
		<-done
	}
	return nil
}

// LocationReached enqueues a feedback event for the engine. Called by the
// manager when an occupied feedback belongs to a track-base owned by this
// locomotive. Events are processed FIFO in hardware-delivery order.
func (l *Loco) LocationReached(id FeedbackID) {
	select {
	case l.feedbackReached <- id:
	default:
		l.logger.Warn("feedback queue full, dropping event", "feedback", id)
	}
}

// autoMode is the engine goroutine: one long-lived goroutine per
// locomotive in automatic mode.
func (l *Loco) autoMode(done chan struct{}) {
	defer close(done)
	for {
		l.stateMu.Lock()
		if l.terminate {
			l.state = LocoStateTerminated
			l.stateMu.Unlock()
			l.logger.Info("automode terminated")
			return
		}
		state := l.state
		l.stateMu.Unlock()

		switch state {
		case LocoStateOff:
			if l.checkManualRequestIdle() {
				return
			}
			if l.control.Booster() == BoosterGo {
				l.setState(LocoStateSearchingFirst)
				continue
			}
			l.sleepTick()

		case LocoStateSearchingFirst:
			if l.checkManualRequestIdle() {
				return
			}
			if l.control.Booster() != BoosterGo {
				l.sleepTick()
				continue
			}
			if !l.searchDestinationFirst() {
				l.sleepTick()
			}

		case LocoStateSearchingSecond:
			l.searchDestinationSecond()

		case LocoStateRunning, LocoStateStopping:
			if exit := l.waitForFeedback(); exit {
				return
			}

		case LocoStateError:
			if l.checkErrorRecover() {
				return
			}
			l.sleepTick()

		case LocoStateManual, LocoStateTerminated:
			return
		}
	}
}

func (l *Loco) setState(state LocoState) {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	l.state = state
}

func (l *Loco) sleepTick() {
	time.Sleep(automodeTick)
}

// checkManualRequestIdle handles a pending manual-mode request while the
// locomotive is at rest on its tail with no head route. Returns true when
// the engine goroutine must exit.
func (l *Loco) checkManualRequestIdle() bool {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	if !l.requestManualMode {
		return false
	}
	if l.routeFirst != nil || l.speed > MinSpeed {
		return false
	}
	l.state = LocoStateManual
	l.requestManualMode = false
	l.logger.Info("manual mode entered")
	return true
}

// checkErrorRecover exits the engine once manual mode is requested from
// the Error state.
func (l *Loco) checkErrorRecover() bool {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	if !l.requestManualMode {
		return false
	}
	l.state = LocoStateManual
	l.requestManualMode = false
	l.logger.Info("recovered from error to manual mode")
	return true
}

// searchDestinationFirst looks for a head route from the tail. On success
// the route is locked and executed, the locomotive commanded, and the
// engine moves to SearchingSecond. Returns false when no route was found.
func (l *Loco) searchDestinationFirst() bool {
	l.stateMu.Lock()
	if time.Now().Before(l.waitUntil) {
		l.stateMu.Unlock()
		return false
	}
	from := l.trackFrom
	l.stateMu.Unlock()
	if from == nil {
		l.enterError("tail track lost")
		return false
	}

	route := l.searchDestination(from, true)
	if route == nil {
		return false
	}

	track, err := l.control.TrackBaseFor(route.To())
	if err != nil {
		route.ReleaseWithDestination(l.LocoID())
		l.enterError("destination lookup failed")
		return false
	}

	l.stateMu.Lock()
	l.routeFirst = route
	l.trackFirst = track
	l.feedbackReduced, l.feedbackCreep, l.feedbackStop, l.feedbackOver = route.Feedbacks()
	l.state = LocoStateSearchingSecond
	l.stateMu.Unlock()

	l.startRoute(route)
	return true
}

// searchDestinationSecond extends the reservation by a second head when
// the installation reserves two tracks. The second route is locked but not
// executed; it is promoted when the first completes.
func (l *Loco) searchDestinationSecond() {
	l.stateMu.Lock()
	manual := l.requestManualMode
	first := l.trackFirst
	hasSecond := l.routeSecond != nil
	l.stateMu.Unlock()

	if manual || hasSecond || l.control.NrOfTracksToReserve() < 2 {
		l.setState(LocoStateRunning)
		return
	}
	if first == nil {
		l.setState(LocoStateRunning)
		return
	}

	route := l.searchDestination(first, false)
	if route == nil {
		l.setState(LocoStateRunning)
		return
	}
	track, err := l.control.TrackBaseFor(route.To())
	if err != nil {
		route.ReleaseWithDestination(l.LocoID())
		l.setState(LocoStateRunning)
		return
	}
	l.stateMu.Lock()
	l.routeSecond = route
	l.trackSecond = track
	l.state = LocoStateRunning
	l.stateMu.Unlock()
	l.logger.Debug("second route locked", "route", route.Name())
}

// searchDestination picks, reserves, and locks a route leaving oldTrack.
// Candidates are the outgoing routes passing the admissibility gate whose
// destination is free (or already owned by this locomotive) and not
// blocked, ordered by the effective selection approach. Each candidate is
// tried once; reservation failures roll back and the next candidate is
// tried.
func (l *Loco) searchDestination(oldTrack TrackBase, allowLocoTurn bool) *Route {
	id := l.LocoID()
	orientation := l.Orientation()

	var candidates []*Route
	for _, route := range oldTrack.RoutesFrom() {
		if !route.FromTrackDirection(l.logger, oldTrack.ObjectIdentifier(), orientation, l, allowLocoTurn) {
			continue
		}
		track, err := l.control.TrackBaseFor(route.To())
		if err != nil || track.Blocked() {
			continue
		}
		if owner := track.LockedBy(); owner != LocoNone && owner != id {
			continue
		}
		candidates = append(candidates, route)
	}
	if len(candidates) == 0 {
		return nil
	}

	approach := l.effectiveSelectRouteApproach(oldTrack)
	for _, route := range orderRoutes(candidates, approach, l.control) {
		if err := route.Reserve(id); err != nil {
			l.logger.Debug("route reservation failed", "route", route.Name(), "error", err)
			l.control.ReservationDenied(id, route.RouteID())
			continue
		}
		if err := route.Lock(id); err != nil {
			l.logger.Debug("route lock failed", "route", route.Name(), "error", err)
			l.control.ReservationDenied(id, route.RouteID())
			continue
		}
		l.logger.Debug("route locked", "route", route.Name())
		return route
	}
	return nil
}

func (l *Loco) effectiveSelectRouteApproach(track TrackBase) SelectRouteApproach {
	approach := track.SelectRouteApproach()
	if approach == SelectRouteSystemDefault {
		approach = l.control.DefaultSelectRouteApproach()
	}
	if approach == SelectRouteSystemDefault {
		approach = SelectRouteDoNotCare
	}
	return approach
}

// startRoute executes a locked route and commands the locomotive onto it:
// orientation per the route's departure side, speed per its speed class.
func (l *Loco) startRoute(route *Route) {
	if err := route.Execute(); err != nil {
		l.logger.Error("route execution failed", "route", route.Name(), "error", err)
		l.enterError("route execution failed")
		return
	}
	id := l.LocoID()
	if l.Orientation() != route.FromOrientation() {
		_ = l.control.LocoOrientation(id, route.FromOrientation())
	}
	_ = l.control.LocoSpeed(id, l.speedForClass(route.Speed()))
	l.logger.Info("running route", "route", route.Name())
}

func (l *Loco) speedForClass(class RouteSpeed) Speed {
	switch class {
	case RouteSpeedMax:
		return l.maxSpeed
	case RouteSpeedReduced:
		return l.reducedSpeed
	case RouteSpeedCreeping:
		return l.creepingSpeed
	default:
		return l.travelSpeed
	}
}

// waitForFeedback blocks on the feedback queue with the tick timeout.
// While the booster is off, events stay queued and no state advances.
// Returns true when the engine goroutine must exit.
func (l *Loco) waitForFeedback() bool {
	if l.control.Booster() != BoosterGo {
		// events stay queued in order until power returns
		l.sleepTick()
		return false
	}
	select {
	case id := <-l.feedbackReached:
		// an event taken while power went off waits until it returns
		for l.control.Booster() != BoosterGo {
			l.stateMu.Lock()
			terminate := l.terminate
			l.stateMu.Unlock()
			if terminate {
				return false
			}
			l.sleepTick()
		}
		return l.handleFeedback(id)
	case <-time.After(automodeTick):
		return false
	}
}

// handleFeedback advances the speed phases of the first route. Returns
// true when the engine goroutine must exit.
func (l *Loco) handleFeedback(id FeedbackID) bool {
	l.stateMu.Lock()
	reduced, creep, stop, over := l.feedbackReduced, l.feedbackCreep, l.feedbackStop, l.feedbackOver
	l.stateMu.Unlock()

	switch id {
	case over:
		l.overrunReached()
		return false
	case stop:
		return l.stopReached()
	case creep:
		if l.Speed() > l.creepingSpeed {
			l.logger.Debug("creep feedback reached")
			_ = l.control.LocoSpeed(l.LocoID(), l.creepingSpeed)
		}
	case reduced:
		if l.Speed() > l.reducedSpeed {
			l.logger.Debug("reduced feedback reached")
			_ = l.control.LocoSpeed(l.LocoID(), l.reducedSpeed)
		}
	}
	return false
}

// overrunReached handles the fatal case of a locomotive passing the
// overrun feedback: emergency stop, release everything, Error state.
func (l *Loco) overrunReached() {
	l.logger.Error("overrun feedback reached, emergency stop")
	_ = l.control.LocoSpeed(l.LocoID(), MinSpeed)
	l.stateMu.Lock()
	l.releaseEverything()
	l.state = LocoStateError
	l.stateMu.Unlock()
}

// enterError stops the locomotive and parks the engine in the Error state
// after an unrecoverable internal failure.
func (l *Loco) enterError(reason string) {
	l.logger.Error("automode error", "reason", reason)
	_ = l.control.LocoSpeed(l.LocoID(), MinSpeed)
	l.stateMu.Lock()
	l.releaseEverything()
	l.state = LocoStateError
	l.stateMu.Unlock()
}

// stopReached completes the first route: slide the tail forward, run the
// at-unlock relations, release the route and the old tail, then either
// promote the second route to head or search for a new one. Returns true
// when the engine goroutine must exit into manual mode.
func (l *Loco) stopReached() bool {
	l.stateMu.Lock()
	route := l.routeFirst
	oldTail := l.trackFrom
	hasSecond := l.routeSecond != nil
	l.stateMu.Unlock()

	if route == nil || oldTail == nil {
		l.enterError("stop feedback without active route")
		return false
	}

	id := l.LocoID()
	if !hasSecond {
		_ = l.control.LocoSpeed(id, MinSpeed)
	}

	if err := route.ExecuteAtUnlock(); err != nil {
		l.logger.Warn("at-unlock execution failed", "route", route.Name(), "error", err)
	}
	if err := route.Release(id); err != nil {
		l.logger.Warn("route release failed", "route", route.Name(), "error", err)
	}
	l.control.RouteReleased(route.RouteID())
	if err := oldTail.Release(id); err != nil {
		l.logger.Warn("tail release failed", "track", oldTail.BaseName(), "error", err)
	}
	l.control.TrackBaseStateChanged(oldTail.ObjectIdentifier())

	// slide: head becomes tail, second becomes head
	l.stateMu.Lock()
	l.trackFrom = l.trackFirst
	l.trackFirst = l.trackSecond
	l.trackSecond = nil
	l.routeFirst = l.routeSecond
	l.routeSecond = nil
	l.orientation = route.ToOrientation()
	l.clearPhaseFeedbacks()
	next := l.routeFirst
	if next != nil {
		l.feedbackReduced, l.feedbackCreep, l.feedbackStop, l.feedbackOver = next.Feedbacks()
	}
	if wait := route.WaitAfterRelease(); wait > 0 {
		l.waitUntil = time.Now().Add(wait)
	}
	manual := l.requestManualMode
	if l.trackFrom != nil {
		l.trackFrom.SetOrientation(l.orientation)
	}
	l.stateMu.Unlock()

	l.logger.Info("route completed", "route", route.Name())

	if manual && next == nil {
		l.stateMu.Lock()
		l.state = LocoStateManual
		l.requestManualMode = false
		l.stateMu.Unlock()
		l.logger.Info("manual mode entered")
		return true
	}

	if next != nil {
		l.startRoute(next)
		l.setState(LocoStateSearchingSecond)
		return false
	}
	l.setState(LocoStateSearchingFirst)
	return false
}

// Serialize renders the persisted form. Slave relations persist separately
// in the relations table.
func (l *Loco) Serialize() string {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	b := newSerialBuilder(ObjectTypeLoco)
	l.serializeObject(b)
	b.addInt("controlID", int(l.controlID))
	b.addInt("protocol", int(l.protocol))
	b.addInt("address", int(l.address))
	b.addInt("length", int(l.length))
	b.addBool("pushpull", l.pushpull)
	b.addInt("maxspeed", int(l.maxSpeed))
	b.addInt("travelspeed", int(l.travelSpeed))
	b.addInt("reducedspeed", int(l.reducedSpeed))
	b.addInt("creepingspeed", int(l.creepingSpeed))
	b.addInt("speed", int(l.speed))
	b.add("orientation", l.orientation.serial())
	b.add("functions", l.functions.Serialize())
	return b.String()
}

// Deserialize restores the locomotive from its persisted form. Runtime
// automode state does not survive a restart: every locomotive loads in
// manual mode.
func (l *Loco) Deserialize(serialized string) error {
	args := ParseArguments(serialized)
	if objectTypeOf(args) != ObjectTypeLoco.String() {
		return fmt.Errorf("%w: not a loco: %q", ErrInvalidSerialization, serialized)
	}
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	l.deserializeObject(args)
	l.controlID = ControlID(argInt(args, "controlID", int(ControlNone)))
	l.protocol = Protocol(argInt(args, "protocol", int(ProtocolNone)))
	l.address = Address(argInt(args, "address", int(AddressNone)))
	l.length = Length(argInt(args, "length", 0))
	l.pushpull = argBool(args, "pushpull", false)
	l.maxSpeed = Speed(argInt(args, "maxspeed", 0))
	l.travelSpeed = Speed(argInt(args, "travelspeed", 0))
	l.reducedSpeed = Speed(argInt(args, "reducedspeed", 0))
	l.creepingSpeed = Speed(argInt(args, "creepingspeed", 0))
	l.speed = Speed(argInt(args, "speed", int(MinSpeed)))
	l.orientation = orientationFromSerial(argString(args, "orientation", "1"))
	l.functions.Deserialize(argString(args, "functions", ""))
	l.state = LocoStateManual
	return nil
}

package model

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// TrackBase is a Track or a Signal used as a reservation block in
// automatic mode. Routes run from one track-base to another; locomotives
// hold their tail and head track-bases hard-locked while running.
type TrackBase interface {
	Locker

	ObjectIdentifier() ObjectIdentifier
	BaseName() string
	LockedBy() LocoID
	LockState() LockState
	ReleaseForce()

	Orientation() Orientation
	SetOrientation(Orientation)
	Length() Length
	Feedbacks() []FeedbackID
	SelectRouteApproach() SelectRouteApproach
	ReleaseWhenFree() bool
	Blocked() bool
	Occupied() bool

	RoutesFrom() []*Route
	AddRouteFrom(*Route)
	RemoveRouteFrom(RouteID)

	SetFeedbackState(id FeedbackID, state FeedbackState)
}

// trackBase is the behaviour shared by Track and Signal in their block
// role.
type trackBase struct {
	LayoutItem
	Lockable

	orientation         Orientation
	length              Length
	feedbacks           []FeedbackID
	selectRouteApproach SelectRouteApproach
	releaseWhenFree     bool
	blocked             bool

	routesMu sync.RWMutex
	routes   []*Route

	occupiedMu sync.Mutex
	occupied   map[FeedbackID]struct{}
}

// BaseName returns the display name of the block.
func (t *trackBase) BaseName() string { return t.name }

// Orientation returns the direction the block faces.
func (t *trackBase) Orientation() Orientation { return t.orientation }

// SetOrientation turns the block.
func (t *trackBase) SetOrientation(o Orientation) { t.orientation = o }

// Length returns the logical block length.
func (t *trackBase) Length() Length { return t.length }

// SetLength sets the logical block length.
func (t *trackBase) SetLength(l Length) { t.length = l }

// Feedbacks returns the sensors considered part of this block.
func (t *trackBase) Feedbacks() []FeedbackID { return t.feedbacks }

// SetFeedbacks assigns the sensors considered part of this block.
func (t *trackBase) SetFeedbacks(ids []FeedbackID) {
	t.feedbacks = ids
	t.occupiedMu.Lock()
	t.occupied = make(map[FeedbackID]struct{})
	t.occupiedMu.Unlock()
}

// SelectRouteApproach returns the block-level route selection override.
func (t *trackBase) SelectRouteApproach() SelectRouteApproach { return t.selectRouteApproach }

// SetSelectRouteApproach sets the block-level route selection override.
func (t *trackBase) SetSelectRouteApproach(a SelectRouteApproach) { t.selectRouteApproach = a }

// ReleaseWhenFree reports whether the block auto-releases once all of its
// sensors report free.
func (t *trackBase) ReleaseWhenFree() bool { return t.releaseWhenFree }

// SetReleaseWhenFree sets the auto-release policy.
func (t *trackBase) SetReleaseWhenFree(v bool) { t.releaseWhenFree = v }

// Blocked reports whether the block is barred from automatic mode.
func (t *trackBase) Blocked() bool { return t.blocked }

// SetBlocked bars or admits the block for automatic mode.
func (t *trackBase) SetBlocked(v bool) { t.blocked = v }

// RoutesFrom returns the outgoing routes of this block.
func (t *trackBase) RoutesFrom() []*Route {
	t.routesMu.RLock()
	defer t.routesMu.RUnlock()
	routes := make([]*Route, len(t.routes))
	copy(routes, t.routes)
	return routes
}

// AddRouteFrom registers an outgoing route. Called by the manager when a
// route is created or loaded.
func (t *trackBase) AddRouteFrom(route *Route) {
	t.routesMu.Lock()
	defer t.routesMu.Unlock()
	for _, r := range t.routes {
		if r == route {
			return
		}
	}
	t.routes = append(t.routes, route)
}

// RemoveRouteFrom unregisters an outgoing route.
func (t *trackBase) RemoveRouteFrom(id RouteID) {
	t.routesMu.Lock()
	defer t.routesMu.Unlock()
	for i, r := range t.routes {
		if r.RouteID() == id {
			t.routes = append(t.routes[:i], t.routes[i+1:]...)
			return
		}
	}
}

// SetFeedbackState records the occupation state of one of the block's
// sensors.
func (t *trackBase) SetFeedbackState(id FeedbackID, state FeedbackState) {
	t.occupiedMu.Lock()
	defer t.occupiedMu.Unlock()
	if t.occupied == nil {
		t.occupied = make(map[FeedbackID]struct{})
	}
	if state == FeedbackStateOccupied {
		t.occupied[id] = struct{}{}
	} else {
		delete(t.occupied, id)
	}
}

// Occupied reports whether any sensor of the block reports occupied.
func (t *trackBase) Occupied() bool {
	t.occupiedMu.Lock()
	defer t.occupiedMu.Unlock()
	return len(t.occupied) > 0
}

func (t *trackBase) serializeTrackBase(b *serialBuilder) {
	t.serializeLayoutItem(b)
	t.serializeLockable(b)
	b.add("orientation", t.orientation.serial())
	b.addInt("length", int(t.length))
	b.add("feedbacks", serializeFeedbackIDs(t.feedbacks))
	b.addInt("selectrouteapproach", int(t.selectRouteApproach))
	b.addBool("releasewhenfree", t.releaseWhenFree)
	b.addBool("blocked", t.blocked)
}

func (t *trackBase) deserializeTrackBase(args map[string]string) {
	t.deserializeLayoutItem(args)
	t.deserializeLockable(args)
	t.orientation = orientationFromSerial(argString(args, "orientation", "1"))
	t.length = Length(argInt(args, "length", 0))
	t.feedbacks = parseFeedbackIDs(argString(args, "feedbacks", ""))
	t.selectRouteApproach = SelectRouteApproach(argInt(args, "selectrouteapproach", int(SelectRouteSystemDefault)))
	t.releaseWhenFree = argBool(args, "releasewhenfree", false)
	t.blocked = argBool(args, "blocked", false)
	t.occupied = make(map[FeedbackID]struct{})
}

func serializeFeedbackIDs(ids []FeedbackID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(int(id))
	}
	return strings.Join(parts, ",")
}

func parseFeedbackIDs(s string) []FeedbackID {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	ids := make([]FeedbackID, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v <= 0 {
			continue
		}
		ids = append(ids, FeedbackID(v))
	}
	return ids
}

// TrackType describes the geometric role of a track piece on the plan.
type TrackType uint8

// Track types.
const (
	TrackTypeStraight TrackType = 0
	TrackTypeTurn     TrackType = 1
	TrackTypeEnd      TrackType = 2
	TrackTypeBridge   TrackType = 3
	TrackTypeTunnel   TrackType = 4
)

// Track is a block of rail. It is the most common reservation unit of
// automatic mode.
type Track struct {
	trackBase
	trackType TrackType
}

// NewTrack creates a track block.
func NewTrack(id TrackID, name string) *Track {
	t := &Track{}
	t.Object = NewObject(ObjectID(id), name)
	t.visible = true
	t.orientation = OrientationRight
	t.occupied = make(map[FeedbackID]struct{})
	return t
}

// TrackID returns the typed identifier.
func (t *Track) TrackID() TrackID { return TrackID(t.id) }

// ObjectIdentifier returns the track-base reference of this track.
func (t *Track) ObjectIdentifier() ObjectIdentifier {
	return ObjectIdentifier{Type: ObjectTypeTrack, ID: t.id}
}

// TrackType returns the geometric role on the plan.
func (t *Track) TrackType() TrackType { return t.trackType }

// SetTrackType sets the geometric role on the plan.
func (t *Track) SetTrackType(tt TrackType) { t.trackType = tt }

// Serialize renders the persisted form.
func (t *Track) Serialize() string {
	b := newSerialBuilder(ObjectTypeTrack)
	t.serializeTrackBase(b)
	b.addInt("tracktype", int(t.trackType))
	return b.String()
}

// Deserialize restores the track from its persisted form.
func (t *Track) Deserialize(serialized string) error {
	args := ParseArguments(serialized)
	if objectTypeOf(args) != ObjectTypeTrack.String() {
		return fmt.Errorf("%w: not a track: %q", ErrInvalidSerialization, serialized)
	}
	t.deserializeTrackBase(args)
	t.trackType = TrackType(argInt(args, "tracktype", int(TrackTypeStraight)))
	return nil
}

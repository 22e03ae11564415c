package model

import (
	"fmt"
	"time"
)

// Relation binds a route to one of its sub-resources: "set target to state
// when this route locks (or unlocks)". Relations are owned by their route
// and ordered by priority; reservation walks them in that order, rollback
// in reverse.
//
// The state byte is interpreted by the target kind: switches use
// SwitchState, signals SignalState, accessories AccessoryState, tracks an
// Orientation, routes ignore it (the target route is triggered), and
// locomotive targets encode a function slot in the low five bits with the
// on/off flag in bit 7.
type Relation struct {
	control  Control
	route    RouteID
	target   ObjectIdentifier
	state    uint8
	priority uint8
	atUnlock bool
}

// NewRelation creates a relation of a route.
func NewRelation(control Control, route RouteID, target ObjectIdentifier, state uint8, priority uint8, atUnlock bool) *Relation {
	return &Relation{
		control:  control,
		route:    route,
		target:   target,
		state:    state,
		priority: priority,
		atUnlock: atUnlock,
	}
}

// LocoFunctionRelationState encodes a locomotive function relation state
// byte from slot number and desired state.
func LocoFunctionRelationState(nr FunctionNr, on bool) uint8 {
	state := uint8(nr) & 0x1F
	if on {
		state |= 0x80
	}
	return state
}

// Target returns the referenced entity.
func (r *Relation) Target() ObjectIdentifier { return r.target }

// State returns the opaque target state byte.
func (r *Relation) State() uint8 { return r.state }

// Priority returns the traversal priority. Lower runs first.
func (r *Relation) Priority() uint8 { return r.priority }

// AtUnlock reports whether the relation belongs to the at-unlock list.
func (r *Relation) AtUnlock() bool { return r.atUnlock }

// RouteID returns the owning route.
func (r *Relation) RouteID() RouteID { return r.route }

// Reserve reserves the target for loco. Targets without a reservation
// capability (locomotive functions) succeed trivially.
func (r *Relation) Reserve(loco LocoID) error {
	locker, err := r.control.LockerFor(r.target)
	if err != nil {
		return err
	}
	if locker == nil {
		return nil
	}
	return locker.Reserve(loco)
}

// Lock hard-locks the target for loco.
func (r *Relation) Lock(loco LocoID) error {
	locker, err := r.control.LockerFor(r.target)
	if err != nil {
		return err
	}
	if locker == nil {
		return nil
	}
	return locker.Lock(loco)
}

// Release frees the target. Errors are swallowed: release must always make
// forward progress during rollback.
func (r *Relation) Release(loco LocoID) {
	locker, err := r.control.LockerFor(r.target)
	if err != nil || locker == nil {
		return
	}
	_ = locker.Release(loco)
}

// Execute drives the target to the relation's state and then waits the
// route's inter-command delay. Failures are returned without undoing
// relations already executed; the physical layout keeps whatever state the
// earlier commands established.
func (r *Relation) Execute(delay time.Duration) error {
	var err error
	switch r.target.Type {
	case ObjectTypeAccessory:
		err = r.control.AccessoryState(AccessoryID(r.target.ID), AccessoryState(r.state))
	case ObjectTypeSwitch:
		err = r.control.SwitchState(SwitchID(r.target.ID), SwitchState(r.state))
	case ObjectTypeSignal:
		err = r.control.SignalState(SignalID(r.target.ID), SignalState(r.state))
	case ObjectTypeTrack:
		err = r.control.TrackBaseOrientation(r.target, Orientation(r.state != 0))
	case ObjectTypeRoute:
		err = r.control.ExecuteRoute(RouteID(r.target.ID))
	case ObjectTypeLoco:
		err = r.control.LocoFunction(LocoID(r.target.ID), FunctionNr(r.state&0x1F), r.state&0x80 != 0)
	default:
		err = fmt.Errorf("%w: relation target %s", ErrUnknownObject, r.target)
	}
	if err != nil {
		return err
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	return nil
}

// Serialize renders the persisted form of the relation payload. The
// endpoint ids and priority live in dedicated columns of the relations
// table; the payload carries the remaining attributes.
func (r *Relation) Serialize() string {
	b := newSerialBuilder(ObjectTypeRoute)
	b.add("target", r.target.String())
	b.addInt("state", int(r.state))
	b.addInt("priority", int(r.priority))
	b.addBool("atunlock", r.atUnlock)
	return b.String()
}

// DeserializeRelation restores a relation from its persisted payload.
func DeserializeRelation(control Control, route RouteID, serialized string) (*Relation, error) {
	args := ParseArguments(serialized)
	target, err := ParseObjectIdentifier(argString(args, "target", ""))
	if err != nil {
		return nil, err
	}
	if !target.IsSet() {
		return nil, fmt.Errorf("%w: relation without target", ErrInvalidSerialization)
	}
	return &Relation{
		control:  control,
		route:    route,
		target:   target,
		state:    uint8(argInt(args, "state", 0)),
		priority: uint8(argInt(args, "priority", 0)),
		atUnlock: argBool(args, "atunlock", false),
	}, nil
}

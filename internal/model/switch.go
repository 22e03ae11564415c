package model

import "fmt"

// SwitchState is the position of a turnout.
type SwitchState uint8

// Switch states. Third is the middle position of three-way turnouts.
const (
	SwitchStateStraight SwitchState = 0
	SwitchStateTurnout  SwitchState = 1
	SwitchStateThird    SwitchState = 2
)

// String returns the position name.
func (s SwitchState) String() string {
	switch s {
	case SwitchStateTurnout:
		return "turnout"
	case SwitchStateThird:
		return "third"
	default:
		return "straight"
	}
}

// Switch is a turnout. Routes reserve and hard-lock the switches they run
// over and set their position when executed.
type Switch struct {
	accessoryBase
	state SwitchState
}

// NewSwitch creates a switch.
func NewSwitch(id SwitchID, name string, controlID ControlID, protocol Protocol, address Address) *Switch {
	s := &Switch{}
	s.Object = NewObject(ObjectID(id), name)
	s.visible = true
	s.SetAddressing(controlID, protocol, address)
	return s
}

// SwitchID returns the typed identifier.
func (s *Switch) SwitchID() SwitchID { return SwitchID(s.id) }

// State returns the current position.
func (s *Switch) State() SwitchState { return s.state }

// SetState stores the position.
func (s *Switch) SetState(state SwitchState) { s.state = state }

// Serialize renders the persisted form.
func (s *Switch) Serialize() string {
	b := newSerialBuilder(ObjectTypeSwitch)
	s.serializeAccessoryBase(b)
	b.addInt("state", int(s.state))
	return b.String()
}

// Deserialize restores the switch from its persisted form.
func (s *Switch) Deserialize(serialized string) error {
	args := ParseArguments(serialized)
	if objectTypeOf(args) != ObjectTypeSwitch.String() {
		return fmt.Errorf("%w: not a switch: %q", ErrInvalidSerialization, serialized)
	}
	s.deserializeAccessoryBase(args)
	s.state = SwitchState(argInt(args, "state", int(SwitchStateStraight)))
	return nil
}

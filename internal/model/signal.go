package model

import "fmt"

// SignalState is the aspect a signal shows.
type SignalState uint8

// Signal aspects.
const (
	SignalStateStop  SignalState = 0
	SignalStateClear SignalState = 1
)

// String returns "stop" or "clear".
func (s SignalState) String() string {
	if s == SignalStateClear {
		return "clear"
	}
	return "stop"
}

// Signal is a main signal. It has a decoder address like an accessory and
// doubles as a track-base: the block in front of the signal is a
// reservation unit, so routes may start and end at signals.
type Signal struct {
	trackBase
	controlID ControlID
	protocol  Protocol
	address   Address
	inverted  bool
	state     SignalState
}

// NewSignal creates a signal.
func NewSignal(id SignalID, name string, controlID ControlID, protocol Protocol, address Address) *Signal {
	s := &Signal{controlID: controlID, protocol: protocol, address: address}
	s.Object = NewObject(ObjectID(id), name)
	s.visible = true
	s.orientation = OrientationRight
	s.occupied = make(map[FeedbackID]struct{})
	return s
}

// SignalID returns the typed identifier.
func (s *Signal) SignalID() SignalID { return SignalID(s.id) }

// ObjectIdentifier returns the track-base reference of this signal.
func (s *Signal) ObjectIdentifier() ObjectIdentifier {
	return ObjectIdentifier{Type: ObjectTypeSignal, ID: s.id}
}

// ControlID returns the control driving the decoder.
func (s *Signal) ControlID() ControlID { return s.controlID }

// Protocol returns the decoder protocol.
func (s *Signal) Protocol() Protocol { return s.protocol }

// Address returns the decoder address.
func (s *Signal) Address() Address { return s.address }

// Inverted reports whether the decoder output is negated.
func (s *Signal) Inverted() bool { return s.inverted }

// SetInverted sets decoder output negation.
func (s *Signal) SetInverted(inverted bool) { s.inverted = inverted }

// SetAddressing updates the bus addressing.
func (s *Signal) SetAddressing(controlID ControlID, protocol Protocol, address Address) {
	s.controlID = controlID
	s.protocol = protocol
	s.address = address
}

// State returns the current aspect.
func (s *Signal) State() SignalState { return s.state }

// SetState stores the aspect.
func (s *Signal) SetState(state SignalState) { s.state = state }

// Serialize renders the persisted form.
func (s *Signal) Serialize() string {
	b := newSerialBuilder(ObjectTypeSignal)
	s.serializeTrackBase(b)
	b.addInt("controlID", int(s.controlID))
	b.addInt("protocol", int(s.protocol))
	b.addInt("address", int(s.address))
	b.addBool("inverted", s.inverted)
	b.addInt("state", int(s.state))
	return b.String()
}

// Deserialize restores the signal from its persisted form.
func (s *Signal) Deserialize(serialized string) error {
	args := ParseArguments(serialized)
	if objectTypeOf(args) != ObjectTypeSignal.String() {
		return fmt.Errorf("%w: not a signal: %q", ErrInvalidSerialization, serialized)
	}
	s.deserializeTrackBase(args)
	s.controlID = ControlID(argInt(args, "controlID", int(ControlNone)))
	s.protocol = Protocol(argInt(args, "protocol", int(ProtocolNone)))
	s.address = Address(argInt(args, "address", int(AddressNone)))
	s.inverted = argBool(args, "inverted", false)
	s.state = SignalState(argInt(args, "state", int(SignalStateStop)))
	return nil
}

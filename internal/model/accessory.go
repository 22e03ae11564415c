package model

import "fmt"

// AccessoryState is the switched state of a generic accessory.
type AccessoryState uint8

// Accessory states.
const (
	AccessoryStateOff AccessoryState = 0
	AccessoryStateOn  AccessoryState = 1
)

// accessoryBase carries the digital-bus addressing shared by accessories,
// switches and signals.
type accessoryBase struct {
	LayoutItem
	Lockable
	controlID ControlID
	protocol  Protocol
	address   Address
	duration  uint16 // activation pulse in milliseconds
	inverted  bool
}

// ControlID returns the control driving the decoder.
func (a *accessoryBase) ControlID() ControlID { return a.controlID }

// Protocol returns the decoder protocol.
func (a *accessoryBase) Protocol() Protocol { return a.protocol }

// Address returns the decoder address.
func (a *accessoryBase) Address() Address { return a.address }

// Duration returns the activation pulse duration in milliseconds.
func (a *accessoryBase) Duration() uint16 { return a.duration }

// Inverted reports whether the decoder output is negated.
func (a *accessoryBase) Inverted() bool { return a.inverted }

// SetAddressing updates the bus addressing. Callers must hold the entity
// free; the manager refuses saves on items in use.
func (a *accessoryBase) SetAddressing(controlID ControlID, protocol Protocol, address Address) {
	a.controlID = controlID
	a.protocol = protocol
	a.address = address
}

// SetDuration sets the activation pulse duration in milliseconds.
func (a *accessoryBase) SetDuration(ms uint16) { a.duration = ms }

// SetInverted sets decoder output negation.
func (a *accessoryBase) SetInverted(inverted bool) { a.inverted = inverted }

func (a *accessoryBase) serializeAccessoryBase(b *serialBuilder) {
	a.serializeLayoutItem(b)
	a.serializeLockable(b)
	b.addInt("controlID", int(a.controlID))
	b.addInt("protocol", int(a.protocol))
	b.addInt("address", int(a.address))
	b.addInt("duration", int(a.duration))
	b.addBool("inverted", a.inverted)
}

func (a *accessoryBase) deserializeAccessoryBase(args map[string]string) {
	a.deserializeLayoutItem(args)
	a.deserializeLockable(args)
	a.controlID = ControlID(argInt(args, "controlID", int(ControlNone)))
	a.protocol = Protocol(argInt(args, "protocol", int(ProtocolNone)))
	a.address = Address(argInt(args, "address", int(AddressNone)))
	a.duration = uint16(argInt(args, "duration", 0))
	a.inverted = argBool(args, "inverted", false)
}

// Accessory is a generic on/off layout accessory (uncoupler, lamp, crane
// input and the like).
type Accessory struct {
	accessoryBase
	state AccessoryState
}

// NewAccessory creates an accessory.
func NewAccessory(id AccessoryID, name string, controlID ControlID, protocol Protocol, address Address) *Accessory {
	a := &Accessory{}
	a.Object = NewObject(ObjectID(id), name)
	a.visible = true
	a.SetAddressing(controlID, protocol, address)
	return a
}

// AccessoryID returns the typed identifier.
func (a *Accessory) AccessoryID() AccessoryID { return AccessoryID(a.id) }

// State returns the current switched state.
func (a *Accessory) State() AccessoryState { return a.state }

// SetState stores the switched state.
func (a *Accessory) SetState(state AccessoryState) { a.state = state }

// Serialize renders the persisted form.
func (a *Accessory) Serialize() string {
	b := newSerialBuilder(ObjectTypeAccessory)
	a.serializeAccessoryBase(b)
	b.addInt("state", int(a.state))
	return b.String()
}

// Deserialize restores the accessory from its persisted form.
func (a *Accessory) Deserialize(serialized string) error {
	args := ParseArguments(serialized)
	if objectTypeOf(args) != ObjectTypeAccessory.String() {
		return fmt.Errorf("%w: not an accessory: %q", ErrInvalidSerialization, serialized)
	}
	a.deserializeAccessoryBase(args)
	a.state = AccessoryState(argInt(args, "state", int(AccessoryStateOff)))
	return nil
}

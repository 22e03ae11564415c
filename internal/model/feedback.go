package model

import "fmt"

// FeedbackState is the occupation state a sensor reports.
type FeedbackState uint8

// Feedback states.
const (
	FeedbackStateFree     FeedbackState = 0
	FeedbackStateOccupied FeedbackState = 1
)

// String returns "free" or "occupied".
func (s FeedbackState) String() string {
	if s == FeedbackStateOccupied {
		return "occupied"
	}
	return "free"
}

// Feedback is an occupancy sensor identified by (control, pin). A feedback
// may belong to a track-base; occupation events on it then steer the
// automode engine of the locomotive owning that track-base.
type Feedback struct {
	LayoutItem
	controlID ControlID
	pin       FeedbackPin
	inverted  bool

	state        FeedbackState
	relatedTrack ObjectIdentifier
}

// NewFeedback creates a feedback sensor.
func NewFeedback(id FeedbackID, name string, controlID ControlID, pin FeedbackPin) *Feedback {
	f := &Feedback{controlID: controlID, pin: pin}
	f.Object = NewObject(ObjectID(id), name)
	f.visible = true
	return f
}

// FeedbackID returns the typed identifier.
func (f *Feedback) FeedbackID() FeedbackID { return FeedbackID(f.id) }

// ControlID returns the control the sensor is wired to.
func (f *Feedback) ControlID() ControlID { return f.controlID }

// Pin returns the sensor pin on its control.
func (f *Feedback) Pin() FeedbackPin { return f.pin }

// Inverted reports whether the electrical state is negated.
func (f *Feedback) Inverted() bool { return f.inverted }

// SetInverted sets electrical negation.
func (f *Feedback) SetInverted(inverted bool) { f.inverted = inverted }

// State returns the logical occupation state.
func (f *Feedback) State() FeedbackState { return f.state }

// SetState stores the raw sensor state, applying inversion, and returns
// the resulting logical state.
func (f *Feedback) SetState(raw FeedbackState) FeedbackState {
	state := raw
	if f.inverted {
		if raw == FeedbackStateOccupied {
			state = FeedbackStateFree
		} else {
			state = FeedbackStateOccupied
		}
	}
	f.state = state
	return state
}

// RelatedTrack returns the track-base this sensor belongs to, or the empty
// identifier.
func (f *Feedback) RelatedTrack() ObjectIdentifier { return f.relatedTrack }

// SetRelatedTrack links the sensor to a track-base.
func (f *Feedback) SetRelatedTrack(track ObjectIdentifier) { f.relatedTrack = track }

// Serialize renders the persisted form.
func (f *Feedback) Serialize() string {
	b := newSerialBuilder(ObjectTypeFeedback)
	f.serializeLayoutItem(b)
	b.addInt("controlID", int(f.controlID))
	b.addInt("pin", int(f.pin))
	b.addBool("inverted", f.inverted)
	b.addInt("state", int(f.state))
	b.add("track", f.relatedTrack.String())
	return b.String()
}

// Deserialize restores the feedback from its persisted form.
func (f *Feedback) Deserialize(serialized string) error {
	args := ParseArguments(serialized)
	if objectTypeOf(args) != ObjectTypeFeedback.String() {
		return fmt.Errorf("%w: not a feedback: %q", ErrInvalidSerialization, serialized)
	}
	f.deserializeLayoutItem(args)
	f.controlID = ControlID(argInt(args, "controlID", int(ControlNone)))
	f.pin = FeedbackPin(argInt(args, "pin", 0))
	f.inverted = argBool(args, "inverted", false)
	f.state = FeedbackState(argInt(args, "state", int(FeedbackStateFree)))
	track, err := ParseObjectIdentifier(argString(args, "track", ""))
	if err != nil {
		return err
	}
	f.relatedTrack = track
	return nil
}

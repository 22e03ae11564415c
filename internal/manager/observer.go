package manager

import "github.com/nerrad567/iron-rail-core/internal/model"

// Observer receives entity state changes. Subscribers (the websocket hub,
// the MQTT bridge, the telemetry writer) register with the manager and are
// notified after each state transition commits.
//
// Notifications for a single observer arrive in commit order; observers do
// not see each other's ordering. Callbacks run on the mutating goroutine
// and must not block: hand off to a queue for slow work.
type Observer interface {
	BoosterState(state model.BoosterState)
	LocoSpeed(id model.LocoID, speed model.Speed)
	LocoOrientation(id model.LocoID, orientation model.Orientation)
	LocoFunction(id model.LocoID, nr model.FunctionNr, on bool)
	LocoState(id model.LocoID, state model.LocoState)
	AccessoryState(id model.AccessoryID, state model.AccessoryState)
	SwitchState(id model.SwitchID, state model.SwitchState)
	SignalState(id model.SignalID, state model.SignalState)
	FeedbackState(id model.FeedbackID, state model.FeedbackState)
	TrackState(target model.ObjectIdentifier)
	LocoReleased(id model.LocoID)
	RouteReleased(id model.RouteID)
	RouteExecuted(id model.RouteID)
	EntitySaved(target model.ObjectIdentifier, name string)
	EntityDeleted(target model.ObjectIdentifier, name string)
}

// NopObserver is a no-op Observer for embedding: subscribers override only
// the callbacks they care about.
type NopObserver struct{}

func (NopObserver) BoosterState(model.BoosterState)                        {}
func (NopObserver) LocoSpeed(model.LocoID, model.Speed)                    {}
func (NopObserver) LocoOrientation(model.LocoID, model.Orientation)        {}
func (NopObserver) LocoFunction(model.LocoID, model.FunctionNr, bool)      {}
func (NopObserver) LocoState(model.LocoID, model.LocoState)                {}
func (NopObserver) AccessoryState(model.AccessoryID, model.AccessoryState) {}
func (NopObserver) SwitchState(model.SwitchID, model.SwitchState)          {}
func (NopObserver) SignalState(model.SignalID, model.SignalState)          {}
func (NopObserver) FeedbackState(model.FeedbackID, model.FeedbackState)    {}
func (NopObserver) TrackState(model.ObjectIdentifier)                      {}
func (NopObserver) LocoReleased(model.LocoID)                              {}
func (NopObserver) RouteReleased(model.RouteID)                            {}
func (NopObserver) RouteExecuted(model.RouteID)                            {}
func (NopObserver) EntitySaved(model.ObjectIdentifier, string)             {}
func (NopObserver) EntityDeleted(model.ObjectIdentifier, string)           {}

// RegisterObserver adds a subscriber to the fan-out list.
func (m *Manager) RegisterObserver(o Observer) {
	m.observersMu.Lock()
	defer m.observersMu.Unlock()
	m.observers = append(m.observers, o)
}

// eachObserver runs fn for every registered observer.
func (m *Manager) eachObserver(fn func(Observer)) {
	m.observersMu.RLock()
	observers := make([]Observer, len(m.observers))
	copy(observers, m.observers)
	m.observersMu.RUnlock()
	for _, o := range observers {
		fn(o)
	}
}

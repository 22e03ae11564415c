package manager

import (
	"fmt"

	"github.com/nerrad567/iron-rail-core/internal/model"
)

// Entity saves validate referential consistency before anything is
// persisted or indexed: addresses unique per control, feedback pins unique
// per control, route endpoints resolvable. Entities that are not free are
// refused; a refused save leaves no partial mutation.

// SaveLoco validates and persists a locomotive.
func (m *Manager) SaveLoco(loco *model.Loco) error {
	if loco.Name() == "" {
		return fmt.Errorf("%w: loco name required", ErrConfigInvalid)
	}
	m.mu.Lock()
	if existing, ok := m.locos[loco.LocoID()]; ok && existing != loco && existing.IsInUse() {
		m.mu.Unlock()
		return fmt.Errorf("%w: loco %q", model.ErrInUse, existing.Name())
	}
	for id, other := range m.locos {
		if id == loco.LocoID() {
			continue
		}
		if other.ControlID() == loco.ControlID() &&
			other.Protocol() == loco.Protocol() &&
			other.Address() == loco.Address() &&
			loco.Address() != model.AddressNone {
			m.mu.Unlock()
			return fmt.Errorf("%w: address %d already used by loco %q",
				ErrConfigInvalid, loco.Address(), other.Name())
		}
	}
	if !loco.IsInAutoMode() {
		loco.SetLogger(m.namedLogger(fmt.Sprintf("loco-%d", loco.LocoID())))
	}
	m.locos[loco.LocoID()] = loco
	m.mu.Unlock()

	if err := m.storage.SaveObject(model.ObjectTypeLoco, model.ObjectID(loco.LocoID()), loco.Name(), loco.Serialize()); err != nil {
		return err
	}
	if err := m.storage.SaveRelations(model.ObjectTypeLoco, model.ObjectID(loco.LocoID()), loco.Slaves()); err != nil {
		return err
	}
	m.notifySaved(model.ObjectIdentifier{Type: model.ObjectTypeLoco, ID: model.ObjectID(loco.LocoID())}, loco.Name())
	return nil
}

// DeleteLoco removes a locomotive. Refused while it is in use.
func (m *Manager) DeleteLoco(id model.LocoID) error {
	m.mu.Lock()
	loco, ok := m.locos[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: loco %d", ErrNotFound, id)
	}
	if loco.IsInUse() {
		m.mu.Unlock()
		return fmt.Errorf("%w: loco %q", model.ErrInUse, loco.Name())
	}
	delete(m.locos, id)
	m.mu.Unlock()

	if err := m.storage.DeleteObject(model.ObjectTypeLoco, model.ObjectID(id)); err != nil {
		return err
	}
	_ = m.storage.DeleteRelations(model.ObjectTypeLoco, model.ObjectID(id))
	m.notifyDeleted(model.ObjectIdentifier{Type: model.ObjectTypeLoco, ID: model.ObjectID(id)}, loco.Name())
	return nil
}

// SaveTrack validates and persists a track, rebuilding the feedback
// back-references.
func (m *Manager) SaveTrack(track *model.Track) error {
	x, y := track.Position()
	if err := m.checkLayoutPosition(track.ObjectIdentifier(), track.Layer(), x, y); err != nil {
		return err
	}
	m.mu.Lock()
	if existing, ok := m.tracks[track.TrackID()]; ok && existing != track && existing.IsInUse() {
		m.mu.Unlock()
		return fmt.Errorf("%w: track %q", model.ErrInUse, existing.BaseName())
	}
	m.tracks[track.TrackID()] = track
	for _, fid := range track.Feedbacks() {
		if fb, ok := m.feedbacks[fid]; ok {
			fb.SetRelatedTrack(track.ObjectIdentifier())
		}
	}
	m.mu.Unlock()

	if err := m.storage.SaveObject(model.ObjectTypeTrack, model.ObjectID(track.TrackID()), track.BaseName(), track.Serialize()); err != nil {
		return err
	}
	m.notifySaved(track.ObjectIdentifier(), track.BaseName())
	return nil
}

// DeleteTrack removes a track. Refused while it is reserved or any route
// starts or ends at it.
func (m *Manager) DeleteTrack(id model.TrackID) error {
	target := model.ObjectIdentifier{Type: model.ObjectTypeTrack, ID: model.ObjectID(id)}
	m.mu.Lock()
	track, ok := m.tracks[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: track %d", ErrNotFound, id)
	}
	if track.IsInUse() {
		m.mu.Unlock()
		return fmt.Errorf("%w: track %q", model.ErrInUse, track.BaseName())
	}
	if routeID, used := m.trackBaseUsedByRouteLocked(target); used {
		m.mu.Unlock()
		return fmt.Errorf("%w: track %q referenced by route %d", ErrConfigInvalid, track.BaseName(), routeID)
	}
	delete(m.tracks, id)
	m.mu.Unlock()

	if err := m.storage.DeleteObject(model.ObjectTypeTrack, model.ObjectID(id)); err != nil {
		return err
	}
	m.notifyDeleted(target, track.BaseName())
	return nil
}

// SaveSignal validates and persists a signal.
func (m *Manager) SaveSignal(signal *model.Signal) error {
	x, y := signal.Position()
	if err := m.checkLayoutPosition(signal.ObjectIdentifier(), signal.Layer(), x, y); err != nil {
		return err
	}
	m.mu.Lock()
	if existing, ok := m.signals[signal.SignalID()]; ok && existing != signal && existing.IsInUse() {
		m.mu.Unlock()
		return fmt.Errorf("%w: signal %q", model.ErrInUse, existing.BaseName())
	}
	if err := m.checkAccessoryAddressLocked(model.ObjectTypeSignal, model.ObjectID(signal.SignalID()), signal.ControlID(), signal.Address()); err != nil {
		m.mu.Unlock()
		return err
	}
	m.signals[signal.SignalID()] = signal
	for _, fid := range signal.Feedbacks() {
		if fb, ok := m.feedbacks[fid]; ok {
			fb.SetRelatedTrack(signal.ObjectIdentifier())
		}
	}
	m.mu.Unlock()

	if err := m.storage.SaveObject(model.ObjectTypeSignal, model.ObjectID(signal.SignalID()), signal.BaseName(), signal.Serialize()); err != nil {
		return err
	}
	m.notifySaved(signal.ObjectIdentifier(), signal.BaseName())
	return nil
}

// DeleteSignal removes a signal.
func (m *Manager) DeleteSignal(id model.SignalID) error {
	target := model.ObjectIdentifier{Type: model.ObjectTypeSignal, ID: model.ObjectID(id)}
	m.mu.Lock()
	signal, ok := m.signals[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: signal %d", ErrNotFound, id)
	}
	if signal.IsInUse() {
		m.mu.Unlock()
		return fmt.Errorf("%w: signal %q", model.ErrInUse, signal.BaseName())
	}
	if routeID, used := m.trackBaseUsedByRouteLocked(target); used {
		m.mu.Unlock()
		return fmt.Errorf("%w: signal %q referenced by route %d", ErrConfigInvalid, signal.BaseName(), routeID)
	}
	delete(m.signals, id)
	m.mu.Unlock()

	if err := m.storage.DeleteObject(model.ObjectTypeSignal, model.ObjectID(id)); err != nil {
		return err
	}
	m.notifyDeleted(target, signal.BaseName())
	return nil
}

// SaveSwitch validates and persists a switch.
func (m *Manager) SaveSwitch(sw *model.Switch) error {
	m.mu.Lock()
	if existing, ok := m.switches[sw.SwitchID()]; ok && existing != sw && existing.IsInUse() {
		m.mu.Unlock()
		return fmt.Errorf("%w: switch %q", model.ErrInUse, existing.Name())
	}
	if err := m.checkAccessoryAddressLocked(model.ObjectTypeSwitch, model.ObjectID(sw.SwitchID()), sw.ControlID(), sw.Address()); err != nil {
		m.mu.Unlock()
		return err
	}
	m.switches[sw.SwitchID()] = sw
	m.mu.Unlock()

	if err := m.storage.SaveObject(model.ObjectTypeSwitch, model.ObjectID(sw.SwitchID()), sw.Name(), sw.Serialize()); err != nil {
		return err
	}
	m.notifySaved(model.ObjectIdentifier{Type: model.ObjectTypeSwitch, ID: model.ObjectID(sw.SwitchID())}, sw.Name())
	return nil
}

// DeleteSwitch removes a switch. Refused while reserved.
func (m *Manager) DeleteSwitch(id model.SwitchID) error {
	m.mu.Lock()
	sw, ok := m.switches[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: switch %d", ErrNotFound, id)
	}
	if sw.IsInUse() {
		m.mu.Unlock()
		return fmt.Errorf("%w: switch %q", model.ErrInUse, sw.Name())
	}
	delete(m.switches, id)
	m.mu.Unlock()

	if err := m.storage.DeleteObject(model.ObjectTypeSwitch, model.ObjectID(id)); err != nil {
		return err
	}
	m.notifyDeleted(model.ObjectIdentifier{Type: model.ObjectTypeSwitch, ID: model.ObjectID(id)}, sw.Name())
	return nil
}

// SaveAccessory validates and persists an accessory.
func (m *Manager) SaveAccessory(acc *model.Accessory) error {
	m.mu.Lock()
	if existing, ok := m.accessories[acc.AccessoryID()]; ok && existing != acc && existing.IsInUse() {
		m.mu.Unlock()
		return fmt.Errorf("%w: accessory %q", model.ErrInUse, existing.Name())
	}
	if err := m.checkAccessoryAddressLocked(model.ObjectTypeAccessory, model.ObjectID(acc.AccessoryID()), acc.ControlID(), acc.Address()); err != nil {
		m.mu.Unlock()
		return err
	}
	m.accessories[acc.AccessoryID()] = acc
	m.mu.Unlock()

	if err := m.storage.SaveObject(model.ObjectTypeAccessory, model.ObjectID(acc.AccessoryID()), acc.Name(), acc.Serialize()); err != nil {
		return err
	}
	m.notifySaved(model.ObjectIdentifier{Type: model.ObjectTypeAccessory, ID: model.ObjectID(acc.AccessoryID())}, acc.Name())
	return nil
}

// DeleteAccessory removes an accessory. Refused while reserved.
func (m *Manager) DeleteAccessory(id model.AccessoryID) error {
	m.mu.Lock()
	acc, ok := m.accessories[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: accessory %d", ErrNotFound, id)
	}
	if acc.IsInUse() {
		m.mu.Unlock()
		return fmt.Errorf("%w: accessory %q", model.ErrInUse, acc.Name())
	}
	delete(m.accessories, id)
	m.mu.Unlock()

	if err := m.storage.DeleteObject(model.ObjectTypeAccessory, model.ObjectID(id)); err != nil {
		return err
	}
	m.notifyDeleted(model.ObjectIdentifier{Type: model.ObjectTypeAccessory, ID: model.ObjectID(id)}, acc.Name())
	return nil
}

// SaveFeedback validates and persists a feedback sensor.
func (m *Manager) SaveFeedback(fb *model.Feedback) error {
	m.mu.Lock()
	for id, other := range m.feedbacks {
		if id == fb.FeedbackID() {
			continue
		}
		if other.ControlID() == fb.ControlID() && other.Pin() == fb.Pin() {
			m.mu.Unlock()
			return fmt.Errorf("%w: pin %d on control %d already used by feedback %q",
				ErrConfigInvalid, fb.Pin(), fb.ControlID(), other.Name())
		}
	}
	if old, ok := m.feedbacks[fb.FeedbackID()]; ok && old != fb {
		if pins, ok := m.feedbackPins[old.ControlID()]; ok {
			delete(pins, old.Pin())
		}
	}
	m.feedbacks[fb.FeedbackID()] = fb
	pins, ok := m.feedbackPins[fb.ControlID()]
	if !ok {
		pins = make(map[model.FeedbackPin]model.FeedbackID)
		m.feedbackPins[fb.ControlID()] = pins
	}
	pins[fb.Pin()] = fb.FeedbackID()
	m.mu.Unlock()

	if err := m.storage.SaveObject(model.ObjectTypeFeedback, model.ObjectID(fb.FeedbackID()), fb.Name(), fb.Serialize()); err != nil {
		return err
	}
	m.notifySaved(model.ObjectIdentifier{Type: model.ObjectTypeFeedback, ID: model.ObjectID(fb.FeedbackID())}, fb.Name())
	return nil
}

// DeleteFeedback removes a feedback sensor. Refused while it belongs to a
// track-base.
func (m *Manager) DeleteFeedback(id model.FeedbackID) error {
	m.mu.Lock()
	fb, ok := m.feedbacks[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: feedback %d", ErrNotFound, id)
	}
	if fb.RelatedTrack().IsSet() {
		m.mu.Unlock()
		return fmt.Errorf("%w: feedback %q belongs to %s", ErrConfigInvalid, fb.Name(), fb.RelatedTrack())
	}
	delete(m.feedbacks, id)
	if pins, ok := m.feedbackPins[fb.ControlID()]; ok {
		delete(pins, fb.Pin())
	}
	m.mu.Unlock()

	if err := m.storage.DeleteObject(model.ObjectTypeFeedback, model.ObjectID(id)); err != nil {
		return err
	}
	m.notifyDeleted(model.ObjectIdentifier{Type: model.ObjectTypeFeedback, ID: model.ObjectID(id)}, fb.Name())
	return nil
}

// SaveRoute validates and persists a route with its relations, and wires
// it into its origin track-base.
func (m *Manager) SaveRoute(route *model.Route) error {
	from, to := route.From(), route.To()
	if route.Automode() {
		if !from.IsTrackBase() || !to.IsTrackBase() {
			return fmt.Errorf("%w: automode route needs track-base endpoints", ErrConfigInvalid)
		}
		if _, _, stop, _ := route.Feedbacks(); stop == model.FeedbackNone {
			return fmt.Errorf("%w: automode route needs a stop feedback", ErrConfigInvalid)
		}
	}

	m.mu.Lock()
	if existing, ok := m.routes[route.RouteID()]; ok && existing != route && existing.IsInUse() {
		m.mu.Unlock()
		return fmt.Errorf("%w: route %q", model.ErrInUse, existing.Name())
	}
	if from.IsTrackBase() {
		if _, err := m.trackBaseLocked(from); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("%w: origin %s", ErrConfigInvalid, from)
		}
	}
	if to.IsTrackBase() {
		if _, err := m.trackBaseLocked(to); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("%w: destination %s", ErrConfigInvalid, to)
		}
	}
	if old, ok := m.routes[route.RouteID()]; ok && old != route {
		if oldFrom := old.From(); oldFrom.IsTrackBase() {
			if tb, err := m.trackBaseLocked(oldFrom); err == nil {
				tb.RemoveRouteFrom(old.RouteID())
			}
		}
	}
	m.routes[route.RouteID()] = route
	if from.IsTrackBase() {
		if tb, err := m.trackBaseLocked(from); err == nil {
			tb.AddRouteFrom(route)
		}
	}
	m.mu.Unlock()

	if err := m.storage.SaveObject(model.ObjectTypeRoute, model.ObjectID(route.RouteID()), route.Name(), route.Serialize()); err != nil {
		return err
	}
	relations := append(route.AtLock(), route.AtUnlock()...)
	if err := m.storage.SaveRelations(model.ObjectTypeRoute, model.ObjectID(route.RouteID()), relations); err != nil {
		return err
	}
	m.notifySaved(model.ObjectIdentifier{Type: model.ObjectTypeRoute, ID: model.ObjectID(route.RouteID())}, route.Name())
	return nil
}

// DeleteRoute removes a route and unwires it. Refused while reserved.
func (m *Manager) DeleteRoute(id model.RouteID) error {
	m.mu.Lock()
	route, ok := m.routes[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: route %d", ErrNotFound, id)
	}
	if route.IsInUse() {
		m.mu.Unlock()
		return fmt.Errorf("%w: route %q", model.ErrInUse, route.Name())
	}
	if from := route.From(); from.IsTrackBase() {
		if tb, err := m.trackBaseLocked(from); err == nil {
			tb.RemoveRouteFrom(id)
		}
	}
	delete(m.routes, id)
	m.mu.Unlock()

	if err := m.storage.DeleteObject(model.ObjectTypeRoute, model.ObjectID(id)); err != nil {
		return err
	}
	_ = m.storage.DeleteRelations(model.ObjectTypeRoute, model.ObjectID(id))
	m.notifyDeleted(model.ObjectIdentifier{Type: model.ObjectTypeRoute, ID: model.ObjectID(id)}, route.Name())
	return nil
}

// SaveLayer persists a display layer.
func (m *Manager) SaveLayer(layer *model.Layer) error {
	if layer.LayerID() < model.LayerUndeletable {
		return fmt.Errorf("%w: layer id must be positive", ErrConfigInvalid)
	}
	m.mu.Lock()
	m.layers[layer.LayerID()] = layer
	m.mu.Unlock()
	if err := m.storage.SaveObject(model.ObjectTypeLayer, model.ObjectID(uint16(uint8(layer.LayerID()))), layer.Name(), layer.Serialize()); err != nil {
		return err
	}
	m.notifySaved(model.ObjectIdentifier{Type: model.ObjectTypeLayer, ID: model.ObjectID(uint16(uint8(layer.LayerID())))}, layer.Name())
	return nil
}

// DeleteLayer removes a display layer. Layer 1 is undeletable.
func (m *Manager) DeleteLayer(id model.LayerID) error {
	if id == model.LayerUndeletable {
		return fmt.Errorf("%w: layer 1 cannot be deleted", ErrConfigInvalid)
	}
	m.mu.Lock()
	layer, ok := m.layers[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: layer %d", ErrNotFound, id)
	}
	delete(m.layers, id)
	m.mu.Unlock()
	if err := m.storage.DeleteObject(model.ObjectTypeLayer, model.ObjectID(uint16(uint8(id)))); err != nil {
		return err
	}
	m.notifyDeleted(model.ObjectIdentifier{Type: model.ObjectTypeLayer, ID: model.ObjectID(uint16(uint8(id)))}, layer.Name())
	return nil
}

// checkAccessoryAddressLocked enforces address uniqueness per control
// across accessories, switches, and signals. Callers hold m.mu.
func (m *Manager) checkAccessoryAddressLocked(selfType model.ObjectType, selfID model.ObjectID, controlID model.ControlID, address model.Address) error {
	if address == model.AddressNone {
		return nil
	}
	conflict := func(t model.ObjectType, id model.ObjectID, c model.ControlID, a model.Address, name string) error {
		if c == controlID && a == address && !(t == selfType && id == selfID) {
			return fmt.Errorf("%w: address %d on control %d already used by %s %q",
				ErrConfigInvalid, address, controlID, t, name)
		}
		return nil
	}
	for id, a := range m.accessories {
		if err := conflict(model.ObjectTypeAccessory, model.ObjectID(id), a.ControlID(), a.Address(), a.Name()); err != nil {
			return err
		}
	}
	for id, s := range m.switches {
		if err := conflict(model.ObjectTypeSwitch, model.ObjectID(id), s.ControlID(), s.Address(), s.Name()); err != nil {
			return err
		}
	}
	for id, s := range m.signals {
		if err := conflict(model.ObjectTypeSignal, model.ObjectID(id), s.ControlID(), s.Address(), s.BaseName()); err != nil {
			return err
		}
	}
	return nil
}

// checkLayoutPosition enforces position uniqueness per layer across
// tracks and signals.
func (m *Manager) checkLayoutPosition(self model.ObjectIdentifier, layer model.LayerID, x, y int) error {
	if x == 0 && y == 0 {
		// origin means the item has not been placed on the plan yet
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	check := func(target model.ObjectIdentifier, l model.LayerID, px, py int, name string) error {
		if target == self {
			return nil
		}
		if l == layer && px == x && py == y {
			return fmt.Errorf("%w: position (%d,%d) on layer %d already used by %q",
				ErrConfigInvalid, x, y, layer, name)
		}
		return nil
	}
	for _, t := range m.tracks {
		px, py := t.Position()
		if err := check(t.ObjectIdentifier(), t.Layer(), px, py, t.BaseName()); err != nil {
			return err
		}
	}
	for _, s := range m.signals {
		px, py := s.Position()
		if err := check(s.ObjectIdentifier(), s.Layer(), px, py, s.BaseName()); err != nil {
			return err
		}
	}
	return nil
}

// trackBaseUsedByRouteLocked reports whether any route starts or ends at
// the track-base. Callers hold m.mu.
func (m *Manager) trackBaseUsedByRouteLocked(target model.ObjectIdentifier) (model.RouteID, bool) {
	for id, route := range m.routes {
		if route.From() == target || route.To() == target {
			return id, true
		}
	}
	return model.RouteNone, false
}

func (m *Manager) notifySaved(target model.ObjectIdentifier, name string) {
	m.eachObserver(func(o Observer) { o.EntitySaved(target, name) })
}

func (m *Manager) notifyDeleted(target model.ObjectIdentifier, name string) {
	m.eachObserver(func(o Observer) { o.EntityDeleted(target, name) })
}

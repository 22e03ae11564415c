package manager

import (
	"fmt"
	"time"

	"github.com/nerrad567/iron-rail-core/internal/model"
)

// This file implements the command fan-in (UI and automode commands go to
// the entity, the observers, and the hardware driver) and the event
// fan-in (hardware events go to the entity, the observers, and the
// automode engine of the affected locomotive). Together with the lookup
// accessors it makes Manager a model.Control.

// SetBooster switches the process-global track power and fans the
// command out to every driver.
func (m *Manager) SetBooster(state model.BoosterState) error {
	m.boosterMu.Lock()
	changed := m.booster != state
	m.booster = state
	m.boosterMu.Unlock()
	if !changed {
		return nil
	}
	m.logger.Info("booster", "state", state)

	m.controlsMu.RLock()
	for id, driver := range m.controls {
		if err := driver.Booster(state); err != nil {
			m.logger.Error("booster command failed", "control", id, "error", err)
		}
	}
	m.controlsMu.RUnlock()

	if m.metrics != nil {
		m.metrics.BoosterState(state)
	}
	m.eachObserver(func(o Observer) { o.BoosterState(state) })
	return nil
}

// Booster implements model.Control: the current track-power state.
func (m *Manager) Booster() model.BoosterState {
	m.boosterMu.RLock()
	defer m.boosterMu.RUnlock()
	return m.booster
}

// LockerFor implements model.Control: the reservation capability of a
// relation target. Locomotive targets return a nil Locker: function
// relations do not take part in reservation.
func (m *Manager) LockerFor(target model.ObjectIdentifier) (model.Locker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch target.Type {
	case model.ObjectTypeTrack:
		if t, ok := m.tracks[model.TrackID(target.ID)]; ok {
			return t, nil
		}
	case model.ObjectTypeSignal:
		if s, ok := m.signals[model.SignalID(target.ID)]; ok {
			return s, nil
		}
	case model.ObjectTypeSwitch:
		if s, ok := m.switches[model.SwitchID(target.ID)]; ok {
			return &s.Lockable, nil
		}
	case model.ObjectTypeAccessory:
		if a, ok := m.accessories[model.AccessoryID(target.ID)]; ok {
			return &a.Lockable, nil
		}
	case model.ObjectTypeRoute:
		// sub-routes are claimed as plain lockables; their own relations
		// are not cascaded, which keeps reservation acyclic
		if r, ok := m.routes[model.RouteID(target.ID)]; ok {
			return &r.Lockable, nil
		}
	case model.ObjectTypeLoco:
		if _, ok := m.locos[model.LocoID(target.ID)]; ok {
			return nil, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, target)
}

// TrackBaseFor implements model.Control.
func (m *Manager) TrackBaseFor(target model.ObjectIdentifier) (model.TrackBase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.trackBaseLocked(target)
}

// LocoSpeed commands a locomotive speed: entity, driver, slaves,
// observers.
func (m *Manager) LocoSpeed(id model.LocoID, speed model.Speed) error {
	loco, err := m.LocoByID(id)
	if err != nil {
		return err
	}
	loco.StoreSpeed(speed)
	if driver := m.driverFor(loco.ControlID()); driver != nil {
		if err := driver.LocoSpeed(loco.Protocol(), loco.Address(), speed); err != nil {
			m.logger.Error("loco speed command failed", "loco", id, "error", err)
		}
	}
	m.mirrorToSlaves(loco, func(slave *model.Loco) {
		slave.StoreSpeed(speed)
		if driver := m.driverFor(slave.ControlID()); driver != nil {
			if err := driver.LocoSpeed(slave.Protocol(), slave.Address(), speed); err != nil {
				m.logger.Error("slave speed command failed", "loco", slave.LocoID(), "error", err)
			}
		}
	})
	m.eachObserver(func(o Observer) { o.LocoSpeed(id, speed) })
	return nil
}

// LocoOrientation commands a locomotive direction.
func (m *Manager) LocoOrientation(id model.LocoID, orientation model.Orientation) error {
	loco, err := m.LocoByID(id)
	if err != nil {
		return err
	}
	loco.StoreOrientation(orientation)
	if driver := m.driverFor(loco.ControlID()); driver != nil {
		if err := driver.LocoOrientation(loco.Protocol(), loco.Address(), orientation); err != nil {
			m.logger.Error("loco orientation command failed", "loco", id, "error", err)
		}
	}
	m.mirrorToSlaves(loco, func(slave *model.Loco) {
		slave.StoreOrientation(orientation)
		if driver := m.driverFor(slave.ControlID()); driver != nil {
			if err := driver.LocoOrientation(slave.Protocol(), slave.Address(), orientation); err != nil {
				m.logger.Error("slave orientation command failed", "loco", slave.LocoID(), "error", err)
			}
		}
	})
	m.eachObserver(func(o Observer) { o.LocoOrientation(id, orientation) })
	return nil
}

// LocoFunction switches a locomotive function slot.
func (m *Manager) LocoFunction(id model.LocoID, nr model.FunctionNr, on bool) error {
	loco, err := m.LocoByID(id)
	if err != nil {
		return err
	}
	loco.StoreFunction(nr, on)
	if driver := m.driverFor(loco.ControlID()); driver != nil {
		if err := driver.LocoFunction(loco.Protocol(), loco.Address(), nr, on); err != nil {
			m.logger.Error("loco function command failed", "loco", id, "error", err)
		}
	}
	m.mirrorToSlaves(loco, func(slave *model.Loco) {
		slave.StoreFunction(nr, on)
		if driver := m.driverFor(slave.ControlID()); driver != nil {
			if err := driver.LocoFunction(slave.Protocol(), slave.Address(), nr, on); err != nil {
				m.logger.Error("slave function command failed", "loco", slave.LocoID(), "error", err)
			}
		}
	})
	m.eachObserver(func(o Observer) { o.LocoFunction(id, nr, on) })
	return nil
}

// mirrorToSlaves applies fn to every resolvable slave of the master.
func (m *Manager) mirrorToSlaves(master *model.Loco, fn func(slave *model.Loco)) {
	for _, rel := range master.Slaves() {
		target := rel.Target()
		if target.Type != model.ObjectTypeLoco {
			continue
		}
		slave, err := m.LocoByID(model.LocoID(target.ID))
		if err != nil {
			continue
		}
		fn(slave)
	}
}

// AccessoryState switches an accessory output with its activation pulse.
func (m *Manager) AccessoryState(id model.AccessoryID, state model.AccessoryState) error {
	acc, err := m.AccessoryByID(id)
	if err != nil {
		return err
	}
	acc.SetState(state)
	m.sendAccessoryPulse(acc.ControlID(), acc.Protocol(), acc.Address(), uint8(state), acc.Duration())
	m.eachObserver(func(o Observer) { o.AccessoryState(id, state) })
	return nil
}

// SwitchState sets a turnout position.
func (m *Manager) SwitchState(id model.SwitchID, state model.SwitchState) error {
	sw, err := m.SwitchByID(id)
	if err != nil {
		return err
	}
	sw.SetState(state)
	m.sendAccessoryPulse(sw.ControlID(), sw.Protocol(), sw.Address(), uint8(state), sw.Duration())
	m.eachObserver(func(o Observer) { o.SwitchState(id, state) })
	return nil
}

// SignalState sets a signal aspect.
func (m *Manager) SignalState(id model.SignalID, state model.SignalState) error {
	sig, err := m.SignalByID(id)
	if err != nil {
		return err
	}
	sig.SetState(state)
	m.sendAccessoryPulse(sig.ControlID(), sig.Protocol(), sig.Address(), uint8(state), 0)
	m.eachObserver(func(o Observer) { o.SignalState(id, state) })
	return nil
}

// sendAccessoryPulse activates an accessory output and schedules the
// release of the activation pulse after the configured duration.
func (m *Manager) sendAccessoryPulse(controlID model.ControlID, protocol model.Protocol, address model.Address, state uint8, durationMS uint16) {
	driver := m.driverFor(controlID)
	if driver == nil {
		return
	}
	if err := driver.Accessory(protocol, address, state, true); err != nil {
		m.logger.Error("accessory command failed", "control", controlID, "address", address, "error", err)
		return
	}
	if durationMS == 0 {
		durationMS = m.GetSettings().AccessoryDurationMS
	}
	time.AfterFunc(time.Duration(durationMS)*time.Millisecond, func() {
		if err := driver.Accessory(protocol, address, state, false); err != nil {
			m.logger.Error("accessory release failed", "control", controlID, "address", address, "error", err)
		}
	})
}

// TrackBaseOrientation turns a track-base. Refused while a locomotive
// owns it.
func (m *Manager) TrackBaseOrientation(target model.ObjectIdentifier, orientation model.Orientation) error {
	tb, err := m.TrackBaseFor(target)
	if err != nil {
		return err
	}
	if owner := tb.LockedBy(); owner != model.LocoNone {
		return fmt.Errorf("%w: track %q owned by loco %d", model.ErrInUse, tb.BaseName(), owner)
	}
	tb.SetOrientation(orientation)
	m.eachObserver(func(o Observer) { o.TrackState(target) })
	return nil
}

// ExecuteRoute drives a route's at-lock relation targets to their states.
func (m *Manager) ExecuteRoute(id model.RouteID) error {
	route, err := m.RouteByID(id)
	if err != nil {
		return err
	}
	if err := route.Execute(); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.RouteExecuted()
	}
	m.eachObserver(func(o Observer) { o.RouteExecuted(id) })
	return nil
}

// RouteReleased implements model.Control: fan a route release out.
func (m *Manager) RouteReleased(id model.RouteID) {
	m.eachObserver(func(o Observer) { o.RouteReleased(id) })
}

// LocoReleased implements model.Control.
func (m *Manager) LocoReleased(id model.LocoID) {
	m.eachObserver(func(o Observer) { o.LocoReleased(id) })
}

// TrackBaseStateChanged implements model.Control.
func (m *Manager) TrackBaseStateChanged(target model.ObjectIdentifier) {
	m.eachObserver(func(o Observer) { o.TrackState(target) })
}

// ReservationDenied implements model.Control: reservation contention
// feeds the instrumentation only, the engine retries via its policy.
func (m *Manager) ReservationDenied(loco model.LocoID, route model.RouteID) {
	m.logger.Debug("reservation denied", "loco", loco, "route", route)
	if m.metrics != nil {
		m.metrics.ReservationDenied()
	}
}

// LocoAutoMode hands a locomotive to the automode engine.
func (m *Manager) LocoAutoMode(id model.LocoID) error {
	loco, err := m.LocoByID(id)
	if err != nil {
		return err
	}
	if err := loco.GoToAutoMode(); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.LocoAutomode(1)
	}
	m.eachObserver(func(o Observer) { o.LocoState(id, loco.State()) })
	return nil
}

// LocoManualMode requests manual mode for a locomotive. The request takes
// effect when the locomotive is at rest between routes; otherwise after
// the current head route completes.
func (m *Manager) LocoManualMode(id model.LocoID) error {
	loco, err := m.LocoByID(id)
	if err != nil {
		return err
	}
	wasAuto := loco.IsInAutoMode()
	loco.RequestManualMode()
	if wasAuto && m.metrics != nil {
		m.metrics.LocoAutomode(-1)
	}
	m.eachObserver(func(o Observer) { o.LocoState(id, loco.State()) })
	return nil
}

// LocoRelease frees everything a locomotive owns and returns it to manual
// mode.
func (m *Manager) LocoRelease(id model.LocoID) error {
	loco, err := m.LocoByID(id)
	if err != nil {
		return err
	}
	_ = m.LocoSpeed(id, model.MinSpeed)
	return loco.Release()
}

// TrackSetLoco places a locomotive on a track-base manually.
func (m *Manager) TrackSetLoco(target model.ObjectIdentifier, locoID model.LocoID) error {
	loco, err := m.LocoByID(locoID)
	if err != nil {
		return err
	}
	tb, err := m.TrackBaseFor(target)
	if err != nil {
		return err
	}
	if err := loco.SetTrack(tb); err != nil {
		return err
	}
	m.eachObserver(func(o Observer) { o.TrackState(target) })
	return nil
}

// TrackSetBlocked bars or admits a track-base for automatic mode.
func (m *Manager) TrackSetBlocked(target model.ObjectIdentifier, blocked bool) error {
	tb, err := m.TrackBaseFor(target)
	if err != nil {
		return err
	}
	switch t := tb.(type) {
	case *model.Track:
		t.SetBlocked(blocked)
	case *model.Signal:
		t.SetBlocked(blocked)
	}
	m.eachObserver(func(o Observer) { o.TrackState(target) })
	return nil
}

// HardwareFeedbackState is the inbound event path from drivers: resolve
// the feedback, store its state, notify observers, and wake the automode
// engine owning the related track-base.
func (m *Manager) HardwareFeedbackState(controlID model.ControlID, pin model.FeedbackPin, state model.FeedbackState) {
	fb := m.feedbackByPin(controlID, pin)
	if fb == nil {
		if !m.GetSettings().AutoAddFeedback {
			m.logger.Debug("ignoring unknown feedback", "control", controlID, "pin", pin)
			return
		}
		var err error
		fb, err = m.autoAddFeedback(controlID, pin)
		if err != nil {
			m.logger.Error("auto-adding feedback failed", "control", controlID, "pin", pin, "error", err)
			return
		}
	}

	logical := fb.SetState(state)
	if m.metrics != nil {
		m.metrics.FeedbackEvent()
	}
	m.eachObserver(func(o Observer) { o.FeedbackState(fb.FeedbackID(), logical) })

	related := fb.RelatedTrack()
	if !related.IsSet() {
		return
	}
	tb, err := m.TrackBaseFor(related)
	if err != nil {
		return
	}
	tb.SetFeedbackState(fb.FeedbackID(), logical)
	m.eachObserver(func(o Observer) { o.TrackState(related) })

	owner := tb.LockedBy()
	if logical == model.FeedbackStateOccupied {
		if owner == model.LocoNone {
			if m.GetSettings().StopOnFeedbackInFreeTrack {
				m.logger.Warn("occupation on free track, stopping booster",
					"track", tb.BaseName(), "feedback", fb.FeedbackID())
				_ = m.SetBooster(model.BoosterStop)
			}
			return
		}
		if loco, err := m.LocoByID(owner); err == nil && loco.IsInAutoMode() {
			loco.LocationReached(fb.FeedbackID())
		}
		return
	}

	// all sensors free: auto-release tracks of manually driven locos
	if owner != model.LocoNone && tb.ReleaseWhenFree() && !tb.Occupied() {
		if loco, err := m.LocoByID(owner); err == nil && !loco.IsInAutoMode() && loco.Track() != tb {
			_ = tb.Release(owner)
			m.eachObserver(func(o Observer) { o.TrackState(related) })
		}
	}
}

// HardwareBoosterState records a power change commanded on the command
// station itself.
func (m *Manager) HardwareBoosterState(controlID model.ControlID, state model.BoosterState) {
	m.logger.Info("booster changed on control", "control", controlID, "state", state)
	_ = m.SetBooster(state)
}

func (m *Manager) feedbackByPin(controlID model.ControlID, pin model.FeedbackPin) *model.Feedback {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pins, ok := m.feedbackPins[controlID]
	if !ok {
		return nil
	}
	id, ok := pins[pin]
	if !ok {
		return nil
	}
	return m.feedbacks[id]
}

// autoAddFeedback creates a feedback entity for an unknown (control, pin)
// pair. The entity lands on the control's raw feedback grid layer.
func (m *Manager) autoAddFeedback(controlID model.ControlID, pin model.FeedbackPin) (*model.Feedback, error) {
	m.mu.Lock()
	id := m.nextFeedbackIDLocked()
	fb := model.NewFeedback(id, fmt.Sprintf("Feedback %d/%d", controlID, pin), controlID, pin)
	fb.SetLayer(model.LayerID(-int8(controlID)))
	m.feedbacks[id] = fb
	pins, ok := m.feedbackPins[controlID]
	if !ok {
		pins = make(map[model.FeedbackPin]model.FeedbackID)
		m.feedbackPins[controlID] = pins
	}
	pins[pin] = id
	m.mu.Unlock()

	if err := m.storage.SaveObject(model.ObjectTypeFeedback, model.ObjectID(id), fb.Name(), fb.Serialize()); err != nil {
		return fb, err
	}
	m.logger.Info("feedback auto-added", "control", controlID, "pin", pin, "id", id)
	m.eachObserver(func(o Observer) {
		o.EntitySaved(model.ObjectIdentifier{Type: model.ObjectTypeFeedback, ID: model.ObjectID(id)}, fb.Name())
	})
	return fb, nil
}

func (m *Manager) nextFeedbackIDLocked() model.FeedbackID {
	var max model.FeedbackID
	for id := range m.feedbacks {
		if id > max {
			max = id
		}
	}
	return max + 1
}

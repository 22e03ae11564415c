// Package manager owns every layout entity and is the single dispatcher
// between the control surfaces (HTTP, MQTT), the automode engines, the
// hardware drivers, and the observer subscribers.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nerrad567/iron-rail-core/internal/hardware"
	"github.com/nerrad567/iron-rail-core/internal/infrastructure/logging"
	"github.com/nerrad567/iron-rail-core/internal/model"
)

// Errors surfaced by the manager.
var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("manager: not found")

	// ErrConfigInvalid is returned when a save is refused by validation.
	// The wrap carries the reason.
	ErrConfigInvalid = errors.New("manager: invalid configuration")
)

// Logger is the logging interface the manager uses.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// namedLogger derives a child logger tagged with a component name when
// the configured logger supports it.
func (m *Manager) namedLogger(name string) Logger {
	if nl, ok := m.logger.(interface{ Named(string) *logging.Logger }); ok {
		return nl.Named(name)
	}
	return m.logger
}

// Storage is the persistence contract the manager needs. The storage
// package implements it over SQLite.
type Storage interface {
	SaveObject(objectType model.ObjectType, id model.ObjectID, name, serialized string) error
	DeleteObject(objectType model.ObjectType, id model.ObjectID) error
	ObjectsOfType(objectType model.ObjectType) ([]string, error)

	SaveRelations(objectType model.ObjectType, id model.ObjectID, relations []*model.Relation) error
	RelationsFor(objectType model.ObjectType, id model.ObjectID) ([]string, error)
	DeleteRelations(objectType model.ObjectType, id model.ObjectID) error

	Setting(key string) (string, error)
	SetSetting(key, value string) error

	HardwareParams() ([]hardware.Params, error)
	SaveHardwareParams(params *hardware.Params) error
	DeleteHardwareParams(controlID model.ControlID) error
}

// Metrics is the instrumentation hook. The telemetry package implements
// it; a nil Metrics disables instrumentation.
type Metrics interface {
	RouteExecuted()
	ReservationDenied()
	FeedbackEvent()
	LocoAutomode(delta int)
	BoosterState(state model.BoosterState)
}

// Manager is the process-wide registry and dispatcher. It owns every
// entity by (type, id); all other references between entities are logical
// ids resolved here.
type Manager struct {
	logger  Logger
	storage Storage
	metrics Metrics

	// mu guards the entity maps. Entity runtime state has its own
	// per-entity locking; mu only covers registry membership.
	mu          sync.RWMutex
	locos       map[model.LocoID]*model.Loco
	tracks      map[model.TrackID]*model.Track
	signals     map[model.SignalID]*model.Signal
	switches    map[model.SwitchID]*model.Switch
	accessories map[model.AccessoryID]*model.Accessory
	feedbacks   map[model.FeedbackID]*model.Feedback
	routes      map[model.RouteID]*model.Route
	layers      map[model.LayerID]*model.Layer

	// feedbackPins indexes feedbacks by (control, pin) for event fan-in.
	feedbackPins map[model.ControlID]map[model.FeedbackPin]model.FeedbackID

	controlsMu     sync.RWMutex
	controls       map[model.ControlID]hardware.Driver
	hardwareParams map[model.ControlID]*hardware.Params

	boosterMu sync.RWMutex
	booster   model.BoosterState

	observersMu sync.RWMutex
	observers   []Observer

	settingsMu sync.RWMutex
	settings   Settings
}

// New creates a manager over the given storage.
func New(storage Storage, logger Logger) *Manager {
	if logger == nil {
		logger = noopLogger{}
	}
	m := &Manager{
		logger:         logger,
		storage:        storage,
		locos:          make(map[model.LocoID]*model.Loco),
		tracks:         make(map[model.TrackID]*model.Track),
		signals:        make(map[model.SignalID]*model.Signal),
		switches:       make(map[model.SwitchID]*model.Switch),
		accessories:    make(map[model.AccessoryID]*model.Accessory),
		feedbacks:      make(map[model.FeedbackID]*model.Feedback),
		routes:         make(map[model.RouteID]*model.Route),
		layers:         make(map[model.LayerID]*model.Layer),
		feedbackPins:   make(map[model.ControlID]map[model.FeedbackPin]model.FeedbackID),
		controls:       make(map[model.ControlID]hardware.Driver),
		hardwareParams: make(map[model.ControlID]*hardware.Params),
		booster:        model.BoosterStop,
		settings:       defaultSettings(),
	}
	return m
}

// SetMetrics installs the instrumentation hook.
func (m *Manager) SetMetrics(metrics Metrics) {
	m.metrics = metrics
}

// Load restores settings, hardware drivers, and every entity from
// storage, then wires the cross-references (routes into their origin
// track-bases, feedbacks into their track-bases).
func (m *Manager) Load(ctx context.Context) error {
	m.loadSettings()

	params, err := m.storage.HardwareParams()
	if err != nil {
		return fmt.Errorf("loading hardware params: %w", err)
	}
	for i := range params {
		p := params[i]
		if err := m.addControl(ctx, &p); err != nil {
			m.logger.Error("starting hardware driver failed",
				"control", p.ControlID, "type", p.Type, "error", err)
		}
	}

	if err := m.loadEntities(); err != nil {
		return err
	}
	m.wireReferences()
	m.logger.Info("layout loaded",
		"locos", len(m.locos),
		"tracks", len(m.tracks),
		"signals", len(m.signals),
		"switches", len(m.switches),
		"accessories", len(m.accessories),
		"feedbacks", len(m.feedbacks),
		"routes", len(m.routes),
	)
	return nil
}

func (m *Manager) loadEntities() error {
	load := func(t model.ObjectType, restore func(serialized string) error) error {
		serializeds, err := m.storage.ObjectsOfType(t)
		if err != nil {
			return fmt.Errorf("loading %s objects: %w", t, err)
		}
		for _, s := range serializeds {
			if err := restore(s); err != nil {
				m.logger.Error("skipping unreadable object", "type", t, "error", err)
			}
		}
		return nil
	}

	if err := load(model.ObjectTypeLayer, func(s string) error {
		layer := &model.Layer{}
		if err := layer.Deserialize(s); err != nil {
			return err
		}
		m.layers[layer.LayerID()] = layer
		return nil
	}); err != nil {
		return err
	}
	if _, ok := m.layers[model.LayerUndeletable]; !ok {
		m.layers[model.LayerUndeletable] = model.NewLayer(model.LayerUndeletable, "Layer 1")
	}

	if err := load(model.ObjectTypeTrack, func(s string) error {
		track := model.NewTrack(model.TrackNone, "")
		if err := track.Deserialize(s); err != nil {
			return err
		}
		m.tracks[track.TrackID()] = track
		return nil
	}); err != nil {
		return err
	}

	if err := load(model.ObjectTypeSignal, func(s string) error {
		signal := model.NewSignal(model.SignalNone, "", model.ControlNone, model.ProtocolNone, model.AddressNone)
		if err := signal.Deserialize(s); err != nil {
			return err
		}
		m.signals[signal.SignalID()] = signal
		return nil
	}); err != nil {
		return err
	}

	if err := load(model.ObjectTypeSwitch, func(s string) error {
		sw := model.NewSwitch(model.SwitchNone, "", model.ControlNone, model.ProtocolNone, model.AddressNone)
		if err := sw.Deserialize(s); err != nil {
			return err
		}
		m.switches[sw.SwitchID()] = sw
		return nil
	}); err != nil {
		return err
	}

	if err := load(model.ObjectTypeAccessory, func(s string) error {
		acc := model.NewAccessory(model.AccessoryNone, "", model.ControlNone, model.ProtocolNone, model.AddressNone)
		if err := acc.Deserialize(s); err != nil {
			return err
		}
		m.accessories[acc.AccessoryID()] = acc
		return nil
	}); err != nil {
		return err
	}

	if err := load(model.ObjectTypeFeedback, func(s string) error {
		fb := model.NewFeedback(model.FeedbackNone, "", model.ControlNone, 0)
		if err := fb.Deserialize(s); err != nil {
			return err
		}
		m.feedbacks[fb.FeedbackID()] = fb
		return nil
	}); err != nil {
		return err
	}

	if err := load(model.ObjectTypeRoute, func(s string) error {
		route := model.NewRoute(m, model.RouteNone, "")
		if err := route.Deserialize(s); err != nil {
			return err
		}
		relations, err := m.storage.RelationsFor(model.ObjectTypeRoute, model.ObjectID(route.RouteID()))
		if err != nil {
			return err
		}
		var atLock, atUnlock []*model.Relation
		for _, rs := range relations {
			rel, err := model.DeserializeRelation(m, route.RouteID(), rs)
			if err != nil {
				m.logger.Error("skipping unreadable relation", "route", route.RouteID(), "error", err)
				continue
			}
			if rel.AtUnlock() {
				atUnlock = append(atUnlock, rel)
			} else {
				atLock = append(atLock, rel)
			}
		}
		if err := route.AssignRelations(atLock, atUnlock); err != nil {
			m.logger.Warn("route loaded in use, relations kept", "route", route.RouteID())
		}
		m.routes[route.RouteID()] = route
		return nil
	}); err != nil {
		return err
	}

	if err := load(model.ObjectTypeLoco, func(s string) error {
		loco := model.NewLoco(m, model.LocoNone, "")
		if err := loco.Deserialize(s); err != nil {
			return err
		}
		loco.SetLogger(m.namedLogger(fmt.Sprintf("loco-%d", loco.LocoID())))
		m.locos[loco.LocoID()] = loco
		return nil
	}); err != nil {
		return err
	}

	return nil
}

// wireReferences rebuilds the runtime cross-references after loading.
func (m *Manager) wireReferences() {
	for id, fb := range m.feedbacks {
		pins, ok := m.feedbackPins[fb.ControlID()]
		if !ok {
			pins = make(map[model.FeedbackPin]model.FeedbackID)
			m.feedbackPins[fb.ControlID()] = pins
		}
		pins[fb.Pin()] = id
	}

	trackBases := func(fn func(tb model.TrackBase)) {
		for _, t := range m.tracks {
			fn(t)
		}
		for _, s := range m.signals {
			fn(s)
		}
	}

	trackBases(func(tb model.TrackBase) {
		for _, fid := range tb.Feedbacks() {
			if fb, ok := m.feedbacks[fid]; ok {
				fb.SetRelatedTrack(tb.ObjectIdentifier())
			}
		}
	})

	for _, route := range m.routes {
		from := route.From()
		if !from.IsTrackBase() {
			continue
		}
		if tb, err := m.trackBaseLocked(from); err == nil {
			tb.AddRouteFrom(route)
		}
	}
}

// Shutdown stops every automode engine and hardware driver. Automode
// locomotives are stopped and released; drivers observe shutdown within a
// second.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	locos := make([]*model.Loco, 0, len(m.locos))
	for _, l := range m.locos {
		locos = append(locos, l)
	}
	m.mu.RUnlock()
	for _, l := range locos {
		if l.IsInAutoMode() {
			_ = m.LocoSpeed(l.LocoID(), model.MinSpeed)
			_ = l.Release()
		}
	}

	_ = m.SetBooster(model.BoosterStop)

	m.controlsMu.Lock()
	defer m.controlsMu.Unlock()
	for id, driver := range m.controls {
		if err := driver.Close(); err != nil {
			m.logger.Error("closing hardware driver", "control", id, "error", err)
		}
	}
	m.controls = make(map[model.ControlID]hardware.Driver)
}

// addControl constructs and starts the driver for params.
func (m *Manager) addControl(ctx context.Context, params *hardware.Params) error {
	driver, err := hardware.New(params, m, m.logger)
	if err != nil {
		return err
	}
	if err := driver.Start(ctx); err != nil {
		return err
	}
	m.controlsMu.Lock()
	m.controls[params.ControlID] = driver
	m.hardwareParams[params.ControlID] = params
	m.controlsMu.Unlock()
	m.logger.Info("hardware driver started", "control", params.ControlID, "driver", driver.Name())
	return nil
}

// SaveControl persists hardware params and (re)starts the driver.
func (m *Manager) SaveControl(ctx context.Context, params *hardware.Params) error {
	if params.ControlID == model.ControlNone {
		return fmt.Errorf("%w: control id required", ErrConfigInvalid)
	}
	if err := m.storage.SaveHardwareParams(params); err != nil {
		return err
	}
	m.controlsMu.Lock()
	if old, ok := m.controls[params.ControlID]; ok {
		_ = old.Close()
		delete(m.controls, params.ControlID)
	}
	m.controlsMu.Unlock()
	return m.addControl(ctx, params)
}

// DeleteControl stops the driver and removes its params.
func (m *Manager) DeleteControl(controlID model.ControlID) error {
	m.controlsMu.Lock()
	if driver, ok := m.controls[controlID]; ok {
		_ = driver.Close()
		delete(m.controls, controlID)
	}
	delete(m.hardwareParams, controlID)
	m.controlsMu.Unlock()
	return m.storage.DeleteHardwareParams(controlID)
}

// driverFor returns the hardware driver of a control, nil when absent.
func (m *Manager) driverFor(controlID model.ControlID) hardware.Driver {
	m.controlsMu.RLock()
	defer m.controlsMu.RUnlock()
	return m.controls[controlID]
}

// ControlParams returns the persisted hardware parameters.
func (m *Manager) ControlParams() []hardware.Params {
	m.controlsMu.RLock()
	defer m.controlsMu.RUnlock()
	out := make([]hardware.Params, 0, len(m.hardwareParams))
	for _, p := range m.hardwareParams {
		out = append(out, *p)
	}
	return out
}

// trackBaseLocked resolves a track-base; callers hold m.mu.
func (m *Manager) trackBaseLocked(target model.ObjectIdentifier) (model.TrackBase, error) {
	switch target.Type {
	case model.ObjectTypeTrack:
		if t, ok := m.tracks[model.TrackID(target.ID)]; ok {
			return t, nil
		}
	case model.ObjectTypeSignal:
		if s, ok := m.signals[model.SignalID(target.ID)]; ok {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: track-base %s", ErrNotFound, target)
}

// Lookup accessors. Each returns ErrNotFound wrapped with the reference.

// LocoByID resolves a locomotive. Implements model.Control.
func (m *Manager) LocoByID(id model.LocoID) (*model.Loco, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if l, ok := m.locos[id]; ok {
		return l, nil
	}
	return nil, fmt.Errorf("%w: loco %d", ErrNotFound, id)
}

// TrackByID resolves a track.
func (m *Manager) TrackByID(id model.TrackID) (*model.Track, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.tracks[id]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("%w: track %d", ErrNotFound, id)
}

// SignalByID resolves a signal.
func (m *Manager) SignalByID(id model.SignalID) (*model.Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.signals[id]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: signal %d", ErrNotFound, id)
}

// SwitchByID resolves a switch.
func (m *Manager) SwitchByID(id model.SwitchID) (*model.Switch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.switches[id]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: switch %d", ErrNotFound, id)
}

// AccessoryByID resolves an accessory.
func (m *Manager) AccessoryByID(id model.AccessoryID) (*model.Accessory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.accessories[id]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("%w: accessory %d", ErrNotFound, id)
}

// FeedbackByID resolves a feedback.
func (m *Manager) FeedbackByID(id model.FeedbackID) (*model.Feedback, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if f, ok := m.feedbacks[id]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("%w: feedback %d", ErrNotFound, id)
}

// RouteByID resolves a route.
func (m *Manager) RouteByID(id model.RouteID) (*model.Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.routes[id]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("%w: route %d", ErrNotFound, id)
}

// Locos returns all locomotives.
func (m *Manager) Locos() []*model.Loco {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Loco, 0, len(m.locos))
	for _, l := range m.locos {
		out = append(out, l)
	}
	return out
}

// Tracks returns all tracks.
func (m *Manager) Tracks() []*model.Track {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Track, 0, len(m.tracks))
	for _, t := range m.tracks {
		out = append(out, t)
	}
	return out
}

// Signals returns all signals.
func (m *Manager) Signals() []*model.Signal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Signal, 0, len(m.signals))
	for _, s := range m.signals {
		out = append(out, s)
	}
	return out
}

// Switches returns all switches.
func (m *Manager) Switches() []*model.Switch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Switch, 0, len(m.switches))
	for _, s := range m.switches {
		out = append(out, s)
	}
	return out
}

// Accessories returns all accessories.
func (m *Manager) Accessories() []*model.Accessory {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Accessory, 0, len(m.accessories))
	for _, a := range m.accessories {
		out = append(out, a)
	}
	return out
}

// Feedbacks returns all feedbacks.
func (m *Manager) Feedbacks() []*model.Feedback {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Feedback, 0, len(m.feedbacks))
	for _, f := range m.feedbacks {
		out = append(out, f)
	}
	return out
}

// Routes returns all routes.
func (m *Manager) Routes() []*model.Route {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Route, 0, len(m.routes))
	for _, r := range m.routes {
		out = append(out, r)
	}
	return out
}

// Layers returns all layers.
func (m *Manager) Layers() []*model.Layer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Layer, 0, len(m.layers))
	for _, l := range m.layers {
		out = append(out, l)
	}
	return out
}

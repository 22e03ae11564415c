// Package virtual implements the software-only command station. It
// accepts every command, keeps no transport, and lets tests and virtual
// layouts inject feedback events.
package virtual

import (
	"context"
	"sync"

	"github.com/nerrad567/iron-rail-core/internal/hardware"
	"github.com/nerrad567/iron-rail-core/internal/model"
)

// HardwareType is the registry tag of this driver.
const HardwareType = "virtual"

func init() {
	hardware.Register(HardwareType, func(params *hardware.Params, sink hardware.EventSink, logger hardware.Logger) (hardware.Driver, error) {
		return New(params.ControlID, sink, logger), nil
	})
}

// Driver is the virtual command station.
type Driver struct {
	controlID model.ControlID
	sink      hardware.EventSink
	logger    hardware.Logger

	mu      sync.Mutex
	running bool
	booster model.BoosterState
	cvs     map[uint32]uint8
}

// New creates a virtual driver.
func New(controlID model.ControlID, sink hardware.EventSink, logger hardware.Logger) *Driver {
	return &Driver{controlID: controlID, sink: sink, logger: logger, cvs: make(map[uint32]uint8)}
}

// Name implements hardware.Driver.
func (d *Driver) Name() string { return "Virtual Command Station" }

// Capabilities implements hardware.Driver.
func (d *Driver) Capabilities() hardware.Capability {
	return hardware.CapabilityLoco | hardware.CapabilityAccessory |
		hardware.CapabilityFeedback | hardware.CapabilityProgram
}

// Start implements hardware.Driver.
func (d *Driver) Start(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = true
	return nil
}

// Close implements hardware.Driver.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
	return nil
}

// Booster implements hardware.Driver.
func (d *Driver) Booster(state model.BoosterState) error {
	d.mu.Lock()
	d.booster = state
	d.mu.Unlock()
	d.logger.Debug("virtual booster", "state", state)
	return nil
}

// LocoSpeed implements hardware.Driver.
func (d *Driver) LocoSpeed(protocol model.Protocol, address model.Address, speed model.Speed) error {
	d.logger.Debug("virtual loco speed", "protocol", protocol, "address", address, "speed", speed)
	return nil
}

// LocoOrientation implements hardware.Driver.
func (d *Driver) LocoOrientation(protocol model.Protocol, address model.Address, orientation model.Orientation) error {
	d.logger.Debug("virtual loco orientation", "protocol", protocol, "address", address, "orientation", orientation)
	return nil
}

// LocoFunction implements hardware.Driver.
func (d *Driver) LocoFunction(protocol model.Protocol, address model.Address, nr model.FunctionNr, on bool) error {
	d.logger.Debug("virtual loco function", "protocol", protocol, "address", address, "nr", nr, "on", on)
	return nil
}

// Accessory implements hardware.Driver.
func (d *Driver) Accessory(protocol model.Protocol, address model.Address, state uint8, on bool) error {
	d.logger.Debug("virtual accessory", "protocol", protocol, "address", address, "state", state, "on", on)
	return nil
}

// ProgramRead implements hardware.Programmer against an in-memory CV
// store.
func (d *Driver) ProgramRead(_ model.Protocol, address model.Address, cv uint16) (uint8, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cvs[uint32(address)<<16|uint32(cv)], nil
}

// ProgramWrite implements hardware.Programmer.
func (d *Driver) ProgramWrite(_ model.Protocol, address model.Address, cv uint16, value uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cvs[uint32(address)<<16|uint32(cv)] = value
	return nil
}

// InjectFeedback simulates a sensor event on this control. Virtual
// layouts use it to drive automode without hardware.
func (d *Driver) InjectFeedback(pin model.FeedbackPin, state model.FeedbackState) {
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()
	if !running {
		return
	}
	d.sink.HardwareFeedbackState(d.controlID, pin, state)
}

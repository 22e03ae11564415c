// Package cs2 implements the Märklin Central Station 2/3 driver over the
// CAN-over-UDP protocol: 13-byte frames, commands to port 15731, events
// received on port 15730.
package cs2

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nerrad567/iron-rail-core/internal/hardware"
	"github.com/nerrad567/iron-rail-core/internal/model"
)

// HardwareType is the registry tag of this driver.
const HardwareType = "cs2"

func init() {
	hardware.Register(HardwareType, func(params *hardware.Params, sink hardware.EventSink, logger hardware.Logger) (hardware.Driver, error) {
		return New(params, sink, logger)
	})
}

// CAN-over-UDP constants.
const (
	sendPort    = 15731
	receivePort = 15730

	// frameLength is the fixed CAN frame size on the wire.
	frameLength = 13

	// canHash identifies this sender on the CAN bus.
	canHash = 0x7337

	// sendQueueSize bounds the outbound command queue.
	sendQueueSize = 64

	// receiveTimeout lets the receiver loop observe shutdown.
	receiveTimeout = time.Second
)

// CAN command codes.
const (
	cmdSystem        = 0x00
	cmdLocoSpeed     = 0x04
	cmdLocoDirection = 0x05
	cmdLocoFunction  = 0x06
	cmdAccessory     = 0x0B
	cmdS88Event      = 0x11
)

// System sub-commands.
const (
	sysStop = 0x00
	sysGo   = 0x01
)

// Driver is the CS2/CS3 UDP driver. Commands go through a sender
// goroutine; a receiver goroutine parses inbound frames and forwards
// feedback and system events to the manager.
type Driver struct {
	name   string
	addr   string
	sink   hardware.EventSink
	logger hardware.Logger

	controlID model.ControlID

	sendQueue chan []byte

	mu       sync.Mutex
	sendConn *net.UDPConn
	recvConn *net.UDPConn
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  bool
}

// New creates a CS2 driver. Arg1 of the hardware parameters is the
// station's IP address.
func New(params *hardware.Params, sink hardware.EventSink, logger hardware.Logger) (*Driver, error) {
	if params.Arg1 == "" {
		return nil, fmt.Errorf("%w: cs2 needs the station address in arg1", hardware.ErrUnreachable)
	}
	return &Driver{
		name:      "Maerklin Central Station 2/3 at " + params.Arg1,
		addr:      params.Arg1,
		sink:      sink,
		logger:    logger,
		controlID: params.ControlID,
		sendQueue: make(chan []byte, sendQueueSize),
	}, nil
}

// Name implements hardware.Driver.
func (d *Driver) Name() string { return d.name }

// Capabilities implements hardware.Driver.
func (d *Driver) Capabilities() hardware.Capability {
	return hardware.CapabilityLoco | hardware.CapabilityAccessory | hardware.CapabilityFeedback
}

// Start opens both UDP sockets and launches the sender and receiver
// goroutines.
func (d *Driver) Start(ctx context.Context) error {
	raddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", d.addr, sendPort))
	if err != nil {
		return fmt.Errorf("%w: resolving %s: %v", hardware.ErrUnreachable, d.addr, err)
	}
	sendConn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("%w: %v", hardware.ErrUnreachable, err)
	}
	laddr := &net.UDPAddr{Port: receivePort}
	recvConn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		_ = sendConn.Close()
		return fmt.Errorf("%w: listening on %d: %v", hardware.ErrUnreachable, receivePort, err)
	}

	runCtx, cancel := context.WithCancel(ctx)

	d.mu.Lock()
	d.sendConn = sendConn
	d.recvConn = recvConn
	d.cancel = cancel
	d.running = true
	d.mu.Unlock()

	d.wg.Add(2)
	go d.sender(runCtx)
	go d.receiver(runCtx)

	d.logger.Info("cs2 driver started", "address", d.addr)
	return nil
}

// Close implements hardware.Driver. Goroutines observe shutdown within
// the receive timeout.
func (d *Driver) Close() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.cancel()
	sendConn, recvConn := d.sendConn, d.recvConn
	d.mu.Unlock()

	_ = sendConn.Close()
	_ = recvConn.Close()
	d.wg.Wait()
	d.logger.Info("cs2 driver stopped")
	return nil
}

// sender drains the command queue onto the socket.
func (d *Driver) sender(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-d.sendQueue:
			d.mu.Lock()
			conn := d.sendConn
			d.mu.Unlock()
			if conn == nil {
				return
			}
			if _, err := conn.Write(frame); err != nil {
				d.logger.Error("cs2 send failed", "error", err)
			}
		}
	}
}

// receiver parses inbound frames until shutdown.
func (d *Driver) receiver(ctx context.Context) {
	defer d.wg.Done()
	buffer := make([]byte, frameLength)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.mu.Lock()
		conn := d.recvConn
		d.mu.Unlock()
		if conn == nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(receiveTimeout))
		n, _, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			d.logger.Error("cs2 receive failed", "error", err)
			return
		}
		if n != frameLength {
			d.logger.Warn("cs2 short frame", "length", n)
			continue
		}
		d.parse(buffer)
	}
}

// parse dispatches one inbound CAN frame.
func (d *Driver) parse(frame []byte) {
	command := frame[0]<<7 | frame[1]>>1
	response := frame[1] & 0x01
	switch command {
	case cmdSystem:
		if frame[4] < 5 {
			return
		}
		switch frame[9] {
		case sysStop:
			d.sink.HardwareBoosterState(d.controlID, model.BoosterStop)
		case sysGo:
			d.sink.HardwareBoosterState(d.controlID, model.BoosterGo)
		}
	case cmdS88Event:
		if response == 0 || frame[4] < 12 {
			return
		}
		// contact id in bytes 7-8, new state in byte 10
		pin := model.FeedbackPin(binary.BigEndian.Uint16(frame[7:9]))
		state := model.FeedbackStateFree
		if frame[10] != 0 {
			state = model.FeedbackStateOccupied
		}
		d.sink.HardwareFeedbackState(d.controlID, pin, state)
	}
}

// enqueue hands a frame to the sender without blocking callers.
func (d *Driver) enqueue(frame []byte) error {
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()
	if !running {
		return hardware.ErrUnreachable
	}
	select {
	case d.sendQueue <- frame:
		return nil
	default:
		return fmt.Errorf("%w: send queue full", hardware.ErrUnreachable)
	}
}

// newFrame builds the 13-byte frame header: priority, command, response
// bit, hash, and data length.
func newFrame(prio, command, response, length uint8) []byte {
	frame := make([]byte, frameLength)
	frame[0] = prio<<1 | command>>7
	frame[1] = command<<1 | response
	binary.BigEndian.PutUint16(frame[2:4], canHash)
	frame[4] = length
	return frame
}

// locoID encodes the protocol-specific locomotive address.
func locoID(protocol model.Protocol, address model.Address) uint32 {
	switch protocol {
	case model.ProtocolDCC:
		return 0xC000 + uint32(address)
	case model.ProtocolMFX:
		return 0x4000 + uint32(address)
	default: // MM
		return uint32(address)
	}
}

// Booster implements hardware.Driver.
func (d *Driver) Booster(state model.BoosterState) error {
	frame := newFrame(0, cmdSystem, 0, 5)
	if state == model.BoosterGo {
		frame[9] = sysGo
	} else {
		frame[9] = sysStop
	}
	return d.enqueue(frame)
}

// LocoSpeed implements hardware.Driver.
func (d *Driver) LocoSpeed(protocol model.Protocol, address model.Address, speed model.Speed) error {
	frame := newFrame(0, cmdLocoSpeed, 0, 6)
	binary.BigEndian.PutUint32(frame[5:9], locoID(protocol, address))
	binary.BigEndian.PutUint16(frame[9:11], uint16(speed))
	return d.enqueue(frame)
}

// LocoOrientation implements hardware.Driver.
func (d *Driver) LocoOrientation(protocol model.Protocol, address model.Address, orientation model.Orientation) error {
	frame := newFrame(0, cmdLocoDirection, 0, 5)
	binary.BigEndian.PutUint32(frame[5:9], locoID(protocol, address))
	if orientation == model.OrientationRight {
		frame[9] = 1
	} else {
		frame[9] = 2
	}
	return d.enqueue(frame)
}

// LocoFunction implements hardware.Driver.
func (d *Driver) LocoFunction(protocol model.Protocol, address model.Address, nr model.FunctionNr, on bool) error {
	frame := newFrame(0, cmdLocoFunction, 0, 6)
	binary.BigEndian.PutUint32(frame[5:9], locoID(protocol, address))
	frame[9] = uint8(nr)
	if on {
		frame[10] = 1
	}
	return d.enqueue(frame)
}

// Accessory implements hardware.Driver. Accessory addressing on the CAN
// bus is zero-based with the MM/DCC range selected like locomotives.
func (d *Driver) Accessory(protocol model.Protocol, address model.Address, state uint8, on bool) error {
	frame := newFrame(0, cmdAccessory, 0, 6)
	id := uint32(address) - 1
	if protocol == model.ProtocolDCC {
		id += 0x3800
	} else {
		id += 0x3000
	}
	binary.BigEndian.PutUint32(frame[5:9], id)
	frame[9] = state
	if on {
		frame[10] = 1
	}
	return d.enqueue(frame)
}

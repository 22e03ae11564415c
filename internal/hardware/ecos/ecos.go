// Package ecos implements the ESU ECoS / Märklin Central Station 1 driver
// over the station's TCP line protocol on port 15471. Commands are plain
// text requests; the receiver loop parses reply and event blocks.
package ecos

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/iron-rail-core/internal/hardware"
	"github.com/nerrad567/iron-rail-core/internal/model"
)

// HardwareType is the registry tag of this driver.
const HardwareType = "ecos"

func init() {
	hardware.Register(HardwareType, func(params *hardware.Params, sink hardware.EventSink, logger hardware.Logger) (hardware.Driver, error) {
		return New(params, sink, logger)
	})
}

const (
	port = 15471

	// object ids of the station's built-in managers
	objectBooster  = 1
	objectFeedback = 26

	connectTimeout = 10 * time.Second
	readTimeout    = time.Second
	sendQueueSize  = 64
)

// Driver is the ECoS TCP driver.
type Driver struct {
	name   string
	addr   string
	sink   hardware.EventSink
	logger hardware.Logger

	controlID model.ControlID

	sendQueue chan string

	mu      sync.Mutex
	conn    net.Conn
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates an ECoS driver. Arg1 of the hardware parameters is the
// station's IP address.
func New(params *hardware.Params, sink hardware.EventSink, logger hardware.Logger) (*Driver, error) {
	if params.Arg1 == "" {
		return nil, fmt.Errorf("%w: ecos needs the station address in arg1", hardware.ErrUnreachable)
	}
	return &Driver{
		name:      "ESU ECoS at " + params.Arg1,
		addr:      params.Arg1,
		sink:      sink,
		logger:    logger,
		controlID: params.ControlID,
		sendQueue: make(chan string, sendQueueSize),
	}, nil
}

// Name implements hardware.Driver.
func (d *Driver) Name() string { return d.name }

// Capabilities implements hardware.Driver.
func (d *Driver) Capabilities() hardware.Capability {
	return hardware.CapabilityLoco | hardware.CapabilityAccessory | hardware.CapabilityFeedback
}

// Start connects and launches the sender and receiver goroutines, then
// subscribes to booster and feedback events.
func (d *Driver) Start(ctx context.Context) error {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", d.addr, port), connectTimeout)
	if err != nil {
		return fmt.Errorf("%w: %v", hardware.ErrUnreachable, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.conn = conn
	d.cancel = cancel
	d.running = true
	d.mu.Unlock()

	d.wg.Add(2)
	go d.sender(runCtx)
	go d.receiver(runCtx)

	// subscribe to power and sensor events
	_ = d.send(fmt.Sprintf("request(%d, view)", objectBooster))
	_ = d.send(fmt.Sprintf("request(%d, view)", objectFeedback))

	d.logger.Info("ecos driver started", "address", d.addr)
	return nil
}

// Close implements hardware.Driver.
func (d *Driver) Close() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.cancel()
	conn := d.conn
	d.mu.Unlock()

	_ = conn.Close()
	d.wg.Wait()
	d.logger.Info("ecos driver stopped")
	return nil
}

func (d *Driver) send(request string) error {
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()
	if !running {
		return hardware.ErrUnreachable
	}
	select {
	case d.sendQueue <- request:
		return nil
	default:
		return fmt.Errorf("%w: send queue full", hardware.ErrUnreachable)
	}
}

func (d *Driver) sender(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case request := <-d.sendQueue:
			d.mu.Lock()
			conn := d.conn
			d.mu.Unlock()
			if conn == nil {
				return
			}
			if _, err := fmt.Fprintf(conn, "%s\n", request); err != nil {
				d.logger.Error("ecos send failed", "error", err)
			}
		}
	}
}

func (d *Driver) receiver(ctx context.Context) {
	defer d.wg.Done()
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	scanner := bufio.NewScanner(conn)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					scanner = bufio.NewScanner(conn)
					continue
				}
				select {
				case <-ctx.Done():
					return
				default:
				}
				d.logger.Error("ecos receive failed", "error", err)
			}
			return
		}
		d.parseLine(strings.TrimSpace(scanner.Text()))
	}
}

// parseLine handles single event lines of the form
// "<EVENT id> attr[value]" flattened by the station.
func (d *Driver) parseLine(line string) {
	if line == "" || strings.HasPrefix(line, "<REPLY") || strings.HasPrefix(line, "<END") {
		return
	}
	switch {
	case strings.Contains(line, "status[GO]"):
		d.sink.HardwareBoosterState(d.controlID, model.BoosterGo)
	case strings.Contains(line, "status[STOP]"):
		d.sink.HardwareBoosterState(d.controlID, model.BoosterStop)
	case strings.Contains(line, "state["):
		d.parseFeedbackState(line)
	}
}

// parseFeedbackState decodes a feedback module event: object id and a
// hex state word covering the module's pins.
func (d *Driver) parseFeedbackState(line string) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return
	}
	var moduleID int
	var err error
	if strings.HasPrefix(line, "<EVENT") {
		moduleID, err = strconv.Atoi(strings.TrimSuffix(fields[1], ">"))
	} else {
		moduleID, err = strconv.Atoi(fields[0])
	}
	if err != nil {
		return
	}
	start := strings.Index(line, "state[0x")
	if start < 0 {
		return
	}
	end := strings.Index(line[start:], "]")
	if end < 0 {
		return
	}
	word, err := strconv.ParseUint(line[start+8:start+end], 16, 16)
	if err != nil {
		return
	}
	// modules are 16 pins wide, numbered from object id 100 upwards
	base := model.FeedbackPin((moduleID - 100) * 16)
	for bit := 0; bit < 16; bit++ {
		state := model.FeedbackStateFree
		if word&(1<<uint(bit)) != 0 {
			state = model.FeedbackStateOccupied
		}
		d.sink.HardwareFeedbackState(d.controlID, base+model.FeedbackPin(bit)+1, state)
	}
}

// Booster implements hardware.Driver.
func (d *Driver) Booster(state model.BoosterState) error {
	if state == model.BoosterGo {
		return d.send(fmt.Sprintf("set(%d, go)", objectBooster))
	}
	return d.send(fmt.Sprintf("set(%d, stop)", objectBooster))
}

// LocoSpeed implements hardware.Driver. ECoS locomotive objects start at
// id 1000 and are addressed by their object id; the driver maps decoder
// addresses directly into that range.
func (d *Driver) LocoSpeed(_ model.Protocol, address model.Address, speed model.Speed) error {
	// ECoS speed range is 0-127
	return d.send(fmt.Sprintf("set(%d, speed[%d])", 1000+int(address), int(speed)*127/int(model.MaxSpeed)))
}

// LocoOrientation implements hardware.Driver.
func (d *Driver) LocoOrientation(_ model.Protocol, address model.Address, orientation model.Orientation) error {
	dir := 0
	if orientation == model.OrientationLeft {
		dir = 1
	}
	return d.send(fmt.Sprintf("set(%d, dir[%d])", 1000+int(address), dir))
}

// LocoFunction implements hardware.Driver.
func (d *Driver) LocoFunction(_ model.Protocol, address model.Address, nr model.FunctionNr, on bool) error {
	value := 0
	if on {
		value = 1
	}
	return d.send(fmt.Sprintf("set(%d, func[%d, %d])", 1000+int(address), nr, value))
}

// Accessory implements hardware.Driver. Accessory objects start at id
// 20000.
func (d *Driver) Accessory(_ model.Protocol, address model.Address, state uint8, on bool) error {
	if !on {
		// the station releases outputs itself
		return nil
	}
	return d.send(fmt.Sprintf("set(%d, state[%d])", 20000+int(address), state))
}

package model

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// testControl is the in-memory Control used by the model tests. It
// resolves entities from its own maps and records every hardware command.
type testControl struct {
	mu sync.Mutex

	booster     BoosterState
	approach    SelectRouteApproach
	nrToReserve uint8

	tracks      map[ObjectIdentifier]TrackBase
	switches    map[SwitchID]*Switch
	accessories map[AccessoryID]*Accessory
	signals     map[SignalID]*Signal
	routes      map[RouteID]*Route
	locos       map[LocoID]*Loco

	speedCommands       []Speed
	orientationCommands []Orientation
	functionCommands    []string
	switchCommands      []string
	releasedRoutes      []RouteID
}

func newTestControl() *testControl {
	return &testControl{
		booster:     BoosterGo,
		approach:    SelectRouteDoNotCare,
		nrToReserve: 1,
		tracks:      make(map[ObjectIdentifier]TrackBase),
		switches:    make(map[SwitchID]*Switch),
		accessories: make(map[AccessoryID]*Accessory),
		signals:     make(map[SignalID]*Signal),
		routes:      make(map[RouteID]*Route),
		locos:       make(map[LocoID]*Loco),
	}
}

func (c *testControl) addTrack(t *Track)   { c.tracks[t.ObjectIdentifier()] = t }
func (c *testControl) addSignal(s *Signal) { c.tracks[s.ObjectIdentifier()] = s; c.signals[s.SignalID()] = s }

func (c *testControl) setBooster(state BoosterState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.booster = state
}

func (c *testControl) Booster() BoosterState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.booster
}

func (c *testControl) LockerFor(target ObjectIdentifier) (Locker, error) {
	switch target.Type {
	case ObjectTypeTrack, ObjectTypeSignal:
		if tb, ok := c.tracks[target]; ok {
			return tb, nil
		}
	case ObjectTypeSwitch:
		if sw, ok := c.switches[SwitchID(target.ID)]; ok {
			return &sw.Lockable, nil
		}
	case ObjectTypeAccessory:
		if a, ok := c.accessories[AccessoryID(target.ID)]; ok {
			return &a.Lockable, nil
		}
	case ObjectTypeRoute:
		if r, ok := c.routes[RouteID(target.ID)]; ok {
			return &r.Lockable, nil
		}
	case ObjectTypeLoco:
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownObject, target)
}

func (c *testControl) TrackBaseFor(target ObjectIdentifier) (TrackBase, error) {
	if tb, ok := c.tracks[target]; ok {
		return tb, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownObject, target)
}

func (c *testControl) LocoByID(id LocoID) (*Loco, error) {
	if l, ok := c.locos[id]; ok {
		return l, nil
	}
	return nil, fmt.Errorf("%w: loco %d", ErrUnknownObject, id)
}

func (c *testControl) AccessoryState(id AccessoryID, state AccessoryState) error {
	if a, ok := c.accessories[id]; ok {
		a.SetState(state)
		return nil
	}
	return fmt.Errorf("%w: accessory %d", ErrUnknownObject, id)
}

func (c *testControl) SwitchState(id SwitchID, state SwitchState) error {
	sw, ok := c.switches[id]
	if !ok {
		return fmt.Errorf("%w: switch %d", ErrUnknownObject, id)
	}
	sw.SetState(state)
	c.mu.Lock()
	c.switchCommands = append(c.switchCommands, fmt.Sprintf("%d:%s", id, state))
	c.mu.Unlock()
	return nil
}

func (c *testControl) SignalState(id SignalID, state SignalState) error {
	if s, ok := c.signals[id]; ok {
		s.SetState(state)
		return nil
	}
	return fmt.Errorf("%w: signal %d", ErrUnknownObject, id)
}

func (c *testControl) TrackBaseOrientation(target ObjectIdentifier, orientation Orientation) error {
	tb, err := c.TrackBaseFor(target)
	if err != nil {
		return err
	}
	tb.SetOrientation(orientation)
	return nil
}

func (c *testControl) ExecuteRoute(id RouteID) error {
	route, ok := c.routes[id]
	if !ok {
		return fmt.Errorf("%w: route %d", ErrUnknownObject, id)
	}
	return route.Execute()
}

func (c *testControl) LocoFunction(id LocoID, nr FunctionNr, on bool) error {
	if l, ok := c.locos[id]; ok {
		l.StoreFunction(nr, on)
	}
	c.mu.Lock()
	c.functionCommands = append(c.functionCommands, fmt.Sprintf("%d:%d:%t", id, nr, on))
	c.mu.Unlock()
	return nil
}

func (c *testControl) LocoSpeed(id LocoID, speed Speed) error {
	if l, ok := c.locos[id]; ok {
		l.StoreSpeed(speed)
	}
	c.mu.Lock()
	c.speedCommands = append(c.speedCommands, speed)
	c.mu.Unlock()
	return nil
}

func (c *testControl) LocoOrientation(id LocoID, orientation Orientation) error {
	if l, ok := c.locos[id]; ok {
		l.StoreOrientation(orientation)
	}
	c.mu.Lock()
	c.orientationCommands = append(c.orientationCommands, orientation)
	c.mu.Unlock()
	return nil
}

func (c *testControl) RouteReleased(id RouteID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releasedRoutes = append(c.releasedRoutes, id)
}

func (c *testControl) LocoReleased(LocoID)                    {}
func (c *testControl) TrackBaseStateChanged(ObjectIdentifier) {}
func (c *testControl) ReservationDenied(LocoID, RouteID)      {}

func (c *testControl) DefaultSelectRouteApproach() SelectRouteApproach {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.approach
}

func (c *testControl) NrOfTracksToReserve() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nrToReserve
}

func (c *testControl) lastSpeed() (Speed, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.speedCommands) == 0 {
		return 0, false
	}
	return c.speedCommands[len(c.speedCommands)-1], true
}

// waitFor polls a condition until it holds or the deadline passes. The
// automode engine ticks at 250ms, so scenarios settle well within the
// default deadline.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

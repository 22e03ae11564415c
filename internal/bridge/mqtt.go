// Package bridge connects the manager to the MQTT broker: entity state
// changes publish to state topics, and command topics feed the same verbs
// the HTTP API exposes.
package bridge

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/nerrad567/iron-rail-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/iron-rail-core/internal/manager"
	"github.com/nerrad567/iron-rail-core/internal/model"
)

// Logger is the logging interface the bridge uses.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// MQTTBridge publishes observer events and consumes command topics.
//
// Topics:
//
//	<prefix>/state/<kind>/<id>            retained JSON state
//	<prefix>/command/<verb>/<id>          JSON command payload
type MQTTBridge struct {
	manager.NopObserver
	client  *mqtt.Client
	manager *manager.Manager
	logger  Logger
}

// New creates the bridge, registers it as an observer, and subscribes to
// the command topics.
func New(client *mqtt.Client, mgr *manager.Manager, logger Logger) (*MQTTBridge, error) {
	b := &MQTTBridge{client: client, manager: mgr, logger: logger}
	if err := client.Subscribe(client.CommandTopic(), b.handleCommand); err != nil {
		return nil, err
	}
	mgr.RegisterObserver(b)
	return b, nil
}

func (b *MQTTBridge) publish(kind, id string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := b.client.Publish(b.client.StateTopic(kind, id), data, true); err != nil {
		b.logger.Warn("mqtt state publish failed", "kind", kind, "id", id, "error", err)
	}
}

// BoosterState implements manager.Observer.
func (b *MQTTBridge) BoosterState(state model.BoosterState) {
	b.publish("booster", "0", map[string]string{"state": state.String()})
}

// LocoSpeed implements manager.Observer.
func (b *MQTTBridge) LocoSpeed(id model.LocoID, speed model.Speed) {
	b.publish("loco", strconv.Itoa(int(id)), map[string]any{"speed": int(speed)})
}

// LocoOrientation implements manager.Observer.
func (b *MQTTBridge) LocoOrientation(id model.LocoID, orientation model.Orientation) {
	b.publish("loco", strconv.Itoa(int(id)), map[string]any{"orientation": orientation.String()})
}

// LocoState implements manager.Observer.
func (b *MQTTBridge) LocoState(id model.LocoID, state model.LocoState) {
	b.publish("loco", strconv.Itoa(int(id)), map[string]any{"state": state.String()})
}

// SwitchState implements manager.Observer.
func (b *MQTTBridge) SwitchState(id model.SwitchID, state model.SwitchState) {
	b.publish("switch", strconv.Itoa(int(id)), map[string]any{"state": state.String()})
}

// SignalState implements manager.Observer.
func (b *MQTTBridge) SignalState(id model.SignalID, state model.SignalState) {
	b.publish("signal", strconv.Itoa(int(id)), map[string]any{"state": state.String()})
}

// AccessoryState implements manager.Observer.
func (b *MQTTBridge) AccessoryState(id model.AccessoryID, state model.AccessoryState) {
	b.publish("accessory", strconv.Itoa(int(id)), map[string]any{"state": int(state)})
}

// FeedbackState implements manager.Observer.
func (b *MQTTBridge) FeedbackState(id model.FeedbackID, state model.FeedbackState) {
	b.publish("feedback", strconv.Itoa(int(id)), map[string]any{"state": state.String()})
}

// RouteExecuted implements manager.Observer.
func (b *MQTTBridge) RouteExecuted(id model.RouteID) {
	b.publish("route", strconv.Itoa(int(id)), map[string]any{"executed": true})
}

// commandPayload is the JSON body accepted on command topics.
type commandPayload struct {
	Speed       *int    `json:"speed,omitempty"`
	Orientation *string `json:"orientation,omitempty"`
	State       *string `json:"state,omitempty"`
	Function    *int    `json:"function,omitempty"`
	On          *bool   `json:"on,omitempty"`
}

// handleCommand decodes <prefix>/command/<verb>/<id> messages and
// dispatches the manager verb.
func (b *MQTTBridge) handleCommand(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 {
		return
	}
	verb := parts[len(parts)-2]
	id, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		b.logger.Debug("mqtt command with bad id", "topic", topic)
		return
	}

	var body commandPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &body); err != nil {
			b.logger.Debug("mqtt command with bad payload", "topic", topic, "error", err)
			return
		}
	}

	switch verb {
	case "booster":
		state := model.BoosterStop
		if body.State != nil && *body.State == "go" {
			state = model.BoosterGo
		}
		err = b.manager.SetBooster(state)
	case "locospeed":
		if body.Speed == nil {
			return
		}
		err = b.manager.LocoSpeed(model.LocoID(id), model.Speed(*body.Speed))
	case "locoorientation":
		if body.Orientation == nil {
			return
		}
		orientation := model.OrientationLeft
		if *body.Orientation == "right" {
			orientation = model.OrientationRight
		}
		err = b.manager.LocoOrientation(model.LocoID(id), orientation)
	case "locofunction":
		if body.Function == nil || body.On == nil {
			return
		}
		err = b.manager.LocoFunction(model.LocoID(id), model.FunctionNr(*body.Function), *body.On)
	case "locoautomode":
		err = b.manager.LocoAutoMode(model.LocoID(id))
	case "locomanualmode":
		err = b.manager.LocoManualMode(model.LocoID(id))
	case "locorelease":
		err = b.manager.LocoRelease(model.LocoID(id))
	case "routeexecute":
		err = b.manager.ExecuteRoute(model.RouteID(id))
	case "switchstate":
		err = b.manager.SwitchState(model.SwitchID(id), parseSwitchState(body.State))
	case "signalstate":
		state := model.SignalStateStop
		if body.State != nil && *body.State == "clear" {
			state = model.SignalStateClear
		}
		err = b.manager.SignalState(model.SignalID(id), state)
	case "accessorystate":
		state := model.AccessoryStateOff
		if body.On != nil && *body.On {
			state = model.AccessoryStateOn
		}
		err = b.manager.AccessoryState(model.AccessoryID(id), state)
	default:
		b.logger.Debug("mqtt command with unknown verb", "verb", verb)
		return
	}
	if err != nil {
		b.logger.Warn("mqtt command failed", "verb", verb, "id", id, "error", err)
	}
}

func parseSwitchState(s *string) model.SwitchState {
	if s == nil {
		return model.SwitchStateStraight
	}
	switch *s {
	case "turnout":
		return model.SwitchStateTurnout
	case "third":
		return model.SwitchStateThird
	default:
		return model.SwitchStateStraight
	}
}

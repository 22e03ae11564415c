package telemetry

import (
	"strconv"

	"github.com/nerrad567/iron-rail-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/iron-rail-core/internal/manager"
	"github.com/nerrad567/iron-rail-core/internal/model"
)

// InfluxObserver writes layout activity as time-series points. It
// subscribes to the manager's observer fan-out; with a nil client every
// callback is a cheap no-op.
type InfluxObserver struct {
	manager.NopObserver
	client *influxdb.Client
}

// NewInfluxObserver creates the observer over an optional client.
func NewInfluxObserver(client *influxdb.Client) *InfluxObserver {
	return &InfluxObserver{client: client}
}

// LocoSpeed records commanded locomotive speeds.
func (o *InfluxObserver) LocoSpeed(id model.LocoID, speed model.Speed) {
	o.client.WritePoint("loco_speed",
		map[string]string{"loco": strconv.Itoa(int(id))},
		map[string]any{"speed": int(speed)},
	)
}

// FeedbackState records sensor occupation changes.
func (o *InfluxObserver) FeedbackState(id model.FeedbackID, state model.FeedbackState) {
	occupied := 0
	if state == model.FeedbackStateOccupied {
		occupied = 1
	}
	o.client.WritePoint("feedback",
		map[string]string{"feedback": strconv.Itoa(int(id))},
		map[string]any{"occupied": occupied},
	)
}

// RouteExecuted records route executions.
func (o *InfluxObserver) RouteExecuted(id model.RouteID) {
	o.client.WritePoint("route_executed",
		map[string]string{"route": strconv.Itoa(int(id))},
		map[string]any{"count": 1},
	)
}

// BoosterState records track power changes.
func (o *InfluxObserver) BoosterState(state model.BoosterState) {
	value := 0
	if state == model.BoosterGo {
		value = 1
	}
	o.client.WritePoint("booster", nil, map[string]any{"state": value})
}

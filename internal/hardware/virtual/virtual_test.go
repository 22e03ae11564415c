package virtual

import (
	"context"
	"testing"

	"github.com/nerrad567/iron-rail-core/internal/hardware"
	"github.com/nerrad567/iron-rail-core/internal/model"
)

type sinkRecorder struct {
	events int
	last   model.FeedbackState
}

func (s *sinkRecorder) HardwareFeedbackState(_ model.ControlID, _ model.FeedbackPin, state model.FeedbackState) {
	s.events++
	s.last = state
}

func (s *sinkRecorder) HardwareBoosterState(model.ControlID, model.BoosterState) {}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

func TestFactoryRegistered(t *testing.T) {
	sink := &sinkRecorder{}
	driver, err := hardware.New(&hardware.Params{ControlID: 1, Type: HardwareType}, sink, nopLogger{})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	if driver.Name() == "" {
		t.Error("driver has no name")
	}
}

func TestInjectFeedbackOnlyWhileRunning(t *testing.T) {
	sink := &sinkRecorder{}
	d := New(1, sink, nopLogger{})

	// not started yet: events are dropped
	d.InjectFeedback(4, model.FeedbackStateOccupied)
	if sink.events != 0 {
		t.Fatalf("event delivered before start")
	}

	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	d.InjectFeedback(4, model.FeedbackStateOccupied)
	if sink.events != 1 || sink.last != model.FeedbackStateOccupied {
		t.Fatalf("event not delivered: %d", sink.events)
	}

	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	d.InjectFeedback(4, model.FeedbackStateFree)
	if sink.events != 1 {
		t.Fatalf("event delivered after close")
	}
}

func TestCommandsAccepted(t *testing.T) {
	d := New(1, &sinkRecorder{}, nopLogger{})
	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = d.Close() }()

	if err := d.Booster(model.BoosterGo); err != nil {
		t.Error(err)
	}
	if err := d.LocoSpeed(model.ProtocolDCC, 3, 100); err != nil {
		t.Error(err)
	}
	if err := d.LocoOrientation(model.ProtocolDCC, 3, model.OrientationLeft); err != nil {
		t.Error(err)
	}
	if err := d.LocoFunction(model.ProtocolDCC, 3, 0, true); err != nil {
		t.Error(err)
	}
	if err := d.Accessory(model.ProtocolDCC, 12, 1, true); err != nil {
		t.Error(err)
	}
}

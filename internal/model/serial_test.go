package model

import (
	"strings"
	"testing"
)

func TestParseArguments(t *testing.T) {
	args := ParseArguments("objectType=Track;id=5;name=Yard 1;visible=1;;note=a=b")
	if got := args["objectType"]; got != "Track" {
		t.Errorf("objectType = %q", got)
	}
	if got := args["name"]; got != "Yard 1" {
		t.Errorf("name = %q", got)
	}
	// values may contain '='
	if got := args["note"]; got != "a=b" {
		t.Errorf("note = %q", got)
	}
}

// roundTrip checks P6: serialize, deserialize into a fresh entity,
// serialize again, and require identical output.
func roundTrip(t *testing.T, first Serializable, fresh Serializable) {
	t.Helper()
	serialized := first.Serialize()
	if err := fresh.Deserialize(serialized); err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	again := fresh.Serialize()
	if serialized != again {
		t.Fatalf("round trip not idempotent:\n first: %s\nsecond: %s", serialized, again)
	}
}

func TestTrackRoundTrip(t *testing.T) {
	track := NewTrack(4, "Station 2")
	track.SetPosition(10, 3)
	track.SetLayer(2)
	track.SetLength(210)
	track.SetFeedbacks([]FeedbackID{7, 8})
	track.SetSelectRouteApproach(SelectRouteLongestUnused)
	track.SetReleaseWhenFree(true)
	track.SetTrackType(TrackTypeBridge)
	if err := track.Reserve(3); err != nil {
		t.Fatal(err)
	}

	roundTrip(t, track, NewTrack(TrackNone, ""))

	if !strings.HasPrefix(track.Serialize(), "objectType=Track;") {
		t.Errorf("missing objectType prefix: %s", track.Serialize())
	}
}

func TestSignalRoundTrip(t *testing.T) {
	signal := NewSignal(2, "Exit North", 1, ProtocolDCC, 118)
	signal.SetLength(90)
	signal.SetFeedbacks([]FeedbackID{12})
	signal.SetState(SignalStateClear)
	signal.SetInverted(true)
	roundTrip(t, signal, NewSignal(SignalNone, "", ControlNone, ProtocolNone, AddressNone))
}

func TestSwitchRoundTrip(t *testing.T) {
	sw := NewSwitch(9, "W9", 1, ProtocolMM, 24)
	sw.SetState(SwitchStateTurnout)
	sw.SetDuration(200)
	roundTrip(t, sw, NewSwitch(SwitchNone, "", ControlNone, ProtocolNone, AddressNone))
}

func TestAccessoryRoundTrip(t *testing.T) {
	acc := NewAccessory(3, "Uncoupler", 2, ProtocolDCC, 301)
	acc.SetState(AccessoryStateOn)
	acc.SetInverted(true)
	roundTrip(t, acc, NewAccessory(AccessoryNone, "", ControlNone, ProtocolNone, AddressNone))
}

func TestFeedbackRoundTrip(t *testing.T) {
	fb := NewFeedback(11, "S88-11", 1, 11)
	fb.SetInverted(true)
	fb.SetState(FeedbackStateFree) // raw free + inverted = occupied
	fb.SetRelatedTrack(ObjectIdentifier{Type: ObjectTypeTrack, ID: 4})
	roundTrip(t, fb, NewFeedback(FeedbackNone, "", ControlNone, 0))
}

func TestRouteRoundTrip(t *testing.T) {
	control := newTestControl()
	route := NewRoute(control, 6, "T1 to T2")
	route.SetAutomode(true)
	route.SetEndpoints(
		ObjectIdentifier{Type: ObjectTypeTrack, ID: 1}, OrientationRight,
		ObjectIdentifier{Type: ObjectTypeTrack, ID: 2}, OrientationLeft,
	)
	route.SetSpeed(RouteSpeedReduced)
	route.SetPushpull(PushpullOnly)
	route.SetTrainLengthBounds(50, 300)
	route.SetFeedbacks(3, 4, 5, 6)
	roundTrip(t, route, NewRoute(control, RouteNone, ""))
}

func TestLocoRoundTrip(t *testing.T) {
	control := newTestControl()
	loco := NewLoco(control, 1, "BR 218")
	loco.SetAddressing(1, ProtocolDCC, 218)
	loco.SetTrainLength(120)
	loco.SetPushpull(true)
	loco.SetSpeedPresets(200, 80, 40, 20)
	loco.StoreSpeed(42)
	loco.StoreOrientation(OrientationLeft)
	loco.StoreFunction(0, true)
	loco.StoreFunction(3, true)
	roundTrip(t, loco, NewLoco(control, LocoNone, ""))
}

func TestLayerRoundTrip(t *testing.T) {
	layer := NewLayer(2, "Shadow station")
	roundTrip(t, layer, &Layer{})
}

func TestDeserializeRejectsWrongKind(t *testing.T) {
	track := NewTrack(1, "T1")
	var fb Feedback
	if err := fb.Deserialize(track.Serialize()); err == nil {
		t.Fatal("expected kind mismatch error")
	}
}

func TestDeserializeIgnoresUnknownKeys(t *testing.T) {
	serialized := "objectType=Track;id=3;name=T3;futurekey=whatever;length=100"
	track := NewTrack(TrackNone, "")
	if err := track.Deserialize(serialized); err != nil {
		t.Fatalf("deserialize with unknown key: %v", err)
	}
	if track.TrackID() != 3 || track.Length() != 100 {
		t.Fatalf("fields lost: id=%d length=%d", track.TrackID(), track.Length())
	}
}

func TestRelationRoundTrip(t *testing.T) {
	control := newTestControl()
	rel := NewRelation(control, 6, ObjectIdentifier{Type: ObjectTypeSwitch, ID: 9}, uint8(SwitchStateTurnout), 2, false)
	restored, err := DeserializeRelation(control, 6, rel.Serialize())
	if err != nil {
		t.Fatalf("deserialize relation: %v", err)
	}
	if restored.Target() != rel.Target() || restored.State() != rel.State() ||
		restored.Priority() != rel.Priority() || restored.AtUnlock() != rel.AtUnlock() {
		t.Fatalf("relation fields lost: %+v vs %+v", restored, rel)
	}
}

func TestLocoFunctionsSerialize(t *testing.T) {
	var f LocoFunctions
	f.Set(0, true)
	f.Set(5, true)
	serialized := f.Serialize()

	var g LocoFunctions
	g.Deserialize(serialized)
	if !g.Get(0) || !g.Get(5) || g.Get(1) {
		t.Fatalf("function bits lost: %s", g.Serialize())
	}
}

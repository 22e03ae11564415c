package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/iron-rail-core/internal/hardware"
	"github.com/nerrad567/iron-rail-core/internal/model"
)

// idParam parses the {id} URL parameter.
func idParam(r *http.Request) (int, error) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id < 0 {
		return 0, fmt.Errorf("%w: bad id %q", model.ErrInvalidSerialization, chi.URLParam(r, "id"))
	}
	return id, nil
}

func decode(r *http.Request, into any) error {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidSerialization, err)
	}
	return nil
}

// locoView is the JSON rendering of a locomotive.
type locoView struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Control     int    `json:"control"`
	Protocol    int    `json:"protocol"`
	Address     int    `json:"address"`
	Length      int    `json:"length"`
	Pushpull    bool   `json:"pushpull"`
	Speed       int    `json:"speed"`
	Orientation string `json:"orientation"`
	State       string `json:"state"`
	Track       string `json:"track,omitempty"`
}

func newLocoView(l *model.Loco) locoView {
	v := locoView{
		ID:          int(l.LocoID()),
		Name:        l.Name(),
		Control:     int(l.ControlID()),
		Protocol:    int(l.Protocol()),
		Address:     int(l.Address()),
		Length:      int(l.TrainLength()),
		Pushpull:    l.Pushpull(),
		Speed:       int(l.Speed()),
		Orientation: l.Orientation().String(),
		State:       l.State().String(),
	}
	if track := l.Track(); track != nil {
		v.Track = track.BaseName()
	}
	return v
}

func (s *Server) handleListLocos(w http.ResponseWriter, _ *http.Request) {
	locos := s.manager.Locos()
	views := make([]locoView, 0, len(locos))
	for _, l := range locos {
		views = append(views, newLocoView(l))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetLoco(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	loco, err := s.manager.LocoByID(model.LocoID(id))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newLocoView(loco))
}

// locoSaveRequest is the JSON body of a locomotive save.
type locoSaveRequest struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Control  int    `json:"control"`
	Protocol int    `json:"protocol"`
	Address  int    `json:"address"`
	Length   int    `json:"length"`
	Pushpull bool   `json:"pushpull"`
	Max      int    `json:"max_speed"`
	Travel   int    `json:"travel_speed"`
	Reduced  int    `json:"reduced_speed"`
	Creeping int    `json:"creeping_speed"`
}

func (s *Server) handleSaveLoco(w http.ResponseWriter, r *http.Request) {
	var req locoSaveRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	loco, err := s.manager.LocoByID(model.LocoID(req.ID))
	if err != nil {
		loco = model.NewLoco(s.manager, model.LocoID(req.ID), req.Name)
	}
	loco.SetName(req.Name)
	loco.SetAddressing(model.ControlID(req.Control), model.Protocol(req.Protocol), model.Address(req.Address))
	loco.SetTrainLength(model.Length(req.Length))
	loco.SetPushpull(req.Pushpull)
	loco.SetSpeedPresets(model.Speed(req.Max), model.Speed(req.Travel), model.Speed(req.Reduced), model.Speed(req.Creeping))
	if err := s.manager.SaveLoco(loco); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newLocoView(loco))
}

func (s *Server) handleDeleteLoco(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.manager.DeleteLoco(model.LocoID(id)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleBooster(w http.ResponseWriter, r *http.Request) {
	var req struct {
		State string `json:"state"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	state := model.BoosterStop
	if req.State == "go" {
		state = model.BoosterGo
	}
	if err := s.manager.SetBooster(state); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": state.String()})
}

func (s *Server) handleLocoSpeed(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Speed int `json:"speed"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.manager.LocoSpeed(model.LocoID(id), model.Speed(req.Speed)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"speed": req.Speed})
}

func (s *Server) handleLocoOrientation(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Orientation string `json:"orientation"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	orientation := model.OrientationLeft
	if req.Orientation == "right" {
		orientation = model.OrientationRight
	}
	if err := s.manager.LocoOrientation(model.LocoID(id), orientation); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"orientation": orientation.String()})
}

func (s *Server) handleLocoFunction(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Nr int  `json:"nr"`
		On bool `json:"on"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.manager.LocoFunction(model.LocoID(id), model.FunctionNr(req.Nr), req.On); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"on": req.On})
}

func (s *Server) handleLocoAutoMode(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.manager.LocoAutoMode(model.LocoID(id)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": "automode"})
}

func (s *Server) handleLocoManualMode(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.manager.LocoManualMode(model.LocoID(id)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": "manual requested"})
}

func (s *Server) handleLocoRelease(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.manager.LocoRelease(model.LocoID(id)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"released": true})
}

// trackView is the JSON rendering of a track-base.
type trackView struct {
	ID          int    `json:"id"`
	Kind        string `json:"kind"`
	Name        string `json:"name"`
	Orientation string `json:"orientation"`
	Length      int    `json:"length"`
	LockState   string `json:"lock_state"`
	Loco        int    `json:"loco,omitempty"`
	Blocked     bool   `json:"blocked"`
	Occupied    bool   `json:"occupied"`
}

func newTrackView(tb model.TrackBase) trackView {
	target := tb.ObjectIdentifier()
	return trackView{
		ID:          int(target.ID),
		Kind:        target.Type.String(),
		Name:        tb.BaseName(),
		Orientation: tb.Orientation().String(),
		Length:      int(tb.Length()),
		LockState:   tb.LockState().String(),
		Loco:        int(tb.LockedBy()),
		Blocked:     tb.Blocked(),
		Occupied:    tb.Occupied(),
	}
}

func (s *Server) handleListTracks(w http.ResponseWriter, _ *http.Request) {
	tracks := s.manager.Tracks()
	views := make([]trackView, 0, len(tracks))
	for _, t := range tracks {
		views = append(views, newTrackView(t))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleTrackSetLoco(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Loco int `json:"loco"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	target := model.ObjectIdentifier{Type: model.ObjectTypeTrack, ID: model.ObjectID(id)}
	if err := s.manager.TrackSetLoco(target, model.LocoID(req.Loco)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"placed": true})
}

func (s *Server) handleTrackSetBlocked(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Blocked bool `json:"blocked"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	target := model.ObjectIdentifier{Type: model.ObjectTypeTrack, ID: model.ObjectID(id)}
	if err := s.manager.TrackSetBlocked(target, req.Blocked); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"blocked": req.Blocked})
}

func (s *Server) handleTrackOrientation(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Orientation string `json:"orientation"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	orientation := model.OrientationLeft
	if req.Orientation == "right" {
		orientation = model.OrientationRight
	}
	target := model.ObjectIdentifier{Type: model.ObjectTypeTrack, ID: model.ObjectID(id)}
	if err := s.manager.TrackBaseOrientation(target, orientation); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"orientation": orientation.String()})
}

func (s *Server) handleListSwitches(w http.ResponseWriter, _ *http.Request) {
	switches := s.manager.Switches()
	type view struct {
		ID        int    `json:"id"`
		Name      string `json:"name"`
		State     string `json:"state"`
		LockState string `json:"lock_state"`
	}
	views := make([]view, 0, len(switches))
	for _, sw := range switches {
		views = append(views, view{
			ID:        int(sw.SwitchID()),
			Name:      sw.Name(),
			State:     sw.State().String(),
			LockState: sw.LockState().String(),
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleSwitchState(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		State string `json:"state"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	state := model.SwitchStateStraight
	switch req.State {
	case "turnout":
		state = model.SwitchStateTurnout
	case "third":
		state = model.SwitchStateThird
	}
	if err := s.manager.SwitchState(model.SwitchID(id), state); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": state.String()})
}

func (s *Server) handleListSignals(w http.ResponseWriter, _ *http.Request) {
	signals := s.manager.Signals()
	views := make([]trackView, 0, len(signals))
	for _, sig := range signals {
		v := newTrackView(sig)
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleSignalState(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		State string `json:"state"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	state := model.SignalStateStop
	if req.State == "clear" {
		state = model.SignalStateClear
	}
	if err := s.manager.SignalState(model.SignalID(id), state); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": state.String()})
}

func (s *Server) handleListAccessories(w http.ResponseWriter, _ *http.Request) {
	accessories := s.manager.Accessories()
	type view struct {
		ID    int    `json:"id"`
		Name  string `json:"name"`
		State int    `json:"state"`
	}
	views := make([]view, 0, len(accessories))
	for _, a := range accessories {
		views = append(views, view{ID: int(a.AccessoryID()), Name: a.Name(), State: int(a.State())})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAccessoryState(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		On bool `json:"on"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	state := model.AccessoryStateOff
	if req.On {
		state = model.AccessoryStateOn
	}
	if err := s.manager.AccessoryState(model.AccessoryID(id), state); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"state": int(state)})
}

func (s *Server) handleListRoutes(w http.ResponseWriter, _ *http.Request) {
	routes := s.manager.Routes()
	type view struct {
		ID        int    `json:"id"`
		Name      string `json:"name"`
		From      string `json:"from"`
		To        string `json:"to"`
		Automode  bool   `json:"automode"`
		LockState string `json:"lock_state"`
		Counter   uint32 `json:"counter"`
	}
	views := make([]view, 0, len(routes))
	for _, route := range routes {
		views = append(views, view{
			ID:        int(route.RouteID()),
			Name:      route.Name(),
			From:      route.From().String(),
			To:        route.To().String(),
			Automode:  route.Automode(),
			LockState: route.LockState().String(),
			Counter:   route.Counter(),
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleRouteExecute(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.manager.ExecuteRoute(model.RouteID(id)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"executed": true})
}

func (s *Server) handleListFeedbacks(w http.ResponseWriter, _ *http.Request) {
	feedbacks := s.manager.Feedbacks()
	type view struct {
		ID      int    `json:"id"`
		Name    string `json:"name"`
		Control int    `json:"control"`
		Pin     int    `json:"pin"`
		State   string `json:"state"`
	}
	views := make([]view, 0, len(feedbacks))
	for _, f := range feedbacks {
		views = append(views, view{
			ID:      int(f.FeedbackID()),
			Name:    f.Name(),
			Control: int(f.ControlID()),
			Pin:     int(f.Pin()),
			State:   f.State().String(),
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	settings := s.manager.GetSettings()
	writeJSON(w, http.StatusOK, map[string]any{
		"language":                       settings.Language,
		"accessory_duration":             settings.AccessoryDurationMS,
		"auto_add_feedback":              settings.AutoAddFeedback,
		"stop_on_feedback_in_free_track": settings.StopOnFeedbackInFreeTrack,
		"select_route_approach":          settings.SelectRouteApproach.String(),
		"nr_of_tracks_to_reserve":        settings.NrOfTracksToReserve,
		"log_level":                      settings.LogLevel,
	})
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Language                  *string `json:"language"`
		AccessoryDuration         *int    `json:"accessory_duration"`
		AutoAddFeedback           *bool   `json:"auto_add_feedback"`
		StopOnFeedbackInFreeTrack *bool   `json:"stop_on_feedback_in_free_track"`
		SelectRouteApproach       *int    `json:"select_route_approach"`
		NrOfTracksToReserve       *int    `json:"nr_of_tracks_to_reserve"`
		LogLevel                  *string `json:"log_level"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	settings := s.manager.GetSettings()
	if req.Language != nil {
		settings.Language = *req.Language
	}
	if req.AccessoryDuration != nil {
		settings.AccessoryDurationMS = uint16(*req.AccessoryDuration)
	}
	if req.AutoAddFeedback != nil {
		settings.AutoAddFeedback = *req.AutoAddFeedback
	}
	if req.StopOnFeedbackInFreeTrack != nil {
		settings.StopOnFeedbackInFreeTrack = *req.StopOnFeedbackInFreeTrack
	}
	if req.SelectRouteApproach != nil {
		settings.SelectRouteApproach = model.SelectRouteApproach(*req.SelectRouteApproach)
	}
	if req.NrOfTracksToReserve != nil {
		settings.NrOfTracksToReserve = uint8(*req.NrOfTracksToReserve)
	}
	if req.LogLevel != nil {
		settings.LogLevel = *req.LogLevel
	}
	if err := s.manager.UpdateSettings(settings); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"saved": true})
}

func (s *Server) handleListControls(w http.ResponseWriter, _ *http.Request) {
	params := s.manager.ControlParams()
	type view struct {
		ControlID int    `json:"control_id"`
		Type      string `json:"type"`
		Name      string `json:"name"`
		Arg1      string `json:"arg1"`
	}
	views := make([]view, 0, len(params))
	for _, p := range params {
		views = append(views, view{
			ControlID: int(p.ControlID),
			Type:      p.Type,
			Name:      p.Name,
			Arg1:      p.Arg1,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"controls":        views,
		"available_types": hardware.Types(),
	})
}

package api

import (
	"net/http"
	"time"

	"github.com/nerrad567/iron-rail-core/internal/model"
)

func millis(n int) time.Duration  { return time.Duration(n) * time.Millisecond }
func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// CRUD verbs for the remaining entity kinds. Saves accept the full entity
// definition; ids are caller-assigned as in the storage format.

type trackSaveRequest struct {
	ID                  int    `json:"id"`
	Name                string `json:"name"`
	Orientation         string `json:"orientation"`
	Length              int    `json:"length"`
	Feedbacks           []int  `json:"feedbacks"`
	SelectRouteApproach int    `json:"select_route_approach"`
	ReleaseWhenFree     bool   `json:"release_when_free"`
	PosX                int    `json:"pos_x"`
	PosY                int    `json:"pos_y"`
	Layer               int    `json:"layer"`
}

func (s *Server) handleSaveTrack(w http.ResponseWriter, r *http.Request) {
	var req trackSaveRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	track, err := s.manager.TrackByID(model.TrackID(req.ID))
	if err != nil {
		track = model.NewTrack(model.TrackID(req.ID), req.Name)
	}
	track.SetName(req.Name)
	track.SetOrientation(req.Orientation == "right")
	track.SetLength(model.Length(req.Length))
	feedbacks := make([]model.FeedbackID, 0, len(req.Feedbacks))
	for _, id := range req.Feedbacks {
		feedbacks = append(feedbacks, model.FeedbackID(id))
	}
	track.SetFeedbacks(feedbacks)
	track.SetSelectRouteApproach(model.SelectRouteApproach(req.SelectRouteApproach))
	track.SetReleaseWhenFree(req.ReleaseWhenFree)
	track.SetPosition(req.PosX, req.PosY)
	if req.Layer != 0 {
		track.SetLayer(model.LayerID(req.Layer))
	}
	if err := s.manager.SaveTrack(track); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTrackView(track))
}

func (s *Server) handleDeleteTrack(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.manager.DeleteTrack(model.TrackID(id)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

type accessorySaveRequest struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Control  int    `json:"control"`
	Protocol int    `json:"protocol"`
	Address  int    `json:"address"`
	Duration int    `json:"duration"`
	Inverted bool   `json:"inverted"`
}

func (s *Server) handleSaveSwitch(w http.ResponseWriter, r *http.Request) {
	var req accessorySaveRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sw, err := s.manager.SwitchByID(model.SwitchID(req.ID))
	if err != nil {
		sw = model.NewSwitch(model.SwitchID(req.ID), req.Name, model.ControlID(req.Control), model.Protocol(req.Protocol), model.Address(req.Address))
	}
	sw.SetName(req.Name)
	sw.SetAddressing(model.ControlID(req.Control), model.Protocol(req.Protocol), model.Address(req.Address))
	sw.SetDuration(uint16(req.Duration))
	sw.SetInverted(req.Inverted)
	if err := s.manager.SaveSwitch(sw); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"id": int(sw.SwitchID())})
}

func (s *Server) handleDeleteSwitch(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.manager.DeleteSwitch(model.SwitchID(id)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleSaveAccessory(w http.ResponseWriter, r *http.Request) {
	var req accessorySaveRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	acc, err := s.manager.AccessoryByID(model.AccessoryID(req.ID))
	if err != nil {
		acc = model.NewAccessory(model.AccessoryID(req.ID), req.Name, model.ControlID(req.Control), model.Protocol(req.Protocol), model.Address(req.Address))
	}
	acc.SetName(req.Name)
	acc.SetAddressing(model.ControlID(req.Control), model.Protocol(req.Protocol), model.Address(req.Address))
	acc.SetDuration(uint16(req.Duration))
	acc.SetInverted(req.Inverted)
	if err := s.manager.SaveAccessory(acc); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"id": int(acc.AccessoryID())})
}

func (s *Server) handleDeleteAccessory(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.manager.DeleteAccessory(model.AccessoryID(id)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

type signalSaveRequest struct {
	accessorySaveRequest
	Length    int   `json:"length"`
	Feedbacks []int `json:"feedbacks"`
}

func (s *Server) handleSaveSignal(w http.ResponseWriter, r *http.Request) {
	var req signalSaveRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sig, err := s.manager.SignalByID(model.SignalID(req.ID))
	if err != nil {
		sig = model.NewSignal(model.SignalID(req.ID), req.Name, model.ControlID(req.Control), model.Protocol(req.Protocol), model.Address(req.Address))
	}
	sig.SetName(req.Name)
	sig.SetAddressing(model.ControlID(req.Control), model.Protocol(req.Protocol), model.Address(req.Address))
	sig.SetInverted(req.Inverted)
	sig.SetLength(model.Length(req.Length))
	feedbacks := make([]model.FeedbackID, 0, len(req.Feedbacks))
	for _, id := range req.Feedbacks {
		feedbacks = append(feedbacks, model.FeedbackID(id))
	}
	sig.SetFeedbacks(feedbacks)
	if err := s.manager.SaveSignal(sig); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTrackView(sig))
}

func (s *Server) handleDeleteSignal(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.manager.DeleteSignal(model.SignalID(id)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

type feedbackSaveRequest struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Control  int    `json:"control"`
	Pin      int    `json:"pin"`
	Inverted bool   `json:"inverted"`
}

func (s *Server) handleSaveFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackSaveRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	fb, err := s.manager.FeedbackByID(model.FeedbackID(req.ID))
	if err != nil {
		fb = model.NewFeedback(model.FeedbackID(req.ID), req.Name, model.ControlID(req.Control), model.FeedbackPin(req.Pin))
	}
	fb.SetName(req.Name)
	fb.SetInverted(req.Inverted)
	if err := s.manager.SaveFeedback(fb); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"id": int(fb.FeedbackID())})
}

func (s *Server) handleDeleteFeedback(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.manager.DeleteFeedback(model.FeedbackID(id)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

type relationRequest struct {
	TargetType int `json:"target_type"`
	TargetID   int `json:"target_id"`
	State      int `json:"state"`
	Priority   int `json:"priority"`
}

type routeSaveRequest struct {
	ID               int               `json:"id"`
	Name             string            `json:"name"`
	Automode         bool              `json:"automode"`
	FromType         int               `json:"from_type"`
	FromID           int               `json:"from_id"`
	FromOrientation  string            `json:"from_orientation"`
	ToType           int               `json:"to_type"`
	ToID             int               `json:"to_id"`
	ToOrientation    string            `json:"to_orientation"`
	Speed            int               `json:"speed"`
	Pushpull         int               `json:"pushpull"`
	MinTrainLength   int               `json:"min_train_length"`
	MaxTrainLength   int               `json:"max_train_length"`
	DelayMS          int               `json:"delay_ms"`
	WaitAfterRelease int               `json:"wait_after_release"`
	FeedbackReduced  int               `json:"feedback_reduced"`
	FeedbackCreep    int               `json:"feedback_creep"`
	FeedbackStop     int               `json:"feedback_stop"`
	FeedbackOver     int               `json:"feedback_over"`
	AtLock           []relationRequest `json:"at_lock"`
	AtUnlock         []relationRequest `json:"at_unlock"`
}

func (s *Server) handleSaveRoute(w http.ResponseWriter, r *http.Request) {
	var req routeSaveRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	route, err := s.manager.RouteByID(model.RouteID(req.ID))
	if err != nil {
		route = model.NewRoute(s.manager, model.RouteID(req.ID), req.Name)
	}
	route.SetName(req.Name)
	route.SetAutomode(req.Automode)
	route.SetEndpoints(
		model.ObjectIdentifier{Type: model.ObjectType(req.FromType), ID: model.ObjectID(req.FromID)},
		req.FromOrientation == "right",
		model.ObjectIdentifier{Type: model.ObjectType(req.ToType), ID: model.ObjectID(req.ToID)},
		req.ToOrientation == "right",
	)
	route.SetSpeed(model.RouteSpeed(req.Speed))
	route.SetPushpull(model.PushpullType(req.Pushpull))
	route.SetTrainLengthBounds(model.Length(req.MinTrainLength), model.Length(req.MaxTrainLength))
	if req.DelayMS > 0 {
		route.SetDelay(millis(req.DelayMS))
	}
	route.SetWaitAfterRelease(seconds(req.WaitAfterRelease))
	route.SetFeedbacks(
		model.FeedbackID(req.FeedbackReduced),
		model.FeedbackID(req.FeedbackCreep),
		model.FeedbackID(req.FeedbackStop),
		model.FeedbackID(req.FeedbackOver),
	)

	buildRelations := func(reqs []relationRequest, atUnlock bool) []*model.Relation {
		relations := make([]*model.Relation, 0, len(reqs))
		for _, rr := range reqs {
			relations = append(relations, model.NewRelation(
				s.manager, route.RouteID(),
				model.ObjectIdentifier{Type: model.ObjectType(rr.TargetType), ID: model.ObjectID(rr.TargetID)},
				uint8(rr.State), uint8(rr.Priority), atUnlock,
			))
		}
		return relations
	}
	if err := route.AssignRelations(buildRelations(req.AtLock, false), buildRelations(req.AtUnlock, true)); err != nil {
		writeError(w, err)
		return
	}
	if err := s.manager.SaveRoute(route); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"id": int(route.RouteID())})
}

func (s *Server) handleDeleteRoute(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.manager.DeleteRoute(model.RouteID(id)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

type layerSaveRequest struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func (s *Server) handleListLayers(w http.ResponseWriter, _ *http.Request) {
	layers := s.manager.Layers()
	type view struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}
	views := make([]view, 0, len(layers))
	for _, l := range layers {
		views = append(views, view{ID: int(l.LayerID()), Name: l.Name()})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleSaveLayer(w http.ResponseWriter, r *http.Request) {
	var req layerSaveRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	layer := model.NewLayer(model.LayerID(req.ID), req.Name)
	if err := s.manager.SaveLayer(layer); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"id": int(layer.LayerID())})
}

func (s *Server) handleDeleteLayer(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.manager.DeleteLayer(model.LayerID(id)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

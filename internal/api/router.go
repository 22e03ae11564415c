package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// router assembles the route tree.
func (s *Server) router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ws", s.hub.handleWebSocket)

		// process-global commands
		r.Post("/booster", s.handleBooster)

		// locomotive commands
		r.Route("/locos", func(r chi.Router) {
			r.Get("/", s.handleListLocos)
			r.Post("/", s.handleSaveLoco)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetLoco)
				r.Delete("/", s.handleDeleteLoco)
				r.Post("/speed", s.handleLocoSpeed)
				r.Post("/orientation", s.handleLocoOrientation)
				r.Post("/function", s.handleLocoFunction)
				r.Post("/automode", s.handleLocoAutoMode)
				r.Post("/manualmode", s.handleLocoManualMode)
				r.Post("/release", s.handleLocoRelease)
			})
		})

		// track-base commands
		r.Route("/tracks", func(r chi.Router) {
			r.Get("/", s.handleListTracks)
			r.Post("/", s.handleSaveTrack)
			r.Route("/{id}", func(r chi.Router) {
				r.Delete("/", s.handleDeleteTrack)
				r.Post("/loco", s.handleTrackSetLoco)
				r.Post("/block", s.handleTrackSetBlocked)
				r.Post("/orientation", s.handleTrackOrientation)
			})
		})

		r.Route("/switches", func(r chi.Router) {
			r.Get("/", s.handleListSwitches)
			r.Post("/", s.handleSaveSwitch)
			r.Delete("/{id}", s.handleDeleteSwitch)
			r.Post("/{id}/state", s.handleSwitchState)
		})
		r.Route("/signals", func(r chi.Router) {
			r.Get("/", s.handleListSignals)
			r.Post("/", s.handleSaveSignal)
			r.Delete("/{id}", s.handleDeleteSignal)
			r.Post("/{id}/state", s.handleSignalState)
		})
		r.Route("/accessories", func(r chi.Router) {
			r.Get("/", s.handleListAccessories)
			r.Post("/", s.handleSaveAccessory)
			r.Delete("/{id}", s.handleDeleteAccessory)
			r.Post("/{id}/state", s.handleAccessoryState)
		})
		r.Route("/routes", func(r chi.Router) {
			r.Get("/", s.handleListRoutes)
			r.Post("/", s.handleSaveRoute)
			r.Delete("/{id}", s.handleDeleteRoute)
			r.Post("/{id}/execute", s.handleRouteExecute)
		})
		r.Route("/feedbacks", func(r chi.Router) {
			r.Get("/", s.handleListFeedbacks)
			r.Post("/", s.handleSaveFeedback)
			r.Delete("/{id}", s.handleDeleteFeedback)
		})
		r.Route("/layers", func(r chi.Router) {
			r.Get("/", s.handleListLayers)
			r.Post("/", s.handleSaveLayer)
			r.Delete("/{id}", s.handleDeleteLayer)
		})

		r.Route("/settings", func(r chi.Router) {
			r.Get("/", s.handleGetSettings)
			r.Put("/", s.handleUpdateSettings)
		})
		r.Get("/controls", s.handleListControls)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

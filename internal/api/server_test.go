package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/nerrad567/iron-rail-core/internal/hardware"
	"github.com/nerrad567/iron-rail-core/internal/infrastructure/config"
	"github.com/nerrad567/iron-rail-core/internal/infrastructure/logging"
	"github.com/nerrad567/iron-rail-core/internal/manager"
	"github.com/nerrad567/iron-rail-core/internal/model"
)

// memStorage is a minimal in-memory Storage for handler tests.
type memStorage struct {
	mu       sync.Mutex
	objects  map[string]string
	settings map[string]string
}

func newMemStorage() *memStorage {
	return &memStorage{
		objects:  make(map[string]string),
		settings: make(map[string]string),
	}
}

func (s *memStorage) key(t model.ObjectType, id model.ObjectID) string {
	return fmt.Sprintf("%d/%d", t, id)
}

func (s *memStorage) SaveObject(t model.ObjectType, id model.ObjectID, _, serialized string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[s.key(t, id)] = serialized
	return nil
}

func (s *memStorage) DeleteObject(t model.ObjectType, id model.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, s.key(t, id))
	return nil
}

func (s *memStorage) ObjectsOfType(model.ObjectType) ([]string, error) { return nil, nil }

func (s *memStorage) SaveRelations(model.ObjectType, model.ObjectID, []*model.Relation) error {
	return nil
}
func (s *memStorage) RelationsFor(model.ObjectType, model.ObjectID) ([]string, error) {
	return nil, nil
}
func (s *memStorage) DeleteRelations(model.ObjectType, model.ObjectID) error { return nil }

func (s *memStorage) Setting(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings[key], nil
}

func (s *memStorage) SetSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

func (s *memStorage) HardwareParams() ([]hardware.Params, error) { return nil, nil }
func (s *memStorage) SaveHardwareParams(*hardware.Params) error  { return nil }
func (s *memStorage) DeleteHardwareParams(model.ControlID) error { return nil }

func newTestServer(t *testing.T) (*Server, *manager.Manager) {
	t.Helper()
	mgr := manager.New(newMemStorage(), nil)
	if err := mgr.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 0},
	}
	logger := logging.Default()
	hub := NewHub(cfg.WebSocket, logger)
	return NewServer(cfg, mgr, hub, logger), mgr
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, req)
	return rec
}

func TestBoosterEndpoint(t *testing.T) {
	s, mgr := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/booster", `{"state":"go"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if mgr.Booster() != model.BoosterGo {
		t.Fatalf("booster not switched")
	}
}

func TestLocoSpeedEndpoint(t *testing.T) {
	s, mgr := newTestServer(t)
	loco := model.NewLoco(mgr, 1, "L1")
	if err := mgr.SaveLoco(loco); err != nil {
		t.Fatal(err)
	}

	rec := doRequest(t, s, http.MethodPost, "/api/v1/locos/1/speed", `{"speed":80}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if loco.Speed() != 80 {
		t.Fatalf("speed not applied: %d", loco.Speed())
	}

	// unknown loco surfaces as 404
	rec = doRequest(t, s, http.MethodPost, "/api/v1/locos/99/speed", `{"speed":80}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status for unknown loco: %d", rec.Code)
	}
}

func TestLocoCRUDEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/locos/",
		`{"id":1,"name":"BR 218","control":1,"protocol":4,"address":218,"travel_speed":80}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("save status %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, s, http.MethodGet, "/api/v1/locos/1/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status %d", rec.Code)
	}
	var view struct {
		Name    string `json:"name"`
		Address int    `json:"address"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if view.Name != "BR 218" || view.Address != 218 {
		t.Fatalf("view %+v", view)
	}

	rec = doRequest(t, s, http.MethodDelete, "/api/v1/locos/1/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status %d: %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, s, http.MethodGet, "/api/v1/locos/1/", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status after delete: %d", rec.Code)
	}
}

func TestSettingsEndpoints(t *testing.T) {
	s, mgr := newTestServer(t)

	rec := doRequest(t, s, http.MethodPut, "/api/v1/settings/",
		`{"nr_of_tracks_to_reserve":2,"auto_add_feedback":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("put status %d: %s", rec.Code, rec.Body.String())
	}
	settings := mgr.GetSettings()
	if settings.NrOfTracksToReserve != 2 || !settings.AutoAddFeedback {
		t.Fatalf("settings not applied: %+v", settings)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/v1/settings/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"nr_of_tracks_to_reserve":2`) {
		t.Fatalf("settings body %s", rec.Body.String())
	}
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health status %d", rec.Code)
	}
}

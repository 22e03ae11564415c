package manager

import (
	"strconv"

	"github.com/nerrad567/iron-rail-core/internal/model"
)

// Setting keys in the settings table.
const (
	settingLanguage                  = "language"
	settingAccessoryDuration         = "accessoryduration"
	settingAutoAddFeedback           = "autoaddfeedback"
	settingStopOnFeedbackInFreeTrack = "stoponfeedbackinfreetrack"
	settingSelectRouteApproach       = "selectrouteapproach"
	settingNrOfTracksToReserve       = "nroftrackstoreserve"
	settingLogLevel                  = "loglevel"
)

// Settings are the installation-wide operational settings. They persist in
// the untyped settings table and are cached on the manager.
type Settings struct {
	// Language is the UI language tag.
	Language string

	// AccessoryDurationMS is the default activation pulse for accessory
	// outputs in milliseconds.
	AccessoryDurationMS uint16

	// AutoAddFeedback creates a feedback entity when an unknown
	// (control, pin) pair reports a state.
	AutoAddFeedback bool

	// StopOnFeedbackInFreeTrack switches the booster off when an
	// unowned track-base reports occupation.
	StopOnFeedbackInFreeTrack bool

	// SelectRouteApproach is the installation default route selection.
	SelectRouteApproach model.SelectRouteApproach

	// NrOfTracksToReserve is 1 or 2 head tracks per locomotive.
	NrOfTracksToReserve uint8

	// LogLevel is the runtime log level name.
	LogLevel string
}

func defaultSettings() Settings {
	return Settings{
		Language:            "en",
		AccessoryDurationMS: 250,
		AutoAddFeedback:     false,
		SelectRouteApproach: model.SelectRouteDoNotCare,
		NrOfTracksToReserve: 1,
		LogLevel:            "info",
	}
}

// loadSettings reads every known key, keeping defaults for missing ones.
func (m *Manager) loadSettings() {
	read := func(key string) string {
		v, err := m.storage.Setting(key)
		if err != nil {
			return ""
		}
		return v
	}
	s := defaultSettings()
	if v := read(settingLanguage); v != "" {
		s.Language = v
	}
	if v := read(settingAccessoryDuration); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			s.AccessoryDurationMS = uint16(n)
		}
	}
	if v := read(settingAutoAddFeedback); v != "" {
		s.AutoAddFeedback = v == "1" || v == "true"
	}
	if v := read(settingStopOnFeedbackInFreeTrack); v != "" {
		s.StopOnFeedbackInFreeTrack = v == "1" || v == "true"
	}
	if v := read(settingSelectRouteApproach); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.SelectRouteApproach = model.SelectRouteApproach(n)
		}
	}
	if v := read(settingNrOfTracksToReserve); v != "" {
		if n, err := strconv.Atoi(v); err == nil && (n == 1 || n == 2) {
			s.NrOfTracksToReserve = uint8(n)
		}
	}
	if v := read(settingLogLevel); v != "" {
		s.LogLevel = v
	}
	m.settingsMu.Lock()
	m.settings = s
	m.settingsMu.Unlock()
}

// GetSettings returns a snapshot of the operational settings.
func (m *Manager) GetSettings() Settings {
	m.settingsMu.RLock()
	defer m.settingsMu.RUnlock()
	return m.settings
}

// UpdateSettings stores and applies new operational settings.
func (m *Manager) UpdateSettings(s Settings) error {
	set := func(key, value string) error {
		return m.storage.SetSetting(key, value)
	}
	if err := set(settingLanguage, s.Language); err != nil {
		return err
	}
	if err := set(settingAccessoryDuration, strconv.Itoa(int(s.AccessoryDurationMS))); err != nil {
		return err
	}
	if err := set(settingAutoAddFeedback, boolSetting(s.AutoAddFeedback)); err != nil {
		return err
	}
	if err := set(settingStopOnFeedbackInFreeTrack, boolSetting(s.StopOnFeedbackInFreeTrack)); err != nil {
		return err
	}
	if err := set(settingSelectRouteApproach, strconv.Itoa(int(s.SelectRouteApproach))); err != nil {
		return err
	}
	if err := set(settingNrOfTracksToReserve, strconv.Itoa(int(s.NrOfTracksToReserve))); err != nil {
		return err
	}
	if err := set(settingLogLevel, s.LogLevel); err != nil {
		return err
	}

	m.settingsMu.Lock()
	m.settings = s
	m.settingsMu.Unlock()
	return nil
}

// SeedSettings applies configuration defaults on first start. Values are
// written only when the settings table has never been saved; after that
// the table is authoritative.
func (m *Manager) SeedSettings(s Settings) error {
	v, err := m.storage.Setting(settingSelectRouteApproach)
	if err != nil {
		return err
	}
	if v != "" {
		return nil
	}
	return m.UpdateSettings(s)
}

func boolSetting(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// DefaultSelectRouteApproach implements model.Control.
func (m *Manager) DefaultSelectRouteApproach() model.SelectRouteApproach {
	m.settingsMu.RLock()
	defer m.settingsMu.RUnlock()
	return m.settings.SelectRouteApproach
}

// NrOfTracksToReserve implements model.Control.
func (m *Manager) NrOfTracksToReserve() uint8 {
	m.settingsMu.RLock()
	defer m.settingsMu.RUnlock()
	return m.settings.NrOfTracksToReserve
}

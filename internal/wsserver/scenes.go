package wsserver

import (
	"strings"
	"sync"

	"github.com/torosent/metricbus/internal/config"
	"github.com/torosent/metricbus/internal/metric"
)

// sceneState is the notional program scene and the per-source settings
// clients store through the remote-control requests.
type sceneState struct {
	mu       sync.Mutex
	names    config.SceneConfig
	current  string
	settings map[string]map[string]interface{}
}

func newSceneState(names config.SceneConfig) *sceneState {
	defaults := config.Default().WebSocket.Scenes
	if strings.TrimSpace(names.Gameplay) == "" {
		names.Gameplay = defaults.Gameplay
	}
	if strings.TrimSpace(names.BossFight) == "" {
		names.BossFight = defaults.BossFight
	}
	if strings.TrimSpace(names.Victory) == "" {
		names.Victory = defaults.Victory
	}
	if strings.TrimSpace(names.Death) == "" {
		names.Death = defaults.Death
	}
	return &sceneState{
		names:    names,
		current:  names.Gameplay,
		settings: make(map[string]map[string]interface{}),
	}
}

func (s *sceneState) list() (string, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.names.List()
}

func (s *sceneState) currentScene() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// set switches to the named scene (case-insensitive). found is false for a
// scene that does not exist; changed is false when it was already current.
func (s *sceneState) set(name string) (changed, found bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, scene := range s.names.List() {
		if strings.EqualFold(scene, name) {
			if s.current == scene {
				return false, true
			}
			s.current = scene
			return true, true
		}
	}
	return false, false
}

func (s *sceneState) sourceSettings(source string) (map[string]interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings, ok := s.settings[source]
	if !ok {
		return nil, false
	}
	cp := make(map[string]interface{}, len(settings))
	for k, v := range settings {
		cp[k] = v
	}
	return cp, true
}

// setSourceSettings stores settings for source. With overlay the keys are
// merged into the existing settings, otherwise they replace them.
func (s *sceneState) setSourceSettings(source string, settings map[string]interface{}, overlay bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.settings[source]
	if !ok || !overlay {
		existing = make(map[string]interface{}, len(settings))
		s.settings[source] = existing
	}
	for k, v := range settings {
		existing[k] = v
	}
}

// sceneFor returns the scene a metric switches to, if any.
func (s *sceneState) sceneFor(m metric.Metric) (string, bool) {
	switch m.EventType {
	case metric.EventBossEvent:
		switch strings.ToLower(m.StringField("event_type")) {
		case "start":
			return s.names.BossFight, true
		case "defeat":
			return s.names.Victory, true
		}
	case metric.EventPlayerDamaged:
		for _, key := range []string{"health", "current_health"} {
			if v, ok := m.Get(key); ok {
				if n, isNum := v.Num(); isNum && n <= 0 {
					return s.names.Death, true
				}
			}
		}
	}
	return "", false
}

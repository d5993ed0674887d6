package localapi

import (
	"net/http"

	"changedesk/internal/global"
)

type configResponse struct {
	LocalPort        int    `json:"local_port"`
	AuthEnabled      bool   `json:"auth_enabled"`
	GenerationMode   string `json:"generation_mode"`
	GenerationModel  string `json:"generation_model,omitempty"`
	TestCommandSet   bool   `json:"test_command_set"`
	TestTimeoutSec   int    `json:"test_timeout_seconds"`
	FeedSize         int    `json:"feed_size"`
	SearchDebounceMS int    `json:"search_debounce_ms"`
}

// buildConfigResponse never exposes the token or the test command itself.
func buildConfigResponse(cfg global.GlobalConfig) configResponse {
	return configResponse{
		LocalPort:        cfg.LocalPort,
		AuthEnabled:      cfg.Auth.Token != "",
		GenerationMode:   cfg.Generation.Mode,
		GenerationModel:  cfg.Generation.Model,
		TestCommandSet:   cfg.TestRunner.Command != "",
		TestTimeoutSec:   cfg.TestRunner.TimeoutSeconds,
		FeedSize:         cfg.Feed.Size,
		SearchDebounceMS: cfg.Feed.SearchDebounceMS,
	}
}

func (s *Server) registerConfigRoutes() {
	s.mux.HandleFunc("/api/v1/config", s.handleConfig)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if s.deps.ConfigStore == nil {
		respondError(w, http.StatusInternalServerError, "CONFIG_UNAVAILABLE", "config store is unavailable")
		return
	}
	cfg, err := s.deps.ConfigStore.LoadOrInit()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "CONFIG_LOAD_FAILED", err.Error())
		return
	}
	respondOK(w, buildConfigResponse(cfg))
}

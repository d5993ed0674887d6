package global

import (
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	configTOMLFileName = "config.toml"
)

type AuthConfig struct {
	Token string `json:"token" toml:"token"`
}

type GenerationConfig struct {
	Mode  string `json:"mode" toml:"mode"`
	Model string `json:"model,omitempty" toml:"model,omitempty"`
}

type TestRunnerConfig struct {
	Command        string `json:"command" toml:"command"`
	TimeoutSeconds int    `json:"timeout_seconds" toml:"timeout_seconds"`
}

type FeedConfig struct {
	Size             int `json:"size" toml:"size"`
	SearchDebounceMS int `json:"search_debounce_ms" toml:"search_debounce_ms"`
}

// GlobalConfig is the on-disk console configuration. Environment variables
// read by internal/config take precedence over it.
type GlobalConfig struct {
	LocalPort  int              `json:"local_port" toml:"local_port"`
	Auth       AuthConfig       `json:"auth" toml:"auth"`
	Generation GenerationConfig `json:"generation" toml:"generation"`
	TestRunner TestRunnerConfig `json:"test_runner" toml:"test_runner"`
	Feed       FeedConfig       `json:"feed" toml:"feed"`
}

type ConfigStore struct {
	dir string
}

func NewConfigStore(dir string) *ConfigStore {
	return &ConfigStore{dir: dir}
}

func (s *ConfigStore) LoadOrInit() (GlobalConfig, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return GlobalConfig{}, err
	}

	path := filepath.Join(s.dir, configTOMLFileName)
	if b, err := os.ReadFile(path); err == nil {
		var cfg GlobalConfig
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return GlobalConfig{}, err
		}
		return normalizeConfig(cfg), nil
	} else if !os.IsNotExist(err) {
		return GlobalConfig{}, err
	}

	cfg := normalizeConfig(GlobalConfig{})
	if err := writeTOMLAtomically(path, cfg); err != nil {
		return GlobalConfig{}, err
	}
	return cfg, nil
}

func (s *ConfigStore) Save(cfg GlobalConfig) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	return writeTOMLAtomically(filepath.Join(s.dir, configTOMLFileName), normalizeConfig(cfg))
}

func normalizeConfig(cfg GlobalConfig) GlobalConfig {
	if cfg.LocalPort <= 0 {
		cfg.LocalPort = 4621
	}
	cfg.Auth.Token = strings.TrimSpace(cfg.Auth.Token)
	switch strings.ToLower(strings.TrimSpace(cfg.Generation.Mode)) {
	case "openai":
		cfg.Generation.Mode = "openai"
	default:
		cfg.Generation.Mode = "manual"
	}
	cfg.Generation.Model = strings.TrimSpace(cfg.Generation.Model)
	cfg.TestRunner.Command = strings.TrimSpace(cfg.TestRunner.Command)
	if cfg.TestRunner.TimeoutSeconds <= 0 {
		cfg.TestRunner.TimeoutSeconds = 600
	}
	if cfg.Feed.Size <= 0 {
		cfg.Feed.Size = 50
	}
	if cfg.Feed.SearchDebounceMS <= 0 {
		cfg.Feed.SearchDebounceMS = 300
	}
	return cfg
}

func writeTOMLAtomically(path string, v any) error {
	b, err := toml.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

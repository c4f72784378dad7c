// Package config is the hierarchical configuration store. Values are
// addressed by dot-delimited paths (api.openai_key, debate.ai1_prompt) and
// persisted as a single YAML document.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/viper"
)

const fileName = "config.yaml"

// envFallbacks maps config paths to environment variables consulted when
// the config file does not provide a value. API keys are not listed here:
// on-disk keys are encrypted while env keys are plaintext, so key
// resolution stays with the caller.
var envFallbacks = map[string]string{
	"api.ollama_base_url":      "OLLAMA_BASE_URL",
	"chat.system_prompt":       "COMMON_SYSTEM_PROMPT",
	"discussion.system_prompt": "COMMON_SYSTEM_PROMPT",
	"discussion.ai1_prompt":    "AI1_SYSTEM_PROMPT",
	"discussion.ai2_prompt":    "AI2_SYSTEM_PROMPT",
	"debate.system_prompt":     "DEBATE_COMMON_PROMPT",
	"debate.ai1_prompt":        "DEBATE_AI1_PROMPT",
	"debate.ai2_prompt":        "DEBATE_AI2_PROMPT",
}

// Store wraps a viper instance with a dirty flag and a fixed file location.
type Store struct {
	v    *viper.Viper
	path string

	mu    sync.Mutex
	dirty bool
}

// Load reads config.yaml from dir, tolerating a missing file.
func Load(dir string) (*Store, error) {
	path := filepath.Join(dir, fileName)

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		slog.Debug("config file absent, starting empty", "path", path)
	}

	return &Store{v: v, path: path}, nil
}

// Path returns the backing file location.
func (s *Store) Path() string {
	return s.path
}

// GetString returns the value at path, an env fallback, or def. A value
// explicitly set to the empty string round-trips as empty rather than
// falling through to the environment.
func (s *Store) GetString(path, def string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.v.IsSet(path) {
		return s.v.GetString(path)
	}
	if env, ok := envFallbacks[path]; ok {
		if val := os.Getenv(env); val != "" {
			return val
		}
	}
	return def
}

// GetInt returns the integer at path or def.
func (s *Store) GetInt(path string, def int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.v.IsSet(path) {
		return s.v.GetInt(path)
	}
	return def
}

// GetFloat returns the float at path or def.
func (s *Store) GetFloat(path string, def float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.v.IsSet(path) {
		return s.v.GetFloat64(path)
	}
	return def
}

// GetBool returns the boolean at path or def.
func (s *Store) GetBool(path string, def bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.v.IsSet(path) {
		return s.v.GetBool(path)
	}
	return def
}

// Set writes a value in memory and marks the store dirty.
func (s *Store) Set(path string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.v.Set(path, value)
	s.dirty = true
}

// Dirty reports whether unsaved changes exist.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Save writes the full document back to disk when dirty.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.dirty {
		return nil
	}
	if err := s.v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("write config %s: %w", s.path, err)
	}
	s.dirty = false
	return nil
}

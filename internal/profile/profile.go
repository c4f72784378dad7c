// Package profile resolves the runtime profile: run mode, data directory,
// and provider defaults pulled from the environment.
package profile

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Profile is the configuration needed to start the dialogue core.
type Profile struct {
	// Mode is one of "dev" (run from source) or "prod" (packaged install).
	// Dev mode keeps config.yaml next to the working directory; prod mode
	// uses the per-user data directory.
	Mode string

	// Data is the directory holding config.yaml, salt.txt and
	// chat_histories.json. Resolved by Validate.
	Data string

	// Provider endpoint overrides from the environment.
	OllamaBaseURL string
	OpenAIAPIKey  string
	DeepSeekKey   string

	Version string
}

const appDirName = "colloquy"

// FromEnv loads provider overrides from environment variables.
// Values already present on the profile win over the environment.
func (p *Profile) FromEnv() {
	if p.OllamaBaseURL == "" {
		p.OllamaBaseURL = getEnvOrDefault("OLLAMA_BASE_URL", "http://localhost:11434")
	}
	if p.OpenAIAPIKey == "" {
		p.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	}
	if p.DeepSeekKey == "" {
		p.DeepSeekKey = os.Getenv("DEEPSEEK_API_KEY")
	}
}

// IsDev returns true unless the profile runs in packaged mode.
func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// Validate normalizes the mode and resolves the data directory,
// creating it when missing in prod mode.
func (p *Profile) Validate() error {
	if p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "dev"
	}

	if p.Data == "" {
		if p.Mode == "prod" {
			base, err := os.UserConfigDir()
			if err != nil {
				return errors.Wrap(err, "unable to locate user config directory")
			}
			p.Data = filepath.Join(base, appDirName)
		} else {
			p.Data = "."
		}
	}

	if err := os.MkdirAll(p.Data, 0o700); err != nil {
		return errors.Wrapf(err, "unable to create data folder %s", p.Data)
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		slog.Error("failed to check data dir", "data", p.Data, "error", err)
		return err
	}
	p.Data = dataDir

	return nil
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if a relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		absDir, err := filepath.Abs(dataDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case the user supplies one.
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

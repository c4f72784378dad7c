package profile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateDefaultsToDevMode(t *testing.T) {
	p := &Profile{Mode: "bogus", Data: t.TempDir()}
	require.NoError(t, p.Validate())
	require.Equal(t, "dev", p.Mode)
	require.True(t, p.IsDev())
}

func TestValidateResolvesRelativeData(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	p := &Profile{Mode: "dev", Data: "data"}
	require.NoError(t, p.Validate())
	require.True(t, filepath.IsAbs(p.Data))
}

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("OLLAMA_BASE_URL", "")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	p := &Profile{}
	p.FromEnv()
	require.Equal(t, "http://localhost:11434", p.OllamaBaseURL)
	require.Equal(t, "sk-test", p.OpenAIAPIKey)
}

func TestFromEnvDoesNotClobber(t *testing.T) {
	t.Setenv("OLLAMA_BASE_URL", "http://other:11434")

	p := &Profile{OllamaBaseURL: "http://mine:11434"}
	p.FromEnv()
	require.Equal(t, "http://mine:11434", p.OllamaBaseURL)
}

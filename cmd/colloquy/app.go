package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"

	"github.com/spf13/viper"

	"github.com/hrygo/colloquy/config"
	"github.com/hrygo/colloquy/dialogue"
	"github.com/hrygo/colloquy/history"
	"github.com/hrygo/colloquy/internal/profile"
	"github.com/hrygo/colloquy/internal/version"
	"github.com/hrygo/colloquy/llm"
	"github.com/hrygo/colloquy/metrics"
	"github.com/hrygo/colloquy/secret"
	"github.com/hrygo/colloquy/task"
)

// keyPaths maps provider tags to the config paths holding their encrypted
// API keys.
var keyPaths = map[string]string{
	llm.ProviderOllamaCloud: "api.ollama_cloud_key",
	llm.ProviderOpenAI:      "api.openai_key",
	llm.ProviderDeepSeek:    "api.deepseek_key",
}

// app wires the dialogue core for one CLI invocation.
type app struct {
	profile *profile.Profile
	cfg     *config.Store
	secrets *secret.Store
	hist    *history.Store
	runner  *task.Runner
	engine  *dialogue.Engine

	mu      sync.Mutex
	clients map[string]llm.Client
}

func newApp() (*app, error) {
	p := &profile.Profile{
		Mode:    viper.GetString("mode"),
		Data:    viper.GetString("data"),
		Version: version.GetCurrentVersion(viper.GetString("mode")),
	}
	p.FromEnv()
	if err := p.Validate(); err != nil {
		return nil, err
	}

	cfg, err := config.Load(p.Data)
	if err != nil {
		return nil, err
	}

	secrets, err := secret.Init(viper.GetString("passphrase"), p.Data)
	if err != nil {
		return nil, err
	}

	a := &app{
		profile: p,
		cfg:     cfg,
		secrets: secrets,
		hist:    history.New(p.Data),
		runner:  task.NewRunner(viper.GetInt("workers")),
		clients: make(map[string]llm.Client),
	}
	a.engine = dialogue.NewEngine(a.resolve, dialogue.NewPrompts(cfg), a.hist)

	if addr := viper.GetString("metrics-addr"); addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Default().Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				slog.Error("metrics endpoint failed", "addr", addr, "error", err)
			}
		}()
	}
	return a, nil
}

func (a *app) close() {
	a.runner.Stop(false)
	if err := a.cfg.Save(); err != nil {
		slog.Error("failed to save config", "error", err)
	}
}

// resolve builds (and memoizes) the client for a provider tag.
func (a *app) resolve(provider string) (llm.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if c, ok := a.clients[provider]; ok {
		return c, nil
	}

	opts, err := a.options(provider)
	if err != nil {
		return nil, err
	}
	c, err := llm.NewClient(provider, opts)
	if err != nil {
		return nil, err
	}
	a.clients[provider] = c
	return c, nil
}

func (a *app) options(provider string) (llm.Options, error) {
	var opts llm.Options
	switch provider {
	case llm.ProviderOllama:
		opts.BaseURL = a.cfg.GetString("api.ollama_base_url", a.profile.OllamaBaseURL)
	case llm.ProviderOllamaCloud, llm.ProviderOpenAI, llm.ProviderDeepSeek:
		key, err := a.apiKey(provider)
		if err != nil {
			return opts, err
		}
		opts.APIKey = key
	}
	return opts, nil
}

// apiKey resolves a provider key: the encrypted config value first, then the
// environment. A record sealed under a different passphrase counts as no
// configured key.
func (a *app) apiKey(provider string) (string, error) {
	if path, ok := keyPaths[provider]; ok {
		if enc := a.cfg.GetString(path, ""); enc != "" {
			key, err := a.secrets.Decrypt(enc)
			switch {
			case err == nil:
				return key, nil
			case errors.Is(err, secret.ErrMismatch):
				slog.Warn("stored key does not match the passphrase, falling back to environment", "provider", provider)
			default:
				return "", err
			}
		}
	}

	switch provider {
	case llm.ProviderOpenAI:
		return a.profile.OpenAIAPIKey, nil
	case llm.ProviderDeepSeek:
		return a.profile.DeepSeekKey, nil
	case llm.ProviderOllamaCloud:
		return os.Getenv("OLLAMA_API_KEY"), nil
	}
	return "", nil
}

// storeKey encrypts and persists a provider API key in the config file.
func (a *app) storeKey(provider, key string) error {
	path, ok := keyPaths[provider]
	if !ok {
		return fmt.Errorf("provider %q does not take an API key", provider)
	}
	enc, err := a.secrets.Encrypt(key)
	if err != nil {
		return err
	}
	a.cfg.Set(path, enc)
	return a.cfg.Save()
}

// prefetch warms the model catalogues of the providers a spec uses while
// the first turn is getting under way.
func (a *app) prefetch(spec dialogue.Spec) {
	seen := make(map[string]bool)
	for _, agent := range spec.Agents {
		if seen[agent.Provider] {
			continue
		}
		seen[agent.Provider] = true

		client, err := a.resolve(agent.Provider)
		if err != nil {
			continue
		}
		if _, err := a.runner.Prefetch(client, nil, nil); err != nil {
			slog.Debug("model prefetch not scheduled", "provider", agent.Provider, "error", err)
		}
	}
}

// runDialogue submits the dialogue, renders its event stream to the terminal,
// and cancels on SIGINT/SIGTERM.
func (a *app) runDialogue(spec dialogue.Spec) error {
	a.prefetch(spec)
	h, err := a.runner.RunDialogue(a.engine, spec)
	if err != nil {
		return err
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, terminationSignals...)
	defer signal.Stop(c)
	go func() {
		<-c
		fmt.Fprintln(os.Stderr, "\ninterrupted, finishing up...")
		h.Cancel()
	}()

	var reason dialogue.FinishReason
	for ev := range h.Events() {
		switch ev.Kind {
		case dialogue.EventStatus:
			fmt.Fprintf(os.Stderr, "\n--- %s ---\n", ev.Text)
		case dialogue.EventStreamDelta:
			fmt.Print(ev.Text)
		case dialogue.EventTurnComplete:
			fmt.Println()
		case dialogue.EventError:
			fmt.Fprintf(os.Stderr, "error (%s): %s\n", ev.ErrKind, ev.Text)
		case dialogue.EventFinished:
			reason = ev.Reason
		}
	}
	if err := h.Await(context.Background()); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "\ndialogue finished: %s\n", reason)
	if reason == dialogue.FinishError {
		return errors.New("dialogue failed")
	}
	return nil
}

// stdinInput feeds stdin lines to the chat engine. The channel closes on
// EOF, which ends the chat cleanly.
func stdinInput() <-chan string {
	input := make(chan string)
	go func() {
		defer close(input)
		fmt.Fprintln(os.Stderr, "type your message and press enter (ctrl-d to quit)")
		scanner := bufio.NewScanner(os.Stdin)
		for {
			fmt.Fprint(os.Stderr, "> ")
			if !scanner.Scan() {
				return
			}
			line := scanner.Text()
			if line == "" {
				continue
			}
			input <- line
		}
	}()
	return input
}

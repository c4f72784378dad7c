package llm

import (
	"errors"
	"fmt"
)

// ErrUnknownProvider is returned by NewClient for unrecognized tags.
var ErrUnknownProvider = errors.New("llm: unknown provider")

// Options configures a client built by NewClient.
type Options struct {
	APIKey  string
	BaseURL string
}

// NewClient constructs a chat client for the given provider tag.
// Construction is cheap; no network calls are made.
func NewClient(provider string, opts Options) (Client, error) {
	switch provider {
	case ProviderOllama:
		if opts.BaseURL == "" {
			return nil, fmt.Errorf("llm: %s requires a base URL", provider)
		}
		return newOllamaClient(provider, opts.BaseURL, ""), nil

	case ProviderOllamaCloud:
		baseURL := opts.BaseURL
		if baseURL == "" {
			baseURL = DefaultOllamaCloudURL
		}
		return newOllamaClient(provider, baseURL, opts.APIKey), nil

	case ProviderOpenAI:
		baseURL := opts.BaseURL
		if baseURL == "" {
			baseURL = DefaultOpenAIBaseURL
		}
		return newOpenAIClient(provider, opts.APIKey, baseURL), nil

	case ProviderDeepSeek:
		baseURL := opts.BaseURL
		if baseURL == "" {
			baseURL = DefaultDeepSeekBaseURL
		}
		return newOpenAIClient(provider, opts.APIKey, baseURL), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
}

// Providers lists the supported provider tags.
func Providers() []string {
	return []string{ProviderOllama, ProviderOllamaCloud, ProviderOpenAI, ProviderDeepSeek}
}

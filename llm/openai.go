package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/hrygo/colloquy/cache"
	"github.com/hrygo/colloquy/metrics"
)

// Default endpoints for the OpenAI-compatible providers.
const (
	DefaultOpenAIBaseURL   = "https://api.openai.com/v1"
	DefaultDeepSeekBaseURL = "https://api.deepseek.com"
)

// chatModelPrefixes narrows the OpenAI catalogue to the chat-completion
// family; the /v1/models listing also carries embedding, audio and image
// models that /v1/chat/completions rejects.
var chatModelPrefixes = []string{"gpt-", "chatgpt-", "o1", "o3", "o4"}

// openAIClient serves the commercial providers through the go-openai SDK:
// SSE streaming with incremental deltas, /v1/models listings, bearer auth.
type openAIClient struct {
	provider string
	apiKey   string
	client   *openai.Client

	// filterModels keeps only ids belonging to the chat-model family.
	filterModels bool

	limiter   *RateLimiter
	retrier   *Retrier
	catalogue *cache.Cache[string, []string]
}

func newOpenAIClient(provider, apiKey, baseURL string) *openAIClient {
	clientConfig := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientConfig.BaseURL = baseURL
	}
	clientConfig.HTTPClient = newHTTPClient()

	return &openAIClient{
		provider:     provider,
		apiKey:       apiKey,
		client:       openai.NewClientWithConfig(clientConfig),
		filterModels: provider == ProviderOpenAI,
		limiter:      defaultLimiter,
		retrier:      NewRetrier(),
		catalogue:    cache.New[string, []string](catalogueTTL),
	}
}

func (c *openAIClient) Provider() string {
	return c.provider
}

func (c *openAIClient) ListModels(ctx context.Context) ([]string, error) {
	if models, ok := c.catalogue.Get(c.provider); ok {
		metrics.Default().RecordCache(c.provider, true)
		return models, nil
	}
	metrics.Default().RecordCache(c.provider, false)
	return c.RefreshModels(ctx)
}

func (c *openAIClient) RefreshModels(ctx context.Context) ([]string, error) {
	if err := c.checkAuth(); err != nil {
		return nil, err
	}
	if err := c.limiter.Admit(ctx, c.provider); err != nil {
		return nil, err
	}

	var models []string
	err := c.retrier.Do(ctx, c.provider, func(ctx context.Context) error {
		var fetchErr error
		models, fetchErr = c.fetchModels(ctx)
		return fetchErr
	})
	if err != nil {
		metrics.Default().RecordModelFetch(c.provider, "error")
		return nil, err
	}

	metrics.Default().RecordModelFetch(c.provider, "ok")
	if len(models) > 0 {
		c.catalogue.Set(c.provider, models)
	}
	return models, nil
}

func (c *openAIClient) ClearCache() {
	c.catalogue.Clear()
}

func (c *openAIClient) fetchModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, completeTimeout)
	defer cancel()

	list, err := c.client.ListModels(ctx)
	if err != nil {
		return nil, classifyCall(ctx, c.provider, err)
	}

	models := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		if m.ID == "" {
			continue
		}
		if c.filterModels && !isChatModel(m.ID) {
			continue
		}
		models = append(models, m.ID)
	}
	sort.Strings(models)
	return models, nil
}

func (c *openAIClient) ChatComplete(ctx context.Context, req Request) (string, error) {
	if err := c.checkAuth(); err != nil {
		return "", err
	}
	if err := c.limiter.Admit(ctx, c.provider); err != nil {
		return "", err
	}

	start := time.Now()
	var content string
	err := c.retrier.Do(ctx, c.provider, func(ctx context.Context) error {
		var opErr error
		content, opErr = c.complete(ctx, req)
		return opErr
	})

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.Default().RecordChat(c.provider, status, time.Since(start))
	return content, err
}

func (c *openAIClient) complete(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, completeTimeout)
	defer cancel()

	slog.Debug("chat request",
		"provider", c.provider,
		"model", req.Model,
		"messages", len(req.Messages),
	)

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Temperature: wireTemperature(req.Temperature),
		Messages:    toOpenAIMessages(req.Messages),
	})
	if err != nil {
		return "", classifyCall(ctx, c.provider, err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", newError(c.provider, KindFormat, fmt.Errorf("empty completion for model %s", req.Model))
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *openAIClient) ChatStream(ctx context.Context, req Request) (<-chan string, <-chan error) {
	contentChan := make(chan string, 10)
	errChan := make(chan error, 1)

	go func() {
		defer close(contentChan)
		defer close(errChan)

		if err := c.checkAuth(); err != nil {
			errChan <- err
			return
		}
		if err := c.limiter.Admit(ctx, c.provider); err != nil {
			errChan <- err
			return
		}

		streamCtx, cancel := context.WithTimeout(ctx, streamTimeout)
		defer cancel()

		start := time.Now()
		stream, err := c.openStream(streamCtx, req)
		if err != nil {
			metrics.Default().RecordChat(c.provider, "error", time.Since(start))
			errChan <- err
			return
		}
		defer func() { _ = stream.Close() }()

		status, streamErr := c.consumeStream(streamCtx, stream, req.YieldFull, contentChan)
		metrics.Default().RecordChat(c.provider, status, time.Since(start))
		if streamErr != nil {
			errChan <- classifyCall(ctx, c.provider, streamErr)
		}
	}()

	return contentChan, errChan
}

// openStream retries until the SSE stream is established. Mid-stream
// failures are never retried: the caller has already consumed deltas.
func (c *openAIClient) openStream(ctx context.Context, req Request) (*openai.ChatCompletionStream, error) {
	var stream *openai.ChatCompletionStream
	err := c.retrier.Do(ctx, c.provider, func(ctx context.Context) error {
		var opErr error
		stream, opErr = c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
			Model:       req.Model,
			Temperature: wireTemperature(req.Temperature),
			Messages:    toOpenAIMessages(req.Messages),
			Stream:      true,
		})
		if opErr != nil {
			return classifyCall(ctx, c.provider, opErr)
		}
		return nil
	})
	return stream, err
}

func (c *openAIClient) consumeStream(ctx context.Context, stream *openai.ChatCompletionStream, yieldFull bool, out chan<- string) (string, error) {
	var full strings.Builder

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return "ok", nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return "cancelled", ctx.Err()
			}
			return "error", err
		}
		if len(resp.Choices) == 0 {
			continue
		}

		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}

		full.WriteString(delta)
		text := delta
		if yieldFull {
			text = full.String()
		}

		metrics.Default().RecordDelta(c.provider)
		select {
		case out <- text:
		case <-ctx.Done():
			return "cancelled", ctx.Err()
		}
	}
}

// checkAuth fails before any network call when no key is configured.
func (c *openAIClient) checkAuth() error {
	if c.apiKey == "" {
		return newError(c.provider, KindAuthMissing, fmt.Errorf("no API key configured"))
	}
	return nil
}

// wireTemperature keeps a requested 0.0 on the wire. go-openai marshals
// Temperature with omitempty, so a literal zero would be dropped and the
// provider would fall back to its 1.0 default; the smallest non-zero float
// survives marshalling and rounds to 0 server-side.
func wireTemperature(t float32) float32 {
	if t == 0 {
		return math.SmallestNonzeroFloat32
	}
	return t
}

func isChatModel(id string) bool {
	for _, prefix := range chatModelPrefixes {
		if strings.HasPrefix(id, prefix) {
			return true
		}
	}
	return false
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case "system":
			role = openai.ChatMessageRoleSystem
		case "assistant":
			role = openai.ChatMessageRoleAssistant
		case "user":
			role = openai.ChatMessageRoleUser
		}
		out[i] = openai.ChatCompletionMessage{Role: role, Content: m.Content}
	}
	return out
}

// newHTTPClient builds the shared transport. No client-level timeout:
// per-call contexts carry the 60s/300s caps, and a blanket timeout would
// cut long streams short.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

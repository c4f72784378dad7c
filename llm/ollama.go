package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/hrygo/colloquy/cache"
	"github.com/hrygo/colloquy/metrics"
)

// DefaultOllamaCloudURL is the hosted ollama endpoint.
const DefaultOllamaCloudURL = "https://ollama.com"

// ollamaClient speaks the native ollama wire protocol: GET /api/tags for
// the model catalogue and POST /api/chat with newline-delimited JSON
// streaming. The cloud variant adds bearer auth.
type ollamaClient struct {
	provider   string
	baseURL    string
	apiKey     string // empty for the local variant
	httpClient *http.Client

	limiter   *RateLimiter
	retrier   *Retrier
	catalogue *cache.Cache[string, []string]
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature float32 `json:"temperature"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func newOllamaClient(provider, baseURL, apiKey string) *ollamaClient {
	return &ollamaClient{
		provider:   provider,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: newHTTPClient(),
		limiter:    defaultLimiter,
		retrier:    NewRetrier(),
		catalogue:  cache.New[string, []string](catalogueTTL),
	}
}

func (c *ollamaClient) Provider() string {
	return c.provider
}

func (c *ollamaClient) ListModels(ctx context.Context) ([]string, error) {
	if models, ok := c.catalogue.Get(c.provider); ok {
		metrics.Default().RecordCache(c.provider, true)
		return models, nil
	}
	metrics.Default().RecordCache(c.provider, false)
	return c.RefreshModels(ctx)
}

func (c *ollamaClient) RefreshModels(ctx context.Context) ([]string, error) {
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

func (c *ollamaClient) ClearCache() {
	c.catalogue.Clear()
}

func (c *ollamaClient) fetchModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, completeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, classifyCall(ctx, c.provider, err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyCall(ctx, c.provider, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp)
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, newError(c.provider, KindFormat, fmt.Errorf("decode /api/tags response: %w", err))
	}

	models := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		if m.Name != "" {
			models = append(models, m.Name)
		}
	}
	sort.Strings(models)
	return models, nil
}

func (c *ollamaClient) ChatComplete(ctx context.Context, req Request) (string, error) {
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

func (c *ollamaClient) complete(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, completeTimeout)
	defer cancel()

	resp, err := c.postChat(ctx, req, false)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	var body ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", newError(c.provider, KindFormat, fmt.Errorf("decode /api/chat response: %w", err))
	}
	if body.Message.Content == "" {
		return "", newError(c.provider, KindFormat, fmt.Errorf("empty completion for model %s", req.Model))
	}
	return body.Message.Content, nil
}

func (c *ollamaClient) ChatStream(ctx context.Context, req Request) (<-chan string, <-chan error) {
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
		resp, err := c.openStream(streamCtx, req)
		if err != nil {
			metrics.Default().RecordChat(c.provider, "error", time.Since(start))
			errChan <- err
			return
		}
		defer func() { _ = resp.Body.Close() }()

		status, streamErr := c.consumeStream(streamCtx, resp.Body, req.YieldFull, contentChan)
		metrics.Default().RecordChat(c.provider, status, time.Since(start))
		if streamErr != nil {
			errChan <- classifyCall(ctx, c.provider, streamErr)
		}
	}()

	return contentChan, errChan
}

// openStream retries the request until the stream is established. Retrying
// after the first delta would replay text the caller already consumed, so
// mid-stream failures are never retried.
func (c *ollamaClient) openStream(ctx context.Context, req Request) (*http.Response, error) {
	var resp *http.Response
	err := c.retrier.Do(ctx, c.provider, func(ctx context.Context) error {
		var opErr error
		resp, opErr = c.postChat(ctx, req, true)
		return opErr
	})
	return resp, err
}

func (c *ollamaClient) consumeStream(ctx context.Context, body io.Reader, yieldFull bool, out chan<- string) (string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var full strings.Builder
	sawDone := false

	for scanner.Scan() {
		if ctx.Err() != nil {
			// Cancelled mid-stream: drop anything still buffered.
			return "cancelled", ctx.Err()
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk ollamaChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return "error", newError(c.provider, KindFormat, fmt.Errorf("decode stream chunk: %w", err))
		}
		if chunk.Done {
			sawDone = true
			break
		}
		if chunk.Message.Content == "" {
			continue
		}

		full.WriteString(chunk.Message.Content)
		text := chunk.Message.Content
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

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return "cancelled", ctx.Err()
		}
		return "error", err
	}
	if !sawDone && ctx.Err() != nil {
		return "cancelled", ctx.Err()
	}
	if !sawDone {
		return "error", newError(c.provider, KindFormat, fmt.Errorf("stream ended without done marker"))
	}
	return "ok", nil
}

func (c *ollamaClient) postChat(ctx context.Context, req Request, stream bool) (*http.Response, error) {
	payload := ollamaChatRequest{
		Model:    req.Model,
		Messages: toOllamaMessages(req.Messages),
		Stream:   stream,
		Options:  ollamaOptions{Temperature: req.Temperature},
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, newError(c.provider, KindBadRequest, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(raw))
	if err != nil {
		return nil, classifyCall(ctx, c.provider, err)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")

	slog.Debug("ollama chat request",
		"provider", c.provider,
		"model", req.Model,
		"messages", len(req.Messages),
		"stream", stream,
	)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyCall(ctx, c.provider, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, c.statusError(resp)
	}
	return resp, nil
}

func (c *ollamaClient) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("ollama returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	return classifyHTTP(c.provider, resp.StatusCode, err)
}

func (c *ollamaClient) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// checkAuth fails before any network call when the cloud variant has no key.
func (c *ollamaClient) checkAuth() error {
	if c.provider == ProviderOllamaCloud && c.apiKey == "" {
		return newError(c.provider, KindAuthMissing, fmt.Errorf("no API key configured"))
	}
	return nil
}

func toOllamaMessages(messages []Message) []ollamaMessage {
	out := make([]ollamaMessage, len(messages))
	for i, m := range messages {
		role := m.Role
		switch role {
		case "system", "user", "assistant":
		default:
			role = "user"
		}
		out[i] = ollamaMessage{Role: role, Content: m.Content}
	}
	return out
}

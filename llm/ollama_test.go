package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestOllama points a client at a mock server with isolated limiter and
// non-sleeping retrier.
func newTestOllama(t *testing.T, provider, apiKey string, handler http.Handler) *ollamaClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c := newOllamaClient(provider, server.URL, apiKey)
	c.limiter = NewRateLimiter(1000, time.Minute)
	c.retrier.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return c
}

func writeNDJSON(t *testing.T, w http.ResponseWriter, chunks []string) {
	t.Helper()
	flusher, ok := w.(http.Flusher)
	require.True(t, ok)
	enc := json.NewEncoder(w)
	for _, chunk := range chunks {
		require.NoError(t, enc.Encode(map[string]any{
			"message": map[string]string{"role": "assistant", "content": chunk},
			"done":    false,
		}))
		flusher.Flush()
	}
	require.NoError(t, enc.Encode(map[string]any{"done": true}))
	flusher.Flush()
}

func TestOllamaListModelsCaching(t *testing.T) {
	var hits atomic.Int32
	c := newTestOllama(t, ProviderOllama, "", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		hits.Add(1)
		fmt.Fprint(w, `{"models":[{"name":"qwen3"},{"name":"llama3"}]}`)
	}))

	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"llama3", "qwen3"}, models, "catalogue is sorted")
	assert.EqualValues(t, 1, hits.Load())

	// Second listing is served from cache.
	_, err = c.ListModels(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, hits.Load())

	// Refresh forces a re-fetch.
	_, err = c.RefreshModels(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, hits.Load())

	// ClearCache invalidates.
	c.ClearCache()
	_, err = c.ListModels(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, hits.Load())
}

func TestOllamaChatCompleteRoundTrip(t *testing.T) {
	var hits atomic.Int32
	c := newTestOllama(t, ProviderOllama, "", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		require.Equal(t, "/api/chat", r.URL.Path)

		var req ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3", req.Model)
		assert.False(t, req.Stream)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)

		fmt.Fprint(w, `{"message":{"role":"assistant","content":"Hi there!"},"done":true}`)
	}))

	got, err := c.ChatComplete(context.Background(), Request{
		Messages: []Message{SystemPrompt("be brief"), UserMessage("say hi")},
		Model:    "llama3",
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi there!", got)
	assert.EqualValues(t, 1, hits.Load(), "no retries on a clean 200")
}

func TestOllamaEmptyCompletionIsFormatError(t *testing.T) {
	c := newTestOllama(t, ProviderOllama, "", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"message":{"role":"assistant","content":""},"done":true}`)
	}))

	_, err := c.ChatComplete(context.Background(), Request{Model: "llama3"})
	require.Error(t, err)
	assert.Equal(t, KindFormat, KindOf(err))
}

func TestOllamaStreamDeltaForms(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeNDJSON(t, w, []string{"Hel", "lo", " world"})
	})

	t.Run("new suffix form", func(t *testing.T) {
		c := newTestOllama(t, ProviderOllama, "", handler)
		contentChan, errChan := c.ChatStream(context.Background(), Request{Model: "llama3"})

		var got []string
		for delta := range contentChan {
			got = append(got, delta)
		}
		require.NoError(t, <-errChan)
		assert.Equal(t, []string{"Hel", "lo", " world"}, got)
	})

	t.Run("cumulative form", func(t *testing.T) {
		c := newTestOllama(t, ProviderOllama, "", handler)
		contentChan, errChan := c.ChatStream(context.Background(), Request{Model: "llama3", YieldFull: true})

		var got []string
		for delta := range contentChan {
			got = append(got, delta)
		}
		require.NoError(t, <-errChan)
		assert.Equal(t, []string{"Hel", "Hello", "Hello world"}, got)
	})
}

func TestOllamaStreamMatchesNonStream(t *testing.T) {
	// Property: concatenated stream deltas equal the non-stream response.
	const answer = "The quick brown fox."
	c := newTestOllama(t, ProviderOllama, "", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Stream {
			writeNDJSON(t, w, []string{"The quick ", "brown ", "fox."})
			return
		}
		resp := map[string]any{
			"message": map[string]string{"role": "assistant", "content": answer},
			"done":    true,
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))

	direct, err := c.ChatComplete(context.Background(), Request{Model: "llama3"})
	require.NoError(t, err)

	contentChan, errChan := c.ChatStream(context.Background(), Request{Model: "llama3"})
	var sb strings.Builder
	for delta := range contentChan {
		sb.WriteString(delta)
	}
	require.NoError(t, <-errChan)

	assert.Equal(t, strings.TrimRight(direct, " \n"), strings.TrimRight(sb.String(), " \n"))
}

func TestOllamaStreamCancellation(t *testing.T) {
	release := make(chan struct{})
	c := newTestOllama(t, ProviderOllama, "", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprintln(w, `{"message":{"content":"first"},"done":false}`)
		flusher.Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	contentChan, errChan := c.ChatStream(ctx, Request{Model: "llama3"})

	first, ok := <-contentChan
	require.True(t, ok)
	assert.Equal(t, "first", first)

	cancel()

	// The stream must terminate promptly without further deltas.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, open := <-contentChan:
			if !open {
				err := <-errChan
				require.Error(t, err)
				assert.Equal(t, KindCancelled, KindOf(err))
				return
			}
		case <-deadline:
			t.Fatal("stream did not terminate after cancellation")
		}
	}
}

func TestOllamaStreamWithoutDoneIsFormatError(t *testing.T) {
	c := newTestOllama(t, ProviderOllama, "", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"partial"},"done":false}`)
	}))

	contentChan, errChan := c.ChatStream(context.Background(), Request{Model: "llama3"})
	for range contentChan {
	}
	err := <-errChan
	require.Error(t, err)
	assert.Equal(t, KindFormat, KindOf(err))
}

func TestOllamaCloudAuthMissing(t *testing.T) {
	var hits atomic.Int32
	c := newTestOllama(t, ProviderOllamaCloud, "", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))

	_, err := c.ListModels(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindAuthMissing, KindOf(err))
	assert.Zero(t, hits.Load(), "no request may be issued without a key")

	_, err = c.ChatComplete(context.Background(), Request{Model: "llama3"})
	assert.Equal(t, KindAuthMissing, KindOf(err))
}

func TestOllamaCloudSendsBearer(t *testing.T) {
	c := newTestOllama(t, ProviderOllamaCloud, "key-123", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key-123", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"models":[{"name":"llama3"}]}`)
	}))

	_, err := c.ListModels(context.Background())
	require.NoError(t, err)
}

func TestOllamaModelNotFound(t *testing.T) {
	c := newTestOllama(t, ProviderOllama, "", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"model 'nope' not found"}`)
	}))

	_, err := c.ChatComplete(context.Background(), Request{Model: "nope"})
	require.Error(t, err)
	assert.Equal(t, KindModelUnavailable, KindOf(err))
}

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOpenAI(t *testing.T, provider, apiKey string, handler http.Handler) (*openAIClient, *[]time.Duration) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c := newOpenAIClient(provider, apiKey, server.URL+"/v1")
	c.limiter = NewRateLimiter(1000, time.Minute)

	slept := &[]time.Duration{}
	c.retrier.sleep = func(ctx context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return ctx.Err()
	}
	c.retrier.randF = func() float64 { return 0 }
	return c, slept
}

func writeSSE(w http.ResponseWriter, deltas []string) {
	w.Header().Set("Content-Type", "text/event-stream")
	flusher := w.(http.Flusher)
	for _, d := range deltas {
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", d)
		flusher.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func TestOpenAIListModelsFiltersChatFamily(t *testing.T) {
	c, _ := newTestOpenAI(t, ProviderOpenAI, "sk-test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/models", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"object":"list","data":[
			{"id":"gpt-4o","object":"model"},
			{"id":"text-embedding-3-small","object":"model"},
			{"id":"o3-mini","object":"model"},
			{"id":"whisper-1","object":"model"},
			{"id":"dall-e-3","object":"model"}
		]}`)
	}))

	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"gpt-4o", "o3-mini"}, models)
}

func TestDeepSeekListModelsUnfiltered(t *testing.T) {
	c, _ := newTestOpenAI(t, ProviderDeepSeek, "sk-test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"object":"list","data":[
			{"id":"deepseek-reasoner","object":"model"},
			{"id":"deepseek-chat","object":"model"}
		]}`)
	}))

	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"deepseek-chat", "deepseek-reasoner"}, models)
}

func TestOpenAIChatComplete(t *testing.T) {
	c, _ := newTestOpenAI(t, ProviderOpenAI, "sk-test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"Hello!"}}]}`)
	}))

	got, err := c.ChatComplete(context.Background(), Request{
		Messages: []Message{UserMessage("say hi")},
		Model:    "gpt-4o",
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello!", got)
}

func TestOpenAIZeroTemperatureReachesWire(t *testing.T) {
	var payload struct {
		Temperature *float64 `json:"temperature"`
	}
	c, _ := newTestOpenAI(t, ProviderOpenAI, "sk-test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`)
	}))

	_, err := c.ChatComplete(context.Background(), Request{Model: "gpt-4o", Temperature: 0})
	require.NoError(t, err)
	require.NotNil(t, payload.Temperature, "temperature 0 must not be omitted")
	assert.Less(t, *payload.Temperature, 1e-6)
}

func TestOpenAIEmptyChoicesIsFormatError(t *testing.T) {
	c, _ := newTestOpenAI(t, ProviderOpenAI, "sk-test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))

	_, err := c.ChatComplete(context.Background(), Request{Model: "gpt-4o"})
	require.Error(t, err)
	assert.Equal(t, KindFormat, KindOf(err))
}

func TestOpenAIRetriesRateLimitThenSucceeds(t *testing.T) {
	// 429 twice then 200: two backoff sleeps (0.5s, 1.0s), one admission.
	var hits atomic.Int32
	c, slept := newTestOpenAI(t, ProviderOpenAI, "sk-test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"message":"rate limited","type":"rate_limit_exceeded"}}`)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"finally"}}]}`)
	}))

	got, err := c.ChatComplete(context.Background(), Request{Model: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "finally", got)
	assert.EqualValues(t, 3, hits.Load())

	var total time.Duration
	for _, d := range *slept {
		total += d
	}
	assert.GreaterOrEqual(t, total, 1500*time.Millisecond)
	assert.Equal(t, 1, c.limiter.InWindow(ProviderOpenAI), "one admission for the whole retried call")
}

func TestOpenAIAuthMissing(t *testing.T) {
	var hits atomic.Int32
	c, slept := newTestOpenAI(t, ProviderOpenAI, "", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))

	_, err := c.ListModels(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindAuthMissing, KindOf(err))
	assert.Zero(t, hits.Load(), "no request may be issued without a key")
	assert.Empty(t, *slept, "auth-missing is not retried")
}

func TestOpenAIAuthFailedNotRetried(t *testing.T) {
	var hits atomic.Int32
	c, _ := newTestOpenAI(t, ProviderOpenAI, "sk-bad", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"invalid api key","type":"invalid_request_error"}}`)
	}))

	_, err := c.ChatComplete(context.Background(), Request{Model: "gpt-4o"})
	require.Error(t, err)
	assert.Equal(t, KindAuthFailed, KindOf(err))
	assert.EqualValues(t, 1, hits.Load())
}

func TestOpenAIStreamDeltaForms(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w, []string{"Hel", "lo", " world"})
	})

	t.Run("new suffix form", func(t *testing.T) {
		c, _ := newTestOpenAI(t, ProviderOpenAI, "sk-test", handler)
		contentChan, errChan := c.ChatStream(context.Background(), Request{Model: "gpt-4o"})

		var got []string
		for delta := range contentChan {
			got = append(got, delta)
		}
		require.NoError(t, <-errChan)
		assert.Equal(t, []string{"Hel", "lo", " world"}, got)
	})

	t.Run("cumulative form", func(t *testing.T) {
		c, _ := newTestOpenAI(t, ProviderOpenAI, "sk-test", handler)
		contentChan, errChan := c.ChatStream(context.Background(), Request{Model: "gpt-4o", YieldFull: true})

		var got []string
		for delta := range contentChan {
			got = append(got, delta)
		}
		require.NoError(t, <-errChan)
		assert.Equal(t, []string{"Hel", "Hello", "Hello world"}, got)
	})
}

func TestOpenAIStreamCancellation(t *testing.T) {
	release := make(chan struct{})
	c, _ := newTestOpenAI(t, ProviderOpenAI, "sk-test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"first\"}}]}\n\n")
		flusher.Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	contentChan, errChan := c.ChatStream(ctx, Request{Model: "gpt-4o"})

	first, ok := <-contentChan
	require.True(t, ok)
	assert.Equal(t, "first", first)

	cancel()

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

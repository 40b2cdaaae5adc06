package llama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"unllamabot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(server.URL, 5*time.Second, zap.NewNop())
}

func TestHealth(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	assert.NoError(t, client.Health(context.Background()))
}

func TestHealthLoadingModel(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "loading model"})
	}))
	assert.ErrorIs(t, client.Health(context.Background()), ErrServerUnavailable)
}

func TestHealthServerDown(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", time.Second, zap.NewNop())
	assert.ErrorIs(t, client.Health(context.Background()), ErrServerUnavailable)
}

func TestProps(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/props", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"model_path":    "/models/SmolLM2-1.7B-Instruct-Q8_0.gguf",
			"chat_template": "{{ bos_token }}",
			"total_slots":   1,
			"default_generation_settings": map[string]any{
				"n_ctx":       4096,
				"temperature": 0.8,
				"top_k":       40,
			},
		})
	}))

	props, err := client.Props(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "SmolLM2-1.7B-Instruct-Q8_0", props.ModelName())
	assert.Equal(t, 4096, props.DefaultGenerationSettings.NCtx)
	assert.InDelta(t, 0.8, props.DefaultGenerationSettings.Temperature, 1e-9)
}

func TestModelNameWindowsPath(t *testing.T) {
	props := Props{ModelPath: `C:\models\llama-3.2-3b.gguf`}
	assert.Equal(t, "llama-3.2-3b", props.ModelName())
}

func TestTokenize(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tokenize", r.URL.Path)
		var body struct {
			Content string `json:"content"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hello world", body.Content)
		json.NewEncoder(w).Encode(map[string]any{"tokens": []int{15339, 1917}})
	}))

	tokens, err := client.Tokenize(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, []int{15339, 1917}, tokens)
}

func sseChunk(w http.ResponseWriter, chunk CompletionChunk) {
	payload, _ := json.Marshal(chunk)
	fmt.Fprintf(w, "data: %s\n\n", payload)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

func TestCompleteStreams(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/completion", r.URL.Path)
		var req CompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		assert.Equal(t, "Once upon", req.Prompt)

		w.Header().Set("Content-Type", "text/event-stream")
		sseChunk(w, CompletionChunk{Content: "a "})
		sseChunk(w, CompletionChunk{Content: "time"})
		sseChunk(w, CompletionChunk{Stop: true, TokensPredicted: 2, TokensEvaluated: 5})
	}))

	var got []string
	var last CompletionChunk
	err := client.Complete(context.Background(), CompletionRequest{Prompt: "Once upon"}, func(chunk CompletionChunk) error {
		got = append(got, chunk.Content)
		last = chunk
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a ", "time", ""}, got)
	assert.True(t, last.Stop)
	assert.Equal(t, 2, last.TokensPredicted)
}

func TestCompleteSkipsMalformedLines(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {not json}\n\n")
		fmt.Fprint(w, ": keepalive comment\n\n")
		sseChunk(w, CompletionChunk{Content: "fine"})
		sseChunk(w, CompletionChunk{Stop: true})
	}))

	var got []string
	err := client.Complete(context.Background(), CompletionRequest{}, func(chunk CompletionChunk) error {
		if chunk.Content != "" {
			got = append(got, chunk.Content)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"fine"}, got)
}

func TestCompleteCallbackAborts(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sseChunk(w, CompletionChunk{Content: "one"})
		sseChunk(w, CompletionChunk{Content: "two"})
		sseChunk(w, CompletionChunk{Stop: true})
	}))

	boom := errors.New("downstream failed")
	calls := 0
	err := client.Complete(context.Background(), CompletionRequest{}, func(CompletionChunk) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestCompleteServerDown(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", time.Second, zap.NewNop())
	err := client.Complete(context.Background(), CompletionRequest{}, func(CompletionChunk) error {
		t.Fatal("callback must not run")
		return nil
	})
	assert.ErrorIs(t, err, ErrServerUnavailable)
}

func TestRequestForUser(t *testing.T) {
	temp := 0.5
	topK := int64(20)
	samplers := "top_k;temperature"
	user := &models.User{Temperature: &temp, TopK: &topK, Samplers: &samplers}

	req := RequestForUser("prompt", user)
	assert.True(t, req.Stream)
	assert.True(t, req.CachePrompt)
	require.NotNil(t, req.Temperature)
	assert.InDelta(t, 0.5, *req.Temperature, 1e-9)
	require.NotNil(t, req.TopK)
	assert.Equal(t, int64(20), *req.TopK)
	assert.Nil(t, req.TopP)
	assert.Equal(t, []string{"top_k", "temperature"}, req.Samplers)

	// nil fields must stay out of the wire format so the server applies
	// its own defaults
	payload, err := json.Marshal(req)
	require.NoError(t, err)
	assert.NotContains(t, string(payload), "top_p")
	assert.Contains(t, string(payload), `"temperature":0.5`)

	bare := RequestForUser("prompt", nil)
	assert.Equal(t, "prompt", bare.Prompt)
	assert.Nil(t, bare.Temperature)
	assert.Nil(t, bare.Samplers)
}

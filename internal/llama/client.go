package llama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"unllamabot/internal/models"

	"go.uber.org/zap"
)

// ErrServerUnavailable is returned when the inference server cannot be
// reached or reports itself unhealthy.
var ErrServerUnavailable = errors.New("inference server unavailable")

// Client talks to a llama.cpp-compatible inference server.
type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
	log     *zap.Logger
}

// NewClient builds a client for the server at baseURL. The timeout
// bounds the non-streaming endpoints only; completions stream for as
// long as the model generates and are bounded by the caller's context.
func NewClient(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		http:    &http.Client{},
		log:     log,
	}
}

type healthResponse struct {
	Status string `json:"status"`
}

// Health checks the server's /health endpoint.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.get(ctx, "/health")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health returned %s", ErrServerUnavailable, resp.Status)
	}
	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decoding health response: %w", err)
	}
	if health.Status != "ok" {
		return fmt.Errorf("%w: status %q", ErrServerUnavailable, health.Status)
	}
	return nil
}

// GenerationSettings is the subset of the server's default generation
// settings the bot cares about.
type GenerationSettings struct {
	NCtx        int      `json:"n_ctx"`
	Temperature float64  `json:"temperature"`
	TopK        int      `json:"top_k"`
	TopP        float64  `json:"top_p"`
	MinP        float64  `json:"min_p"`
	Seed        int64    `json:"seed"`
	Samplers    []string `json:"samplers"`
}

// Props mirrors the server's /props response.
type Props struct {
	ModelPath                 string             `json:"model_path"`
	ChatTemplate              string             `json:"chat_template"`
	TotalSlots                int                `json:"total_slots"`
	DefaultGenerationSettings GenerationSettings `json:"default_generation_settings"`
}

// ModelName derives a human-readable model name from the model path.
func (p *Props) ModelName() string {
	name := path.Base(strings.ReplaceAll(p.ModelPath, "\\", "/"))
	return strings.TrimSuffix(name, ".gguf")
}

// Props fetches the server's model properties.
func (c *Client) Props(ctx context.Context) (*Props, error) {
	resp, err := c.get(ctx, "/props")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("props request failed with status %s", resp.Status)
	}
	var props Props
	if err := json.NewDecoder(resp.Body).Decode(&props); err != nil {
		return nil, fmt.Errorf("decoding props response: %w", err)
	}
	return &props, nil
}

type tokenizeRequest struct {
	Content string `json:"content"`
}

type tokenizeResponse struct {
	Tokens []int `json:"tokens"`
}

// Tokenize asks the server to tokenize content with the loaded model.
func (c *Client) Tokenize(ctx context.Context, content string) ([]int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.post(ctx, "/tokenize", tokenizeRequest{Content: content})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tokenize request failed with status %s", resp.Status)
	}
	var tokens tokenizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return nil, fmt.Errorf("decoding tokenize response: %w", err)
	}
	return tokens.Tokens, nil
}

// CompletionRequest is the /completion request body. Nil sampler fields
// are omitted so the server falls back to its defaults.
type CompletionRequest struct {
	Prompt      string `json:"prompt"`
	Stream      bool   `json:"stream"`
	CachePrompt bool   `json:"cache_prompt"`

	Temperature      *float64 `json:"temperature,omitempty"`
	DynatempRange    *float64 `json:"dynatemp_range,omitempty"`
	DynatempExponent *float64 `json:"dynatemp_exponent,omitempty"`
	TopK             *int64   `json:"top_k,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	MinP             *float64 `json:"min_p,omitempty"`
	NPredict         *int64   `json:"n_predict,omitempty"`
	NKeep            *int64   `json:"n_keep,omitempty"`
	TfsZ             *float64 `json:"tfs_z,omitempty"`
	TypicalP         *float64 `json:"typical_p,omitempty"`
	RepeatPenalty    *float64 `json:"repeat_penalty,omitempty"`
	RepeatLastN      *int64   `json:"repeat_last_n,omitempty"`
	PenalizeNL       *bool    `json:"penalize_nl,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	Mirostat         *int64   `json:"mirostat,omitempty"`
	MirostatTau      *float64 `json:"mirostat_tau,omitempty"`
	MirostatEta      *float64 `json:"mirostat_eta,omitempty"`
	Seed             *int64   `json:"seed,omitempty"`
	Samplers         []string `json:"samplers,omitempty"`
}

// RequestForUser builds a streaming completion request carrying the
// user's stored generation parameters.
func RequestForUser(prompt string, user *models.User) CompletionRequest {
	req := CompletionRequest{
		Prompt:      prompt,
		Stream:      true,
		CachePrompt: true,
	}
	if user == nil {
		return req
	}
	req.Temperature = user.Temperature
	req.DynatempRange = user.DynatempRange
	req.DynatempExponent = user.DynatempExponent
	req.TopK = user.TopK
	req.TopP = user.TopP
	req.MinP = user.MinP
	req.NPredict = user.NPredict
	req.NKeep = user.NKeep
	req.TfsZ = user.TfsZ
	req.TypicalP = user.TypicalP
	req.RepeatPenalty = user.RepeatPenalty
	req.RepeatLastN = user.RepeatLastN
	req.PenalizeNL = user.PenalizeNL
	req.PresencePenalty = user.PresencePenalty
	req.FrequencyPenalty = user.FrequencyPenalty
	req.Mirostat = user.Mirostat
	req.MirostatTau = user.MirostatTau
	req.MirostatEta = user.MirostatEta
	req.Seed = user.Seed
	if user.Samplers != nil {
		req.Samplers = splitSamplers(*user.Samplers)
	}
	return req
}

// splitSamplers turns a stored sampler order ("top_k;temperature") into
// the array form the server expects.
func splitSamplers(raw string) []string {
	return strings.FieldsFunc(raw, func(r rune) bool {
		return r == ';' || r == ',' || r == ' '
	})
}

// CompletionChunk is one streamed piece of a completion.
type CompletionChunk struct {
	Content         string `json:"content"`
	Stop            bool   `json:"stop"`
	TokensPredicted int    `json:"tokens_predicted"`
	TokensEvaluated int    `json:"tokens_evaluated"`
}

const streamDataPrefix = "data: "

// Complete runs a streaming completion and calls fn for every chunk,
// including the final one (Stop set). Returning an error from fn aborts
// the stream.
func (c *Client) Complete(ctx context.Context, req CompletionRequest, fn func(CompletionChunk) error) error {
	req.Stream = true
	resp, err := c.post(ctx, "/completion", req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("completion request failed with status %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	// Single chunks can carry large content blocks.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, streamDataPrefix) {
			continue
		}

		var chunk CompletionChunk
		payload := strings.TrimPrefix(line, streamDataPrefix)
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			c.log.Warn("skipping malformed completion chunk", zap.Error(err))
			continue
		}
		if err := fn(chunk); err != nil {
			return err
		}
		if chunk.Stop {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading completion stream: %w", err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, endpoint string) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (c *Client) post(ctx context.Context, endpoint string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req)
}

// cancelReadCloser releases the request's timeout context when the
// response body is closed.
type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	c.cancel()
	return c.ReadCloser.Close()
}

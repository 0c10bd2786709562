package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"vidsearch/internal/llm"
)

// DefaultBaseURL points at a local OpenAI-compatible server (LM Studio, Ollama).
const DefaultBaseURL = "http://localhost:1234/v1"

// Options configures a Client.
type Options struct {
	BaseURL string
	APIKey  string
	// MinInterval spaces consecutive requests; zero disables pacing.
	MinInterval time.Duration
	// Timeout bounds a single HTTP round trip.
	Timeout    time.Duration
	MaxRetries int
	// Backoff is the base delay between retries of 429/5xx responses.
	Backoff time.Duration
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	retries int
	backoff time.Duration
}

var (
	_ llm.Embedder    = (*Client)(nil)
	_ llm.ModelLister = (*Client)(nil)
)

func New(opts Options) *Client {
	base := opts.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	retries := opts.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if opts.MinInterval > 0 {
		lim = rate.NewLimiter(rate.Every(opts.MinInterval), 1)
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		apiKey:  opts.APIKey,
		http:    &http.Client{Timeout: timeout},
		limiter: lim,
		retries: retries,
		backoff: backoff,
	}
}

// Embeddings implements llm.Embedder using the OpenAI-compatible API.
func (c *Client) Embeddings(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	if model == "" {
		return nil, errors.New("embeddings: model required")
	}
	if len(inputs) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(map[string]any{"model": model, "input": inputs})
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodPost, "/embeddings", b)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embeddings http %d: %s", resp.StatusCode, string(data))
	}
	var out struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if len(out.Data) != len(inputs) {
		return nil, fmt.Errorf("embeddings: got %d vectors for %d inputs", len(out.Data), len(inputs))
	}
	// index is authoritative when the server sends a full permutation
	useIndex := true
	seen := make([]bool, len(inputs))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(inputs) || seen[d.Index] {
			useIndex = false
			break
		}
		seen[d.Index] = true
	}
	res := make([][]float32, len(inputs))
	for i, d := range out.Data {
		idx := i
		if useIndex {
			idx = d.Index
		}
		res[idx] = d.Embedding
	}
	return res, nil
}

// ListModels fetches available model IDs via GET /models
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("models http %d: %s", resp.StatusCode, string(data))
	}
	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(out.Data))
	for _, m := range out.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// do performs the request with pacing and retries on 429/5xx.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var last *http.Response
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			delay := c.backoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode/100 != 5 {
			return resp, nil
		}
		if attempt == c.retries {
			last = resp
			break
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
	return last, nil
}

// Package financesearch implements the financeSearch tool: a query against
// an external financial search backend returning ranked results the model
// cites by index.
package financesearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/finsight-ai/finsight/internal/agent"
	"github.com/finsight-ai/finsight/pkg/models"
)

// maxCacheSize bounds the response cache.
const maxCacheSize = 1000

// Config holds the search backend settings.
type Config struct {
	// BaseURL of the search service.
	BaseURL string `json:"base_url"`

	// APIKey sent as a bearer token when set.
	APIKey string `json:"api_key,omitempty"`

	// DefaultResultCount when the model does not ask for one.
	DefaultResultCount int `json:"default_result_count"`

	// CacheTTL for identical queries.
	CacheTTL time.Duration `json:"cache_ttl"`

	// Timeout per backend request.
	Timeout time.Duration `json:"timeout"`
}

// Params is the tool's validated input.
type Params struct {
	Query       string `json:"query"`
	ResultCount int    `json:"result_count,omitempty"`
}

// Result is one ranked search hit.
type Result struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Snippet     string `json:"snippet"`
	Source      string `json:"source,omitempty"`
	PublishedAt string `json:"published_at,omitempty"`
}

// Response is the tool's output payload. Results are index-ordered so the
// model can cite them as [1], [2], ...
type Response struct {
	Query       string   `json:"query"`
	Results     []Result `json:"results"`
	ResultCount int      `json:"result_count"`
}

type cacheEntry struct {
	response  *Response
	expiresAt time.Time
}

// Tool queries the finance search backend with response caching.
type Tool struct {
	config     Config
	httpClient *http.Client

	cacheMu sync.RWMutex
	cache   map[string]*cacheEntry
}

// New creates the tool, applying defaults.
func New(config Config) *Tool {
	if config.DefaultResultCount <= 0 {
		config.DefaultResultCount = 5
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 5 * time.Minute
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &Tool{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		cache:      make(map[string]*cacheEntry),
	}
}

// Name is the registry name of the tool.
const Name = "financeSearch"

// Schema describes the tool's input contract.
func Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {
				"type": "string",
				"description": "Financial search query, e.g. a company, ticker, or metric."
			},
			"result_count": {
				"type": "integer",
				"description": "Number of results to return.",
				"minimum": 1,
				"maximum": 20
			}
		},
		"required": ["query"],
		"additionalProperties": false
	}`)
}

// Register adds the tool to a registry.
func (t *Tool) Register(registry *agent.Registry) error {
	return registry.Register(Name,
		"Search financial news, filings, and market data. Results are ranked and citable by index.",
		Schema(), t.Execute)
}

// Execute runs one search. Backend failures surface as errors for the
// loop to turn into output-error parts.
func (t *Tool) Execute(ctx context.Context, tctx agent.ToolContext, input json.RawMessage) (*models.ToolResult, error) {
	var params Params
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid search input: %w", err)
	}
	if params.ResultCount <= 0 {
		params.ResultCount = t.config.DefaultResultCount
	}

	cacheKey := params.Query + "|" + strconv.Itoa(params.ResultCount)
	if cached := t.fromCache(cacheKey); cached != nil {
		return resultFrom(cached)
	}

	response, err := t.search(ctx, tctx, params)
	if err != nil {
		return nil, err
	}
	t.toCache(cacheKey, response)
	return resultFrom(response)
}

func (t *Tool) search(ctx context.Context, tctx agent.ToolContext, params Params) (*Response, error) {
	endpoint, err := url.Parse(t.config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("search backend misconfigured: %w", err)
	}
	endpoint.Path, err = url.JoinPath(endpoint.Path, "search")
	if err != nil {
		return nil, fmt.Errorf("search backend misconfigured: %w", err)
	}

	q := endpoint.Query()
	q.Set("q", params.Query)
	q.Set("count", strconv.Itoa(params.ResultCount))
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}
	if t.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.config.APIKey)
	}
	// Caller-scoped credential for per-user backend quotas.
	if tctx.DelegatedCredential != "" {
		req.Header.Set("X-Delegated-Credential", tctx.DelegatedCredential)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("search backend rate limit exceeded")
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("search backend returned %d: %s", resp.StatusCode, body)
	}

	var out struct {
		Results []Result `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("malformed search response: %w", err)
	}

	if len(out.Results) > params.ResultCount {
		out.Results = out.Results[:params.ResultCount]
	}
	return &Response{
		Query:       params.Query,
		Results:     out.Results,
		ResultCount: len(out.Results),
	}, nil
}

func (t *Tool) fromCache(key string) *Response {
	t.cacheMu.RLock()
	defer t.cacheMu.RUnlock()
	entry, ok := t.cache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil
	}
	return entry.response
}

func (t *Tool) toCache(key string, response *Response) {
	t.cacheMu.Lock()
	defer t.cacheMu.Unlock()
	if len(t.cache) >= maxCacheSize {
		// Evict everything expired; full wipe if nothing is.
		now := time.Now()
		for k, e := range t.cache {
			if now.After(e.expiresAt) {
				delete(t.cache, k)
			}
		}
		if len(t.cache) >= maxCacheSize {
			t.cache = make(map[string]*cacheEntry)
		}
	}
	t.cache[key] = &cacheEntry{response: response, expiresAt: time.Now().Add(t.config.CacheTTL)}
}

func resultFrom(response *Response) (*models.ToolResult, error) {
	payload, err := json.Marshal(response)
	if err != nil {
		return nil, fmt.Errorf("encode search response: %w", err)
	}
	return &models.ToolResult{Output: payload}, nil
}

package tavily

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

	"deeprag/internal/domain/rag"
	applog "deeprag/internal/platform/log"
	"deeprag/internal/platform/retry"
)

// ErrNoAPIKey 未配置 API key
var ErrNoAPIKey = errors.New("tavily api key is not configured")

// Config Tavily 搜索配置
type Config struct {
	APIKey         string  `json:"api_key"`
	BaseURL        string  `json:"base_url"` // 默认 https://api.tavily.com
	MaxResults     int     `json:"max_results"`
	SearchDepth    string  `json:"search_depth"` // basic | advanced
	RequestsPerSec float64 `json:"requests_per_sec"`
	Burst          int     `json:"burst"`
	TimeoutSeconds int     `json:"timeout_seconds"`
}

// Client Tavily 搜索客户端，实现 rag.WebSearcher
type Client struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
}

// New 创建 Tavily 客户端
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrNoAPIKey
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.tavily.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 5
	}
	if cfg.SearchDepth == "" {
		cfg.SearchDepth = "basic"
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 30
	}

	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}
	return &Client{
		cfg:     cfg,
		client:  &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		limiter: rate.NewLimiter(limit, cfg.Burst),
	}, nil
}

type searchRequest struct {
	Query         string `json:"query"`
	MaxResults    int    `json:"max_results"`
	SearchDepth   string `json:"search_depth"`
	IncludeAnswer bool   `json:"include_answer"`
}

type searchResponse struct {
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

// Search 实现 rag.WebSearcher
func (c *Client) Search(ctx context.Context, query string) ([]rag.WebResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, retry.Permanent(fmt.Errorf("tavily rate limit wait: %w", err))
	}
	start := time.Now()

	body, err := json.Marshal(searchRequest{
		Query:       query,
		MaxResults:  c.cfg.MaxResults,
		SearchDepth: c.cfg.SearchDepth,
	})
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("marshal request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tavily request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("tavily API error (%d): %s", resp.StatusCode, truncate(string(respBody), 200))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, err
		}
		return nil, retry.Permanent(err)
	}

	var parsed searchResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, retry.Permanent(fmt.Errorf("parse response: %w", err))
	}

	out := make([]rag.WebResult, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		if strings.TrimSpace(r.URL) == "" {
			continue
		}
		out = append(out, rag.WebResult{
			URL:     r.URL,
			Title:   r.Title,
			Snippet: r.Content,
			Score:   r.Score,
		})
	}

	applog.Debug("[Web/Tavily] Search done",
		"results", len(out),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

package opensearch

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"deeprag/internal/domain/rag"
	applog "deeprag/internal/platform/log"
	"deeprag/internal/platform/retry"
)

// Config OpenSearch 连接配置
type Config struct {
	URL                string
	Username           string
	Password           string
	Index              string
	VectorField        string // kNN 向量字段
	SectionField       string // 章节过滤字段（keyword 类型）
	InsecureSkipVerify bool
	Timeout            time.Duration
}

// Client OpenSearch HTTP 客户端。
// Search 实现 rag.KeywordIndex（BM25），SearchVector 实现 rag.VectorSearcher（kNN）。
type Client struct {
	baseURL     string
	username    string
	password    string
	indexName   string
	vectorField  string
	sectionField string
	httpClient   *http.Client
}

// NewClient 创建 OpenSearch 客户端
func NewClient(cfg Config) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // 开发环境自签证书
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.VectorField == "" {
		cfg.VectorField = "embedding"
	}
	if cfg.SectionField == "" {
		cfg.SectionField = "section"
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.URL, "/"),
		username:    cfg.Username,
		password:    cfg.Password,
		indexName:   cfg.Index,
		vectorField:  cfg.VectorField,
		sectionField: cfg.SectionField,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
	}
}

// document 索引中的文档字段
type document struct {
	SourceID string `json:"source_id"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	Source   string `json:"source"`
}

// Search BM25 全文检索
func (c *Client) Search(ctx context.Context, query string, k int, filter rag.Filter) ([]rag.Hit, error) {
	if k <= 0 {
		k = 10
	}
	q := map[string]any{
		"multi_match": map[string]any{
			"query":  query,
			"fields": []string{"title^2", "content"},
		},
	}
	if term := c.sectionTerm(filter); term != nil {
		q = map[string]any{
			"bool": map[string]any{
				"must":   q,
				"filter": term,
			},
		}
	}
	body := map[string]any{
		"size":    k,
		"query":   q,
		"_source": []string{"source_id", "title", "content", "source"},
	}
	return c.executeSearch(ctx, body, "bm25")
}

// SearchVector kNN 向量检索；章节过滤使用 knn 内置 filter，先过滤再取 k 个近邻
func (c *Client) SearchVector(ctx context.Context, vector []float32, k int, filter rag.Filter) ([]rag.Hit, error) {
	if k <= 0 {
		k = 10
	}
	field := map[string]any{
		"vector": vector,
		"k":      k,
	}
	if term := c.sectionTerm(filter); term != nil {
		field["filter"] = term
	}
	body := map[string]any{
		"size": k,
		"query": map[string]any{
			"knn": map[string]any{c.vectorField: field},
		},
		"_source": []string{"source_id", "title", "content", "source"},
	}
	return c.executeSearch(ctx, body, "knn")
}

func (c *Client) sectionTerm(filter rag.Filter) map[string]any {
	if filter.Empty() {
		return nil
	}
	return map[string]any{"term": map[string]any{c.sectionField: filter.Section}}
}

// executeSearch 执行 OpenSearch 查询并解析结果，顺序即排名
func (c *Client) executeSearch(ctx context.Context, query map[string]any, mode string) ([]rag.Hit, error) {
	start := time.Now()

	body, err := json.Marshal(query)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("marshal query: %w", err))
	}
	resp, err := c.doRequest(ctx, http.MethodPost, "/"+c.indexName+"/_search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("search failed (%d): %s", resp.StatusCode, string(respBody))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, err
		}
		return nil, retry.Permanent(err)
	}

	var osResp struct {
		Hits struct {
			Hits []struct {
				ID     string          `json:"_id"`
				Score  float64         `json:"_score"`
				Source json.RawMessage `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.Unmarshal(respBody, &osResp); err != nil {
		return nil, retry.Permanent(fmt.Errorf("parse response: %w", err))
	}

	hits := make([]rag.Hit, 0, len(osResp.Hits.Hits))
	for _, h := range osResp.Hits.Hits {
		var src document
		if err := json.Unmarshal(h.Source, &src); err != nil {
			applog.Warn("[RAG/OpenSearch] Failed to parse hit source", "id", h.ID, "error", err)
			continue
		}
		if strings.TrimSpace(src.Content) == "" {
			continue
		}
		id := src.SourceID
		if id == "" {
			id = h.ID
		}
		hits = append(hits, rag.Hit{
			SourceID: id,
			Content:  src.Content,
			Title:    src.Title,
			Origin:   src.Source,
			Score:    h.Score,
		})
	}

	applog.Debug("[RAG/OpenSearch] Search done",
		"mode", mode,
		"hits", len(hits),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return hits, nil
}

// Ping 检查 OpenSearch 连通性
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.doRequest(ctx, http.MethodGet, "/", nil)
	if err != nil {
		return fmt.Errorf("ping opensearch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("opensearch returned status %d", resp.StatusCode)
	}
	return nil
}

// doRequest 执行 HTTP 请求
func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	return c.httpClient.Do(req)
}

package weaviatedb

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/auth"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"

	"deeprag/internal/domain/rag"
	applog "deeprag/internal/platform/log"
	"deeprag/internal/platform/retry"
)

// ErrNotReady Weaviate 未就绪
var ErrNotReady = errors.New("weaviate not ready")

// Config Weaviate 连接配置
type Config struct {
	Host   string // host:port，可带 http(s):// 前缀
	Scheme string
	APIKey string
	Class  string

	SectionProperty string // 章节过滤属性，默认 section
}

// Index 基于 Weaviate nearText 的语义检索，实现 rag.SemanticIndex
type Index struct {
	client  *weaviate.Client
	class   string
	section string
}

// New 创建 Weaviate 语义索引
func New(cfg Config) (*Index, error) {
	host, scheme := splitHost(cfg.Host, cfg.Scheme)
	if host == "" {
		return nil, errors.New("weaviate host is required")
	}
	class := cfg.Class
	if class == "" {
		class = "Document"
	}

	wcfg := weaviate.Config{Host: host, Scheme: scheme}
	if cfg.APIKey != "" {
		wcfg.AuthConfig = auth.ApiKey{Value: cfg.APIKey}
	}
	client, err := weaviate.NewClient(wcfg)
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	section := cfg.SectionProperty
	if section == "" {
		section = "section"
	}
	return &Index{client: client, class: class, section: section}, nil
}

// Search 语义检索 top-k
func (x *Index) Search(ctx context.Context, query string, k int, filter rag.Filter) ([]rag.Hit, error) {
	if k <= 0 {
		return nil, nil
	}

	nearText := x.client.GraphQL().NearTextArgBuilder().WithConcepts([]string{query})
	get := x.client.GraphQL().Get()
	if !filter.Empty() {
		get = get.WithWhere(filters.Where().
			WithPath([]string{x.section}).
			WithOperator(filters.Equal).
			WithValueText(filter.Section))
	}
	result, err := get.
		WithClassName(x.class).
		WithFields(
			graphql.Field{Name: "content"},
			graphql.Field{Name: "title"},
			graphql.Field{Name: "source"},
			graphql.Field{Name: "source_id"},
			graphql.Field{Name: "_additional { id certainty distance }"},
		).
		WithNearText(nearText).
		WithLimit(k).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate nearText: %w", err)
	}
	if len(result.Errors) > 0 {
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			msgs = append(msgs, e.Message)
		}
		// GraphQL 错误多为 schema 或查询问题，重试无意义
		return nil, retry.Permanent(fmt.Errorf("weaviate graphql: %s", strings.Join(msgs, "; ")))
	}

	hits := x.parse(result.Data["Get"])
	applog.Debug("[RAG/Weaviate] Search completed", "class", x.class, "k", k, "section", filter.Section, "hits", len(hits))
	return hits, nil
}

// Ping 检查 Weaviate 就绪状态
func (x *Index) Ping(ctx context.Context) error {
	ready, err := x.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return fmt.Errorf("weaviate ready check: %w", err)
	}
	if !ready {
		return ErrNotReady
	}
	return nil
}

func (x *Index) parse(data any) []rag.Hit {
	get, ok := data.(map[string]any)
	if !ok {
		return nil
	}
	objects, ok := get[x.class].([]any)
	if !ok {
		return nil
	}

	hits := make([]rag.Hit, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]any)
		if !ok {
			continue
		}
		content := getString(m, "content")
		if strings.TrimSpace(content) == "" {
			continue
		}

		var id string
		var score float64
		if add, ok := m["_additional"].(map[string]any); ok {
			id = getString(add, "id")
			if c, ok := add["certainty"].(float64); ok {
				score = c
			} else if d, ok := add["distance"].(float64); ok {
				score = 1 - d
			}
		}
		if sid := getString(m, "source_id"); sid != "" {
			id = sid
		}
		if id == "" {
			continue
		}

		hits = append(hits, rag.Hit{
			SourceID: id,
			Content:  content,
			Title:    getString(m, "title"),
			Origin:   getString(m, "source"),
			Score:    score,
		})
	}
	return hits
}

func getString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func splitHost(host, scheme string) (string, string) {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	switch {
	case strings.HasPrefix(host, "https://"):
		return strings.TrimPrefix(host, "https://"), "https"
	case strings.HasPrefix(host, "http://"):
		return strings.TrimPrefix(host, "http://"), "http"
	}
	if scheme == "" {
		scheme = "http"
	}
	return host, scheme
}

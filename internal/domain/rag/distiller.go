package rag

import (
	"fmt"
	"html"
	"regexp"
	"sort"
	"strings"
)

// DistillerConfig 上下文压缩配置
type DistillerConfig struct {
	TokenBudget         int     `json:"token_budget"`
	SimilarityThreshold float64 `json:"similarity_threshold"` // 3-shingle Jaccard，≥ 阈值视为近似重复
	MinItemTokens       int     `json:"min_item_tokens"`      // 截断后不足该长度的条目直接丢弃
}

// DefaultDistillerConfig 默认配置
func DefaultDistillerConfig() DistillerConfig {
	return DistillerConfig{
		TokenBudget:         1200,
		SimilarityThreshold: 0.85,
		MinItemTokens:       24,
	}
}

// Digest 压缩后的证据摘要
type Digest struct {
	Items          []Candidate `json:"items"`
	Tokens         int         `json:"tokens"`
	Duplicates     int         `json:"duplicates"`      // source_id 重复
	NearDuplicates int         `json:"near_duplicates"` // 文本近似重复
	Truncated      int         `json:"truncated"`
	Dropped        int         `json:"dropped"` // 超出预算或清洗后为空
}

// Empty 是否没有任何证据
func (d Digest) Empty() bool {
	return len(d.Items) == 0
}

// Text 渲染为 prompt 上下文
func (d Digest) Text() string {
	var sb strings.Builder
	for _, item := range d.Items {
		sb.WriteString("[")
		sb.WriteString(item.SourceID)
		sb.WriteString("]")
		if item.Title != "" {
			sb.WriteString(" ")
			sb.WriteString(item.Title)
		}
		if item.Origin != "" {
			fmt.Fprintf(&sb, " (%s)", item.Origin)
		}
		sb.WriteString("\n")
		sb.WriteString(item.Content)
		sb.WriteString("\n\n")
	}
	return strings.TrimSpace(sb.String())
}

// Distiller 上下文压缩器：去重、去模板文本、按预算截断
type Distiller struct {
	cfg     DistillerConfig
	counter TokenCounter
}

// NewDistiller 创建压缩器，counter 为 nil 时使用 SimpleTokenCounter
func NewDistiller(cfg DistillerConfig, counter TokenCounter) *Distiller {
	def := DefaultDistillerConfig()
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = def.TokenBudget
	}
	if cfg.SimilarityThreshold <= 0 || cfg.SimilarityThreshold > 1 {
		cfg.SimilarityThreshold = def.SimilarityThreshold
	}
	if cfg.MinItemTokens <= 0 {
		cfg.MinItemTokens = def.MinItemTokens
	}
	if counter == nil {
		counter = SimpleTokenCounter{}
	}
	return &Distiller{cfg: cfg, counter: counter}
}

// Distill 压缩候选列表。输入按优先级降序（重排后顺序），低优先级条目先被丢弃或截断。
func (d *Distiller) Distill(items []Candidate) Digest {
	var digest Digest

	seen := make(map[string]struct{}, len(items))
	type kept struct {
		item     Candidate
		shingles map[string]struct{}
	}
	var unique []kept

	for _, item := range items {
		if _, dup := seen[item.SourceID]; dup {
			digest.Duplicates++
			continue
		}
		seen[item.SourceID] = struct{}{}

		item.Content = StripBoilerplate(item.Content)
		if item.Content == "" {
			digest.Dropped++
			continue
		}

		sh := shingles(item.Content)
		near := false
		for _, k := range unique {
			if jaccard(sh, k.shingles) >= d.cfg.SimilarityThreshold {
				near = true
				break
			}
		}
		if near {
			digest.NearDuplicates++
			continue
		}
		unique = append(unique, kept{item: item, shingles: sh})
	}

	remaining := d.cfg.TokenBudget
	for _, k := range unique {
		item := k.item
		n := d.counter.Count(item.Content)
		if n > remaining {
			if remaining < d.cfg.MinItemTokens {
				digest.Dropped++
				continue
			}
			item.Content = d.truncate(item.Content, remaining)
			n = d.counter.Count(item.Content)
			if item.Content == "" || n > remaining {
				digest.Dropped++
				continue
			}
			digest.Truncated++
		}
		remaining -= n
		digest.Tokens += n
		digest.Items = append(digest.Items, item)
	}
	return digest
}

// truncate 按词边界截断到 budget 以内
func (d *Distiller) truncate(text string, budget int) string {
	words := strings.Fields(text)
	n := sort.Search(len(words)+1, func(i int) bool {
		return d.counter.Count(strings.Join(words[:i], " ")) > budget
	})
	if n == 0 {
		return ""
	}
	return strings.Join(words[:n-1], " ")
}

var (
	tagRe        = regexp.MustCompile(`(?s)<script.*?</script>|<style.*?</style>|<[^>]+>`)
	boilerLineRe = regexp.MustCompile(`(?i)^\s*(©|\(c\)\s|copyright\b|all rights reserved|page \d+( of \d+)?\s*$|skip to (main )?content|we use cookies|cookie (policy|settings|preferences)|subscribe to\b|privacy policy|terms of (use|service)|share (this|on)\b|follow us|advertisement|back to top)`)
	spaceRe      = regexp.MustCompile(`[ \t\f\v]+`)
)

// StripBoilerplate 去除 HTML 标签、版权/导航/翻页等模板行并压缩空白
func StripBoilerplate(text string) string {
	text = html.UnescapeString(tagRe.ReplaceAllString(text, " "))

	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(spaceRe.ReplaceAllString(line, " "))
		if line == "" || boilerLineRe.MatchString(line) || isNavLine(line) {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// isNavLine 形如 "Home | About | Contact" 的导航行，markdown 表格行除外
func isNavLine(line string) bool {
	if strings.HasPrefix(line, "|") {
		return false
	}
	parts := strings.Split(line, "|")
	if len(parts) < 3 {
		return false
	}
	for _, p := range parts {
		if len(strings.Fields(p)) > 3 {
			return false
		}
	}
	return true
}

func shingles(text string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(text))
	set := make(map[string]struct{})
	if len(words) < 3 {
		for _, w := range words {
			set[w] = struct{}{}
		}
		return set
	}
	for i := 0; i+3 <= len(words); i++ {
		set[strings.Join(words[i:i+3], " ")] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

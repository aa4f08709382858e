package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Provider 定义知识库检索的通用接口。
type Provider interface {
	Query(text string) []Snippet
}

// Snippet 描述可供模型引用的一段知识。
type Snippet struct {
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Keywords []string `json:"keywords"`
	Tags     []string `json:"tags"`
}

// StaticProvider 通过加载 JSON 文件提供静态知识检索能力。
type StaticProvider struct {
	items      []Snippet
	maxResults int
}

// NewStaticProvider 创建静态知识库实例。
func NewStaticProvider(items []Snippet, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticProvider{items: items, maxResults: maxResults}
}

// LoadStaticProvider 从 JSON 文件加载知识条目。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("知识库文件路径不能为空")
	}

	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("读取知识库文件失败: %w", err)
	}

	var entries []Snippet
	if err := json.Unmarshal(content, &entries); err != nil {
		return nil, fmt.Errorf("解析知识库文件失败: %w", err)
	}
	return NewStaticProvider(entries, maxResults), nil
}

// Len 返回知识条目数量。
func (p *StaticProvider) Len() int {
	if p == nil {
		return 0
	}
	return len(p.items)
}

// Query 按命中的关键词与标签数量排序返回最相关的条目，未命中的条目不返回。
func (p *StaticProvider) Query(text string) []Snippet {
	if p == nil {
		return nil
	}
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return nil
	}

	type scored struct {
		snippet Snippet
		score   int
		index   int
	}
	hits := make([]scored, 0)
	for i, item := range p.items {
		score := countMatches(text, item.Keywords)*2 + countMatches(text, item.Tags)
		if score == 0 && strings.Contains(text, strings.ToLower(strings.TrimSpace(item.Title))) && item.Title != "" {
			score = 1
		}
		if score > 0 {
			hits = append(hits, scored{snippet: item, score: score, index: i})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	limit := min(len(hits), p.maxResults)
	results := make([]Snippet, 0, limit)
	for _, hit := range hits[:limit] {
		results = append(results, hit.snippet)
	}
	return results
}

func countMatches(text string, words []string) int {
	n := 0
	for _, word := range words {
		normalized := strings.ToLower(strings.TrimSpace(word))
		if normalized != "" && strings.Contains(text, normalized) {
			n++
		}
	}
	return n
}

var _ Provider = (*StaticProvider)(nil)

package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoJSON 模型输出中找不到 JSON
var ErrNoJSON = errors.New("no json found in model output")

// DecodeJSON 解析模型输出的 JSON：先整体解析，失败时去掉 ``` 围栏并截取首尾括号之间的部分再试
func DecodeJSON(content string, v any) error {
	content = strings.TrimSpace(content)
	if err := json.Unmarshal([]byte(content), v); err == nil {
		return nil
	}

	fragment := ExtractJSON(content)
	if fragment == "" {
		return ErrNoJSON
	}
	if err := json.Unmarshal([]byte(fragment), v); err != nil {
		return fmt.Errorf("parse model json: %w", err)
	}
	return nil
}

// ExtractJSON 截取第一个 { 或 [ 到与之对应的最后一个 } 或 ]
func ExtractJSON(content string) string {
	content = stripFence(content)
	start := strings.IndexAny(content, "{[")
	if start < 0 {
		return ""
	}
	closer := byte('}')
	if content[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(content, closer)
	if end <= start {
		return ""
	}
	return content[start : end+1]
}

func stripFence(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```")
	if nl := strings.IndexByte(content, '\n'); nl >= 0 {
		// 去掉语言标记，如 ```json
		content = content[nl+1:]
	}
	return strings.TrimSuffix(strings.TrimSpace(content), "```")
}

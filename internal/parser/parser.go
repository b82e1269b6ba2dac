// internal/parser/parser.go
package parser

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	apperrors "github.com/darksider-9/ThesisForge-AI/internal/errors"
)

// ParseResult 提取成功的结果
// Strategy 记录命中的提取策略，便于排查模型输出质量
type ParseResult struct {
	Value    json.RawMessage
	Strategy string
}

const snippetLimit = 200

// ExtractStructured 从任意模型输出中提取一个JSON值
// 策略按严格优先级依次尝试，廉价精确的在前，破坏性修复在最后
// （修复可能悄悄破坏本来合法的内容，比如内嵌LaTeX）
// 全部失败时返回 malformed_output，附带原文前缀用于诊断
func ExtractStructured(text string) (*ParseResult, error) {
	// 1. 整段文本直接解析
	if raw, ok := tryParse(text); ok {
		return &ParseResult{Value: raw, Strategy: "direct"}, nil
	}

	// 2. 代码围栏块，从最后一个往前尝试
	// 模型常在最终的干净块之前输出带注释的草稿
	blocks := fencedBlocks(text)
	for i := len(blocks) - 1; i >= 0; i-- {
		if raw, ok := tryParse(blocks[i]); ok {
			return &ParseResult{Value: raw, Strategy: "fenced"}, nil
		}
	}

	// 3. 围栏打开却没有闭合（输出被截断）
	// 取开栏之后的内容，回退到最后一个 } 再尝试
	if tail, ok := unterminatedFenceTail(text); ok {
		if idx := strings.LastIndex(tail, "}"); idx >= 0 {
			if raw, ok := tryParse(tail[:idx+1]); ok {
				return &ParseResult{Value: raw, Strategy: "truncated_fence"}, nil
			}
		}
	}

	// 4. 括号匹配启发式：第一个 { 或 [ 到对应的最后一个 } 或 ]
	span, hasSpan := bracketSpan(text)
	if hasSpan {
		if raw, ok := tryParse(span); ok {
			return &ParseResult{Value: raw, Strategy: "bracket_span"}, nil
		}

		// 5. 轻量修复后再试一次
		if raw, ok := tryParse(repairJSONText(span)); ok {
			return &ParseResult{Value: raw, Strategy: "repaired"}, nil
		}
	}

	// 6. 全部失败
	return nil, apperrors.NewMalformedOutputError(
		"无法从模型输出中提取JSON", snippet(text), nil)
}

// tryParse 尝试把整段文本当作一个JSON值解析
func tryParse(s string) (json.RawMessage, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}

	var raw json.RawMessage
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, false
	}
	return raw, true
}

// fencedBlocks 收集所有闭合的代码围栏块内容
func fencedBlocks(text string) []string {
	var blocks []string
	rest := text

	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			break
		}

		// 跳过围栏行本身（可能带语言标记，如 ```json）
		afterFence := rest[start+3:]
		if nl := strings.Index(afterFence, "\n"); nl >= 0 {
			afterFence = afterFence[nl+1:]
		}

		end := strings.Index(afterFence, "```")
		if end < 0 {
			break
		}

		blocks = append(blocks, afterFence[:end])
		rest = afterFence[end+3:]
	}

	return blocks
}

// unterminatedFenceTail 围栏数为奇数时返回最后一个开栏之后的内容
func unterminatedFenceTail(text string) (string, bool) {
	if strings.Count(text, "```")%2 == 0 {
		return "", false
	}

	start := strings.LastIndex(text, "```")
	tail := text[start+3:]
	if nl := strings.Index(tail, "\n"); nl >= 0 {
		tail = tail[nl+1:]
	}

	return tail, true
}

// bracketSpan 取第一个 { 或 [ 到对应的最后一个 } 或 ] 的区间
func bracketSpan(text string) (string, bool) {
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return "", false
	}

	closer := "}"
	if text[start] == '[' {
		closer = "]"
	}

	end := strings.LastIndex(text, closer)
	if end <= start {
		return "", false
	}

	return text[start : end+1], true
}

// repairJSONText 轻量修复：字符串内的裸换行/制表符折叠为空格，
// 非法反斜杠转义改为双反斜杠
func repairJSONText(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]

		if escaped {
			// 仅保留合法的转义序列
			switch c {
			case '"', '\\', '/', 'b', 'f', 'n', 'r', 't', 'u':
				b.WriteByte('\\')
				b.WriteByte(c)
			default:
				b.WriteString(`\\`)
				b.WriteByte(c)
			}
			escaped = false
			continue
		}

		switch c {
		case '\\':
			if inString {
				escaped = true
			} else {
				b.WriteByte(c)
			}
		case '"':
			inString = !inString
			b.WriteByte(c)
		case '\n', '\r', '\t':
			if inString {
				b.WriteByte(' ')
			} else {
				b.WriteByte(c)
			}
		default:
			b.WriteByte(c)
		}
	}

	// 结尾悬空的反斜杠直接丢弃
	return b.String()
}

// snippet 截取原文前缀用于诊断，按rune边界截断
func snippet(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= snippetLimit {
		return text
	}

	runes := []rune(text)
	return string(runes[:snippetLimit]) + "..."
}

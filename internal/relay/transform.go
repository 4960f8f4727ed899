package relay

import (
	"regexp"
	"strings"

	"github.com/go-telegram/bot"
)

var (
	mentionPattern = regexp.MustCompile(`@[\p{L}\p{N}_]+`)
	linkPattern    = regexp.MustCompile(`\[(.*?)\]\((.*?)\)`)
)

// Transformer 把原始文本转换为可安全投递的 MarkdownV2 文本
type Transformer struct{}

// NewTransformer 创建文本转换器
func NewTransformer() *Transformer {
	return &Transformer{}
}

// Transform 依次执行：违禁词检查 → @提及改写 → MarkdownV2 转义
// 空文本返回 ("", nil)；命中违禁词返回 ErrForbiddenContent
func (t *Transformer) Transform(text string, route Route) (string, error) {
	if text == "" {
		return "", nil
	}

	if containsForbidden(text, route.ForbiddenWords) {
		return "", ErrForbiddenContent
	}

	if route.DisplayName != "" {
		text = mentionPattern.ReplaceAllLiteralString(text, "@"+route.DisplayName)
	}

	return escapeOutsideLinks(text), nil
}

// containsForbidden 忽略大小写的子串匹配
func containsForbidden(text string, words []string) bool {
	lower := strings.ToLower(text)
	for _, word := range words {
		word = strings.ToLower(strings.TrimSpace(word))
		if word == "" {
			continue
		}
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}

// escapeOutsideLinks [label](url) 中只转义 label，url 原样保留
func escapeOutsideLinks(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4)

	last := 0
	for _, m := range linkPattern.FindAllStringSubmatchIndex(text, -1) {
		b.WriteString(escapeMarkdown(text[last:m[0]]))
		b.WriteByte('[')
		b.WriteString(escapeMarkdown(text[m[2]:m[3]]))
		b.WriteString("](")
		b.WriteString(text[m[4]:m[5]])
		b.WriteByte(')')
		last = m[1]
	}
	b.WriteString(escapeMarkdown(text[last:]))

	return b.String()
}

// escapeMarkdown MarkdownV2 转义，反斜杠本身也需要转义
func escapeMarkdown(s string) string {
	if s == "" {
		return s
	}
	return bot.EscapeMarkdown(strings.ReplaceAll(s, `\`, `\\`))
}

// webPagePreviewLink 网页预览以尾部链接形式附加到文本
func webPagePreviewLink(text, url string) string {
	link := "[Web Page Preview](" + url + ")"
	if text == "" {
		return link
	}
	return text + "\n\n" + link
}

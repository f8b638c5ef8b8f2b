package docsearch

import (
	"strings"
	"unicode"
)

// Trigger decides whether a message should go through document search.
type Trigger struct {
	keywords []string
}

// NewTrigger builds a case-insensitive substring trigger.
func NewTrigger(keywords []string) Trigger {
	kw := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			kw = append(kw, k)
		}
	}
	return Trigger{keywords: kw}
}

// Match returns the first keyword contained in text.
func (t Trigger) Match(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, k := range t.keywords {
		if strings.Contains(lower, k) {
			return k, true
		}
	}
	return "", false
}

var (
	queryPrefixes = []string{"帮我", "请", "想", "要", "查找", "搜索", "查一下", "找一下"}
	querySuffixes = []string{"的文档", "的资料", "怎么做", "如何做", "相关信息"}
)

// ExtractQuery trims request phrasing and punctuation from a message so
// that what remains can be sent as a search query.
func ExtractQuery(text string) string {
	q := strings.ToLower(strings.TrimSpace(text))
	for _, p := range queryPrefixes {
		if strings.HasPrefix(q, p) {
			q = strings.TrimSpace(strings.TrimPrefix(q, p))
			break
		}
	}
	for _, s := range querySuffixes {
		if strings.HasSuffix(q, s) {
			q = strings.TrimSpace(strings.TrimSuffix(q, s))
			break
		}
	}
	q = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) || r == '_' {
			return r
		}
		return -1
	}, q)
	q = strings.Join(strings.Fields(q), " ")
	if q == "" {
		return strings.TrimSpace(text)
	}
	return q
}

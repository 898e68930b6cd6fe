package normalize

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

// Snippet strips markup from an HTML fragment, collapses whitespace and cuts
// the result to at most limit runes.
func Snippet(fragment string, limit int) string {
	text := collapse(stripTags(fragment))
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}

	runes := []rune(text)
	return strings.TrimSpace(string(runes[:limit]))
}

var inline = map[string]bool{
	"a": true, "b": true, "i": true, "em": true, "strong": true,
	"span": true, "u": true, "code": true, "small": true,
}

func stripTags(fragment string) string {
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(fragment))
	for {
		switch z.Next() {
		case html.ErrorToken:
			// io.EOF or a tokenizer failure; either way keep what was read.
			return b.String()
		case html.TextToken:
			b.Write(z.Text())
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			if !inline[string(name)] {
				b.WriteByte(' ')
			}
		}
	}
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Package textnorm turns output text into the plain form the scorer and
// protocol checks match against.
package textnorm

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	ContextContentType = "content_type"
	ContentTypeHTML    = "text/html"
)

// IsHTML reports whether the request context marks the text as HTML.
func IsHTML(ctx map[string]string) bool {
	ct := strings.ToLower(strings.TrimSpace(ctx[ContextContentType]))
	return strings.HasPrefix(ct, ContentTypeHTML)
}

// Normalize returns the visible text of s when ctx marks it as HTML, and s
// unchanged otherwise. Parsing is in memory only.
func Normalize(s string, ctx map[string]string) (string, error) {
	if !IsHTML(ctx) {
		return s, nil
	}
	return VisibleText(s)
}

// VisibleText strips markup, scripts and styles and collapses whitespace.
func VisibleText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript, template, head").Remove()
	doc.Find("br, p, div, li, tr, h1, h2, h3, h4, h5, h6").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml(" ")
	})
	return strings.Join(strings.Fields(doc.Text()), " "), nil
}

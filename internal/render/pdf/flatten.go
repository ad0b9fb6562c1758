package pdf

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const blockSelector = "p, h1, h2, h3, h4, h5, h6, li, blockquote, pre"

// FlattenHTML turns an article body into plain paragraphs separated by blank
// lines. Plain text passes through with its whitespace normalised.
func FlattenHTML(body string) string {
	if !strings.ContainsAny(body, "<>") {
		return normaliseParagraphs(strings.Split(body, "\n\n"))
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return normaliseParagraphs([]string{body})
	}
	doc.Find("script, style, noscript, iframe, figure, nav").Remove()

	var paragraphs []string
	doc.Find(blockSelector).Each(func(_ int, s *goquery.Selection) {
		if s.ParentsFiltered(blockSelector).Length() > 0 {
			return
		}
		paragraphs = append(paragraphs, s.Text())
	})
	if len(paragraphs) == 0 {
		paragraphs = []string{doc.Text()}
	}
	return normaliseParagraphs(paragraphs)
}

func normaliseParagraphs(in []string) string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		if text := strings.Join(strings.Fields(p), " "); text != "" {
			out = append(out, text)
		}
	}
	return strings.Join(out, "\n\n")
}

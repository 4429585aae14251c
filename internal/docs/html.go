package docs

import (
	"io"
	"strings"

	"golang.org/x/net/html"
)

// hidden elements never contribute body text.
var hidden = map[string]bool{
	"head":     true,
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
	"svg":      true,
}

// extractHTML returns the visible text of a page, one text run per line, and
// the page title.
func extractHTML(r io.Reader) (text, title string, err error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", "", err
	}

	var lines []string
	var walk func(n *html.Node, hide bool)
	walk = func(n *html.Node, hide bool) {
		switch n.Type {
		case html.ElementNode:
			if n.Data == "title" && title == "" && n.FirstChild != nil {
				title = collapse(n.FirstChild.Data)
			}
			hide = hide || hidden[n.Data]
		case html.TextNode:
			if s := collapse(n.Data); s != "" && !hide {
				lines = append(lines, s)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, hide)
		}
	}
	walk(doc, false)

	return strings.Join(lines, "\n"), title, nil
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

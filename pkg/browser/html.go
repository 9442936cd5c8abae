package browser

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// ParagraphText parses an HTML fragment and returns the text of every
// visible <p> element, one paragraph per line, in document order.
func ParagraphText(fragment string) (string, error) {
	doc, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	var paragraphs []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if isHiddenNode(n) || isSkippedElement(n.Data) {
				return
			}
			if n.Data == "p" {
				if text := strings.TrimSpace(nodeText(n)); text != "" {
					paragraphs = append(paragraphs, text)
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return strings.Join(paragraphs, "\n"), nil
}

// nodeText concatenates the visible text below n. <br> becomes a newline.
func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			return
		case html.ElementNode:
			if isHiddenNode(n) || isSkippedElement(n.Data) {
				return
			}
			if n.Data == "br" {
				b.WriteString("\n")
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

// isSkippedElement returns true for elements that never carry readable text
func isSkippedElement(tagName string) bool {
	switch strings.ToLower(tagName) {
	case "script", "style", "noscript", "template", "svg":
		return true
	}
	return false
}

// isHiddenNode reports whether markup alone hides the element.
func isHiddenNode(n *html.Node) bool {
	for _, attr := range n.Attr {
		switch strings.ToLower(attr.Key) {
		case "hidden":
			return true
		case "aria-hidden":
			if strings.EqualFold(strings.TrimSpace(attr.Val), "true") {
				return true
			}
		case "style":
			style := strings.ToLower(strings.ReplaceAll(attr.Val, " ", ""))
			if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
				return true
			}
		}
	}
	return false
}

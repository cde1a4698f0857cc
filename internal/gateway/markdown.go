// ABOUTME: Markdown rendering for message content
// ABOUTME: Raw HTML in messages is dropped by the renderer, never passed through

package gateway

import (
	"bytes"
	"html"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

func newMarkdown() goldmark.Markdown {
	return goldmark.New(
		goldmark.WithExtensions(extension.Linkify, extension.Strikethrough),
		goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
	)
}

// renderMarkdown converts message content to HTML, falling back to escaped text.
func (g *Gateway) renderMarkdown(src string) string {
	var buf bytes.Buffer
	if err := g.markdown.Convert([]byte(src), &buf); err != nil {
		g.logger.Error("failed to convert markdown", "error", err)
		return "<p>" + html.EscapeString(src) + "</p>"
	}
	return buf.String()
}

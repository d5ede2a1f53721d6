package models

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	gmtext "github.com/yuin/goldmark/text"
)

// Raw HTML in the source is escaped by goldmark's default renderer, which matters because the rendered
// text comes from the inference service.
var markdown = goldmark.New(
	goldmark.WithExtensions(
		extension.GFM,
		highlighting.NewHighlighting(highlighting.WithStyle("github")),
	),
)

// RenderMarkdown renders a reply or article into HTML suitable for embedding in templates.
func RenderMarkdown(text string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	// #nosec G203 -- goldmark escapes raw HTML unless html.WithUnsafe is set.
	return template.HTML(buf.String()), nil
}

// ExtractScripts returns every fenced code block of text in document order.
func ExtractScripts(text string) []Script {
	src := []byte(text)
	doc := markdown.Parser().Parse(gmtext.NewReader(src))

	var scripts []Script
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		block, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}

		var sb strings.Builder
		lines := block.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			sb.Write(seg.Value(src))
		}
		scripts = append(scripts, Script{
			Language: strings.ToLower(string(block.Language(src))),
			Code:     sb.String(),
		})
		return ast.WalkSkipChildren, nil
	})
	return scripts
}

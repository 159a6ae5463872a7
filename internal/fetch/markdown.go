package fetch

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// extractMarkdown parses a markdown document and returns its first
// heading as the title plus the plain text of every block. Formatting
// marks are dropped; link and image targets are not preserved.
func extractMarkdown(body []byte) (title, out string) {
	doc := goldmark.DefaultParser().Parse(text.NewReader(body))

	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if _, blocky := n.(*ast.Paragraph); blocky {
				b.WriteByte('\n')
			}
			return ast.WalkContinue, nil
		}
		switch v := n.(type) {
		case *ast.Heading:
			line := string(headingText(v, body))
			if title == "" && v.Level == 1 {
				title = line
			}
			b.WriteString(line)
			b.WriteByte('\n')
			return ast.WalkSkipChildren, nil
		case *ast.Text:
			b.Write(v.Segment.Value(body))
			if v.SoftLineBreak() || v.HardLineBreak() {
				b.WriteByte('\n')
			}
		case *ast.CodeBlock:
			writeCodeLines(&b, v, body)
			return ast.WalkSkipChildren, nil
		case *ast.FencedCodeBlock:
			writeCodeLines(&b, v, body)
			return ast.WalkSkipChildren, nil
		case *ast.ListItem:
			b.WriteByte('\n')
		}
		return ast.WalkContinue, nil
	})

	return title, collapseBlankLines(b.String())
}

func headingText(h *ast.Heading, body []byte) []byte {
	var b strings.Builder
	for c := h.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			b.Write(t.Segment.Value(body))
		}
	}
	return []byte(strings.TrimSpace(b.String()))
}

func writeCodeLines(b *strings.Builder, n interface{ Lines() *text.Segments }, body []byte) {
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(body))
	}
	b.WriteByte('\n')
}

// ABOUTME: Converts completion markdown into WhatsApp chat formatting
// ABOUTME: Walks the goldmark AST and emits *bold*, _italic_, ~strike~ and plain lists

package compose

import (
	"fmt"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var (
	markdownParser     goldmark.Markdown
	markdownParserOnce sync.Once
)

func getMarkdownParser() goldmark.Markdown {
	markdownParserOnce.Do(func() {
		markdownParser = goldmark.New(goldmark.WithExtensions(extension.Strikethrough))
	})
	return markdownParser
}

// ToChatText rewrites markdown as WhatsApp-formatted text. Headings become
// bold lines, links become "text (url)" and code keeps its backticks.
func ToChatText(markdown string) string {
	markdown = strings.TrimSpace(markdown)
	if markdown == "" {
		return ""
	}
	source := []byte(markdown)
	doc := getMarkdownParser().Parser().Parse(text.NewReader(source))

	r := &chatRenderer{source: source}
	_ = ast.Walk(doc, r.walk)
	return strings.TrimSpace(r.out.String())
}

type chatRenderer struct {
	source []byte
	out    strings.Builder
	lists  []listState
	quote  int
}

type listState struct {
	ordered bool
	counter int
}

func (r *chatRenderer) blankLine() {
	s := r.out.String()
	if s == "" || strings.HasSuffix(s, "\n\n") {
		return
	}
	if strings.HasSuffix(s, "\n") {
		r.out.WriteString("\n")
		return
	}
	r.out.WriteString("\n\n")
}

func (r *chatRenderer) newline() {
	s := r.out.String()
	if s != "" && !strings.HasSuffix(s, "\n") {
		r.out.WriteString("\n")
	}
}

func (r *chatRenderer) lines(n ast.Node) string {
	var b strings.Builder
	l := n.Lines()
	for i := 0; i < l.Len(); i++ {
		seg := l.At(i)
		b.Write(seg.Value(r.source))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *chatRenderer) walk(n ast.Node, entering bool) (ast.WalkStatus, error) {
	switch n.Kind() {
	case ast.KindParagraph:
		if entering {
			if r.quote > 0 {
				r.out.WriteString("> ")
			}
		} else if len(r.lists) > 0 && n.Parent() != nil && n.Parent().Kind() == ast.KindListItem {
			r.newline()
		} else {
			r.blankLine()
		}

	case ast.KindTextBlock:
		if !entering {
			r.newline()
		}

	case ast.KindHeading:
		if entering {
			r.blankLine()
			r.out.WriteString("*")
		} else {
			r.out.WriteString("*")
			r.blankLine()
		}

	case ast.KindBlockquote:
		if entering {
			r.quote++
		} else {
			r.quote--
		}

	case ast.KindList:
		list := n.(*ast.List)
		if entering {
			r.lists = append(r.lists, listState{ordered: list.IsOrdered(), counter: list.Start})
		} else {
			r.lists = r.lists[:len(r.lists)-1]
			if len(r.lists) == 0 {
				r.blankLine()
			}
		}

	case ast.KindListItem:
		if entering {
			r.newline()
			top := &r.lists[len(r.lists)-1]
			r.out.WriteString(strings.Repeat("  ", len(r.lists)-1))
			if top.ordered {
				fmt.Fprintf(&r.out, "%d. ", top.counter)
				top.counter++
			} else {
				r.out.WriteString("- ")
			}
		}

	case ast.KindFencedCodeBlock, ast.KindCodeBlock:
		if entering {
			r.blankLine()
			r.out.WriteString("```\n" + r.lines(n) + "\n```")
			r.blankLine()
			return ast.WalkSkipChildren, nil
		}

	case ast.KindThematicBreak:
		if entering {
			r.blankLine()
		}

	case ast.KindHTMLBlock:
		return ast.WalkSkipChildren, nil

	case ast.KindText:
		if entering {
			t := n.(*ast.Text)
			r.out.Write(t.Segment.Value(r.source))
			if t.HardLineBreak() || t.SoftLineBreak() {
				r.out.WriteString("\n")
			}
		}

	case ast.KindString:
		if entering {
			r.out.Write(n.(*ast.String).Value)
		}

	case ast.KindEmphasis:
		if n.(*ast.Emphasis).Level >= 2 {
			r.out.WriteString("*")
		} else {
			r.out.WriteString("_")
		}

	case extast.KindStrikethrough:
		r.out.WriteString("~")

	case ast.KindCodeSpan:
		if entering {
			r.out.WriteString("`")
			for c := n.FirstChild(); c != nil; c = c.NextSibling() {
				if t, ok := c.(*ast.Text); ok {
					r.out.Write(t.Segment.Value(r.source))
				}
			}
			r.out.WriteString("`")
			return ast.WalkSkipChildren, nil
		}

	case ast.KindLink:
		link := n.(*ast.Link)
		if !entering {
			dest := string(link.Destination)
			if dest != "" && dest != linkText(link, r.source) {
				fmt.Fprintf(&r.out, " (%s)", dest)
			}
		}

	case ast.KindAutoLink:
		if entering {
			r.out.Write(n.(*ast.AutoLink).URL(r.source))
		}

	case ast.KindImage:
		if entering {
			fmt.Fprintf(&r.out, "%s", string(n.(*ast.Image).Destination))
			return ast.WalkSkipChildren, nil
		}

	case ast.KindRawHTML:
		return ast.WalkSkipChildren, nil
	}
	return ast.WalkContinue, nil
}

func linkText(n ast.Node, source []byte) string {
	var b strings.Builder
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			b.Write(t.Segment.Value(source))
		}
	}
	return b.String()
}

// Package render turns post text into safe HTML and extracts @mentions.
package render

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

var (
	quoteLinkPattern = regexp.MustCompile(`>>(\d{1,19})`)
	mentionPattern   = regexp.MustCompile(`(?:^|[^\w@])@([A-Za-z0-9][A-Za-z0-9_-]{0,63})`)
)

const maxMentions = 20

// Renderer converts messages to HTML. Raw HTML in messages is escaped.
type Renderer struct {
	md goldmark.Markdown
}

func New() *Renderer {
	return &Renderer{
		md: goldmark.New(
			goldmark.WithExtensions(extension.Strikethrough, extension.Linkify),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
	}
}

// HTML renders msg. Post references like >>123 become in-page links to
// the referenced post.
func (r *Renderer) HTML(msg string) (string, error) {
	src := quoteLinkPattern.ReplaceAllStringFunc(msg, func(m string) string {
		n := m[2:]
		return fmt.Sprintf("[&gt;&gt;%s](#p%s)", n, n)
	})
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(src), &buf); err != nil {
		return "", fmt.Errorf("rendering message: %w", err)
	}
	return buf.String(), nil
}

// Mentions returns the distinct agent names mentioned as @name, in order
// of first appearance.
func Mentions(msg string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range mentionPattern.FindAllStringSubmatch(msg, -1) {
		name := strings.ToLower(m[1])
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
		if len(out) == maxMentions {
			break
		}
	}
	return out
}

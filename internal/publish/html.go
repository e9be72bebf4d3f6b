package publish

import (
	"encoding/json"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/joelkehle/devlog/internal/devlog"
	"github.com/joelkehle/devlog/internal/rows"
)

const pageStyle = `body{font-family:-apple-system,BlinkMacSystemFont,"Segoe UI",sans-serif;background:#fafaf9;color:#1c1917;margin:0;}
.post{max-width:760px;margin:0 auto;padding:2.5rem 1.25rem;line-height:1.65;}
.post-meta{color:#57534e;font-size:0.9rem;margin-bottom:1.5rem;}
.badge{display:inline-block;margin-right:0.4rem;padding:0.1rem 0.5rem;border-radius:999px;background:#e7e5e4;font-size:0.75rem;}
.badge.degraded{background:#fef3c7;color:#78350f;}
.anchor{font-family:ui-monospace,monospace;font-size:0.8em;color:#0369a1;}
pre{background:#1c1917;color:#f5f5f4;padding:1rem;overflow-x:auto;border-radius:6px;}
code{font-family:ui-monospace,monospace;}
a{color:#1d4ed8;}`

var anchorToken = regexp.MustCompile(`\[(?:EVENT|CLIP):[^\]<]+\]`)

// RenderHTML renders the post as a standalone page. Anchor tokens become
// links when the run's rows carry a URL for them.
func RenderHTML(env devlog.ResponseEnvelope, author string) (string, error) {
	var body strings.Builder
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	if err := md.Convert([]byte(env.Artifact.MarkdownBody), &body); err != nil {
		return "", fmt.Errorf("markdown convert: %w", err)
	}
	content := linkAnchors(body.String(), anchorURLs(env))

	var meta strings.Builder
	meta.WriteString(html.EscapeString(env.Date))
	if author != "" {
		meta.WriteString(" &middot; " + html.EscapeString(author))
	}
	meta.WriteString("<div>")
	for _, tag := range env.Artifact.Tags {
		meta.WriteString("<span class='badge'>" + html.EscapeString(tag) + "</span>")
	}
	if env.Status == devlog.StatusDegraded {
		meta.WriteString("<span class='badge degraded'>degraded</span>")
	}
	meta.WriteString("</div>")

	return "<!doctype html><html><head><meta charset='utf-8'>" +
		"<meta name='viewport' content='width=device-width,initial-scale=1'>" +
		"<title>" + html.EscapeString(env.Artifact.Title) + "</title>" +
		"<meta name='description' content='" + html.EscapeString(env.Artifact.Description) + "'>" +
		"<style>" + pageStyle + "</style></head><body>" +
		"<article class='post'><div class='post-meta'>" + meta.String() + "</div>" +
		content + "</article></body></html>", nil
}

// linkAnchors rewrites anchor tokens outside <code> and <pre> blocks.
func linkAnchors(content string, urls map[string]string) string {
	parts := codeBlock.Split(content, -1)
	blocks := codeBlock.FindAllString(content, -1)
	var b strings.Builder
	for i, part := range parts {
		b.WriteString(anchorToken.ReplaceAllStringFunc(part, func(a string) string {
			label := "<span class='anchor'>" + a + "</span>"
			if u, ok := urls[a]; ok {
				return "<a href='" + html.EscapeString(u) + "'>" + label + "</a>"
			}
			return label
		}))
		if i < len(blocks) {
			b.WriteString(blocks[i])
		}
	}
	return b.String()
}

var codeBlock = regexp.MustCompile(`(?s)<pre.*?</pre>|<code.*?</code>`)

// anchorURLs reads the row set from stage outputs. Fresh envelopes hold typed
// rows while decoded ones hold generic JSON, so both go through a remarshal.
func anchorURLs(env devlog.ResponseEnvelope) map[string]string {
	out := map[string]string{}
	raw, ok := env.StageOutputs["rows"]
	if !ok || raw == nil {
		return out
	}
	blob, err := json.Marshal(raw)
	if err != nil {
		return out
	}
	var rs []rows.AnchorRow
	if err := json.Unmarshal(blob, &rs); err != nil {
		return out
	}
	for _, r := range rs {
		if u := strings.TrimSpace(r.URL); r.Anchor != "" && u != "" {
			out[r.Anchor] = u
		}
	}
	return out
}

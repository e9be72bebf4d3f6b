package publish

import (
	"context"
	"encoding/base64"
	"html"
	"os"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/joelkehle/devlog/internal/devlog"
)

const (
	CardWidth  = 1200
	CardHeight = 630
)

// CardRenderer turns an artifact into a social preview image.
type CardRenderer interface {
	RenderCard(ctx context.Context, date string, art devlog.Artifact) ([]byte, error)
}

type ChromiumCardRenderer struct {
	chromePath string
	author     string
}

func NewChromiumCardRenderer(chromePath, author string) *ChromiumCardRenderer {
	if chromePath == "" {
		chromePath = detectChromePath()
	}
	return &ChromiumCardRenderer{chromePath: chromePath, author: author}
}

func (r *ChromiumCardRenderer) RenderCard(ctx context.Context, date string, art devlog.Artifact) ([]byte, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
	}
	if r.chromePath != "" {
		opts = append(opts, chromedp.ExecPath(r.chromePath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(timeoutCtx, append(chromedp.DefaultExecAllocatorOptions[:], opts...)...)
	defer allocCancel()

	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	var png []byte
	dataURL := "data:text/html;base64," + base64.StdEncoding.EncodeToString([]byte(buildCardHTML(date, art, r.author)))
	if err := chromedp.Run(taskCtx,
		chromedp.EmulateViewport(CardWidth, CardHeight, chromedp.EmulateScale(1)),
		chromedp.Navigate(dataURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			out, err := page.CaptureScreenshot().
				WithFormat(page.CaptureScreenshotFormatPng).
				WithFromSurface(true).
				Do(ctx)
			if err != nil {
				return err
			}
			png = out
			return nil
		}),
	); err != nil {
		return nil, err
	}
	return png, nil
}

func buildCardHTML(date string, art devlog.Artifact, author string) string {
	tags := art.Tags
	if len(tags) > 4 {
		tags = tags[:4]
	}
	var chips strings.Builder
	for _, t := range tags {
		chips.WriteString("<span>#" + html.EscapeString(t) + "</span>")
	}
	byline := html.EscapeString(date)
	if author != "" {
		byline = html.EscapeString(author) + " &middot; " + byline
	}
	return "<!doctype html><html><head><meta charset='utf-8'><style>" +
		"html,body{margin:0;width:1200px;height:630px;overflow:hidden;}" +
		"body{background:linear-gradient(135deg,#1c1917,#44403c);color:#fafaf9;font-family:-apple-system,'Segoe UI',sans-serif;}" +
		".card{box-sizing:border-box;height:100%;padding:72px;display:flex;flex-direction:column;justify-content:space-between;}" +
		"h1{font-size:64px;line-height:1.1;margin:0;}" +
		"p{font-size:28px;color:#d6d3d1;margin:24px 0 0;}" +
		".tags span{display:inline-block;margin-right:16px;font-size:24px;color:#fcd34d;}" +
		".byline{font-size:24px;color:#a8a29e;}" +
		"</style></head><body><div class='card'><div>" +
		"<h1>" + html.EscapeString(art.Title) + "</h1>" +
		"<p>" + html.EscapeString(art.Description) + "</p></div>" +
		"<div><div class='tags'>" + chips.String() + "</div><div class='byline'>" + byline + "</div></div>" +
		"</div></body></html>"
}

func detectChromePath() string {
	candidates := []string{
		"/usr/bin/chromium-browser",
		"/usr/bin/chromium",
		"/usr/bin/google-chrome",
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Package publish writes a finished run to disk as JSON, Markdown and HTML,
// plus an optional PNG title card.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/joelkehle/devlog/internal/config"
	"github.com/joelkehle/devlog/internal/devlog"
)

// Paths lists the files written for one date. Card is empty when no card
// was rendered.
type Paths struct {
	Dir      string `json:"dir"`
	JSON     string `json:"json"`
	Markdown string `json:"markdown"`
	HTML     string `json:"html"`
	Card     string `json:"card,omitempty"`
}

// Post is the blog.json document handed to the site.
type Post struct {
	RunID        string                `json:"run_id"`
	Date         string                `json:"date"`
	Status       devlog.ArtifactStatus `json:"status"`
	Title        string                `json:"title"`
	Description  string                `json:"description"`
	Tags         []string              `json:"tags"`
	Content      string                `json:"content"`
	MarkdownBody string                `json:"markdown_body"`
	Author       string                `json:"author,omitempty"`
}

type Writer struct {
	cfg      config.Publish
	renderer CardRenderer
	logger   *zap.Logger
}

// NewWriter returns a Writer. renderer may be nil, in which case no card is
// produced regardless of cfg.RenderCard.
func NewWriter(cfg config.Publish, renderer CardRenderer, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{cfg: cfg, renderer: renderer, logger: logger.Named("publish")}
}

func (w *Writer) Publish(ctx context.Context, env devlog.ResponseEnvelope) (Paths, error) {
	if strings.TrimSpace(env.Date) == "" {
		return Paths{}, fmt.Errorf("publish: envelope has no date")
	}
	dir := filepath.Join(w.cfg.OutputDir, env.Date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Paths{}, fmt.Errorf("create output dir: %w", err)
	}
	paths := Paths{
		Dir:      dir,
		JSON:     filepath.Join(dir, "blog.json"),
		Markdown: filepath.Join(dir, "post.md"),
		HTML:     filepath.Join(dir, "index.html"),
	}

	post := Post{
		RunID:        env.RunID,
		Date:         env.Date,
		Status:       env.Status,
		Title:        env.Artifact.Title,
		Description:  env.Artifact.Description,
		Tags:         env.Artifact.Tags,
		Content:      env.Artifact.Content,
		MarkdownBody: env.Artifact.MarkdownBody,
		Author:       w.cfg.Author,
	}
	blob, err := json.MarshalIndent(post, "", "  ")
	if err != nil {
		return Paths{}, fmt.Errorf("marshal post: %w", err)
	}
	if err := writeFileAtomic(paths.JSON, append(blob, '\n')); err != nil {
		return Paths{}, err
	}
	if err := writeFileAtomic(paths.Markdown, []byte(frontMatter(post)+env.Artifact.MarkdownBody+"\n")); err != nil {
		return Paths{}, err
	}
	page, err := RenderHTML(env, w.cfg.Author)
	if err != nil {
		return Paths{}, err
	}
	if err := writeFileAtomic(paths.HTML, []byte(page)); err != nil {
		return Paths{}, err
	}

	if w.cfg.RenderCard && w.renderer != nil {
		png, err := w.renderer.RenderCard(ctx, env.Date, env.Artifact)
		if err != nil {
			if ctx.Err() != nil {
				return paths, ctx.Err()
			}
			w.logger.Warn("title card render failed", zap.String("date", env.Date), zap.Error(err))
		} else {
			paths.Card = filepath.Join(dir, "card.png")
			if err := writeFileAtomic(paths.Card, png); err != nil {
				return paths, err
			}
		}
	}
	w.logger.Info("published",
		zap.String("run_id", env.RunID),
		zap.String("date", env.Date),
		zap.String("dir", dir),
		zap.Bool("card", paths.Card != ""),
	)
	return paths, nil
}

func frontMatter(p Post) string {
	var b strings.Builder
	b.WriteString("---\n")
	fmt.Fprintf(&b, "title: %q\n", p.Title)
	fmt.Fprintf(&b, "date: %s\n", p.Date)
	fmt.Fprintf(&b, "description: %q\n", p.Description)
	quoted := make([]string, len(p.Tags))
	for i, t := range p.Tags {
		quoted[i] = fmt.Sprintf("%q", t)
	}
	fmt.Fprintf(&b, "tags: [%s]\n", strings.Join(quoted, ", "))
	if p.Author != "" {
		fmt.Fprintf(&b, "author: %q\n", p.Author)
	}
	fmt.Fprintf(&b, "status: %s\n", p.Status)
	b.WriteString("---\n\n")
	return b.String()
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/joelkehle/devlog/internal/devlog"
	"github.com/joelkehle/devlog/internal/rows"
)

func newGenerateCommand(ctx *commandContext) *cobra.Command {
	var dates []string
	var dataDir string
	var parallel int

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate devlog posts for one or more dates",
		Long: "Generate reads <data-dir>/<date>/twitch_clip_*.json and github_event_*.json,\n" +
			"runs the generation pipeline, stores the run and publishes the post.\n" +
			"Each date is an independent run.",
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, err := normalizeDates(dates, time.Now())
			if err != nil {
				return err
			}

			runCtx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := ctx.buildApp(runCtx)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			var mu sync.Mutex
			results := make([]devlog.ResponseEnvelope, 0, len(targets))

			g, gctx := errgroup.WithContext(runCtx)
			if parallel > 0 {
				g.SetLimit(parallel)
			}
			for _, date := range targets {
				date := date
				g.Go(func() error {
					day, err := rows.LoadDay(dataDir, date)
					if err != nil {
						return err
					}
					for _, name := range day.Skipped {
						a.logger.Warn("skipped unreadable input", zap.String("date", date), zap.String("file", name))
					}
					env, err := a.service.Generate(gctx, devlog.Request{
						Date:   date,
						Clips:  day.Clips,
						Events: day.Events,
					})
					if err != nil {
						return fmt.Errorf("%s: %w", date, err)
					}
					mu.Lock()
					results = append(results, env)
					mu.Unlock()
					return nil
				})
			}
			err = g.Wait()

			sort.Slice(results, func(i, j int) bool { return results[i].Date < results[j].Date })
			out := cmd.OutOrStdout()
			for _, env := range results {
				fmt.Fprintf(out, "%s  %-8s  %s  (%s)\n", env.Date, env.Status, env.Artifact.Title, env.RunID)
			}
			return err
		},
	}

	cmd.Flags().StringSliceVarP(&dates, "date", "d", nil, "Date to generate (YYYY-MM-DD); repeatable, defaults to yesterday")
	cmd.Flags().StringVar(&dataDir, "data-dir", "data", "Directory holding per-date fetched activity")
	cmd.Flags().IntVar(&parallel, "parallel", 2, "Maximum dates generated at once")
	return cmd
}

// normalizeDates validates and de-duplicates dates. With none given it
// returns the day before now.
func normalizeDates(raw []string, now time.Time) ([]string, error) {
	if len(raw) == 0 {
		return []string{now.AddDate(0, 0, -1).Format(time.DateOnly)}, nil
	}
	seen := map[string]struct{}{}
	out := make([]string, 0, len(raw))
	for _, d := range raw {
		d = strings.TrimSpace(d)
		if _, err := time.Parse(time.DateOnly, d); err != nil {
			return nil, fmt.Errorf("invalid date %q: want YYYY-MM-DD", d)
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Strings(out)
	return out, nil
}

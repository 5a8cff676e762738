package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/fcpbot/fcpbot/internal/fault"
	"github.com/fcpbot/fcpbot/internal/syncer"
	"github.com/fcpbot/fcpbot/internal/timeparsing"
	"github.com/fcpbot/fcpbot/internal/ui"
)

var (
	syncRepos []string
	syncSince string
)

func init() {
	syncCmd.Flags().StringSliceVarP(&syncRepos, "repo", "r", nil, "Repository to sweep, owner/name (repeatable; default: every roster repository)")
	syncCmd.Flags().StringVar(&syncSince, "since", "", `Re-ingest from this time instead of the watermark ("3d", "2024-03-01", "2 days ago")`)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle and exit",
	Long: `Ingests new activity, evaluates proposals and delivers notifications once.

With --since the sweep starts at the given time instead of the stored
watermark. Already-applied events are skipped, and the watermark never
moves backwards.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var since time.Time
		if syncSince != "" {
			var err error
			if since, err = timeparsing.ParseSince(syncSince, time.Now()); err != nil {
				return fault.Config("--since", err)
			}
		}

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		r, err := loadRoster(ctx, store, "")
		if err != nil {
			return err
		}
		stopTelemetry, err := startTelemetry(ctx, r)
		if err != nil {
			return err
		}
		defer stopTelemetry()
		eng, err := buildEngine(store, r)
		if err != nil {
			return err
		}
		defer eng.coord.Close()

		repos := syncRepos
		if len(repos) == 0 {
			repos = eng.coord.Repositories()
		}
		report := &syncer.CycleReport{Failures: make(map[string]error)}
		if since.IsZero() && len(syncRepos) == 0 {
			if report, err = eng.coord.Cycle(ctx); err != nil {
				return err
			}
		} else {
			for _, repo := range repos {
				var sweep *syncer.SweepReport
				if since.IsZero() {
					sweep, err = eng.coord.SweepRepository(ctx, repo)
				} else {
					sweep, err = eng.coord.Backfill(ctx, repo, since)
				}
				if err != nil {
					if fault.IsFatal(err) {
						return err
					}
					report.Failures[repo] = err
					continue
				}
				report.Sweeps = append(report.Sweeps, sweep)
			}
		}

		if jsonOutput {
			err = writeCycleJSON(os.Stdout, report)
		} else {
			writeCycleText(os.Stdout, ui.NewRenderer(), report)
		}
		if err != nil {
			return err
		}
		if n := len(report.Failures); n > 0 {
			return fmt.Errorf("%d of %d repositories failed to sync", n, len(repos))
		}
		return nil
	},
}

type sweepJSON struct {
	*syncer.SweepReport
	Duration string `json:"Duration"`
}

func writeCycleJSON(w io.Writer, report *syncer.CycleReport) error {
	out := struct {
		Sweeps   []sweepJSON       `json:"sweeps"`
		Failures map[string]string `json:"failures"`
	}{Sweeps: []sweepJSON{}, Failures: map[string]string{}}
	for _, s := range report.Sweeps {
		out.Sweeps = append(out.Sweeps, sweepJSON{SweepReport: s, Duration: s.Duration.String()})
	}
	for repo, err := range report.Failures {
		out.Failures[repo] = err.Error()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func writeCycleText(w io.Writer, r ui.Renderer, report *syncer.CycleReport) {
	for _, s := range report.Sweeps {
		_, _ = fmt.Fprintf(w, "%s %s: %d issues, %d comments, %d commands, %d skipped; %d transitions; %d notifications delivered",
			r.Pass(ui.IconPass), s.Repository,
			s.Ingest.Issues, s.Ingest.Comments, s.Ingest.Commands, s.Ingest.Skipped,
			len(s.Evaluation.Transitions), s.Delivery.Delivered)
		if s.Delivery.Failed > 0 {
			_, _ = fmt.Fprintf(w, ", %s", r.Warn(fmt.Sprintf("%d failed", s.Delivery.Failed)))
		}
		_, _ = fmt.Fprintln(w)
		for _, t := range s.Evaluation.Transitions {
			_, _ = fmt.Fprintf(w, "    #%d %s -> %s\n", t.Number, t.From, r.Status(t.To))
		}
	}
	failed := make([]string, 0, len(report.Failures))
	for repo := range report.Failures {
		failed = append(failed, repo)
	}
	sort.Strings(failed)
	for _, repo := range failed {
		_, _ = fmt.Fprintf(w, "%s %s: %v\n", r.Fail(ui.IconFail), repo, report.Failures[repo])
	}
}

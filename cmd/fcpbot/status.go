package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fcpbot/fcpbot/internal/fault"
	"github.com/fcpbot/fcpbot/internal/storage"
	"github.com/fcpbot/fcpbot/internal/types"
	"github.com/fcpbot/fcpbot/internal/ui"
)

var (
	statusRepo      string
	statusFilter    []string
	statusAttention bool
	statusAll       bool
	statusLimit     int
)

func init() {
	statusCmd.Flags().StringVarP(&statusRepo, "repo", "r", "", "Only proposals in this repository")
	statusCmd.Flags().StringSliceVarP(&statusFilter, "status", "s", nil, "Only these statuses (default: fcp-proposed, fcp-active)")
	statusCmd.Flags().BoolVar(&statusAttention, "attention", false, "Only proposals flagged for human action")
	statusCmd.Flags().BoolVarP(&statusAll, "all", "a", false, "Every tracked proposal regardless of status")
	statusCmd.Flags().IntVarP(&statusLimit, "limit", "n", 50, "Maximum proposals to show (0 = no limit)")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show proposals in FCP and repository sync state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		filter, err := statusProposalFilter()
		if err != nil {
			return err
		}

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		proposals, err := store.ListProposals(ctx, filter)
		if err != nil {
			return err
		}
		watermarks, err := store.ListWatermarks(ctx)
		if err != nil {
			return err
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"proposals":  proposals,
				"watermarks": watermarks,
			})
		}
		writeStatus(os.Stdout, ui.NewRenderer(), proposals, watermarks, time.Now(), ui.TerminalWidth(100))
		return nil
	},
}

func statusProposalFilter() (storage.ProposalFilter, error) {
	filter := storage.ProposalFilter{Repository: statusRepo, Limit: statusLimit}
	switch {
	case statusAll:
	case len(statusFilter) > 0:
		for _, s := range statusFilter {
			st := types.Status(strings.TrimSpace(s))
			if !st.IsValid() {
				return filter, fault.Config("--status", fmt.Errorf("invalid status %q", s))
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	default:
		filter.Statuses = []types.Status{types.StatusFcpProposed, types.StatusFcpActive}
	}
	if statusAttention {
		flagged := true
		filter.Attention = &flagged
	}
	return filter, nil
}

func writeStatus(w io.Writer, r ui.Renderer, proposals []*types.Proposal, watermarks []*types.Watermark, now time.Time, width int) {
	_, _ = fmt.Fprintln(w, r.Category("Proposals"))
	if len(proposals) == 0 {
		_, _ = fmt.Fprintln(w, r.Muted("no matching proposals"))
	} else {
		titleWidth := max(width-90, 20)
		rows := make([][]string, 0, len(proposals))
		for _, p := range proposals {
			attention := ""
			if p.NeedsAttention {
				attention = r.Warn(ui.IconWarn + " " + p.AttentionReason)
			}
			rows = append(rows, []string{
				p.Repository + "#" + strconv.Itoa(p.Number),
				ui.TruncateSimple(p.Title, titleWidth),
				r.Status(p.Status),
				string(p.Disposition),
				since(p.FcpStartedAt, now),
				attention,
			})
		}
		_, _ = fmt.Fprintln(w, r.Table([]string{"Proposal", "Title", "Status", "Disposition", "FCP started", "Attention"}, rows))
	}

	_, _ = fmt.Fprintln(w, r.Category("Repositories"))
	if len(watermarks) == 0 {
		_, _ = fmt.Fprintln(w, r.Muted("never synced"))
		return
	}
	rows := make([][]string, 0, len(watermarks))
	for _, wm := range watermarks {
		state := r.Pass(ui.IconPass)
		if wm.LastError != "" {
			state = r.Fail(ui.IconFail + " " + ui.TruncateSimple(wm.LastError, 60))
		}
		rows = append(rows, []string{wm.Repository, since(wm.SyncedAt, now), since(wm.LastAttemptAt, now), state})
	}
	_, _ = fmt.Fprintln(w, r.Table([]string{"Repository", "Synced", "Last attempt", "State"}, rows))
}

// since formats the age of t, or "-" when unset
func since(t *time.Time, now time.Time) string {
	if t == nil {
		return "-"
	}
	return now.Sub(*t).Truncate(time.Minute).String() + " ago"
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fcpbot/fcpbot/internal/roster"
	"github.com/fcpbot/fcpbot/internal/ui"
)

var (
	rosterMode    string
	rosterOffline bool
)

func init() {
	rosterCheckCmd.Flags().StringVar(&rosterMode, "mode", "", "Validation mode: require or upsert (default: roster.mode)")
	rosterCheckCmd.Flags().BoolVar(&rosterOffline, "offline", false, "Only parse the roster file; skip the identity check")
	rosterCmd.AddCommand(rosterCheckCmd)
}

var rosterCmd = &cobra.Command{
	Use:   "roster",
	Short: "Inspect the team roster",
}

var rosterCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Parse the roster and validate its members against the identity store",
	Long: `Parses roster.path, prints its teams and repositories, and cross-checks
every member against the identity store using roster.mode. In require mode
unknown members are an error; in upsert mode they are created.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var r *roster.Roster
		var err error
		if rosterOffline {
			r, err = roster.Load(cfg.Roster.Path)
		} else {
			store, serr := openStore(ctx)
			if serr != nil {
				return serr
			}
			defer func() { _ = store.Close() }()
			r, err = loadRoster(ctx, store, rosterMode)
		}

		var missing *roster.MissingIdentitiesError
		if err != nil && !errors.As(err, &missing) {
			return err
		}
		if r == nil {
			// Validation failed after parsing; show what parsed
			if r, _ = roster.Load(cfg.Roster.Path); r == nil {
				return err
			}
		}

		if jsonOutput {
			out := map[string]any{
				"path":         cfg.Roster.Path,
				"teams":        r.Teams(),
				"repositories": r.Repositories(),
				"valid":        err == nil,
			}
			if missing != nil {
				out["missing"] = missing.Logins
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if eerr := enc.Encode(out); eerr != nil {
				return eerr
			}
		} else {
			writeRoster(os.Stdout, ui.NewRenderer(), r, missing)
		}
		return err
	},
}

func writeRoster(w io.Writer, rd ui.Renderer, r *roster.Roster, missing *roster.MissingIdentitiesError) {
	unknown := make(map[string]bool)
	if missing != nil {
		for _, login := range missing.Logins {
			unknown[strings.ToLower(login)] = true
		}
	}

	_, _ = fmt.Fprintln(w, rd.Category("Teams"))
	rows := make([][]string, 0, len(r.Teams()))
	for _, t := range r.Teams() {
		members := make([]string, 0, len(t.Members))
		for _, m := range t.Members {
			if unknown[strings.ToLower(m)] {
				m = rd.Fail(m + " " + ui.IconFail)
			}
			members = append(members, m)
		}
		rows = append(rows, []string{t.Label, t.Name, t.Ping, strings.Join(members, ", ")})
	}
	_, _ = fmt.Fprintln(w, rd.Table([]string{"Label", "Name", "Ping", "Members"}, rows))

	_, _ = fmt.Fprintln(w, rd.Category("Repositories"))
	rows = rows[:0]
	for _, repo := range r.Repositories() {
		rows = append(rows, []string{repo, yesNo(r.ShouldAutoClose(repo)), yesNo(r.ShouldAutoPostpone(repo))})
	}
	_, _ = fmt.Fprintln(w, rd.Table([]string{"Repository", "Auto-close", "Auto-postpone"}, rows))

	if missing != nil {
		_, _ = fmt.Fprintf(w, "%s %d unknown member(s): %s\n", rd.Fail(ui.IconFail), len(missing.Logins), strings.Join(missing.Logins, ", "))
		return
	}
	_, _ = fmt.Fprintf(w, "%s roster valid\n", rd.Pass(ui.IconPass))
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

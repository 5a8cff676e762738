// Package notify renders status comments and delivers the outbox to the
// remote tracker.
package notify

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/fcpbot/fcpbot/internal/types"
)

// Labels the bot manages on tracked issues
const (
	LabelProposed  = "proposed-final-comment-period"
	LabelActive    = "final-comment-period"
	LabelFinished  = "finished-final-comment-period"
	LabelPostponed = "postponed"
)

// DispositionLabel returns the label naming d, e.g. "disposition-merge"
func DispositionLabel(d types.Disposition) string {
	if d == "" {
		return ""
	}
	return "disposition-" + string(d)
}

// fcpLabels are removed when an FCP stops
var fcpLabels = []string{
	LabelProposed,
	LabelActive,
	DispositionLabel(types.DispositionMerge),
	DispositionLabel(types.DispositionClose),
	DispositionLabel(types.DispositionPostpone),
}

// View is everything a status comment shows about a proposal
type View struct {
	Bot      string // Login the bot answers to
	Proposal *types.Proposal
	Teams    []types.Team    // Teams bound to the proposal
	Required []string        // Current required reviewers, lower-cased
	SignOffs map[string]bool // Login -> checked
	Concerns []*types.Concern
	DwellEnd time.Time // Set for fcp-entered
	Actor    string    // Who triggered the transition; empty when automatic
	Reason   string    // Attention reason or withdrawal cause
}

// Render builds the outbox entry announcing kind for the proposal in v
func Render(kind types.NotificationKind, v View) *types.Notification {
	p := v.Proposal
	n := &types.Notification{
		ProposalID: p.ID,
		Repository: p.Repository,
		Number:     p.Number,
		Kind:       kind,
	}
	switch kind {
	case types.NotifyProposed:
		n.Body = renderProposed(v)
		n.AddLabels = []string{LabelProposed, DispositionLabel(p.Disposition)}
	case types.NotifyEntered:
		n.Body = renderEntered(v)
		n.AddLabels = []string{LabelActive}
		n.RemoveLabels = []string{LabelProposed}
	case types.NotifyFinished:
		n.Body = renderFinished(v)
		n.AddLabels = []string{LabelFinished}
		n.RemoveLabels = []string{LabelActive}
	case types.NotifyPostponed:
		n.Body = renderPostponed(v)
		n.AddLabels = []string{LabelPostponed}
		n.RemoveLabels = slices.Clone(fcpLabels)
	case types.NotifyCancelled:
		n.Body = renderCancelled(v)
		n.RemoveLabels = slices.Clone(fcpLabels)
	case types.NotifyClosed:
		// Closing is the tracker's own event; only stale FCP labels go.
		if p.HasLabel(LabelProposed) || p.HasLabel(LabelActive) {
			n.RemoveLabels = slices.Clone(fcpLabels)
		}
	case types.NotifyAttention:
		n.Body = renderAttention(v)
	}
	return n
}

func renderProposed(v View) string {
	var b strings.Builder
	p := v.Proposal
	fmt.Fprintf(&b, "Team member @%s has proposed to %s this. ", p.ProposedBy, p.Disposition)
	b.WriteString("The next step is review by the rest of the tagged team members:\n\n")
	writeChecklist(&b, v)
	writeConcerns(&b, v.Concerns)
	b.WriteString("\nOnce every reviewer has signed off and no concerns remain, this will enter its final comment period. ")
	b.WriteString("If you spot a major issue that hasn't been raised at any point in this process, please speak up!\n\n")
	fmt.Fprintf(&b, "Reviewers sign off with `@%s reviewed`, raise a concern with `@%s concern NAME` ", v.Bot, v.Bot)
	fmt.Fprintf(&b, "and resolve it with `@%s resolve NAME`.\n", v.Bot)
	writePings(&b, v.Teams)
	return b.String()
}

func renderEntered(v View) string {
	var b strings.Builder
	b.WriteString(":bell: **This is now entering its final comment period**, as per the review above. :bell:\n")
	if !v.DwellEnd.IsZero() {
		fmt.Fprintf(&b, "\nThe final comment period will end on %s.\n", v.DwellEnd.UTC().Format("2006-01-02"))
	}
	return b.String()
}

func renderFinished(v View) string {
	return fmt.Sprintf("The final comment period, with a disposition to **%s**, as per the review above, is now **complete**.\n",
		v.Proposal.Disposition)
}

func renderPostponed(v View) string {
	if v.Proposal.Disposition == types.DispositionPostpone && v.Reason == "" {
		return "The final comment period, with a disposition to **postpone**, is now **complete**. This is now **postponed**.\n"
	}
	var b strings.Builder
	b.WriteString("The final comment period was stopped and this is now **postponed**")
	writeCause(&b, v)
	return b.String()
}

func renderCancelled(v View) string {
	var b strings.Builder
	b.WriteString("The proposal to ")
	b.WriteString(string(v.Proposal.Disposition))
	b.WriteString(" has been **cancelled**")
	writeCause(&b, v)
	return b.String()
}

func renderAttention(v View) string {
	var b strings.Builder
	b.WriteString(":warning: This needs attention from a team member: ")
	b.WriteString(v.Reason)
	b.WriteString(".\n")
	writeConcerns(&b, v.Concerns)
	writePings(&b, v.Teams)
	return b.String()
}

func writeCause(b *strings.Builder, v View) {
	switch {
	case v.Actor != "":
		fmt.Fprintf(b, " by @%s.\n", v.Actor)
	case v.Reason != "":
		fmt.Fprintf(b, ": %s.\n", v.Reason)
	default:
		b.WriteString(".\n")
	}
}

func writeChecklist(b *strings.Builder, v View) {
	for _, login := range v.Required {
		box := " "
		if v.SignOffs[login] {
			box = "x"
		}
		fmt.Fprintf(b, "* [%s] @%s\n", box, login)
	}
}

func writeConcerns(b *strings.Builder, concerns []*types.Concern) {
	var open []*types.Concern
	for _, c := range concerns {
		if !c.Resolved {
			open = append(open, c)
		}
	}
	if len(open) == 0 {
		return
	}
	b.WriteString("\nConcerns:\n\n")
	for _, c := range open {
		fmt.Fprintf(b, "* %s (raised by @%s)\n", c.Name, c.RaisedBy)
	}
}

func writePings(b *strings.Builder, teams []types.Team) {
	var pings []string
	for _, t := range teams {
		if t.Ping != "" {
			pings = append(pings, "@"+t.Ping)
		}
	}
	if len(pings) > 0 {
		fmt.Fprintf(b, "\ncc %s\n", strings.Join(pings, " "))
	}
}

// ApplyLabels returns current with add appended and remove dropped,
// preserving the order of current.
func ApplyLabels(current, add, remove []string) []string {
	out := make([]string, 0, len(current)+len(add))
	for _, l := range current {
		if !slices.Contains(remove, l) && !slices.Contains(out, l) {
			out = append(out, l)
		}
	}
	for _, l := range add {
		if l != "" && !slices.Contains(remove, l) && !slices.Contains(out, l) {
			out = append(out, l)
		}
	}
	return out
}

// Package roster holds the team roster: which teams exist, who belongs to
// them, and how each watched repository behaves when an FCP finishes.
//
// A Roster is immutable once built. Parsing (Parse, Load) is a pure step; the
// fail-fast policy against the identity store lives in Validator and is run
// explicitly during startup.
package roster

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/fcpbot/fcpbot/internal/types"
)

// Behavior is the per-repository FCP automation policy
type Behavior struct {
	Close    bool `toml:"close" yaml:"close" json:"close"`          // Auto-finish FCPs once the dwell elapses
	Postpone bool `toml:"postpone" yaml:"postpone" json:"postpone"` // Auto-postpone on request or withdrawal
}

// Roster is a validated, read-only snapshot of teams and repository behaviors
type Roster struct {
	teams     map[string]types.Team
	labels    []string
	behaviors map[string]Behavior
	repos     []string
}

// New builds a roster from teams and repository behaviors.
// Team labels must be unique and non-empty.
func New(teams []types.Team, behaviors map[string]Behavior) (*Roster, error) {
	r := &Roster{
		teams:     make(map[string]types.Team, len(teams)),
		behaviors: make(map[string]Behavior, len(behaviors)),
	}
	for _, t := range teams {
		if t.Label == "" {
			return nil, fmt.Errorf("team %q has an empty label", t.Name)
		}
		if _, dup := r.teams[t.Label]; dup {
			return nil, fmt.Errorf("duplicate team label %q", t.Label)
		}
		t.Members = slices.Clone(t.Members)
		r.teams[t.Label] = t
	}
	for repo, b := range behaviors {
		if _, _, err := SplitRepository(repo); err != nil {
			return nil, err
		}
		r.behaviors[repo] = b
	}
	r.labels = slices.Sorted(maps.Keys(r.teams))
	r.repos = slices.Sorted(maps.Keys(r.behaviors))
	return r, nil
}

// SplitRepository splits "owner/name" into its parts
func SplitRepository(repo string) (owner, name string, err error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("invalid repository %q: want owner/name", repo)
	}
	return owner, name, nil
}

// TeamLabels returns every team label, sorted
func (r *Roster) TeamLabels() []string {
	return slices.Clone(r.labels)
}

// Team returns the team bound to label
func (r *Roster) Team(label string) (types.Team, bool) {
	t, ok := r.teams[label]
	return t, ok
}

// Teams returns all teams ordered by label
func (r *Roster) Teams() []types.Team {
	out := make([]types.Team, 0, len(r.labels))
	for _, l := range r.labels {
		out = append(out, r.teams[l])
	}
	return out
}

// Repositories returns the watched repositories, sorted
func (r *Roster) Repositories() []string {
	return slices.Clone(r.repos)
}

// Watches reports whether repo is a configured repository
func (r *Roster) Watches(repo string) bool {
	_, ok := r.behaviors[repo]
	return ok
}

// ShouldAutoClose reports whether FCPs in repo finish without a human.
// Unknown repositories never auto-close.
func (r *Roster) ShouldAutoClose(repo string) bool {
	return r.behaviors[repo].Close
}

// ShouldAutoPostpone reports whether postponement in repo happens without a human
func (r *Roster) ShouldAutoPostpone(repo string) bool {
	return r.behaviors[repo].Postpone
}

// Qualifies reports whether any label binds a team
func (r *Roster) Qualifies(labels []string) bool {
	return slices.ContainsFunc(labels, func(l string) bool {
		_, ok := r.teams[l]
		return ok
	})
}

// BoundTeams returns the teams bound by labels, ordered by label
func (r *Roster) BoundTeams(labels []string) []types.Team {
	var out []types.Team
	for _, l := range r.labels {
		if slices.Contains(labels, l) {
			out = append(out, r.teams[l])
		}
	}
	return out
}

// IsMember reports whether login belongs to any team bound by labels
func (r *Roster) IsMember(login string, labels []string) bool {
	for _, t := range r.BoundTeams(labels) {
		if t.HasMember(login) {
			return true
		}
	}
	return false
}

// RequiredLogins returns the union of members of every team bound by
// labels, in team then member order, without duplicates. Logins are
// lower-cased so they compare equal to stored sign-offs.
func (r *Roster) RequiredLogins(labels []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, t := range r.BoundTeams(labels) {
		for _, m := range t.Members {
			key := strings.ToLower(m)
			if !seen[key] {
				seen[key] = true
				out = append(out, key)
			}
		}
	}
	return out
}

// Members returns every distinct member login across all teams
func (r *Roster) Members() []string {
	return r.RequiredLogins(r.labels)
}

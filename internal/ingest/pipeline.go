// Package ingest pulls remote activity into the store.
//
// A sweep fetches every page of a repository's activity since its
// watermark, then applies the whole batch in one transaction together with
// the watermark advance. A failed fetch therefore leaves the store, and the
// watermark, exactly as they were.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fcpbot/fcpbot/internal/fault"
	"github.com/fcpbot/fcpbot/internal/roster"
	"github.com/fcpbot/fcpbot/internal/storage"
	"github.com/fcpbot/fcpbot/internal/telemetry"
	"github.com/fcpbot/fcpbot/internal/types"
)

// DefaultMaxPages bounds one sweep. This prevents infinite loops from a
// misbehaving cursor.
const DefaultMaxPages = 1000

// EventSource is the remote side of a sweep. *github.Client implements it.
type EventSource interface {
	// FetchEvents returns one page of activity updated at or after since.
	// An empty cursor starts the stream; an empty Next ends it.
	FetchEvents(ctx context.Context, repo string, since time.Time, cursor string) (*types.EventPage, error)
}

// Result summarizes one successful sweep
type Result struct {
	Repository string
	Since      time.Time
	SweepStart time.Time // New watermark
	Pages      int
	Issues     int     // Issue snapshots applied to tracked proposals
	Comments   int     // Comments on tracked proposals
	Commands   int     // Commands applied
	Ignored    int     // Events or commands dropped (untracked issue, non-member)
	Skipped    int     // Malformed records
	Touched    []int64 // Proposal ids with new activity, ascending
}

// Pipeline runs ingestion sweeps
type Pipeline struct {
	source   EventSource
	store    storage.Storage
	roster   *roster.Roster
	botLogin string
	logger   *slog.Logger
	tracer   trace.Tracer

	// Now returns the sweep start time. Tests override it.
	Now func() time.Time
	// MaxPages bounds the pages fetched in one sweep
	MaxPages int
}

// NewPipeline creates a pipeline. botLogin is the account the bot posts as;
// it is the only author whose status comments carry sign-off checkboxes.
func NewPipeline(source EventSource, store storage.Storage, r *roster.Roster, botLogin string, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pipeline{
		source:   source,
		store:    store,
		roster:   r,
		botLogin: strings.ToLower(botLogin),
		logger:   logger.With("component", "ingest"),
		tracer:   telemetry.Tracer("github.com/fcpbot/fcpbot/ingest"),
		Now:      time.Now,
		MaxPages: DefaultMaxPages,
	}
}

// Ingest sweeps repo for activity since `since`. On success the watermark
// of repo equals the sweep start, captured before the first fetch so that
// activity during the sweep is seen again next time.
func (p *Pipeline) Ingest(ctx context.Context, repo string, since time.Time) (*Result, error) {
	ctx, span := p.tracer.Start(ctx, "ingest.sweep", trace.WithAttributes(
		attribute.String("fcpbot.repository", repo),
		attribute.String("fcpbot.since", since.UTC().Format(time.RFC3339)),
	))
	defer span.End()

	res, err := p.ingest(ctx, repo, since)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("fcpbot.pages", res.Pages),
		attribute.Int("fcpbot.touched", len(res.Touched)),
	)
	return res, nil
}

func (p *Pipeline) ingest(ctx context.Context, repo string, since time.Time) (*Result, error) {
	start := p.Now().UTC()
	logger := p.logger.With("repository", repo)

	res := &Result{Repository: repo, Since: since.UTC(), SweepStart: start}
	var events []types.Event
	cursor := ""
	for {
		if res.Pages >= p.MaxPages {
			return nil, fault.Transient("fetch events", fmt.Errorf("%s: pagination limit exceeded: stopped after %d pages", repo, p.MaxPages))
		}
		page, err := p.source.FetchEvents(ctx, repo, since, cursor)
		if err != nil {
			return nil, fmt.Errorf("fetch page %d of %s: %w", res.Pages+1, repo, err)
		}
		res.Pages++
		for _, skipped := range page.Skipped {
			logger.Warn("skipping malformed record", "error", skipped)
		}
		res.Skipped += len(page.Skipped)
		events = append(events, page.Events...)
		if page.Next == "" {
			break
		}
		cursor = page.Next
	}

	var counts applyCounts
	err := p.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		a := &applier{
			p:       p,
			tx:      tx,
			repo:    repo,
			logger:  logger,
			touched: make(map[int64]bool),
			propose: make(map[int64]bool),
		}
		for _, ev := range events {
			if err := a.apply(ctx, ev); err != nil {
				return err
			}
		}
		if err := tx.AdvanceWatermark(ctx, repo, start); err != nil {
			return err
		}
		counts = a.counts
		counts.touched = a.touchedIDs()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("apply %d events of %s: %w", len(events), repo, err)
	}

	res.Issues = counts.issues
	res.Comments = counts.comments
	res.Commands = counts.commands
	res.Ignored = counts.ignored
	res.Touched = counts.touched
	logger.Info("sweep ingested",
		"since", res.Since,
		"pages", res.Pages,
		"issues", res.Issues,
		"comments", res.Comments,
		"commands", res.Commands,
		"skipped", res.Skipped,
		"touched", len(res.Touched),
	)
	return res, nil
}

type applyCounts struct {
	issues, comments, commands, ignored int
	touched                             []int64
}

// applier holds the state of one transaction attempt. The store may retry
// the transaction, so nothing here outlives the callback.
type applier struct {
	p       *Pipeline
	tx      storage.Transaction
	repo    string
	logger  *slog.Logger
	counts  applyCounts
	touched map[int64]bool
	propose map[int64]bool // Proposals with a pending propose marker
}

func (a *applier) touchedIDs() []int64 {
	ids := make([]int64, 0, len(a.touched))
	for id := range a.touched {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (a *applier) apply(ctx context.Context, ev types.Event) error {
	switch {
	case ev.Kind == types.EventIssue && ev.Issue != nil:
		return a.applyIssue(ctx, ev.Issue)
	case ev.Kind == types.EventComment && ev.Comment != nil:
		return a.applyComment(ctx, ev.Comment)
	}
	a.logger.Warn("skipping event without payload", "kind", ev.Kind)
	a.counts.ignored++
	return nil
}

// applyIssue upserts the proposal for a snapshot. Issues become proposals
// once a team label binds them; after that they are tracked for good, so
// removing the label is seen as a withdrawal.
func (a *applier) applyIssue(ctx context.Context, snap *types.IssueSnapshot) error {
	if !a.p.roster.Qualifies(snap.Labels) {
		_, err := a.tx.GetProposal(ctx, a.repo, snap.Number)
		if errors.Is(err, storage.ErrNotFound) {
			a.counts.ignored++
			return nil
		}
		if err != nil {
			return err
		}
	}
	if err := a.tx.EnsureIdentity(ctx, snap.Author, snap.AuthorID); err != nil {
		return err
	}
	prop := &types.Proposal{
		Repository:      a.repo,
		Number:          snap.Number,
		Title:           snap.Title,
		Author:          snap.Author,
		Labels:          snap.Labels,
		RemoteState:     snap.State,
		RemoteUpdatedAt: snap.UpdatedAt,
	}
	id, created, err := a.tx.UpsertProposal(ctx, prop)
	if err != nil {
		return err
	}
	if created {
		a.logger.Info("tracking new proposal", "number", snap.Number, "proposal", id)
	}
	a.touched[id] = true
	a.counts.issues++
	return nil
}

func (a *applier) applyComment(ctx context.Context, c *types.CommentEvent) error {
	prop, err := a.tx.GetProposal(ctx, a.repo, c.Number)
	if errors.Is(err, storage.ErrNotFound) {
		a.counts.ignored++
		return nil
	}
	if err != nil {
		return err
	}
	if err := a.tx.EnsureIdentity(ctx, c.Author, c.AuthorID); err != nil {
		return err
	}
	a.counts.comments++

	if strings.EqualFold(c.Author, a.p.botLogin) {
		return a.applyStatusComment(ctx, prop, c)
	}

	cmds := ParseCommands(c.Body, a.p.botLogin)
	if len(cmds) == 0 {
		return nil
	}
	member := a.p.roster.IsMember(c.Author, prop.Labels)
	for _, cmd := range cmds {
		if !member && cmd.Kind != CommandResolve {
			a.logger.Debug("ignoring command from non-member",
				"proposal", prop.ID, "author", c.Author, "command", cmd.Kind)
			a.counts.ignored++
			continue
		}
		applied, err := a.applyCommand(ctx, prop, c, cmd, member)
		if err != nil {
			return err
		}
		if applied {
			a.counts.commands++
			a.touched[prop.ID] = true
		} else {
			a.counts.ignored++
		}
	}
	return nil
}

// applyCommand records one command. Command times are the comment's
// creation time, which stays stable when the comment is edited.
func (a *applier) applyCommand(ctx context.Context, prop *types.Proposal, c *types.CommentEvent, cmd Command, member bool) (bool, error) {
	at := c.CreatedAt
	switch cmd.Kind {
	case CommandPropose, CommandCancel, CommandPostpone:
		kind := types.MarkerPropose
		switch cmd.Kind {
		case CommandCancel:
			kind = types.MarkerCancel
		case CommandPostpone:
			kind = types.MarkerPostpone
		}
		_, err := a.tx.AddMarker(ctx, &types.Marker{
			ProposalID:  prop.ID,
			Repository:  a.repo,
			CommentID:   c.ID,
			Line:        cmd.Line,
			Kind:        kind,
			Disposition: cmd.Disposition,
			Author:      c.Author,
			PostedAt:    at,
		})
		if err != nil {
			return false, err
		}
		if kind != types.MarkerCancel {
			a.propose[prop.ID] = true
		}
		return true, nil

	case CommandConcern:
		return true, a.tx.RaiseConcern(ctx, prop.ID, c.Author, cmd.Name, at)

	case CommandResolve:
		if !member {
			own, err := a.raisedBy(ctx, prop.ID, c.Author, cmd.Name)
			if err != nil || !own {
				return false, err
			}
		}
		n, err := a.tx.ResolveConcern(ctx, prop.ID, cmd.Name, at)
		if err != nil {
			return false, err
		}
		if n == 0 {
			a.logger.Debug("resolve matched no open concern", "proposal", prop.ID, "concern", cmd.Name)
		}
		return true, nil

	case CommandReviewed, CommandUnreviewed:
		open, err := a.collectingSignOffs(ctx, prop)
		if err != nil || !open {
			return false, err
		}
		return true, a.tx.SetSignOff(ctx, prop.ID, c.Author, cmd.Kind == CommandReviewed, at)
	}
	return false, nil
}

// raisedBy reports whether login raised a concern called name on the proposal.
// Removed team members may still resolve their own concerns.
func (a *applier) raisedBy(ctx context.Context, proposalID int64, login, name string) (bool, error) {
	concerns, err := a.tx.ListConcerns(ctx, proposalID)
	if err != nil {
		return false, err
	}
	return slices.ContainsFunc(concerns, func(c *types.Concern) bool {
		return strings.EqualFold(c.RaisedBy, login) && c.Name == name
	}), nil
}

// collectingSignOffs reports whether a review command counts: the FCP is
// running, or a proposal was made but not evaluated yet.
func (a *applier) collectingSignOffs(ctx context.Context, prop *types.Proposal) (bool, error) {
	if prop.Status.InFCP() || a.propose[prop.ID] {
		return true, nil
	}
	if prop.Status != types.StatusOpen {
		return false, nil
	}
	pending, err := a.tx.PendingMarkers(ctx, prop.ID)
	if err != nil {
		return false, err
	}
	for _, m := range pending {
		if m.Kind != types.MarkerCancel {
			a.propose[prop.ID] = true
			return true, nil
		}
	}
	return false, nil
}

// applyStatusComment reads ticked boxes from the bot's own status comment.
// The bot never edits its comments, so only a comment edited by someone
// else carries new information; its ticked boxes count as sign-offs at
// the time of the edit. Unticking is done with the unreviewed command.
func (a *applier) applyStatusComment(ctx context.Context, prop *types.Proposal, c *types.CommentEvent) error {
	if !c.UpdatedAt.After(c.CreatedAt) || !prop.Status.InFCP() {
		return nil
	}
	required := a.p.roster.RequiredLogins(prop.Labels)
	for _, login := range ParseCheckedBoxes(c.Body) {
		if !slices.Contains(required, login) {
			a.counts.ignored++
			continue
		}
		if err := a.tx.SetSignOff(ctx, prop.ID, login, true, c.UpdatedAt); err != nil {
			return err
		}
		a.counts.commands++
		a.touched[prop.ID] = true
	}
	return nil
}

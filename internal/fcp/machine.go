// Package fcp drives proposals through the Final Comment Period.
//
// The machine reads what ingestion stored (markers, sign-offs, concerns,
// remote state) and advances each proposal's lifecycle status:
//
//	open → fcp-proposed → fcp-active → fcp-closed | postponed
//	any  → closed | merged   (remote closure always wins)
//
// Each proposal is evaluated in its own transaction. Status changes are
// compare-and-set on the previous status, and every transition enqueues
// exactly one outbox entry in the same transaction.
package fcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/fcpbot/fcpbot/internal/fault"
	"github.com/fcpbot/fcpbot/internal/notify"
	"github.com/fcpbot/fcpbot/internal/roster"
	"github.com/fcpbot/fcpbot/internal/storage"
	"github.com/fcpbot/fcpbot/internal/telemetry"
	"github.com/fcpbot/fcpbot/internal/types"
)

// DefaultDwell is how long an FCP stays active before it finishes
const DefaultDwell = 10 * 24 * time.Hour

// Attention reasons
const (
	ReasonConcern        = "a concern was raised during the final comment period"
	ReasonManualClose    = "the final comment period is complete and this repository finishes FCPs by hand"
	ReasonManualPostpone = "postponement was requested and this repository postpones by hand"
	ReasonWithdrawn      = "no team label remains"
)

const scopeName = "github.com/fcpbot/fcpbot/fcp"

// Transition is one executed status change
type Transition struct {
	ProposalID int64
	Repository string
	Number     int
	From       types.Status
	To         types.Status
	At         time.Time
}

// Result summarizes one evaluation
type Result struct {
	Evaluated   int
	Transitions []Transition
	Flagged     []int64 // Proposals newly flagged for human action
	Conflicts   int     // Proposals skipped because a concurrent evaluator won
}

// Merge adds o to r
func (r *Result) Merge(o *Result) {
	r.Evaluated += o.Evaluated
	r.Transitions = append(r.Transitions, o.Transitions...)
	r.Flagged = append(r.Flagged, o.Flagged...)
	r.Conflicts += o.Conflicts
}

// Machine evaluates proposals against the current roster
type Machine struct {
	store    storage.Storage
	roster   *roster.Roster
	botLogin string
	dwell    time.Duration
	logger   *slog.Logger
	tracer   trace.Tracer
	counter  metric.Int64Counter

	// Now is the evaluation clock. Tests override it.
	Now func() time.Time
}

// NewMachine creates a machine. A zero dwell uses DefaultDwell.
func NewMachine(store storage.Storage, r *roster.Roster, botLogin string, dwell time.Duration, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if dwell <= 0 {
		dwell = DefaultDwell
	}
	counter, _ := telemetry.Meter(scopeName).Int64Counter("fcpbot.fcp.transitions",
		metric.WithDescription("Proposal status transitions executed"),
	)
	return &Machine{
		store:    store,
		roster:   r,
		botLogin: botLogin,
		dwell:    dwell,
		logger:   logger.With("component", "fcp"),
		tracer:   telemetry.Tracer(scopeName),
		counter:  counter,
		Now:      time.Now,
	}
}

// Dwell returns the configured comment period length
func (m *Machine) Dwell() time.Duration { return m.dwell }

// EvaluateRepository evaluates the touched proposals of repo plus every
// unsettled one. The unsettled set is read from the store, so a proposal
// whose earlier evaluation failed, or whose quorum changed with the roster,
// converges on a later sweep without new remote activity.
func (m *Machine) EvaluateRepository(ctx context.Context, repo string, touched []int64) (*Result, error) {
	unsettled, err := m.store.ListProposals(ctx, storage.ProposalFilter{
		Repository: repo,
		Unsettled:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("list unsettled proposals of %s: %w", repo, err)
	}
	ids := slices.Clone(touched)
	for _, p := range unsettled {
		ids = append(ids, p.ID)
	}
	slices.Sort(ids)
	return m.Evaluate(ctx, slices.Compact(ids))
}

// Evaluate runs the transition rules once for each proposal id. A lost
// compare-and-set is counted and skipped; any other failure stops the
// evaluation and is returned.
func (m *Machine) Evaluate(ctx context.Context, ids []int64) (*Result, error) {
	ctx, span := m.tracer.Start(ctx, "fcp.evaluate", trace.WithAttributes(
		attribute.Int("fcpbot.proposals", len(ids)),
	))
	defer span.End()

	res := &Result{}
	for _, id := range ids {
		var ev *evaluation
		err := m.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
			ev = &evaluation{m: m, tx: tx, now: m.Now().UTC()}
			return ev.run(ctx, id)
		})
		switch {
		case errors.Is(err, storage.ErrNotFound):
			m.logger.Warn("skipping unknown proposal", "proposal", id)
			continue
		case errors.Is(err, storage.ErrConflict):
			m.logger.Info("proposal changed concurrently, skipping", "proposal", id)
			res.Conflicts++
			continue
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return res, fmt.Errorf("evaluate proposal %d: %w", id, err)
		}
		res.Evaluated++
		res.Transitions = append(res.Transitions, ev.transitions...)
		if ev.flagged {
			res.Flagged = append(res.Flagged, id)
		}
		for _, t := range ev.transitions {
			m.counter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("fcpbot.from", string(t.From)),
				attribute.String("fcpbot.to", string(t.To)),
			))
			m.logger.Info("proposal transitioned",
				"repository", t.Repository, "number", t.Number, "proposal", t.ProposalID,
				"from", t.From, "to", t.To)
		}
	}
	span.SetAttributes(attribute.Int("fcpbot.transitions", len(res.Transitions)))
	return res, nil
}

// evaluation is the state of one proposal's transaction attempt
type evaluation struct {
	m           *Machine
	tx          storage.Transaction
	now         time.Time
	p           *types.Proposal
	transitions []Transition
	flagged     bool
}

func (e *evaluation) run(ctx context.Context, id int64) error {
	p, err := e.tx.GetProposalByID(ctx, id)
	if err != nil {
		return err
	}
	e.p = p
	markers, err := e.tx.PendingMarkers(ctx, id)
	if err != nil {
		return err
	}
	consumed := make([]int64, 0, len(markers))
	for _, mk := range markers {
		consumed = append(consumed, mk.ID)
	}

	// Remote closure wins over everything, including unread markers
	if closed, to := remoteTerminal(p); closed && !p.Status.IsTerminal() {
		if err := e.transition(ctx, to, types.NotifyClosed, notify.View{}); err != nil {
			return err
		}
		return e.tx.MarkMarkersProcessed(ctx, consumed)
	}
	if p.Status.IsTerminal() {
		return e.tx.MarkMarkersProcessed(ctx, consumed)
	}

	for _, mk := range markers {
		if err := e.applyMarker(ctx, mk); err != nil {
			return err
		}
	}
	if err := e.tx.MarkMarkersProcessed(ctx, consumed); err != nil {
		return err
	}

	if len(e.m.roster.BoundTeams(e.p.Labels)) == 0 {
		return e.withdraw(ctx)
	}
	switch e.p.Status {
	case types.StatusFcpProposed:
		return e.checkQuorum(ctx)
	case types.StatusFcpActive:
		return e.checkActive(ctx)
	}
	return nil
}

func remoteTerminal(p *types.Proposal) (bool, types.Status) {
	switch p.RemoteState {
	case types.RemoteMerged:
		return true, types.StatusMerged
	case types.RemoteClosed:
		return true, types.StatusClosed
	}
	return false, ""
}

// applyMarker executes one FCP command against the current status. The
// author must still be on a bound team; markers from members who have
// since left are dropped.
func (e *evaluation) applyMarker(ctx context.Context, mk *types.Marker) error {
	if !e.m.roster.IsMember(mk.Author, e.p.Labels) {
		e.m.logger.Debug("dropping marker from non-member",
			"proposal", e.p.ID, "author", mk.Author, "kind", mk.Kind,
			"error", fault.Invariant("apply marker", fmt.Errorf("%s is not on a bound team", mk.Author)))
		return nil
	}
	switch e.p.Status {
	case types.StatusOpen:
		disposition := mk.Disposition
		switch mk.Kind {
		case types.MarkerCancel:
			return nil
		case types.MarkerPostpone:
			disposition = types.DispositionPostpone
		}
		if !disposition.IsValid() {
			return nil
		}
		return e.propose(ctx, mk, disposition)

	case types.StatusFcpProposed:
		if mk.Kind == types.MarkerPropose {
			return nil
		}
		return e.cancel(ctx, mk.Author, "", mk.PostedAt)

	case types.StatusFcpActive:
		if mk.Kind == types.MarkerPropose {
			return nil
		}
		return e.postpone(ctx, mk.Author, "", ReasonManualPostpone)
	}
	return nil
}

func (e *evaluation) propose(ctx context.Context, mk *types.Marker, d types.Disposition) error {
	at := mk.PostedAt
	e.p.Disposition = d
	e.p.ProposedBy = mk.Author
	e.p.FcpProposedAt = &at
	e.p.FcpStartedAt = nil
	// Sign-offs from an earlier, cancelled FCP do not carry over
	if err := e.tx.ResetSignOffs(ctx, e.p.ID, at); err != nil {
		return err
	}
	if err := e.ensureSignOffs(ctx, at); err != nil {
		return err
	}
	view, err := e.view(ctx)
	if err != nil {
		return err
	}
	return e.transition(ctx, types.StatusFcpProposed, types.NotifyProposed, view)
}

func (e *evaluation) cancel(ctx context.Context, actor, reason string, at time.Time) error {
	if err := e.tx.ResetSignOffs(ctx, e.p.ID, at); err != nil {
		return err
	}
	// The announcement names the disposition being cancelled
	prev := *e.p
	e.p.Disposition = ""
	e.p.ProposedBy = ""
	e.p.FcpProposedAt = nil
	view := notify.View{Proposal: &prev, Actor: actor, Reason: reason}
	return e.transition(ctx, types.StatusOpen, types.NotifyCancelled, view)
}

// postpone stops a running FCP, or flags it when the repository
// postpones by hand.
func (e *evaluation) postpone(ctx context.Context, actor, reason, manualReason string) error {
	if !e.m.roster.ShouldAutoPostpone(e.p.Repository) {
		return e.flag(ctx, manualReason)
	}
	return e.transition(ctx, types.StatusPostponed, types.NotifyPostponed, notify.View{Actor: actor, Reason: reason})
}

// withdraw handles a proposal that lost every team label
func (e *evaluation) withdraw(ctx context.Context) error {
	switch e.p.Status {
	case types.StatusFcpProposed:
		return e.cancel(ctx, "", ReasonWithdrawn, e.now)
	case types.StatusFcpActive:
		return e.postpone(ctx, "", ReasonWithdrawn, ReasonWithdrawn)
	}
	return nil
}

// checkQuorum activates the FCP once every current required reviewer has
// signed off and no concern is open.
func (e *evaluation) checkQuorum(ctx context.Context) error {
	if err := e.ensureSignOffs(ctx, e.now); err != nil {
		return err
	}
	signOffs, err := e.signOffs(ctx)
	if err != nil {
		return err
	}
	concerns, err := e.tx.ListConcerns(ctx, e.p.ID)
	if err != nil {
		return err
	}
	if !Quorum(e.m.roster.RequiredLogins(e.p.Labels), signOffs) || hasOpen(concerns) {
		return nil
	}
	started := e.now
	e.p.FcpStartedAt = &started
	view := notify.View{DwellEnd: started.Add(e.m.dwell)}
	return e.transition(ctx, types.StatusFcpActive, types.NotifyEntered, view)
}

// checkActive flags concerns raised during the comment period and
// finishes the FCP once the dwell has elapsed.
func (e *evaluation) checkActive(ctx context.Context) error {
	concerns, err := e.tx.ListConcerns(ctx, e.p.ID)
	if err != nil {
		return err
	}
	if hasOpen(concerns) {
		return e.flag(ctx, ReasonConcern)
	}
	if e.p.NeedsAttention && e.p.AttentionReason == ReasonConcern {
		if err := e.tx.SetAttention(ctx, e.p.ID, false, ""); err != nil {
			return err
		}
		e.p.NeedsAttention, e.p.AttentionReason = false, ""
	}
	// A pending manual postponement holds the FCP until someone acts
	if e.p.NeedsAttention && e.p.AttentionReason == ReasonManualPostpone {
		return nil
	}
	if e.p.FcpStartedAt == nil || e.now.Before(e.p.FcpStartedAt.Add(e.m.dwell)) {
		return nil
	}

	if e.p.Disposition == types.DispositionPostpone {
		if !e.m.roster.ShouldAutoPostpone(e.p.Repository) {
			return e.flag(ctx, ReasonManualPostpone)
		}
		return e.transition(ctx, types.StatusPostponed, types.NotifyPostponed, notify.View{})
	}
	if !e.m.roster.ShouldAutoClose(e.p.Repository) {
		return e.flag(ctx, ReasonManualClose)
	}
	return e.transition(ctx, types.StatusFcpClosed, types.NotifyFinished, notify.View{})
}

// flag sets the attention flag and announces it once per reason
func (e *evaluation) flag(ctx context.Context, reason string) error {
	if e.p.NeedsAttention && e.p.AttentionReason == reason {
		return nil
	}
	if err := e.tx.SetAttention(ctx, e.p.ID, true, reason); err != nil {
		return err
	}
	e.p.NeedsAttention, e.p.AttentionReason = true, reason
	e.flagged = true
	view, err := e.view(ctx)
	if err != nil {
		return err
	}
	view.Reason = reason
	return e.enqueue(ctx, types.NotifyAttention, view)
}

// transition moves the proposal to `to` with a compare-and-set on its
// current status and enqueues the announcement.
func (e *evaluation) transition(ctx context.Context, to types.Status, kind types.NotificationKind, view notify.View) error {
	from := e.p.Status
	e.p.Status = to
	e.p.NeedsAttention, e.p.AttentionReason = false, ""
	if err := e.tx.TransitionProposal(ctx, e.p, from); err != nil {
		return err
	}
	e.transitions = append(e.transitions, Transition{
		ProposalID: e.p.ID,
		Repository: e.p.Repository,
		Number:     e.p.Number,
		From:       from,
		To:         to,
		At:         e.now,
	})
	return e.enqueue(ctx, kind, view)
}

func (e *evaluation) enqueue(ctx context.Context, kind types.NotificationKind, view notify.View) error {
	view.Bot = e.m.botLogin
	if view.Proposal == nil {
		view.Proposal = e.p
	}
	if view.Teams == nil {
		view.Teams = e.m.roster.BoundTeams(e.p.Labels)
	}
	n := notify.Render(kind, view)
	n.CreatedAt = e.now
	return e.tx.EnqueueNotification(ctx, n)
}

func (e *evaluation) ensureSignOffs(ctx context.Context, at time.Time) error {
	for _, login := range e.m.roster.RequiredLogins(e.p.Labels) {
		if err := e.tx.EnsureSignOff(ctx, e.p.ID, login, at); err != nil {
			return err
		}
	}
	return nil
}

func (e *evaluation) signOffs(ctx context.Context) (map[string]bool, error) {
	rows, err := e.tx.ListSignOffs(ctx, e.p.ID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(rows))
	for _, so := range rows {
		out[so.Login] = so.Checked
	}
	return out, nil
}

func (e *evaluation) view(ctx context.Context) (notify.View, error) {
	signOffs, err := e.signOffs(ctx)
	if err != nil {
		return notify.View{}, err
	}
	concerns, err := e.tx.ListConcerns(ctx, e.p.ID)
	if err != nil {
		return notify.View{}, err
	}
	return notify.View{
		Teams:    e.m.roster.BoundTeams(e.p.Labels),
		Required: e.m.roster.RequiredLogins(e.p.Labels),
		SignOffs: signOffs,
		Concerns: concerns,
	}, nil
}

// Quorum reports whether every required login has a checked sign-off.
// Sign-offs from logins that are not required are ignored, so members who
// left a team neither block nor satisfy quorum. No required reviewers
// means no quorum.
func Quorum(required []string, signOffs map[string]bool) bool {
	if len(required) == 0 {
		return false
	}
	for _, login := range required {
		if !signOffs[login] {
			return false
		}
	}
	return true
}

func hasOpen(concerns []*types.Concern) bool {
	return slices.ContainsFunc(concerns, func(c *types.Concern) bool { return !c.Resolved })
}

// Package teststore provides store-backed test helpers for the engine.
//
// Each test gets an isolated SQLite database in t.TempDir(), a scripted
// event source standing in for GitHub and a notifier that records calls.
// All helper methods operate through the storage interfaces.
//
// Usage:
//
//	func TestSomething(t *testing.T) {
//	    env := teststore.NewEnv(t, teststore.DefaultRoster(t))
//	    env.Source.Add("o/r", teststore.Issue(1, at, "T-lang"))
//	    ...
//	    env.AssertStatus("o/r", 1, types.StatusOpen)
//	}
package teststore

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/fcpbot/fcpbot/internal/roster"
	"github.com/fcpbot/fcpbot/internal/storage"
	"github.com/fcpbot/fcpbot/internal/storage/sqlstore"
	"github.com/fcpbot/fcpbot/internal/types"
)

// Epoch is a fixed base time for scripted events
var Epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// New creates an isolated SQLite-backed store for a single test.
// The store is closed automatically when the test completes.
func New(t testing.TB) *sqlstore.Store {
	t.Helper()
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "fcp.db")
	store, err := sqlstore.Open(context.Background(), dsn, sqlstore.WithTracing(false))
	if err != nil {
		t.Fatalf("teststore: failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// DefaultRoster returns two overlapping teams and two repositories:
// "o/r" finishes and postpones automatically, "o/manual" does neither.
//
//	T-lang: alice, bob
//	T-libs: bob, carol
func DefaultRoster(t testing.TB) *roster.Roster {
	t.Helper()
	r, err := roster.New([]types.Team{
		{Label: "T-lang", Name: "Language Team", Ping: "o/lang", Members: []string{"alice", "bob"}},
		{Label: "T-libs", Name: "Library Team", Members: []string{"bob", "carol"}},
	}, map[string]roster.Behavior{
		"o/r":      {Close: true, Postpone: true},
		"o/manual": {},
	})
	if err != nil {
		t.Fatalf("teststore: failed to build roster: %v", err)
	}
	return r
}

// Env provides a test environment with common setup and helpers.
type Env struct {
	t        *testing.T
	Store    *sqlstore.Store
	Ctx      context.Context
	Roster   *roster.Roster
	Source   *FakeSource
	Notifier *RecordingNotifier
}

// NewEnv creates a new test environment backed by an isolated store.
func NewEnv(t *testing.T, r *roster.Roster) *Env {
	t.Helper()
	return &Env{
		t:        t,
		Store:    New(t),
		Ctx:      context.Background(),
		Roster:   r,
		Source:   NewFakeSource(),
		Notifier: &RecordingNotifier{},
	}
}

// ---------------------------------------------------------------------------
// Event constructors
// ---------------------------------------------------------------------------

// Issue builds an open issue snapshot authored by alice
func Issue(number int, at time.Time, labels ...string) types.Event {
	return IssueState(number, at, types.RemoteOpen, labels...)
}

// IssueState builds an issue snapshot in the given remote state
func IssueState(number int, at time.Time, state types.RemoteState, labels ...string) types.Event {
	return types.Event{
		Kind: types.EventIssue,
		Issue: &types.IssueSnapshot{
			Number:    number,
			Title:     fmt.Sprintf("RFC %d", number),
			Author:    "alice",
			AuthorID:  1,
			Labels:    labels,
			State:     state,
			UpdatedAt: at,
		},
	}
}

// Comment builds an unedited comment
func Comment(id int64, number int, author, body string, at time.Time) types.Event {
	return EditedComment(id, number, author, body, at, at)
}

// EditedComment builds a comment created at created and last edited at updated
func EditedComment(id int64, number int, author, body string, created, updated time.Time) types.Event {
	return types.Event{
		Kind: types.EventComment,
		Comment: &types.CommentEvent{
			ID:        id,
			Number:    number,
			Author:    author,
			Body:      body,
			CreatedAt: created,
			UpdatedAt: updated,
		},
	}
}

// ---------------------------------------------------------------------------
// Scripted event source
// ---------------------------------------------------------------------------

// FakeSource serves scripted events the way the GitHub client does: issues
// first, then comments, each in ascending update order, filtered by since
// (inclusive) and split into pages.
type FakeSource struct {
	mu       sync.Mutex
	events   map[string][]types.Event
	skipped  map[string][]error
	failAt   map[string]int // Repository -> 1-based page that fails
	failErr  map[string]error
	PageSize int
	Calls    map[string]int
}

// NewFakeSource creates an empty source serving two events per page
func NewFakeSource() *FakeSource {
	return &FakeSource{
		events:   make(map[string][]types.Event),
		skipped:  make(map[string][]error),
		failAt:   make(map[string]int),
		failErr:  make(map[string]error),
		PageSize: 2,
		Calls:    make(map[string]int),
	}
}

// Add appends events for repo
func (f *FakeSource) Add(repo string, events ...types.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range events {
		ev.Repository = repo
		f.events[repo] = append(f.events[repo], ev)
	}
}

// AddSkipped makes the first page of repo report a malformed record
func (f *FakeSource) AddSkipped(repo string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.skipped[repo] = append(f.skipped[repo], err)
}

// FailPage makes every fetch of the given 1-based page of repo fail with err.
// A page of 0 clears the failure.
func (f *FakeSource) FailPage(repo string, page int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if page == 0 {
		delete(f.failAt, repo)
		delete(f.failErr, repo)
		return
	}
	f.failAt[repo] = page
	f.failErr[repo] = err
}

// FetchEvents implements ingest.EventSource
func (f *FakeSource) FetchEvents(ctx context.Context, repo string, since time.Time, cursor string) (*types.EventPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls[repo]++

	offset := 0
	if cursor != "" {
		var err error
		if offset, err = strconv.Atoi(cursor); err != nil {
			return nil, fmt.Errorf("bad cursor %q", cursor)
		}
	}
	size := max(f.PageSize, 1)
	pageNum := offset/size + 1
	if at, ok := f.failAt[repo]; ok && at == pageNum {
		return nil, f.failErr[repo]
	}

	var selected []types.Event
	for _, ev := range f.events[repo] {
		if !ev.UpdatedAt().Before(since) {
			selected = append(selected, ev)
		}
	}
	slices.SortStableFunc(selected, func(a, b types.Event) int {
		if a.Kind != b.Kind {
			if a.Kind == types.EventIssue {
				return -1
			}
			return 1
		}
		return a.UpdatedAt().Compare(b.UpdatedAt())
	})

	page := &types.EventPage{}
	if offset == 0 {
		page.Skipped = slices.Clone(f.skipped[repo])
	}
	end := min(offset+size, len(selected))
	if offset < end {
		page.Events = slices.Clone(selected[offset:end])
	}
	if end < len(selected) {
		page.Next = strconv.Itoa(end)
	}
	return page, nil
}

// ---------------------------------------------------------------------------
// Recording notifier
// ---------------------------------------------------------------------------

// NotifierCall is one recorded outbound call
type NotifierCall struct {
	Method     string // "comment" or "labels"
	Repository string
	Number     int
	Body       string
	Labels     []string
}

// RecordingNotifier records outbound calls and can be told to fail
type RecordingNotifier struct {
	mu    sync.Mutex
	calls []NotifierCall
	Err   error // Returned by every call while set
}

// PostComment implements notify.Notifier
func (n *RecordingNotifier) PostComment(_ context.Context, repo string, number int, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Err != nil {
		return n.Err
	}
	n.calls = append(n.calls, NotifierCall{Method: "comment", Repository: repo, Number: number, Body: body})
	return nil
}

// SetLabels implements notify.Notifier
func (n *RecordingNotifier) SetLabels(_ context.Context, repo string, number int, labels []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Err != nil {
		return n.Err
	}
	n.calls = append(n.calls, NotifierCall{Method: "labels", Repository: repo, Number: number, Labels: slices.Clone(labels)})
	return nil
}

// SetErr makes subsequent calls fail with err (nil restores success)
func (n *RecordingNotifier) SetErr(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Err = err
}

// Calls returns a copy of the recorded calls
func (n *RecordingNotifier) Calls() []NotifierCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.calls)
}

// Comments returns the bodies of recorded comments on repo#number
func (n *RecordingNotifier) Comments(repo string, number int) []string {
	var out []string
	for _, c := range n.Calls() {
		if c.Method == "comment" && c.Repository == repo && c.Number == number {
			out = append(out, c.Body)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Store helpers
// ---------------------------------------------------------------------------

// Proposal returns repo#number or fails the test
func (e *Env) Proposal(repo string, number int) *types.Proposal {
	e.t.Helper()
	p, err := e.Store.GetProposal(e.Ctx, repo, number)
	if err != nil {
		e.t.Fatalf("GetProposal(%s#%d) failed: %v", repo, number, err)
	}
	return p
}

// HasProposal reports whether repo#number is tracked
func (e *Env) HasProposal(repo string, number int) bool {
	e.t.Helper()
	_, err := e.Store.GetProposal(e.Ctx, repo, number)
	if errors.Is(err, storage.ErrNotFound) {
		return false
	}
	if err != nil {
		e.t.Fatalf("GetProposal(%s#%d) failed: %v", repo, number, err)
	}
	return true
}

// AssertStatus fails the test unless repo#number has status want
func (e *Env) AssertStatus(repo string, number int, want types.Status) {
	e.t.Helper()
	if got := e.Proposal(repo, number).Status; got != want {
		e.t.Errorf("%s#%d status = %s, want %s", repo, number, got, want)
	}
}

// SignOffs returns login -> checked for a proposal
func (e *Env) SignOffs(proposalID int64) map[string]bool {
	e.t.Helper()
	rows, err := e.Store.ListSignOffs(e.Ctx, proposalID)
	if err != nil {
		e.t.Fatalf("ListSignOffs(%d) failed: %v", proposalID, err)
	}
	out := make(map[string]bool, len(rows))
	for _, so := range rows {
		out[so.Login] = so.Checked
	}
	return out
}

// OpenConcerns returns the names of unresolved concerns, sorted
func (e *Env) OpenConcerns(proposalID int64) []string {
	e.t.Helper()
	rows, err := e.Store.ListConcerns(e.Ctx, proposalID)
	if err != nil {
		e.t.Fatalf("ListConcerns(%d) failed: %v", proposalID, err)
	}
	var out []string
	for _, c := range rows {
		if !c.Resolved {
			out = append(out, c.Name)
		}
	}
	slices.Sort(out)
	return out
}

// PendingMarkers returns the unprocessed markers of a proposal
func (e *Env) PendingMarkers(proposalID int64) []*types.Marker {
	e.t.Helper()
	var out []*types.Marker
	err := e.Store.RunInTransaction(e.Ctx, func(tx storage.Transaction) error {
		var err error
		out, err = tx.PendingMarkers(e.Ctx, proposalID)
		return err
	})
	if err != nil {
		e.t.Fatalf("PendingMarkers(%d) failed: %v", proposalID, err)
	}
	return out
}

// Watermark returns the synced-at time of repo, or nil
func (e *Env) Watermark(repo string) *time.Time {
	e.t.Helper()
	wm, err := e.Store.GetWatermark(e.Ctx, repo)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		e.t.Fatalf("GetWatermark(%s) failed: %v", repo, err)
	}
	return wm.SyncedAt
}

// Pending returns undelivered notifications of repo in order
func (e *Env) Pending(repo string) []*types.Notification {
	e.t.Helper()
	out, err := e.Store.PendingNotifications(e.Ctx, repo, 0)
	if err != nil {
		e.t.Fatalf("PendingNotifications(%s) failed: %v", repo, err)
	}
	return out
}

// Snapshot is a comparable dump of everything ingestion writes for repo
type Snapshot struct {
	Proposals []types.Proposal
	SignOffs  map[int64]map[string]bool
	Concerns  map[int64][]types.Concern
	Markers   map[int64]int
}

// Snapshot captures the ingestion-visible state of repo
func (e *Env) Snapshot(repo string) Snapshot {
	e.t.Helper()
	props, err := e.Store.ListProposals(e.Ctx, storage.ProposalFilter{Repository: repo})
	if err != nil {
		e.t.Fatalf("ListProposals(%s) failed: %v", repo, err)
	}
	s := Snapshot{
		SignOffs: make(map[int64]map[string]bool),
		Concerns: make(map[int64][]types.Concern),
		Markers:  make(map[int64]int),
	}
	for _, p := range props {
		cp := *p
		// Bookkeeping times move on every write.
		cp.UpdatedAt = time.Time{}
		s.Proposals = append(s.Proposals, cp)
		s.SignOffs[p.ID] = e.SignOffs(p.ID)
		concerns, err := e.Store.ListConcerns(e.Ctx, p.ID)
		if err != nil {
			e.t.Fatalf("ListConcerns(%d) failed: %v", p.ID, err)
		}
		for _, c := range concerns {
			s.Concerns[p.ID] = append(s.Concerns[p.ID], *c)
		}
		slices.SortFunc(s.Concerns[p.ID], func(a, b types.Concern) int { return cmp.Compare(a.Name, b.Name) })
		s.Markers[p.ID] = len(e.PendingMarkers(p.ID))
	}
	return s
}

package sqlstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fcpbot/fcpbot/internal/storage"
	"github.com/fcpbot/fcpbot/internal/types"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "fcp.db"), WithTracing(false))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func inTx(t *testing.T, s storage.Storage, fn func(tx storage.Transaction) error) {
	t.Helper()
	require.NoError(t, s.RunInTransaction(context.Background(), fn))
}

func seedProposal(t *testing.T, s storage.Storage, repo string, number int) *types.Proposal {
	t.Helper()
	p := &types.Proposal{
		Repository:      repo,
		Number:          number,
		Title:           "RFC: widgets",
		Author:          "Alice",
		Labels:          []string{"T-avengers"},
		RemoteState:     types.RemoteOpen,
		RemoteUpdatedAt: t0,
	}
	inTx(t, s, func(tx storage.Transaction) error {
		_, _, err := tx.UpsertProposal(context.Background(), p)
		return err
	})
	return p
}

func TestUpsertProposalIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	p := seedProposal(t, s, "o/r", 7)
	require.NotZero(t, p.ID)
	assert.Equal(t, types.StatusOpen, p.Status)

	var created bool
	inTx(t, s, func(tx storage.Transaction) error {
		again := &types.Proposal{Repository: "o/r", Number: 7, Title: "RFC: widgets", RemoteState: types.RemoteOpen, RemoteUpdatedAt: t0}
		id, c, err := tx.UpsertProposal(ctx, again)
		created = c
		assert.Equal(t, p.ID, id)
		return err
	})
	assert.False(t, created)

	all, err := s.ListProposals(ctx, storage.ProposalFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "alice", all[0].Author)
	assert.Equal(t, []string{"T-avengers"}, all[0].Labels)
}

func TestUpsertProposalLastWriteWins(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedProposal(t, s, "o/r", 1)

	newer := &types.Proposal{Repository: "o/r", Number: 1, Title: "newer", RemoteState: types.RemoteClosed, RemoteUpdatedAt: t0.Add(time.Hour)}
	older := &types.Proposal{Repository: "o/r", Number: 1, Title: "older", RemoteState: types.RemoteOpen, RemoteUpdatedAt: t0.Add(time.Minute)}
	inTx(t, s, func(tx storage.Transaction) error {
		if _, _, err := tx.UpsertProposal(ctx, newer); err != nil {
			return err
		}
		_, _, err := tx.UpsertProposal(ctx, older)
		return err
	})

	got, err := s.GetProposal(ctx, "o/r", 1)
	require.NoError(t, err)
	assert.Equal(t, "newer", got.Title)
	assert.Equal(t, types.RemoteClosed, got.RemoteState)
	assert.True(t, got.RemoteUpdatedAt.Equal(t0.Add(time.Hour)))
}

func TestGetProposalNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetProposal(context.Background(), "o/r", 404)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTransitionProposalCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p := seedProposal(t, s, "o/r", 3)

	at := t0.Add(time.Hour)
	p.Status = types.StatusFcpProposed
	p.Disposition = types.DispositionMerge
	p.ProposedBy = "alice"
	p.FcpProposedAt = &at
	inTx(t, s, func(tx storage.Transaction) error {
		return tx.TransitionProposal(ctx, p, types.StatusOpen)
	})

	got, err := s.GetProposalByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFcpProposed, got.Status)
	assert.Equal(t, types.DispositionMerge, got.Disposition)
	require.NotNil(t, got.FcpProposedAt)
	assert.True(t, got.FcpProposedAt.Equal(at))

	// A second writer still believing the proposal is open loses.
	err = s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.TransitionProposal(ctx, p, types.StatusOpen)
	})
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestRemoteRefreshKeepsLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p := seedProposal(t, s, "o/r", 3)
	p.Status = types.StatusFcpActive
	inTx(t, s, func(tx storage.Transaction) error {
		return tx.TransitionProposal(ctx, p, types.StatusOpen)
	})

	inTx(t, s, func(tx storage.Transaction) error {
		refresh := &types.Proposal{Repository: "o/r", Number: 3, Title: "renamed", RemoteState: types.RemoteOpen, RemoteUpdatedAt: t0.Add(time.Hour)}
		_, _, err := tx.UpsertProposal(ctx, refresh)
		assert.Equal(t, types.StatusFcpActive, refresh.Status)
		return err
	})
	got, err := s.GetProposal(ctx, "o/r", 3)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Title)
	assert.Equal(t, types.StatusFcpActive, got.Status)
}

func TestRollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	boom := errors.New("boom")

	err := s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		p := &types.Proposal{Repository: "o/r", Number: 9, RemoteState: types.RemoteOpen, RemoteUpdatedAt: t0}
		if _, _, err := tx.UpsertProposal(ctx, p); err != nil {
			return err
		}
		if err := tx.AdvanceWatermark(ctx, "o/r", t0); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetProposal(ctx, "o/r", 9)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetWatermark(ctx, "o/r")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSignOffs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p := seedProposal(t, s, "o/r", 1)

	inTx(t, s, func(tx storage.Transaction) error {
		for _, login := range []string{"Bob", "alice"} {
			if err := tx.EnsureSignOff(ctx, p.ID, login, t0); err != nil {
				return err
			}
		}
		if err := tx.SetSignOff(ctx, p.ID, "bob", true, t0.Add(2*time.Hour)); err != nil {
			return err
		}
		// Stale replay must not uncheck.
		if err := tx.SetSignOff(ctx, p.ID, "bob", false, t0.Add(time.Hour)); err != nil {
			return err
		}
		// Ensure on an existing row keeps its state.
		return tx.EnsureSignOff(ctx, p.ID, "bob", t0.Add(3*time.Hour))
	})

	signOffs, err := s.ListSignOffs(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, signOffs, 2)
	assert.Equal(t, "alice", signOffs[0].Login)
	assert.False(t, signOffs[0].Checked)
	assert.Equal(t, "bob", signOffs[1].Login)
	assert.True(t, signOffs[1].Checked)

	inTx(t, s, func(tx storage.Transaction) error {
		return tx.ResetSignOffs(ctx, p.ID, t0.Add(4*time.Hour))
	})
	signOffs, err = s.ListSignOffs(ctx, p.ID)
	require.NoError(t, err)
	for _, so := range signOffs {
		assert.False(t, so.Checked, so.Login)
	}
}

func TestConcernLastWriteWins(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p := seedProposal(t, s, "o/r", 1)

	var resolved int
	inTx(t, s, func(tx storage.Transaction) error {
		if err := tx.RaiseConcern(ctx, p.ID, "Carol", "naming", t0); err != nil {
			return err
		}
		n, err := tx.ResolveConcern(ctx, p.ID, "naming", t0.Add(time.Hour))
		resolved = n
		if err != nil {
			return err
		}
		// Replaying the original raise must not reopen it.
		return tx.RaiseConcern(ctx, p.ID, "carol", "naming", t0)
	})
	assert.Equal(t, 1, resolved)

	concerns, err := s.ListConcerns(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, concerns, 1)
	assert.True(t, concerns[0].Resolved)
	assert.Equal(t, "carol", concerns[0].RaisedBy)

	// A later raise reopens.
	inTx(t, s, func(tx storage.Transaction) error {
		return tx.RaiseConcern(ctx, p.ID, "carol", "naming", t0.Add(2*time.Hour))
	})
	concerns, err = s.ListConcerns(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, concerns, 1)
	assert.False(t, concerns[0].Resolved)
	assert.Nil(t, concerns[0].ResolvedAt)

	// A resolve older than the raise does nothing.
	inTx(t, s, func(tx storage.Transaction) error {
		n, err := tx.ResolveConcern(ctx, p.ID, "naming", t0.Add(90*time.Minute))
		assert.Zero(t, n)
		return err
	})
}

func TestMarkers(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p := seedProposal(t, s, "o/r", 1)

	m := &types.Marker{ProposalID: p.ID, Repository: "o/r", CommentID: 100, Line: 2, Kind: types.MarkerPropose, Disposition: types.DispositionMerge, Author: "Alice", PostedAt: t0}
	inTx(t, s, func(tx storage.Transaction) error {
		added, err := tx.AddMarker(ctx, m)
		assert.True(t, added)
		if err != nil {
			return err
		}
		dup := *m
		dup.ID = 0
		added, err = tx.AddMarker(ctx, &dup)
		assert.False(t, added)
		if err != nil {
			return err
		}
		_, err = tx.AddMarker(ctx, &types.Marker{ProposalID: p.ID, Repository: "o/r", CommentID: 99, Line: 1, Kind: types.MarkerCancel, Author: "bob", PostedAt: t0.Add(-time.Minute)})
		return err
	})

	var pending []*types.Marker
	inTx(t, s, func(tx storage.Transaction) error {
		var err error
		pending, err = tx.PendingMarkers(ctx, p.ID)
		return err
	})
	require.Len(t, pending, 2)
	assert.Equal(t, types.MarkerCancel, pending[0].Kind)
	assert.Equal(t, "alice", pending[1].Author)

	inTx(t, s, func(tx storage.Transaction) error {
		if err := tx.MarkMarkersProcessed(ctx, []int64{pending[0].ID, pending[1].ID}); err != nil {
			return err
		}
		var err error
		pending, err = tx.PendingMarkers(ctx, p.ID)
		return err
	})
	assert.Empty(t, pending)
}

func TestWatermarkMonotonic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	inTx(t, s, func(tx storage.Transaction) error {
		return tx.AdvanceWatermark(ctx, "o/r", t0.Add(time.Hour))
	})
	inTx(t, s, func(tx storage.Transaction) error {
		return tx.AdvanceWatermark(ctx, "o/r", t0)
	})
	wm, err := s.GetWatermark(ctx, "o/r")
	require.NoError(t, err)
	require.NotNil(t, wm.SyncedAt)
	assert.True(t, wm.SyncedAt.Equal(t0.Add(time.Hour)))

	require.NoError(t, s.RecordSyncFailure(ctx, "o/r", t0.Add(2*time.Hour), "rate limited"))
	wm, err = s.GetWatermark(ctx, "o/r")
	require.NoError(t, err)
	assert.True(t, wm.SyncedAt.Equal(t0.Add(time.Hour)))
	assert.Equal(t, "rate limited", wm.LastError)

	// A failure on a never-synced repository leaves SyncedAt unset.
	require.NoError(t, s.RecordSyncFailure(ctx, "o/new", t0, "boom"))
	all, err := s.ListWatermarks(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "o/new", all[0].Repository)
	assert.Nil(t, all[0].SyncedAt)

	// Success clears the recorded error.
	inTx(t, s, func(tx storage.Transaction) error {
		return tx.AdvanceWatermark(ctx, "o/r", t0.Add(3*time.Hour))
	})
	wm, err = s.GetWatermark(ctx, "o/r")
	require.NoError(t, err)
	assert.Empty(t, wm.LastError)
}

func TestOutbox(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p := seedProposal(t, s, "o/r", 1)

	first := &types.Notification{ProposalID: p.ID, Repository: "o/r", Number: 1, Kind: types.NotifyProposed, Body: "proposed\n", AddLabels: []string{"proposed-final-comment-period"}}
	second := &types.Notification{ProposalID: p.ID, Repository: "o/r", Number: 1, Kind: types.NotifyEntered, Body: "entered\n"}
	inTx(t, s, func(tx storage.Transaction) error {
		if err := tx.EnqueueNotification(ctx, first); err != nil {
			return err
		}
		return tx.EnqueueNotification(ctx, second)
	})
	require.NotZero(t, first.ID)
	require.Greater(t, second.ID, first.ID)

	pending, err := s.PendingNotifications(ctx, "o/r", 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, types.NotifyProposed, pending[0].Kind)
	assert.Equal(t, []string{"proposed-final-comment-period"}, pending[0].AddLabels)

	require.NoError(t, s.MarkNotificationFailed(ctx, first.ID, "502"))
	require.NoError(t, s.MarkNotificationFailed(ctx, first.ID, "503"))
	pending, err = s.PendingNotifications(ctx, "", 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Attempts)
	assert.Equal(t, "503", pending[0].LastError)

	require.NoError(t, s.MarkNotificationDelivered(ctx, first.ID, t0))
	require.NoError(t, s.MarkNotificationDelivered(ctx, first.ID, t0.Add(time.Hour)))
	pending, err = s.PendingNotifications(ctx, "o/r", 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)
}

func TestIdentities(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	missing, err := s.MissingIdentities(ctx, []string{"Alice", "bob"})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, missing)

	n, err := s.EnsureIdentities(ctx, []string{"alice", "BOB", "alice"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	missing, err = s.MissingIdentities(ctx, []string{"alice", "carol"})
	require.NoError(t, err)
	assert.Equal(t, []string{"carol"}, missing)

	inTx(t, s, func(tx storage.Transaction) error {
		return tx.EnsureIdentity(ctx, "Bob", 42)
	})
	id, err := s.GetIdentity(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id.GitHubID)
}

func TestListProposalsFilter(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a := seedProposal(t, s, "o/a", 1)
	seedProposal(t, s, "o/b", 2)
	inTx(t, s, func(tx storage.Transaction) error {
		return tx.SetAttention(ctx, a.ID, true, "concern raised during FCP")
	})

	got, err := s.ListProposals(ctx, storage.ProposalFilter{Repository: "o/b"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Number)

	flagged := true
	got, err = s.ListProposals(ctx, storage.ProposalFilter{Attention: &flagged})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "concern raised during FCP", got[0].AttentionReason)

	got, err = s.ListProposals(ctx, storage.ProposalFilter{Statuses: []types.Status{types.StatusFcpActive}})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestListProposalsUnsettled(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	seedProposal(t, s, "o/r", 1) // open and idle
	proposed := seedProposal(t, s, "o/r", 2)
	pendingMarker := seedProposal(t, s, "o/r", 3)
	closedRemotely := seedProposal(t, s, "o/r", 4)
	merged := seedProposal(t, s, "o/r", 5)
	processedMarker := seedProposal(t, s, "o/r", 6)
	elsewhere := seedProposal(t, s, "o/other", 1)

	inTx(t, s, func(tx storage.Transaction) error {
		for _, p := range []*types.Proposal{proposed, elsewhere} {
			p.Status = types.StatusFcpProposed
			if err := tx.TransitionProposal(ctx, p, types.StatusOpen); err != nil {
				return err
			}
		}
		if _, err := tx.AddMarker(ctx, &types.Marker{ProposalID: pendingMarker.ID, Repository: "o/r", CommentID: 1, Line: 1, Kind: types.MarkerPropose, Disposition: types.DispositionMerge, Author: "alice", PostedAt: t0}); err != nil {
			return err
		}
		done := &types.Marker{ProposalID: processedMarker.ID, Repository: "o/r", CommentID: 2, Line: 1, Kind: types.MarkerCancel, Author: "alice", PostedAt: t0}
		if _, err := tx.AddMarker(ctx, done); err != nil {
			return err
		}
		if err := tx.MarkMarkersProcessed(ctx, []int64{done.ID}); err != nil {
			return err
		}
		for _, p := range []*types.Proposal{closedRemotely, merged} {
			p.RemoteState = types.RemoteClosed
			p.RemoteUpdatedAt = t0.Add(time.Hour)
			if _, _, err := tx.UpsertProposal(ctx, p); err != nil {
				return err
			}
		}
		merged.Status = types.StatusMerged
		return tx.TransitionProposal(ctx, merged, types.StatusOpen)
	})

	got, err := s.ListProposals(ctx, storage.ProposalFilter{Repository: "o/r", Unsettled: true})
	require.NoError(t, err)
	var numbers []int
	for _, p := range got {
		numbers = append(numbers, p.Number)
	}
	assert.Equal(t, []int{2, 3, 4}, numbers)
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Ping(context.Background()))
	assert.Equal(t, DialectSQLite, s.Dialect())
}

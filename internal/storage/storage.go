// Package storage defines the durable store the engine runs against.
//
// The concrete implementation lives in the sqlstore sub-package. Consumers
// depend on these interfaces so tests and alternative backends can be
// substituted.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/fcpbot/fcpbot/internal/types"
)

// ErrNotFound is returned when a requested entity does not exist in the database.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a compare-and-set write lost a race: the row
// was not in the expected state any more.
var ErrConflict = errors.New("conflict")

// ProposalFilter narrows ListProposals. Zero fields do not filter.
type ProposalFilter struct {
	Repository string
	Statuses   []types.Status
	IDs        []int64
	Attention  *bool // Only proposals whose attention flag matches
	Limit      int

	// Unsettled keeps proposals the state machine may act on without new
	// remote activity: those in FCP, those holding unprocessed markers, and
	// non-terminal ones already closed remotely.
	Unsettled bool
}

// Reader is the read side shared by Storage and Transaction
type Reader interface {
	GetProposal(ctx context.Context, repo string, number int) (*types.Proposal, error)
	GetProposalByID(ctx context.Context, id int64) (*types.Proposal, error)
	ListProposals(ctx context.Context, filter ProposalFilter) ([]*types.Proposal, error)
	ListSignOffs(ctx context.Context, proposalID int64) ([]*types.SignOff, error)
	ListConcerns(ctx context.Context, proposalID int64) ([]*types.Concern, error)
	GetWatermark(ctx context.Context, repo string) (*types.Watermark, error)
}

// Storage is the interface satisfied by *sqlstore.Store.
type Storage interface {
	Reader

	// Identities (roster validation)
	MissingIdentities(ctx context.Context, logins []string) ([]string, error)
	EnsureIdentities(ctx context.Context, logins []string) (int, error)
	GetIdentity(ctx context.Context, login string) (*types.Identity, error)

	// Sync bookkeeping
	ListWatermarks(ctx context.Context) ([]*types.Watermark, error)
	RecordSyncFailure(ctx context.Context, repo string, at time.Time, cause string) error

	// Outbox
	PendingNotifications(ctx context.Context, repo string, limit int) ([]*types.Notification, error)
	// ClaimNotification leases an undelivered row to one deliverer. It
	// fails when another deliverer claimed the row less than lease ago.
	ClaimNotification(ctx context.Context, id int64, at time.Time, lease time.Duration) (bool, error)
	MarkNotificationDelivered(ctx context.Context, id int64, at time.Time) error
	MarkNotificationFailed(ctx context.Context, id int64, cause string) error

	// Transactions
	RunInTransaction(ctx context.Context, fn func(tx Transaction) error) error

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}

// Transaction provides atomic multi-operation support within a single database transaction.
//
// Every write is idempotent so a sweep can be replayed after a crash or a
// lost race without duplicating rows:
//
//   - Insert operations do nothing when the key already exists
//   - Update operations are last-write-wins on the remote event time
//   - Status changes are compare-and-set on the previous status
//
// Example:
//
//	err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
//	    id, _, err := tx.UpsertProposal(ctx, snapshot)
//	    if err != nil {
//	        return err // Triggers rollback
//	    }
//	    return tx.AdvanceWatermark(ctx, repo, sweepStart)
//	})
//
// The callback may run more than once when the store retries a transient
// failure, so it must not have side effects outside the transaction.
type Transaction interface {
	Reader

	// EnsureIdentity inserts login if absent and records githubID when it was unknown.
	EnsureIdentity(ctx context.Context, login string, githubID int64) error

	// UpsertProposal inserts p with status open, or refreshes its remote
	// fields when p.RemoteUpdatedAt is newer than the stored value. p.ID is
	// set; created reports whether a row was inserted.
	UpsertProposal(ctx context.Context, p *types.Proposal) (id int64, created bool, err error)

	// TransitionProposal writes p's lifecycle fields when the stored status
	// still equals from. Returns ErrConflict otherwise.
	TransitionProposal(ctx context.Context, p *types.Proposal, from types.Status) error

	// SetAttention sets or clears the human-action flag
	SetAttention(ctx context.Context, id int64, needs bool, reason string) error

	// Sign-offs
	EnsureSignOff(ctx context.Context, proposalID int64, login string, at time.Time) error
	SetSignOff(ctx context.Context, proposalID int64, login string, checked bool, at time.Time) error
	ResetSignOffs(ctx context.Context, proposalID int64, at time.Time) error

	// Concerns; both are last-write-wins on at
	RaiseConcern(ctx context.Context, proposalID int64, raisedBy, name string, at time.Time) error
	ResolveConcern(ctx context.Context, proposalID int64, name string, at time.Time) (int, error)

	// Markers
	AddMarker(ctx context.Context, m *types.Marker) (bool, error)
	PendingMarkers(ctx context.Context, proposalID int64) ([]*types.Marker, error)
	MarkMarkersProcessed(ctx context.Context, ids []int64) error

	// Outbox
	EnqueueNotification(ctx context.Context, n *types.Notification) error

	// AdvanceWatermark moves the repository watermark to `to`. It never
	// moves it backwards.
	AdvanceWatermark(ctx context.Context, repo string, to time.Time) error
}

package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fcpbot/fcpbot/internal/fault"
	"github.com/fcpbot/fcpbot/internal/storage"
	"github.com/fcpbot/fcpbot/internal/types"
)

// Notifier is the outbound side of the remote tracker. *github.Client
// implements it.
type Notifier interface {
	PostComment(ctx context.Context, repo string, number int, body string) error
	SetLabels(ctx context.Context, repo string, number int, labels []string) error
}

// Delivery defaults
const (
	DefaultMaxRetries      = 2
	DefaultInitialInterval = 500 * time.Millisecond
	DefaultBatchSize       = 100
	DefaultClaimLease      = 10 * time.Minute
)

// DeliveryResult counts what one Deliver call did
type DeliveryResult struct {
	Delivered int
	Failed    int
	Deferred  int // Held back behind an earlier failure or another deliverer's claim
}

// Deliverer sends pending outbox entries. Each entry is claimed in the
// store before it is sent, so deliverers in separate processes never post
// the same entry twice. A failed entry stays pending and is retried on the
// next call; later entries of the same proposal wait behind it so comments
// are never posted out of order.
type Deliverer struct {
	notifier Notifier
	store    storage.Storage
	logger   *slog.Logger

	MaxRetries      uint64
	InitialInterval time.Duration
	BatchSize       int
	ClaimLease      time.Duration // A claim older than this is presumed abandoned
	Now             func() time.Time
}

// NewDeliverer creates a deliverer with default retry bounds
func NewDeliverer(n Notifier, store storage.Storage, logger *slog.Logger) *Deliverer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Deliverer{
		notifier:        n,
		store:           store,
		logger:          logger.With("component", "notify"),
		MaxRetries:      DefaultMaxRetries,
		InitialInterval: DefaultInitialInterval,
		BatchSize:       DefaultBatchSize,
		ClaimLease:      DefaultClaimLease,
		Now:             time.Now,
	}
}

// Deliver sends the pending notifications of repo in enqueue order.
// Delivery failures are logged and counted; only store failures are
// returned.
func (d *Deliverer) Deliver(ctx context.Context, repo string) (*DeliveryResult, error) {
	pending, err := d.store.PendingNotifications(ctx, repo, d.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list pending notifications of %s: %w", repo, err)
	}

	res := &DeliveryResult{}
	blocked := make(map[int64]bool)
	labels := make(map[int64][]string) // Labels as last set during this call
	for _, n := range pending {
		if blocked[n.ProposalID] {
			res.Deferred++
			continue
		}
		logger := d.logger.With("repository", n.Repository, "number", n.Number, "kind", n.Kind, "notification", n.ID)

		claimed, err := d.store.ClaimNotification(ctx, n.ID, d.Now(), d.ClaimLease)
		if err != nil {
			return res, fmt.Errorf("claim notification %d: %w", n.ID, err)
		}
		if !claimed {
			// Delivered or in flight elsewhere; later entries must wait for it
			blocked[n.ProposalID] = true
			res.Deferred++
			logger.Debug("notification claimed by another deliverer")
			continue
		}

		if err := d.send(ctx, n, labels); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			blocked[n.ProposalID] = true
			res.Failed++
			err = fault.Notification("deliver notification", err)
			logger.Warn("notification delivery failed", "attempts", n.Attempts+1, "error", err)
			if markErr := d.store.MarkNotificationFailed(ctx, n.ID, err.Error()); markErr != nil {
				return res, fmt.Errorf("record failed notification %d: %w", n.ID, markErr)
			}
			continue
		}
		if err := d.store.MarkNotificationDelivered(ctx, n.ID, d.Now()); err != nil {
			return res, fmt.Errorf("record delivered notification %d: %w", n.ID, err)
		}
		res.Delivered++
		logger.Debug("notification delivered")
	}
	if res.Delivered > 0 || res.Failed > 0 {
		d.logger.Info("outbox delivered", "repository", repo,
			"delivered", res.Delivered, "failed", res.Failed, "deferred", res.Deferred)
	}
	return res, nil
}

// send sets labels before commenting: a label update is idempotent, so a
// retry after a failed comment cannot double-post.
func (d *Deliverer) send(ctx context.Context, n *types.Notification, labels map[int64][]string) error {
	if n.IsEmpty() {
		return nil
	}
	if len(n.AddLabels) > 0 || len(n.RemoveLabels) > 0 {
		current, ok := labels[n.ProposalID]
		if !ok {
			p, err := d.store.GetProposalByID(ctx, n.ProposalID)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("load labels: %w", err)
			}
			if p != nil {
				current = p.Labels
			}
		}
		next := ApplyLabels(current, n.AddLabels, n.RemoveLabels)
		err := d.retry(ctx, func() error {
			return d.notifier.SetLabels(ctx, n.Repository, n.Number, next)
		})
		if err != nil {
			return fmt.Errorf("set labels: %w", err)
		}
		labels[n.ProposalID] = next
	}
	if n.Body != "" {
		err := d.retry(ctx, func() error {
			return d.notifier.PostComment(ctx, n.Repository, n.Number, n.Body)
		})
		if err != nil {
			return fmt.Errorf("post comment: %w", err)
		}
	}
	return nil
}

func (d *Deliverer) retry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.InitialInterval
	bo.MaxElapsedTime = 0
	return backoff.Retry(func() error {
		err := op()
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, d.MaxRetries), ctx))
}

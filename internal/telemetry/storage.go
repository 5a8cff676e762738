package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/fcpbot/fcpbot/internal/storage"
	"github.com/fcpbot/fcpbot/internal/types"
)

const storageScopeName = "github.com/fcpbot/fcpbot/storage"

// InstrumentedStorage wraps storage.Storage with OTel tracing and metrics.
// Every method gets a span and is counted in fcpbot.storage.* metrics.
// Use WrapStorage to create one; it returns the original store unchanged when
// telemetry is disabled.
type InstrumentedStorage struct {
	inner  storage.Storage
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
}

// WrapStorage returns s decorated with OTel instrumentation reporting to
// the global providers.
func WrapStorage(s storage.Storage) storage.Storage {
	return newInstrumentedStorage(s, Tracer(storageScopeName), Meter(storageScopeName))
}

func newInstrumentedStorage(s storage.Storage, tracer trace.Tracer, m metric.Meter) *InstrumentedStorage {
	ops, _ := m.Int64Counter("fcpbot.storage.operations",
		metric.WithDescription("Total storage operations executed"),
	)
	dur, _ := m.Float64Histogram("fcpbot.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("fcpbot.storage.errors",
		metric.WithDescription("Total storage operation errors"),
	)
	return &InstrumentedStorage{inner: s, tracer: tracer, ops: ops, dur: dur, errs: errs}
}

// op starts a span and records a metric for the named storage operation.
func (s *InstrumentedStorage) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "storage."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

// done ends the span, records duration and optional error.
func (s *InstrumentedStorage) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

func repoAttr(repo string) attribute.KeyValue {
	return attribute.String("fcpbot.repository", repo)
}

// ── Reads ───────────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) GetProposal(ctx context.Context, repo string, number int) (*types.Proposal, error) {
	attrs := []attribute.KeyValue{repoAttr(repo), attribute.Int("fcpbot.proposal.number", number)}
	ctx, span, t := s.op(ctx, "GetProposal", attrs...)
	p, err := s.inner.GetProposal(ctx, repo, number)
	s.done(ctx, span, t, err, attrs...)
	return p, err
}

func (s *InstrumentedStorage) GetProposalByID(ctx context.Context, id int64) (*types.Proposal, error) {
	ctx, span, t := s.op(ctx, "GetProposalByID", attribute.Int64("fcpbot.proposal.id", id))
	p, err := s.inner.GetProposalByID(ctx, id)
	s.done(ctx, span, t, err)
	return p, err
}

func (s *InstrumentedStorage) ListProposals(ctx context.Context, filter storage.ProposalFilter) ([]*types.Proposal, error) {
	ctx, span, t := s.op(ctx, "ListProposals", repoAttr(filter.Repository))
	ps, err := s.inner.ListProposals(ctx, filter)
	if err == nil {
		span.SetAttributes(attribute.Int("fcpbot.result.count", len(ps)))
	}
	s.done(ctx, span, t, err)
	return ps, err
}

func (s *InstrumentedStorage) ListSignOffs(ctx context.Context, proposalID int64) ([]*types.SignOff, error) {
	ctx, span, t := s.op(ctx, "ListSignOffs", attribute.Int64("fcpbot.proposal.id", proposalID))
	out, err := s.inner.ListSignOffs(ctx, proposalID)
	s.done(ctx, span, t, err)
	return out, err
}

func (s *InstrumentedStorage) ListConcerns(ctx context.Context, proposalID int64) ([]*types.Concern, error) {
	ctx, span, t := s.op(ctx, "ListConcerns", attribute.Int64("fcpbot.proposal.id", proposalID))
	out, err := s.inner.ListConcerns(ctx, proposalID)
	s.done(ctx, span, t, err)
	return out, err
}

func (s *InstrumentedStorage) GetWatermark(ctx context.Context, repo string) (*types.Watermark, error) {
	ctx, span, t := s.op(ctx, "GetWatermark", repoAttr(repo))
	wm, err := s.inner.GetWatermark(ctx, repo)
	s.done(ctx, span, t, err, repoAttr(repo))
	return wm, err
}

// ── Identities ──────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) MissingIdentities(ctx context.Context, logins []string) ([]string, error) {
	ctx, span, t := s.op(ctx, "MissingIdentities", attribute.Int("fcpbot.login.count", len(logins)))
	out, err := s.inner.MissingIdentities(ctx, logins)
	s.done(ctx, span, t, err)
	return out, err
}

func (s *InstrumentedStorage) EnsureIdentities(ctx context.Context, logins []string) (int, error) {
	ctx, span, t := s.op(ctx, "EnsureIdentities", attribute.Int("fcpbot.login.count", len(logins)))
	n, err := s.inner.EnsureIdentities(ctx, logins)
	s.done(ctx, span, t, err)
	return n, err
}

func (s *InstrumentedStorage) GetIdentity(ctx context.Context, login string) (*types.Identity, error) {
	ctx, span, t := s.op(ctx, "GetIdentity")
	id, err := s.inner.GetIdentity(ctx, login)
	s.done(ctx, span, t, err)
	return id, err
}

// ── Sync bookkeeping ────────────────────────────────────────────────────────

func (s *InstrumentedStorage) ListWatermarks(ctx context.Context) ([]*types.Watermark, error) {
	ctx, span, t := s.op(ctx, "ListWatermarks")
	out, err := s.inner.ListWatermarks(ctx)
	s.done(ctx, span, t, err)
	return out, err
}

func (s *InstrumentedStorage) RecordSyncFailure(ctx context.Context, repo string, at time.Time, cause string) error {
	ctx, span, t := s.op(ctx, "RecordSyncFailure", repoAttr(repo))
	err := s.inner.RecordSyncFailure(ctx, repo, at, cause)
	s.done(ctx, span, t, err, repoAttr(repo))
	return err
}

// ── Outbox ──────────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) PendingNotifications(ctx context.Context, repo string, limit int) ([]*types.Notification, error) {
	ctx, span, t := s.op(ctx, "PendingNotifications", repoAttr(repo))
	out, err := s.inner.PendingNotifications(ctx, repo, limit)
	s.done(ctx, span, t, err, repoAttr(repo))
	return out, err
}

func (s *InstrumentedStorage) ClaimNotification(ctx context.Context, id int64, at time.Time, lease time.Duration) (bool, error) {
	ctx, span, t := s.op(ctx, "ClaimNotification")
	ok, err := s.inner.ClaimNotification(ctx, id, at, lease)
	span.SetAttributes(attribute.Bool("fcpbot.claimed", ok))
	s.done(ctx, span, t, err)
	return ok, err
}

func (s *InstrumentedStorage) MarkNotificationDelivered(ctx context.Context, id int64, at time.Time) error {
	ctx, span, t := s.op(ctx, "MarkNotificationDelivered")
	err := s.inner.MarkNotificationDelivered(ctx, id, at)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) MarkNotificationFailed(ctx context.Context, id int64, cause string) error {
	ctx, span, t := s.op(ctx, "MarkNotificationFailed")
	err := s.inner.MarkNotificationFailed(ctx, id, cause)
	s.done(ctx, span, t, err)
	return err
}

// ── Transactions ────────────────────────────────────────────────────────────

// RunInTransaction wraps the whole transaction in one span; operations on
// the transaction itself are traced by the store's query instrumentation.
func (s *InstrumentedStorage) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	ctx, span, t := s.op(ctx, "RunInTransaction")
	err := s.inner.RunInTransaction(ctx, fn)
	s.done(ctx, span, t, err)
	return err
}

// ── Lifecycle ───────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) Ping(ctx context.Context) error {
	ctx, span, t := s.op(ctx, "Ping")
	err := s.inner.Ping(ctx)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) Close() error {
	return s.inner.Close()
}

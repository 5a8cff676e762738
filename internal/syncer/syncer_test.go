package syncer_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fcpbot/fcpbot/internal/fault"
	"github.com/fcpbot/fcpbot/internal/fcp"
	"github.com/fcpbot/fcpbot/internal/ingest"
	"github.com/fcpbot/fcpbot/internal/metrics"
	"github.com/fcpbot/fcpbot/internal/notify"
	"github.com/fcpbot/fcpbot/internal/roster"
	"github.com/fcpbot/fcpbot/internal/storage"
	"github.com/fcpbot/fcpbot/internal/syncer"
	"github.com/fcpbot/fcpbot/internal/testutil/teststore"
	"github.com/fcpbot/fcpbot/internal/types"
)

const (
	repoX = "o/x"
	repoY = "o/y"
)

var t0 = teststore.Epoch

func twoRepoRoster(t *testing.T) *roster.Roster {
	t.Helper()
	r, err := roster.New([]types.Team{
		{Label: "T-lang", Name: "Language Team", Members: []string{"alice", "bob"}},
	}, map[string]roster.Behavior{
		repoX: {Close: true, Postpone: true},
		repoY: {Close: true, Postpone: true},
	})
	require.NoError(t, err)
	return r
}

type fixture struct {
	env     *teststore.Env
	coord   *syncer.Coordinator
	now     time.Time
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, store storage.Storage) *fixture {
	t.Helper()
	env := teststore.NewEnv(t, twoRepoRoster(t))
	if store == nil {
		store = env.Store
	}
	f := &fixture{env: env, now: t0.Add(time.Hour), metrics: metrics.New(prometheus.NewRegistry())}
	clock := func() time.Time { return f.now }

	pipe := ingest.NewPipeline(env.Source, store, env.Roster, "fcpbot", nil)
	pipe.Now = clock
	machine := fcp.NewMachine(store, env.Roster, "fcpbot", 0, nil)
	machine.Now = clock
	deliverer := notify.NewDeliverer(env.Notifier, store, nil)
	deliverer.InitialInterval = time.Millisecond
	f.coord = syncer.New(store, env.Roster, pipe, machine, deliverer, syncer.Options{
		InitialLookback: 24 * time.Hour,
		Metrics:         f.metrics,
	})
	f.coord.Now = clock
	return f
}

func proposeOn(f *fixture, repo string) {
	f.env.Source.Add(repo,
		teststore.Issue(1, t0, "T-lang"),
		teststore.Comment(10, 1, "alice", "@fcpbot fcp merge", t0.Add(time.Minute)),
	)
}

func TestCycleIsolatesRepositories(t *testing.T) {
	f := newFixture(t, nil)
	proposeOn(f, repoX)
	proposeOn(f, repoY)
	f.env.Source.FailPage(repoX, 1, errors.New("connection refused"))

	report, err := f.coord.Cycle(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Sweeps, 1)
	assert.Equal(t, repoY, report.Sweeps[0].Repository)
	require.Contains(t, report.Failures, repoX)
	assert.ErrorContains(t, report.Failures[repoX], "connection refused")

	// Y advanced and was evaluated
	wm := f.env.Watermark(repoY)
	require.NotNil(t, wm)
	assert.True(t, wm.Equal(f.now))
	assert.Equal(t, types.StatusFcpProposed, f.env.Proposal(repoY, 1).Status)
	assert.Len(t, f.env.Notifier.Comments(repoY, 1), 1)

	// X kept no watermark and recorded the failure
	assert.Nil(t, f.env.Watermark(repoX))
	assert.False(t, f.env.HasProposal(repoX, 1))
	wms, err := f.env.Store.ListWatermarks(f.env.Ctx)
	require.NoError(t, err)
	var x *types.Watermark
	for _, w := range wms {
		if w.Repository == repoX {
			x = w
		}
	}
	require.NotNil(t, x)
	assert.Contains(t, x.LastError, "connection refused")

	// The next cycle catches X up
	f.env.Source.FailPage(repoX, 0, nil)
	f.now = f.now.Add(time.Hour)
	report, err = f.coord.Cycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Failures)
	assert.Equal(t, types.StatusFcpProposed, f.env.Proposal(repoX, 1).Status)
}

func TestSweepReport(t *testing.T) {
	f := newFixture(t, nil)
	proposeOn(f, repoX)

	report, err := f.coord.SweepRepository(context.Background(), repoX)
	require.NoError(t, err)
	assert.NotEmpty(t, report.ID)
	assert.False(t, report.Shared)
	assert.True(t, report.Since.Equal(f.now.Add(-24*time.Hour)), "first sweep starts at the lookback window")
	assert.Equal(t, 1, report.Ingest.Issues)
	require.Len(t, report.Evaluation.Transitions, 1)
	assert.Equal(t, 1, report.Delivery.Delivered)

	f.now = f.now.Add(time.Hour)
	report, err = f.coord.SweepRepository(context.Background(), repoX)
	require.NoError(t, err)
	assert.True(t, report.Since.Equal(t0.Add(time.Hour)), "later sweeps start at the watermark")
	assert.Empty(t, report.Evaluation.Transitions)
}

func TestInitialLookbackSkipsOldActivity(t *testing.T) {
	f := newFixture(t, nil)
	f.env.Source.Add(repoX, teststore.Issue(1, t0.Add(-48*time.Hour), "T-lang"))
	_, err := f.coord.SweepRepository(context.Background(), repoX)
	require.NoError(t, err)
	assert.False(t, f.env.HasProposal(repoX, 1))
}

func TestBackfillKeepsWatermarkMonotonic(t *testing.T) {
	f := newFixture(t, nil)
	f.env.Source.Add(repoX, teststore.Issue(1, t0.Add(-48*time.Hour), "T-lang"))
	_, err := f.coord.SweepRepository(context.Background(), repoX)
	require.NoError(t, err)
	first := *f.env.Watermark(repoX)

	report, err := f.coord.Backfill(context.Background(), repoX, t0.Add(-72*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Ingest.Issues)
	assert.True(t, f.env.HasProposal(repoX, 1))
	assert.True(t, f.env.Watermark(repoX).Equal(first))

	_, err = f.coord.Backfill(context.Background(), repoX, time.Time{})
	assert.Error(t, err)
}

func TestSweepUnknownRepository(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.coord.SweepRepository(context.Background(), "o/elsewhere")
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindConfig))
}

type downStore struct {
	storage.Storage
}

func (downStore) Ping(context.Context) error { return errors.New("dial tcp: connection refused") }

func TestCycleFailsWhenStoreUnreachable(t *testing.T) {
	env := teststore.NewEnv(t, twoRepoRoster(t))
	f := newFixture(t, downStore{env.Store})
	_, err := f.coord.Cycle(context.Background())
	require.Error(t, err)
	assert.True(t, fault.IsFatal(err))
}

func TestTriggerSweepAndClose(t *testing.T) {
	f := newFixture(t, nil)
	proposeOn(f, repoY)

	assert.True(t, f.coord.TriggerSweep(repoY))
	f.coord.Close()
	assert.Equal(t, types.StatusFcpProposed, f.env.Proposal(repoY, 1).Status)
	assert.False(t, f.coord.TriggerSweep(repoY), "closed coordinators refuse triggers")
}

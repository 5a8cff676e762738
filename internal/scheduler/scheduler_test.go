package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/fcpbot/fcpbot/internal/fault"
	"github.com/fcpbot/fcpbot/internal/fcp"
	"github.com/fcpbot/fcpbot/internal/ingest"
	"github.com/fcpbot/fcpbot/internal/syncer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeCycler returns scripted results and signals each call
type fakeCycler struct {
	calls   atomic.Int32
	results []error
	called  chan struct{}
}

func newFakeCycler(results ...error) *fakeCycler {
	return &fakeCycler{results: results, called: make(chan struct{}, 16)}
}

func (f *fakeCycler) Cycle(ctx context.Context) (*syncer.CycleReport, error) {
	n := int(f.calls.Add(1)) - 1
	defer func() {
		select {
		case f.called <- struct{}{}:
		default:
		}
	}()
	if n < len(f.results) && f.results[n] != nil {
		return &syncer.CycleReport{Failures: map[string]error{}}, f.results[n]
	}
	return &syncer.CycleReport{
		Sweeps: []*syncer.SweepReport{{
			Repository: "o/r",
			Ingest:     &ingest.Result{},
			Evaluation: &fcp.Result{},
		}},
		Failures: map[string]error{"o/down": errors.New("503")},
	}, nil
}

func waitCalls(t *testing.T, f *fakeCycler, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.called:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for cycle %d", i+1)
		}
	}
}

func TestRunRepeatsUntilCancelled(t *testing.T) {
	cycler := newFakeCycler(nil, errors.New("transient hiccup"))
	s := New(cycler, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitCalls(t, cycler, 3)
	cancel()
	require.NoError(t, <-done)
	assert.GreaterOrEqual(t, int(cycler.calls.Load()), 3)
}

func TestRunReturnsFatalError(t *testing.T) {
	storeDown := fault.Internal("cycle", errors.New("store unreachable"))
	cycler := newFakeCycler(nil, storeDown)
	s := New(cycler, time.Millisecond, nil)

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, storeDown)
	assert.Equal(t, int32(2), cycler.calls.Load())
}

func TestRunSleepsBeforeFirstCycle(t *testing.T) {
	cycler := newFakeCycler()
	s := New(cycler, time.Hour, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))
	assert.Zero(t, cycler.calls.Load())
}

func TestRunImmediate(t *testing.T) {
	cycler := newFakeCycler()
	s := New(cycler, time.Hour, nil)
	s.Immediate = true

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	waitCalls(t, cycler, 1)
	cancel()
	require.NoError(t, <-done)
}

func TestRunRejectsBadInterval(t *testing.T) {
	err := New(newFakeCycler(), 0, nil).Run(context.Background())
	assert.True(t, fault.IsKind(err, fault.KindConfig))
}

func TestRunOnce(t *testing.T) {
	cycler := newFakeCycler()
	require.NoError(t, New(cycler, time.Minute, nil).RunOnce(context.Background()))
	assert.Equal(t, int32(1), cycler.calls.Load())
}

package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/orderhub/internal/domain"
)

var _ domain.IdempotencyJanitor = (*fakeJanitor)(nil)

func TestSweeper_SweepDrainsInBatches(t *testing.T) {
	t.Parallel()

	janitor := &fakeJanitor{batches: []int{2, 2, 1}}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	report, err := NewSweeper(janitor, WithSweepBatchSize(2)).Sweep(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, SweepReport{Cutoff: now, Deleted: 5, Batches: 3}, report)
	require.Equal(t, []int{2, 2, 2}, janitor.limits())
	require.Equal(t, now, janitor.lastBefore())
}

func TestSweeper_SweepStopsOnEmptyBatch(t *testing.T) {
	t.Parallel()

	janitor := &fakeJanitor{batches: []int{3, 0}}

	report, err := NewSweeper(janitor, WithSweepBatchSize(3)).Sweep(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Equal(t, 3, report.Deleted)
	require.Equal(t, 2, report.Batches)
	require.False(t, report.Cutoff.IsZero())
}

func TestSweeper_SweepKeepsPartialResultOnError(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	janitor := &fakeJanitor{batches: []int{10}, failAt: 2, err: boom}

	report, err := NewSweeper(janitor, WithSweepBatchSize(10)).Sweep(context.Background(), time.Now())
	require.ErrorIs(t, err, boom)
	require.Equal(t, 10, report.Deleted)
	require.Equal(t, 1, report.Batches)
}

func TestSweeper_SweepHonoursCancelledContext(t *testing.T) {
	t.Parallel()

	janitor := &fakeJanitor{batches: []int{10, 10}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := NewSweeper(janitor).Sweep(ctx, time.Now())
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, report.Deleted)
	require.Empty(t, janitor.limits())
}

func TestSweeper_RunSweepsImmediatelyAndStops(t *testing.T) {
	t.Parallel()

	janitor := &fakeJanitor{}
	sweeper := NewSweeper(janitor, WithSweepInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sweeper.Run(ctx)
	}()

	require.Eventually(t, func() bool { return len(janitor.limits()) >= 2 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on context cancel")
	}
}

func TestSweeper_RunWithoutStorageReturns(t *testing.T) {
	t.Parallel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		NewSweeper(nil).Run(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper without storage must return immediately")
	}
}

// fakeJanitor отдаёт заранее заданные размеры порций.
type fakeJanitor struct {
	mu sync.Mutex

	batches []int
	failAt  int
	err     error

	calls  []int
	before time.Time
}

func (f *fakeJanitor) DeleteExpired(_ context.Context, before time.Time, limit int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, limit)
	f.before = before
	if f.failAt > 0 && len(f.calls) == f.failAt {
		return 0, f.err
	}
	if len(f.batches) == 0 {
		return 0, nil
	}
	n := f.batches[0]
	f.batches = f.batches[1:]
	return n, nil
}

func (f *fakeJanitor) limits() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.calls...)
}

func (f *fakeJanitor) lastBefore() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.before
}

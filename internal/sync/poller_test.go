package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dgnsrekt/fieldsync/internal/data"
	"github.com/dgnsrekt/fieldsync/internal/source"
)

func newTestPoller(src *fakeSource, store *data.Store, updates chan Update, n *fakeNotifier) *Poller {
	cfg := PollerConfig{
		Name:             "test",
		Interval:         time.Hour,
		Timeout:          time.Second,
		FailureThreshold: 2,
	}
	if n == nil {
		return NewPoller(src, store, nil, updates, nil, cfg, zap.NewNop())
	}
	return NewPoller(src, store, nil, updates, n, cfg, zap.NewNop())
}

func TestPoller_FirstCycleLoadsEverything(t *testing.T) {
	src := &fakeSource{}
	src.set(snapshotAt(t0, rowA, rowB, rowC), nil)
	store := data.NewStore()
	updates := make(chan Update, 4)
	p := newTestPoller(src, store, updates, nil)

	cs, err := p.Poll(context.Background())
	require.NoError(t, err)

	assert.Len(t, cs.AddedOrModified, 3)
	assert.Empty(t, cs.RemovedIndices)
	assert.Equal(t, 3, store.Len())
	assert.Equal(t, t0, store.Updated())

	require.Len(t, updates, 1)
	u := <-updates
	assert.Equal(t, 3, u.Snapshot.Len())
	assert.Len(t, u.Changes.AddedOrModified, 3)
}

func TestPoller_FirstCycleWithZeroTimestamp(t *testing.T) {
	src := &fakeSource{}
	src.set(snapshotAt(time.Time{}, rowA), nil)
	store := data.NewStore()
	p := newTestPoller(src, store, nil, nil)

	cs, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Len(t, cs.AddedOrModified, 1)
	assert.Equal(t, 1, store.Len())
}

func TestPoller_SameTimestampSkipsDiff(t *testing.T) {
	src := &fakeSource{}
	src.set(snapshotAt(t0, rowA, rowB), nil)
	store := data.NewStore()
	updates := make(chan Update, 4)
	p := newTestPoller(src, store, updates, nil)

	_, err := p.Poll(context.Background())
	require.NoError(t, err)
	<-updates

	// Content changed but the source reports the same modification time.
	src.set(snapshotAt(t0, rowA, rowX), nil)
	cs, err := p.Poll(context.Background())
	require.NoError(t, err)

	assert.True(t, cs.IsEmpty())
	assert.Empty(t, updates)
	assert.True(t, store.Current().Rows[1].Equal(rowB))
}

func TestPoller_NewerTimestampDiffs(t *testing.T) {
	src := &fakeSource{}
	src.set(snapshotAt(t0, rowA, rowB, rowC), nil)
	store := data.NewStore()
	updates := make(chan Update, 4)
	p := newTestPoller(src, store, updates, nil)

	_, err := p.Poll(context.Background())
	require.NoError(t, err)
	<-updates

	src.set(snapshotAt(t0.Add(time.Minute), rowA, rowX), nil)
	cs, err := p.Poll(context.Background())
	require.NoError(t, err)

	require.Len(t, cs.AddedOrModified, 1)
	assert.True(t, cs.AddedOrModified[1].Equal(rowX))
	assert.Equal(t, []int{-1}, cs.RemovedIndices)
	assert.Equal(t, 2, store.Len())

	u := <-updates
	assert.Equal(t, cs, u.Changes)
}

func TestPoller_NewerTimestampIdenticalContent(t *testing.T) {
	src := &fakeSource{}
	src.set(snapshotAt(t0, rowA, rowB), nil)
	store := data.NewStore()
	updates := make(chan Update, 4)
	p := newTestPoller(src, store, updates, nil)

	_, err := p.Poll(context.Background())
	require.NoError(t, err)
	<-updates

	later := t0.Add(time.Minute)
	src.set(snapshotAt(later, rowA, rowB), nil)
	cs, err := p.Poll(context.Background())
	require.NoError(t, err)

	assert.True(t, cs.IsEmpty())
	assert.Equal(t, later, store.Updated())
	require.Len(t, updates, 1)
	assert.True(t, (<-updates).Changes.IsEmpty())
}

func TestPoller_UnavailableKeepsStore(t *testing.T) {
	src := &fakeSource{}
	src.set(snapshotAt(t0, rowA, rowB), nil)
	store := data.NewStore()
	p := newTestPoller(src, store, nil, nil)

	_, err := p.Poll(context.Background())
	require.NoError(t, err)
	before := store.Current()

	src.set(nil, fmt.Errorf("%w: connection refused", source.ErrUnavailable))
	cs, err := p.Poll(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, source.ErrUnavailable)
	assert.True(t, cs.IsEmpty())
	assert.Same(t, before, store.Current())

	st := p.Status()
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.Contains(t, st.LastError, "connection refused")
	assert.Equal(t, uint64(2), st.Cycles)
}

func TestPoller_FormatErrorKeepsStore(t *testing.T) {
	src := &fakeSource{}
	src.set(snapshotAt(t0, rowA), nil)
	store := data.NewStore()
	p := newTestPoller(src, store, nil, nil)

	_, err := p.Poll(context.Background())
	require.NoError(t, err)

	src.set(nil, fmt.Errorf("%w: row 3 has 9 cells", source.ErrFormat))
	_, err = p.Poll(context.Background())

	assert.ErrorIs(t, err, source.ErrFormat)
	assert.Equal(t, 1, store.Len())
	assert.Equal(t, t0, store.Updated())
}

func TestPoller_FailureThenRecoveryDiffsAgainstLastGood(t *testing.T) {
	src := &fakeSource{}
	src.set(snapshotAt(t0, rowA, rowB), nil)
	store := data.NewStore()
	p := newTestPoller(src, store, nil, nil)

	_, err := p.Poll(context.Background())
	require.NoError(t, err)

	src.set(nil, source.ErrUnavailable)
	_, err = p.Poll(context.Background())
	require.Error(t, err)

	src.set(snapshotAt(t0.Add(time.Minute), rowA, rowX), nil)
	cs, err := p.Poll(context.Background())
	require.NoError(t, err)

	require.Len(t, cs.AddedOrModified, 1)
	assert.True(t, cs.AddedOrModified[1].Equal(rowX))
	assert.Equal(t, 0, p.Status().ConsecutiveFailures)
}

func TestPoller_UnclassifiedErrorIsUnavailable(t *testing.T) {
	src := &fakeSource{}
	src.set(nil, context.DeadlineExceeded)
	p := newTestPoller(src, data.NewStore(), nil, nil)

	_, err := p.Poll(context.Background())

	assert.ErrorIs(t, err, source.ErrUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPoller_TimeoutBoundsFetch(t *testing.T) {
	src := &fakeSource{block: make(chan struct{})}
	defer close(src.block)
	p := NewPoller(src, data.NewStore(), nil, nil, nil, PollerConfig{
		Interval: time.Hour,
		Timeout:  20 * time.Millisecond,
	}, zap.NewNop())

	start := time.Now()
	_, err := p.Poll(context.Background())

	assert.ErrorIs(t, err, source.ErrUnavailable)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPoller_OverlappingPollIsSkipped(t *testing.T) {
	src := &fakeSource{
		entered: make(chan struct{}, 1),
		block:   make(chan struct{}),
	}
	src.set(snapshotAt(t0, rowA), nil)
	p := newTestPoller(src, data.NewStore(), nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := p.Poll(context.Background())
		done <- err
	}()
	<-src.entered

	assert.True(t, p.Status().Polling)
	_, err := p.Poll(context.Background())
	assert.ErrorIs(t, err, ErrPollInProgress)

	close(src.block)
	require.NoError(t, <-done)
	assert.False(t, p.Status().Polling)

	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Equal(t, 1, src.fetches)
}

func TestPoller_NotifiesOnceAfterThreshold(t *testing.T) {
	src := &fakeSource{}
	src.set(snapshotAt(t0, rowA), nil)
	n := &fakeNotifier{}
	p := newTestPoller(src, data.NewStore(), nil, n)

	_, err := p.Poll(context.Background())
	require.NoError(t, err)

	src.set(nil, errors.Join(source.ErrUnavailable, errors.New("503")))
	for i := 0; i < 4; i++ {
		_, _ = p.Poll(context.Background())
	}

	require.Len(t, n.down, 1)
	assert.Equal(t, "test", n.down[0].Source)
	assert.Equal(t, 2, n.down[0].Failures)
	assert.Empty(t, n.recovered)

	src.set(snapshotAt(t0, rowA, rowB), nil)
	_, err = p.Poll(context.Background())
	require.NoError(t, err)

	require.Len(t, n.recovered, 1)
	assert.Equal(t, 4, n.recovered[0].Failures)
	assert.Equal(t, 2, n.recovered[0].RecoveredRows)

	// A single failure below the threshold stays quiet.
	src.set(nil, source.ErrUnavailable)
	_, _ = p.Poll(context.Background())
	assert.Len(t, n.down, 1)
}

func TestPoller_RunPollsImmediately(t *testing.T) {
	src := &fakeSource{}
	src.set(snapshotAt(t0, rowA, rowB), nil)
	store := data.NewStore()
	updates := make(chan Update, 4)
	p := newTestPoller(src, store, updates, nil)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(stopped)
	}()

	select {
	case u := <-updates:
		assert.Len(t, u.Changes.AddedOrModified, 2)
	case <-time.After(2 * time.Second):
		t.Fatal("first cycle did not run")
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}
}

func TestPoller_CancelledCallerStillHandsOff(t *testing.T) {
	src := &fakeSource{}
	store := data.NewStore()
	updates := make(chan Update, 64)
	p := newTestPoller(src, store, updates, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	const cycles = 40
	for i := 0; i < cycles; i++ {
		// fakeSource ignores ctx, so every fetch succeeds.
		src.set(snapshotAt(t0.Add(time.Duration(i+1)*time.Second), row(float64(i), 0, "yes", "")), nil)
		_, err := p.Poll(ctx)
		require.NoError(t, err)
	}

	assert.Len(t, updates, cycles, "every store replace must reach the broadcaster")
}

func TestPoller_HandoffWaitsForSlowConsumer(t *testing.T) {
	src := &fakeSource{}
	src.set(snapshotAt(t0, rowA), nil)
	store := data.NewStore()
	updates := make(chan Update)
	p := newTestPoller(src, store, updates, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.Poll(ctx)
		done <- err
	}()

	// The caller giving up must not drop the pending update.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case u := <-updates:
		assert.Equal(t, 1, u.Snapshot.Len())
	case <-time.After(2 * time.Second):
		t.Fatal("update was not handed off")
	}
	require.NoError(t, <-done)
}

func TestPoller_StoppedPollerDropsInsteadOfBlocking(t *testing.T) {
	src := &fakeSource{}
	src.set(snapshotAt(t0, rowA), nil)
	store := data.NewStore()
	updates := make(chan Update)
	p := newTestPoller(src, store, updates, nil)

	stopped, cancel := context.WithCancel(context.Background())
	cancel()
	p.lifetime = stopped

	done := make(chan struct{})
	go func() {
		_, _ = p.Poll(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poll blocked on handoff after the poller stopped")
	}
	assert.Equal(t, 1, store.Len())
}

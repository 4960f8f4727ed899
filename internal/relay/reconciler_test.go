package relay

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcilerSweepRelaysMissedPostsOldestFirst(t *testing.T) {
	p := newTestPipeline(t)
	for id := 1; id <= 8; id++ {
		p.source.add(textPost(id, fmt.Sprintf("post %d", id)))
	}
	require.NoError(t, p.relayer.Watermarks().Seed(context.Background(), Pair{DestinationID: testDestination, SourceID: testSource},
		func(context.Context) (int, error) { return 4, nil }))

	reconciler := NewReconciler(p.relayer, p.source, p.router, ReconcilerConfig{PageSize: 3}, nil)
	reconciler.Sweep(context.Background())

	calls := p.publisher.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "post 5", calls[0].Text)
	assert.Equal(t, "post 7", calls[2].Text)
	assert.Equal(t, 7, p.watermark())

	reconciler.Sweep(context.Background())
	assert.Len(t, p.publisher.Calls(), 4)
	assert.Equal(t, 8, p.watermark())
	assert.EqualValues(t, 2, reconciler.Sweeps())
}

func TestReconcilerSeedsInsteadOfBackfilling(t *testing.T) {
	p := newTestPipeline(t)
	for id := 1; id <= 5; id++ {
		p.source.add(textPost(id, "history"))
	}
	p.source.latestErr = errors.New("flood wait")

	reconciler := NewReconciler(p.relayer, p.source, p.router, ReconcilerConfig{}, nil)
	reconciler.SeedAll(context.Background())

	pair := Pair{DestinationID: testDestination, SourceID: testSource}
	require.False(t, p.relayer.Watermarks().Seeded(pair))

	p.source.latestErr = nil
	reconciler.Sweep(context.Background())

	assert.True(t, p.relayer.Watermarks().Seeded(pair))
	assert.Equal(t, 5, p.watermark())
	assert.Empty(t, p.publisher.Calls(), "history before seeding is not back-filled")
}

func TestReconcilerSharesDedupWithLiveEvents(t *testing.T) {
	p := newTestPipeline(t)
	p.source.add(textPost(1, "a"), textPost(2, "b"))
	reconciler := NewReconciler(p.relayer, p.source, p.router, ReconcilerConfig{}, nil)
	require.NoError(t, p.relayer.Watermarks().Seed(context.Background(), Pair{DestinationID: testDestination, SourceID: testSource},
		func(context.Context) (int, error) { return 0, nil }))

	_, err := p.relayer.Relay(context.Background(), textPost(2, "b"))
	require.NoError(t, err)

	reconciler.Sweep(context.Background())
	calls := p.publisher.Calls()
	require.Len(t, calls, 1, "post 1 is behind the watermark once post 2 went out")
	assert.Equal(t, "b", calls[0].Text)
}

func TestReconcilerStartStop(t *testing.T) {
	p := newTestPipeline(t)
	reconciler := NewReconciler(p.relayer, p.source, p.router, ReconcilerConfig{Interval: time.Hour}, nil)

	require.NoError(t, reconciler.Start())
	assert.Error(t, reconciler.Start())
	reconciler.Stop()
	reconciler.Stop()
}

func TestReconcilerStartSweepsImmediately(t *testing.T) {
	p := newTestPipeline(t)
	require.NoError(t, p.relayer.Watermarks().Seed(context.Background(), Pair{DestinationID: testDestination, SourceID: testSource},
		func(context.Context) (int, error) { return 0, nil }))
	p.source.add(textPost(1, "missed before subscribe"))

	reconciler := NewReconciler(p.relayer, p.source, p.router, ReconcilerConfig{Interval: time.Hour}, nil)
	require.NoError(t, reconciler.Start())
	defer reconciler.Stop()

	require.Eventually(t, func() bool {
		return reconciler.Sweeps() == 1
	}, time.Second, 10*time.Millisecond, "first sweep should not wait for the interval")

	calls := p.publisher.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "missed before subscribe", calls[0].Text)
	assert.Equal(t, 1, p.watermark())
}

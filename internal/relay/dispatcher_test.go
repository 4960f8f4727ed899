package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherPreservesPerChannelOrder(t *testing.T) {
	p := newTestPipeline(t)
	dispatcher := NewDispatcher(p.relayer, p.router, 16, nil)

	for id := 1; id <= 5; id++ {
		dispatcher.HandlePost(context.Background(), textPost(id, fmt.Sprintf("post %d", id)))
	}
	dispatcher.HandlePost(context.Background(), &Post{ID: 1, SourceID: -100555, Text: "unmapped"})
	dispatcher.Close()

	calls := p.publisher.Calls()
	require.Len(t, calls, 5)
	for i, call := range calls {
		assert.Equal(t, fmt.Sprintf("post %d", i+1), call.Text)
	}
	assert.Equal(t, 5, p.watermark())
}

// blockingSubscriber 推送预设消息后阻塞到 ctx 结束
type blockingSubscriber struct {
	posts    []*Post
	channels []int64
}

func (s *blockingSubscriber) Subscribe(ctx context.Context, channelIDs []int64, handler PostHandler) error {
	s.channels = channelIDs
	for _, post := range s.posts {
		handler(ctx, post)
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestDispatcherRunSubscribesMappedSources(t *testing.T) {
	p := newTestPipeline(t)
	dispatcher := NewDispatcher(p.relayer, p.router, 4, nil)
	subscriber := &blockingSubscriber{posts: []*Post{textPost(3, "live")}}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := dispatcher.Run(ctx, subscriber)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	dispatcher.Close()

	assert.Equal(t, []int64{testSource}, subscriber.channels)
	assert.Len(t, p.publisher.Calls(), 1)
}

func TestWorkerPoolDropsWhenFull(t *testing.T) {
	pool := NewWorkerPool([]int64{1}, 1)

	block := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	run := func(ctx context.Context, post *Post) {
		once.Do(func() { close(started) })
		<-block
	}

	require.True(t, pool.Submit(context.Background(), 1, textPost(1, ""), run))
	<-started
	require.True(t, pool.Submit(context.Background(), 1, textPost(2, ""), run))
	assert.False(t, pool.Submit(context.Background(), 1, textPost(3, ""), run), "queue is full")

	assert.False(t, pool.Submit(context.Background(), 2, textPost(3, ""), run), "unknown channel")

	close(block)
	pool.Shutdown()
	assert.False(t, pool.Submit(context.Background(), 1, textPost(4, ""), run), "pool is closed")
}

func TestWorkerPoolRecoversPanics(t *testing.T) {
	pool := NewWorkerPool([]int64{1}, 2)

	done := make(chan struct{})
	pool.Submit(context.Background(), 1, textPost(1, ""), func(ctx context.Context, post *Post) {
		panic("boom")
	})
	pool.Submit(context.Background(), 1, textPost(2, ""), func(ctx context.Context, post *Post) {
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive panic")
	}
	pool.Shutdown()
}

// gatedPublisher 发往 blocked 目标的文本一直阻塞到 release 关闭
type gatedPublisher struct {
	fakePublisher
	blocked int64
	entered chan struct{}
	release chan struct{}
}

func (p *gatedPublisher) SendText(ctx context.Context, destinationID int64, text string) error {
	if destinationID == p.blocked {
		close(p.entered)
		select {
		case <-p.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.fakePublisher.SendText(ctx, destinationID, text)
}

func TestDispatcherSlowChannelDoesNotBlockOthers(t *testing.T) {
	// 频道 A 的投递一直阻塞，频道 B 的消息仍应立即送达
	const (
		destinationA int64 = -1001000000011
		destinationB int64 = -1001000000012
		sourceA      int64 = -1001565746460
		sourceB      int64 = -1001704831156
	)

	router, err := NewRouter([]Target{
		{DestinationID: destinationA, DisplayName: "A", Sources: []int64{sourceA}},
		{DestinationID: destinationB, DisplayName: "B", Sources: []int64{sourceB}},
	}, nil)
	require.NoError(t, err)

	publisher := &gatedPublisher{
		blocked: destinationA,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	source := newFakeSource()
	relayer := NewRelayer(RelayerDeps{
		Router:     router,
		Watermarks: NewWatermarkStore(router.Pairs(), nil),
		Serializer: NewChannelSerializer(router.Sources()),
		Resolver:   NewGroupResolver(source),
		Fetcher:    NewMediaFetcher(source, t.TempDir(), WithSettleDelay(0)),
		Delivery:   NewDeliveryClient(publisher),
	})
	dispatcher := NewDispatcher(relayer, router, 4, nil)

	dispatcher.HandlePost(context.Background(), &Post{ID: 1, SourceID: sourceA, Text: "slow"})
	select {
	case <-publisher.entered:
	case <-time.After(time.Second):
		t.Fatal("channel A never reached the publisher")
	}

	dispatcher.HandlePost(context.Background(), &Post{ID: 1, SourceID: sourceB, Text: "fast"})
	require.Eventually(t, func() bool {
		return len(publisher.Calls()) == 1
	}, time.Second, 10*time.Millisecond, "channel B waited behind channel A")

	calls := publisher.Calls()
	assert.Equal(t, destinationB, calls[0].DestinationID)
	assert.Equal(t, "fast", calls[0].Text)

	close(publisher.release)
	dispatcher.Close()

	calls = publisher.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, destinationA, calls[1].DestinationID)
}

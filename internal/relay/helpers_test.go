package relay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"testing"
	"time"
)

const (
	testDestination int64 = -1001000000001
	testSource      int64 = -1002000000002
)

// recordingTimer 立即触发的 backoff.Timer，记录每次等待时长
type recordingTimer struct {
	mu    sync.Mutex
	waits []time.Duration
	c     chan time.Time
}

func (t *recordingTimer) Start(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.waits = append(t.waits, d)
	t.c = make(chan time.Time, 1)
	t.c <- time.Now()
}

func (t *recordingTimer) Stop() {}

func (t *recordingTimer) C() <-chan time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.c
}

func (t *recordingTimer) Waits() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Duration(nil), t.waits...)
}

// fakeSource 内存中的源频道
type fakeSource struct {
	mu         sync.Mutex
	posts      map[int64][]*Post
	latest     map[int64]int
	latestErr  error
	failing    map[int]bool // 下载总是失败的消息
	empty      map[int]bool // 下载得到空文件的消息
	downloads  map[int]int
	paths      map[string]int // 临时文件路径 -> 消息 ID
	fetchCalls int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		posts:     make(map[int64][]*Post),
		latest:    make(map[int64]int),
		failing:   make(map[int]bool),
		empty:     make(map[int]bool),
		downloads: make(map[int]int),
		paths:     make(map[string]int),
	}
}

func (s *fakeSource) add(posts ...*Post) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range posts {
		s.posts[p.SourceID] = append(s.posts[p.SourceID], p)
		if p.ID > s.latest[p.SourceID] {
			s.latest[p.SourceID] = p.ID
		}
	}
}

func (s *fakeSource) Download(_ context.Context, post *Post, path string) error {
	s.mu.Lock()
	s.downloads[post.ID]++
	s.paths[path] = post.ID
	failing := s.failing[post.ID]
	empty := s.empty[post.ID]
	s.mu.Unlock()

	if failing {
		return errors.New("file reference expired")
	}
	if empty {
		return os.WriteFile(path, nil, 0o600)
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("media-%d", post.ID)), 0o600)
}

func (s *fakeSource) FetchRange(_ context.Context, channelID int64, minID, maxID, limit int) ([]*Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchCalls++

	result := make([]*Post, 0)
	for _, p := range s.posts[channelID] {
		if p.ID <= minID || (maxID > 0 && p.ID >= maxID) {
			continue
		}
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *fakeSource) LatestID(_ context.Context, channelID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latestErr != nil {
		return 0, s.latestErr
	}
	return s.latest[channelID], nil
}

func (s *fakeSource) messageForPath(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paths[path]
}

func (s *fakeSource) downloadCount(id int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downloads[id]
}

// sentCall 一次发送调用
type sentCall struct {
	Method        string
	DestinationID int64
	Text          string
	Items         []MediaItem
	FilesExisted  bool
}

// fakePublisher 记录全部发送调用，err 非 nil 时每次调用都返回它
type fakePublisher struct {
	mu    sync.Mutex
	calls []sentCall
	err   error
}

func (p *fakePublisher) SendText(_ context.Context, destinationID int64, text string) error {
	return p.record(sentCall{Method: "text", DestinationID: destinationID, Text: text})
}

func (p *fakePublisher) SendMedia(_ context.Context, destinationID int64, item MediaItem) error {
	return p.record(sentCall{Method: "media", DestinationID: destinationID, Items: []MediaItem{item}})
}

func (p *fakePublisher) SendMediaGroup(_ context.Context, destinationID int64, items []MediaItem) error {
	return p.record(sentCall{Method: "group", DestinationID: destinationID, Items: append([]MediaItem(nil), items...)})
}

func (p *fakePublisher) record(call sentCall) error {
	call.FilesExisted = true
	for _, item := range call.Items {
		if _, err := os.Stat(item.Path); err != nil {
			call.FilesExisted = false
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
	return p.err
}

func (p *fakePublisher) Calls() []sentCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sentCall(nil), p.calls...)
}

// testPipeline 一套连好的流水线，所有退避都走 recordingTimer
type testPipeline struct {
	relayer   *Relayer
	router    *Router
	source    *fakeSource
	publisher *fakePublisher
	mediaDir  string
}

func newTestPipeline(t *testing.T, forbidden ...string) *testPipeline {
	t.Helper()

	router, err := NewRouter([]Target{{
		DestinationID: testDestination,
		DisplayName:   "EasylionerNews",
		Sources:       []int64{testSource},
	}}, forbidden)
	if err != nil {
		t.Fatalf("NewRouter error: %v", err)
	}

	source := newFakeSource()
	publisher := &fakePublisher{}
	mediaDir := t.TempDir()

	fetcher := NewMediaFetcher(source, mediaDir,
		WithSettleDelay(0),
		WithFetchPolicy(RetryPolicy{
			MaxAttempts: DownloadMaxAttempts,
			Backoff:     CappedExponential(MaxRetryBackoff),
			Timer:       &recordingTimer{},
		}),
	)
	delivery := NewDeliveryClient(publisher, WithDeliveryPolicy(RetryPolicy{
		MaxAttempts: DeliveryMaxAttempts,
		Backoff:     CappedExponential(MaxRetryBackoff),
		Timer:       &recordingTimer{},
	}))

	relayer := NewRelayer(RelayerDeps{
		Router:     router,
		Watermarks: NewWatermarkStore(router.Pairs(), nil),
		Serializer: NewChannelSerializer(router.Sources()),
		Resolver:   NewGroupResolver(source),
		Fetcher:    fetcher,
		Delivery:   delivery,
	})

	return &testPipeline{
		relayer:   relayer,
		router:    router,
		source:    source,
		publisher: publisher,
		mediaDir:  mediaDir,
	}
}

// seed 把水位线直接推进到 id
func (p *testPipeline) seed(id int) {
	p.relayer.Watermarks().Advance(context.Background(), testDestination, testSource, id)
}

func (p *testPipeline) watermark() int {
	return p.relayer.Watermarks().Get(testDestination, testSource)
}

func (p *testPipeline) leftoverFiles(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(p.mediaDir)
	if err != nil {
		t.Fatalf("read media dir: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func photoPost(id int, groupID int64, text string) *Post {
	return &Post{
		ID:       id,
		SourceID: testSource,
		Text:     text,
		Media:    &Media{Photo: true},
		GroupID:  groupID,
	}
}

func textPost(id int, text string) *Post {
	return &Post{ID: id, SourceID: testSource, Text: text}
}

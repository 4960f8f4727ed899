package mtproto

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"relay_bot/internal/logger"
	"relay_bot/internal/relay"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"golang.org/x/time/rate"
)

const (
	// APICallsPerSecond 用户会话调用频率上限
	APICallsPerSecond = 10

	maxFloodWaitRetries = 3
)

var (
	// ErrNotConnected 客户端尚未完成连接和授权
	ErrNotConnected = errors.New("mtproto client is not connected")
	// ErrChannelNotFound 对话列表中找不到该频道（账号未加入）
	ErrChannelNotFound = errors.New("channel not found in dialogs")
)

// Config 用户会话配置
type Config struct {
	APIID       int
	APIHash     string
	Phone       string
	Password    string // 二步验证密码，可为空
	SessionFile string
}

// subscription 当前的实时订阅
type subscription struct {
	ctx     context.Context
	handler relay.PostHandler
	watched map[int64]struct{}
}

// Client 通过 MTProto 用户会话读取源频道
type Client struct {
	cfg        Config
	client     *telegram.Client
	gaps       *updates.Manager
	limiter    *rate.Limiter
	downloader *downloader.Downloader
	prompt     PromptFunc

	mu      sync.RWMutex
	api     *tg.Client
	sub     *subscription
	cancel  context.CancelFunc
	runDone chan struct{}
	runErr  error

	peersMu  sync.RWMutex
	channels map[int64]*tg.InputChannel

	closeOnce sync.Once
}

// Option 客户端可选配置
type Option func(*Client)

// WithPrompt 替换验证码输入方式
func WithPrompt(prompt PromptFunc) Option {
	return func(c *Client) {
		c.prompt = prompt
	}
}

// New 创建客户端，Start 之前不会建立连接
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.APIID == 0 || cfg.APIHash == "" {
		return nil, fmt.Errorf("mtproto api id and hash are required")
	}
	if cfg.Phone == "" {
		return nil, fmt.Errorf("mtproto phone is required")
	}
	if cfg.SessionFile == "" {
		cfg.SessionFile = "session.json"
	}

	c := &Client{
		cfg:        cfg,
		limiter:    rate.NewLimiter(rate.Limit(APICallsPerSecond), APICallsPerSecond),
		downloader: downloader.NewDownloader(),
		prompt:     ConsolePrompt,
		channels:   make(map[int64]*tg.InputChannel),
	}
	for _, opt := range opts {
		opt(c)
	}

	dispatcher := tg.NewUpdateDispatcher()
	dispatcher.OnNewChannelMessage(c.onNewChannelMessage)
	c.gaps = updates.New(updates.Config{Handler: dispatcher})

	c.client = telegram.NewClient(cfg.APIID, cfg.APIHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: cfg.SessionFile},
		UpdateHandler:  c.gaps,
	})
	return c, nil
}

// Start 建立连接并完成授权，随后在后台接收更新直到 Close
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.runDone != nil {
		c.mu.Unlock()
		return fmt.Errorf("mtproto client already started")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	runDone := make(chan struct{})
	c.runDone = runDone
	c.mu.Unlock()

	ready := make(chan struct{})
	go func() {
		err := c.client.Run(runCtx, func(ctx context.Context) error {
			if err := c.authenticate(ctx); err != nil {
				return err
			}

			self, err := c.client.Self(ctx)
			if err != nil {
				return fmt.Errorf("failed to get self: %w", err)
			}

			api := c.client.API()
			c.mu.Lock()
			c.api = api
			c.mu.Unlock()
			close(ready)

			return c.gaps.Run(ctx, api, self.ID, updates.AuthOptions{
				OnStart: func(ctx context.Context) {
					logger.L().Info("MTProto updates manager started")
				},
			})
		})
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		c.mu.Lock()
		c.runErr = err
		c.mu.Unlock()
		close(runDone)
	}()

	select {
	case <-ready:
		logger.L().Info("Connected to Telegram as user session")
		return nil
	case <-runDone:
		if err := c.stopErr(); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		return fmt.Errorf("failed to connect: client stopped")
	case <-ctx.Done():
		cancel()
		<-runDone
		return ctx.Err()
	}
}

// Close 断开连接，可重复调用
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.RLock()
		cancel, runDone := c.cancel, c.runDone
		c.mu.RUnlock()
		if cancel == nil {
			return
		}
		cancel()
		select {
		case <-runDone:
			logger.L().Info("MTProto client disconnected")
		case <-time.After(10 * time.Second):
			logger.L().Warn("MTProto client did not stop within 10s")
		}
	})
}

func (c *Client) stopErr() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.runErr
}

func (c *Client) apiClient() (*tg.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.api == nil {
		return nil, ErrNotConnected
	}
	return c.api, nil
}

// invoke 限流后执行调用，遇到 FLOOD_WAIT 按服务端要求等待后重试
func (c *Client) invoke(ctx context.Context, call func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait cancelled: %w", err)
		}

		err := call(ctx)
		wait, flood := tgerr.AsFloodWait(err)
		if !flood || attempt >= maxFloodWaitRetries {
			return err
		}

		logger.L().Warnf("Flood wait from Telegram: wait=%s attempt=%d", wait, attempt)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Subscribe 把订阅频道的新消息交给 handler，阻塞到 ctx 结束或连接断开
func (c *Client) Subscribe(ctx context.Context, channelIDs []int64, handler relay.PostHandler) error {
	c.mu.RLock()
	runDone := c.runDone
	c.mu.RUnlock()
	if runDone == nil {
		return ErrNotConnected
	}

	missing, err := c.resolveChannels(ctx, channelIDs)
	if err != nil {
		logger.L().Warnf("Failed to resolve source channels: %v", err)
	}
	for _, id := range missing {
		logger.L().Errorf("Source channel not found in dialogs, is the account a member? channel=%d", id)
	}

	watched := make(map[int64]struct{}, len(channelIDs))
	for _, id := range channelIDs {
		watched[id] = struct{}{}
	}

	c.mu.Lock()
	if c.sub != nil {
		c.mu.Unlock()
		return fmt.Errorf("mtproto client already subscribed")
	}
	c.sub = &subscription{ctx: ctx, handler: handler, watched: watched}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.sub = nil
		c.mu.Unlock()
	}()

	logger.L().Infof("Listening for new posts: channels=%d", len(channelIDs))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-runDone:
		if err := c.stopErr(); err != nil {
			return fmt.Errorf("mtproto client stopped: %w", err)
		}
		return fmt.Errorf("mtproto client stopped")
	}
}

// onNewChannelMessage 更新回调不做阻塞工作，交给订阅方的 handler
func (c *Client) onNewChannelMessage(_ context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
	for _, channel := range e.Channels {
		c.rememberChannel(channel)
	}

	msg, ok := u.Message.(*tg.Message)
	if !ok {
		return nil
	}
	rawID, ok := messagePeerChannel(msg)
	if !ok {
		return nil
	}

	c.mu.RLock()
	sub := c.sub
	c.mu.RUnlock()
	if sub == nil {
		return nil
	}

	sourceID := BotChannelID(rawID)
	if _, ok := sub.watched[sourceID]; !ok {
		return nil
	}

	sub.handler(sub.ctx, convertMessage(sourceID, msg))
	return nil
}

// FetchRange 返回 minID < id < maxID 范围内最早的 limit 条消息，按 ID 升序
func (c *Client) FetchRange(ctx context.Context, channelID int64, minID, maxID, limit int) ([]*relay.Post, error) {
	if limit <= 0 {
		return nil, nil
	}
	minID = max(minID, 0)

	peer, err := c.inputPeer(ctx, channelID)
	if err != nil {
		return nil, err
	}

	// offset_id + 负 add_offset 取 offset_id 之后（含）最早的一页
	messages, err := c.history(ctx, &tg.MessagesGetHistoryRequest{
		Peer:      peer,
		OffsetID:  minID + 1,
		AddOffset: -limit,
		Limit:     limit,
		MinID:     minID,
		MaxID:     maxID,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch history of %d: %w", channelID, err)
	}

	posts := make([]*relay.Post, 0, len(messages))
	for _, m := range messages {
		msg, ok := m.(*tg.Message)
		if !ok || msg.ID <= minID || (maxID > 0 && msg.ID >= maxID) {
			continue
		}
		posts = append(posts, convertMessage(channelID, msg))
	}
	sort.Slice(posts, func(i, j int) bool { return posts[i].ID < posts[j].ID })
	if len(posts) > limit {
		posts = posts[:limit]
	}
	return posts, nil
}

// LatestID 频道最新消息 ID，空频道返回 0
func (c *Client) LatestID(ctx context.Context, channelID int64) (int, error) {
	peer, err := c.inputPeer(ctx, channelID)
	if err != nil {
		return 0, err
	}

	messages, err := c.history(ctx, &tg.MessagesGetHistoryRequest{Peer: peer, Limit: 1})
	if err != nil {
		return 0, fmt.Errorf("fetch latest post of %d: %w", channelID, err)
	}

	latest := 0
	for _, m := range messages {
		latest = max(latest, m.GetID())
	}
	return latest, nil
}

func (c *Client) history(ctx context.Context, req *tg.MessagesGetHistoryRequest) ([]tg.MessageClass, error) {
	api, err := c.apiClient()
	if err != nil {
		return nil, err
	}

	var res tg.MessagesMessagesClass
	err = c.invoke(ctx, func(ctx context.Context) error {
		var callErr error
		res, callErr = api.MessagesGetHistory(ctx, req)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	switch r := res.(type) {
	case *tg.MessagesMessages:
		c.rememberChats(r.Chats)
		return r.Messages, nil
	case *tg.MessagesMessagesSlice:
		c.rememberChats(r.Chats)
		return r.Messages, nil
	case *tg.MessagesChannelMessages:
		c.rememberChats(r.Chats)
		return r.Messages, nil
	default:
		return nil, nil
	}
}

// Download 把消息媒体写入 path
// 文件引用过期时重新拉取消息，用新的引用再试一次
func (c *Client) Download(ctx context.Context, post *relay.Post, path string) error {
	if post == nil || post.Media == nil {
		return fmt.Errorf("%w: post has no media", relay.ErrMediaUnavailable)
	}
	loc, ok := post.Media.Ref.(tg.InputFileLocationClass)
	if !ok {
		return fmt.Errorf("%w: post %d has no file location", relay.ErrMediaUnavailable, post.ID)
	}

	err := c.downloadTo(ctx, loc, path)
	if !tgerr.Is(err, "FILE_REFERENCE_EXPIRED") {
		return err
	}

	logger.Post(post.SourceID, post.ID).Info("File reference expired, refetching post")
	fresh, fetchErr := c.FetchRange(ctx, post.SourceID, post.ID-1, post.ID+1, 1)
	if fetchErr != nil {
		return fmt.Errorf("refresh file reference: %w", fetchErr)
	}
	if len(fresh) == 0 || fresh[0].Media == nil {
		return fmt.Errorf("%w: post %d no longer has media", relay.ErrMediaUnavailable, post.ID)
	}
	freshLoc, ok := fresh[0].Media.Ref.(tg.InputFileLocationClass)
	if !ok {
		return fmt.Errorf("%w: post %d has no file location", relay.ErrMediaUnavailable, post.ID)
	}
	return c.downloadTo(ctx, freshLoc, path)
}

func (c *Client) downloadTo(ctx context.Context, loc tg.InputFileLocationClass, path string) error {
	api, err := c.apiClient()
	if err != nil {
		return err
	}
	return c.invoke(ctx, func(ctx context.Context) error {
		_, err := c.downloader.Download(api, loc).ToPath(ctx, path)
		return err
	})
}

var (
	_ relay.Source     = (*Client)(nil)
	_ relay.Subscriber = (*Client)(nil)
)

package mtproto

import (
	"context"
	"fmt"

	"relay_bot/internal/logger"

	"github.com/gotd/td/tg"
)

const (
	dialogsPageSize = 100
	maxDialogPages  = 50
)

// rememberChats 缓存频道的 access hash
func (c *Client) rememberChats(chats []tg.ChatClass) {
	for _, chat := range chats {
		if channel, ok := chat.(*tg.Channel); ok {
			c.rememberChannel(channel)
		}
	}
}

func (c *Client) rememberChannel(channel *tg.Channel) {
	// min 构造中的 access hash 不能用于请求
	if channel == nil || channel.Min {
		return
	}
	c.peersMu.Lock()
	c.channels[channel.ID] = &tg.InputChannel{ChannelID: channel.ID, AccessHash: channel.AccessHash}
	c.peersMu.Unlock()
}

func (c *Client) cachedChannel(rawID int64) (*tg.InputChannel, bool) {
	c.peersMu.RLock()
	defer c.peersMu.RUnlock()
	ch, ok := c.channels[rawID]
	return ch, ok
}

// inputPeer 查找频道的 InputPeer，缓存未命中时加载对话列表
func (c *Client) inputPeer(ctx context.Context, channelID int64) (*tg.InputPeerChannel, error) {
	rawID, ok := RawChannelID(channelID)
	if !ok {
		return nil, fmt.Errorf("%d is not a channel id", channelID)
	}

	if ch, ok := c.cachedChannel(rawID); ok {
		return &tg.InputPeerChannel{ChannelID: ch.ChannelID, AccessHash: ch.AccessHash}, nil
	}

	if err := c.loadDialogs(ctx, []int64{rawID}); err != nil {
		return nil, err
	}

	ch, ok := c.cachedChannel(rawID)
	if !ok {
		return nil, fmt.Errorf("%w: channel=%d", ErrChannelNotFound, channelID)
	}
	return &tg.InputPeerChannel{ChannelID: ch.ChannelID, AccessHash: ch.AccessHash}, nil
}

// resolveChannels 预热订阅频道的 access hash，返回找不到的频道
func (c *Client) resolveChannels(ctx context.Context, channelIDs []int64) ([]int64, error) {
	var want []int64
	for _, id := range channelIDs {
		rawID, ok := RawChannelID(id)
		if !ok {
			continue
		}
		if _, cached := c.cachedChannel(rawID); !cached {
			want = append(want, rawID)
		}
	}
	if len(want) > 0 {
		if err := c.loadDialogs(ctx, want); err != nil {
			return nil, err
		}
	}

	var missing []int64
	for _, id := range channelIDs {
		rawID, ok := RawChannelID(id)
		if !ok {
			missing = append(missing, id)
			continue
		}
		if _, cached := c.cachedChannel(rawID); !cached {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// loadDialogs 分页读取对话列表直到 want 中的频道全部命中
func (c *Client) loadDialogs(ctx context.Context, want []int64) error {
	api, err := c.apiClient()
	if err != nil {
		return err
	}

	found := func() bool {
		for _, id := range want {
			if _, ok := c.cachedChannel(id); !ok {
				return false
			}
		}
		return true
	}

	req := &tg.MessagesGetDialogsRequest{OffsetPeer: &tg.InputPeerEmpty{}, Limit: dialogsPageSize}
	for page := 1; page <= maxDialogPages; page++ {
		var res tg.MessagesDialogsClass
		err := c.invoke(ctx, func(ctx context.Context) error {
			var callErr error
			res, callErr = api.MessagesGetDialogs(ctx, req)
			return callErr
		})
		if err != nil {
			return fmt.Errorf("failed to get dialogs: %w", err)
		}

		var (
			dialogs  []tg.DialogClass
			messages []tg.MessageClass
			more     bool
		)
		switch r := res.(type) {
		case *tg.MessagesDialogs:
			dialogs, messages = r.Dialogs, r.Messages
			c.rememberChats(r.Chats)
		case *tg.MessagesDialogsSlice:
			dialogs, messages = r.Dialogs, r.Messages
			c.rememberChats(r.Chats)
			more = len(r.Dialogs) == dialogsPageSize
		default:
			return nil
		}

		if found() || !more {
			logger.L().Debugf("Dialogs loaded: pages=%d", page)
			return nil
		}
		if !c.nextDialogsPage(req, dialogs, messages) {
			return nil
		}
	}
	return nil
}

// nextDialogsPage 以上一页最后一个对话的置顶消息作为下一页偏移
func (c *Client) nextDialogsPage(req *tg.MessagesGetDialogsRequest, dialogs []tg.DialogClass, messages []tg.MessageClass) bool {
	if len(dialogs) == 0 {
		return false
	}
	last, ok := dialogs[len(dialogs)-1].(*tg.Dialog)
	if !ok {
		return false
	}

	req.OffsetID = last.TopMessage
	req.OffsetPeer = &tg.InputPeerEmpty{}
	if peer, ok := last.Peer.(*tg.PeerChannel); ok {
		if ch, cached := c.cachedChannel(peer.ChannelID); cached {
			req.OffsetPeer = &tg.InputPeerChannel{ChannelID: ch.ChannelID, AccessHash: ch.AccessHash}
		}
	}
	for _, m := range messages {
		if m.GetID() != last.TopMessage {
			continue
		}
		if dated, ok := m.(interface{ GetDate() int }); ok {
			req.OffsetDate = dated.GetDate()
		}
	}
	return true
}

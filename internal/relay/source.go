package relay

import "context"

// Source 源平台（用户会话）提供的读取能力
type Source interface {
	Downloader

	// FetchRange 返回 minID < id < maxID 范围内最早的 limit 条消息，按 ID 升序
	// maxID 为 0 表示没有上界
	FetchRange(ctx context.Context, channelID int64, minID, maxID, limit int) ([]*Post, error)

	// LatestID 频道最新一条消息的 ID，空频道返回 0
	LatestID(ctx context.Context, channelID int64) (int, error)
}

// PostHandler 接收实时推送的新消息
type PostHandler func(ctx context.Context, post *Post)

// Subscriber 实时订阅源频道，Subscribe 阻塞直到 ctx 结束
type Subscriber interface {
	Subscribe(ctx context.Context, channelIDs []int64, handler PostHandler) error
}

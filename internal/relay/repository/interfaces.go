package repository

import (
	"context"

	"relay_bot/internal/relay/models"
)

// WatermarkRepository 水位线持久化接口
type WatermarkRepository interface {
	// Get 读取水位线，found 为 false 表示尚无记录
	Get(ctx context.Context, destinationID, sourceID int64) (messageID int, found bool, err error)

	// Advance 推进水位线（存储层同样只增不减）
	Advance(ctx context.Context, destinationID, sourceID int64, messageID int) error

	// EnsureIndexes 确保索引存在
	EnsureIndexes(ctx context.Context) error
}

// RelayRecordRepository 转发记录接口
type RelayRecordRepository interface {
	// CreateRecord 创建转发记录
	CreateRecord(ctx context.Context, record *models.RelayRecord) error

	// ListBySource 查询某源频道最近的转发记录
	ListBySource(ctx context.Context, sourceID int64, limit int64) ([]*models.RelayRecord, error)

	// EnsureIndexes 确保索引存在
	EnsureIndexes(ctx context.Context) error
}

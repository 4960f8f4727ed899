package repository

import (
	"context"
	"fmt"
	"time"

	"relay_bot/internal/relay/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DefaultRelayRecordTTL 转发记录默认保留时长
const DefaultRelayRecordTTL = 48 * time.Hour

type relayRecordRepository struct {
	collection *mongo.Collection
	ttl        time.Duration
}

// NewRelayRecordRepository 创建转发记录仓储实例，ttl <= 0 时使用默认值
func NewRelayRecordRepository(db *mongo.Database, ttl time.Duration) RelayRecordRepository {
	if ttl <= 0 {
		ttl = DefaultRelayRecordTTL
	}
	return &relayRecordRepository{
		collection: db.Collection("relay_records"),
		ttl:        ttl,
	}
}

// CreateRecord 创建转发记录
func (r *relayRecordRepository) CreateRecord(ctx context.Context, record *models.RelayRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}

	_, err := r.collection.InsertOne(ctx, record)
	if err != nil {
		return fmt.Errorf("failed to create relay record: %w", err)
	}
	return nil
}

// ListBySource 按消息 ID 倒序返回最近的记录
func (r *relayRecordRepository) ListBySource(ctx context.Context, sourceID int64, limit int64) ([]*models.RelayRecord, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "message_id", Value: -1}}).
		SetLimit(limit)

	cursor, err := r.collection.Find(ctx, bson.M{"source_id": sourceID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query relay records: %w", err)
	}
	defer cursor.Close(ctx)

	var records []*models.RelayRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode relay records: %w", err)
	}

	return records, nil
}

// EnsureIndexes 确保索引存在
func (r *relayRecordRepository) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		// 按源频道倒序查询
		{
			Keys: bson.D{
				{Key: "source_id", Value: 1},
				{Key: "message_id", Value: -1},
			},
		},
		// TTL 索引（过期自动删除）
		{
			Keys:    bson.D{{Key: "created_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(r.ttl.Seconds())),
		},
	}

	_, err := r.collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		return fmt.Errorf("failed to create indexes for relay_records: %w", err)
	}

	return nil
}

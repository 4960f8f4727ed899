package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relay_bot/internal/relay/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type watermarkRepository struct {
	collection *mongo.Collection
}

// NewWatermarkRepository 创建水位线仓储实例
func NewWatermarkRepository(db *mongo.Database) WatermarkRepository {
	return &watermarkRepository{
		collection: db.Collection("watermarks"),
	}
}

// Get 读取水位线
func (r *watermarkRepository) Get(ctx context.Context, destinationID, sourceID int64) (int, bool, error) {
	filter := bson.M{
		"destination_id": destinationID,
		"source_id":      sourceID,
	}

	var watermark models.Watermark
	err := r.collection.FindOne(ctx, filter).Decode(&watermark)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get watermark: %w", err)
	}

	return int(watermark.MessageID), true, nil
}

// Advance 使用 $max 更新，存储中的值不会回退
func (r *watermarkRepository) Advance(ctx context.Context, destinationID, sourceID int64, messageID int) error {
	filter := bson.M{
		"destination_id": destinationID,
		"source_id":      sourceID,
	}
	update := bson.M{
		"$max": bson.M{"message_id": int64(messageID)},
		"$set": bson.M{"updated_at": time.Now()},
	}

	_, err := r.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to advance watermark: %w", err)
	}
	return nil
}

// EnsureIndexes 确保索引存在
func (r *watermarkRepository) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "destination_id", Value: 1},
				{Key: "source_id", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
	}

	_, err := r.collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		return fmt.Errorf("failed to create indexes for watermarks: %w", err)
	}
	return nil
}

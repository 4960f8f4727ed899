package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Watermark 持久化的水位线
type Watermark struct {
	ID            primitive.ObjectID `bson:"_id,omitempty"`
	DestinationID int64              `bson:"destination_id"` // 目标频道 ID
	SourceID      int64              `bson:"source_id"`      // 源频道 ID
	MessageID     int64              `bson:"message_id"`     // 已处理的最大消息 ID
	UpdatedAt     time.Time          `bson:"updated_at"`
}

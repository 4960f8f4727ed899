package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// RelayRecord 转发记录（每条源消息一条，用于排查）
type RelayRecord struct {
	ID            primitive.ObjectID `bson:"_id,omitempty"`
	SourceID      int64              `bson:"source_id"`          // 源频道 ID
	MessageID     int64              `bson:"message_id"`         // 源消息 ID
	DestinationID int64              `bson:"destination_id"`     // 目标频道 ID
	GroupID       int64              `bson:"group_id,omitempty"` // 媒体组 ID
	Items         int                `bson:"items"`              // 实际投递的条目数
	Outcome       string             `bson:"outcome"`            // delivered/duplicate/rejected/failed
	Error         string             `bson:"error,omitempty"`
	CreatedAt     time.Time          `bson:"created_at"` // 创建时间（TTL索引）
}

const (
	OutcomeDelivered = "delivered"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

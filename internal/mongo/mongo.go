package mongo

import (
	"context"
	"fmt"
	"time"

	"relay_bot/internal/logger"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/multierr"
)

// appName 在 MongoDB 连接元数据中标识本服务
const appName = "relay_bot"

// Client 封装 MongoDB 客户端及其数据库名
type Client struct {
	*mongo.Client
	dbName string
}

// Config MongoDB 连接配置
type Config struct {
	URI      string        // 例如 "mongodb://localhost:27017"
	Database string        // 数据库名称
	Timeout  time.Duration // 连接与 ping 的超时，默认 10 秒
}

// Indexer 需要在启动时建立索引的仓库
type Indexer interface {
	EnsureIndexes(ctx context.Context) error
}

// NewClient 连接 MongoDB 并 ping 主节点
func NewClient(cfg Config) (*Client, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("MongoDB URI cannot be empty")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("database name cannot be empty")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	clientOptions := options.Client().
		ApplyURI(cfg.URI).
		SetAppName(appName).
		SetConnectTimeout(cfg.Timeout).
		SetServerSelectionTimeout(cfg.Timeout)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	logger.L().Infof("MongoDB connected: database=%s", cfg.Database)
	return &Client{
		Client: client,
		dbName: cfg.Database,
	}, nil
}

// Close 断开连接，nil 客户端直接返回
func (c *Client) Close(ctx context.Context) error {
	if c == nil || c.Client == nil {
		return nil
	}
	return c.Client.Disconnect(ctx)
}

// Database 返回配置的数据库句柄
func (c *Client) Database() *mongo.Database {
	if c == nil || c.Client == nil {
		return nil
	}
	return c.Client.Database(c.dbName)
}

// Ping 验证与主节点的连接
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.Client == nil {
		return fmt.Errorf("MongoDB client is not initialized")
	}
	return c.Client.Ping(ctx, readpref.Primary())
}

// EnsureIndexes 依次为各仓库建立索引，错误合并返回
func EnsureIndexes(ctx context.Context, indexers ...Indexer) error {
	var err error
	for _, indexer := range indexers {
		if indexer == nil {
			continue
		}
		err = multierr.Append(err, indexer.EnsureIndexes(ctx))
	}
	if err != nil {
		return fmt.Errorf("ensure indexes: %w", err)
	}
	return nil
}

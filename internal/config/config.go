package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config 应用程序配置
type Config struct {
	TelegramToken        string        // Telegram Bot API Token
	BotDebug             bool          // Bot API 调试日志
	MTProto              MTProtoConfig // 读取源频道的用户会话
	MongoURI             string        // MongoDB连接URI，为空时水位线只保存在内存
	MongoDBName          string        // MongoDB数据库名称
	RecordRetentionHours int           // 转发记录保留小时数（过期自动删除）
	ChannelsFile         string        // 频道映射文件
	MediaDir             string        // 媒体临时目录
	ReconcileInterval    time.Duration // 补偿扫描周期
	ReconcilePageSize    int           // 每次补偿的最大消息数
	QueueSize            int           // 每个源频道的实时事件队列长度
	MetricsAddr          string        // Prometheus 监听地址，为空时不启用
	StartupNoticeEnabled bool          // 启动时是否向目标频道发送通知
}

// MTProtoConfig 用户会话配置
type MTProtoConfig struct {
	APIID       int
	APIHash     string
	Phone       string
	Password    string
	SessionFile string
}

// Load 从环境变量加载配置
func Load() (*Config, error) {
	mongoDBName := os.Getenv("MONGO_DB_NAME")
	if mongoDBName == "" {
		mongoDBName = "relay_bot"
	}

	cfg := &Config{
		TelegramToken: strings.TrimSpace(os.Getenv("TELEGRAM_TOKEN")),
		MTProto: MTProtoConfig{
			APIHash:     strings.TrimSpace(os.Getenv("TG_API_HASH")),
			Phone:       strings.TrimSpace(os.Getenv("TG_PHONE")),
			Password:    os.Getenv("TG_PASSWORD"),
			SessionFile: envOrDefault("TG_SESSION_FILE", "session.json"),
		},
		MongoURI:             strings.TrimSpace(os.Getenv("MONGO_URI")),
		MongoDBName:          mongoDBName,
		ChannelsFile:         envOrDefault("CHANNELS_CONFIG", "channels.yaml"),
		MediaDir:             envOrDefault("MEDIA_DIR", os.TempDir()),
		MetricsAddr:          strings.TrimSpace(os.Getenv("METRICS_ADDR")),
		StartupNoticeEnabled: true,
	}

	if cfg.TelegramToken == "" {
		return nil, fmt.Errorf("TELEGRAM_TOKEN is required")
	}
	if cfg.MTProto.APIHash == "" || cfg.MTProto.Phone == "" {
		return nil, fmt.Errorf("TG_API_HASH and TG_PHONE are required")
	}

	apiID, err := strconv.Atoi(strings.TrimSpace(os.Getenv("TG_API_ID")))
	if err != nil {
		return nil, fmt.Errorf("failed to parse TG_API_ID: %w", err)
	}
	cfg.MTProto.APIID = apiID

	if cfg.StartupNoticeEnabled, err = parseBool("STARTUP_NOTICE_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.BotDebug, err = parseBool("BOT_DEBUG", false); err != nil {
		return nil, err
	}

	// 解析RECONCILE_INTERVAL_SECONDS（默认300秒）
	seconds, err := parsePositiveInt("RECONCILE_INTERVAL_SECONDS", 300)
	if err != nil {
		return nil, err
	}
	cfg.ReconcileInterval = time.Duration(seconds) * time.Second

	if cfg.ReconcilePageSize, err = parsePositiveInt("RECONCILE_PAGE_SIZE", 100); err != nil {
		return nil, err
	}
	if cfg.QueueSize, err = parsePositiveInt("RELAY_QUEUE_SIZE", 256); err != nil {
		return nil, err
	}
	if cfg.RecordRetentionHours, err = parsePositiveInt("RECORD_RETENTION_HOURS", 48); err != nil {
		return nil, err
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func parseBool(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return value, nil
}

func parsePositiveInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	if value < 1 {
		return 0, fmt.Errorf("%s must be >= 1, got %d", key, value)
	}
	return value, nil
}

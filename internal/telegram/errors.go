package telegram

import (
	"errors"
	"strings"
	"time"

	"relay_bot/internal/relay"

	"github.com/go-telegram/bot"
)

// unusablePayloadMarkers Bot API 错误描述中表示"内容本身不可用"的片段，重试无意义
var unusablePayloadMarkers = []string{
	"must be non-empty",
	"file is empty",
	"image_process_failed",
	"photo_invalid_dimensions",
}

// ClassifyError 把 Bot API 错误映射到投递失败分类
func ClassifyError(err error) relay.FailureClass {
	if err == nil {
		return relay.FailureOther
	}

	if errors.Is(err, relay.ErrPayloadUnusable) {
		return relay.FailureUnusable
	}

	if errors.Is(err, bot.ErrorBadRequest) {
		if isUnusablePayload(err) {
			return relay.FailureUnusable
		}
		return relay.FailureMalformed
	}

	var tooMany *bot.TooManyRequestsError
	if errors.As(err, &tooMany) {
		return relay.FailureTimeout
	}

	return relay.DefaultClassifier(err)
}

func isUnusablePayload(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range unusablePayloadMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// RetryAfter 429 响应要求的等待时间
func RetryAfter(err error) time.Duration {
	var tooMany *bot.TooManyRequestsError
	if errors.As(err, &tooMany) && tooMany.RetryAfter > 0 {
		return time.Duration(tooMany.RetryAfter) * time.Second
	}
	return 0
}

// migrateToChatIDFromError 群组升级为超级群后 Bot API 返回新的 chat id
func migrateToChatIDFromError(err error) (int64, bool) {
	var migrateErr *bot.MigrateError
	if !errors.As(err, &migrateErr) || migrateErr.MigrateToChatID == 0 {
		return 0, false
	}
	return int64(migrateErr.MigrateToChatID), true
}

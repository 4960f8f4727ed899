package relay

import (
	"context"
	"errors"
	"net"
)

var (
	// ErrForbiddenContent 文本命中违禁词，整条消息丢弃
	ErrForbiddenContent = errors.New("content contains forbidden words")
	// ErrMediaUnavailable 媒体多次下载失败
	ErrMediaUnavailable = errors.New("media unavailable")
	// ErrPayloadUnusable 投递内容本身不可用（例如空文件），不可重试
	ErrPayloadUnusable = errors.New("payload unusable")
	// ErrGroupEmpty 媒体组没有任何可用成员
	ErrGroupEmpty = errors.New("media group has no usable members")
	// ErrUnknownSource 源频道未配置
	ErrUnknownSource = errors.New("unknown source channel")
)

// FailureClass 投递失败分类
type FailureClass int

const (
	FailureOther FailureClass = iota
	FailureTimeout
	FailureMalformed
	FailureUnusable
)

func (c FailureClass) String() string {
	switch c {
	case FailureTimeout:
		return "timeout"
	case FailureMalformed:
		return "malformed"
	case FailureUnusable:
		return "unusable"
	default:
		return "other"
	}
}

// Classifier 将发布端错误映射到失败分类
type Classifier func(err error) FailureClass

// DefaultClassifier 只识别超时与 ErrPayloadUnusable
func DefaultClassifier(err error) FailureClass {
	if err == nil {
		return FailureOther
	}
	if errors.Is(err, ErrPayloadUnusable) {
		return FailureUnusable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}
	return FailureOther
}

// shouldRetryDelivery 仅"内容不可用"不重试，其余（超时、请求错误、其他）均重试
func shouldRetryDelivery(class FailureClass) bool {
	return class != FailureUnusable
}

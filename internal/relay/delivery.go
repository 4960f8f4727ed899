package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relay_bot/internal/logger"
	"relay_bot/internal/metrics"
)

// Publisher 目标平台的发送原语，文本均为 MarkdownV2
type Publisher interface {
	SendText(ctx context.Context, destinationID int64, text string) error
	SendMedia(ctx context.Context, destinationID int64, item MediaItem) error
	SendMediaGroup(ctx context.Context, destinationID int64, items []MediaItem) error
}

// DeliveryClient 在 Publisher 外包一层限速和统一重试
type DeliveryClient struct {
	publisher Publisher
	limiter   *RateLimiter
	classify  Classifier
	policy    RetryPolicy
	metrics   *metrics.Metrics

	retryAfter func(err error) time.Duration
}

// DeliveryOption 投递客户端可选配置
type DeliveryOption func(*DeliveryClient)

// WithClassifier 设置错误分类函数
func WithClassifier(c Classifier) DeliveryOption {
	return func(d *DeliveryClient) { d.classify = c }
}

// WithRetryAfter 设置服务端限流等待时间的读取函数
func WithRetryAfter(fn func(err error) time.Duration) DeliveryOption {
	return func(d *DeliveryClient) { d.retryAfter = fn }
}

// WithRateLimiter 设置限速器，nil 表示不限速
func WithRateLimiter(l *RateLimiter) DeliveryOption {
	return func(d *DeliveryClient) { d.limiter = l }
}

// WithDeliveryPolicy 覆盖重试策略（测试中替换 Timer）
func WithDeliveryPolicy(policy RetryPolicy) DeliveryOption {
	return func(d *DeliveryClient) { d.policy = policy }
}

// WithDeliveryMetrics 设置指标
func WithDeliveryMetrics(m *metrics.Metrics) DeliveryOption {
	return func(d *DeliveryClient) { d.metrics = m }
}

// NewDeliveryClient 创建投递客户端，默认 10 次尝试、min(2^n, 30s) 退避
func NewDeliveryClient(publisher Publisher, opts ...DeliveryOption) *DeliveryClient {
	d := &DeliveryClient{
		publisher: publisher,
		classify:  DefaultClassifier,
		policy: RetryPolicy{
			MaxAttempts: DeliveryMaxAttempts,
			Backoff:     CappedExponential(MaxRetryBackoff),
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SendText 发送文本
func (d *DeliveryClient) SendText(ctx context.Context, destinationID int64, text string) error {
	return d.send(ctx, KindText, destinationID, func(ctx context.Context) error {
		return d.publisher.SendText(ctx, destinationID, text)
	})
}

// SendMedia 发送单个媒体
func (d *DeliveryClient) SendMedia(ctx context.Context, destinationID int64, item MediaItem) error {
	return d.send(ctx, item.Kind, destinationID, func(ctx context.Context) error {
		return d.publisher.SendMedia(ctx, destinationID, item)
	})
}

// SendMediaGroup 发送媒体组，只剩一项时退化为单个媒体
func (d *DeliveryClient) SendMediaGroup(ctx context.Context, destinationID int64, items []MediaItem) error {
	switch len(items) {
	case 0:
		return ErrGroupEmpty
	case 1:
		return d.SendMedia(ctx, destinationID, items[0])
	}
	return d.send(ctx, "media_group", destinationID, func(ctx context.Context) error {
		return d.publisher.SendMediaGroup(ctx, destinationID, items)
	})
}

func (d *DeliveryClient) send(ctx context.Context, kind MediaKind, destinationID int64, call func(ctx context.Context) error) error {
	policy := d.policy
	if d.retryAfter != nil {
		policy.RetryAfter = d.retryAfter
	}
	policy.Retryable = func(err error) bool {
		if errors.Is(err, ErrLimiterClosed) {
			return false
		}
		return shouldRetryDelivery(d.classify(err))
	}
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		logger.L().Warnf("Send attempt %d failed: kind=%s, destination=%d, class=%s, err=%v, retry_in=%s",
			attempt, kind, destinationID, d.classify(err), err, wait)
	}

	attempts := 0
	_, err := Retry(ctx, policy, func(ctx context.Context, attempt int) (struct{}, error) {
		attempts = attempt
		if err := d.limiter.Wait(ctx, destinationID); err != nil {
			return struct{}{}, fmt.Errorf("rate limiter wait error: %w", err)
		}
		d.metrics.DeliveryAttempt(string(kind))
		if err := call(ctx); err != nil {
			d.metrics.DeliveryFailed(d.classify(err).String())
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
	if err != nil {
		return fmt.Errorf("send %s to %d failed after %d attempts: %w", kind, destinationID, attempts, err)
	}
	return nil
}

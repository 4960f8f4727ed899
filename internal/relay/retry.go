package relay

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DeliveryMaxAttempts 投递调用最大尝试次数
	DeliveryMaxAttempts = 10
	// DownloadMaxAttempts 媒体下载最大尝试次数
	DownloadMaxAttempts = 5
	// MaxRetryBackoff 指数退避上限
	MaxRetryBackoff = 30 * time.Second
)

// RetryPolicy 通用重试策略
type RetryPolicy struct {
	MaxAttempts int                             // 最大尝试次数（含首次）
	Backoff     func(attempt int) time.Duration // 第 attempt 次失败后的等待时间
	Retryable   func(err error) bool            // 为 nil 时所有错误均可重试
	Timer       backoff.Timer                   // 为 nil 时使用真实定时器
	OnRetry     func(attempt int, err error, wait time.Duration)

	// RetryAfter 从错误中读取服务端要求的最短等待时间，0 表示没有要求
	RetryAfter func(err error) time.Duration
}

// CappedExponential min(2^attempt 秒, limit)
func CappedExponential(limit time.Duration) func(attempt int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		if attempt > 30 {
			return limit
		}
		wait := time.Duration(1<<uint(attempt)) * time.Second
		if wait > limit {
			return limit
		}
		return wait
	}
}

// policyBackOff 把 RetryPolicy.Backoff 适配为 backoff.BackOff
type policyBackOff struct {
	next    func(attempt int) time.Duration
	attempt int
	floor   time.Duration
}

func (b *policyBackOff) NextBackOff() time.Duration {
	b.attempt++
	wait := b.next(b.attempt)
	if b.floor > wait {
		wait = b.floor
	}
	b.floor = 0
	return wait
}

func (b *policyBackOff) Reset() {
	b.attempt = 0
	b.floor = 0
}

// Retry 按策略执行 op，返回成功结果或最后一次错误
// 不可重试的错误立即返回；ctx 取消时返回 ctx.Err()
func Retry[T any](ctx context.Context, policy RetryPolicy, op func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var (
		result  T
		attempt int
	)

	if policy.MaxAttempts <= 1 {
		return op(ctx, 1)
	}

	next := policy.Backoff
	if next == nil {
		next = CappedExponential(MaxRetryBackoff)
	}

	pb := &policyBackOff{next: next}

	operation := func() error {
		attempt++
		value, err := op(ctx, attempt)
		if err == nil {
			result = value
			return nil
		}
		if policy.Retryable != nil && !policy.Retryable(err) {
			return backoff.Permanent(err)
		}
		if policy.RetryAfter != nil {
			pb.floor = policy.RetryAfter(err)
		}
		return err
	}

	var b backoff.BackOff = pb
	b = backoff.WithMaxRetries(b, uint64(policy.MaxAttempts-1))
	b = backoff.WithContext(b, ctx)

	notify := func(err error, wait time.Duration) {
		if policy.OnRetry != nil {
			policy.OnRetry(attempt, err, wait)
		}
	}

	if err := backoff.RetryNotifyWithTimer(operation, b, notify, policy.Timer); err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DeliveryRatePerSecond Bot API 全局发送速率上限
	DeliveryRatePerSecond = 30
	// DestinationRatePerMinute 单个目标频道每分钟的发送上限
	DestinationRatePerMinute = 20
)

// ErrLimiterClosed 限速器已关闭，发送不再重试
var ErrLimiterClosed = errors.New("rate limiter closed")

// RateLimiter 出站发送限速：全局令牌桶 + 每个目标频道一个令牌桶
// 所有投递共享一个实例
type RateLimiter struct {
	global *rate.Limiter

	perDestination rate.Limit
	destBurst      int
	mu             sync.Mutex
	destinations   map[int64]*rate.Limiter

	closed    chan struct{}
	closeOnce sync.Once
}

// NewRateLimiter 创建限速器，桶初始为满
// perSecond <= 0 时返回 nil（不限速）；perDestinationPerMinute <= 0 时不按目标限速
func NewRateLimiter(perSecond, perDestinationPerMinute int) *RateLimiter {
	if perSecond <= 0 {
		return nil
	}

	r := &RateLimiter{
		global:       rate.NewLimiter(rate.Limit(perSecond), perSecond),
		destinations: make(map[int64]*rate.Limiter),
		closed:       make(chan struct{}),
	}
	if perDestinationPerMinute > 0 {
		r.perDestination = rate.Every(time.Minute / time.Duration(perDestinationPerMinute))
		r.destBurst = perDestinationPerMinute
	}
	return r
}

// Wait 阻塞直到目标频道和全局都取得令牌，ctx 结束或 Close 后返回错误
func (r *RateLimiter) Wait(ctx context.Context, destinationID int64) error {
	if r == nil {
		return ctx.Err()
	}

	select {
	case <-r.closed:
		return ErrLimiterClosed
	default:
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.closed:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	if dest := r.destination(destinationID); dest != nil {
		if err := dest.Wait(waitCtx); err != nil {
			return r.waitErr(ctx, err)
		}
	}
	if err := r.global.Wait(waitCtx); err != nil {
		return r.waitErr(ctx, err)
	}
	return nil
}

func (r *RateLimiter) destination(destinationID int64) *rate.Limiter {
	if r.perDestination == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	limiter, ok := r.destinations[destinationID]
	if !ok {
		limiter = rate.NewLimiter(r.perDestination, r.destBurst)
		r.destinations[destinationID] = limiter
	}
	return limiter
}

// waitErr 调用方 ctx 未结束而等待被中断，说明限速器已关闭
func (r *RateLimiter) waitErr(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		select {
		case <-r.closed:
			return ErrLimiterClosed
		default:
		}
	}
	return err
}

// Close 中断所有等待，可重复调用
func (r *RateLimiter) Close() {
	if r == nil {
		return
	}
	r.closeOnce.Do(func() { close(r.closed) })
}

package relay

import (
	"context"

	"relay_bot/internal/logger"
	"relay_bot/internal/metrics"
)

const defaultDispatchQueue = 256

// Dispatcher 实时事件入口
// 订阅回调不能阻塞，事件交给对应源频道的队列，同一频道保持到达顺序
type Dispatcher struct {
	relayer *Relayer
	router  *Router
	pool    *WorkerPool
	metrics *metrics.Metrics
}

// NewDispatcher 创建事件分发器，每个源频道一个队列，queueSize <= 0 时使用默认值
func NewDispatcher(relayer *Relayer, router *Router, queueSize int, m *metrics.Metrics) *Dispatcher {
	if queueSize <= 0 {
		queueSize = defaultDispatchQueue
	}

	return &Dispatcher{
		relayer: relayer,
		router:  router,
		pool:    NewWorkerPool(router.Sources(), queueSize),
		metrics: m,
	}
}

// HandlePost 订阅回调：未映射的源直接忽略，其余排队处理
// 队列满时丢弃事件，由补偿扫描找回
func (d *Dispatcher) HandlePost(ctx context.Context, post *Post) {
	if post == nil {
		return
	}
	if _, ok := d.router.Resolve(post.SourceID); !ok {
		return
	}

	logger.L().Infof("New message in %d: ID %d", post.SourceID, post.ID)
	if !d.pool.Submit(ctx, post.SourceID, post, d.relay) {
		d.metrics.EventDropped()
	}
}

func (d *Dispatcher) relay(ctx context.Context, post *Post) {
	outcome, err := d.relayer.Relay(ctx, post)
	if err != nil {
		logger.Post(post.SourceID, post.ID).Errorf("Relay aborted: %v", err)
		return
	}
	logger.Post(post.SourceID, post.ID).Debugf("Relay finished: outcome=%s", outcome)
}

// Run 订阅全部源频道，阻塞直到 ctx 结束或订阅出错
func (d *Dispatcher) Run(ctx context.Context, subscriber Subscriber) error {
	return subscriber.Subscribe(ctx, d.router.Sources(), d.HandlePost)
}

// Close 等待已排队的事件处理完毕
func (d *Dispatcher) Close() {
	d.pool.Shutdown()
}

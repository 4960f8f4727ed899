package relay

import (
	"context"
	"sync"

	"relay_bot/internal/logger"
)

// task 一个待执行的转发任务
type task struct {
	ctx  context.Context
	post *Post
	run  func(ctx context.Context, post *Post)
}

// WorkerPool 每个源频道一个队列和一个协程
// 同一频道的任务按提交顺序执行；不同频道互不等待
// 队列在启动时按静态频道列表建好，运行期间不再增加
type WorkerPool struct {
	queues map[int64]chan task
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewWorkerPool 创建工作池
// keys: 源频道 ID，每个一个队列
// queueSize: 每个队列的长度
func NewWorkerPool(keys []int64, queueSize int) *WorkerPool {
	if queueSize <= 0 {
		queueSize = 1
	}

	pool := &WorkerPool{queues: make(map[int64]chan task, len(keys))}
	for _, key := range keys {
		if _, ok := pool.queues[key]; ok {
			continue
		}
		queue := make(chan task, queueSize)
		pool.queues[key] = queue
		pool.wg.Add(1)
		go pool.worker(key, queue)
	}

	logger.L().Infof("Worker pool started with %d channel queues, queue size %d", len(pool.queues), queueSize)
	return pool
}

func (p *WorkerPool) worker(key int64, queue <-chan task) {
	defer p.wg.Done()

	logger.L().Debugf("Worker for channel %d started", key)

	for t := range queue {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.L().Errorf("Worker %d: relay panic recovered: source=%d, message_id=%d, panic=%v",
						key, t.post.SourceID, t.post.ID, r)
				}
			}()
			t.run(t.ctx, t.post)
		}()
	}

	logger.L().Debugf("Worker for channel %d stopped", key)
}

// Submit 提交到 key 对应的队列
// 未知 key、队列已满或已关闭时丢弃并返回 false
func (p *WorkerPool) Submit(ctx context.Context, key int64, post *Post, run func(ctx context.Context, post *Post)) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		logger.L().Warnf("Worker pool closed, task dropped: source=%d, message_id=%d", post.SourceID, post.ID)
		return false
	}

	queue, ok := p.queues[key]
	if !ok {
		logger.L().Warnf("No worker for channel, task dropped: source=%d, message_id=%d", post.SourceID, post.ID)
		return false
	}

	select {
	case queue <- task{ctx: ctx, post: post, run: run}:
		return true
	default:
		logger.L().Warnf("Worker queue is full, task dropped: source=%d, message_id=%d", post.SourceID, post.ID)
		return false
	}
}

// Shutdown 停止接收新任务，等待队列中的任务执行完毕
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, queue := range p.queues {
		close(queue)
	}
	p.mu.Unlock()

	logger.L().Info("Shutting down worker pool...")
	p.wg.Wait()
	logger.L().Info("Worker pool shut down successfully")
}
